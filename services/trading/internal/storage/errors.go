package storage

import "errors"

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidCursor  = errors.New("invalid cursor")
	ErrStatusConflict = errors.New("status changed concurrently")
	ErrDuplicate      = errors.New("duplicate record")

	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrAlreadyReserved       = errors.New("already reserved")
	ErrInsufficientAvailable = errors.New("insufficient available quantity")
	ErrInsufficientQuantity  = errors.New("insufficient quantity")
	ErrNotTradeable          = errors.New("not tradeable")
	ErrNotStackable          = errors.New("item is not stackable")
	ErrStackLimit            = errors.New("stack limit exceeded")
)
