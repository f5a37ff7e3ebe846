package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/AfshinJalili/vgx/services/trading/internal/storage"
)

var (
	ErrSelfTrade            = errors.New("cannot trade with yourself")
	ErrInvalidUsers         = errors.New("one or both users do not exist")
	ErrEmptyOffer           = errors.New("offer is empty")
	ErrEmptyRequest         = errors.New("request is empty")
	ErrInvalidBundle        = errors.New("invalid bundle")
	ErrInsufficientItems    = errors.New("insufficient items")
	ErrInsufficientCurrency = errors.New("insufficient currency")
	ErrNonTradeable         = errors.New("asset is not tradeable")
	ErrInvalidNFT           = errors.New("invalid unique token")
	ErrTradeExists          = errors.New("a pending trade already exists between these users")
	ErrTradeNotFound        = errors.New("trade not found")
	ErrPermissionDenied     = errors.New("permission denied")
	ErrInvalidStatus        = errors.New("trade is not pending")
	ErrTradeExpired         = errors.New("trade expired")
	ErrItemUnavailable      = errors.New("item no longer available")
	ErrCurrencyUnavailable  = errors.New("currency no longer available")
	ErrRateLimited          = errors.New("rate limit exceeded")
	ErrSettlementFailed     = errors.New("settlement failed")
)

// RateLimitedError carries the retry hint for a throttled action.
type RateLimitedError struct {
	Action     string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s: %s, retry after %s", ErrRateLimited, e.Action, e.RetryAfter.Round(time.Second))
}

func (e *RateLimitedError) Unwrap() error { return ErrRateLimited }

type codedError struct {
	err  error
	code string
}

// Order matters: settlement failures wrap the ledger error that caused them.
var errorCodes = []codedError{
	{ErrSettlementFailed, "SETTLEMENT_FAILED"},
	{ErrSelfTrade, "SELF_TRADE"},
	{ErrInvalidUsers, "INVALID_USERS"},
	{ErrEmptyOffer, "EMPTY_OFFER"},
	{ErrEmptyRequest, "EMPTY_REQUEST"},
	{ErrInvalidBundle, "INVALID_REQUEST"},
	{ErrInsufficientItems, "INSUFFICIENT_ITEMS"},
	{ErrInsufficientCurrency, "INSUFFICIENT_CURRENCY"},
	{ErrNonTradeable, "NON_TRADEABLE"},
	{ErrInvalidNFT, "INVALID_NFT"},
	{ErrTradeExists, "TRADE_EXISTS"},
	{ErrTradeNotFound, "TRADE_NOT_FOUND"},
	{ErrPermissionDenied, "PERMISSION_DENIED"},
	{ErrInvalidStatus, "INVALID_STATUS"},
	{ErrTradeExpired, "TRADE_EXPIRED"},
	{ErrItemUnavailable, "ITEM_UNAVAILABLE"},
	{ErrCurrencyUnavailable, "CURRENCY_UNAVAILABLE"},
	{ErrRateLimited, "RATE_LIMITED"},
	{storage.ErrInsufficientFunds, "INSUFFICIENT_FUNDS"},
	{storage.ErrInvalidAmount, "INVALID_AMOUNT"},
	{storage.ErrAlreadyReserved, "ALREADY_RESERVED"},
	{storage.ErrInsufficientAvailable, "INSUFFICIENT_AVAILABLE"},
	{storage.ErrInvalidCursor, "INVALID_REQUEST"},
}

// ErrorCode returns the stable machine-readable code for err.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "INTERNAL_ERROR"
}

// IsExpected reports whether err is a business outcome rather than an infrastructure failure.
func IsExpected(err error) bool {
	return ErrorCode(err) != "INTERNAL_ERROR"
}
