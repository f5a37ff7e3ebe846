package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BundleVersion is written alongside every persisted bundle.
const BundleVersion = 1

type TradeStatus string

const (
	TradeStatusPending   TradeStatus = "pending"
	TradeStatusCompleted TradeStatus = "completed"
	TradeStatusDeclined  TradeStatus = "declined"
	TradeStatusCancelled TradeStatus = "cancelled"
	TradeStatusExpired   TradeStatus = "expired"
)

func (s TradeStatus) IsTerminal() bool {
	switch s {
	case TradeStatusCompleted, TradeStatusDeclined, TradeStatusCancelled, TradeStatusExpired:
		return true
	}
	return false
}

func (s TradeStatus) Valid() bool {
	return s == TradeStatusPending || s.IsTerminal()
}

type ItemLine struct {
	ItemID   int64 `json:"item_id"`
	Quantity int64 `json:"quantity"`
}

type CurrencyLine struct {
	CurrencyID int64           `json:"currency_id"`
	Amount     decimal.Decimal `json:"amount"`
}

// Bundle is one side of a trade.
type Bundle struct {
	Items      []ItemLine     `json:"items,omitempty"`
	Tokens     []int64        `json:"tokens,omitempty"`
	Currencies []CurrencyLine `json:"currencies,omitempty"`
}

func (b Bundle) IsEmpty() bool {
	return len(b.Items) == 0 && len(b.Tokens) == 0 && len(b.Currencies) == 0
}

func (b Bundle) Lines() int {
	return len(b.Items) + len(b.Tokens) + len(b.Currencies)
}

type Trade struct {
	ID             uuid.UUID
	RequesterID    uuid.UUID
	RecipientID    uuid.UUID
	RequesterOffer Bundle
	RecipientOffer Bundle
	RequesterValue decimal.Decimal
	RecipientValue decimal.Decimal
	Status         TradeStatus
	Message        string
	DeclineReason  string
	ExpiresAt      time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time
}

func (t Trade) IsParticipant(userID uuid.UUID) bool {
	return t.RequesterID == userID || t.RecipientID == userID
}

// StatusChange is a compare-and-set on a trade's status.
type StatusChange struct {
	From          TradeStatus
	To            TradeStatus
	At            time.Time
	DeclineReason string
}

type TradeFilter struct {
	Status TradeStatus
	Cursor string
	Limit  int
}

type User struct {
	ID        uuid.UUID
	Username  string
	Status    string
	CreatedAt time.Time
}

type Currency struct {
	ID            int64
	Code          string
	Name          string
	DecimalPlaces int32
	ExchangeRate  decimal.Decimal
	Active        bool
}

type CurrencyBalance struct {
	UserID            uuid.UUID
	CurrencyID        int64
	Balance           decimal.Decimal
	TotalEarned       decimal.Decimal
	TotalSpent        decimal.Decimal
	LastTransactionAt *time.Time
}

const (
	TransactionTypeCredit = "credit"
	TransactionTypeDebit  = "debit"
)

type CurrencyTransaction struct {
	ID            uuid.UUID
	UserID        uuid.UUID
	CurrencyID    int64
	Amount        decimal.Decimal
	Type          string
	Reason        string
	ReferenceType string
	ReferenceID   string
	BalanceAfter  decimal.Decimal
	CreatedAt     time.Time
}

type TransactionFilter struct {
	Cursor string
	Limit  int
}

type ItemDefinition struct {
	ID        int64
	Name      string
	ItemType  string
	Rarity    string
	Tradeable bool
	Stackable bool
	MaxStack  int64
}

type ItemReservation struct {
	ID        uuid.UUID
	TradeID   uuid.UUID
	UserID    uuid.UUID
	ItemID    int64
	Quantity  int64
	CreatedAt time.Time
}

type UniqueToken struct {
	ID               int64
	ItemID           int64
	OwnerID          uuid.UUID
	OriginalOwnerID  uuid.UUID
	Rarity           string
	Tradeable        bool
	UpgradeLevel     int
	Reserved         bool
	ReservedForTrade *uuid.UUID
	UpdatedAt        time.Time
}

type AuditLog struct {
	ID         uuid.UUID
	ActorID    *uuid.UUID
	Action     string
	EntityType string
	EntityID   string
	Metadata   map[string]any
	CreatedAt  time.Time
}
