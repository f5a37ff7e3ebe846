package storage

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// Store runs fn inside a single all-or-nothing transaction. Any error returned by fn rolls back.
type Store interface {
	WithTx(ctx context.Context, fn func(Tx) error) error
}

// Tx exposes storage primitives only. Business rules live in the ledgers and the trade engine.
type Tx interface {
	InsertUser(ctx context.Context, user User) error
	UserExists(ctx context.Context, id uuid.UUID) (bool, error)

	UpsertCurrency(ctx context.Context, currency Currency) error
	GetCurrency(ctx context.Context, id int64) (Currency, error)
	// GetBalanceForUpdate locks the balance row and returns a zero balance when none exists.
	GetBalanceForUpdate(ctx context.Context, userID uuid.UUID, currencyID int64) (CurrencyBalance, error)
	GetBalance(ctx context.Context, userID uuid.UUID, currencyID int64) (CurrencyBalance, error)
	ListBalances(ctx context.Context, userID uuid.UUID) ([]CurrencyBalance, error)
	SaveBalance(ctx context.Context, balance CurrencyBalance) error
	InsertCurrencyTransaction(ctx context.Context, txn CurrencyTransaction) error
	ListCurrencyTransactions(ctx context.Context, userID uuid.UUID, currencyID int64, filter TransactionFilter) ([]CurrencyTransaction, string, error)

	UpsertItemDefinition(ctx context.Context, def ItemDefinition) error
	GetItemDefinition(ctx context.Context, id int64) (ItemDefinition, error)
	GetStock(ctx context.Context, userID uuid.UUID, itemID int64) (int64, error)
	GetStockForUpdate(ctx context.Context, userID uuid.UUID, itemID int64) (int64, error)
	// SetStock deletes the row when quantity is zero.
	SetStock(ctx context.Context, userID uuid.UUID, itemID int64, quantity int64) error
	InsertItemReservation(ctx context.Context, res ItemReservation) error
	// SumItemReservations ignores reservations held by excludeTrade (uuid.Nil excludes nothing).
	SumItemReservations(ctx context.Context, userID uuid.UUID, itemID int64, excludeTrade uuid.UUID) (int64, error)
	DeleteItemReservationsByTrade(ctx context.Context, tradeID uuid.UUID) (int64, error)

	InsertToken(ctx context.Context, token UniqueToken) error
	GetToken(ctx context.Context, id int64) (UniqueToken, error)
	GetTokenForUpdate(ctx context.Context, id int64) (UniqueToken, error)
	SaveToken(ctx context.Context, token UniqueToken) error
	ReleaseTokensByTrade(ctx context.Context, tradeID uuid.UUID) (int64, error)

	// InsertTrade returns ErrDuplicate when a pending trade already exists for the pair.
	InsertTrade(ctx context.Context, trade Trade) error
	GetTrade(ctx context.Context, id uuid.UUID) (Trade, error)
	GetTradeForUpdate(ctx context.Context, id uuid.UUID) (Trade, error)
	// UpdateTradeStatus applies change only if the trade is still in change.From.
	// It returns ErrNotFound for unknown trades and ErrStatusConflict otherwise.
	UpdateTradeStatus(ctx context.Context, id uuid.UUID, change StatusChange) (Trade, error)
	FindPendingBetween(ctx context.Context, a, b uuid.UUID) (Trade, error)
	ListTrades(ctx context.Context, userID uuid.UUID, filter TradeFilter) ([]Trade, string, error)
	// ClaimExpiredPending locks up to limit pending trades past their expiry, skipping rows other transactions hold.
	ClaimExpiredPending(ctx context.Context, now time.Time, limit int) ([]Trade, error)

	InsertAudit(ctx context.Context, log AuditLog) error
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultPageSize
	}
	if limit > maxPageSize {
		return maxPageSize
	}
	return limit
}

func encodeCursor(ts time.Time, id string) string {
	payload := fmt.Sprintf("%s|%s", ts.UTC().Format(time.RFC3339Nano), id)
	return base64.StdEncoding.EncodeToString([]byte(payload))
}

func decodeCursor(cursor string) (time.Time, string, error) {
	decoded, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", ErrInvalidCursor
	}
	parts := strings.SplitN(string(decoded), "|", 2)
	if len(parts) != 2 || parts[1] == "" {
		return time.Time{}, "", ErrInvalidCursor
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", ErrInvalidCursor
	}
	return ts, parts[1], nil
}

// pairKey orders two user ids so (a,b) and (b,a) collide.
func pairKey(a, b uuid.UUID) string {
	as, bs := a.String(), b.String()
	if as > bs {
		as, bs = bs, as
	}
	return as + ":" + bs
}
