// Package items keeps per-user quantities of stackable items and the trade reservations against them.
package items

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/AfshinJalili/vgx/services/trading/internal/storage"
	"github.com/google/uuid"
)

type Ledger struct {
	logger *slog.Logger
	now    func() time.Time
}

func New(logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

func (l *Ledger) GetQuantity(ctx context.Context, tx storage.Tx, userID uuid.UUID, itemID int64) (int64, error) {
	return tx.GetStock(ctx, userID, itemID)
}

// Available is owned quantity minus reservations held by trades other than excludeTrade.
func (l *Ledger) Available(ctx context.Context, tx storage.Tx, userID uuid.UUID, itemID int64, excludeTrade uuid.UUID) (int64, error) {
	owned, err := tx.GetStockForUpdate(ctx, userID, itemID)
	if err != nil {
		return 0, err
	}
	reserved, err := tx.SumItemReservations(ctx, userID, itemID, excludeTrade)
	if err != nil {
		return 0, err
	}
	if avail := owned - reserved; avail > 0 {
		return avail, nil
	}
	return 0, nil
}

// Lock takes the stock locks for users in uuid order so concurrent moves of one item cannot deadlock.
func (l *Ledger) Lock(ctx context.Context, tx storage.Tx, itemID int64, users ...uuid.UUID) error {
	ordered := append([]uuid.UUID(nil), users...)
	sort.Slice(ordered, func(i, j int) bool { return bytes.Compare(ordered[i][:], ordered[j][:]) < 0 })
	for i, user := range ordered {
		if i > 0 && user == ordered[i-1] {
			continue
		}
		if _, err := tx.GetStockForUpdate(ctx, user, itemID); err != nil {
			return fmt.Errorf("lock stock: %w", err)
		}
	}
	return nil
}

func (l *Ledger) Add(ctx context.Context, tx storage.Tx, userID uuid.UUID, itemID int64, qty int64) error {
	if qty <= 0 {
		return fmt.Errorf("%w: quantity %d", storage.ErrInvalidAmount, qty)
	}
	def, err := tx.GetItemDefinition(ctx, itemID)
	if err != nil {
		return fmt.Errorf("item %d: %w", itemID, err)
	}
	if !def.Stackable {
		return fmt.Errorf("item %d: %w", itemID, storage.ErrNotStackable)
	}
	current, err := tx.GetStockForUpdate(ctx, userID, itemID)
	if err != nil {
		return err
	}
	next := current + qty
	if def.MaxStack > 0 && next > def.MaxStack {
		return fmt.Errorf("item %d: %w: %d > %d", itemID, storage.ErrStackLimit, next, def.MaxStack)
	}
	return tx.SetStock(ctx, userID, itemID, next)
}

// Remove checks owned quantity only. Reservations are advisory and do not block it.
func (l *Ledger) Remove(ctx context.Context, tx storage.Tx, userID uuid.UUID, itemID int64, qty int64) error {
	if qty <= 0 {
		return fmt.Errorf("%w: quantity %d", storage.ErrInvalidAmount, qty)
	}
	current, err := tx.GetStockForUpdate(ctx, userID, itemID)
	if err != nil {
		return err
	}
	if current < qty {
		return fmt.Errorf("item %d: %w: have %d, need %d", itemID, storage.ErrInsufficientQuantity, current, qty)
	}
	return tx.SetStock(ctx, userID, itemID, current-qty)
}

func (l *Ledger) Reserve(ctx context.Context, tx storage.Tx, userID uuid.UUID, itemID int64, qty int64, tradeID uuid.UUID) error {
	if qty <= 0 {
		return fmt.Errorf("%w: quantity %d", storage.ErrInvalidAmount, qty)
	}
	avail, err := l.Available(ctx, tx, userID, itemID, uuid.Nil)
	if err != nil {
		return err
	}
	if avail < qty {
		return fmt.Errorf("item %d: %w: available %d, need %d", itemID, storage.ErrInsufficientAvailable, avail, qty)
	}
	return tx.InsertItemReservation(ctx, storage.ItemReservation{
		ID:        uuid.New(),
		TradeID:   tradeID,
		UserID:    userID,
		ItemID:    itemID,
		Quantity:  qty,
		CreatedAt: l.now(),
	})
}

func (l *Ledger) ReleaseByTrade(ctx context.Context, tx storage.Tx, tradeID uuid.UUID) (int64, error) {
	n, err := tx.DeleteItemReservationsByTrade(ctx, tradeID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		l.logger.Debug("item reservations released", "trade_id", tradeID, "count", n)
	}
	return n, nil
}
