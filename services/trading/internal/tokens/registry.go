// Package tokens tracks ownership and trade reservations of unique, non-stackable assets.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AfshinJalili/vgx/services/trading/internal/storage"
	"github.com/google/uuid"
)

type Registry struct {
	logger *slog.Logger
	now    func() time.Time
}

func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

func (r *Registry) Get(ctx context.Context, tx storage.Tx, tokenID int64) (storage.UniqueToken, error) {
	tok, err := tx.GetToken(ctx, tokenID)
	if err != nil {
		return storage.UniqueToken{}, fmt.Errorf("token %d: %w", tokenID, err)
	}
	return tok, nil
}

func (r *Registry) IsOwnedBy(ctx context.Context, tx storage.Tx, tokenID int64, userID uuid.UUID) (bool, error) {
	tok, err := tx.GetToken(ctx, tokenID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return tok.OwnerID == userID, nil
}

// Transfer flips ownership and drops any reservation. original_owner_id never changes.
func (r *Registry) Transfer(ctx context.Context, tx storage.Tx, tokenID int64, newOwner uuid.UUID) error {
	tok, err := tx.GetTokenForUpdate(ctx, tokenID)
	if err != nil {
		return fmt.Errorf("token %d: %w", tokenID, err)
	}
	if !tok.Tradeable {
		return fmt.Errorf("token %d: %w", tokenID, storage.ErrNotTradeable)
	}
	previous := tok.OwnerID
	tok.OwnerID = newOwner
	tok.Reserved = false
	tok.ReservedForTrade = nil
	tok.UpdatedAt = r.now()
	if err := tx.SaveToken(ctx, tok); err != nil {
		return fmt.Errorf("save token %d: %w", tokenID, err)
	}
	r.logger.Debug("token transferred", "token_id", tokenID, "from", previous, "to", newOwner)
	return nil
}

// Reserve is idempotent for the trade already holding the token.
func (r *Registry) Reserve(ctx context.Context, tx storage.Tx, tokenID int64, tradeID uuid.UUID) error {
	tok, err := tx.GetTokenForUpdate(ctx, tokenID)
	if err != nil {
		return fmt.Errorf("token %d: %w", tokenID, err)
	}
	if tok.Reserved {
		if tok.ReservedForTrade != nil && *tok.ReservedForTrade == tradeID {
			return nil
		}
		return fmt.Errorf("token %d: %w", tokenID, storage.ErrAlreadyReserved)
	}
	tok.Reserved = true
	tok.ReservedForTrade = &tradeID
	tok.UpdatedAt = r.now()
	return tx.SaveToken(ctx, tok)
}

func (r *Registry) Release(ctx context.Context, tx storage.Tx, tokenID int64) error {
	tok, err := tx.GetTokenForUpdate(ctx, tokenID)
	if err != nil {
		return fmt.Errorf("token %d: %w", tokenID, err)
	}
	if !tok.Reserved {
		return nil
	}
	tok.Reserved = false
	tok.ReservedForTrade = nil
	tok.UpdatedAt = r.now()
	return tx.SaveToken(ctx, tok)
}

func (r *Registry) ReleaseByTrade(ctx context.Context, tx storage.Tx, tradeID uuid.UUID) (int64, error) {
	return tx.ReleaseTokensByTrade(ctx, tradeID)
}
