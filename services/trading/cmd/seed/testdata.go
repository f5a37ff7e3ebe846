package main

import (
	"context"
	"errors"
	"time"

	"github.com/AfshinJalili/vgx/services/trading/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	collectorUserID = uuid.MustParse("00000000-0000-0000-0000-000000000003")
	suspendedUserID = uuid.MustParse("00000000-0000-0000-0000-000000000004")
	staleTradeID    = uuid.MustParse("00000000-0000-0000-0000-000000000501")
)

// seedTestData adds a suspended user and a stale pending trade the expiry sweeper should pick up.
func seedTestData(ctx context.Context, tx storage.Tx) error {
	if err := tx.InsertUser(ctx, storage.User{ID: collectorUserID, Username: "collector"}); err != nil {
		return err
	}
	if err := tx.InsertUser(ctx, storage.User{ID: suspendedUserID, Username: "suspended", Status: "suspended"}); err != nil {
		return err
	}

	if _, err := tx.GetTrade(ctx, staleTradeID); err == nil {
		return nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	created := time.Now().UTC().Add(-8 * 24 * time.Hour)
	trade := storage.Trade{
		ID:             staleTradeID,
		RequesterID:    collectorUserID,
		RecipientID:    demoUserID,
		RequesterOffer: storage.Bundle{Currencies: []storage.CurrencyLine{{CurrencyID: goldID, Amount: decimal.NewFromInt(5)}}},
		RecipientOffer: storage.Bundle{Items: []storage.ItemLine{{ItemID: potionID, Quantity: 1}}},
		RequesterValue: decimal.NewFromInt(5),
		RecipientValue: decimal.NewFromInt(5),
		Status:         storage.TradeStatusPending,
		Message:        "left over from last week",
		ExpiresAt:      created.Add(7 * 24 * time.Hour),
		CreatedAt:      created,
		UpdatedAt:      created,
	}
	if err := tx.InsertTrade(ctx, trade); err != nil && !errors.Is(err, storage.ErrDuplicate) {
		return err
	}
	return nil
}
