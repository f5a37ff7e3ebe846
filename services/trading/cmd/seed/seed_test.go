package main

import (
	"context"
	"testing"
	"time"

	"github.com/AfshinJalili/vgx/services/trading/internal/storage"
	"github.com/shopspring/decimal"
)

func TestSeedIsIdempotent(t *testing.T) {
	store := storage.NewMemory()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := seed(ctx, store, true); err != nil {
			t.Fatalf("seed run %d: %v", i+1, err)
		}
	}

	err := store.WithTx(ctx, func(tx storage.Tx) error {
		bal, err := tx.GetBalance(ctx, traderUserID, goldID)
		if err != nil {
			return err
		}
		if !bal.Balance.Equal(decimal.RequireFromString("2500.5")) {
			t.Fatalf("trader gold %s after two runs", bal.Balance)
		}
		qty, err := tx.GetStock(ctx, demoUserID, potionID)
		if err != nil {
			return err
		}
		if qty != 20 {
			t.Fatalf("demo potions %d after two runs", qty)
		}
		ok, err := tx.UserExists(ctx, suspendedUserID)
		if err != nil {
			return err
		}
		if ok {
			t.Fatal("suspended user should not count as an active trader")
		}
		stale, err := tx.ClaimExpiredPending(ctx, time.Now().UTC(), 10)
		if err != nil {
			return err
		}
		if len(stale) != 1 || stale[0].ID != staleTradeID {
			t.Fatalf("expected the stale trade to be claimable, got %d", len(stale))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
}
