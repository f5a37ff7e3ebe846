package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type fixture struct {
	alice, bob uuid.UUID
	gold       int64
	potion     int64
	sword      int64
}

func seedFixture(t *testing.T, ctx context.Context, store Store) fixture {
	t.Helper()
	f := fixture{alice: uuid.New(), bob: uuid.New(), gold: 901, potion: 905, sword: 906}
	err := store.WithTx(ctx, func(tx Tx) error {
		if err := tx.InsertUser(ctx, User{ID: f.alice, Username: "alice-" + f.alice.String()[:8]}); err != nil {
			return err
		}
		if err := tx.InsertUser(ctx, User{ID: f.bob, Username: "bob-" + f.bob.String()[:8]}); err != nil {
			return err
		}
		if err := tx.UpsertCurrency(ctx, Currency{ID: f.gold, Code: "SGD", Name: "Storage Gold", DecimalPlaces: 2, ExchangeRate: decimal.NewFromInt(1), Active: true}); err != nil {
			return err
		}
		if err := tx.UpsertItemDefinition(ctx, ItemDefinition{ID: f.potion, Name: "Potion", ItemType: "consumable", Rarity: "common", Tradeable: true, Stackable: true, MaxStack: 99}); err != nil {
			return err
		}
		return tx.UpsertItemDefinition(ctx, ItemDefinition{ID: f.sword, Name: "Sword", ItemType: "equipment", Rarity: "epic", Tradeable: true})
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return f
}

func newPendingTrade(f fixture, createdAt time.Time) Trade {
	return Trade{
		ID:             uuid.New(),
		RequesterID:    f.alice,
		RecipientID:    f.bob,
		RequesterOffer: Bundle{Items: []ItemLine{{ItemID: f.potion, Quantity: 2}}},
		RecipientOffer: Bundle{Currencies: []CurrencyLine{{CurrencyID: f.gold, Amount: decimal.RequireFromString("10.5")}}},
		RequesterValue: decimal.NewFromInt(10),
		RecipientValue: decimal.RequireFromString("10.5"),
		Status:         TradeStatusPending,
		ExpiresAt:      createdAt.Add(time.Hour),
		CreatedAt:      createdAt,
		UpdatedAt:      createdAt,
	}
}

func testRollbackOnError(t *testing.T, store Store) {
	ctx := context.Background()
	f := seedFixture(t, ctx, store)

	boom := errors.New("boom")
	err := store.WithTx(ctx, func(tx Tx) error {
		if err := tx.SetStock(ctx, f.alice, f.potion, 5); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	err = store.WithTx(ctx, func(tx Tx) error {
		qty, err := tx.GetStock(ctx, f.alice, f.potion)
		if err != nil {
			return err
		}
		if qty != 0 {
			t.Fatalf("expected rolled back stock, got %d", qty)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
}

func testPendingPairUnique(t *testing.T, store Store) {
	ctx := context.Background()
	f := seedFixture(t, ctx, store)
	now := time.Now().UTC().Truncate(time.Microsecond)

	first := newPendingTrade(f, now)
	if err := store.WithTx(ctx, func(tx Tx) error { return tx.InsertTrade(ctx, first) }); err != nil {
		t.Fatalf("insert first: %v", err)
	}

	reversed := newPendingTrade(f, now)
	reversed.RequesterID, reversed.RecipientID = f.bob, f.alice
	err := store.WithTx(ctx, func(tx Tx) error { return tx.InsertTrade(ctx, reversed) })
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate for reversed pair, got %v", err)
	}

	err = store.WithTx(ctx, func(tx Tx) error {
		found, err := tx.FindPendingBetween(ctx, f.bob, f.alice)
		if err != nil {
			return err
		}
		if found.ID != first.ID {
			t.Fatalf("expected %s, got %s", first.ID, found.ID)
		}
		if len(found.RequesterOffer.Items) != 1 || found.RequesterOffer.Items[0].Quantity != 2 {
			t.Fatalf("bundle did not round-trip: %+v", found.RequesterOffer)
		}
		if !found.RecipientOffer.Currencies[0].Amount.Equal(decimal.RequireFromString("10.5")) {
			t.Fatalf("currency amount did not round-trip: %s", found.RecipientOffer.Currencies[0].Amount)
		}
		_, err = tx.UpdateTradeStatus(ctx, first.ID, StatusChange{From: TradeStatusPending, To: TradeStatusCancelled, At: now})
		return err
	})
	if err != nil {
		t.Fatalf("cancel first: %v", err)
	}

	if err := store.WithTx(ctx, func(tx Tx) error { return tx.InsertTrade(ctx, reversed) }); err != nil {
		t.Fatalf("expected insert after cancel to succeed: %v", err)
	}
}

func testStatusCompareAndSet(t *testing.T, store Store) {
	ctx := context.Background()
	f := seedFixture(t, ctx, store)
	now := time.Now().UTC().Truncate(time.Microsecond)
	trade := newPendingTrade(f, now)

	err := store.WithTx(ctx, func(tx Tx) error {
		if err := tx.InsertTrade(ctx, trade); err != nil {
			return err
		}
		updated, err := tx.UpdateTradeStatus(ctx, trade.ID, StatusChange{From: TradeStatusPending, To: TradeStatusCompleted, At: now})
		if err != nil {
			return err
		}
		if updated.Status != TradeStatusCompleted || updated.CompletedAt == nil {
			t.Fatalf("expected completed trade with completed_at, got %+v", updated)
		}
		_, err = tx.UpdateTradeStatus(ctx, trade.ID, StatusChange{From: TradeStatusPending, To: TradeStatusCancelled, At: now})
		if !errors.Is(err, ErrStatusConflict) {
			t.Fatalf("expected ErrStatusConflict, got %v", err)
		}
		_, err = tx.UpdateTradeStatus(ctx, uuid.New(), StatusChange{From: TradeStatusPending, To: TradeStatusCancelled, At: now})
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
}

func testStockAndReservations(t *testing.T, store Store) {
	ctx := context.Background()
	f := seedFixture(t, ctx, store)
	now := time.Now().UTC().Truncate(time.Microsecond)
	trade := newPendingTrade(f, now)

	err := store.WithTx(ctx, func(tx Tx) error {
		if err := tx.SetStock(ctx, f.alice, f.potion, 4); err != nil {
			return err
		}
		if err := tx.InsertTrade(ctx, trade); err != nil {
			return err
		}
		if err := tx.InsertItemReservation(ctx, ItemReservation{ID: uuid.New(), TradeID: trade.ID, UserID: f.alice, ItemID: f.potion, Quantity: 3, CreatedAt: now}); err != nil {
			return err
		}
		sum, err := tx.SumItemReservations(ctx, f.alice, f.potion, uuid.Nil)
		if err != nil {
			return err
		}
		if sum != 3 {
			t.Fatalf("expected 3 reserved, got %d", sum)
		}
		if sum, _ = tx.SumItemReservations(ctx, f.alice, f.potion, trade.ID); sum != 0 {
			t.Fatalf("expected own reservation excluded, got %d", sum)
		}
		n, err := tx.DeleteItemReservationsByTrade(ctx, trade.ID)
		if err != nil {
			return err
		}
		if n != 1 {
			t.Fatalf("expected 1 deleted reservation, got %d", n)
		}
		if err := tx.SetStock(ctx, f.alice, f.potion, 0); err != nil {
			return err
		}
		qty, err := tx.GetStock(ctx, f.alice, f.potion)
		if err != nil {
			return err
		}
		if qty != 0 {
			t.Fatalf("expected stock row removed, got %d", qty)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
}

func testTokenReservationRelease(t *testing.T, store Store) {
	ctx := context.Background()
	f := seedFixture(t, ctx, store)
	now := time.Now().UTC().Truncate(time.Microsecond)
	trade := newPendingTrade(f, now)
	tokenID := now.UnixNano() % 1_000_000_000

	err := store.WithTx(ctx, func(tx Tx) error {
		if err := tx.InsertTrade(ctx, trade); err != nil {
			return err
		}
		if err := tx.InsertToken(ctx, UniqueToken{ID: tokenID, ItemID: f.sword, OwnerID: f.alice, OriginalOwnerID: f.alice, Rarity: "epic", Tradeable: true}); err != nil {
			return err
		}
		tok, err := tx.GetTokenForUpdate(ctx, tokenID)
		if err != nil {
			return err
		}
		tradeID := trade.ID
		tok.Reserved = true
		tok.ReservedForTrade = &tradeID
		tok.UpdatedAt = now
		if err := tx.SaveToken(ctx, tok); err != nil {
			return err
		}
		n, err := tx.ReleaseTokensByTrade(ctx, trade.ID)
		if err != nil {
			return err
		}
		if n != 1 {
			t.Fatalf("expected one released token, got %d", n)
		}
		tok, err = tx.GetToken(ctx, tokenID)
		if err != nil {
			return err
		}
		if tok.Reserved || tok.ReservedForTrade != nil {
			t.Fatalf("expected token released, got %+v", tok)
		}
		if _, err := tx.GetToken(ctx, -1); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
}

func testListTradesPagination(t *testing.T, store Store) {
	ctx := context.Background()
	f := seedFixture(t, ctx, store)
	base := time.Now().UTC().Truncate(time.Microsecond)

	var ids []uuid.UUID
	err := store.WithTx(ctx, func(tx Tx) error {
		for i := 0; i < 3; i++ {
			trade := newPendingTrade(f, base.Add(time.Duration(i)*time.Second))
			trade.Status = TradeStatusDeclined
			if err := tx.InsertTrade(ctx, trade); err != nil {
				return err
			}
			ids = append(ids, trade.ID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	var page1, page2 []Trade
	var next string
	err = store.WithTx(ctx, func(tx Tx) error {
		var err error
		page1, next, err = tx.ListTrades(ctx, f.bob, TradeFilter{Status: TradeStatusDeclined, Limit: 2})
		if err != nil {
			return err
		}
		page2, _, err = tx.ListTrades(ctx, f.bob, TradeFilter{Status: TradeStatusDeclined, Limit: 2, Cursor: next})
		return err
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page1) != 2 || next == "" {
		t.Fatalf("expected 2 trades and a cursor, got %d %q", len(page1), next)
	}
	if page1[0].ID != ids[2] || page1[1].ID != ids[1] {
		t.Fatalf("expected newest first")
	}
	if len(page2) != 1 || page2[0].ID != ids[0] {
		t.Fatalf("expected oldest trade on second page, got %+v", page2)
	}

	err = store.WithTx(ctx, func(tx Tx) error {
		_, _, err := tx.ListTrades(ctx, f.bob, TradeFilter{Cursor: "not-a-cursor"})
		return err
	})
	if !errors.Is(err, ErrInvalidCursor) {
		t.Fatalf("expected ErrInvalidCursor, got %v", err)
	}
}

func testClaimExpired(t *testing.T, store Store) {
	ctx := context.Background()
	f := seedFixture(t, ctx, store)
	now := time.Now().UTC().Truncate(time.Microsecond)

	stale := newPendingTrade(f, now.Add(-48*time.Hour))
	err := store.WithTx(ctx, func(tx Tx) error { return tx.InsertTrade(ctx, stale) })
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	err = store.WithTx(ctx, func(tx Tx) error {
		claimed, err := tx.ClaimExpiredPending(ctx, now, 10)
		if err != nil {
			return err
		}
		found := false
		for _, c := range claimed {
			if c.ID == stale.ID {
				found = true
			}
		}
		if !found {
			t.Fatalf("expected stale trade to be claimed")
		}
		_, err = tx.UpdateTradeStatus(ctx, stale.ID, StatusChange{From: TradeStatusPending, To: TradeStatusExpired, At: now})
		return err
	})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	err = store.WithTx(ctx, func(tx Tx) error {
		claimed, err := tx.ClaimExpiredPending(ctx, now, 10)
		if err != nil {
			return err
		}
		for _, c := range claimed {
			if c.ID == stale.ID {
				t.Fatalf("expired trade claimed twice")
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
}

func testBalancesAndTransactions(t *testing.T, store Store) {
	ctx := context.Background()
	f := seedFixture(t, ctx, store)
	now := time.Now().UTC().Truncate(time.Microsecond)

	err := store.WithTx(ctx, func(tx Tx) error {
		bal, err := tx.GetBalanceForUpdate(ctx, f.alice, f.gold)
		if err != nil {
			return err
		}
		if !bal.Balance.IsZero() {
			t.Fatalf("expected zero balance, got %s", bal.Balance)
		}
		bal.Balance = decimal.RequireFromString("12.34")
		bal.TotalEarned = bal.Balance
		bal.LastTransactionAt = &now
		if err := tx.SaveBalance(ctx, bal); err != nil {
			return err
		}
		for i := 0; i < 3; i++ {
			if err := tx.InsertCurrencyTransaction(ctx, CurrencyTransaction{
				ID: uuid.New(), UserID: f.alice, CurrencyID: f.gold, Amount: decimal.NewFromInt(int64(i + 1)),
				Type: TransactionTypeCredit, BalanceAfter: bal.Balance, CreatedAt: now.Add(time.Duration(i) * time.Second),
			}); err != nil {
				return err
			}
		}
		balances, err := tx.ListBalances(ctx, f.alice)
		if err != nil {
			return err
		}
		if len(balances) != 1 || !balances[0].Balance.Equal(decimal.RequireFromString("12.34")) {
			t.Fatalf("unexpected balances: %+v", balances)
		}
		txns, next, err := tx.ListCurrencyTransactions(ctx, f.alice, f.gold, TransactionFilter{Limit: 2})
		if err != nil {
			return err
		}
		if len(txns) != 2 || next == "" || !txns[0].Amount.Equal(decimal.NewFromInt(3)) {
			t.Fatalf("unexpected first page: %+v", txns)
		}
		rest, _, err := tx.ListCurrencyTransactions(ctx, f.alice, f.gold, TransactionFilter{Limit: 2, Cursor: next})
		if err != nil {
			return err
		}
		if len(rest) != 1 || !rest[0].Amount.Equal(decimal.NewFromInt(1)) {
			t.Fatalf("unexpected second page: %+v", rest)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
}
