package currency

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/AfshinJalili/vgx/services/trading/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	gems  int64 = 1
	coins int64 = 2
)

func setup(t *testing.T) (*storage.MemoryStore, uuid.UUID, uuid.UUID) {
	t.Helper()
	store := storage.NewMemory()
	alice, bob := uuid.New(), uuid.New()
	ctx := context.Background()
	err := store.WithTx(ctx, func(tx storage.Tx) error {
		for _, u := range []uuid.UUID{alice, bob} {
			if err := tx.InsertUser(ctx, storage.User{ID: u, Username: u.String()}); err != nil {
				return err
			}
		}
		if err := tx.UpsertCurrency(ctx, storage.Currency{ID: gems, Code: "GEM", DecimalPlaces: 0, ExchangeRate: decimal.NewFromInt(10), Active: true}); err != nil {
			return err
		}
		return tx.UpsertCurrency(ctx, storage.Currency{ID: coins, Code: "CON", DecimalPlaces: 2, ExchangeRate: decimal.NewFromInt(1), Active: true})
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return store, alice, bob
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestCreditRoundsHalfUp(t *testing.T) {
	store, alice, _ := setup(t)
	ledger := New(nil)
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx storage.Tx) error {
		after, err := ledger.Credit(ctx, tx, alice, coins, d("1.005"), Reference{Reason: "quest"})
		if err != nil {
			return err
		}
		if !after.Equal(d("1.01")) {
			t.Fatalf("expected 1.01, got %s", after)
		}
		after, err = ledger.Credit(ctx, tx, alice, gems, d("2.5"), Reference{Reason: "quest"})
		if err != nil {
			return err
		}
		if !after.Equal(d("3")) {
			t.Fatalf("expected 3, got %s", after)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
}

func TestRejectsNonPositiveAmounts(t *testing.T) {
	store, alice, _ := setup(t)
	ledger := New(nil)
	ctx := context.Background()

	for _, amt := range []string{"0", "-5", "0.001"} {
		err := store.WithTx(ctx, func(tx storage.Tx) error {
			_, err := ledger.Credit(ctx, tx, alice, coins, d(amt), Reference{})
			return err
		})
		if !errors.Is(err, storage.ErrInvalidAmount) {
			t.Fatalf("amount %s: expected ErrInvalidAmount, got %v", amt, err)
		}
	}
}

func TestDebitNeverGoesNegative(t *testing.T) {
	store, alice, _ := setup(t)
	ledger := New(nil)
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx storage.Tx) error {
		_, err := ledger.Credit(ctx, tx, alice, coins, d("10"), Reference{})
		return err
	})
	if err != nil {
		t.Fatalf("credit: %v", err)
	}

	err = store.WithTx(ctx, func(tx storage.Tx) error {
		_, err := ledger.Debit(ctx, tx, alice, coins, d("10.01"), Reference{})
		return err
	})
	if !errors.Is(err, storage.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	err = store.WithTx(ctx, func(tx storage.Tx) error {
		after, err := ledger.Debit(ctx, tx, alice, coins, d("10"), Reference{})
		if err != nil {
			return err
		}
		if !after.IsZero() {
			t.Fatalf("expected zero balance, got %s", after)
		}
		bal, err := tx.GetBalance(ctx, alice, coins)
		if err != nil {
			return err
		}
		if !bal.TotalEarned.Equal(d("10")) || !bal.TotalSpent.Equal(d("10")) {
			t.Fatalf("unexpected totals: earned %s spent %s", bal.TotalEarned, bal.TotalSpent)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
}

func TestTransferIsAllOrNothing(t *testing.T) {
	store, alice, bob := setup(t)
	ledger := New(nil)
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx storage.Tx) error {
		_, err := ledger.Credit(ctx, tx, alice, coins, d("100"), Reference{})
		return err
	})
	if err != nil {
		t.Fatalf("credit: %v", err)
	}

	err = store.WithTx(ctx, func(tx storage.Tx) error {
		return ledger.Transfer(ctx, tx, alice, bob, coins, d("150"), Reference{Reason: "gift"})
	})
	if !errors.Is(err, storage.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	err = store.WithTx(ctx, func(tx storage.Tx) error {
		if err := ledger.Transfer(ctx, tx, alice, bob, coins, d("40"), Reference{Reason: "gift", Type: "test", ID: "t1"}); err != nil {
			return err
		}
		a, _ := ledger.GetBalance(ctx, tx, alice, coins)
		b, _ := ledger.GetBalance(ctx, tx, bob, coins)
		if !a.Equal(d("60")) || !b.Equal(d("40")) {
			t.Fatalf("unexpected balances alice=%s bob=%s", a, b)
		}
		if !a.Add(b).Equal(d("100")) {
			t.Fatalf("transfer did not conserve funds")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}

	err = store.WithTx(ctx, func(tx storage.Tx) error {
		return ledger.Transfer(ctx, tx, alice, alice, coins, d("1"), Reference{})
	})
	if !errors.Is(err, ErrSameAccount) {
		t.Fatalf("expected ErrSameAccount, got %v", err)
	}
}

func TestHistoryRecordsBalanceAfter(t *testing.T) {
	store, alice, _ := setup(t)
	ledger := New(nil)
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx storage.Tx) error {
		if _, err := ledger.Credit(ctx, tx, alice, gems, d("5"), Reference{Reason: "daily"}); err != nil {
			return err
		}
		_, err := ledger.Debit(ctx, tx, alice, gems, d("2"), Reference{Reason: "shop"})
		return err
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	err = store.WithTx(ctx, func(tx storage.Tx) error {
		txns, _, err := ledger.History(ctx, tx, alice, gems, storage.TransactionFilter{})
		if err != nil {
			return err
		}
		if len(txns) != 2 {
			t.Fatalf("expected 2 transactions, got %d", len(txns))
		}
		var sum decimal.Decimal
		for _, txn := range txns {
			sum = sum.Add(txn.Amount)
			if txn.Type == storage.TransactionTypeDebit && !txn.BalanceAfter.Equal(d("3")) {
				t.Fatalf("expected debit balance_after 3, got %s", txn.BalanceAfter)
			}
		}
		bal, _ := ledger.GetBalance(ctx, tx, alice, gems)
		if !sum.Equal(bal) {
			t.Fatalf("log sum %s does not match balance %s", sum, bal)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
}

func TestUnknownAndInactiveCurrency(t *testing.T) {
	store, alice, _ := setup(t)
	ledger := New(nil)
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx storage.Tx) error {
		_, err := ledger.Credit(ctx, tx, alice, 99, d("1"), Reference{})
		return err
	})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	err = store.WithTx(ctx, func(tx storage.Tx) error {
		if err := tx.UpsertCurrency(ctx, storage.Currency{ID: 3, Code: "OLD", Active: false}); err != nil {
			return err
		}
		_, err := ledger.Credit(ctx, tx, alice, 3, d("1"), Reference{})
		return err
	})
	if !errors.Is(err, ErrCurrencyInactive) {
		t.Fatalf("expected ErrCurrencyInactive, got %v", err)
	}
}

// lockRecorder records the order in which balance rows are locked.
type lockRecorder struct {
	storage.Tx
	locked *[]uuid.UUID
}

func (r lockRecorder) GetBalanceForUpdate(ctx context.Context, userID uuid.UUID, currencyID int64) (storage.CurrencyBalance, error) {
	*r.locked = append(*r.locked, userID)
	return r.Tx.GetBalanceForUpdate(ctx, userID, currencyID)
}

func TestTransferLocksBalancesInUUIDOrder(t *testing.T) {
	store, alice, bob := setup(t)
	ledger := New(nil)
	ctx := context.Background()
	low, high := alice, bob
	if bytes.Compare(low[:], high[:]) > 0 {
		low, high = high, low
	}

	// both directions must take the lower id first
	for _, dir := range [][2]uuid.UUID{{high, low}, {low, high}} {
		var locked []uuid.UUID
		err := store.WithTx(ctx, func(tx storage.Tx) error {
			if _, err := ledger.Credit(ctx, tx, dir[0], coins, d("5"), Reference{Reason: "seed"}); err != nil {
				return err
			}
			return ledger.Transfer(ctx, lockRecorder{Tx: tx, locked: &locked}, dir[0], dir[1], coins, d("5"), Reference{Reason: "trade"})
		})
		if err != nil {
			t.Fatalf("transfer: %v", err)
		}
		if len(locked) < 2 || locked[0] != low || locked[1] != high {
			t.Fatalf("expected %s then %s to be locked first, got %v", low, high, locked)
		}
	}
}
