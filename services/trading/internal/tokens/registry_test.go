package tokens

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/AfshinJalili/vgx/services/trading/internal/storage"
	"github.com/google/uuid"
)

type env struct {
	store      *storage.MemoryStore
	alice, bob uuid.UUID
	tradeA     uuid.UUID
	tradeB     uuid.UUID
}

func setup(t *testing.T) env {
	t.Helper()
	e := env{store: storage.NewMemory(), alice: uuid.New(), bob: uuid.New(), tradeA: uuid.New(), tradeB: uuid.New()}
	ctx := context.Background()
	now := time.Now().UTC()
	err := e.store.WithTx(ctx, func(tx storage.Tx) error {
		for _, u := range []uuid.UUID{e.alice, e.bob} {
			if err := tx.InsertUser(ctx, storage.User{ID: u, Username: u.String()}); err != nil {
				return err
			}
		}
		if err := tx.UpsertItemDefinition(ctx, storage.ItemDefinition{ID: 10, Name: "Crown", ItemType: "collectible", Rarity: "legendary", Tradeable: true}); err != nil {
			return err
		}
		if err := tx.InsertToken(ctx, storage.UniqueToken{ID: 77, ItemID: 10, OwnerID: e.alice, OriginalOwnerID: e.alice, Rarity: "legendary", Tradeable: true}); err != nil {
			return err
		}
		if err := tx.InsertToken(ctx, storage.UniqueToken{ID: 78, ItemID: 10, OwnerID: e.alice, OriginalOwnerID: e.alice, Rarity: "legendary", Tradeable: false}); err != nil {
			return err
		}
		for _, id := range []uuid.UUID{e.tradeA, e.tradeB} {
			if err := tx.InsertTrade(ctx, storage.Trade{ID: id, RequesterID: e.alice, RecipientID: e.bob, Status: storage.TradeStatusDeclined, CreatedAt: now, UpdatedAt: now, ExpiresAt: now}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return e
}

func TestTransferKeepsOriginalOwner(t *testing.T) {
	e := setup(t)
	reg := New(nil)
	ctx := context.Background()

	err := e.store.WithTx(ctx, func(tx storage.Tx) error {
		if err := reg.Transfer(ctx, tx, 77, e.bob); err != nil {
			return err
		}
		owned, err := reg.IsOwnedBy(ctx, tx, 77, e.bob)
		if err != nil {
			return err
		}
		if !owned {
			t.Fatalf("expected bob to own token")
		}
		tok, err := reg.Get(ctx, tx, 77)
		if err != nil {
			return err
		}
		if tok.OriginalOwnerID != e.alice {
			t.Fatalf("original owner changed to %s", tok.OriginalOwnerID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
}

func TestTransferErrors(t *testing.T) {
	e := setup(t)
	reg := New(nil)
	ctx := context.Background()

	err := e.store.WithTx(ctx, func(tx storage.Tx) error { return reg.Transfer(ctx, tx, 78, e.bob) })
	if !errors.Is(err, storage.ErrNotTradeable) {
		t.Fatalf("expected ErrNotTradeable, got %v", err)
	}
	err = e.store.WithTx(ctx, func(tx storage.Tx) error { return reg.Transfer(ctx, tx, 404, e.bob) })
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	err = e.store.WithTx(ctx, func(tx storage.Tx) error {
		owned, err := reg.IsOwnedBy(ctx, tx, 404, e.alice)
		if err != nil || owned {
			t.Fatalf("expected unknown token to be unowned, got %v %v", owned, err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("is owned: %v", err)
	}
}

func TestReserveIsExclusive(t *testing.T) {
	e := setup(t)
	reg := New(nil)
	ctx := context.Background()

	if err := e.store.WithTx(ctx, func(tx storage.Tx) error { return reg.Reserve(ctx, tx, 77, e.tradeA) }); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := e.store.WithTx(ctx, func(tx storage.Tx) error { return reg.Reserve(ctx, tx, 77, e.tradeA) }); err != nil {
		t.Fatalf("expected repeat reserve for same trade to succeed: %v", err)
	}
	err := e.store.WithTx(ctx, func(tx storage.Tx) error { return reg.Reserve(ctx, tx, 77, e.tradeB) })
	if !errors.Is(err, storage.ErrAlreadyReserved) {
		t.Fatalf("expected ErrAlreadyReserved, got %v", err)
	}

	err = e.store.WithTx(ctx, func(tx storage.Tx) error {
		n, err := reg.ReleaseByTrade(ctx, tx, e.tradeA)
		if err != nil {
			return err
		}
		if n != 1 {
			t.Fatalf("expected one token released, got %d", n)
		}
		return reg.Reserve(ctx, tx, 77, e.tradeB)
	})
	if err != nil {
		t.Fatalf("reserve after release: %v", err)
	}

	err = e.store.WithTx(ctx, func(tx storage.Tx) error {
		if err := reg.Release(ctx, tx, 77); err != nil {
			return err
		}
		tok, err := reg.Get(ctx, tx, 77)
		if err != nil {
			return err
		}
		if tok.Reserved || tok.ReservedForTrade != nil {
			t.Fatalf("expected release to clear reservation")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("release: %v", err)
	}
}
