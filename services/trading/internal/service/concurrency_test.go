package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/AfshinJalili/vgx/services/trading/internal/currency"
	"github.com/AfshinJalili/vgx/services/trading/internal/storage"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestConcurrentFirstLedgerWrites(t *testing.T) { testConcurrentFirstLedgerWrites(t, newHarness(t)) }
func TestFirstCreditsFromParallelAccepts(t *testing.T) {
	testFirstCreditsFromParallelAccepts(t, newHarness(t))
}
func TestFirstItemAddsFromParallelAccepts(t *testing.T) {
	testFirstItemAddsFromParallelAccepts(t, newHarness(t))
}
func TestCyclicAcceptsAllSettle(t *testing.T) { testCyclicAcceptsAllSettle(t, newHarness(t)) }
func TestSweepRacingAcceptExpiresOnce(t *testing.T) {
	testSweepRacingAcceptExpiresOnce(t, newHarness(t))
}

// acceptAll accepts every trade from its own goroutine and returns the errors in input order.
func (h *harness) acceptAll(trades []storage.Trade, actors []uuid.UUID) []error {
	var wg sync.WaitGroup
	errs := make([]error, len(trades))
	for i := range trades {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.svc.AcceptTrade(context.Background(), respond(trades[i], actors[i]))
		}(i)
	}
	wg.Wait()
	return errs
}

func testConcurrentFirstLedgerWrites(t *testing.T, h *harness) {
	ctx := context.Background()
	dave := uuid.New()
	if err := h.base.WithTx(ctx, func(tx storage.Tx) error {
		return tx.InsertUser(ctx, storage.User{ID: dave, Username: "dave-" + dave.String()[:8]})
	}); err != nil {
		t.Fatalf("insert user: %v", err)
	}

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- h.base.WithTx(ctx, func(tx storage.Tx) error {
				if _, err := h.currency.Credit(ctx, tx, dave, gold, d("1.25"), currency.Reference{Reason: "reward"}); err != nil {
					return err
				}
				return h.items.Add(ctx, tx, dave, potion, 1)
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	if got := h.balance(dave); !got.Equal(d("10")) {
		t.Fatalf("expected 10 gold, got %s", got)
	}
	if got := h.stock(dave, potion); got != writers {
		t.Fatalf("expected %d potions, got %d", writers, got)
	}
	txns, _, err := h.svc.GetTransactions(ctx, dave, gold, storage.TransactionFilter{Limit: 50})
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	seen := map[string]bool{}
	for _, txn := range txns {
		seen[txn.BalanceAfter.String()] = true
	}
	if len(txns) != writers || len(seen) != writers {
		t.Fatalf("expected %d distinct running balances, got %d rows and %d distinct", writers, len(txns), len(seen))
	}
}

func testFirstCreditsFromParallelAccepts(t *testing.T, h *harness) {
	// alice holds no gold; both accepts create her balance
	trades := []storage.Trade{
		h.create(h.potionsForGold(h.alice, h.bob, 1, "50")),
		h.create(h.potionsForGold(h.alice, h.carol, 1, "30")),
	}
	for i, err := range h.acceptAll(trades, []uuid.UUID{h.bob, h.carol}) {
		if err != nil {
			t.Fatalf("accept %d: %v", i, err)
		}
	}

	if got := h.balance(h.alice); !got.Equal(d("80")) {
		t.Fatalf("alice balance %s, want 80", got)
	}
	if got := h.balance(h.bob); !got.Equal(d("100")) {
		t.Fatalf("bob balance %s", got)
	}
	if got := h.balance(h.carol); !got.Equal(d("10")) {
		t.Fatalf("carol balance %s", got)
	}
	if h.stock(h.alice, potion) != 0 || h.stock(h.bob, potion) != 1 || h.stock(h.carol, potion) != 2 {
		t.Fatalf("unexpected potion split %d/%d/%d", h.stock(h.alice, potion), h.stock(h.bob, potion), h.stock(h.carol, potion))
	}
}

func testFirstItemAddsFromParallelAccepts(t *testing.T, h *harness) {
	// bob holds no potions; both accepts create his stock row
	trades := []storage.Trade{
		h.create(h.potionsForGold(h.alice, h.bob, 1, "50")),
		h.create(h.potionsForGold(h.carol, h.bob, 1, "20")),
	}
	for i, err := range h.acceptAll(trades, []uuid.UUID{h.bob, h.bob}) {
		if err != nil {
			t.Fatalf("accept %d: %v", i, err)
		}
	}

	if got := h.stock(h.bob, potion); got != 2 {
		t.Fatalf("bob should have 2 potions, has %d", got)
	}
	if got := h.balance(h.bob); !got.Equal(d("80")) {
		t.Fatalf("bob balance %s", got)
	}
	if h.stock(h.alice, potion) != 1 || h.stock(h.carol, potion) != 0 {
		t.Fatalf("unexpected sender stock %d/%d", h.stock(h.alice, potion), h.stock(h.carol, potion))
	}
}

func testCyclicAcceptsAllSettle(t *testing.T, h *harness) {
	ctx := context.Background()
	if err := h.base.WithTx(ctx, func(tx storage.Tx) error {
		_, err := h.currency.Credit(ctx, tx, h.alice, gold, d("20"), currency.Reference{Reason: "seed"})
		return err
	}); err != nil {
		t.Fatalf("credit alice: %v", err)
	}

	// bob pays alice, carol pays bob, alice pays carol
	trades := []storage.Trade{
		h.create(h.potionsForGold(h.alice, h.bob, 1, "10")),
		h.create(CreateTradeInput{
			RequesterID: h.bob,
			RecipientID: h.carol,
			Offer:       storage.Bundle{Tokens: []int64{bobToken}},
			Request:     storage.Bundle{Currencies: []storage.CurrencyLine{{CurrencyID: gold, Amount: d("10")}}},
		}),
		h.create(h.potionsForGold(h.carol, h.alice, 1, "10")),
	}
	for i, err := range h.acceptAll(trades, []uuid.UUID{h.bob, h.carol, h.alice}) {
		if err != nil {
			t.Fatalf("accept %d: %v", i, err)
		}
	}

	for user, want := range map[uuid.UUID]string{h.alice: "20", h.bob: "150", h.carol: carolBalance} {
		if got := h.balance(user); !got.Equal(d(want)) {
			t.Fatalf("balance of %s is %s, want %s", user, got, want)
		}
	}
	if h.stock(h.alice, potion) != 2 || h.stock(h.bob, potion) != 1 || h.stock(h.carol, potion) != 0 {
		t.Fatalf("unexpected potion split %d/%d/%d", h.stock(h.alice, potion), h.stock(h.bob, potion), h.stock(h.carol, potion))
	}
	if tok := h.token(bobToken); tok.OwnerID != h.carol || tok.Reserved {
		t.Fatalf("token should belong to carol unreserved, got %+v", tok)
	}
}

func testSweepRacingAcceptExpiresOnce(t *testing.T, h *harness) {
	ctx := context.Background()
	trade := h.create(h.potionsForGold(h.alice, h.bob, 2, "100"))
	h.clock.Advance(25 * time.Hour)

	var wg sync.WaitGroup
	var swept int
	var sweepErr, acceptErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		swept, sweepErr = h.svc.SweepExpired(ctx)
	}()
	go func() {
		defer wg.Done()
		_, acceptErr = h.svc.AcceptTrade(ctx, respond(trade, h.bob))
	}()
	wg.Wait()

	if sweepErr != nil {
		t.Fatalf("sweep: %v", sweepErr)
	}
	if code := ErrorCode(acceptErr); code != "TRADE_EXPIRED" && code != "INVALID_STATUS" {
		t.Fatalf("accept should lose to expiry, got %v", acceptErr)
	}
	if swept > 1 {
		t.Fatalf("swept %d trades", swept)
	}
	if got := testutil.ToFloat64(h.metrics.ExpiredTotal); got != 1 {
		t.Fatalf("trade should expire exactly once, expired %v times", got)
	}
	if got := h.trade(trade.ID).Status; got != storage.TradeStatusExpired {
		t.Fatalf("expected expired, got %s", got)
	}
	if h.available(h.alice, potion) != 2 || !h.balance(h.bob).Equal(d("150")) {
		t.Fatalf("expired trade moved or kept assets")
	}
}
