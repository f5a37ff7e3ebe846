// Package currency maintains per-user balances and the append-only transaction log behind them.
package currency

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/AfshinJalili/vgx/services/trading/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrCurrencyInactive = errors.New("currency inactive")
	ErrSameAccount      = errors.New("transfer to the same account")
)

// Reference describes why a balance moved.
type Reference struct {
	Reason string
	Type   string
	ID     string
}

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

// GetBalance returns zero when the user has never held the currency.
func (l *Ledger) GetBalance(ctx context.Context, tx storage.Tx, userID uuid.UUID, currencyID int64) (decimal.Decimal, error) {
	bal, err := tx.GetBalance(ctx, userID, currencyID)
	if err != nil {
		return decimal.Zero, err
	}
	return bal.Balance, nil
}

// Normalize rounds amount half-up to the currency precision and rejects anything not strictly positive.
func (l *Ledger) Normalize(ctx context.Context, tx storage.Tx, currencyID int64, amount decimal.Decimal) (decimal.Decimal, storage.Currency, error) {
	cur, err := tx.GetCurrency(ctx, currencyID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return decimal.Zero, storage.Currency{}, fmt.Errorf("currency %d: %w", currencyID, storage.ErrNotFound)
		}
		return decimal.Zero, storage.Currency{}, err
	}
	if !cur.Active {
		return decimal.Zero, cur, fmt.Errorf("currency %d: %w", currencyID, ErrCurrencyInactive)
	}
	rounded := amount.Round(cur.DecimalPlaces)
	if !rounded.IsPositive() {
		return decimal.Zero, cur, fmt.Errorf("%w: %s", storage.ErrInvalidAmount, amount.String())
	}
	return rounded, cur, nil
}

func (l *Ledger) Credit(ctx context.Context, tx storage.Tx, userID uuid.UUID, currencyID int64, amount decimal.Decimal, ref Reference) (decimal.Decimal, error) {
	amount, _, err := l.Normalize(ctx, tx, currencyID, amount)
	if err != nil {
		return decimal.Zero, err
	}
	return l.apply(ctx, tx, userID, currencyID, amount, ref)
}

// Debit fails with storage.ErrInsufficientFunds instead of letting the balance go negative.
func (l *Ledger) Debit(ctx context.Context, tx storage.Tx, userID uuid.UUID, currencyID int64, amount decimal.Decimal, ref Reference) (decimal.Decimal, error) {
	amount, _, err := l.Normalize(ctx, tx, currencyID, amount)
	if err != nil {
		return decimal.Zero, err
	}
	return l.apply(ctx, tx, userID, currencyID, amount.Neg(), ref)
}

// Transfer debits from and credits to inside the caller's transaction; a failed leg fails the whole tx.
func (l *Ledger) Transfer(ctx context.Context, tx storage.Tx, from, to uuid.UUID, currencyID int64, amount decimal.Decimal, ref Reference) error {
	if from == to {
		return ErrSameAccount
	}
	amount, _, err := l.Normalize(ctx, tx, currencyID, amount)
	if err != nil {
		return err
	}
	if err := l.Lock(ctx, tx, currencyID, from, to); err != nil {
		return err
	}
	if _, err := l.apply(ctx, tx, from, currencyID, amount.Neg(), ref); err != nil {
		return err
	}
	if _, err := l.apply(ctx, tx, to, currencyID, amount, ref); err != nil {
		return err
	}
	return nil
}

// Lock takes the balance row locks for users in uuid order so concurrent transfers cannot deadlock.
func (l *Ledger) Lock(ctx context.Context, tx storage.Tx, currencyID int64, users ...uuid.UUID) error {
	ordered := append([]uuid.UUID(nil), users...)
	sort.Slice(ordered, func(i, j int) bool { return bytes.Compare(ordered[i][:], ordered[j][:]) < 0 })
	for i, user := range ordered {
		if i > 0 && user == ordered[i-1] {
			continue
		}
		if _, err := tx.GetBalanceForUpdate(ctx, user, currencyID); err != nil {
			return fmt.Errorf("lock balance: %w", err)
		}
	}
	return nil
}

func (l *Ledger) History(ctx context.Context, tx storage.Tx, userID uuid.UUID, currencyID int64, filter storage.TransactionFilter) ([]storage.CurrencyTransaction, string, error) {
	return tx.ListCurrencyTransactions(ctx, userID, currencyID, filter)
}

// apply moves a signed, already normalized delta and appends the matching log row.
func (l *Ledger) apply(ctx context.Context, tx storage.Tx, userID uuid.UUID, currencyID int64, delta decimal.Decimal, ref Reference) (decimal.Decimal, error) {
	bal, err := tx.GetBalanceForUpdate(ctx, userID, currencyID)
	if err != nil {
		return decimal.Zero, err
	}

	next := bal.Balance.Add(delta)
	if next.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: balance %s, need %s", storage.ErrInsufficientFunds, bal.Balance.String(), delta.Neg().String())
	}

	now := l.now()
	txnType := storage.TransactionTypeCredit
	if delta.IsNegative() {
		txnType = storage.TransactionTypeDebit
		bal.TotalSpent = bal.TotalSpent.Add(delta.Neg())
	} else {
		bal.TotalEarned = bal.TotalEarned.Add(delta)
	}
	bal.Balance = next
	bal.LastTransactionAt = &now

	if err := tx.SaveBalance(ctx, bal); err != nil {
		return decimal.Zero, fmt.Errorf("save balance: %w", err)
	}
	if err := tx.InsertCurrencyTransaction(ctx, storage.CurrencyTransaction{
		ID:            uuid.New(),
		UserID:        userID,
		CurrencyID:    currencyID,
		Amount:        delta,
		Type:          txnType,
		Reason:        ref.Reason,
		ReferenceType: ref.Type,
		ReferenceID:   ref.ID,
		BalanceAfter:  next,
		CreatedAt:     now,
	}); err != nil {
		return decimal.Zero, fmt.Errorf("insert transaction: %w", err)
	}

	l.logger.Debug("balance updated", "user_id", userID, "currency_id", currencyID, "delta", delta.String(), "balance", next.String())
	return next, nil
}
