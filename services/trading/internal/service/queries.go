package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/AfshinJalili/vgx/services/trading/internal/storage"
	"github.com/google/uuid"
)

// GetTrade hides trades from non-participants behind ErrTradeNotFound.
func (s *TradeService) GetTrade(ctx context.Context, userID, tradeID uuid.UUID) (storage.Trade, error) {
	var trade storage.Trade
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		trade, err = tx.GetTrade(ctx, tradeID)
		return err
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Trade{}, ErrTradeNotFound
		}
		return storage.Trade{}, err
	}
	if !trade.IsParticipant(userID) {
		return storage.Trade{}, ErrTradeNotFound
	}
	return trade, nil
}

func (s *TradeService) ListTrades(ctx context.Context, userID uuid.UUID, filter storage.TradeFilter) ([]storage.Trade, string, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, "", fmt.Errorf("%w: unknown status %q", ErrInvalidBundle, filter.Status)
	}
	var trades []storage.Trade
	var next string
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		trades, next, err = tx.ListTrades(ctx, userID, filter)
		return err
	})
	if err != nil {
		return nil, "", err
	}
	return trades, next, nil
}

func (s *TradeService) GetBalances(ctx context.Context, userID uuid.UUID) ([]storage.CurrencyBalance, error) {
	var balances []storage.CurrencyBalance
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		balances, err = tx.ListBalances(ctx, userID)
		return err
	})
	return balances, err
}

func (s *TradeService) GetTransactions(ctx context.Context, userID uuid.UUID, currencyID int64, filter storage.TransactionFilter) ([]storage.CurrencyTransaction, string, error) {
	var txns []storage.CurrencyTransaction
	var next string
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		txns, next, err = s.currency.History(ctx, tx, userID, currencyID, filter)
		return err
	})
	if err != nil {
		return nil, "", err
	}
	return txns, next, nil
}
