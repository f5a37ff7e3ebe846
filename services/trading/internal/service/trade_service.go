package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/AfshinJalili/vgx/libs/kafka"
	vgxtrace "github.com/AfshinJalili/vgx/libs/trace"
	"github.com/AfshinJalili/vgx/services/trading/internal/audit"
	"github.com/AfshinJalili/vgx/services/trading/internal/currency"
	"github.com/AfshinJalili/vgx/services/trading/internal/items"
	"github.com/AfshinJalili/vgx/services/trading/internal/rate"
	"github.com/AfshinJalili/vgx/services/trading/internal/storage"
	"github.com/AfshinJalili/vgx/services/trading/internal/tokens"
	"github.com/AfshinJalili/vgx/services/trading/internal/valuation"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	actionCreate  = "create"
	actionAccept  = "accept"
	actionDecline = "decline"
	actionCancel  = "cancel"

	rateKeyCreate = "trade_create"
	rateKeyAccept = "trade_respond"

	entityTrade = "trade"

	defaultTradeTTL       = 7 * 24 * time.Hour
	defaultSweepBatchSize = 200
)

type Config struct {
	TradeTTL       time.Duration
	SweepBatchSize int
	CreateLimit    rate.Policy
	RespondLimit   rate.Policy
}

// Ledgers are the collaborators settlement moves assets through.
type Ledgers struct {
	Currency *currency.Ledger
	Tokens   *tokens.Registry
	Items    *items.Ledger
	Valuer   *valuation.Valuer
}

type TradeService struct {
	store    storage.Store
	currency *currency.Ledger
	tokens   *tokens.Registry
	items    *items.Ledger
	valuer   *valuation.Valuer
	limiter  rate.Limiter
	audit    *audit.Sink
	producer kafka.Publisher
	logger   *slog.Logger
	metrics  *Metrics
	topics   Topics
	cfg      Config
	tracer   trace.Tracer
	now      func() time.Time
}

type CreateTradeInput struct {
	RequesterID   uuid.UUID
	RecipientID   uuid.UUID
	Offer         storage.Bundle
	Request       storage.Bundle
	Message       string
	CorrelationID string
}

type RespondInput struct {
	TradeID       uuid.UUID
	ActorID       uuid.UUID
	Reason        string
	CorrelationID string
}

func NewTradeService(store storage.Store, ledgers Ledgers, limiter rate.Limiter, sink *audit.Sink, producer kafka.Publisher, logger *slog.Logger, metrics *Metrics, topics Topics, cfg Config) *TradeService {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TradeTTL <= 0 {
		cfg.TradeTTL = defaultTradeTTL
	}
	if cfg.SweepBatchSize <= 0 {
		cfg.SweepBatchSize = defaultSweepBatchSize
	}
	if ledgers.Currency == nil {
		ledgers.Currency = currency.New(logger)
	}
	if ledgers.Tokens == nil {
		ledgers.Tokens = tokens.New(logger)
	}
	if ledgers.Items == nil {
		ledgers.Items = items.New(logger)
	}
	return &TradeService{
		store:    store,
		currency: ledgers.Currency,
		tokens:   ledgers.Tokens,
		items:    ledgers.Items,
		valuer:   ledgers.Valuer,
		limiter:  limiter,
		audit:    sink,
		producer: producer,
		logger:   logger,
		metrics:  metrics,
		topics:   topics,
		cfg:      cfg,
		tracer:   vgxtrace.Tracer("vgx/trading"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *TradeService) CreateTrade(ctx context.Context, input CreateTradeInput) (storage.Trade, error) {
	trade, err := s.createTrade(ctx, input)
	s.metrics.observe(actionCreate, err)
	if err != nil {
		s.logFailure("create trade failed", err, "requester_id", input.RequesterID, "recipient_id", input.RecipientID)
		return storage.Trade{}, err
	}

	s.audit.Record(ctx, audit.Entry{
		ActorID:    trade.RequesterID,
		Action:     audit.ActionTradeCreated,
		EntityType: entityTrade,
		EntityID:   trade.ID.String(),
		Metadata: map[string]any{
			"recipient_id":    trade.RecipientID.String(),
			"requester_value": trade.RequesterValue.String(),
			"recipient_value": trade.RecipientValue.String(),
		},
	})
	s.publish(ctx, eventTradeCreated, input.CorrelationID, trade)
	return trade, nil
}

func (s *TradeService) createTrade(ctx context.Context, input CreateTradeInput) (storage.Trade, error) {
	if input.RequesterID == input.RecipientID {
		return storage.Trade{}, ErrSelfTrade
	}
	if input.RequesterID == uuid.Nil || input.RecipientID == uuid.Nil {
		return storage.Trade{}, ErrInvalidUsers
	}
	if err := s.checkRate(ctx, rateKeyCreate, input.RequesterID, s.cfg.CreateLimit); err != nil {
		return storage.Trade{}, err
	}

	offer, err := normalizeBundle(input.Offer)
	if err != nil {
		return storage.Trade{}, err
	}
	if offer.IsEmpty() {
		return storage.Trade{}, ErrEmptyOffer
	}
	request, err := normalizeBundle(input.Request)
	if err != nil {
		return storage.Trade{}, err
	}
	if request.IsEmpty() {
		return storage.Trade{}, ErrEmptyRequest
	}

	now := s.now()
	trade := storage.Trade{
		ID:          uuid.New(),
		RequesterID: input.RequesterID,
		RecipientID: input.RecipientID,
		Status:      storage.TradeStatusPending,
		Message:     sanitizeText(input.Message),
		ExpiresAt:   now.Add(s.cfg.TradeTTL),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err = s.store.WithTx(ctx, func(tx storage.Tx) error {
		for _, id := range []uuid.UUID{input.RequesterID, input.RecipientID} {
			ok, err := tx.UserExists(ctx, id)
			if err != nil {
				return err
			}
			if !ok {
				return ErrInvalidUsers
			}
		}

		if _, err := tx.FindPendingBetween(ctx, input.RequesterID, input.RecipientID); err == nil {
			return ErrTradeExists
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}

		var err error
		if offer, err = s.validateOffer(ctx, tx, input.RequesterID, offer); err != nil {
			return err
		}
		if request, err = s.checkRequest(ctx, tx, request); err != nil {
			return err
		}
		trade.RequesterOffer = offer
		trade.RecipientOffer = request

		if s.valuer != nil {
			if trade.RequesterValue, err = s.valuer.Value(ctx, tx, offer); err != nil {
				return err
			}
			if trade.RecipientValue, err = s.valuer.Value(ctx, tx, request); err != nil {
				return err
			}
		}

		if err := tx.InsertTrade(ctx, trade); err != nil {
			if errors.Is(err, storage.ErrDuplicate) {
				return ErrTradeExists
			}
			return fmt.Errorf("insert trade: %w", err)
		}

		for _, id := range offer.Tokens {
			if err := s.tokens.Reserve(ctx, tx, id, trade.ID); err != nil {
				return err
			}
		}
		for _, line := range offer.Items {
			if err := s.items.Reserve(ctx, tx, trade.RequesterID, line.ItemID, line.Quantity, trade.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return storage.Trade{}, err
	}
	return trade, nil
}

// validateOffer checks the requester's side at creation time and returns it with rounded amounts.
func (s *TradeService) validateOffer(ctx context.Context, tx storage.Tx, owner uuid.UUID, offer storage.Bundle) (storage.Bundle, error) {
	for _, id := range offer.Tokens {
		tok, err := tx.GetToken(ctx, id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return offer, fmt.Errorf("%w: token %d does not exist", ErrInvalidNFT, id)
			}
			return offer, err
		}
		if tok.OwnerID != owner {
			return offer, fmt.Errorf("%w: token %d is not owned by requester", ErrInvalidNFT, id)
		}
		if !tok.Tradeable {
			return offer, fmt.Errorf("%w: token %d", ErrNonTradeable, id)
		}
	}

	for _, line := range offer.Items {
		def, err := s.tradeableItem(ctx, tx, line.ItemID)
		if err != nil {
			return offer, err
		}
		owned, err := s.items.GetQuantity(ctx, tx, owner, def.ID)
		if err != nil {
			return offer, err
		}
		if owned < line.Quantity {
			return offer, fmt.Errorf("%w: item %d owned %d, offered %d", ErrInsufficientItems, def.ID, owned, line.Quantity)
		}
	}

	currencies, err := s.roundCurrencies(ctx, tx, offer.Currencies)
	if err != nil {
		return offer, err
	}
	for _, line := range currencies {
		bal, err := s.currency.GetBalance(ctx, tx, owner, line.CurrencyID)
		if err != nil {
			return offer, err
		}
		if bal.LessThan(line.Amount) {
			return offer, fmt.Errorf("%w: currency %d balance %s, offered %s", ErrInsufficientCurrency, line.CurrencyID, bal.String(), line.Amount.String())
		}
	}
	offer.Currencies = currencies
	return offer, nil
}

// checkRequest validates the shape of the recipient's side. Ownership is checked at accept time.
func (s *TradeService) checkRequest(ctx context.Context, tx storage.Tx, request storage.Bundle) (storage.Bundle, error) {
	for _, id := range request.Tokens {
		tok, err := tx.GetToken(ctx, id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return request, fmt.Errorf("%w: token %d does not exist", ErrInvalidNFT, id)
			}
			return request, err
		}
		if !tok.Tradeable {
			return request, fmt.Errorf("%w: token %d", ErrNonTradeable, id)
		}
	}
	for _, line := range request.Items {
		if _, err := s.tradeableItem(ctx, tx, line.ItemID); err != nil {
			return request, err
		}
	}
	currencies, err := s.roundCurrencies(ctx, tx, request.Currencies)
	if err != nil {
		return request, err
	}
	request.Currencies = currencies
	return request, nil
}

func (s *TradeService) tradeableItem(ctx context.Context, tx storage.Tx, itemID int64) (storage.ItemDefinition, error) {
	def, err := tx.GetItemDefinition(ctx, itemID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return def, fmt.Errorf("%w: item %d does not exist", ErrInvalidBundle, itemID)
		}
		return def, err
	}
	if !def.Tradeable {
		return def, fmt.Errorf("%w: item %d", ErrNonTradeable, itemID)
	}
	if !def.Stackable {
		return def, fmt.Errorf("%w: item %d must be offered as a token", ErrInvalidBundle, itemID)
	}
	return def, nil
}

func (s *TradeService) roundCurrencies(ctx context.Context, tx storage.Tx, lines []storage.CurrencyLine) ([]storage.CurrencyLine, error) {
	out := make([]storage.CurrencyLine, 0, len(lines))
	for _, line := range lines {
		amount, _, err := s.currency.Normalize(ctx, tx, line.CurrencyID, line.Amount)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) || errors.Is(err, currency.ErrCurrencyInactive) {
				return nil, fmt.Errorf("%w: %v", ErrInvalidBundle, err)
			}
			return nil, err
		}
		out = append(out, storage.CurrencyLine{CurrencyID: line.CurrencyID, Amount: amount})
	}
	return out, nil
}

func (s *TradeService) AcceptTrade(ctx context.Context, input RespondInput) (storage.Trade, error) {
	trade, err := s.acceptTrade(ctx, input)
	s.metrics.observe(actionAccept, err)
	if err != nil {
		s.logFailure("accept trade failed", err, "trade_id", input.TradeID, "actor_id", input.ActorID)
		if errors.Is(err, ErrSettlementFailed) {
			s.audit.Record(ctx, audit.Entry{
				ActorID:    input.ActorID,
				Action:     audit.ActionSettlementFail,
				EntityType: entityTrade,
				EntityID:   input.TradeID.String(),
				Metadata:   map[string]any{"error": err.Error()},
			})
		}
		return trade, err
	}

	s.audit.Record(ctx, audit.Entry{
		ActorID:    input.ActorID,
		Action:     audit.ActionTradeAccepted,
		EntityType: entityTrade,
		EntityID:   trade.ID.String(),
		Metadata:   map[string]any{"requester_id": trade.RequesterID.String()},
	})
	s.publish(ctx, eventTradeAccepted, input.CorrelationID, trade)
	return trade, nil
}

func (s *TradeService) acceptTrade(ctx context.Context, input RespondInput) (storage.Trade, error) {
	// Guards and lazy expiry run before the rate limiter so an expired trade is cleaned up
	// even when the recipient is throttled.
	trade, err := s.loadForResponse(ctx, input.TradeID, input.ActorID, roleRecipient)
	if err != nil {
		return storage.Trade{}, err
	}
	if s.isExpired(trade) {
		return s.expireOnTouch(ctx, trade, input.CorrelationID)
	}
	if err := s.checkRate(ctx, rateKeyAccept, input.ActorID, s.cfg.RespondLimit); err != nil {
		return storage.Trade{}, err
	}

	var completed storage.Trade
	var expired bool
	err = s.store.WithTx(ctx, func(tx storage.Tx) error {
		locked, err := s.lockForResponse(ctx, tx, input.TradeID, input.ActorID, roleRecipient)
		if err != nil {
			return err
		}
		if s.isExpired(locked) {
			if completed, err = s.expireLocked(ctx, tx, locked); err != nil {
				return err
			}
			expired = true
			return nil
		}

		if err := s.lockAssets(ctx, tx, locked); err != nil {
			return err
		}
		if err := s.revalidate(ctx, tx, locked); err != nil {
			return err
		}

		start := time.Now()
		err = s.settle(ctx, tx, locked)
		s.metrics.observeSettlement(time.Since(start))
		if err != nil {
			s.logger.Error("settlement rolled back",
				"trade_id", locked.ID,
				"requester_id", locked.RequesterID,
				"recipient_id", locked.RecipientID,
				"requester_offer", locked.RequesterOffer,
				"recipient_offer", locked.RecipientOffer,
				"error", err)
			return err
		}

		if completed, err = s.transition(ctx, tx, locked.ID, storage.StatusChange{
			From: storage.TradeStatusPending,
			To:   storage.TradeStatusCompleted,
			At:   s.now(),
		}); err != nil {
			return err
		}
		return s.releaseReservations(ctx, tx, locked.ID)
	})
	if err != nil {
		return storage.Trade{}, err
	}
	if expired {
		s.afterExpiry(ctx, input.CorrelationID, []storage.Trade{completed})
		return completed, ErrTradeExpired
	}
	return completed, nil
}

// lockAssets takes the rows settlement touches in a fixed global order so overlapping accepts
// queue instead of deadlocking.
func (s *TradeService) lockAssets(ctx context.Context, tx storage.Tx, trade storage.Trade) error {
	tokenIDs := append(append([]int64(nil), trade.RequesterOffer.Tokens...), trade.RecipientOffer.Tokens...)
	slices.Sort(tokenIDs)
	for _, id := range slices.Compact(tokenIDs) {
		if _, err := tx.GetTokenForUpdate(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
	}

	var itemIDs, currencyIDs []int64
	for _, b := range []storage.Bundle{trade.RequesterOffer, trade.RecipientOffer} {
		for _, line := range b.Items {
			itemIDs = append(itemIDs, line.ItemID)
		}
		for _, line := range b.Currencies {
			currencyIDs = append(currencyIDs, line.CurrencyID)
		}
	}
	slices.Sort(itemIDs)
	for _, id := range slices.Compact(itemIDs) {
		if err := s.items.Lock(ctx, tx, id, trade.RequesterID, trade.RecipientID); err != nil {
			return err
		}
	}
	slices.Sort(currencyIDs)
	for _, id := range slices.Compact(currencyIDs) {
		if err := s.currency.Lock(ctx, tx, id, trade.RequesterID, trade.RecipientID); err != nil {
			return err
		}
	}
	return nil
}

// revalidate re-checks both sides against current ownership, ignoring this trade's own reservations.
func (s *TradeService) revalidate(ctx context.Context, tx storage.Tx, trade storage.Trade) error {
	sides := []struct {
		owner  uuid.UUID
		bundle storage.Bundle
	}{
		{trade.RequesterID, trade.RequesterOffer},
		{trade.RecipientID, trade.RecipientOffer},
	}
	for _, side := range sides {
		for _, id := range side.bundle.Tokens {
			tok, err := tx.GetTokenForUpdate(ctx, id)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return fmt.Errorf("%w: token %d no longer exists", ErrItemUnavailable, id)
				}
				return err
			}
			if tok.OwnerID != side.owner || !tok.Tradeable {
				return fmt.Errorf("%w: token %d", ErrItemUnavailable, id)
			}
			if tok.Reserved && (tok.ReservedForTrade == nil || *tok.ReservedForTrade != trade.ID) {
				return fmt.Errorf("%w: token %d is reserved by another trade", ErrItemUnavailable, id)
			}
		}
		for _, line := range side.bundle.Items {
			def, err := tx.GetItemDefinition(ctx, line.ItemID)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return fmt.Errorf("%w: item %d no longer exists", ErrItemUnavailable, line.ItemID)
				}
				return err
			}
			if !def.Tradeable {
				return fmt.Errorf("%w: item %d is no longer tradeable", ErrItemUnavailable, line.ItemID)
			}
			avail, err := s.items.Available(ctx, tx, side.owner, line.ItemID, trade.ID)
			if err != nil {
				return err
			}
			if avail < line.Quantity {
				return fmt.Errorf("%w: item %d available %d, need %d", ErrItemUnavailable, line.ItemID, avail, line.Quantity)
			}
		}
		for _, line := range side.bundle.Currencies {
			bal, err := s.currency.GetBalance(ctx, tx, side.owner, line.CurrencyID)
			if err != nil {
				return err
			}
			if bal.LessThan(line.Amount) {
				return fmt.Errorf("%w: currency %d balance %s, need %s", ErrCurrencyUnavailable, line.CurrencyID, bal.String(), line.Amount.String())
			}
		}
	}
	return nil
}

// settle runs the six transfer passes. The caller's transaction makes them all-or-nothing.
func (s *TradeService) settle(ctx context.Context, tx storage.Tx, trade storage.Trade) (err error) {
	ctx, span := s.tracer.Start(ctx, "trade.settle", trace.WithAttributes(attribute.String("trade.id", trade.ID.String())))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "settlement failed")
		}
		span.End()
	}()

	ref := currency.Reference{Reason: "trade", Type: entityTrade, ID: trade.ID.String()}
	requester, recipient := trade.RequesterID, trade.RecipientID

	steps := []struct {
		name string
		run  func() error
	}{
		{"requester tokens", func() error { return s.moveTokens(ctx, tx, trade.RequesterOffer.Tokens, recipient) }},
		{"requester items", func() error { return s.moveItems(ctx, tx, trade.RequesterOffer.Items, requester, recipient) }},
		{"recipient tokens", func() error { return s.moveTokens(ctx, tx, trade.RecipientOffer.Tokens, requester) }},
		{"recipient items", func() error { return s.moveItems(ctx, tx, trade.RecipientOffer.Items, recipient, requester) }},
		{"requester currencies", func() error {
			return s.moveCurrencies(ctx, tx, trade.RequesterOffer.Currencies, requester, recipient, ref)
		}},
		{"recipient currencies", func() error {
			return s.moveCurrencies(ctx, tx, trade.RecipientOffer.Currencies, recipient, requester, ref)
		}},
	}
	for i, step := range steps {
		if err := step.run(); err != nil {
			return fmt.Errorf("%w: step %d (%s): %w", ErrSettlementFailed, i+1, step.name, err)
		}
	}
	return nil
}

func (s *TradeService) moveTokens(ctx context.Context, tx storage.Tx, ids []int64, to uuid.UUID) error {
	for _, id := range ids {
		if err := s.tokens.Transfer(ctx, tx, id, to); err != nil {
			return err
		}
	}
	return nil
}

func (s *TradeService) moveItems(ctx context.Context, tx storage.Tx, lines []storage.ItemLine, from, to uuid.UUID) error {
	for _, line := range lines {
		if err := s.items.Remove(ctx, tx, from, line.ItemID, line.Quantity); err != nil {
			return err
		}
		if err := s.items.Add(ctx, tx, to, line.ItemID, line.Quantity); err != nil {
			return err
		}
	}
	return nil
}

func (s *TradeService) moveCurrencies(ctx context.Context, tx storage.Tx, lines []storage.CurrencyLine, from, to uuid.UUID, ref currency.Reference) error {
	for _, line := range lines {
		if err := s.currency.Transfer(ctx, tx, from, to, line.CurrencyID, line.Amount, ref); err != nil {
			return err
		}
	}
	return nil
}

func (s *TradeService) DeclineTrade(ctx context.Context, input RespondInput) (storage.Trade, error) {
	trade, err := s.closeTrade(ctx, input, roleRecipient, storage.TradeStatusDeclined)
	s.metrics.observe(actionDecline, err)
	if err != nil {
		s.logFailure("decline trade failed", err, "trade_id", input.TradeID, "actor_id", input.ActorID)
		return storage.Trade{}, err
	}
	s.audit.Record(ctx, audit.Entry{
		ActorID:    input.ActorID,
		Action:     audit.ActionTradeDeclined,
		EntityType: entityTrade,
		EntityID:   trade.ID.String(),
		Metadata:   map[string]any{"reason": trade.DeclineReason},
	})
	s.publish(ctx, eventTradeDeclined, input.CorrelationID, trade)
	return trade, nil
}

func (s *TradeService) CancelTrade(ctx context.Context, input RespondInput) (storage.Trade, error) {
	trade, err := s.closeTrade(ctx, input, roleRequester, storage.TradeStatusCancelled)
	s.metrics.observe(actionCancel, err)
	if err != nil {
		s.logFailure("cancel trade failed", err, "trade_id", input.TradeID, "actor_id", input.ActorID)
		return storage.Trade{}, err
	}
	s.audit.Record(ctx, audit.Entry{
		ActorID:    input.ActorID,
		Action:     audit.ActionTradeCancelled,
		EntityType: entityTrade,
		EntityID:   trade.ID.String(),
	})
	s.publish(ctx, eventTradeCancelled, input.CorrelationID, trade)
	return trade, nil
}

func (s *TradeService) closeTrade(ctx context.Context, input RespondInput, role participantRole, to storage.TradeStatus) (storage.Trade, error) {
	var closed storage.Trade
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		if _, err := s.lockForResponse(ctx, tx, input.TradeID, input.ActorID, role); err != nil {
			return err
		}
		change := storage.StatusChange{From: storage.TradeStatusPending, To: to, At: s.now()}
		if to == storage.TradeStatusDeclined {
			change.DeclineReason = sanitizeText(input.Reason)
		}
		var err error
		if closed, err = s.transition(ctx, tx, input.TradeID, change); err != nil {
			return err
		}
		return s.releaseReservations(ctx, tx, input.TradeID)
	})
	return closed, err
}

// SweepExpired expires every pending trade past its deadline, one bounded batch per transaction.
func (s *TradeService) SweepExpired(ctx context.Context) (int, error) {
	total := 0
	var ids []string
	for {
		var batch []storage.Trade
		var claimed int
		err := s.store.WithTx(ctx, func(tx storage.Tx) error {
			candidates, err := tx.ClaimExpiredPending(ctx, s.now(), s.cfg.SweepBatchSize)
			if err != nil {
				return fmt.Errorf("claim expired trades: %w", err)
			}
			claimed = len(candidates)
			batch = batch[:0]
			for _, trade := range candidates {
				expired, err := s.expireLocked(ctx, tx, trade)
				if errors.Is(err, ErrInvalidStatus) {
					continue
				}
				if err != nil {
					return err
				}
				batch = append(batch, expired)
			}
			return nil
		})
		if err != nil {
			s.logger.Error("expiry sweep failed", "expired_so_far", total, "error", err)
			return total, err
		}

		s.afterExpiry(ctx, "", batch)
		total += len(batch)
		for _, trade := range batch {
			ids = append(ids, trade.ID.String())
		}
		if claimed < s.cfg.SweepBatchSize {
			break
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}

	if total > 0 {
		s.audit.Record(ctx, audit.Entry{
			Action:     audit.ActionExpirySweep,
			EntityType: entityTrade,
			Metadata:   map[string]any{"count": total, "trade_ids": ids},
		})
	}
	return total, nil
}

func (s *TradeService) expireOnTouch(ctx context.Context, trade storage.Trade, correlationID string) (storage.Trade, error) {
	var expired storage.Trade
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		locked, err := tx.GetTradeForUpdate(ctx, trade.ID)
		if err != nil {
			return err
		}
		expired, err = s.expireLocked(ctx, tx, locked)
		return err
	})
	if err != nil {
		return storage.Trade{}, err
	}
	s.afterExpiry(ctx, correlationID, []storage.Trade{expired})
	return expired, ErrTradeExpired
}

func (s *TradeService) expireLocked(ctx context.Context, tx storage.Tx, trade storage.Trade) (storage.Trade, error) {
	expired, err := s.transition(ctx, tx, trade.ID, storage.StatusChange{
		From: storage.TradeStatusPending,
		To:   storage.TradeStatusExpired,
		At:   s.now(),
	})
	if err != nil {
		return storage.Trade{}, err
	}
	if err := s.releaseReservations(ctx, tx, trade.ID); err != nil {
		return storage.Trade{}, err
	}
	return expired, nil
}

func (s *TradeService) afterExpiry(ctx context.Context, correlationID string, trades []storage.Trade) {
	s.metrics.addExpired(len(trades))
	for _, trade := range trades {
		s.audit.Record(ctx, audit.Entry{
			Action:     audit.ActionTradeExpired,
			EntityType: entityTrade,
			EntityID:   trade.ID.String(),
			Metadata:   map[string]any{"expires_at": trade.ExpiresAt.Format(time.RFC3339)},
		})
		s.publish(ctx, eventTradeExpired, correlationID, trade)
	}
}

// transition is the compare-and-set arbiter between racing accept, decline, cancel and sweep.
func (s *TradeService) transition(ctx context.Context, tx storage.Tx, id uuid.UUID, change storage.StatusChange) (storage.Trade, error) {
	trade, err := tx.UpdateTradeStatus(ctx, id, change)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return storage.Trade{}, ErrTradeNotFound
		case errors.Is(err, storage.ErrStatusConflict):
			return storage.Trade{}, fmt.Errorf("%w: %v", ErrInvalidStatus, err)
		}
		return storage.Trade{}, fmt.Errorf("update trade status: %w", err)
	}
	return trade, nil
}

func (s *TradeService) releaseReservations(ctx context.Context, tx storage.Tx, tradeID uuid.UUID) error {
	if _, err := s.tokens.ReleaseByTrade(ctx, tx, tradeID); err != nil {
		return fmt.Errorf("release tokens: %w", err)
	}
	if _, err := s.items.ReleaseByTrade(ctx, tx, tradeID); err != nil {
		return fmt.Errorf("release items: %w", err)
	}
	return nil
}

type participantRole int

const (
	roleRequester participantRole = iota
	roleRecipient
)

func (s *TradeService) loadForResponse(ctx context.Context, id, actor uuid.UUID, role participantRole) (storage.Trade, error) {
	var trade storage.Trade
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		trade, err = tx.GetTrade(ctx, id)
		if err != nil {
			return err
		}
		return checkResponder(trade, actor, role)
	})
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Trade{}, ErrTradeNotFound
	}
	return trade, err
}

func (s *TradeService) lockForResponse(ctx context.Context, tx storage.Tx, id, actor uuid.UUID, role participantRole) (storage.Trade, error) {
	trade, err := tx.GetTradeForUpdate(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Trade{}, ErrTradeNotFound
		}
		return storage.Trade{}, err
	}
	if err := checkResponder(trade, actor, role); err != nil {
		return storage.Trade{}, err
	}
	return trade, nil
}

func checkResponder(trade storage.Trade, actor uuid.UUID, role participantRole) error {
	allowed := trade.RecipientID
	if role == roleRequester {
		allowed = trade.RequesterID
	}
	if actor != allowed {
		return ErrPermissionDenied
	}
	if trade.Status != storage.TradeStatusPending {
		return fmt.Errorf("%w: trade is %s", ErrInvalidStatus, trade.Status)
	}
	return nil
}

func (s *TradeService) isExpired(trade storage.Trade) bool {
	return s.now().After(trade.ExpiresAt)
}

// checkRate fails open when the limiter backend is unreachable.
func (s *TradeService) checkRate(ctx context.Context, action string, userID uuid.UUID, policy rate.Policy) error {
	if s.limiter == nil || policy.Limit <= 0 {
		return nil
	}
	allowed, retryAfter, err := s.limiter.Allow(ctx, rate.Key(action, userID.String()), policy, s.now())
	if err != nil {
		s.logger.Warn("rate limiter unavailable", "action", action, "user_id", userID, "error", err)
		return nil
	}
	if allowed {
		return nil
	}
	s.metrics.rateLimited(action)
	s.audit.Record(ctx, audit.Entry{
		ActorID:    userID,
		Action:     audit.ActionRateLimited,
		EntityType: "user",
		EntityID:   userID.String(),
		Metadata:   map[string]any{"action": action},
	})
	return &RateLimitedError{Action: action, RetryAfter: retryAfter}
}

func (s *TradeService) logFailure(msg string, err error, attrs ...any) {
	attrs = append(attrs, "code", ErrorCode(err), "error", err)
	if IsExpected(err) {
		s.logger.Info(msg, attrs...)
		return
	}
	s.logger.Error(msg, attrs...)
}
