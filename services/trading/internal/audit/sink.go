// Package audit records trade lifecycle events for forensics.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/AfshinJalili/vgx/services/trading/internal/storage"
	"github.com/google/uuid"
)

const (
	ActionTradeCreated   = "trade_created"
	ActionTradeAccepted  = "trade_accepted"
	ActionTradeDeclined  = "trade_declined"
	ActionTradeCancelled = "trade_cancelled"
	ActionTradeExpired   = "trade_expired"
	ActionExpirySweep    = "trade_expiry_sweep"
	ActionRateLimited    = "rate_limited"
	ActionSettlementFail = "settlement_failed"
)

type Entry struct {
	ActorID    uuid.UUID
	Action     string
	EntityType string
	EntityID   string
	Metadata   map[string]any
}

// Sink is write-only. Failures are logged and swallowed so auditing never blocks a trade.
type Sink struct {
	store  storage.Store
	logger *slog.Logger
	now    func() time.Time
}

func NewSink(store storage.Store, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{store: store, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Record must not be called while the caller holds an open transaction on the same store.
func (s *Sink) Record(ctx context.Context, e Entry) {
	if s == nil {
		return
	}
	log := storage.AuditLog{
		ID:         uuid.New(),
		Action:     e.Action,
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		Metadata:   e.Metadata,
		CreatedAt:  s.now(),
	}
	if e.ActorID != uuid.Nil {
		actor := e.ActorID
		log.ActorID = &actor
	}

	attrs := []any{"action", e.Action, "entity_type", e.EntityType, "entity_id", e.EntityID}
	if log.ActorID != nil {
		attrs = append(attrs, "actor_id", log.ActorID.String())
	}
	for k, v := range e.Metadata {
		attrs = append(attrs, k, v)
	}
	s.logger.Info("audit", attrs...)

	if s.store == nil {
		return
	}
	if err := s.store.WithTx(ctx, func(tx storage.Tx) error { return tx.InsertAudit(ctx, log) }); err != nil {
		s.logger.Error("audit log failed", "action", e.Action, "entity_id", e.EntityID, "error", err)
	}
}
