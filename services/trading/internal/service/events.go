package service

import (
	"context"
	"time"

	"github.com/AfshinJalili/vgx/libs/kafka"
	"github.com/AfshinJalili/vgx/services/trading/internal/storage"
)

const (
	eventTradeCreated   = "trades.created"
	eventTradeAccepted  = "trades.accepted"
	eventTradeDeclined  = "trades.declined"
	eventTradeCancelled = "trades.cancelled"
	eventTradeExpired   = "trades.expired"
)

type Topics struct {
	TradesCreated   string
	TradesAccepted  string
	TradesDeclined  string
	TradesCancelled string
	TradesExpired   string
}

func (t Topics) forEvent(eventType string) string {
	switch eventType {
	case eventTradeCreated:
		return t.TradesCreated
	case eventTradeAccepted:
		return t.TradesAccepted
	case eventTradeDeclined:
		return t.TradesDeclined
	case eventTradeCancelled:
		return t.TradesCancelled
	case eventTradeExpired:
		return t.TradesExpired
	}
	return ""
}

// TradeEvent notifies the counterparty of a lifecycle change.
type TradeEvent struct {
	kafka.Envelope
	TradeID        string `json:"trade_id"`
	RequesterID    string `json:"requester_id"`
	RecipientID    string `json:"recipient_id"`
	Status         string `json:"status"`
	RequesterValue string `json:"requester_value"`
	RecipientValue string `json:"recipient_value"`
	DeclineReason  string `json:"decline_reason,omitempty"`
	ExpiresAt      string `json:"expires_at"`
	OccurredAt     string `json:"occurred_at"`
}

func (s *TradeService) publish(ctx context.Context, eventType, correlationID string, trade storage.Trade) {
	if s.producer == nil {
		return
	}
	topic := s.topics.forEvent(eventType)
	if topic == "" {
		return
	}
	eventID := kafka.DeterministicEventID(eventType, trade.ID.String(), string(trade.Status))
	env, err := kafka.NewEnvelopeWithID(eventID, eventType, 1, correlationID)
	if err != nil {
		s.logger.Error("build trade event envelope failed", "event_type", eventType, "error", err)
		return
	}

	payload := TradeEvent{
		Envelope:       env,
		TradeID:        trade.ID.String(),
		RequesterID:    trade.RequesterID.String(),
		RecipientID:    trade.RecipientID.String(),
		Status:         string(trade.Status),
		RequesterValue: trade.RequesterValue.String(),
		RecipientValue: trade.RecipientValue.String(),
		DeclineReason:  trade.DeclineReason,
		ExpiresAt:      trade.ExpiresAt.UTC().Format(time.RFC3339),
		OccurredAt:     trade.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if _, _, err := s.producer.PublishJSON(ctx, topic, trade.ID.String(), payload); err != nil {
		s.logger.Error("publish trade event failed", "event_type", eventType, "trade_id", trade.ID, "error", err)
	}
}
