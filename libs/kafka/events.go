package kafka

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	errMissingEventID   = errors.New("event_id is required")
	errMissingEventType = errors.New("event_type is required")
	errBadEventVersion  = errors.New("event_version must be positive")
)

// Envelope is embedded in every published event.
type Envelope struct {
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	EventVersion  int       `json:"event_version"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

func NewEnvelope(eventType string, version int, correlationID string) (Envelope, error) {
	return NewEnvelopeWithID(uuid.NewString(), eventType, version, correlationID)
}

func NewEnvelopeWithID(eventID, eventType string, version int, correlationID string) (Envelope, error) {
	env := Envelope{
		EventID:       eventID,
		EventType:     eventType,
		EventVersion:  version,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// DeterministicEventID derives a stable id so consumers can dedupe replays of the same transition.
func DeterministicEventID(parts ...string) string {
	joined := strings.Join(parts, "|")
	if joined == "" {
		return uuid.Nil.String()
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(joined)).String()
}

func (e Envelope) Validate() error {
	switch {
	case e.EventID == "":
		return errMissingEventID
	case e.EventType == "":
		return errMissingEventType
	case e.EventVersion <= 0:
		return errBadEventVersion
	case e.Timestamp.IsZero():
		return errors.New("timestamp is required")
	}
	return nil
}
