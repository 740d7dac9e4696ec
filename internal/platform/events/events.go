// Package events publishes committed ledger state changes to downstream
// consumers. Publishing happens after commit and never affects ledger state.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event types.
const (
	ParticipantRegistered  = "participant.registered"
	ParticipantActivated   = "participant.activated"
	ParticipantDeactivated = "participant.deactivated"
	AccessGranted          = "access.granted"
	AccessRevoked          = "access.revoked"
	RecordCreated          = "record.created"
	RecordApproved         = "record.approved"
	RecordImageAdded       = "record.image_added"
	TreatmentRecorded      = "treatment.recorded"
	PolicyCreated          = "policy.created"
	PolicyPurchased        = "policy.purchased"
	ClaimFiled             = "claim.filed"
	ClaimApproved          = "claim.approved"
	ClaimRejected          = "claim.rejected"
	ChargeIssued           = "transaction.charge_issued"
	TransactionSettled     = "transaction.settled"
)

// Event is one committed change. Subject is the identity or entity id the
// event concerns.
type Event struct {
	ID         uuid.UUID       `json:"id"`
	Type       string          `json:"type"`
	Subject    string          `json:"subject"`
	Actor      string          `json:"actor,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// New builds an event with a fresh id. data is marshaled to JSON; a value
// that cannot be marshaled is dropped.
func New(typ, subject, actor string, data any) Event {
	ev := Event{
		ID:         uuid.New(),
		Type:       typ,
		Subject:    subject,
		Actor:      actor,
		OccurredAt: time.Now().UTC(),
	}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			ev.Data = raw
		}
	}
	return ev
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// LogPublisher writes events to a zerolog logger.
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.With().Str("component", "events").Logger()}
}

func (p *LogPublisher) Publish(_ context.Context, ev Event) error {
	p.logger.Info().
		Str("event_id", ev.ID.String()).
		Str("event_type", ev.Type).
		Str("subject", ev.Subject).
		Str("actor", ev.Actor).
		RawJSON("data", orEmpty(ev.Data)).
		Msg("ledger event")
	return nil
}

func orEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("{}")
	}
	return raw
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Emit publishes ev and logs a failure instead of returning it; callers use
// it after their unit has committed.
func Emit(ctx context.Context, pub Publisher, logger zerolog.Logger, ev Event) {
	if pub == nil {
		return
	}
	if err := pub.Publish(ctx, ev); err != nil {
		logger.Warn().Err(err).
			Str("event_type", ev.Type).
			Str("subject", ev.Subject).
			Msg("event publish failed")
	}
}
