package settlement

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"

	"staypay/internal/common/money"
)

// Event subjects published after a settlement transaction commits.
const (
	SubjectCollectionSettled   = "settlement.collection.settled"
	SubjectCollectionFailed    = "settlement.collection.failed"
	SubjectCommissionApplied   = "settlement.commission.applied"
	SubjectDisbursementSettled = "settlement.disbursement.settled"
	SubjectDisbursementFailed  = "settlement.disbursement.failed"
	SubjectOrphanRecorded      = "settlement.orphan.recorded"
)

// StreamSubjects is the wildcard the settlement stream is created with.
const StreamSubjects = "settlement.>"

// Event is the envelope published on every settlement outcome.
type Event struct {
	ID         string          `json:"event_id"`
	Type       string          `json:"type"`
	OccurredAt time.Time       `json:"occurred_at"`
	IntentID   string          `json:"intent_id,omitempty"`
	BookingID  string          `json:"booking_id,omitempty"`
	Data       json.RawMessage `json:"data"`
}

// EventPublisher publishes settlement events. Implemented by the NATS
// publisher; a nil-safe no-op keeps the orchestrator usable without a
// broker in tests.
type EventPublisher interface {
	Publish(ctx context.Context, subject string, event any) error
}

// collectionSettledData is the payload for collection outcomes.
type collectionSettledData struct {
	Receipt     string      `json:"receipt"`
	Amount      money.Money `json:"amount"`
	Accumulated money.Money `json:"accumulated"`
	Complete    bool        `json:"complete"`
}

type commissionAppliedData struct {
	RecipientID string      `json:"recipient_id"`
	Commission  money.Money `json:"commission"`
	Accumulated money.Money `json:"accumulated"`
}

type disbursementSettledData struct {
	Receipt string      `json:"receipt"`
	Amount  money.Money `json:"amount"`
	Kind    string      `json:"kind"`
}

type resultFailedData struct {
	Code        int    `json:"code"`
	Description string `json:"description"`
}

type orphanRecordedData struct {
	Kind    string      `json:"kind"`
	Receipt string      `json:"receipt,omitempty"`
	Amount  money.Money `json:"amount"`
}

// publish wraps data in the envelope and sends it. Publishing happens
// after commit and is best-effort: a broker outage must not fail a
// callback that already settled.
func (s *Service) publish(ctx context.Context, subject, intentID, bookingID string, data any) {
	if s.events == nil {
		return
	}
	raw, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("marshaling settlement event", "subject", subject, "error", err)
		return
	}
	evt := Event{
		ID:         ulid.Make().String(),
		Type:       subject,
		OccurredAt: time.Now().UTC(),
		IntentID:   intentID,
		BookingID:  bookingID,
		Data:       raw,
	}
	if err := s.events.Publish(ctx, subject, evt); err != nil {
		s.logger.Error("publishing settlement event",
			"subject", subject,
			"intent_id", intentID,
			"error", err,
		)
	}
}
