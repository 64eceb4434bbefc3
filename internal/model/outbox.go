package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OutboxStatus is the delivery state of an outbox event.
type OutboxStatus string

const (
	OutboxStatusPending    OutboxStatus = "PENDING"
	OutboxStatusProcessing OutboxStatus = "PROCESSING"
	OutboxStatusProcessed  OutboxStatus = "PROCESSED"
	OutboxStatusFailed     OutboxStatus = "FAILED"
)

// OutboxEvent represents an outbox event for reliable message delivery.
type OutboxEvent struct {
	ID            uuid.UUID    `json:"id"`
	AggregateID   string       `json:"aggregate_id"`
	AggregateType string       `json:"aggregate_type"`
	EventType     string       `json:"event_type"`
	Payload       []byte       `json:"payload"`
	Status        OutboxStatus `json:"status"`
	RetryCount    int          `json:"retry_count"`
	ErrorMessage  *string      `json:"error_message"`
	CreatedAt     time.Time    `json:"created_at"`
	ClaimedAt     *time.Time   `json:"claimed_at"`
	ProcessedAt   *time.Time   `json:"processed_at"`
}

// CreateOutboxEventParams represents parameters for creating a new outbox event.
type CreateOutboxEventParams struct {
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       []byte
}

// NewOutboxEvent builds a PENDING event.
func NewOutboxEvent(params *CreateOutboxEventParams, now time.Time) *OutboxEvent {
	return &OutboxEvent{
		ID:            uuid.New(),
		AggregateID:   params.AggregateID,
		AggregateType: params.AggregateType,
		EventType:     params.EventType,
		Payload:       params.Payload,
		Status:        OutboxStatusPending,
		CreatedAt:     now,
	}
}

// Claim moves a PENDING event to PROCESSING.
func (e OutboxEvent) Claim(now time.Time) (OutboxEvent, error) {
	if e.Status != OutboxStatusPending {
		return e, e.transitionError(OutboxStatusProcessing)
	}

	e.Status = OutboxStatusProcessing
	e.ClaimedAt = &now

	return e, nil
}

// Complete moves a PROCESSING event to PROCESSED after a broker ack.
func (e OutboxEvent) Complete(now time.Time) (OutboxEvent, error) {
	if e.Status != OutboxStatusProcessing {
		return e, e.transitionError(OutboxStatusProcessed)
	}

	e.Status = OutboxStatusProcessed
	e.ProcessedAt = &now
	e.ErrorMessage = nil

	return e, nil
}

// Fail records a failed send of a PROCESSING event. The retry count always
// grows; the event goes back to PENDING until it reaches maxRetries, then FAILED.
func (e OutboxEvent) Fail(cause error, maxRetries int) (OutboxEvent, error) {
	if e.Status != OutboxStatusProcessing {
		return e, e.transitionError(OutboxStatusPending)
	}

	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}

	e.RetryCount++
	e.ErrorMessage = &msg
	e.ClaimedAt = nil

	if e.RetryCount >= maxRetries {
		e.Status = OutboxStatusFailed
	} else {
		e.Status = OutboxStatusPending
	}

	return e, nil
}

// Release hands a PROCESSING event whose claim expired back for another try.
// An expired claim counts as an attempt, so a message that keeps killing the
// publisher ends up FAILED instead of cycling forever.
func (e OutboxEvent) Release(maxRetries int) (OutboxEvent, error) {
	return e.Fail(ErrClaimExpired, maxRetries)
}

// Requeue gives a FAILED event a fresh set of attempts. Operators use it after
// fixing the cause of a terminal failure.
func (e OutboxEvent) Requeue() (OutboxEvent, error) {
	if e.Status != OutboxStatusFailed {
		return e, e.transitionError(OutboxStatusPending)
	}

	e.Status = OutboxStatusPending
	e.RetryCount = 0
	e.ClaimedAt = nil

	return e, nil
}

func (e OutboxEvent) transitionError(to OutboxStatus) error {
	return fmt.Errorf("%w: event %s %s -> %s", ErrInvalidTransition, e.ID, e.Status, to)
}
