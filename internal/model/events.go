package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType is the kind of change announced on the bus.
type EventType string

const (
	EventTypeCreated           EventType = "CREATED"
	EventTypeUpdated           EventType = "UPDATED"
	EventTypeDeleted           EventType = "DELETED"
	EventTypeDeprecated        EventType = "DEPRECATED"
	EventTypeMappingCreated    EventType = "MAPPING_CREATED"
	EventTypeMappingUpdated    EventType = "MAPPING_UPDATED"
	EventTypeMappingDeleted    EventType = "MAPPING_DELETED"
	EventTypeMappingDeprecated EventType = "MAPPING_DEPRECATED"
)

// ChangeKind is what happened to a lineage in one apply unit.
type ChangeKind string

const (
	ChangeKindAddition    ChangeKind = "ADDITION"
	ChangeKindUpdate      ChangeKind = "UPDATE"
	ChangeKindDeletion    ChangeKind = "DELETION"
	ChangeKindCorrection  ChangeKind = "CORRECTION"
	ChangeKindDeprecation ChangeKind = "DEPRECATION"
)

// EventTypeFor maps a change on an entity type to the event type published for it.
// Corrections are announced as updates; the envelope carries isCorrection.
func EventTypeFor(entityType EntityType, kind ChangeKind) (EventType, error) {
	var base EventType

	switch kind {
	case ChangeKindAddition:
		base = EventTypeCreated
	case ChangeKindUpdate, ChangeKindCorrection:
		base = EventTypeUpdated
	case ChangeKindDeletion:
		base = EventTypeDeleted
	case ChangeKindDeprecation:
		base = EventTypeDeprecated
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownChangeKind, kind)
	}

	if entityType == EntityTypeCodeMapping {
		return "MAPPING_" + base, nil
	}

	return base, nil
}

// EventEnvelope is the serialized outbox payload: event metadata plus a snapshot
// of the row the event is about.
type EventEnvelope struct {
	EventID         uuid.UUID       `json:"eventId"`
	EventType       EventType       `json:"eventType"`
	Timestamp       time.Time       `json:"timestamp"`
	AggregateID     string          `json:"aggregateId"`
	AggregateType   EntityType      `json:"aggregateType"`
	Version         int64           `json:"version"`
	PreviousVersion *int64          `json:"previousVersion,omitempty"`
	ChangeRequestID *string         `json:"changeRequestId,omitempty"`
	RecordedBy      string          `json:"recordedBy"`
	IsCorrection    bool            `json:"isCorrection"`
	BusinessKey     string          `json:"businessKey"`
	CodeSystem      string          `json:"codeSystem"`
	ValidFrom       string          `json:"validFrom"`
	ValidTo         *string         `json:"validTo,omitempty"`
	Data            json.RawMessage `json:"data"`
}

// DedupKey is the tuple consumers de-duplicate on.
func (e EventEnvelope) DedupKey() string {
	return fmt.Sprintf("%s|%s|%d", e.AggregateID, e.EventType, e.Version)
}

// NewEnvelope snapshots row as the subject of an event of the given kind.
// previous is the row it superseded or closed, if any.
func NewEnvelope(kind ChangeKind, row Record, previous *Record, now time.Time) (EventEnvelope, error) {
	eventType, err := EventTypeFor(row.EntityType, kind)
	if err != nil {
		return EventEnvelope{}, err
	}

	env := EventEnvelope{
		EventID:         uuid.New(),
		EventType:       eventType,
		Timestamp:       now,
		AggregateID:     row.LineageKey().AggregateID(),
		AggregateType:   row.EntityType,
		Version:         row.Version,
		ChangeRequestID: row.ChangeRequestID,
		RecordedBy:      row.RecordedBy,
		IsCorrection:    row.IsCorrection,
		BusinessKey:     row.BusinessKey,
		CodeSystem:      row.CodeSystem,
		ValidFrom:       row.ValidFrom.Format(DateLayout),
		Data:            row.Attributes,
	}

	if row.ValidTo != nil {
		to := row.ValidTo.Format(DateLayout)
		env.ValidTo = &to
	}

	if previous != nil {
		v := previous.Version
		env.PreviousVersion = &v
	}

	return env, nil
}

// OutboxParams serializes the envelope into outbox insert parameters.
func (e EventEnvelope) OutboxParams() (*CreateOutboxEventParams, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event payload: %w", err)
	}

	return &CreateOutboxEventParams{
		AggregateID:   e.AggregateID,
		AggregateType: string(e.AggregateType),
		EventType:     string(e.EventType),
		Payload:       payload,
	}, nil
}
