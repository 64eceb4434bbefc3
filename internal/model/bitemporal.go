// Package model defines domain models and data structures.
package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EntityType names a kind of reference entity. It doubles as the outbox aggregate type.
type EntityType string

const (
	// EntityTypeCountry is a country or territory code.
	EntityTypeCountry EntityType = "COUNTRY"
	// EntityTypePort is a sea or inland port.
	EntityTypePort EntityType = "PORT"
	// EntityTypeAirport is an airport.
	EntityTypeAirport EntityType = "AIRPORT"
	// EntityTypeCodeMapping maps a code in one coding system to another.
	EntityTypeCodeMapping EntityType = "CODE_MAPPING"
)

// ParseEntityType accepts an entity type name in any case, e.g. "port" or "code_mapping".
func ParseEntityType(s string) (EntityType, error) {
	switch t := EntityType(strings.ToUpper(s)); t {
	case EntityTypeCountry, EntityTypePort, EntityTypeAirport, EntityTypeCodeMapping:
		return t, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownEntityType, s)
	}
}

// Key identifies one lineage: every version of the same business key under the
// same coding authority.
type Key struct {
	EntityType  EntityType `json:"entity_type"`
	CodeSystem  string     `json:"code_system"`
	BusinessKey string     `json:"business_key"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.EntityType, k.CodeSystem, k.BusinessKey)
}

// AggregateID is the outbox aggregate id and bus partition key for the lineage.
func (k Key) AggregateID() string {
	return k.CodeSystem + ":" + k.BusinessKey
}

// Versioned is the capability Timeline and the loader need from a versioned fact.
type Versioned interface {
	LineageKey() Key
	ValidityStart() time.Time
	ValidityEnd() *time.Time
	VersionNumber() int64
	WasValidOn(date time.Time) bool
}

// Record is one immutable row of bitemporal history.
type Record struct {
	ID              uuid.UUID       `json:"id"`
	EntityType      EntityType      `json:"entity_type"`
	BusinessKey     string          `json:"business_key"`
	CodeSystem      string          `json:"code_system"`
	ValidFrom       time.Time       `json:"valid_from"`
	ValidTo         *time.Time      `json:"valid_to"`
	RecordedAt      time.Time       `json:"recorded_at"`
	Version         int64           `json:"version"`
	IsCorrection    bool            `json:"is_correction"`
	ChangeRequestID *string         `json:"change_request_id"`
	RecordedBy      string          `json:"recorded_by"`
	Attributes      json.RawMessage `json:"attributes"`
}

// NewRecordParams represents parameters for creating the first version of a lineage.
type NewRecordParams struct {
	Key             Key
	ValidFrom       time.Time
	ValidTo         *time.Time
	Version         int64
	RecordedAt      time.Time
	RecordedBy      string
	ChangeRequestID *string
	Attributes      json.RawMessage
}

// NewRecord builds a validated record with a fresh row identity.
func NewRecord(p NewRecordParams) (Record, error) {
	r := Record{
		ID:              uuid.New(),
		EntityType:      p.Key.EntityType,
		BusinessKey:     p.Key.BusinessKey,
		CodeSystem:      p.Key.CodeSystem,
		ValidFrom:       Date(p.ValidFrom),
		RecordedAt:      p.RecordedAt,
		Version:         p.Version,
		ChangeRequestID: cloneString(p.ChangeRequestID),
		RecordedBy:      p.RecordedBy,
		Attributes:      cloneRaw(p.Attributes),
	}
	if p.ValidTo != nil {
		r.ValidTo = DatePtr(*p.ValidTo)
	}

	if err := r.Validate(); err != nil {
		return Record{}, err
	}

	return r, nil
}

// Validate checks identity fields and the validity window invariant.
func (r Record) Validate() error {
	switch {
	case r.EntityType == "":
		return fmt.Errorf("%w: entity type is required", ErrInvalidRecord)
	case r.BusinessKey == "":
		return fmt.Errorf("%w: business key is required", ErrInvalidRecord)
	case r.CodeSystem == "":
		return fmt.Errorf("%w: code system is required", ErrInvalidRecord)
	case r.Version < 1:
		return fmt.Errorf("%w: version must be positive, got %d", ErrInvalidRecord, r.Version)
	case r.ValidFrom.IsZero():
		return fmt.Errorf("%w: validFrom is required", ErrInvalidRecord)
	}

	if r.ValidTo != nil && r.ValidTo.Before(r.ValidFrom) {
		return fmt.Errorf("%w: %s > %s", ErrInvalidValidityWindow,
			r.ValidFrom.Format(DateLayout), r.ValidTo.Format(DateLayout))
	}

	return nil
}

// LineageKey returns the lineage the record belongs to.
func (r Record) LineageKey() Key {
	return Key{EntityType: r.EntityType, CodeSystem: r.CodeSystem, BusinessKey: r.BusinessKey}
}

// ValidityStart returns validFrom.
func (r Record) ValidityStart() time.Time { return r.ValidFrom }

// ValidityEnd returns validTo; nil means open-ended.
func (r Record) ValidityEnd() *time.Time { return r.ValidTo }

// VersionNumber returns the lineage version.
func (r Record) VersionNumber() int64 { return r.Version }

// WasValidOn reports whether validFrom <= date < validTo, with a nil validTo
// treated as open-ended.
func (r Record) WasValidOn(date time.Time) bool {
	d := Date(date)
	if d.Before(r.ValidFrom) {
		return false
	}

	return r.ValidTo == nil || d.Before(*r.ValidTo)
}

// IsCurrentlyValid is WasValidOn for the day of now.
func (r Record) IsCurrentlyValid(now time.Time) bool {
	return r.WasValidOn(now)
}

// IsOpen reports whether the record has no end date.
func (r Record) IsOpen() bool {
	return r.ValidTo == nil
}

// CreateNewVersion copies the non-temporal fields of base into a new row that
// starts today, is open-ended and carries the next version number.
func CreateNewVersion(base Record, actor string, changeRequestID *string, now time.Time) Record {
	next := base
	next.ID = uuid.New()
	next.ValidFrom = Date(now)
	next.ValidTo = nil
	next.RecordedAt = now
	next.Version = base.Version + 1
	next.IsCorrection = false
	next.ChangeRequestID = cloneString(changeRequestID)
	next.RecordedBy = actor
	next.Attributes = cloneRaw(base.Attributes)

	return next
}

// CreateCorrection repairs a recording error in base. The correction keeps the
// validity window of base and takes the next version number.
func CreateCorrection(base Record, actor string, changeRequestID *string, now time.Time) Record {
	next := base
	next.ID = uuid.New()
	next.ValidTo = cloneTime(base.ValidTo)
	next.RecordedAt = now
	next.Version = base.Version + 1
	next.IsCorrection = true
	next.ChangeRequestID = cloneString(changeRequestID)
	next.RecordedBy = actor
	next.Attributes = cloneRaw(base.Attributes)

	return next
}

// EndValidity closes r at date. An end date is never extended: if r already
// ends on or before date it is returned unchanged.
func EndValidity(r Record, date time.Time) (Record, error) {
	d := Date(date)
	if d.Before(r.ValidFrom) {
		return r, fmt.Errorf("%w: cannot end %s before it starts on %s",
			ErrInvalidValidityWindow, r.LineageKey(), r.ValidFrom.Format(DateLayout))
	}

	if r.ValidTo != nil && !d.Before(*r.ValidTo) {
		return r, nil
	}

	closed := r
	closed.ValidTo = &d

	return closed, nil
}

// WithAttributes returns a copy of r carrying attrs.
func (r Record) WithAttributes(attrs json.RawMessage) Record {
	r.Attributes = cloneRaw(attrs)
	return r
}

// SameAttributes reports whether two records carry byte-identical compacted attributes.
func SameAttributes(a, b json.RawMessage) bool {
	var ca, cb bytes.Buffer
	if json.Compact(&ca, a) != nil || json.Compact(&cb, b) != nil {
		return bytes.Equal(a, b)
	}

	return bytes.Equal(ca.Bytes(), cb.Bytes())
}

// GroupByChangeRequest indexes records by the change request that authorized them.
// Records loaded without a change request are skipped.
func GroupByChangeRequest(records []Record) map[string][]Record {
	groups := make(map[string][]Record)

	for _, r := range records {
		if r.ChangeRequestID == nil {
			continue
		}

		groups[*r.ChangeRequestID] = append(groups[*r.ChangeRequestID], r)
	}

	return groups
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}

	v := *s

	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}

	v := *t

	return &v
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}

	return append(json.RawMessage(nil), raw...)
}
