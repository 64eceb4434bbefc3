package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ValidationStatus is the validation outcome recorded on a staging row.
type ValidationStatus string

const (
	ValidationStatusValid   ValidationStatus = "VALID"
	ValidationStatusWarning ValidationStatus = "WARNING"
	ValidationStatusInvalid ValidationStatus = "INVALID"
)

// ProcessingStatus tracks whether a staging row has been reconciled.
type ProcessingStatus string

const (
	ProcessingStatusPending   ProcessingStatus = "PENDING"
	ProcessingStatusProcessed ProcessingStatus = "PROCESSED"
	ProcessingStatusRejected  ProcessingStatus = "REJECTED"
)

// StagingRecord holds one extracted source record for the duration of a load execution.
type StagingRecord struct {
	ID               uuid.UUID        `json:"id"`
	Dataset          string           `json:"dataset"`
	LoadExecutionID  uuid.UUID        `json:"load_execution_id"`
	LoadedAt         time.Time        `json:"loaded_at"`
	BusinessKey      string           `json:"business_key"`
	CodeSystem       string           `json:"code_system"`
	SourceHash       string           `json:"source_hash"`
	ValidationStatus ValidationStatus `json:"validation_status"`
	ProcessingStatus ProcessingStatus `json:"processing_status"`
	Attributes       json.RawMessage  `json:"attributes"`
}

// Staged is a StagingRecord viewed through its typed attributes.
type Staged[A any] struct {
	StagingRecord
	Data A
}

// DecodeStaged unmarshals the attributes of a staging row into A.
func DecodeStaged[A any](s StagingRecord) (Staged[A], error) {
	var data A
	if len(s.Attributes) > 0 {
		if err := json.Unmarshal(s.Attributes, &data); err != nil {
			return Staged[A]{}, fmt.Errorf("failed to decode staging row %s: %w", s.ID, err)
		}
	}

	return Staged[A]{StagingRecord: s, Data: data}, nil
}

// Encode returns the staging row with Data marshaled into its attributes.
func (s Staged[A]) Encode() (StagingRecord, error) {
	raw, err := json.Marshal(s.Data)
	if err != nil {
		return StagingRecord{}, fmt.Errorf("failed to encode staging row %s: %w", s.BusinessKey, err)
	}

	row := s.StagingRecord
	row.Attributes = raw

	return row, nil
}
