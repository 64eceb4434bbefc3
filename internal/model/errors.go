package model

import "errors"

var (
	// ErrRecordNotFound is returned when no bitemporal record matches the lookup.
	ErrRecordNotFound = errors.New("record not found")
	// ErrNoCurrentVersion is returned when a lineage has no row valid today.
	ErrNoCurrentVersion = errors.New("no current version")
	// ErrInvalidValidityWindow is returned when validFrom would fall after validTo.
	ErrInvalidValidityWindow = errors.New("validFrom must not be after validTo")
	// ErrInvalidRecord is returned when a record is missing identity fields.
	ErrInvalidRecord = errors.New("invalid record")
	// ErrVersionConflict is returned when a version already exists for a lineage.
	ErrVersionConflict = errors.New("version already exists for lineage")
	// ErrMixedLineage is returned when a timeline is built from records of different keys.
	ErrMixedLineage = errors.New("records belong to different lineages")
	// ErrEventNotFound is returned when an outbox event does not exist.
	ErrEventNotFound = errors.New("outbox event not found")
	// ErrInvalidTransition is returned when an outbox event cannot move to the requested status.
	ErrInvalidTransition = errors.New("invalid outbox status transition")
	// ErrClaimExpired is recorded on events whose claim timed out before the publisher reported back.
	ErrClaimExpired = errors.New("claim expired")
	// ErrValidationFailed is returned when a batch fails validation under a fail-fast policy.
	ErrValidationFailed = errors.New("validation failed")
	// ErrChangeRejected is returned when the policy decision disallows an approved change.
	ErrChangeRejected = errors.New("change rejected by policy")
	// ErrAdditionalApprovalRequired is returned when the policy asks for another approval round.
	ErrAdditionalApprovalRequired = errors.New("additional approval required")
	// ErrUnknownChangeKind is returned for change kinds the applier does not handle.
	ErrUnknownChangeKind = errors.New("unknown change kind")
	// ErrUnknownEntityType is returned when an entity type name matches no known type.
	ErrUnknownEntityType = errors.New("unknown entity type")
)
