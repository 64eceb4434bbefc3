package model

// Severity ranks a validation finding. Only ERROR blocks staging.
type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
	SeverityInfo    Severity = "INFO"
)

// FieldError is one validation finding for one field of one source record.
type FieldError struct {
	RecordIndex int      `json:"record_index"`
	RecordKey   string   `json:"record_key,omitempty"`
	Field       string   `json:"field"`
	Rule        string   `json:"rule"`
	Message     string   `json:"message"`
	Severity    Severity `json:"severity"`
}
