// Package validation checks freshly extracted source records before staging.
package validation

import (
	"fmt"
	"slices"

	"github.com/jnst/bitemporal-refdata/internal/model"
)

// Rule names used by the built-in checks.
const (
	RuleRequired     = "REQUIRED"
	RuleLength       = "LENGTH"
	RulePattern      = "PATTERN"
	RuleOneOf        = "ONE_OF"
	RuleRange        = "RANGE"
	RuleDuplicateKey = "DUPLICATE_KEY"
)

// Outcome is what a business rule says about one record.
type Outcome struct {
	Severity model.Severity
	Field    string
	Message  string
	ok       bool
}

// Valid is the passing outcome.
func Valid() Outcome { return Outcome{ok: true} }

// Invalid blocks the record from staging.
func Invalid(field, message string) Outcome {
	return Outcome{Severity: model.SeverityError, Field: field, Message: message}
}

// Warning is reported but never blocks staging.
func Warning(field, message string) Outcome {
	return Outcome{Severity: model.SeverityWarning, Field: field, Message: message}
}

// Info is an informational finding.
func Info(field, message string) Outcome {
	return Outcome{Severity: model.SeverityInfo, Field: field, Message: message}
}

// OK reports whether the outcome is a pass.
func (o Outcome) OK() bool { return o.ok }

// Rule is a pluggable business rule over source records of type S.
type Rule[S any] interface {
	Name() string
	Check(record S) Outcome
}

// RuleFunc adapts a function to Rule.
type RuleFunc[S any] struct {
	RuleName string
	Fn       func(S) Outcome
}

// Name returns the rule name.
func (r RuleFunc[S]) Name() string { return r.RuleName }

// Check runs the function.
func (r RuleFunc[S]) Check(record S) Outcome { return r.Fn(record) }

// Service validates batches of source records. It is safe for concurrent use
// once built and never mutates the records it inspects.
type Service[S any] struct {
	constraints []Constraint[S]
	rules       []Rule[S]
	keyOf       func(S) string
}

// Option configures a Service.
type Option[S any] func(*Service[S])

// WithConstraints adds structural constraints.
func WithConstraints[S any](cs ...Constraint[S]) Option[S] {
	return func(s *Service[S]) { s.constraints = append(s.constraints, cs...) }
}

// WithRules registers business rules, run in registration order.
func WithRules[S any](rules ...Rule[S]) Option[S] {
	return func(s *Service[S]) { s.rules = append(s.rules, rules...) }
}

// WithKey sets the key used to label findings and to flag duplicate keys
// within a batch. Every occurrence after the first is an ERROR.
func WithKey[S any](keyOf func(S) string) Option[S] {
	return func(s *Service[S]) { s.keyOf = keyOf }
}

// NewService builds a validation service.
func NewService[S any](opts ...Option[S]) *Service[S] {
	s := &Service[S]{}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Register appends business rules after construction.
func (s *Service[S]) Register(rules ...Rule[S]) {
	s.rules = append(s.rules, rules...)
}

// Validate runs constraints, then rules, then the duplicate-key check over every record.
func (s *Service[S]) Validate(records []S) *Result {
	res := &Result{total: len(records)}
	seen := make(map[string]int, len(records))

	for i, rec := range records {
		key := ""
		if s.keyOf != nil {
			key = s.keyOf(rec)
		}

		for _, c := range s.constraints {
			if msg, ok := c.check(rec); !ok {
				res.add(model.FieldError{
					RecordIndex: i,
					RecordKey:   key,
					Field:       c.Field,
					Rule:        c.Rule,
					Message:     msg,
					Severity:    c.severity(),
				})
			}
		}

		for _, rule := range s.rules {
			out := rule.Check(rec)
			if out.ok || out.Severity == "" {
				continue
			}

			res.add(model.FieldError{
				RecordIndex: i,
				RecordKey:   key,
				Field:       out.Field,
				Rule:        rule.Name(),
				Message:     out.Message,
				Severity:    out.Severity,
			})
		}

		if s.keyOf == nil || key == "" {
			continue
		}

		if first, dup := seen[key]; dup {
			res.add(model.FieldError{
				RecordIndex: i,
				RecordKey:   key,
				Field:       "key",
				Rule:        RuleDuplicateKey,
				Message:     fmt.Sprintf("duplicate key %q, first seen at record %d", key, first),
				Severity:    model.SeverityError,
			})

			continue
		}

		seen[key] = i
	}

	return res
}

// Result aggregates findings for a batch.
type Result struct {
	total   int
	errors  []model.FieldError
	invalid map[int]struct{}
	warned  map[int]struct{}
}

func (r *Result) add(fe model.FieldError) {
	r.errors = append(r.errors, fe)

	switch fe.Severity {
	case model.SeverityError:
		if r.invalid == nil {
			r.invalid = make(map[int]struct{})
		}
		r.invalid[fe.RecordIndex] = struct{}{}
	case model.SeverityWarning:
		if r.warned == nil {
			r.warned = make(map[int]struct{})
		}
		r.warned[fe.RecordIndex] = struct{}{}
	}
}

// IsValid is false iff any finding has ERROR severity.
func (r *Result) IsValid() bool { return len(r.invalid) == 0 }

// Errors returns every finding, in record order.
func (r *Result) Errors() []model.FieldError { return slices.Clone(r.errors) }

// BySeverity returns the findings of one severity.
func (r *Result) BySeverity(sev model.Severity) []model.FieldError {
	var out []model.FieldError

	for _, fe := range r.errors {
		if fe.Severity == sev {
			out = append(out, fe)
		}
	}

	return out
}

// ErrorCount is the number of ERROR findings.
func (r *Result) ErrorCount() int { return len(r.BySeverity(model.SeverityError)) }

// WarningCount is the number of WARNING findings.
func (r *Result) WarningCount() int { return len(r.BySeverity(model.SeverityWarning)) }

// Total is the number of records validated.
func (r *Result) Total() int { return r.total }

// IsRecordValid reports whether record i has no ERROR finding.
func (r *Result) IsRecordValid(i int) bool {
	_, bad := r.invalid[i]
	return !bad
}

// InvalidRecords returns the sorted indexes of records with ERROR findings.
func (r *Result) InvalidRecords() []int {
	out := make([]int, 0, len(r.invalid))
	for i := range r.invalid {
		out = append(out, i)
	}

	slices.Sort(out)

	return out
}

// StatusOf returns the staging validation status of record i.
func (r *Result) StatusOf(i int) model.ValidationStatus {
	if _, bad := r.invalid[i]; bad {
		return model.ValidationStatusInvalid
	}

	if _, warn := r.warned[i]; warn {
		return model.ValidationStatusWarning
	}

	return model.ValidationStatusValid
}

// Err summarizes the result as an error wrapping model.ErrValidationFailed, or nil.
func (r *Result) Err() error {
	if r.IsValid() {
		return nil
	}

	first := r.BySeverity(model.SeverityError)[0]

	return fmt.Errorf("%w: %d of %d records invalid, first: record %d field %s: %s",
		model.ErrValidationFailed, len(r.invalid), r.total, first.RecordIndex, first.Field, first.Message)
}
