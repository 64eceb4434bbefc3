package validation

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/jnst/bitemporal-refdata/internal/model"
)

// Constraint is a structural check on one field of a source record.
type Constraint[S any] struct {
	Field    string
	Rule     string
	Severity model.Severity
	check    func(S) (string, bool)
}

func (c Constraint[S]) severity() model.Severity {
	if c.Severity == "" {
		return model.SeverityError
	}

	return c.Severity
}

// AsWarning downgrades the constraint so a violation never blocks staging.
func (c Constraint[S]) AsWarning() Constraint[S] {
	c.Severity = model.SeverityWarning
	return c
}

// Required fails when the field is blank.
func Required[S any](field string, get func(S) string) Constraint[S] {
	return Constraint[S]{
		Field: field,
		Rule:  RuleRequired,
		check: func(s S) (string, bool) {
			if strings.TrimSpace(get(s)) == "" {
				return field + " is required", false
			}
			return "", true
		},
	}
}

// Length fails when a non-blank field is outside [minLen, maxLen] runes.
// A maxLen of zero means unbounded.
func Length[S any](field string, get func(S) string, minLen, maxLen int) Constraint[S] {
	return Constraint[S]{
		Field: field,
		Rule:  RuleLength,
		check: func(s S) (string, bool) {
			v := get(s)
			if v == "" {
				return "", true
			}

			n := utf8.RuneCountInString(v)
			if n < minLen || (maxLen > 0 && n > maxLen) {
				return fmt.Sprintf("%s length %d outside [%d, %d]", field, n, minLen, maxLen), false
			}
			return "", true
		},
	}
}

// Pattern fails when a non-blank field does not match re.
func Pattern[S any](field string, get func(S) string, re *regexp.Regexp) Constraint[S] {
	return Constraint[S]{
		Field: field,
		Rule:  RulePattern,
		check: func(s S) (string, bool) {
			v := get(s)
			if v == "" || re.MatchString(v) {
				return "", true
			}
			return fmt.Sprintf("%s %q does not match %s", field, v, re), false
		},
	}
}

// OneOf fails when a non-blank field is not one of allowed.
func OneOf[S any](field string, get func(S) string, allowed ...string) Constraint[S] {
	return Constraint[S]{
		Field: field,
		Rule:  RuleOneOf,
		check: func(s S) (string, bool) {
			v := get(s)
			if v == "" || slices.Contains(allowed, v) {
				return "", true
			}
			return fmt.Sprintf("%s %q is not one of %v", field, v, allowed), false
		},
	}
}

// Range fails when a present numeric field is outside [lo, hi].
func Range[S any](field string, get func(S) *float64, lo, hi float64) Constraint[S] {
	return Constraint[S]{
		Field: field,
		Rule:  RuleRange,
		check: func(s S) (string, bool) {
			v := get(s)
			if v == nil || (*v >= lo && *v <= hi) {
				return "", true
			}
			return fmt.Sprintf("%s %v outside [%v, %v]", field, *v, lo, hi), false
		},
	}
}
