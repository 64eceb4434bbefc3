package validation_test

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnst/bitemporal-refdata/internal/model"
	"github.com/jnst/bitemporal-refdata/internal/validation"
)

type row struct {
	Code string
	Name string
	Lat  *float64
}

func ptr(f float64) *float64 { return &f }

func newService() *validation.Service[row] {
	code := func(r row) string { return r.Code }
	name := func(r row) string { return r.Name }

	return validation.NewService(
		validation.WithKey(code),
		validation.WithConstraints(
			validation.Required("code", code),
			validation.Pattern("code", code, regexp.MustCompile(`^[A-Z]{2}$`)),
			validation.Required("name", name),
			validation.Length("name", name, 1, 20).AsWarning(),
			validation.Range("lat", func(r row) *float64 { return r.Lat }, -90, 90),
		),
		validation.WithRules[row](validation.RuleFunc[row]{
			RuleName: "NO_TEST_CODES",
			Fn: func(r row) validation.Outcome {
				if r.Code == "XX" {
					return validation.Invalid("code", "XX is reserved")
				}
				if strings.HasPrefix(r.Name, "Old ") {
					return validation.Warning("name", "looks like a historic name")
				}
				return validation.Valid()
			},
		}),
	)
}

func TestValidateCleanBatch(t *testing.T) {
	res := newService().Validate([]row{
		{Code: "US", Name: "United States"},
		{Code: "CA", Name: "Canada", Lat: ptr(56)},
	})

	assert.True(t, res.IsValid())
	assert.Empty(t, res.Errors())
	assert.Equal(t, 2, res.Total())
	assert.NoError(t, res.Err())
	assert.Equal(t, model.ValidationStatusValid, res.StatusOf(0))
}

func TestValidateSeverities(t *testing.T) {
	records := []row{
		{Code: "us", Name: "United States"},
		{Code: "XX", Name: "Test"},
		{Code: "GB", Name: "Old United Kingdom of Great Britain"},
		{Code: "FR", Name: "France", Lat: ptr(120)},
		{Code: "", Name: ""},
	}

	res := newService().Validate(records)

	require.False(t, res.IsValid())
	assert.Equal(t, []int{0, 1, 3, 4}, res.InvalidRecords())
	assert.True(t, res.IsRecordValid(2), "warnings never block")
	assert.Equal(t, model.ValidationStatusWarning, res.StatusOf(2))
	assert.Equal(t, model.ValidationStatusInvalid, res.StatusOf(0))
	assert.Equal(t, 2, res.WarningCount())
	require.ErrorIs(t, res.Err(), model.ErrValidationFailed)

	for _, fe := range res.BySeverity(model.SeverityError) {
		if fe.RecordIndex == 1 {
			assert.Equal(t, "NO_TEST_CODES", fe.Rule)
			assert.Equal(t, "XX", fe.RecordKey)
		}
	}
}

func TestValidateFlagsDuplicateKeys(t *testing.T) {
	res := newService().Validate([]row{
		{Code: "US", Name: "United States"},
		{Code: "CA", Name: "Canada"},
		{Code: "US", Name: "United States of America"},
	})

	require.False(t, res.IsValid())
	assert.Equal(t, []int{2}, res.InvalidRecords())

	errs := res.BySeverity(model.SeverityError)
	require.Len(t, errs, 1)
	assert.Equal(t, validation.RuleDuplicateKey, errs[0].Rule)
}

func TestValidateDoesNotMutate(t *testing.T) {
	records := []row{{Code: "us", Name: ""}}
	before := records[0]

	_ = newService().Validate(records)

	assert.Equal(t, before, records[0])
}

func TestRegisterAddsRules(t *testing.T) {
	svc := validation.NewService[row]()
	svc.Register(validation.RuleFunc[row]{
		RuleName: "ALWAYS_INFO",
		Fn:       func(row) validation.Outcome { return validation.Info("code", "seen") },
	})

	res := svc.Validate([]row{{Code: "US"}})
	assert.True(t, res.IsValid())
	assert.Len(t, res.BySeverity(model.SeverityInfo), 1)
}
