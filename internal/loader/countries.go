package loader

import (
	"regexp"
	"strings"

	"github.com/jnst/bitemporal-refdata/internal/model"
	"github.com/jnst/bitemporal-refdata/internal/validation"
)

var (
	alpha2Pattern  = regexp.MustCompile(`^[A-Z]{2}$`)
	alpha3Pattern  = regexp.MustCompile(`^[A-Z]{3}$`)
	numericPattern = regexp.MustCompile(`^[0-9]{3}$`)
)

// CountryRow is one country as exported by an ISO 3166 or GENC feed.
type CountryRow struct {
	CodeSystem   string `json:"code_system"`
	Alpha2       string `json:"alpha2"`
	Alpha3       string `json:"alpha3"`
	Numeric      string `json:"numeric"`
	Name         string `json:"name"`
	OfficialName string `json:"official_name"`
	Region       string `json:"region"`
	Subregion    string `json:"subregion"`
}

func (r CountryRow) codeSystem() string {
	return orElse(r.CodeSystem, model.CodeSystemISO3166Alpha2)
}

// userAssigned reports whether an alpha-2 code is in one of the ranges ISO
// 3166 leaves to private use.
func userAssigned(alpha2 string) bool {
	if alpha2 == "AA" || alpha2 == "ZZ" {
		return true
	}

	if len(alpha2) != 2 {
		return false
	}

	switch alpha2[0] {
	case 'Q':
		return alpha2[1] >= 'M'
	case 'X':
		return true
	}

	return false
}

// NewCountries defines the countries dataset over src.
func NewCountries(src Source[CountryRow]) Definition[CountryRow, model.Country] {
	validator := validation.NewService(
		validation.WithConstraints(
			validation.Required("alpha2", func(r CountryRow) string { return r.Alpha2 }),
			validation.Required("name", func(r CountryRow) string { return r.Name }),
			validation.Pattern("alpha2", func(r CountryRow) string { return r.Alpha2 }, alpha2Pattern),
			validation.Pattern("alpha3", func(r CountryRow) string { return r.Alpha3 }, alpha3Pattern),
			validation.Pattern("numeric", func(r CountryRow) string { return r.Numeric }, numericPattern),
			validation.Length("name", func(r CountryRow) string { return r.Name }, 1, 200),
			validation.OneOf("code_system", CountryRow.codeSystem,
				model.CodeSystemISO3166Alpha2, model.CodeSystemGENC),
			validation.Required("alpha3", func(r CountryRow) string { return r.Alpha3 }).AsWarning(),
		),
		validation.WithRules[CountryRow](
			validation.RuleFunc[CountryRow]{
				RuleName: "USER_ASSIGNED_CODE",
				Fn: func(r CountryRow) validation.Outcome {
					if userAssigned(r.Alpha2) {
						return validation.Warning("alpha2", r.Alpha2+" is a user-assigned code")
					}
					return validation.Valid()
				},
			},
		),
		validation.WithKey(func(r CountryRow) string { return r.codeSystem() + ":" + r.Alpha2 }),
	)

	return &dataset[CountryRow, model.Country]{
		name:       DatasetCountries,
		entityType: model.EntityTypeCountry,
		source:     src,
		validator:  validator,
		identity:   func(r CountryRow) (string, string) { return r.codeSystem(), r.Alpha2 },
		toStaging: func(r CountryRow) (StagingInput[model.Country], error) {
			return StagingInput[model.Country]{
				BusinessKey: r.Alpha2,
				CodeSystem:  r.codeSystem(),
				Data: model.Country{
					Name:         strings.TrimSpace(r.Name),
					OfficialName: strings.TrimSpace(r.OfficialName),
					Alpha2:       r.Alpha2,
					Alpha3:       r.Alpha3,
					Numeric:      r.Numeric,
					Region:       r.Region,
					Subregion:    r.Subregion,
				},
			}, nil
		},
		// Feeds often omit the descriptive fields; keep what production has.
		merge: func(current, staged model.Country) model.Country {
			staged.OfficialName = orElse(staged.OfficialName, current.OfficialName)
			staged.Region = orElse(staged.Region, current.Region)
			staged.Subregion = orElse(staged.Subregion, current.Subregion)
			return staged
		},
	}
}
