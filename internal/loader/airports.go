package loader

import (
	"regexp"
	"strings"

	"github.com/jnst/bitemporal-refdata/internal/model"
	"github.com/jnst/bitemporal-refdata/internal/validation"
)

var (
	iataPattern = regexp.MustCompile(`^[A-Z]{3}$`)
	icaoPattern = regexp.MustCompile(`^[A-Z0-9]{4}$`)
)

// AirportRow is one airport of an IATA/ICAO feed.
type AirportRow struct {
	IATA        string   `json:"iata"`
	ICAO        string   `json:"icao"`
	Name        string   `json:"name"`
	CountryCode string   `json:"country_code"`
	City        string   `json:"city"`
	Latitude    *float64 `json:"latitude"`
	Longitude   *float64 `json:"longitude"`
	ElevationFt *int     `json:"elevation_ft"`
}

// identity keys an airport by its IATA code, falling back to ICAO for
// airfields without one.
func (r AirportRow) identity() (codeSystem, code string) {
	if r.IATA != "" {
		return model.CodeSystemIATA, r.IATA
	}

	return model.CodeSystemICAO, r.ICAO
}

// NewAirports defines the airports dataset over src.
func NewAirports(src Source[AirportRow]) Definition[AirportRow, model.Airport] {
	validator := validation.NewService(
		validation.WithConstraints(
			validation.Required("name", func(r AirportRow) string { return r.Name }),
			validation.Required("country_code", func(r AirportRow) string { return r.CountryCode }),
			validation.Pattern("country_code", func(r AirportRow) string { return r.CountryCode }, alpha2Pattern),
			validation.Pattern("iata", func(r AirportRow) string { return r.IATA }, iataPattern),
			validation.Pattern("icao", func(r AirportRow) string { return r.ICAO }, icaoPattern),
			validation.Range("latitude", func(r AirportRow) *float64 { return r.Latitude }, -90, 90),
			validation.Range("longitude", func(r AirportRow) *float64 { return r.Longitude }, -180, 180),
		),
		validation.WithRules[AirportRow](
			validation.RuleFunc[AirportRow]{
				RuleName: "AIRPORT_CODE",
				Fn: func(r AirportRow) validation.Outcome {
					if r.IATA == "" && r.ICAO == "" {
						return validation.Invalid("iata", "an airport needs an IATA or ICAO code")
					}
					return validation.Valid()
				},
			},
			validation.RuleFunc[AirportRow]{
				RuleName: "COORDINATES",
				Fn: func(r AirportRow) validation.Outcome {
					if (r.Latitude == nil) != (r.Longitude == nil) {
						return validation.Invalid("latitude", "latitude and longitude must be given together")
					}
					if r.Latitude == nil {
						return validation.Warning("latitude", "no coordinates")
					}
					return validation.Valid()
				},
			},
		),
		validation.WithKey(func(r AirportRow) string {
			system, code := r.identity()
			return system + ":" + code
		}),
	)

	return &dataset[AirportRow, model.Airport]{
		name:       DatasetAirports,
		entityType: model.EntityTypeAirport,
		source:     src,
		validator:  validator,
		identity:   AirportRow.identity,
		toStaging: func(r AirportRow) (StagingInput[model.Airport], error) {
			system, code := r.identity()

			return StagingInput[model.Airport]{
				BusinessKey: code,
				CodeSystem:  system,
				Data: model.Airport{
					Name:        strings.TrimSpace(r.Name),
					IATACode:    r.IATA,
					ICAOCode:    r.ICAO,
					CountryCode: r.CountryCode,
					City:        r.City,
					Latitude:    r.Latitude,
					Longitude:   r.Longitude,
					ElevationFt: r.ElevationFt,
				},
			}, nil
		},
		merge: func(current, staged model.Airport) model.Airport {
			staged.ICAOCode = orElse(staged.ICAOCode, current.ICAOCode)
			staged.City = orElse(staged.City, current.City)
			if staged.ElevationFt == nil {
				staged.ElevationFt = current.ElevationFt
			}
			return staged
		},
	}
}
