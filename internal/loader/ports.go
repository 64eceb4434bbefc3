package loader

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/jnst/bitemporal-refdata/internal/model"
	"github.com/jnst/bitemporal-refdata/internal/validation"
)

var (
	locodePattern      = regexp.MustCompile(`^[A-Z]{2} ?[A-Z2-9]{3}$`)
	functionPattern    = regexp.MustCompile(`^[0-9B-]{8}$`)
	coordinatesPattern = regexp.MustCompile(`^[0-9]{4}[NS] [0-9]{5}[EW]$`)
)

// UN/LOCODE function classifiers by position.
var locodeFunctions = [8]string{
	"PORT", "RAIL_TERMINAL", "ROAD_TERMINAL", "AIRPORT",
	"POSTAL_EXCHANGE", "MULTIMODAL", "FIXED_TRANSPORT", "BORDER_CROSSING",
}

// PortRow is one location of a UN/LOCODE code list.
type PortRow struct {
	Locode      string `json:"locode"`
	Name        string `json:"name"`
	Subdivision string `json:"subdivision"`
	// Function is the 8-character classifier, e.g. "1-3-----".
	Function string `json:"function"`
	// Coordinates are degrees and minutes, e.g. "5155N 00430E".
	Coordinates string `json:"coordinates"`
}

func (r PortRow) code() string {
	return strings.ReplaceAll(r.Locode, " ", "")
}

func parseFunctions(f string) []string {
	var out []string

	for i := 0; i < len(f) && i < len(locodeFunctions); i++ {
		if f[i] != '-' && f[i] != '0' {
			out = append(out, locodeFunctions[i])
		}
	}

	return out
}

// parseCoordinates converts "DDMMH DDDMMH" into decimal degrees.
func parseCoordinates(s string) (lat, lon *float64, err error) {
	if s == "" {
		return nil, nil, nil
	}

	if !coordinatesPattern.MatchString(s) {
		return nil, nil, fmt.Errorf("malformed coordinates %q", s)
	}

	parts := strings.Fields(s)

	la, err := degrees(parts[0][:2], parts[0][2:4], parts[0][4] == 'S')
	if err != nil {
		return nil, nil, err
	}

	lo, err := degrees(parts[1][:3], parts[1][3:5], parts[1][5] == 'W')
	if err != nil {
		return nil, nil, err
	}

	return &la, &lo, nil
}

func degrees(deg, minutes string, negative bool) (float64, error) {
	d, err := strconv.Atoi(deg)
	if err != nil {
		return 0, err
	}

	m, err := strconv.Atoi(minutes)
	if err != nil {
		return 0, err
	}

	if m >= 60 {
		return 0, fmt.Errorf("minutes %d out of range", m)
	}

	v := float64(d) + float64(m)/60
	if negative {
		v = -v
	}

	return v, nil
}

// NewPorts defines the UN/LOCODE ports dataset over src.
func NewPorts(src Source[PortRow]) Definition[PortRow, model.Port] {
	validator := validation.NewService(
		validation.WithConstraints(
			validation.Required("locode", func(r PortRow) string { return r.Locode }),
			validation.Required("name", func(r PortRow) string { return r.Name }),
			validation.Pattern("locode", func(r PortRow) string { return r.Locode }, locodePattern),
			validation.Pattern("function", func(r PortRow) string { return r.Function }, functionPattern),
			validation.Pattern("coordinates", func(r PortRow) string { return r.Coordinates }, coordinatesPattern),
			validation.Required("coordinates", func(r PortRow) string { return r.Coordinates }).AsWarning(),
		),
		validation.WithRules[PortRow](
			validation.RuleFunc[PortRow]{
				RuleName: "PORT_FUNCTION",
				Fn: func(r PortRow) validation.Outcome {
					if r.Function == "" || r.Function[0] != '1' {
						return validation.Invalid("function", r.Locode+" has no port function")
					}
					return validation.Valid()
				},
			},
			validation.RuleFunc[PortRow]{
				RuleName: "COORDINATES",
				Fn: func(r PortRow) validation.Outcome {
					if _, _, err := parseCoordinates(r.Coordinates); err != nil {
						return validation.Invalid("coordinates", err.Error())
					}
					return validation.Valid()
				},
			},
		),
		validation.WithKey(PortRow.code),
	)

	return &dataset[PortRow, model.Port]{
		name:       DatasetPorts,
		entityType: model.EntityTypePort,
		source:     src,
		validator:  validator,
		identity:   func(r PortRow) (string, string) { return model.CodeSystemUNLOCODE, r.code() },
		toStaging: func(r PortRow) (StagingInput[model.Port], error) {
			code := r.code()

			lat, lon, err := parseCoordinates(r.Coordinates)
			if err != nil {
				return StagingInput[model.Port]{}, fmt.Errorf("port %s: %w", code, err)
			}

			return StagingInput[model.Port]{
				BusinessKey: code,
				CodeSystem:  model.CodeSystemUNLOCODE,
				Data: model.Port{
					Name:        strings.TrimSpace(r.Name),
					Locode:      code,
					CountryCode: code[:2],
					Subdivision: r.Subdivision,
					Functions:   parseFunctions(r.Function),
					Latitude:    lat,
					Longitude:   lon,
				},
			}, nil
		},
		merge: func(current, staged model.Port) model.Port {
			if staged.Latitude == nil && staged.Longitude == nil {
				staged.Latitude, staged.Longitude = current.Latitude, current.Longitude
			}
			staged.Subdivision = orElse(staged.Subdivision, current.Subdivision)
			return staged
		},
	}
}
