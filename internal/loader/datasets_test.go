package loader_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnst/bitemporal-refdata/internal/loader"
	"github.com/jnst/bitemporal-refdata/internal/model"
	"github.com/jnst/bitemporal-refdata/internal/validation"
)

func ptr[T any](v T) *T { return &v }

func TestCountryValidation(t *testing.T) {
	def := loader.NewCountries(loader.StaticSource[loader.CountryRow]{})

	tests := []struct {
		name   string
		row    loader.CountryRow
		status model.ValidationStatus
	}{
		{name: "valid", row: us, status: model.ValidationStatusValid},
		{name: "lower case alpha2", row: loader.CountryRow{Alpha2: "us", Alpha3: "USA", Name: "United States"}, status: model.ValidationStatusInvalid},
		{name: "missing name", row: loader.CountryRow{Alpha2: "US", Alpha3: "USA"}, status: model.ValidationStatusInvalid},
		{name: "bad numeric", row: loader.CountryRow{Alpha2: "US", Alpha3: "USA", Numeric: "84", Name: "United States"}, status: model.ValidationStatusInvalid},
		{name: "unknown code system", row: loader.CountryRow{CodeSystem: "FIPS", Alpha2: "US", Alpha3: "USA", Name: "United States"}, status: model.ValidationStatusInvalid},
		{name: "GENC", row: loader.CountryRow{CodeSystem: model.CodeSystemGENC, Alpha2: "US", Alpha3: "USA", Name: "United States"}, status: model.ValidationStatusValid},
		{name: "user assigned", row: loader.CountryRow{Alpha2: "XK", Alpha3: "XKX", Name: "Kosovo"}, status: model.ValidationStatusWarning},
		{name: "missing alpha3", row: loader.CountryRow{Alpha2: "FR", Name: "France"}, status: model.ValidationStatusWarning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := def.Validator().Validate([]loader.CountryRow{tt.row})
			assert.Equal(t, tt.status, res.StatusOf(0), "%v", res.Errors())
		})
	}
}

func TestCountryToStagingDefaultsCodeSystem(t *testing.T) {
	def := loader.NewCountries(loader.StaticSource[loader.CountryRow]{})

	in, err := def.ToStaging(loader.CountryRow{Alpha2: "US", Name: "  United States "})
	require.NoError(t, err)

	assert.Equal(t, "US", in.BusinessKey)
	assert.Equal(t, model.CodeSystemISO3166Alpha2, in.CodeSystem)
	assert.Equal(t, "United States", in.Data.Name)
}

func TestCountryHasChangedIgnoresOmittedFields(t *testing.T) {
	def := loader.NewCountries(loader.StaticSource[loader.CountryRow]{})

	current := model.Country{Name: "France", OfficialName: "French Republic", Alpha2: "FR", Region: "Europe"}

	assert.False(t, def.HasChanged(model.Country{Name: "France", Alpha2: "FR"}, current))
	assert.True(t, def.HasChanged(model.Country{Name: "France", Alpha2: "FR", Alpha3: "FRA"}, current))

	merged := def.Merge(current, model.Country{Name: "France", Alpha2: "FR", Alpha3: "FRA"})
	assert.Equal(t, "French Republic", merged.OfficialName)
	assert.Equal(t, "Europe", merged.Region)
	assert.Equal(t, "FRA", merged.Alpha3)
}

func TestPortToStaging(t *testing.T) {
	def := loader.NewPorts(loader.StaticSource[loader.PortRow]{})

	in, err := def.ToStaging(loader.PortRow{
		Locode:      "NL RTM",
		Name:        "Rotterdam",
		Subdivision: "ZH",
		Function:    "12345---",
		Coordinates: "5155N 00430E",
	})
	require.NoError(t, err)

	assert.Equal(t, "NLRTM", in.BusinessKey)
	assert.Equal(t, model.CodeSystemUNLOCODE, in.CodeSystem)
	assert.Equal(t, "NL", in.Data.CountryCode)
	assert.Equal(t, []string{"PORT", "RAIL_TERMINAL", "ROAD_TERMINAL", "AIRPORT", "POSTAL_EXCHANGE"}, in.Data.Functions)
	require.NotNil(t, in.Data.Latitude)
	require.NotNil(t, in.Data.Longitude)
	assert.InDelta(t, 51.9167, *in.Data.Latitude, 1e-3)
	assert.InDelta(t, 4.5, *in.Data.Longitude, 1e-9)
}

func TestPortSouthWestCoordinates(t *testing.T) {
	def := loader.NewPorts(loader.StaticSource[loader.PortRow]{})

	in, err := def.ToStaging(loader.PortRow{Locode: "BRSSZ", Name: "Santos", Function: "1-------", Coordinates: "2356S 04619W"})
	require.NoError(t, err)

	assert.InDelta(t, -23.9333, *in.Data.Latitude, 1e-3)
	assert.InDelta(t, -46.3167, *in.Data.Longitude, 1e-3)
}

func TestPortValidation(t *testing.T) {
	def := loader.NewPorts(loader.StaticSource[loader.PortRow]{})

	rows := []loader.PortRow{
		{Locode: "NLRTM", Name: "Rotterdam", Function: "1-------", Coordinates: "5155N 00430E"},
		{Locode: "DEBER", Name: "Berlin", Function: "--3-----", Coordinates: "5231N 01323E"},
		{Locode: "GBLON", Name: "London", Function: "1-------", Coordinates: "5130N 00007X"},
		{Locode: "SGSIN", Name: "Singapore", Function: "1-------"},
		{Locode: "NL RTM", Name: "Rotterdam again", Function: "1-------"},
		{Locode: "NLR", Name: "Short", Function: "1-------"},
		{Locode: "USNYC", Name: "New York", Function: "1-------", Coordinates: "4042N 07475W"},
	}

	res := def.Validator().Validate(rows)

	assert.Equal(t, model.ValidationStatusValid, res.StatusOf(0))
	assert.Equal(t, model.ValidationStatusInvalid, res.StatusOf(1), "no port function")
	assert.Equal(t, model.ValidationStatusInvalid, res.StatusOf(2), "bad hemisphere")
	assert.Equal(t, model.ValidationStatusWarning, res.StatusOf(3), "no coordinates")
	assert.Equal(t, model.ValidationStatusInvalid, res.StatusOf(4), "duplicate of NLRTM")
	assert.Equal(t, model.ValidationStatusInvalid, res.StatusOf(5), "malformed locode")
	assert.Equal(t, model.ValidationStatusInvalid, res.StatusOf(6), "minutes out of range")

	var duplicates int
	for _, fe := range res.Errors() {
		if fe.Rule == validation.RuleDuplicateKey {
			duplicates++
		}
	}
	assert.Equal(t, 1, duplicates)
}

func TestAirportIdentity(t *testing.T) {
	def := loader.NewAirports(loader.StaticSource[loader.AirportRow]{})

	withIATA, err := def.ToStaging(loader.AirportRow{IATA: "AMS", ICAO: "EHAM", Name: "Schiphol", CountryCode: "NL"})
	require.NoError(t, err)
	assert.Equal(t, model.CodeSystemIATA, withIATA.CodeSystem)
	assert.Equal(t, "AMS", withIATA.BusinessKey)

	icaoOnly, err := def.ToStaging(loader.AirportRow{ICAO: "EHLE", Name: "Lelystad", CountryCode: "NL"})
	require.NoError(t, err)
	assert.Equal(t, model.CodeSystemICAO, icaoOnly.CodeSystem)
	assert.Equal(t, "EHLE", icaoOnly.BusinessKey)
}

func TestAirportValidation(t *testing.T) {
	def := loader.NewAirports(loader.StaticSource[loader.AirportRow]{})

	rows := []loader.AirportRow{
		{IATA: "AMS", ICAO: "EHAM", Name: "Schiphol", CountryCode: "NL", Latitude: ptr(52.31), Longitude: ptr(4.76)},
		{Name: "Nowhere", CountryCode: "NL"},
		{IATA: "LHR", Name: "Heathrow", CountryCode: "GB", Latitude: ptr(95.0), Longitude: ptr(0.0)},
		{IATA: "CDG", Name: "Charles de Gaulle", CountryCode: "FR", Latitude: ptr(49.0)},
		{IATA: "JFK", Name: "John F. Kennedy", CountryCode: "US"},
	}

	res := def.Validator().Validate(rows)

	assert.Equal(t, model.ValidationStatusValid, res.StatusOf(0))
	assert.Equal(t, model.ValidationStatusInvalid, res.StatusOf(1), "no code")
	assert.Equal(t, model.ValidationStatusInvalid, res.StatusOf(2), "latitude out of range")
	assert.Equal(t, model.ValidationStatusInvalid, res.StatusOf(3), "half a coordinate")
	assert.Equal(t, model.ValidationStatusWarning, res.StatusOf(4), "no coordinates")
}

func TestAirportMergeKeepsElevation(t *testing.T) {
	def := loader.NewAirports(loader.StaticSource[loader.AirportRow]{})

	current := model.Airport{Name: "Schiphol", IATACode: "AMS", ICAOCode: "EHAM", CountryCode: "NL", ElevationFt: ptr(-11)}
	staged := model.Airport{Name: "Amsterdam Schiphol", IATACode: "AMS", CountryCode: "NL"}

	merged := def.Merge(current, staged)
	assert.Equal(t, "Amsterdam Schiphol", merged.Name)
	assert.Equal(t, "EHAM", merged.ICAOCode)
	require.NotNil(t, merged.ElevationFt)
	assert.Equal(t, -11, *merged.ElevationFt)
}

func TestCodeMappings(t *testing.T) {
	def := loader.NewCodeMappings(loader.StaticSource[model.CodeMapping]{})
	assert.Equal(t, model.EntityTypeCodeMapping, def.EntityType())

	rows := []model.CodeMapping{
		{SourceSystem: "ISO3166-1-ALPHA2", SourceCode: "US", TargetSystem: "GENC", TargetCode: "US", MappingType: model.MappingTypeExact},
		{SourceSystem: "GENC", SourceCode: "US", TargetSystem: "GENC", TargetCode: "US", MappingType: model.MappingTypeExact},
		{SourceSystem: "ISO3166-1-ALPHA2", SourceCode: "AN", TargetSystem: "GENC", TargetCode: "AN", MappingType: model.MappingTypeDeprecated},
		{SourceSystem: "ISO3166-1-ALPHA2", SourceCode: "FR", TargetSystem: "GENC", TargetCode: "FR", MappingType: "SAME"},
	}

	res := def.Validator().Validate(rows)

	assert.Equal(t, model.ValidationStatusValid, res.StatusOf(0))
	assert.Equal(t, model.ValidationStatusInvalid, res.StatusOf(1), "same system")
	assert.Equal(t, model.ValidationStatusWarning, res.StatusOf(2), "deprecated without note")
	assert.Equal(t, model.ValidationStatusInvalid, res.StatusOf(3), "unknown mapping type")

	in, err := def.ToStaging(rows[0])
	require.NoError(t, err)
	assert.Equal(t, "US->GENC", in.BusinessKey)
	assert.Equal(t, "ISO3166-1-ALPHA2", in.CodeSystem)
	assert.Equal(t, rows[0], in.Data)
}

func TestIdentityOfUnstageableRows(t *testing.T) {
	port := loader.NewPorts(loader.StaticSource[loader.PortRow]{})
	_, err := port.ToStaging(loader.PortRow{Locode: "NL RTM", Name: "Rotterdam", Coordinates: "garbage"})
	require.Error(t, err)

	system, code := port.Identity(loader.PortRow{Locode: "NL RTM", Coordinates: "garbage"})
	assert.Equal(t, model.CodeSystemUNLOCODE, system)
	assert.Equal(t, "NLRTM", code)

	system, code = loader.NewCountries(loader.StaticSource[loader.CountryRow]{}).
		Identity(loader.CountryRow{Alpha2: "US", Numeric: "84"})
	assert.Equal(t, model.CodeSystemISO3166Alpha2, system)
	assert.Equal(t, "US", code)

	system, code = loader.NewAirports(loader.StaticSource[loader.AirportRow]{}).Identity(loader.AirportRow{ICAO: "EHLE"})
	assert.Equal(t, model.CodeSystemICAO, system)
	assert.Equal(t, "EHLE", code)

	system, code = loader.NewCodeMappings(loader.StaticSource[model.CodeMapping]{}).
		Identity(model.CodeMapping{SourceSystem: "IATA", SourceCode: "AMS", TargetSystem: "ICAO"})
	assert.Equal(t, "IATA", system)
	assert.Equal(t, "AMS->ICAO", code)
}
