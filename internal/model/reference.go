package model

// Coding authorities understood by the bundled loaders.
const (
	CodeSystemISO3166Alpha2 = "ISO3166-1-ALPHA2"
	CodeSystemISO3166Alpha3 = "ISO3166-1-ALPHA3"
	CodeSystemGENC          = "GENC"
	CodeSystemUNLOCODE      = "UN-LOCODE"
	CodeSystemIATA          = "IATA"
	CodeSystemICAO          = "ICAO"
)

// Country is the attribute set of a country or territory.
type Country struct {
	Name         string `json:"name"`
	OfficialName string `json:"official_name,omitempty"`
	Alpha2       string `json:"alpha2"`
	Alpha3       string `json:"alpha3,omitempty"`
	Numeric      string `json:"numeric,omitempty"`
	Region       string `json:"region,omitempty"`
	Subregion    string `json:"subregion,omitempty"`
}

// Port is the attribute set of a UN/LOCODE location with port function.
type Port struct {
	Name        string   `json:"name"`
	Locode      string   `json:"locode"`
	CountryCode string   `json:"country_code"`
	Subdivision string   `json:"subdivision,omitempty"`
	Functions   []string `json:"functions,omitempty"`
	Latitude    *float64 `json:"latitude,omitempty"`
	Longitude   *float64 `json:"longitude,omitempty"`
}

// Airport is the attribute set of an airport.
type Airport struct {
	Name        string   `json:"name"`
	IATACode    string   `json:"iata_code,omitempty"`
	ICAOCode    string   `json:"icao_code,omitempty"`
	CountryCode string   `json:"country_code"`
	City        string   `json:"city,omitempty"`
	Latitude    *float64 `json:"latitude,omitempty"`
	Longitude   *float64 `json:"longitude,omitempty"`
	ElevationFt *int     `json:"elevation_ft,omitempty"`
}

// CodeMapping links a code in one system to its counterpart in another.
type CodeMapping struct {
	SourceSystem string `json:"source_system"`
	SourceCode   string `json:"source_code"`
	TargetSystem string `json:"target_system"`
	TargetCode   string `json:"target_code"`
	MappingType  string `json:"mapping_type"`
	Notes        string `json:"notes,omitempty"`
}

// Mapping types for CodeMapping.
const (
	MappingTypeExact      = "EXACT"
	MappingTypeBroader    = "BROADER"
	MappingTypeNarrower   = "NARROWER"
	MappingTypeDeprecated = "DEPRECATED"
)

// MappingKey is the business key of a code mapping within its source system.
func MappingKey(m CodeMapping) string {
	return m.SourceCode + "->" + m.TargetSystem
}
