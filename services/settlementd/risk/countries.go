package risk

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// CountryClass is a jurisdiction's risk classification.
type CountryClass string

// Classifications.
const (
	CountryLow    CountryClass = "low"
	CountryMedium CountryClass = "medium"
	CountryHigh   CountryClass = "high"
)

//go:embed countries.toml
var defaultCountries []byte

// CountryTable maps ISO 3166 alpha-2 codes to classifications.
type CountryTable struct {
	Default   CountryClass `toml:"default"`
	Low       []string     `toml:"low"`
	Medium    []string     `toml:"medium"`
	High      []string     `toml:"high"`
	byCountry map[string]CountryClass
}

// DefaultCountryTable returns the bundled classification.
func DefaultCountryTable() *CountryTable {
	table, err := ParseCountryTable(defaultCountries)
	if err != nil {
		panic(fmt.Sprintf("risk: bundled country table: %v", err))
	}
	return table
}

// LoadCountryTable reads a classification from a TOML file.
func LoadCountryTable(path string) (*CountryTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("risk: read country table: %w", err)
	}
	return ParseCountryTable(data)
}

// ParseCountryTable decodes a TOML classification. A country listed in more
// than one class is rejected.
func ParseCountryTable(data []byte) (*CountryTable, error) {
	var table CountryTable
	if _, err := toml.Decode(string(data), &table); err != nil {
		return nil, fmt.Errorf("risk: decode country table: %w", err)
	}
	if table.Default == "" {
		table.Default = CountryMedium
	}
	if _, ok := classWeights[table.Default]; !ok {
		return nil, fmt.Errorf("risk: unknown default class %q", table.Default)
	}
	table.byCountry = make(map[string]CountryClass)
	for class, codes := range map[CountryClass][]string{
		CountryLow:    table.Low,
		CountryMedium: table.Medium,
		CountryHigh:   table.High,
	} {
		for _, code := range codes {
			code = strings.ToUpper(strings.TrimSpace(code))
			if len(code) != 2 {
				return nil, fmt.Errorf("risk: invalid country code %q", code)
			}
			if existing, dup := table.byCountry[code]; dup {
				return nil, fmt.Errorf("risk: country %s listed as %s and %s", code, existing, class)
			}
			table.byCountry[code] = class
		}
	}
	return &table, nil
}

// Classify returns the class for a country, falling back to the default.
func (t *CountryTable) Classify(country string) CountryClass {
	if t == nil {
		return CountryMedium
	}
	if class, ok := t.byCountry[strings.ToUpper(strings.TrimSpace(country))]; ok {
		return class
	}
	return t.Default
}
