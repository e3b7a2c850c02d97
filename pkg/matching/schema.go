package matching

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Ramsey-B/clover/pkg/normalizers"
)

// ComparisonType names a similarity function.
type ComparisonType string

const (
	ComparisonExact            ComparisonType = "exact"
	ComparisonJaroWinkler      ComparisonType = "jaro_winkler"
	ComparisonLevenshtein      ComparisonType = "levenshtein"
	ComparisonSoundex          ComparisonType = "soundex"
	ComparisonMetaphone        ComparisonType = "metaphone"
	ComparisonDateProximity    ComparisonType = "date_proximity"
	ComparisonNumericProximity ComparisonType = "numeric_proximity"
)

func (c ComparisonType) valid() bool {
	switch c {
	case ComparisonExact, ComparisonJaroWinkler, ComparisonLevenshtein, ComparisonSoundex,
		ComparisonMetaphone, ComparisonDateProximity, ComparisonNumericProximity:
		return true
	}
	return false
}

// FeatureSpec describes how one feature is computed from one property.
type FeatureSpec struct {
	// Name of the feature in diagnostics output
	Name string `yaml:"name"`
	// Property is the property type the values are read from
	Property   string         `yaml:"property"`
	Comparison ComparisonType `yaml:"comparison"`
	// Normalizers are applied in order before comparing
	Normalizers []string `yaml:"normalizers"`
	// Param is the max day or numeric distance for proximity comparisons
	Param float64 `yaml:"param"`
}

// FeatureSchema is the ordered list of features. Its order fixes the feature vector layout.
type FeatureSchema struct {
	Features []FeatureSpec `yaml:"features"`
}

// Names returns the feature names in vector order.
func (s FeatureSchema) Names() []string {
	names := make([]string, len(s.Features))
	for i, f := range s.Features {
		names[i] = f.Name
	}
	return names
}

// Properties returns the distinct properties the schema reads.
func (s FeatureSchema) Properties() []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, len(s.Features))
	for _, f := range s.Features {
		if _, ok := seen[f.Property]; ok {
			continue
		}
		seen[f.Property] = struct{}{}
		out = append(out, f.Property)
	}
	return out
}

// Validate checks names are unique and comparisons and normalizers exist.
func (s FeatureSchema) Validate(registry *normalizers.Registry) error {
	if len(s.Features) == 0 {
		return fmt.Errorf("feature schema has no features")
	}
	names := make(map[string]struct{}, len(s.Features))
	for i, f := range s.Features {
		if f.Name == "" || f.Property == "" {
			return fmt.Errorf("feature %d requires a name and a property", i)
		}
		if _, dup := names[f.Name]; dup {
			return fmt.Errorf("duplicate feature name %q", f.Name)
		}
		names[f.Name] = struct{}{}
		if !f.Comparison.valid() {
			return fmt.Errorf("feature %q has unknown comparison %q", f.Name, f.Comparison)
		}
		if err := registry.Validate(f.Normalizers...); err != nil {
			return fmt.Errorf("feature %q: %w", f.Name, err)
		}
	}
	return nil
}

// LoadFeatureSchema reads a YAML schema file.
func LoadFeatureSchema(path string) (FeatureSchema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return FeatureSchema{}, fmt.Errorf("failed to read feature schema: %w", err)
	}
	var schema FeatureSchema
	if err := yaml.Unmarshal(data, &schema); err != nil {
		return FeatureSchema{}, fmt.Errorf("failed to parse feature schema: %w", err)
	}
	return schema, nil
}

// Person property type names used by DefaultPersonSchema.
const (
	PropertyFirstName = "nc.PersonGivenName"
	PropertyLastName  = "nc.PersonSurName"
	PropertyBirthDate = "nc.PersonBirthDate"
	PropertySSN       = "nc.SSN"
	PropertyEmail     = "staff.email"
	PropertyPhone     = "contact.phonenumber"
	PropertySex       = "nc.PersonSex"
)

// DefaultPersonSchema is the feature schema for person entity sets.
func DefaultPersonSchema() FeatureSchema {
	return FeatureSchema{Features: []FeatureSpec{
		{Name: "first_name_jw", Property: PropertyFirstName, Comparison: ComparisonJaroWinkler, Normalizers: []string{"nname"}},
		{Name: "first_name_metaphone", Property: PropertyFirstName, Comparison: ComparisonMetaphone, Normalizers: []string{"nname"}},
		{Name: "last_name_jw", Property: PropertyLastName, Comparison: ComparisonJaroWinkler, Normalizers: []string{"nname"}},
		{Name: "last_name_soundex", Property: PropertyLastName, Comparison: ComparisonSoundex, Normalizers: []string{"nname"}},
		{Name: "dob_proximity", Property: PropertyBirthDate, Comparison: ComparisonDateProximity, Normalizers: []string{"ndate"}, Param: 30},
		{Name: "ssn_exact", Property: PropertySSN, Comparison: ComparisonExact, Normalizers: []string{"nssn"}},
		{Name: "ssn_levenshtein", Property: PropertySSN, Comparison: ComparisonLevenshtein, Normalizers: []string{"nssn"}},
		{Name: "email_exact", Property: PropertyEmail, Comparison: ComparisonExact, Normalizers: []string{"nemail"}},
		{Name: "phone_exact", Property: PropertyPhone, Comparison: ComparisonExact, Normalizers: []string{"nphone"}},
		{Name: "sex_exact", Property: PropertySex, Comparison: ComparisonExact, Normalizers: []string{"trim", "lowercase"}},
	}}
}
