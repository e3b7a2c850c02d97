// Package blocking narrows the candidate set for an entity to records that
// share at least one cheap block key with it.
package blocking

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Ramsey-B/clover/pkg/matching"
	"github.com/Ramsey-B/clover/pkg/normalizers"
)

// Encoding transforms a normalized value into its block key component.
type Encoding string

const (
	EncodingRaw       Encoding = "raw"
	EncodingSoundex   Encoding = "soundex"
	EncodingMetaphone Encoding = "metaphone"
	EncodingPrefix    Encoding = "prefix"
	EncodingYear      Encoding = "year"
)

// Part is one component of a block key.
type Part struct {
	Property    string   `yaml:"property"`
	Normalizers []string `yaml:"normalizers"`
	Encoding    Encoding `yaml:"encoding"`
	// PrefixLength applies to the prefix encoding
	PrefixLength int `yaml:"prefix_length"`
}

// Rule produces one block key per combination of its parts' values.
type Rule struct {
	Name  string `yaml:"name"`
	Parts []Part `yaml:"parts"`
}

// Spec is the set of rules. Two entities are candidates when any rule yields
// the same key for both.
type Spec struct {
	Rules []Rule `yaml:"rules"`
}

// Validate checks rule names, encodings and normalizers.
func (s Spec) Validate(registry *normalizers.Registry) error {
	if len(s.Rules) == 0 {
		return fmt.Errorf("blocking spec has no rules")
	}
	seen := make(map[string]bool, len(s.Rules))
	for _, r := range s.Rules {
		if r.Name == "" {
			return fmt.Errorf("blocking rule name is required")
		}
		if seen[r.Name] {
			return fmt.Errorf("duplicate blocking rule %q", r.Name)
		}
		seen[r.Name] = true
		if len(r.Parts) == 0 {
			return fmt.Errorf("blocking rule %q has no parts", r.Name)
		}
		for _, p := range r.Parts {
			if p.Property == "" {
				return fmt.Errorf("blocking rule %q has a part without a property", r.Name)
			}
			switch p.Encoding {
			case EncodingRaw, EncodingSoundex, EncodingMetaphone, EncodingYear:
			case EncodingPrefix:
				if p.PrefixLength <= 0 {
					return fmt.Errorf("blocking rule %q prefix part needs a positive prefix_length", r.Name)
				}
			default:
				return fmt.Errorf("blocking rule %q has unknown encoding %q", r.Name, p.Encoding)
			}
			if err := registry.Validate(p.Normalizers...); err != nil {
				return fmt.Errorf("blocking rule %q: %w", r.Name, err)
			}
		}
	}
	return nil
}

// LoadSpec reads a YAML blocking spec.
func LoadSpec(path string) (Spec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Spec{}, fmt.Errorf("failed to read blocking spec: %w", err)
	}
	var spec Spec
	if err := yaml.Unmarshal(raw, &spec); err != nil {
		return Spec{}, fmt.Errorf("failed to parse blocking spec: %w", err)
	}
	return spec, nil
}

// DefaultPersonSpec blocks people on last name sound plus first initial,
// birth date, email and ssn.
func DefaultPersonSpec() Spec {
	return Spec{Rules: []Rule{
		{Name: "name", Parts: []Part{
			{Property: matching.PropertyLastName, Normalizers: []string{"nname"}, Encoding: EncodingSoundex},
			{Property: matching.PropertyFirstName, Normalizers: []string{"nname"}, Encoding: EncodingPrefix, PrefixLength: 1},
		}},
		{Name: "dob", Parts: []Part{
			{Property: matching.PropertyBirthDate, Normalizers: []string{"ndate"}, Encoding: EncodingRaw},
		}},
		{Name: "email", Parts: []Part{
			{Property: matching.PropertyEmail, Normalizers: []string{"nemail"}, Encoding: EncodingRaw},
		}},
		{Name: "ssn", Parts: []Part{
			{Property: matching.PropertySSN, Normalizers: []string{"nssn"}, Encoding: EncodingRaw},
		}},
	}}
}
