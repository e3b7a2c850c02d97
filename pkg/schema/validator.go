// Package schema checks raw entity properties against the schema of their
// entity type before they are written.
package schema

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/Ramsey-B/clover/pkg/linkerr"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/normalizers"
)

// maxReported bounds the errors quoted in a rejected batch.
const maxReported = 5

var formats = validator.New()

// ValidationError represents a single validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	return e.Field + ": " + e.Message
}

// ValidationResult represents the result of validating entity data
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// Validator validates the properties of one entity type.
type Validator struct {
	schema models.EntityTypeSchema
}

func NewValidator(schema models.EntityTypeSchema) *Validator {
	return &Validator{schema: schema}
}

// Validate checks required properties and every value of every known
// property. Unknown properties are allowed.
func (v *Validator) Validate(properties map[string][]any) ValidationResult {
	result := ValidationResult{Valid: true, Errors: []ValidationError{}}

	for _, required := range v.schema.Required {
		if !hasValue(properties[required]) {
			result.Errors = append(result.Errors, ValidationError{
				Field:   required,
				Message: "required property is missing",
			})
		}
	}

	names := make([]string, 0, len(v.schema.Properties))
	for name := range v.schema.Properties {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		def := v.schema.Properties[name]
		values, ok := properties[name]
		if !ok {
			continue
		}
		if def.MaxValues > 0 && len(values) > def.MaxValues {
			result.Errors = append(result.Errors, ValidationError{
				Field:   name,
				Message: fmt.Sprintf("at most %d values allowed, got %d", def.MaxValues, len(values)),
			})
		}
		for i, value := range values {
			if value == nil {
				continue
			}
			if msg := validateValue(value, def); msg != "" {
				result.Errors = append(result.Errors, ValidationError{
					Field:   fmt.Sprintf("%s[%d]", name, i),
					Message: msg,
				})
			}
		}
	}

	result.Valid = len(result.Errors) == 0
	return result
}

func hasValue(values []any) bool {
	for _, v := range values {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
			continue
		}
		return true
	}
	return false
}

func validateValue(value any, def models.PropertyDefinition) string {
	if !isValidType(value, def.Type) {
		return fmt.Sprintf("expected type %s, got %s", def.Type, typeName(value))
	}
	if def.Format == "" {
		return ""
	}
	str, ok := value.(string)
	if !ok {
		return "" // formats only apply to strings
	}
	if err := validateFormat(str, def.Format); err != nil {
		return err.Error()
	}
	return ""
}

// isValidType checks a decoded JSON value against a schema type. Unknown
// types pass.
func isValidType(value any, expectedType string) bool {
	switch expectedType {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		switch value.(type) {
		case float64, float32, int, int64, int32:
			return true
		}
		return false
	case "integer":
		switch v := value.(type) {
		case float64:
			return v == float64(int64(v))
		case int, int64, int32:
			return true
		}
		return false
	case "boolean":
		_, ok := value.(bool)
		return ok
	default:
		return true
	}
}

func typeName(value any) string {
	switch value.(type) {
	case string:
		return "string"
	case float64, float32, int, int64, int32:
		return "number"
	case bool:
		return "boolean"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	default:
		return fmt.Sprintf("%T", value)
	}
}

func validateFormat(s string, format string) error {
	switch format {
	case "email":
		if formats.Var(s, "email") != nil {
			return fmt.Errorf("invalid email format")
		}
	case "date":
		if _, ok := normalizers.ParseDate(s); !ok {
			return fmt.Errorf("unrecognised date format")
		}
	case "phone":
		digits := 0
		for _, r := range s {
			switch {
			case r >= '0' && r <= '9':
				digits++
			case strings.ContainsRune(" -+().", r):
			default:
				return fmt.Errorf("invalid phone format")
			}
		}
		if digits < 7 || digits > 15 {
			return fmt.Errorf("invalid phone format")
		}
	case "uri", "url":
		if formats.Var(s, "url") != nil {
			return fmt.Errorf("invalid URI format")
		}
	case "uuid":
		if _, err := uuid.Parse(s); err != nil {
			return fmt.Errorf("invalid UUID format")
		}
	}
	return nil
}

// Registry holds a validator per entity type.
type Registry struct {
	validators map[string]*Validator
}

func NewRegistry(schemas map[string]models.EntityTypeSchema) *Registry {
	r := &Registry{validators: make(map[string]*Validator, len(schemas))}
	for entityType, s := range schemas {
		r.validators[entityType] = NewValidator(s)
	}
	return r
}

// LoadRegistry reads a YAML file mapping entity type to schema.
func LoadRegistry(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read entity schemas: %w", err)
	}
	var schemas map[string]models.EntityTypeSchema
	if err := yaml.Unmarshal(raw, &schemas); err != nil {
		return nil, fmt.Errorf("failed to parse entity schemas: %w", err)
	}
	return NewRegistry(schemas), nil
}

// ValidateEntities checks a batch of one entity type. Types without a schema
// are accepted as is. A rejected batch returns a validation error quoting the
// first few problems.
func (r *Registry) ValidateEntities(entityType string, entities map[uuid.UUID]map[string][]any) error {
	v, ok := r.validators[entityType]
	if !ok {
		return nil
	}

	ids := make([]uuid.UUID, 0, len(entities))
	for id := range entities {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	problems := make([]string, 0)
	invalid := 0
	for _, id := range ids {
		result := v.Validate(entities[id])
		if result.Valid {
			continue
		}
		invalid++
		for _, e := range result.Errors {
			if len(problems) < maxReported {
				problems = append(problems, fmt.Sprintf("%s %s", id, e))
			}
		}
	}
	if invalid == 0 {
		return nil
	}
	return linkerr.Validation("%d of %d %s entities failed validation: %s",
		invalid, len(entities), entityType, strings.Join(problems, "; "))
}
