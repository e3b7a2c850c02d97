package schema

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/pkg/linkerr"
	"github.com/Ramsey-B/clover/pkg/models"
)

func personSchema() models.EntityTypeSchema {
	return models.EntityTypeSchema{
		Properties: map[string]models.PropertyDefinition{
			"first_name": {Type: "string"},
			"last_name":  {Type: "string"},
			"email":      {Type: "string", Format: "email"},
			"birth_date": {Type: "string", Format: "date", MaxValues: 1},
			"phone":      {Type: "string", Format: "phone"},
			"age":        {Type: "integer"},
		},
		Required: []string{"first_name", "last_name"},
	}
}

func TestValidator_RequiredFields(t *testing.T) {
	validator := NewValidator(personSchema())

	t.Run("valid data with all required fields", func(t *testing.T) {
		result := validator.Validate(map[string][]any{
			"first_name": {"John"},
			"last_name":  {"Doe"},
		})
		assert.True(t, result.Valid)
		assert.Empty(t, result.Errors)
	})

	t.Run("missing required field", func(t *testing.T) {
		result := validator.Validate(map[string][]any{
			"first_name": {"John"},
		})
		assert.False(t, result.Valid)
		require.Len(t, result.Errors, 1)
		assert.Equal(t, "last_name", result.Errors[0].Field)
	})

	t.Run("blank values do not satisfy required", func(t *testing.T) {
		result := validator.Validate(map[string][]any{
			"first_name": {"John"},
			"last_name":  {"  ", nil},
		})
		assert.False(t, result.Valid)
	})

	t.Run("unknown properties are allowed", func(t *testing.T) {
		result := validator.Validate(map[string][]any{
			"first_name": {"John"},
			"last_name":  {"Doe"},
			"nickname":   {"JD"},
		})
		assert.True(t, result.Valid)
	})
}

func TestValidator_Values(t *testing.T) {
	validator := NewValidator(personSchema())

	tests := []struct {
		name  string
		prop  string
		value []any
		valid bool
	}{
		{"email", "email", []any{"jane@example.com"}, true},
		{"bad email", "email", []any{"jane@"}, false},
		{"second value checked", "email", []any{"jane@example.com", "nope"}, false},
		{"iso date", "birth_date", []any{"1980-04-12"}, true},
		{"us date", "birth_date", []any{"04/12/1980"}, true},
		{"bad date", "birth_date", []any{"twelfth of april"}, false},
		{"too many values", "birth_date", []any{"1980-04-12", "1980-04-13"}, false},
		{"phone", "phone", []any{"(555) 123-4567"}, true},
		{"short phone", "phone", []any{"12345"}, false},
		{"letters in phone", "phone", []any{"555-CALL-NOW"}, false},
		{"integer", "age", []any{float64(44)}, true},
		{"fractional integer", "age", []any{44.5}, false},
		{"wrong type", "first_name", []any{float64(7)}, false},
		{"null value skipped", "email", []any{nil}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			props := map[string][]any{
				"first_name": {"Jane"},
				"last_name":  {"Doe"},
			}
			props[tt.prop] = tt.value
			result := validator.Validate(props)
			assert.Equal(t, tt.valid, result.Valid, "%v", result.Errors)
		})
	}
}

func TestRegistry_ValidateEntities(t *testing.T) {
	registry := NewRegistry(map[string]models.EntityTypeSchema{"person": personSchema()})
	good := uuid.New()
	bad := uuid.New()

	err := registry.ValidateEntities("person", map[uuid.UUID]map[string][]any{
		good: {"first_name": {"Jane"}, "last_name": {"Doe"}},
	})
	require.NoError(t, err)

	err = registry.ValidateEntities("person", map[uuid.UUID]map[string][]any{
		good: {"first_name": {"Jane"}, "last_name": {"Doe"}},
		bad:  {"first_name": {"Jane"}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, linkerr.ErrValidation)
	assert.Contains(t, err.Error(), "1 of 2 person entities")
	assert.Contains(t, err.Error(), bad.String())

	err = registry.ValidateEntities("vehicle", map[uuid.UUID]map[string][]any{bad: {}})
	assert.NoError(t, err, "types without a schema are accepted")
}

func TestLoadRegistry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schemas.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
person:
  required: [last_name]
  properties:
    last_name:
      type: string
    email:
      type: string
      format: email
`), 0o600))

	registry, err := LoadRegistry(path)
	require.NoError(t, err)

	err = registry.ValidateEntities("person", map[uuid.UUID]map[string][]any{
		uuid.New(): {"email": {"not-an-email"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "last_name")

	_, err = LoadRegistry(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
