package normalizers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistry_ApplyChain(t *testing.T) {
	r := NewRegistry()

	tests := []struct {
		name  string
		value string
		chain []string
		want  string
	}{
		{"name", "  O'Brien-Smith Jr.", []string{"nname"}, "obrien smith"},
		{"email", " Jane.Doe@Example.COM ", []string{"nemail"}, "jane.doe@example.com"},
		{"phone with country code", "+1 (555) 010-9999", []string{"nphone"}, "5550109999"},
		{"ssn", "123-45-6789", []string{"nssn"}, "123456789"},
		{"bad ssn", "123-45", []string{"nssn"}, ""},
		{"zip plus four", "98101-1234", []string{"nzip"}, "98101"},
		{"address", "123 Main Street, Apt 4", []string{"naddress"}, "123 main st apt 4"},
		{"iso date", "1980-04-12", []string{"ndate"}, "1980-04-12"},
		{"us date", "04/12/1980", []string{"ndate"}, "1980-04-12"},
		{"bad date", "sometime", []string{"ndate"}, ""},
		{"chain", "  ABC  ", []string{"trim", "lowercase"}, "abc"},
		{"unknown skipped", "Abc", []string{"nope"}, "Abc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.ApplyChain(tt.value, tt.chain...))
		})
	}
}

func TestRegistry_Validate(t *testing.T) {
	r := NewRegistry()

	assert.NoError(t, r.Validate("nname", "lowercase"))
	assert.ErrorContains(t, r.Validate("nname", "bogus"), "bogus")

	r.Register("bogus", Trim)
	assert.NoError(t, r.Validate("bogus"))
}
