package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProperties_OrderIndependent(t *testing.T) {
	a := map[string][]any{
		"nc.PersonGivenName": {"Jane", "J"},
		"nc.PersonSurName":   {"Doe"},
		"address":            {map[string]any{"zip": "98101", "city": "Seattle"}},
	}
	b := map[string][]any{
		"nc.PersonSurName":   {"Doe"},
		"address":            {map[string]any{"city": "Seattle", "zip": "98101"}},
		"nc.PersonGivenName": {"J", "Jane"},
	}

	assert.Equal(t, Properties(a), Properties(b))
}

func TestProperties_DetectsChanges(t *testing.T) {
	a := map[string][]any{"nc.PersonSurName": {"Doe"}}
	b := map[string][]any{"nc.PersonSurName": {"Dough"}}

	assert.NotEqual(t, Properties(a), Properties(b))
	assert.Len(t, Properties(a), 64)
}

func TestFeatures(t *testing.T) {
	assert.Equal(t, Features([]float64{1, 0.5, -1}), Features([]float64{1, 0.5, -1}))
	assert.NotEqual(t, Features([]float64{1, 0.5}), Features([]float64{0.5, 1}))
}
