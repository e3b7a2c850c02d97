package blocking

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/pkg/matching"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/normalizers"
)

func newTestBlocker() *Blocker {
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	return NewBlocker(DefaultPersonSpec(), normalizers.NewRegistry(), NewMemoryIndex(), logger)
}

func entity(props map[string][]any) models.Entity {
	return models.Entity{
		Key:        models.NewEntityDataKey(uuid.New(), uuid.New()),
		Properties: props,
		Version:    1,
	}
}

func TestBlocker_Keys(t *testing.T) {
	b := newTestBlocker()

	tests := []struct {
		name  string
		props map[string][]any
		want  []string
	}{
		{
			name: "full person",
			props: map[string][]any{
				matching.PropertyFirstName: {"Jane"},
				matching.PropertyLastName:  {"Doe"},
				matching.PropertyBirthDate: {"04/12/1980"},
				matching.PropertyEmail:     {"Jane.Doe@Example.com"},
				matching.PropertySSN:       {"123-45-6789"},
			},
			want: []string{"dob:1980-04-12", "email:jane.doe@example.com", "name:D000:j", "ssn:123456789"},
		},
		{
			name: "name needs both parts",
			props: map[string][]any{
				matching.PropertyLastName: {"Doe"},
			},
			want: []string{},
		},
		{
			name: "multiple values expand",
			props: map[string][]any{
				matching.PropertyFirstName: {"Jon", "Jonathan"},
				matching.PropertyLastName:  {"Smith", "Smyth"},
			},
			want: []string{"name:S530:j"},
		},
		{
			name:  "nothing usable",
			props: map[string][]any{"unrelated": {"x"}},
			want:  []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, b.Keys(entity(tt.props)))
		})
	}
}

func TestBlocker_Encodings(t *testing.T) {
	b := newTestBlocker()

	assert.Equal(t, "1980", b.encode("1980-04-12", Part{Encoding: EncodingYear}))
	assert.Equal(t, "", b.encode("someday", Part{Encoding: EncodingYear}))
	assert.Equal(t, "jon", b.encode("jonathan", Part{Encoding: EncodingPrefix, PrefixLength: 3}))
	assert.Equal(t, "al", b.encode("al", Part{Encoding: EncodingPrefix, PrefixLength: 3}))
	assert.Equal(t, "FLP", b.encode("philip", Part{Encoding: EncodingMetaphone}))
	assert.Equal(t, "x", b.encode(" x ", Part{Encoding: EncodingRaw}))
}

func TestBlocker_Candidates(t *testing.T) {
	ctx := context.Background()
	b := newTestBlocker()

	jane := entity(map[string][]any{
		matching.PropertyFirstName: {"Jane"},
		matching.PropertyLastName:  {"Doe"},
		matching.PropertyBirthDate: {"1980-04-12"},
	})
	janet := entity(map[string][]any{
		matching.PropertyFirstName: {"Janet"},
		matching.PropertyLastName:  {"Doe"},
	})
	twin := entity(map[string][]any{
		matching.PropertyFirstName: {"Zed"},
		matching.PropertyLastName:  {"Zulu"},
		matching.PropertyBirthDate: {"04/12/1980"},
	})
	stranger := entity(map[string][]any{
		matching.PropertyFirstName: {"Robert"},
		matching.PropertyLastName:  {"Kowalski"},
		matching.PropertyBirthDate: {"1962-11-30"},
	})

	for _, e := range []models.Entity{jane, janet, twin, stranger} {
		require.NoError(t, b.Index(ctx, e))
	}

	got, err := b.Candidates(ctx, jane, 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []models.EntityDataKey{janet.Key, twin.Key}, got)

	limited, err := b.Candidates(ctx, jane, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
	assert.NotEqual(t, jane.Key, limited[0])

	t.Run("reindex drops stale keys", func(t *testing.T) {
		twin.Properties[matching.PropertyBirthDate] = []any{"1999-01-01"}
		require.NoError(t, b.Index(ctx, twin))

		got, err := b.Candidates(ctx, jane, 0)
		require.NoError(t, err)
		assert.Equal(t, []models.EntityDataKey{janet.Key}, got)
	})
}

func TestSpec_Validate(t *testing.T) {
	reg := normalizers.NewRegistry()
	require.NoError(t, DefaultPersonSpec().Validate(reg))

	tests := []struct {
		name string
		spec Spec
	}{
		{"empty", Spec{}},
		{"no name", Spec{Rules: []Rule{{Parts: []Part{{Property: "p", Encoding: EncodingRaw}}}}}},
		{"no parts", Spec{Rules: []Rule{{Name: "r"}}}},
		{"bad encoding", Spec{Rules: []Rule{{Name: "r", Parts: []Part{{Property: "p", Encoding: "rot13"}}}}}},
		{"prefix without length", Spec{Rules: []Rule{{Name: "r", Parts: []Part{{Property: "p", Encoding: EncodingPrefix}}}}}},
		{"bad normalizer", Spec{Rules: []Rule{{Name: "r", Parts: []Part{{Property: "p", Encoding: EncodingRaw, Normalizers: []string{"nope"}}}}}}},
		{"duplicate", Spec{Rules: []Rule{
			{Name: "r", Parts: []Part{{Property: "p", Encoding: EncodingRaw}}},
			{Name: "r", Parts: []Part{{Property: "q", Encoding: EncodingRaw}}},
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.spec.Validate(reg))
		})
	}
}

func TestLoadSpec(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocking.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rules:
  - name: zip
    parts:
      - property: location.zip
        normalizers: [nzip]
        encoding: prefix
        prefix_length: 3
`), 0o600))

	spec, err := LoadSpec(path)
	require.NoError(t, err)
	require.Len(t, spec.Rules, 1)
	assert.Equal(t, 3, spec.Rules[0].Parts[0].PrefixLength)
	assert.NoError(t, spec.Validate(normalizers.NewRegistry()))
}
