package matching

import (
	"context"
	"errors"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/normalizers"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func newTestMatcher(oracle Oracle) *Matcher {
	if oracle == nil {
		oracle = DefaultPersonModel()
	}
	return NewMatcher(DefaultPersonSchema(), normalizers.NewRegistry(), oracle, testLogger())
}

func person(first, last, dob, ssn string) models.Entity {
	props := map[string][]any{}
	if first != "" {
		props[PropertyFirstName] = []any{first}
	}
	if last != "" {
		props[PropertyLastName] = []any{last}
	}
	if dob != "" {
		props[PropertyBirthDate] = []any{dob}
	}
	if ssn != "" {
		props[PropertySSN] = []any{ssn}
	}
	return models.Entity{
		Key:        models.NewEntityDataKey(uuid.New(), uuid.New()),
		Properties: props,
		Version:    1,
	}
}

func TestMatcher_ExtractProperties(t *testing.T) {
	m := newTestMatcher(nil)
	e := person("  JANE ", "Doe-Smith", "04/12/1980", "123-45-6789")
	e.Properties[PropertyFirstName] = append(e.Properties[PropertyFirstName], "jane", "", nil)

	props := m.ExtractProperties(e)

	assert.Equal(t, []string{"jane"}, props["first_name_jw"])
	assert.Equal(t, []string{"doe smith"}, props["last_name_jw"])
	assert.Equal(t, []string{"1980-04-12"}, props["dob_proximity"])
	assert.Equal(t, []string{"123456789"}, props["ssn_exact"])
	assert.NotContains(t, props, "email_exact")
}

func TestMatcher_ExtractProperties_Empty(t *testing.T) {
	m := newTestMatcher(nil)
	e := models.Entity{Properties: map[string][]any{"unrelated": {"x"}, PropertySSN: {"bad"}}}

	assert.Empty(t, m.ExtractProperties(e))
}

func TestMatcher_ExtractFeatures_MissingSentinel(t *testing.T) {
	m := newTestMatcher(nil)
	a := m.ExtractProperties(person("Jane", "Doe", "", ""))
	b := m.ExtractProperties(person("Jane", "Doe", "1980-04-12", ""))

	features := m.ExtractFeatures(a, b)
	names := m.Schema().Names()
	require.Len(t, features, len(names))

	byName := make(map[string]float64)
	for i, n := range names {
		byName[n] = features[i]
	}
	assert.Equal(t, 1.0, byName["first_name_jw"])
	assert.Equal(t, 1.0, byName["last_name_soundex"])
	assert.Equal(t, MissingFeature, byName["dob_proximity"])
	assert.Equal(t, MissingFeature, byName["ssn_exact"])
}

func TestMatcher_ExtractFeatures_BestOfValues(t *testing.T) {
	m := newTestMatcher(nil)
	a := person("Jon", "Smith", "", "")
	a.Properties[PropertyFirstName] = []any{"Jon", "Jonathan"}
	b := person("Jonathan", "Smith", "", "")

	f := m.FeatureMap(a, b)

	assert.Equal(t, 1.0, f["first_name_jw"])
}

func TestMatcher_ExtractFeatures_Deterministic(t *testing.T) {
	m := newTestMatcher(nil)
	a := person("Katherine", "Jones", "1975-01-01", "111-22-3333")
	b := person("Catherine", "Jones", "1975-01-03", "111-22-3334")

	assert.Equal(t, m.FeatureMap(a, b), m.FeatureMap(b, a))
}

func TestMatcher_Match(t *testing.T) {
	m := newTestMatcher(nil)
	jane1 := person("Jane", "Doe", "1980-04-12", "123-45-6789")
	jane2 := person("Jane", "Doe", "04/12/1980", "123456789")
	bob := person("Robert", "Kowalski", "1962-11-30", "987-65-4321")

	cluster, err := m.Match(context.Background(), Block{
		Key: jane1.Key,
		Entities: map[models.EntityDataKey]models.Entity{
			jane1.Key: jane1,
			jane2.Key: jane2,
			bob.Key:   bob,
		},
	})
	require.NoError(t, err)

	assert.Len(t, cluster.Edges(), 3)
	for _, e := range cluster.Edges() {
		assert.False(t, e.Pair.IsSelfPair())
	}

	same, ok := cluster.Score(jane1.Key, jane2.Key)
	require.True(t, ok)
	assert.Greater(t, same, 0.95)

	diff, ok := cluster.Score(jane1.Key, bob.Key)
	require.True(t, ok)
	assert.Less(t, diff, 0.1)
}

func TestMatcher_Match_NoPropertiesScoresMin(t *testing.T) {
	called := 0
	oracle := OracleFunc(func(_ context.Context, features [][]float64) ([]float64, error) {
		called++
		return make([]float64, len(features)), nil
	})
	m := newTestMatcher(oracle)

	jane := person("Jane", "Doe", "", "")
	empty := models.Entity{Key: models.NewEntityDataKey(uuid.New(), uuid.New()), Properties: map[string][]any{}}

	cluster, err := m.Match(context.Background(), Block{
		Key:      jane.Key,
		Entities: map[models.EntityDataKey]models.Entity{jane.Key: jane, empty.Key: empty},
	})
	require.NoError(t, err)

	s, ok := cluster.Score(jane.Key, empty.Key)
	require.True(t, ok)
	assert.Equal(t, models.MinScore, s)
	assert.Equal(t, 0, called)
}

func TestMatcher_Match_Singleton(t *testing.T) {
	m := newTestMatcher(nil)
	jane := person("Jane", "Doe", "", "")

	cluster, err := m.Match(context.Background(), Block{
		Key:      jane.Key,
		Entities: map[models.EntityDataKey]models.Entity{jane.Key: jane},
	})
	require.NoError(t, err)

	assert.Empty(t, cluster.Edges())
	assert.True(t, cluster.Members().Equal(models.NewKeySet(jane.Key)))
}

func TestMatcher_Match_Errors(t *testing.T) {
	t.Run("empty block", func(t *testing.T) {
		_, err := newTestMatcher(nil).Match(context.Background(), Block{})
		assert.Error(t, err)
	})

	t.Run("oracle failure", func(t *testing.T) {
		boom := errors.New("model down")
		m := newTestMatcher(OracleFunc(func(context.Context, [][]float64) ([]float64, error) { return nil, boom }))
		a, b := person("A", "B", "", ""), person("A", "B", "", "")

		_, err := m.Match(context.Background(), Block{
			Key:      a.Key,
			Entities: map[models.EntityDataKey]models.Entity{a.Key: a, b.Key: b},
		})
		assert.ErrorIs(t, err, boom)
	})

	t.Run("short oracle answer", func(t *testing.T) {
		m := newTestMatcher(OracleFunc(func(context.Context, [][]float64) ([]float64, error) { return []float64{}, nil }))
		a, b := person("A", "B", "", ""), person("A", "B", "", "")

		_, err := m.Match(context.Background(), Block{
			Key:      a.Key,
			Entities: map[models.EntityDataKey]models.Entity{a.Key: a, b.Key: b},
		})
		assert.ErrorContains(t, err, "returned 0 scores")
	})
}

func TestFeatureSchema_Validate(t *testing.T) {
	reg := normalizers.NewRegistry()

	assert.NoError(t, DefaultPersonSchema().Validate(reg))

	tests := []struct {
		name   string
		schema FeatureSchema
	}{
		{"empty", FeatureSchema{}},
		{"duplicate", FeatureSchema{Features: []FeatureSpec{
			{Name: "a", Property: "p", Comparison: ComparisonExact},
			{Name: "a", Property: "q", Comparison: ComparisonExact},
		}}},
		{"bad comparison", FeatureSchema{Features: []FeatureSpec{{Name: "a", Property: "p", Comparison: "cosine"}}}},
		{"bad normalizer", FeatureSchema{Features: []FeatureSpec{{Name: "a", Property: "p", Comparison: ComparisonExact, Normalizers: []string{"nope"}}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.schema.Validate(reg))
		})
	}
}
