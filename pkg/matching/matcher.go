// Package matching extracts comparable features from entity pairs and scores them
// with a pluggable scoring oracle.
package matching

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/normalizers"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// MissingFeature is the feature value used when either side lacks the property.
const MissingFeature = -1.0

// CanonicalProperties holds normalized, sorted, deduplicated values per feature name.
// An empty map means the entity has nothing to compare.
type CanonicalProperties map[string][]string

// Block is a block key plus the entities to be matched against each other.
type Block struct {
	Key      models.EntityDataKey
	Entities map[models.EntityDataKey]models.Entity
}

// Matcher computes pairwise feature vectors and match scores.
type Matcher struct {
	schema      FeatureSchema
	normalizers *normalizers.Registry
	scorer      *Scorer
	oracle      Oracle
	logger      ectologger.Logger
}

// NewMatcher creates a matcher. The schema must already be validated against registry.
func NewMatcher(schema FeatureSchema, registry *normalizers.Registry, oracle Oracle, logger ectologger.Logger) *Matcher {
	return &Matcher{
		schema:      schema,
		normalizers: registry,
		scorer:      NewScorer(),
		oracle:      oracle,
		logger:      logger,
	}
}

// Schema returns the feature schema.
func (m *Matcher) Schema() FeatureSchema {
	return m.schema
}

// ExtractProperties converts raw property values into the canonical comparable form.
func (m *Matcher) ExtractProperties(entity models.Entity) CanonicalProperties {
	out := make(CanonicalProperties, len(m.schema.Features))
	for _, f := range m.schema.Features {
		raw, ok := entity.Properties[f.Property]
		if !ok || len(raw) == 0 {
			continue
		}

		seen := make(map[string]struct{}, len(raw))
		values := make([]string, 0, len(raw))
		for _, v := range raw {
			s, ok := Stringify(v)
			if !ok {
				continue
			}
			s = m.normalizers.ApplyChain(s, f.Normalizers...)
			if s == "" {
				continue
			}
			if _, dup := seen[s]; dup {
				continue
			}
			seen[s] = struct{}{}
			values = append(values, s)
		}
		if len(values) == 0 {
			continue
		}
		sort.Strings(values)
		out[f.Name] = values
	}
	return out
}

// ExtractFeatures returns one value per schema feature, in schema order. Each value is
// the best similarity across all value combinations, or MissingFeature.
// Callers pass src and dst in canonical pair order.
func (m *Matcher) ExtractFeatures(src, dst CanonicalProperties) []float64 {
	features := make([]float64, len(m.schema.Features))
	for i, f := range m.schema.Features {
		features[i] = m.compare(f, src[f.Name], dst[f.Name])
	}
	return features
}

func (m *Matcher) compare(f FeatureSpec, a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return MissingFeature
	}
	best := 0.0
	for _, va := range a {
		for _, vb := range b {
			if s := m.scorer.Compare(f.Comparison, va, vb, f.Param); s > best {
				best = s
			}
			if best == 1.0 {
				return best
			}
		}
	}
	return best
}

// FeatureMap returns the features of a pair keyed by feature name.
func (m *Matcher) FeatureMap(a, b models.Entity) map[string]float64 {
	src, dst := a, b
	if b.Key.Compare(a.Key) < 0 {
		src, dst = b, a
	}
	values := m.ExtractFeatures(m.ExtractProperties(src), m.ExtractProperties(dst))
	out := make(map[string]float64, len(values))
	for i, name := range m.schema.Names() {
		out[name] = values[i]
	}
	return out
}

// Match scores every unordered pair inside the block and returns them as a cluster.
// Pairs where either side has no extractable properties score MinScore without
// consulting the oracle.
func (m *Matcher) Match(ctx context.Context, block Block) (models.Cluster, error) {
	ctx, span := tracing.StartSpan(ctx, "matching.Matcher.Match")
	defer span.End()

	if len(block.Entities) == 0 {
		return nil, fmt.Errorf("block %s has no entities", block.Key)
	}

	keys := make([]models.EntityDataKey, 0, len(block.Entities))
	canonical := make(map[models.EntityDataKey]CanonicalProperties, len(block.Entities))
	for k, e := range block.Entities {
		keys = append(keys, k)
		canonical[k] = m.ExtractProperties(e)
	}
	models.SortKeys(keys)

	cluster := models.NewCluster(keys...)
	pairs := make([]models.EntityKeyPair, 0)
	vectors := make([][]float64, 0)

	for i := 0; i < len(keys); i++ {
		for j := i + 1; j < len(keys); j++ {
			src, dst := canonical[keys[i]], canonical[keys[j]]
			if len(src) == 0 || len(dst) == 0 {
				cluster.AddEdge(keys[i], keys[j], models.MinScore)
				continue
			}
			pairs = append(pairs, models.NewEntityKeyPair(keys[i], keys[j]))
			vectors = append(vectors, m.ExtractFeatures(src, dst))
		}
	}

	if len(vectors) == 0 {
		return cluster, nil
	}

	scores, err := m.oracle.Score(ctx, vectors)
	if err != nil {
		m.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"block_key": block.Key.String(),
			"pairs":     len(vectors),
		}).Warn("scoring oracle failed")
		return nil, err
	}
	if len(scores) != len(vectors) {
		return nil, fmt.Errorf("scoring oracle returned %d scores for %d pairs", len(scores), len(vectors))
	}

	for i, p := range pairs {
		cluster.AddEdge(p.First(), p.Second(), clampScore(scores[i]))
	}

	return cluster, nil
}

func clampScore(s float64) float64 {
	if math.IsNaN(s) {
		return models.MinScore
	}
	return math.Max(models.MinScore, math.Min(models.MaxScore, s))
}

// Stringify renders a JSON decoded property value as a string.
func Stringify(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case bool:
		return strconv.FormatBool(t), true
	case json.Number:
		return t.String(), true
	case time.Time:
		return t.UTC().Format(time.RFC3339), true
	default:
		return fmt.Sprint(t), true
	}
}
