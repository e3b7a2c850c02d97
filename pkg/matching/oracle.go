package matching

import (
	"context"
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Ramsey-B/clover/pkg/linkerr"
	"github.com/Ramsey-B/clover/pkg/metrics"
)

// Oracle turns feature vectors into match scores in [0, 1], one per vector.
type Oracle interface {
	Score(ctx context.Context, features [][]float64) ([]float64, error)
}

// OracleFunc adapts a function to Oracle.
type OracleFunc func(ctx context.Context, features [][]float64) ([]float64, error)

func (f OracleFunc) Score(ctx context.Context, features [][]float64) ([]float64, error) {
	return f(ctx, features)
}

// LogisticModel is a local weighted logistic regression over the feature vector.
// Missing features contribute nothing.
type LogisticModel struct {
	weights []float64
	bias    float64
}

// ModelFile is the YAML layout of a logistic model.
type ModelFile struct {
	Bias    float64            `yaml:"bias"`
	Weights map[string]float64 `yaml:"weights"`
}

// NewLogisticModel aligns named weights with the schema's feature order.
// Features without a weight get zero.
func NewLogisticModel(schema FeatureSchema, weights map[string]float64, bias float64) (*LogisticModel, error) {
	names := schema.Names()
	known := make(map[string]struct{}, len(names))
	vec := make([]float64, len(names))
	for i, n := range names {
		known[n] = struct{}{}
		vec[i] = weights[n]
	}
	for n := range weights {
		if _, ok := known[n]; !ok {
			return nil, fmt.Errorf("model weight %q has no matching feature", n)
		}
	}
	return &LogisticModel{weights: vec, bias: bias}, nil
}

// LoadLogisticModel reads a ModelFile from path.
func LoadLogisticModel(path string, schema FeatureSchema) (*LogisticModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model: %w", err)
	}
	var file ModelFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse model: %w", err)
	}
	return NewLogisticModel(schema, file.Weights, file.Bias)
}

// DefaultPersonModel returns hand tuned weights for DefaultPersonSchema.
func DefaultPersonModel() *LogisticModel {
	m, _ := NewLogisticModel(DefaultPersonSchema(), map[string]float64{
		"first_name_jw":        3,
		"first_name_metaphone": 1,
		"last_name_jw":         3,
		"last_name_soundex":    1,
		"dob_proximity":        3,
		"ssn_exact":            4,
		"ssn_levenshtein":      1,
		"email_exact":          2,
		"phone_exact":          2,
		"sex_exact":            0.5,
	}, -8)
	return m
}

func (m *LogisticModel) Score(ctx context.Context, features [][]float64) ([]float64, error) {
	start := time.Now()
	scores := make([]float64, len(features))
	for i, vec := range features {
		if len(vec) != len(m.weights) {
			metrics.RecordOracleCall("logistic", "error", time.Since(start).Seconds())
			return nil, fmt.Errorf("feature vector %d has %d values, model expects %d", i, len(vec), len(m.weights))
		}
		z := m.bias
		for j, f := range vec {
			if f == MissingFeature {
				continue
			}
			z += m.weights[j] * f
		}
		scores[i] = 1.0 / (1.0 + math.Exp(-z))
	}
	metrics.RecordOracleCall("logistic", "success", time.Since(start).Seconds())
	return scores, nil
}

// TimeoutOracle runs the inner oracle as an async task bounded by a timeout.
// An expired call is reported as a transient failure.
type TimeoutOracle struct {
	inner   Oracle
	timeout time.Duration
}

// NewTimeoutOracle wraps inner with a per call timeout.
func NewTimeoutOracle(inner Oracle, timeout time.Duration) *TimeoutOracle {
	return &TimeoutOracle{inner: inner, timeout: timeout}
}

type oracleResult struct {
	scores []float64
	err    error
}

func (o *TimeoutOracle) Score(ctx context.Context, features [][]float64) ([]float64, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	done := make(chan oracleResult, 1)
	go func() {
		scores, err := o.inner.Score(ctx, features)
		done <- oracleResult{scores: scores, err: err}
	}()

	select {
	case r := <-done:
		return r.scores, r.err
	case <-ctx.Done():
		return nil, linkerr.Transient(ctx.Err(), "scoring oracle did not answer within %s", o.timeout)
	}
}
