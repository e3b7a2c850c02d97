package matching

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Gobusters/ectologger"
	gocache "github.com/patrickmn/go-cache"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/Ramsey-B/clover/pkg/fingerprint"
	"github.com/Ramsey-B/clover/pkg/linkerr"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// RemoteOracleConfig configures a model server client.
type RemoteOracleConfig struct {
	URL string
	// MaxFailures is the number of consecutive failures that opens the breaker
	MaxFailures uint32
	// OpenTimeout is how long the breaker stays open before probing
	OpenTimeout time.Duration
	HTTPTimeout time.Duration
}

// RemoteOracle posts feature vectors to a model server behind a circuit breaker.
type RemoteOracle struct {
	url     string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  ectologger.Logger
}

type scoreRequest struct {
	Features [][]float64 `json:"features"`
}

type scoreResponse struct {
	Scores []float64 `json:"scores"`
}

// NewRemoteOracle creates a remote oracle.
func NewRemoteOracle(cfg RemoteOracleConfig, logger ectologger.Logger) *RemoteOracle {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.OpenTimeout == 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}

	o := &RemoteOracle{
		url:    cfg.URL,
		client: &http.Client{Timeout: cfg.HTTPTimeout},
		logger: logger,
	}
	o.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "scoring-oracle",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(map[string]any{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("scoring oracle circuit breaker changed state")
		},
	})
	return o
}

func (o *RemoteOracle) Score(ctx context.Context, features [][]float64) ([]float64, error) {
	ctx, span := tracing.StartSpan(ctx, "matching.RemoteOracle.Score")
	defer span.End()

	start := time.Now()
	result, err := o.breaker.Execute(func() (interface{}, error) {
		return o.post(ctx, features)
	})
	if err != nil {
		metrics.RecordOracleCall("remote", "error", time.Since(start).Seconds())
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, linkerr.Transient(err, "scoring oracle unavailable")
		}
		return nil, err
	}
	metrics.RecordOracleCall("remote", "success", time.Since(start).Seconds())

	scores := result.([]float64)
	if len(scores) != len(features) {
		return nil, fmt.Errorf("scoring oracle returned %d scores for %d vectors", len(scores), len(features))
	}
	return scores, nil
}

func (o *RemoteOracle) post(ctx context.Context, features [][]float64) ([]float64, error) {
	body, err := json.Marshal(scoreRequest{Features: features})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, linkerr.Transient(err, "scoring oracle request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, linkerr.Transient(nil, "scoring oracle returned %d: %s", resp.StatusCode, msg)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("scoring oracle returned %d: %s", resp.StatusCode, msg)
	}

	var out scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode scoring oracle response: %w", err)
	}
	return out.Scores, nil
}

// CachedOracle memoizes scores by feature vector fingerprint. Feature extraction is
// deterministic, so a cached score is the score the oracle would return.
type CachedOracle struct {
	inner Oracle
	cache *gocache.Cache
}

// NewCachedOracle wraps inner with cache. The cache is owned by the caller.
func NewCachedOracle(inner Oracle, cache *gocache.Cache) *CachedOracle {
	return &CachedOracle{inner: inner, cache: cache}
}

func (o *CachedOracle) Score(ctx context.Context, features [][]float64) ([]float64, error) {
	scores := make([]float64, len(features))
	keys := make([]string, len(features))
	missIdx := make([]int, 0)
	missing := make([][]float64, 0)

	for i, vec := range features {
		keys[i] = fingerprint.Features(vec)
		if v, ok := o.cache.Get(keys[i]); ok {
			scores[i] = v.(float64)
			metrics.RecordOracleCache(true)
			continue
		}
		metrics.RecordOracleCache(false)
		missIdx = append(missIdx, i)
		missing = append(missing, vec)
	}

	if len(missing) == 0 {
		return scores, nil
	}

	fresh, err := o.inner.Score(ctx, missing)
	if err != nil {
		return nil, err
	}
	if len(fresh) != len(missing) {
		return nil, fmt.Errorf("scoring oracle returned %d scores for %d vectors", len(fresh), len(missing))
	}
	for j, i := range missIdx {
		scores[i] = fresh[j]
		o.cache.Set(keys[i], fresh[j], gocache.DefaultExpiration)
	}
	return scores, nil
}

// RateLimitedOracle waits on a token bucket before each call.
type RateLimitedOracle struct {
	inner   Oracle
	limiter *rate.Limiter
}

// NewRateLimitedOracle allows perSecond calls with the given burst.
func NewRateLimitedOracle(inner Oracle, perSecond float64, burst int) *RateLimitedOracle {
	return &RateLimitedOracle{inner: inner, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (o *RateLimitedOracle) Score(ctx context.Context, features [][]float64) ([]float64, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return nil, linkerr.Transient(err, "scoring oracle rate limit wait aborted")
	}
	return o.inner.Score(ctx, features)
}
