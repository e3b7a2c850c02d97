package realtime

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/pkg/typegraph"
)

// Config tunes the linking loop.
type Config struct {
	// AcceptThreshold is the minimum cluster score for a key to join it
	AcceptThreshold float64
	Workers         int
	QueueCapacity   int
	// BatchSize caps the keys pulled per entity set per poll
	BatchSize    int
	PollInterval time.Duration
	// CandidateLimit caps blocking candidates per key, 0 for no cap
	CandidateLimit int

	LockTimeout time.Duration
	LockTTL     time.Duration

	MaxRetries      int
	RetryInterval   time.Duration
	FailureCooldown time.Duration

	LinkableTypes []string
	Blacklist     []uuid.UUID
	Whitelist     []uuid.UUID
	// TypeDependencies maps an entity type to the types that must finish
	// linking before it
	TypeDependencies map[string][]string
}

func DefaultConfig() Config {
	return Config{
		AcceptThreshold: 0.9,
		Workers:         4,
		QueueCapacity:   256,
		BatchSize:       100,
		PollInterval:    time.Second,
		CandidateLimit:  200,
		LockTimeout:     2 * time.Second,
		LockTTL:         30 * time.Second,
		MaxRetries:      3,
		RetryInterval:   50 * time.Millisecond,
		FailureCooldown: time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = d.QueueCapacity
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = d.LockTimeout
	}
	if c.LockTTL <= 0 {
		c.LockTTL = d.LockTTL
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = d.RetryInterval
	}
	if c.FailureCooldown <= 0 {
		c.FailureCooldown = d.FailureCooldown
	}
	return c
}

// Validate checks the threshold and rejects cyclic type dependencies.
func (c Config) Validate() error {
	if c.AcceptThreshold < 0 || c.AcceptThreshold > 1 {
		return fmt.Errorf("accept threshold %v must be within [0, 1]", c.AcceptThreshold)
	}
	if _, err := typegraph.FromDependencies(c.TypeDependencies).TopologicalOrder(); err != nil {
		return fmt.Errorf("invalid linking type dependencies: %w", err)
	}
	return nil
}
