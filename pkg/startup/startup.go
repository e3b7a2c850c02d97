// Package startup brings service dependencies up in dependency order, retrying with
// fibonacci backoff, and tears them down in reverse.
package startup

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/pkg/typegraph"
)

type Dependency interface {
	GetName() string
	DependsOn() []string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type Status int

const (
	StatusPending Status = iota
	StatusStarted
	StatusStopped
	StatusFailed
)

type Startup struct {
	dependencies map[string]Dependency
	statuses     map[string]Status
	order        []string
	logger       ectologger.Logger
	maxAttempts  int
	baseDelay    time.Duration
}

func New(logger ectologger.Logger, maxAttempts int) *Startup {
	return &Startup{
		dependencies: make(map[string]Dependency),
		statuses:     make(map[string]Status),
		logger:       logger,
		maxAttempts:  maxAttempts,
		baseDelay:    time.Second,
	}
}

func (s *Startup) AddDependency(dependency Dependency) {
	s.dependencies[dependency.GetName()] = dependency
}

func (s *Startup) resolveOrder() ([]string, error) {
	g := typegraph.New()
	for name, dep := range s.dependencies {
		g.AddNode(name)
		for _, on := range dep.DependsOn() {
			if _, ok := s.dependencies[on]; !ok {
				return nil, fmt.Errorf("dependency '%s' depends on unknown '%s'", name, on)
			}
			g.AddEdge(name, on)
		}
	}
	return g.TopologicalOrder()
}

// Start starts every dependency. A failed attempt is retried after a fibonacci delay.
func (s *Startup) Start(ctx context.Context) error {
	order, err := s.resolveOrder()
	if err != nil {
		return err
	}
	s.order = order

	var lastErr error
	a, b := 1, 1
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		s.logger.WithField("attempt", attempt).Infof("Beginning startup attempt %d", attempt)

		lastErr = s.startAll(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == s.maxAttempts {
			break
		}

		wait := time.Duration(a) * s.baseDelay
		s.logger.WithError(lastErr).Infof("Retrying in %s (attempt %d/%d)", wait, attempt, s.maxAttempts)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		a, b = b, a+b
	}

	return fmt.Errorf("startup failed after %d attempts: %w", s.maxAttempts, lastErr)
}

func (s *Startup) startAll(ctx context.Context) error {
	for _, name := range s.order {
		if s.statuses[name] == StatusStarted {
			continue
		}
		dep := s.dependencies[name]
		log := s.logger.WithField("dependency", name)
		log.Infof("Starting dependency '%s'", name)
		if err := dep.Start(ctx); err != nil {
			s.statuses[name] = StatusFailed
			log.WithError(err).Errorf("Failed to start dependency '%s'", name)
			return err
		}
		s.statuses[name] = StatusStarted
	}
	return nil
}

// Stop stops started dependencies in reverse start order and returns the first error.
func (s *Startup) Stop(ctx context.Context) error {
	var firstErr error
	for i := len(s.order) - 1; i >= 0; i-- {
		name := s.order[i]
		if s.statuses[name] != StatusStarted {
			continue
		}
		log := s.logger.WithField("dependency", name)
		log.Infof("Stopping dependency '%s'", name)
		if err := s.dependencies[name].Stop(ctx); err != nil {
			log.WithError(err).Errorf("Failed to stop dependency '%s'", name)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		s.statuses[name] = StatusStopped
	}
	return firstErr
}

// Status returns the status of the named dependency.
func (s *Startup) Status(name string) Status {
	return s.statuses[name]
}

// Func adapts plain functions into a Dependency.
type Func struct {
	Name      string
	After     []string
	StartFunc func(ctx context.Context) error
	StopFunc  func(ctx context.Context) error
}

func (f Func) GetName() string     { return f.Name }
func (f Func) DependsOn() []string { return f.After }

func (f Func) Start(ctx context.Context) error {
	if f.StartFunc == nil {
		return nil
	}
	return f.StartFunc(ctx)
}

func (f Func) Stop(ctx context.Context) error {
	if f.StopFunc == nil {
		return nil
	}
	return f.StopFunc(ctx)
}
