package startup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func TestStartup_StartsInDependencyOrder(t *testing.T) {
	var started, stopped []string
	record := func(name string) Func {
		return Func{
			Name:      name,
			StartFunc: func(context.Context) error { started = append(started, name); return nil },
			StopFunc:  func(context.Context) error { stopped = append(stopped, name); return nil },
		}
	}

	s := New(testLogger(), 1)
	api := record("api")
	api.After = []string{"linker", "database"}
	linker := record("linker")
	linker.After = []string{"database"}
	s.AddDependency(api)
	s.AddDependency(linker)
	s.AddDependency(record("database"))

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, []string{"database", "linker", "api"}, started)

	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, []string{"api", "linker", "database"}, stopped)
	assert.Equal(t, StatusStopped, s.Status("database"))
}

func TestStartup_RetriesFailedDependency(t *testing.T) {
	attempts := 0
	s := New(testLogger(), 3)
	s.baseDelay = time.Millisecond
	s.AddDependency(Func{
		Name: "flaky",
		StartFunc: func(context.Context) error {
			attempts++
			if attempts < 2 {
				return errors.New("not yet")
			}
			return nil
		},
	})

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, 2, attempts)
	assert.Equal(t, StatusStarted, s.Status("flaky"))
}

func TestStartup_GivesUp(t *testing.T) {
	s := New(testLogger(), 2)
	s.baseDelay = time.Millisecond
	s.AddDependency(Func{Name: "down", StartFunc: func(context.Context) error { return errors.New("refused") }})

	err := s.Start(context.Background())
	assert.ErrorContains(t, err, "startup failed after 2 attempts")
}

func TestStartup_RejectsCycles(t *testing.T) {
	s := New(testLogger(), 1)
	s.AddDependency(Func{Name: "a", After: []string{"b"}})
	s.AddDependency(Func{Name: "b", After: []string{"a"}})

	assert.ErrorContains(t, s.Start(context.Background()), "dependency cycle")
}
