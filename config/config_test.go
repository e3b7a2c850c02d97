package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DEV_MODE", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "clover", cfg.AppName)
	assert.Equal(t, StoreMemory, cfg.LinkingStore)
	assert.Equal(t, LockerLocal, cfg.LinkingLocker)
	assert.Equal(t, 0.9, cfg.LinkingAcceptThreshold)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)

	rt, err := cfg.Realtime()
	require.NoError(t, err)
	assert.Equal(t, 4, rt.Workers)
	assert.Equal(t, time.Second, rt.PollInterval)
	assert.Equal(t, []string{"person"}, rt.LinkableTypes)
}

func TestLoad_EnvOverrides(t *testing.T) {
	blocked := uuid.New()
	t.Setenv("DEV_MODE", "true")
	t.Setenv("PORT", "9000")
	t.Setenv("LINKING_WORKERS", "8")
	t.Setenv("LINKING_POLL_INTERVAL", "250ms")
	t.Setenv("LINKING_STORE", "postgres")
	t.Setenv("LINKING_BLACKLIST", blocked.String())
	t.Setenv("LINKING_TYPES", "person,household")
	t.Setenv("LINKING_TYPE_DEPENDENCIES", "person:household")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, StorePostgres, cfg.LinkingStore)

	rt, err := cfg.Realtime()
	require.NoError(t, err)
	assert.Equal(t, 8, rt.Workers)
	assert.Equal(t, 250*time.Millisecond, rt.PollInterval)
	assert.Equal(t, []uuid.UUID{blocked}, rt.Blacklist)
	assert.Equal(t, []string{"person", "household"}, rt.LinkableTypes)
	assert.Equal(t, map[string][]string{"person": {"household"}}, rt.TypeDependencies)
}

func TestLoad_File(t *testing.T) {
	t.Setenv("DEV_MODE", "true")
	path := filepath.Join(t.TempDir(), "clover.yaml")
	require.NoError(t, os.WriteFile(path, []byte("linking_accept_threshold: 0.75\nlinking_strategy: average\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0.75, cfg.LinkingAcceptThreshold)
	assert.Equal(t, "average", cfg.LinkingStrategy)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"no issuer outside dev mode", map[string]string{}},
		{"threshold out of range", map[string]string{"DEV_MODE": "true", "LINKING_ACCEPT_THRESHOLD": "1.5"}},
		{"unknown strategy", map[string]string{"DEV_MODE": "true", "LINKING_STRATEGY": "best_guess"}},
		{"unknown store", map[string]string{"DEV_MODE": "true", "LINKING_STORE": "sqlite"}},
		{"bad whitelist id", map[string]string{"DEV_MODE": "true", "LINKING_WHITELIST": "nope"}},
		{"cyclic type dependencies", map[string]string{"DEV_MODE": "true", "LINKING_TYPE_DEPENDENCIES": "person:household,household:person"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			assert.Error(t, err)
		})
	}
}

func TestParseTypeDependencies(t *testing.T) {
	deps, err := ParseTypeDependencies([]string{"person:household", " person : address ", "vehicle", ""})
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{
		"person":  {"household", "address"},
		"vehicle": nil,
	}, deps)

	_, err = ParseTypeDependencies([]string{"person:"})
	assert.Error(t, err)
	_, err = ParseTypeDependencies([]string{":household"})
	assert.Error(t, err)
}
