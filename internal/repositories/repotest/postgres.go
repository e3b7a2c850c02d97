// Package repotest opens a migrated postgres for repository tests.
package repotest

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/pkg/database"
)

// Open connects to the postgres named by DB_HOST, DB_PORT, DB_USER_NAME,
// DB_PASSWORD and DB_NAME and migrates it up. It skips the test in short
// mode or when DB_HOST is unset.
func Open(t *testing.T) database.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres test in short mode")
	}
	host := os.Getenv("DB_HOST")
	if host == "" {
		t.Skip("DB_HOST not set")
	}

	cfg := database.Config{
		Host:     host,
		Port:     5432,
		User:     os.Getenv("DB_USER_NAME"),
		Password: os.Getenv("DB_PASSWORD"),
		Name:     os.Getenv("DB_NAME"),
	}
	if p := os.Getenv("DB_PORT"); p != "" {
		var err error
		cfg.Port, err = strconv.Atoi(p)
		require.NoError(t, err)
	}
	if cfg.Name == "" {
		cfg.Name = "clover"
	}

	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	db, err := database.Connect(context.Background(), cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	inst, ok := db.(*database.DatabaseInstance)
	require.True(t, ok)
	migrations := database.NewMigrationService(logger, &database.MigrationConfig{MigrationFolderPath: migrationFolder()})
	require.NoError(t, migrations.Migrate(inst.DB.DB, cfg.Name))
	return db
}

// Logger discards everything.
func Logger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func migrationFolder() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..", "..", "db", "pg")
}
