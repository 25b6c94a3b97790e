package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMemoryBackendDefaults(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("TZ", "")
	t.Setenv("NATS_URL", "")
	t.Setenv("TUNING_FILE", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, BackendMemory, cfg.StoreBackend)
	assert.Equal(t, 60*time.Second, cfg.TickInterval)
	assert.Equal(t, 15*time.Second, cfg.RoutingTimeout)
	assert.Equal(t, "Asia/Kolkata", cfg.Location.String())
	assert.Equal(t, DefaultTuning(), cfg.Tuning)
}

func TestLoadPostgresFromParts(t *testing.T) {
	t.Setenv("STORE_BACKEND", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("PG_DSN", "")
	t.Setenv("PGHOST", "db")
	t.Setenv("PGPORT", "")
	t.Setenv("PGSSLMODE", "")
	t.Setenv("PGUSER", "bus")
	t.Setenv("PGPASSWORD", "p@ss")
	t.Setenv("PGDATABASE", "busmate")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://bus:p%40ss@db:5432/busmate?sslmode=disable", cfg.DatabaseURL)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")

	t.Run("tick interval", func(t *testing.T) {
		t.Setenv("TICK_INTERVAL_SEC", "-1")
		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("backend", func(t *testing.T) {
		t.Setenv("STORE_BACKEND", "firebase")
		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("gtfs-rt without school", func(t *testing.T) {
		t.Setenv("GTFSRT_VEHICLES_URL", "http://example.com/vehicles.pb")
		t.Setenv("GTFSRT_SCHOOL_ID", "")
		_, err := Load()
		assert.Error(t, err)
	})
}

func TestLoadTuning(t *testing.T) {
	dir := t.TempDir()

	t.Run("overlays only given keys", func(t *testing.T) {
		path := filepath.Join(dir, "tuning.yml")
		require.NoError(t, os.WriteFile(path, []byte("stopProximityMeters: 150\nproviderRefresh: 2m\n"), 0o644))

		got, err := LoadTuning(path, DefaultTuning())
		require.NoError(t, err)
		assert.Equal(t, 150.0, got.StopProximityMeters)
		assert.Equal(t, 2*time.Minute, got.ProviderRefresh)
		assert.Equal(t, 8.33, got.FallbackSpeedMps)
	})

	t.Run("rejects batch limit above store ceiling", func(t *testing.T) {
		path := filepath.Join(dir, "bad.yml")
		require.NoError(t, os.WriteFile(path, []byte("riderBatchLimit: 900\n"), 0o644))

		_, err := LoadTuning(path, DefaultTuning())
		assert.Error(t, err)
	})

	t.Run("rejects invalid yaml", func(t *testing.T) {
		path := filepath.Join(dir, "broken.yml")
		require.NoError(t, os.WriteFile(path, []byte("invalid: yaml: [[["), 0o644))

		_, err := LoadTuning(path, DefaultTuning())
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadTuning(filepath.Join(dir, "nope.yml"), DefaultTuning())
		assert.Error(t, err)
	})
}
