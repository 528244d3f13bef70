package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kz-records/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
postgres:
  host: db
  user: kz
  password: secret
  database: gokz
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, time.Hour, cfg.Cache.MapsTTL)
	assert.Equal(t, 15*time.Minute, cfg.Cache.StatsTTL)
	assert.Equal(t, 10*time.Minute, cfg.Cache.RecordsTTL)
	assert.Equal(t, 30*time.Minute, cfg.Cache.DefaultTTL)
	assert.True(t, cfg.Cache.IsEnabled())
	assert.Equal(t, CacheBackendFile, cfg.Cache.Backend)

	assert.Equal(t, Budget{MaxRequests: 100, Window: time.Minute}, cfg.RateLimit.API)
	assert.Equal(t, Budget{MaxRequests: 60, Window: time.Minute}, cfg.RateLimit.Store)
	assert.Equal(t, Budget{MaxRequests: 30, Window: time.Minute}, cfg.RateLimit.Page)

	assert.Equal(t, "kz_grotto", cfg.Display.DefaultMap)
	assert.Equal(t, 50, cfg.Display.RecordsPerPage)
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("KZ_DB_PASSWORD", "from-env")
	path := writeConfig(t, `
postgres:
  host: db
  user: kz
  password: ${KZ_DB_PASSWORD}
  database: gokz
cache:
  enabled: false
  records_cache_time: 2m
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Postgres.Password)
	assert.False(t, cfg.Cache.IsEnabled())
	assert.Equal(t, 2*time.Minute, cfg.Cache.RecordsTTL)
}

func TestValidateRequiresDatabaseSettings(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
	assert.Contains(t, err.Error(), "postgres.user")
}

func TestValidateRejectsUnknownBackend(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Postgres = PostgresConfig{Host: "db", User: "kz", Password: "x", Database: "gokz"}
	cfg.Cache.Backend = "memcached"
	assert.ErrorIs(t, cfg.Validate(), domain.ErrInvalidConfig)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
