package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestEnv_Lookups fall back on unset or malformed values.
func TestEnv_Lookups(t *testing.T) {
	t.Setenv("ATLAS_REDIS_URL", "redis://queue:6379/1")
	t.Setenv("ATLAS_WORKERS", "4")
	t.Setenv("ATLAS_BAD_INT", "four")
	t.Setenv("ATLAS_VERBOSE", "true")
	t.Setenv("ATLAS_POLL", "250ms")
	t.Setenv("ATLAS_EMPTY", "")

	env := NewEnv("ATLAS")

	assert.Equal(t, "redis://queue:6379/1", env.String("REDIS_URL", "redis://localhost:6379/0"))
	assert.Equal(t, "fallback", env.String("MISSING", "fallback"))
	assert.Equal(t, "fallback", env.String("EMPTY", "fallback"))

	assert.Equal(t, 4, env.Int("WORKERS", 1))
	assert.Equal(t, 1, env.Int("BAD_INT", 1))
	assert.Equal(t, 1, env.Int("MISSING", 1))

	assert.True(t, env.Bool("VERBOSE", false))
	assert.False(t, env.Bool("MISSING", false))

	assert.Equal(t, 250*time.Millisecond, env.Duration("POLL", time.Second))
	assert.Equal(t, time.Second, env.Duration("MISSING", time.Second))
}

// TestEnv_Must errors on missing required variables.
func TestEnv_Must(t *testing.T) {
	t.Setenv("ATLAS_PRESENT", "yes")
	env := NewEnv("ATLAS")

	v, err := env.Must("PRESENT")
	require.NoError(t, err)
	assert.Equal(t, "yes", v)

	_, err = env.Must("ABSENT")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ATLAS_ABSENT")
}

// TestEnv_UnprefixedKeys read raw variable names.
func TestEnv_UnprefixedKeys(t *testing.T) {
	t.Setenv("RAW_KEY", "v")
	assert.Equal(t, "v", NewEnv("").String("RAW_KEY", ""))
}

// TestLoad_Defaults applies defaults with no file present.
func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "mongodb://localhost:27017", cfg.MongoURI)
	assert.Equal(t, "crawlplane", cfg.MongoDatabase)
	assert.Equal(t, time.Hour, cfg.SweepInterval)
	assert.Equal(t, 30, cfg.StagingTTL)
}

// TestLoad_FileAndOverrides reads a YAML file.
func TestLoad_FileAndOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"mongo_database: atlas_test\nstaging_ttl_days: 7\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "atlas_test", cfg.MongoDatabase)
	assert.Equal(t, 7, cfg.StagingTTL)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
