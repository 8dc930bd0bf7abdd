package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("BROKKD_AUTH_TOKEN", "master-secret")
	t.Setenv("BROKKD_WORKTREE_BASE_DIR", t.TempDir())
	t.Setenv("BROKKD_POOL_SIZE", "2")
	t.Setenv("BROKKD_LISTEN_ADDR", "127.0.0.1:9000")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "master-secret", cfg.Manager.AuthToken)
	assert.Equal(t, 2, cfg.Manager.PoolSize)
	assert.Equal(t, "127.0.0.1:9000", cfg.Manager.ListenAddr)
	assert.Equal(t, time.Hour, cfg.Manager.TokenValidityDuration())
	assert.Equal(t, "sqlite", cfg.Database.Driver)
}

func TestLoadRequiresMasterSecret(t *testing.T) {
	t.Setenv("BROKKD_AUTH_TOKEN", "")
	t.Setenv("BROKKD_WORKTREE_BASE_DIR", t.TempDir())

	_, err := LoadWithPath(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "authToken")
}

func TestLoadRequiresWorktreeBaseDir(t *testing.T) {
	t.Setenv("BROKKD_AUTH_TOKEN", "master-secret")
	t.Setenv("BROKKD_WORKTREE_BASE_DIR", "")

	_, err := LoadWithPath(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worktree.baseDir")
}

func TestValidateRejectsBadPoolSize(t *testing.T) {
	t.Setenv("BROKKD_AUTH_TOKEN", "master-secret")
	t.Setenv("BROKKD_WORKTREE_BASE_DIR", t.TempDir())
	t.Setenv("BROKKD_POOL_SIZE", "0")

	_, err := LoadWithPath(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "poolSize")
}

func TestValidateEvictionIntervalBound(t *testing.T) {
	t.Setenv("BROKKD_AUTH_TOKEN", "master-secret")
	t.Setenv("BROKKD_WORKTREE_BASE_DIR", t.TempDir())
	t.Setenv("BROKKD_IDLE_TIMEOUT", "30")
	t.Setenv("BROKKD_EVICTION_INTERVAL", "60")

	_, err := LoadWithPath(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "evictionInterval")
}
