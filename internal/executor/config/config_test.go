package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Flags(t *testing.T) {
	cfg, err := Load([]string{
		"--exec-id", "exec-1",
		"--listen-addr", "127.0.0.1:43117",
		"--auth-token", "secret",
		"--workspace-dir", "/tmp/wt/s-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "exec-1", cfg.ExecID)
	assert.Equal(t, "127.0.0.1:43117", cfg.ListenAddr)
	assert.Equal(t, filepath.Join("/tmp/wt/s-1", ".brokkd"), cfg.DataDir)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, filepath.Join("/tmp/wt/s-1", ".brokkd", "executor.db"), cfg.DatabaseDSN())
}

func TestLoad_EnvFallback(t *testing.T) {
	t.Setenv("BROKKD_EXEC_ID", "exec-env")
	t.Setenv("BROKKD_EXEC_AUTH_TOKEN", "tok")
	t.Setenv("BROKKD_EXEC_WORKSPACE_DIR", "/tmp/wt/s-2")

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, "exec-env", cfg.ExecID)
	assert.Equal(t, "tok", cfg.AuthToken)
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{
			name: "missing exec id",
			args: []string{"--auth-token", "t", "--workspace-dir", "/w"},
			want: "exec-id is required",
		},
		{
			name: "missing auth token",
			args: []string{"--exec-id", "e", "--workspace-dir", "/w"},
			want: "auth-token is required",
		},
		{
			name: "missing workspace",
			args: []string{"--exec-id", "e", "--auth-token", "t"},
			want: "workspace-dir is required",
		},
		{
			name: "bad driver",
			args: []string{"--exec-id", "e", "--auth-token", "t", "--workspace-dir", "/w", "--db-driver", "oracle"},
			want: "unsupported db-driver",
		},
		{
			name: "postgres without dsn",
			args: []string{"--exec-id", "e", "--auth-token", "t", "--workspace-dir", "/w", "--db-driver", "postgres"},
			want: "db-dsn is required",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.args)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
