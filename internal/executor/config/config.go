// Package config provides configuration for a brokkd-executor child
// process. The pool passes everything on the command line; environment
// variables exist as a fallback for running an executor by hand.
package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
)

// Config holds the executor configuration.
type Config struct {
	// Identifier assigned by the pool before the session exists.
	ExecID string

	// Loopback address to serve on, e.g. "127.0.0.1:43117".
	ListenAddr string

	// Bearer token shared with the parent manager.
	AuthToken string

	// Provisioned worktree the agent operates in.
	WorkspaceDir string

	// Where the job database and event logs live. Defaults to a .brokkd
	// directory inside the workspace.
	DataDir string

	// Job store driver, "sqlite" or "postgres".
	DBDriver string

	// DSN for postgres; ignored for sqlite.
	DBDSN string

	LogLevel  string
	LogFormat string
}

// Load parses configuration from args (excluding the program name).
func Load(args []string) (*Config, error) {
	cfg := &Config{}
	fs := flag.NewFlagSet("brokkd-executor", flag.ContinueOnError)
	fs.StringVar(&cfg.ExecID, "exec-id", os.Getenv("BROKKD_EXEC_ID"), "executor identifier")
	fs.StringVar(&cfg.ListenAddr, "listen-addr", getEnv("BROKKD_EXEC_LISTEN_ADDR", "127.0.0.1:0"), "address to listen on")
	fs.StringVar(&cfg.AuthToken, "auth-token", os.Getenv("BROKKD_EXEC_AUTH_TOKEN"), "bearer token required on API calls")
	fs.StringVar(&cfg.WorkspaceDir, "workspace-dir", os.Getenv("BROKKD_EXEC_WORKSPACE_DIR"), "provisioned worktree directory")
	fs.StringVar(&cfg.DataDir, "data-dir", os.Getenv("BROKKD_EXEC_DATA_DIR"), "job store directory (default <workspace>/.brokkd)")
	fs.StringVar(&cfg.DBDriver, "db-driver", getEnv("BROKKD_EXEC_DB_DRIVER", "sqlite"), "job store driver (sqlite or postgres)")
	fs.StringVar(&cfg.DBDSN, "db-dsn", os.Getenv("BROKKD_EXEC_DB_DSN"), "postgres DSN when db-driver is postgres")
	fs.StringVar(&cfg.LogLevel, "log-level", getEnv("BROKKD_EXEC_LOG_LEVEL", "info"), "log level")
	fs.StringVar(&cfg.LogFormat, "log-format", getEnv("BROKKD_EXEC_LOG_FORMAT", "json"), "log format (json or console)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.DataDir == "" && cfg.WorkspaceDir != "" {
		cfg.DataDir = filepath.Join(cfg.WorkspaceDir, ".brokkd")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.ExecID == "" {
		return fmt.Errorf("exec-id is required")
	}
	if c.AuthToken == "" {
		return fmt.Errorf("auth-token is required")
	}
	if c.WorkspaceDir == "" {
		return fmt.Errorf("workspace-dir is required")
	}
	if c.DBDriver != "sqlite" && c.DBDriver != "postgres" {
		return fmt.Errorf("unsupported db-driver %q", c.DBDriver)
	}
	if c.DBDriver == "postgres" && c.DBDSN == "" {
		return fmt.Errorf("db-dsn is required for postgres")
	}
	return nil
}

// DatabaseDSN returns the driver DSN, defaulting sqlite to a file inside the
// data directory.
func (c *Config) DatabaseDSN() string {
	if c.DBDriver == "sqlite" {
		return filepath.Join(c.DataDir, "executor.db")
	}
	return c.DBDSN
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
