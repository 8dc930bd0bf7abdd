// Package registry maintains per-instance discovery records on disk. Each
// running manager writes <instanceId>.json into a shared directory and
// refreshes it on a heartbeat; local tooling lists live instances by reading
// the directory and skipping stale records.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BrokkAi/brokkd/internal/common/logger"
)

// InstanceRecord is one discovery record.
type InstanceRecord struct {
	InstanceID string   `json:"instanceId"`
	PID        int      `json:"pid,omitempty"`
	ListenAddr string   `json:"listenAddr"`
	Projects   []string `json:"projects,omitempty"`
	Version    string   `json:"version"`
	StartedAt  int64    `json:"startedAt"`
	LastSeenMs int64    `json:"lastSeenMs"`
}

// Registry heartbeats a single instance record.
type Registry struct {
	dir    string
	logger *logger.Logger

	mu     sync.Mutex
	record InstanceRecord

	stop chan struct{}
	done chan struct{}
}

// New creates a registry rooted at dir for the given record. The record's
// PID, StartedAt and LastSeenMs are filled in here.
func New(dir string, record InstanceRecord, log *logger.Logger) (*Registry, error) {
	if record.InstanceID == "" {
		return nil, fmt.Errorf("registry: instance id is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("registry: create dir: %w", err)
	}

	now := time.Now().UnixMilli()
	record.PID = os.Getpid()
	record.StartedAt = now
	record.LastSeenMs = now

	return &Registry{
		dir:    dir,
		logger: log.WithFields(zap.String("component", "registry")),
		record: record,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

func (r *Registry) path() string {
	return filepath.Join(r.dir, r.record.InstanceID+".json")
}

// Start writes the record immediately and refreshes it every interval until
// Close.
func (r *Registry) Start(interval time.Duration) {
	if err := r.write(); err != nil {
		r.logger.Warn("failed to write instance record", zap.Error(err))
	}
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-ticker.C:
				if err := r.write(); err != nil {
					r.logger.Warn("failed to refresh instance record", zap.Error(err))
				}
			}
		}
	}()
}

// SetProjects replaces the advertised project list. The next heartbeat
// publishes it; callers that need it visible immediately follow with Touch.
func (r *Registry) SetProjects(projects []string) {
	r.mu.Lock()
	r.record.Projects = append([]string(nil), projects...)
	r.mu.Unlock()
}

// Touch rewrites the record outside the heartbeat schedule.
func (r *Registry) Touch() error {
	return r.write()
}

// write atomically replaces the record file. A temp-file-then-rename keeps
// readers from ever observing a partial record.
func (r *Registry) write() error {
	r.mu.Lock()
	r.record.LastSeenMs = time.Now().UnixMilli()
	data, err := json.Marshal(r.record)
	r.mu.Unlock()
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(r.dir, "."+r.record.InstanceID+"-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, r.path()); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// Close stops the heartbeat and removes the record file.
func (r *Registry) Close() error {
	select {
	case <-r.stop:
	default:
		close(r.stop)
		<-r.done
	}
	if err := os.Remove(r.path()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ReadLive lists records under dir whose lastSeenMs is within grace.
// Unreadable or stale files are skipped, not errors.
func ReadLive(dir string, grace time.Duration) ([]InstanceRecord, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	cutoff := time.Now().Add(-grace).UnixMilli()
	var out []InstanceRecord
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		var rec InstanceRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		if rec.LastSeenMs < cutoff {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
