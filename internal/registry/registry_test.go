package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrokkAi/brokkd/internal/common/logger"
)

func TestHeartbeatLifecycle(t *testing.T) {
	dir := t.TempDir()
	r, err := New(dir, InstanceRecord{
		InstanceID: "inst-1",
		ListenAddr: "127.0.0.1:8440",
		Version:    "0.3.0",
	}, logger.Default())
	require.NoError(t, err)

	r.Start(10 * time.Millisecond)

	path := filepath.Join(dir, "inst-1.json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var rec InstanceRecord
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, "inst-1", rec.InstanceID)
	assert.Equal(t, os.Getpid(), rec.PID)
	assert.Equal(t, "127.0.0.1:8440", rec.ListenAddr)
	firstSeen := rec.LastSeenMs

	// The heartbeat refreshes lastSeenMs.
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(path)
		if err != nil {
			return false
		}
		var rec InstanceRecord
		if json.Unmarshal(data, &rec) != nil {
			return false
		}
		return rec.LastSeenMs > firstSeen
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, r.Close())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestSetProjects(t *testing.T) {
	dir := t.TempDir()
	r, err := New(dir, InstanceRecord{InstanceID: "inst-2", ListenAddr: "x"}, logger.Default())
	require.NoError(t, err)
	defer r.Close()

	r.SetProjects([]string{"/repo/a", "/repo/b"})
	require.NoError(t, r.Touch())

	live, err := ReadLive(dir, time.Minute)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, []string{"/repo/a", "/repo/b"}, live[0].Projects)
}

func TestReadLive(t *testing.T) {
	dir := t.TempDir()

	write := func(id string, lastSeen int64) {
		rec := InstanceRecord{InstanceID: id, ListenAddr: "x", LastSeenMs: lastSeen}
		data, err := json.Marshal(rec)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, id+".json"), data, 0o644))
	}

	now := time.Now().UnixMilli()
	write("fresh", now)
	write("stale", now-time.Hour.Milliseconds())
	require.NoError(t, os.WriteFile(filepath.Join(dir, "garbage.json"), []byte("{"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	live, err := ReadLive(dir, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "fresh", live[0].InstanceID)
}

func TestReadLive_MissingDir(t *testing.T) {
	live, err := ReadLive(filepath.Join(t.TempDir(), "nope"), time.Minute)
	require.NoError(t, err)
	assert.Empty(t, live)
}
