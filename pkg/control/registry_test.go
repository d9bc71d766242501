package control

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3mdistal/ralph-sub004/pkg/types"
)

func TestRegisterDiscoverDeregister(t *testing.T) {
	r := NewRegistry(t.TempDir())
	id, err := r.Register(NewDaemonID())
	require.NoError(t, err)

	found, err := r.Discover()
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, id, found[0].Record.DaemonID)
	assert.Equal(t, LivenessRunning, found[0].Liveness, "this process is alive")
	assert.False(t, found[0].Duplicate)

	require.NoError(t, r.Deregister())
	found, err = r.Discover()
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestDiscoverClassifiesDeadPIDStale(t *testing.T) {
	root := t.TempDir()
	records := []types.DaemonRecord{{
		Version: 1, DaemonID: "ralph-dead", PID: 999999,
		StartedAt: time.Now(), HeartbeatAt: time.Now(),
	}}
	data, err := json.Marshal(records)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, RegistryFileName), data, 0644))

	found, err := NewRegistry(root).Discover()
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, LivenessStale, found[0].Liveness)
}

func TestDiscoverFlagsDuplicates(t *testing.T) {
	root := t.TempDir()
	rec := types.DaemonRecord{Version: 1, DaemonID: "ralph-twin", PID: os.Getpid()}
	data, err := json.Marshal([]types.DaemonRecord{rec, rec})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, RegistryFileName), data, 0644))

	found, err := NewRegistry(root).Discover()
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.False(t, found[0].Duplicate)
	assert.True(t, found[1].Duplicate)
}

func TestPruneDropsStaleRecords(t *testing.T) {
	root := t.TempDir()
	records := []types.DaemonRecord{
		{Version: 1, DaemonID: "ralph-live", PID: os.Getpid()},
		{Version: 1, DaemonID: "ralph-dead", PID: 999999},
	}
	data, err := json.Marshal(records)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, RegistryFileName), data, 0644))

	r := NewRegistry(root)
	dropped, err := r.Prune()
	require.NoError(t, err)
	assert.Equal(t, 1, dropped)

	found, err := r.Discover()
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "ralph-live", found[0].Record.DaemonID)
}

func TestHeartbeatAdvances(t *testing.T) {
	r := NewRegistry(t.TempDir())
	_, err := r.Register(NewDaemonID())
	require.NoError(t, err)

	before, err := r.Discover()
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, r.Heartbeat())

	after, err := r.Discover()
	require.NoError(t, err)
	assert.True(t, after[0].Record.HeartbeatAt.After(before[0].Record.HeartbeatAt))
}
