package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/3mdistal/ralph-sub004/pkg/log"
	"github.com/3mdistal/ralph-sub004/pkg/types"
)

// RegistryFileName is the daemon registry file under the control root.
const RegistryFileName = "daemons.json"

// Liveness classifies a registry record.
type Liveness string

const (
	LivenessRunning Liveness = "running"
	LivenessStale   Liveness = "stale"
)

// Discovered pairs a registry record with its liveness classification.
type Discovered struct {
	Record   types.DaemonRecord
	Liveness Liveness

	// Duplicate marks records sharing a daemon id with an earlier
	// record. Reported as a warning, not a conflict.
	Duplicate bool
}

// Registry manages the daemon registry file.
type Registry struct {
	root   string
	path   string
	logger zerolog.Logger

	mu     sync.Mutex
	record types.DaemonRecord
}

// NewRegistry creates a registry under root.
func NewRegistry(root string) *Registry {
	return &Registry{
		root:   root,
		path:   filepath.Join(root, RegistryFileName),
		logger: log.WithComponent("control"),
	}
}

// NewDaemonID mints a fresh daemon identity.
func NewDaemonID() string {
	return "ralph-" + uuid.NewString()[:8]
}

// Register writes this process's record. Returns the daemon id.
func (r *Registry) Register(daemonID string) (string, error) {
	cwd, _ := os.Getwd()
	now := time.Now().UTC()
	rec := types.DaemonRecord{
		Version:         1,
		DaemonID:        daemonID,
		PID:             os.Getpid(),
		StartedAt:       now,
		HeartbeatAt:     now,
		ControlRoot:     r.root,
		ControlFilePath: filepath.Join(r.root, ControlFileName),
		CWD:             cwd,
		Command:         strings.Join(os.Args, " "),
	}

	r.mu.Lock()
	r.record = rec
	r.mu.Unlock()
	return daemonID, r.upsert(rec)
}

// Heartbeat refreshes this process's heartbeat timestamp.
func (r *Registry) Heartbeat() error {
	r.mu.Lock()
	r.record.HeartbeatAt = time.Now().UTC()
	rec := r.record
	r.mu.Unlock()
	return r.upsert(rec)
}

// Deregister removes this process's record.
func (r *Registry) Deregister() error {
	r.mu.Lock()
	id := r.record.DaemonID
	r.mu.Unlock()

	records, err := r.read()
	if err != nil {
		return err
	}
	kept := records[:0]
	for _, rec := range records {
		if rec.DaemonID != id {
			kept = append(kept, rec)
		}
	}
	return r.write(kept)
}

// Discover reads the registry and classifies each record. A record
// whose PID is dead is classified stale, never reported as running.
func (r *Registry) Discover() ([]Discovered, error) {
	records, err := r.read()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	out := make([]Discovered, 0, len(records))
	for _, rec := range records {
		d := Discovered{Record: rec, Liveness: LivenessRunning}
		if !pidAlive(rec.PID) {
			d.Liveness = LivenessStale
		}
		if seen[rec.DaemonID] {
			d.Duplicate = true
			r.logger.Warn().
				Str("daemon_id", rec.DaemonID).Int("pid", rec.PID).
				Msg("Duplicate daemon registry record")
		}
		seen[rec.DaemonID] = true
		out = append(out, d)
	}
	return out, nil
}

// Prune removes stale records. Returns how many were dropped.
func (r *Registry) Prune() (int, error) {
	records, err := r.read()
	if err != nil {
		return 0, err
	}
	kept := records[:0]
	dropped := 0
	for _, rec := range records {
		if pidAlive(rec.PID) {
			kept = append(kept, rec)
		} else {
			dropped++
		}
	}
	if dropped == 0 {
		return 0, nil
	}
	return dropped, r.write(kept)
}

// upsert replaces this daemon's record in the file, appending when
// absent.
func (r *Registry) upsert(rec types.DaemonRecord) error {
	records, err := r.read()
	if err != nil {
		return err
	}
	replaced := false
	for i := range records {
		if records[i].DaemonID == rec.DaemonID {
			records[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		records = append(records, rec)
	}
	return r.write(records)
}

func (r *Registry) read() ([]types.DaemonRecord, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read daemon registry: %w", err)
	}
	var records []types.DaemonRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to parse daemon registry: %w", err)
	}
	return records, nil
}

func (r *Registry) write(records []types.DaemonRecord) error {
	if err := os.MkdirAll(r.root, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, r.path)
}

// pidAlive probes a PID with signal 0.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
