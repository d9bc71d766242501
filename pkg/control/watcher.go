package control

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/3mdistal/ralph-sub004/pkg/log"
	"github.com/3mdistal/ralph-sub004/pkg/telemetry"
)

// Mode is the operator-selected daemon mode.
type Mode string

const (
	ModeRunning  Mode = "running"
	ModeDraining Mode = "draining"
)

// File is the JSON shape of control.json. Read-only to the daemon;
// the operator tool mutates it.
type File struct {
	Mode              Mode   `json:"mode"`
	PauseRequested    bool   `json:"pause_requested"`
	PauseAtCheckpoint string `json:"pause_at_checkpoint,omitempty"`
	DrainTimeoutMS    int    `json:"drain_timeout_ms,omitempty"`
}

// ControlFileName is the file the watcher follows under the control
// root.
const ControlFileName = "control.json"

// pollFallback re-reads the file on a timer in case fsnotify misses
// an event (editors that replace-by-rename, network filesystems).
const pollFallback = 5 * time.Second

// Watcher follows control.json and answers mode/pause queries.
// Last-known-good state is retained while the file is unreadable;
// invalid content is logged once per transition.
type Watcher struct {
	path   string
	broker *telemetry.Broker
	logger zerolog.Logger

	mu          sync.Mutex
	current     File
	invalidSeen bool
	waiters     []chan struct{}

	fsw    *fsnotify.Watcher
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewWatcher creates a watcher over root/control.json. A missing file
// means running.
func NewWatcher(root string, broker *telemetry.Broker) (*Watcher, error) {
	w := &Watcher{
		path:    filepath.Join(root, ControlFileName),
		broker:  broker,
		logger:  log.WithComponent("control"),
		current: File{Mode: ModeRunning},
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	w.reload()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to create control root: %w", err)
	}
	if err := fsw.Add(root); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch control root: %w", err)
	}
	w.fsw = fsw
	go w.run()
	return w, nil
}

// Stop shuts the watcher down.
func (w *Watcher) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

func (w *Watcher) run() {
	defer close(w.doneCh)
	defer w.fsw.Close()

	ticker := time.NewTicker(pollFallback)
	defer ticker.Stop()

	for {
		select {
		case ev := <-w.fsw.Events:
			if filepath.Base(ev.Name) == ControlFileName {
				w.reload()
			}
		case err := <-w.fsw.Errors:
			w.logger.Warn().Err(err).Msg("Control file watch error")
		case <-ticker.C:
			w.reload()
		case <-w.stopCh:
			return
		}
	}
}

// reload reads the control file and wakes waiters on transitions.
func (w *Watcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			w.update(File{Mode: ModeRunning})
		}
		// Temporarily unreadable: keep last-known-good.
		return
	}

	var f File
	if err := json.Unmarshal(data, &f); err != nil || (f.Mode != ModeRunning && f.Mode != ModeDraining) {
		w.mu.Lock()
		if !w.invalidSeen {
			w.invalidSeen = true
			w.logger.Warn().Err(err).Str("path", w.path).Msg("Invalid control file content, keeping last-known-good state")
		}
		w.mu.Unlock()
		return
	}
	w.update(f)
}

func (w *Watcher) update(f File) {
	w.mu.Lock()
	changed := f != w.current
	w.current = f
	w.invalidSeen = false
	var waiters []chan struct{}
	if changed {
		waiters = w.waiters
		w.waiters = nil
	}
	w.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}

// Snapshot returns the current control state.
func (w *Watcher) Snapshot() File {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Mode returns the current mode.
func (w *Watcher) Mode() Mode {
	return w.Snapshot().Mode
}

// changeCh returns a channel closed on the next state transition.
func (w *Watcher) changeCh() chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch := make(chan struct{})
	w.waiters = append(w.waiters, ch)
	return ch
}

// Checkpoint gates a worker at a named checkpoint. It emits
// worker.checkpoint.reached, and when a pause targets this checkpoint
// (or drain mode is active) it emits the pause events and blocks until
// the mode returns to running or ctx is cancelled.
func (w *Watcher) Checkpoint(ctx context.Context, repo, checkpoint string) error {
	w.broker.Publish(&telemetry.Event{
		Repo: repo, Type: telemetry.EventCheckpointReached, Level: telemetry.LevelDebug,
		Data: map[string]any{"checkpoint": checkpoint},
	})

	paused := false
	for {
		f := w.Snapshot()
		if !w.pausingAt(f, checkpoint) {
			if paused {
				w.broker.Publish(&telemetry.Event{
					Repo: repo, Type: telemetry.EventPauseCleared,
					Data: map[string]any{"checkpoint": checkpoint},
				})
			}
			return nil
		}
		if !paused {
			paused = true
			w.broker.Publish(&telemetry.Event{
				Repo: repo, Type: telemetry.EventPauseRequested,
				Data: map[string]any{"checkpoint": checkpoint},
			})
			w.broker.Publish(&telemetry.Event{
				Repo: repo, Type: telemetry.EventPauseReached,
				Data: map[string]any{"checkpoint": checkpoint},
			})
		}
		ch := w.changeCh()
		// Re-check after registering so a transition between Snapshot
		// and changeCh is not lost.
		if !w.pausingAt(w.Snapshot(), checkpoint) {
			continue
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *Watcher) pausingAt(f File, checkpoint string) bool {
	if f.Mode == ModeDraining {
		return true
	}
	if !f.PauseRequested {
		return false
	}
	return f.PauseAtCheckpoint == "" || f.PauseAtCheckpoint == checkpoint
}

// Write persists a control file. Operator-side helper used by the CLI
// pause/resume commands; the daemon itself never writes.
func Write(root string, f File) error {
	if err := os.MkdirAll(root, 0755); err != nil {
		return fmt.Errorf("failed to create control root: %w", err)
	}
	data, err := json.MarshalIndent(&f, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(root, ControlFileName+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(root, ControlFileName))
}
