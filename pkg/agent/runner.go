package agent

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/3mdistal/ralph-sub004/pkg/log"
)

// Request is one agent invocation. An empty SessionID opens a new
// session; a non-empty one resumes it.
type Request struct {
	SessionID string
	Worktree  string
	Prompt    string
	Timeout   time.Duration
}

// Result is the outcome of one invocation.
type Result struct {
	SessionID  string
	Output     string
	RunLogPath string
}

// SessionRunner runs the coding agent. Production wires the
// subprocess runner; tests wire the Fake.
type SessionRunner interface {
	Run(ctx context.Context, req Request) (*Result, error)
}

// maxOutputBytes bounds captured agent output.
const maxOutputBytes = 4 << 20

// SubprocessRunner shells out to the configured agent command.
type SubprocessRunner struct {
	command string
	logDir  string
	logger  zerolog.Logger
}

var _ SessionRunner = (*SubprocessRunner)(nil)

// NewSubprocessRunner creates a runner for command, writing run logs
// under logDir.
func NewSubprocessRunner(command, logDir string) *SubprocessRunner {
	return &SubprocessRunner{
		command: command,
		logDir:  logDir,
		logger:  log.WithComponent("agent"),
	}
}

// Resolvable reports whether the agent command can be found. Used by
// the worker's profile pre-flight gate.
func (r *SubprocessRunner) Resolvable() error {
	if r.command == "" {
		return fmt.Errorf("agent: no command configured")
	}
	if _, err := exec.LookPath(r.command); err != nil {
		return fmt.Errorf("agent: command %q not resolvable: %w", r.command, err)
	}
	return nil
}

// Run executes one agent turn. The prompt goes to stdin; stdout and
// stderr are captured, bounded, and mirrored to a per-session run log.
func (r *SubprocessRunner) Run(ctx context.Context, req Request) (*Result, error) {
	sessionID := req.SessionID
	args := []string{"--output-format", "text"}
	if sessionID == "" {
		sessionID = uuid.NewString()
		args = append(args, "--session-id", sessionID)
	} else {
		args = append(args, "--resume", sessionID)
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, r.command, args...)
	cmd.Dir = req.Worktree
	cmd.Stdin = bytes.NewBufferString(req.Prompt)

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	start := time.Now()
	runErr := cmd.Run()

	out := buf.Bytes()
	if len(out) > maxOutputBytes {
		out = out[len(out)-maxOutputBytes:]
	}
	res := &Result{
		SessionID:  sessionID,
		Output:     string(out),
		RunLogPath: r.writeRunLog(sessionID, out),
	}

	r.logger.Debug().Str("session_id", sessionID).
		Dur("duration", time.Since(start)).Err(runErr).
		Msg("Agent run finished")

	if runErr != nil {
		return res, fmt.Errorf("agent: run failed: %w", runErr)
	}
	return res, nil
}

// writeRunLog appends the run output to the per-session log file,
// best effort.
func (r *SubprocessRunner) writeRunLog(sessionID string, out []byte) string {
	if r.logDir == "" {
		return ""
	}
	if err := os.MkdirAll(r.logDir, 0755); err != nil {
		return ""
	}
	path := filepath.Join(r.logDir, "run-"+sessionID+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return ""
	}
	defer f.Close()
	f.Write(out)
	f.Write([]byte("\n"))
	return path
}

// Fake is a scripted runner for tests. Each Run pops the next step.
type Fake struct {
	Steps []FakeStep
	Runs  []Request

	next int
}

// FakeStep is one scripted response.
type FakeStep struct {
	Output string
	Err    error
}

var _ SessionRunner = (*Fake)(nil)

func (f *Fake) Run(_ context.Context, req Request) (*Result, error) {
	f.Runs = append(f.Runs, req)
	if f.next >= len(f.Steps) {
		return nil, fmt.Errorf("agent: fake exhausted after %d runs", f.next)
	}
	step := f.Steps[f.next]
	f.next++

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = fmt.Sprintf("fake-session-%d", f.next)
	}
	res := &Result{SessionID: sessionID, Output: step.Output}
	if step.Err != nil {
		return res, step.Err
	}
	return res, nil
}
