package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Worktree artefact layout.
const (
	ralphDir   = ".ralph"
	planFile   = "plan.md"
	gitExclude = ".git/info/exclude"
)

// Worktrees derives and maintains per-task working trees under a
// common root. Each worktree is exclusively owned by the claiming
// task.
type Worktrees struct {
	root string
}

// NewWorktrees creates a manager rooted at root.
func NewWorktrees(root string) *Worktrees {
	return &Worktrees{root: root}
}

// PathFor derives the stable worktree path for one task.
func (w *Worktrees) PathFor(repo string, issueNumber int) string {
	safe := strings.ReplaceAll(repo, "/", "--")
	return filepath.Join(w.root, fmt.Sprintf("%s-%d", safe, issueNumber))
}

// Exists reports whether the worktree directory is present.
func (w *Worktrees) Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// EnsureLayout verifies the artefact layout the lifecycle requires:
// .ralph/plan.md present, and .ralph/ excluded from git. A missing
// plan file is an error the pre-flight gate converts into a blocked
// outcome; the git exclusion is installed when absent.
func (w *Worktrees) EnsureLayout(path string) error {
	plan := filepath.Join(path, ralphDir, planFile)
	if _, err := os.Stat(plan); err != nil {
		return fmt.Errorf("worktree missing %s/%s: %w", ralphDir, planFile, err)
	}
	return w.ensureExcluded(path)
}

// ensureExcluded appends .ralph/ to .git/info/exclude when the
// worktree has a git dir and the entry is absent.
func (w *Worktrees) ensureExcluded(path string) error {
	excludePath := filepath.Join(path, gitExclude)
	data, err := os.ReadFile(excludePath)
	if err != nil {
		if os.IsNotExist(err) {
			// Not a git checkout (tests) or a linked worktree; nothing
			// to exclude here.
			return nil
		}
		return err
	}
	entry := ralphDir + "/"
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == entry {
			return nil
		}
	}
	f, err := os.OpenFile(excludePath, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "%s\n", entry)
	return err
}

// Cleanup removes the worktree directory, best effort.
func (w *Worktrees) Cleanup(path string) {
	if path == "" || w.root == "" || !strings.HasPrefix(path, w.root+string(os.PathSeparator)) {
		// Refuse to delete anything outside the managed root.
		return
	}
	os.RemoveAll(path)
}
