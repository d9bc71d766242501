// Package doctor audits the local Ralph footprint: the daemon
// registry, the control file, and the durable op-state ledger. It
// emits a versioned JSON report and can apply safe repairs.
package doctor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/3mdistal/ralph-sub004/pkg/control"
	"github.com/3mdistal/ralph-sub004/pkg/storage"
)

// SchemaVersion identifies the report shape.
const SchemaVersion = 1

// Finding severities.
const (
	SeverityWarn  = "warn"
	SeverityError = "error"
)

// Finding kinds.
const (
	KindStaleDaemonRecord  = "stale-daemon-record"
	KindDuplicateDaemonID  = "duplicate-daemon-id"
	KindInvalidControlFile = "invalid-control-file"
	KindOrphanedOpState    = "orphaned-op-state"
)

// Repair identifiers.
const (
	RepairPruneRegistry     = "prune-registry"
	RepairResetControlFile  = "reset-control-file"
	RepairReleaseOrphanedOp = "release-orphaned-op-state"
)

// Finding is one observed problem.
type Finding struct {
	Kind     string `json:"kind"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
	Repair   string `json:"repair,omitempty"`
}

// Report is the versioned doctor output.
type Report struct {
	SchemaVersion      int       `json:"schema_version"`
	Timestamp          time.Time `json:"timestamp"`
	OverallStatus      string    `json:"overall_status"`
	OK                 bool      `json:"ok"`
	RepairMode         bool      `json:"repair_mode"`
	DryRun             bool      `json:"dry_run"`
	DaemonCandidates   int       `json:"daemon_candidates"`
	ControlCandidates  int       `json:"control_candidates"`
	Roots              []string  `json:"roots"`
	Findings           []Finding `json:"findings"`
	RecommendedRepairs []string  `json:"recommended_repairs"`
	AppliedRepairs     []string  `json:"applied_repairs"`
}

// Options configures one doctor run. Store and Repos are optional; the
// op-state audit is skipped without them.
type Options struct {
	ControlRoot string
	Store       storage.Store
	Repos       []string
	Repair      bool
	DryRun      bool
}

// Run performs the audit and, in repair mode, applies the repairs.
func Run(opts Options) (*Report, error) {
	rep := &Report{
		SchemaVersion:      SchemaVersion,
		Timestamp:          time.Now().UTC(),
		RepairMode:         opts.Repair,
		DryRun:             opts.DryRun,
		Roots:              []string{opts.ControlRoot},
		Findings:           []Finding{},
		RecommendedRepairs: []string{},
		AppliedRepairs:     []string{},
	}

	registry := control.NewRegistry(opts.ControlRoot)
	if err := auditRegistry(registry, rep); err != nil {
		return nil, err
	}
	auditControlFile(opts.ControlRoot, rep)
	orphans := map[string][]string{}
	if opts.Store != nil {
		var err error
		orphans, err = auditOpStates(opts, registry, rep)
		if err != nil {
			return nil, err
		}
	}

	if opts.Repair && !opts.DryRun {
		applyRepairs(opts, registry, rep, orphans)
	}

	rep.OverallStatus = "ok"
	for _, f := range rep.Findings {
		if f.Severity == SeverityError {
			rep.OverallStatus = "error"
			break
		}
		rep.OverallStatus = "warn"
	}
	rep.OK = len(rep.Findings) == 0
	return rep, nil
}

// auditRegistry flags stale and duplicate daemon records. A dead-PID
// record must never be reported as a running daemon.
func auditRegistry(registry *control.Registry, rep *Report) error {
	discovered, err := registry.Discover()
	if err != nil {
		return fmt.Errorf("failed to read daemon registry: %w", err)
	}
	rep.DaemonCandidates = len(discovered)
	for _, d := range discovered {
		if d.Liveness == control.LivenessStale {
			rep.Findings = append(rep.Findings, Finding{
				Kind:     KindStaleDaemonRecord,
				Severity: SeverityWarn,
				Detail:   fmt.Sprintf("daemon %s (pid %d) is not running", d.Record.DaemonID, d.Record.PID),
				Repair:   RepairPruneRegistry,
			})
			recommend(rep, RepairPruneRegistry)
		}
		if d.Duplicate {
			rep.Findings = append(rep.Findings, Finding{
				Kind:     KindDuplicateDaemonID,
				Severity: SeverityWarn,
				Detail:   fmt.Sprintf("daemon id %s appears more than once", d.Record.DaemonID),
			})
		}
	}
	return nil
}

// auditControlFile flags unparseable content or an unknown mode. A
// missing file is healthy (the daemon treats it as running).
func auditControlFile(root string, rep *Report) {
	path := filepath.Join(root, control.ControlFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		rep.Findings = append(rep.Findings, Finding{
			Kind: KindInvalidControlFile, Severity: SeverityError,
			Detail: fmt.Sprintf("control file unreadable: %v", err),
			Repair: RepairResetControlFile,
		})
		recommend(rep, RepairResetControlFile)
		return
	}
	rep.ControlCandidates = 1
	var f control.File
	if err := json.Unmarshal(data, &f); err != nil || (f.Mode != control.ModeRunning && f.Mode != control.ModeDraining) {
		rep.Findings = append(rep.Findings, Finding{
			Kind: KindInvalidControlFile, Severity: SeverityError,
			Detail: fmt.Sprintf("control file %s has invalid content", path),
			Repair: RepairResetControlFile,
		})
		recommend(rep, RepairResetControlFile)
	}
}

// auditOpStates flags unreleased leases owned by daemons that are no
// longer running, returning them keyed by repo for the repair pass.
func auditOpStates(opts Options, registry *control.Registry, rep *Report) (map[string][]string, error) {
	discovered, err := registry.Discover()
	if err != nil {
		return nil, err
	}
	running := make(map[string]bool)
	for _, d := range discovered {
		if d.Liveness == control.LivenessRunning {
			running[d.Record.DaemonID] = true
		}
	}
	orphans := make(map[string][]string)
	for _, repo := range opts.Repos {
		ops, err := opts.Store.ListOpStatesByRepo(repo)
		if err != nil {
			return nil, fmt.Errorf("failed to list op-states for %s: %w", repo, err)
		}
		for _, op := range ops {
			if op.Released() || running[op.DaemonID] {
				continue
			}
			orphans[repo] = append(orphans[repo], op.TaskPath)
			rep.Findings = append(rep.Findings, Finding{
				Kind:     KindOrphanedOpState,
				Severity: SeverityWarn,
				Detail:   fmt.Sprintf("%s is leased by dead daemon %s", op.TaskPath, op.DaemonID),
				Repair:   RepairReleaseOrphanedOp,
			})
			recommend(rep, RepairReleaseOrphanedOp)
		}
	}
	return orphans, nil
}

// applyRepairs executes the recommended repairs in a fixed order.
func applyRepairs(opts Options, registry *control.Registry, rep *Report, orphans map[string][]string) {
	for _, repair := range rep.RecommendedRepairs {
		switch repair {
		case RepairPruneRegistry:
			if n, err := registry.Prune(); err == nil && n > 0 {
				rep.AppliedRepairs = append(rep.AppliedRepairs, fmt.Sprintf("%s: dropped %d records", repair, n))
			}
		case RepairResetControlFile:
			if err := control.Write(opts.ControlRoot, control.File{Mode: control.ModeRunning}); err == nil {
				rep.AppliedRepairs = append(rep.AppliedRepairs, repair)
			}
		case RepairReleaseOrphanedOp:
			released := 0
			now := time.Now()
			for repo, paths := range orphans {
				for _, path := range paths {
					if err := opts.Store.ReleaseOpState(repo, path, "doctor-orphan", now); err == nil {
						released++
					}
				}
			}
			rep.AppliedRepairs = append(rep.AppliedRepairs, fmt.Sprintf("%s: released %d leases", repair, released))
		}
	}
}

func recommend(rep *Report, repair string) {
	for _, r := range rep.RecommendedRepairs {
		if r == repair {
			return
		}
	}
	rep.RecommendedRepairs = append(rep.RecommendedRepairs, repair)
}
