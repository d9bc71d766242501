package labelio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/3mdistal/ralph-sub004/pkg/governor"
	"github.com/3mdistal/ralph-sub004/pkg/hosting"
	"github.com/3mdistal/ralph-sub004/pkg/log"
	"github.com/3mdistal/ralph-sub004/pkg/metrics"
)

// OutcomeKind classifies an executeLabelOps result.
type OutcomeKind string

const (
	OutcomeOK        OutcomeKind = "ok"
	OutcomePolicy    OutcomeKind = "policy"
	OutcomeAuth      OutcomeKind = "auth"
	OutcomeTransient OutcomeKind = "transient"
	OutcomeUnknown   OutcomeKind = "unknown"
)

// Outcome reports what happened to one op batch.
type Outcome struct {
	Kind       OutcomeKind
	Err        error
	Applied    []Op
	RolledBack bool
}

// transientTTL is how long a transient failure suppresses re-execution
// against the same issue.
const transientTTL = 30 * time.Second

// Executor applies planned label ops against the hosting service.
type Executor struct {
	svc    hosting.Interface
	gov    *governor.Governor
	logger zerolog.Logger

	mu       sync.Mutex
	cooldown map[string]time.Time // "repo#number" -> suppress until

	now func() time.Time
}

// ExecutorOption configures optional collaborators.
type ExecutorOption func(*Executor)

// WithExecutorGovernor accounts label batches on the budget governor.
func WithExecutorGovernor(g *governor.Governor) ExecutorOption {
	return func(e *Executor) { e.gov = g }
}

// NewExecutor creates an executor over the hosting service.
func NewExecutor(svc hosting.Interface, opts ...ExecutorOption) *Executor {
	e := &Executor{
		svc:      svc,
		logger:   log.WithComponent("labelio"),
		cooldown: make(map[string]time.Time),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute applies ops in order (adds precede removes by construction).
// A missing-label failure triggers one ensure-and-retry. Any other
// failure rolls back the ops already applied, best effort, and the
// outcome carries the classified kind. Transient outcomes start a
// short per-issue cooldown during which Execute refuses immediately.
func (e *Executor) Execute(ctx context.Context, repo string, number int, ops []Op) Outcome {
	if len(ops) == 0 {
		return Outcome{Kind: OutcomeOK}
	}
	// Status labels are the canonical task state; their mutation rides
	// the critical lane (accounted, never refused).
	e.gov.Acquire(governor.LaneCritical, governor.CostWrite)

	key := fmt.Sprintf("%s#%d", repo, number)
	e.mu.Lock()
	until, cooling := e.cooldown[key]
	e.mu.Unlock()
	if cooling && until.After(e.now()) {
		return Outcome{
			Kind: OutcomeTransient,
			Err:  fmt.Errorf("labelio: %s cooling down until %s after transient failure", key, until.Format(time.RFC3339)),
		}
	}

	var applied []Op
	for _, op := range ops {
		if err := e.apply(ctx, repo, number, op); err != nil {
			outcome := e.classify(err)
			e.rollback(ctx, repo, number, applied)
			if outcome == OutcomeTransient {
				e.mu.Lock()
				e.cooldown[key] = e.now().Add(transientTTL)
				e.mu.Unlock()
			}
			metrics.LabelOpsTotal.WithLabelValues(string(op.Kind), string(outcome)).Inc()
			return Outcome{Kind: outcome, Err: err, Applied: applied, RolledBack: len(applied) > 0}
		}
		applied = append(applied, op)
		metrics.LabelOpsTotal.WithLabelValues(string(op.Kind), string(OutcomeOK)).Inc()
	}

	e.mu.Lock()
	delete(e.cooldown, key)
	e.mu.Unlock()
	return Outcome{Kind: OutcomeOK, Applied: applied}
}

// apply runs one op, retrying once behind EnsureLabel when an add hits
// a label the repo does not have yet.
func (e *Executor) apply(ctx context.Context, repo string, number int, op Op) error {
	switch op.Kind {
	case OpAdd:
		err := e.svc.AddLabels(ctx, repo, number, []string{op.Label})
		if hosting.KindOf(err) == hosting.KindNotFound {
			if ensureErr := e.svc.EnsureLabel(ctx, repo, op.Label); ensureErr != nil {
				return ensureErr
			}
			return e.svc.AddLabels(ctx, repo, number, []string{op.Label})
		}
		return err
	case OpRemove:
		err := e.svc.RemoveLabel(ctx, repo, number, op.Label)
		if hosting.KindOf(err) == hosting.KindNotFound {
			// Already absent. Removal is idempotent.
			return nil
		}
		return err
	default:
		return fmt.Errorf("labelio: unknown op kind %q", op.Kind)
	}
}

// rollback undoes applied ops in reverse order. Failures are logged
// and swallowed; the sweepers reconcile anything left behind.
func (e *Executor) rollback(ctx context.Context, repo string, number int, applied []Op) {
	for i := len(applied) - 1; i >= 0; i-- {
		op := applied[i]
		var err error
		switch op.Kind {
		case OpAdd:
			err = e.svc.RemoveLabel(ctx, repo, number, op.Label)
		case OpRemove:
			err = e.svc.AddLabels(ctx, repo, number, []string{op.Label})
		}
		if err != nil {
			e.logger.Warn().Err(err).
				Str("repo", repo).Int("issue", number).
				Str("label", op.Label).Str("op", string(op.Kind)).
				Msg("Label rollback failed")
		}
	}
}

func (e *Executor) classify(err error) OutcomeKind {
	switch hosting.KindOf(err) {
	case hosting.KindAuth:
		return OutcomeAuth
	case hosting.KindRateLimit, hosting.KindTransient, hosting.KindConflict:
		return OutcomeTransient
	default:
		return OutcomeUnknown
	}
}
