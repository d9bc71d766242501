// Package daemon wires the Ralph components into one long-running
// process: the durable store, the hosting client, the budget governor,
// per-repo queue drivers and sweepers, the worker slots, the control
// plane, and the metrics listener.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/3mdistal/ralph-sub004/pkg/agent"
	"github.com/3mdistal/ralph-sub004/pkg/config"
	"github.com/3mdistal/ralph-sub004/pkg/control"
	"github.com/3mdistal/ralph-sub004/pkg/escalation"
	"github.com/3mdistal/ralph-sub004/pkg/governor"
	"github.com/3mdistal/ralph-sub004/pkg/hosting"
	"github.com/3mdistal/ralph-sub004/pkg/labelio"
	"github.com/3mdistal/ralph-sub004/pkg/log"
	"github.com/3mdistal/ralph-sub004/pkg/mergegate"
	"github.com/3mdistal/ralph-sub004/pkg/metrics"
	"github.com/3mdistal/ralph-sub004/pkg/queue"
	"github.com/3mdistal/ralph-sub004/pkg/relationship"
	"github.com/3mdistal/ralph-sub004/pkg/storage"
	"github.com/3mdistal/ralph-sub004/pkg/telemetry"
	"github.com/3mdistal/ralph-sub004/pkg/types"
	"github.com/3mdistal/ralph-sub004/pkg/worker"
)

// registryHeartbeat is how often the daemon refreshes its registry
// record.
const registryHeartbeat = 30 * time.Second

// governorSnapshotKind keys the persisted governor summary.
const governorSnapshotKind = "governor"

// Option overrides a wired collaborator, used by tests.
type Option func(*Daemon)

// WithService injects the hosting service.
func WithService(svc hosting.Interface) Option {
	return func(d *Daemon) { d.svc = svc }
}

// WithStore injects the durable store.
func WithStore(store storage.Store) Option {
	return func(d *Daemon) { d.store = store }
}

// WithRunner injects the agent session runner.
func WithRunner(r agent.SessionRunner) Option {
	return func(d *Daemon) { d.runner = r }
}

// repoRuntime is the per-repository runtime: one driver, one sweeper,
// MaxWorkers worker slots.
type repoRuntime struct {
	repo      types.Repo
	driver    *queue.Driver
	workers   []*worker.Worker
	freeSlots chan int

	mu       sync.Mutex
	inflight map[string]bool
}

// Daemon is the Ralph supervisor process.
type Daemon struct {
	cfg      *config.Config
	daemonID string
	token    string

	store    storage.Store
	svc      hosting.Interface
	runner   agent.SessionRunner
	broker   *telemetry.Broker
	sink     *telemetry.FileSink
	gov      *governor.Governor
	watcher  *control.Watcher
	registry *control.Registry
	health   *metrics.Health
	repos    []*repoRuntime
	httpSrv  *http.Server

	logger zerolog.Logger
	wg     sync.WaitGroup
}

// New wires a daemon from config. Options replace production
// collaborators with injected ones.
func New(cfg *config.Config, opts ...Option) (*Daemon, error) {
	d := &Daemon{
		cfg:      cfg,
		daemonID: control.NewDaemonID(),
		broker:   telemetry.NewBroker(),
		logger:   log.WithComponent("daemon"),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.broker.Start()

	if cfg.EventDir != "" {
		sink, err := telemetry.NewFileSink(cfg.EventDir, d.broker)
		if err != nil {
			return nil, err
		}
		d.sink = sink
		d.sink.Start()
	}

	if d.store == nil {
		store, err := storage.NewBoltStore(cfg.StateDB)
		if err != nil {
			return nil, err
		}
		d.store = store
	}

	token := ""
	if d.svc == nil {
		var err error
		token, err = config.ResolveToken()
		if err != nil {
			return nil, err
		}
		d.svc = hosting.NewClient(hosting.Config{Token: token, Broker: d.broker})
	}
	d.token = token

	govOpts := []governor.Option{governor.WithBroker(d.broker)}
	if token != "" {
		govOpts = append(govOpts,
			governor.WithCooldownObserver(func() time.Time { return hosting.ResumeAt(token) }),
			governor.WithQuotaObserver(func() int { return hosting.QuotaRemaining(token) }),
		)
	}
	d.gov = governor.New(cfg.Governor, govOpts...)

	watcher, err := control.NewWatcher(cfg.Control.Root, d.broker)
	if err != nil {
		return nil, err
	}
	d.watcher = watcher
	d.registry = control.NewRegistry(cfg.Control.Root)

	if d.runner == nil {
		d.runner = agent.NewSubprocessRunner(cfg.Agent.Command, cfg.EventDir)
	}
	worktrees := agent.NewWorktrees(cfg.Agent.WorktreeRoot)
	executor := labelio.NewExecutor(d.svc, labelio.WithExecutorGovernor(d.gov))
	commenter := labelio.NewCommenter(d.svc, d.store, labelio.WithCommenterGovernor(d.gov))
	reporter := escalation.NewReporter(commenter, escalation.NewLogNotifier(), d.broker)
	rel := relationship.NewEngine(d.svc)

	for _, repo := range cfg.ReposTyped() {
		driver := queue.NewDriver(queue.Options{
			Repo:          repo,
			Store:         d.store,
			Service:       d.svc,
			Executor:      executor,
			Commenter:     commenter,
			Relationship:  rel,
			Broker:        d.broker,
			Governor:      d.gov,
			WorkflowLabel: cfg.Queue.WorkflowLabel,
			HeartbeatTTL:  cfg.Control.HeartbeatTTL,
		})
		rt := &repoRuntime{
			repo:      repo,
			driver:    driver,
			freeSlots: make(chan int, repo.MaxWorkers),
			inflight:  make(map[string]bool),
		}
		for slot := 0; slot < repo.MaxWorkers; slot++ {
			rt.workers = append(rt.workers, worker.New(worker.Options{
				Driver:       driver,
				Store:        d.store,
				Service:      d.svc,
				Governor:     d.gov,
				Control:      d.watcher,
				Runner:       d.runner,
				Worktrees:    worktrees,
				Executor:     executor,
				Commenter:    commenter,
				Reporter:     reporter,
				Gate:         mergegate.NewController(d.svc, executor),
				Broker:       d.broker,
				Agent:        cfg.Agent,
				DaemonID:     d.daemonID,
				Slot:         slot,
				HeartbeatTTL: cfg.Control.HeartbeatTTL,
			}))
			rt.freeSlots <- slot
		}
		d.repos = append(d.repos, rt)
	}

	d.health = metrics.NewHealth(d.daemonID)
	d.health.Register("store", true, d.storeProbe)
	d.health.Register("hosting", true, d.hostingProbe)
	for _, rt := range d.repos {
		d.health.Register("queue:"+rt.repo.FullName(), true, rt.driver.Healthy)
	}

	return d, nil
}

// storeProbe exercises a store read. A missing snapshot is fine; any
// other error means the database is unusable.
func (d *Daemon) storeProbe() (bool, string) {
	if _, err := d.store.GetRuntimeSnapshot(governorSnapshotKind); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return false, err.Error()
	}
	return true, ""
}

// hostingProbe fails while the token sits in a rate-limit cooldown: the
// daemon cannot make progress until the window clears.
func (d *Daemon) hostingProbe() (bool, string) {
	if d.token == "" {
		return true, ""
	}
	if until := hosting.ResumeAt(d.token); until.After(time.Now()) {
		return false, "rate-limit cooldown until " + until.UTC().Format(time.RFC3339)
	}
	return true, ""
}

// DaemonID returns the minted daemon identity.
func (d *Daemon) DaemonID() string { return d.daemonID }

// Run starts all loops and blocks until ctx is cancelled, then shuts
// down gracefully.
func (d *Daemon) Run(ctx context.Context) error {
	if _, err := d.registry.Register(d.daemonID); err != nil {
		return fmt.Errorf("failed to register daemon: %w", err)
	}
	d.logger.Info().Str("daemon_id", d.daemonID).Int("repos", len(d.repos)).Msg("Daemon starting")

	if d.cfg.ListenAddr != "" {
		d.startHTTP()
	}

	d.spawn(func() { d.registryLoop(ctx) })
	d.spawn(func() { d.governorLoop(ctx) })
	for _, rt := range d.repos {
		rt := rt
		d.spawn(func() { d.pollLoop(ctx, rt) })
		d.spawn(func() { d.sweepLoop(ctx, rt) })
		d.spawn(func() { d.dispatchLoop(ctx, rt) })
	}

	<-ctx.Done()
	d.logger.Info().Msg("Shutdown requested, waiting for workers")
	d.wg.Wait()
	d.shutdown()
	return nil
}

func (d *Daemon) spawn(fn func()) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn()
	}()
}

func (d *Daemon) startHTTP() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", d.health.HealthHandler())
	mux.HandleFunc("/readyz", d.health.ReadyHandler())
	mux.HandleFunc("/livez", d.health.LiveHandler())
	d.httpSrv = &http.Server{Addr: d.cfg.ListenAddr, Handler: mux}
	go func() {
		if err := d.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.logger.Error().Err(err).Msg("Metrics listener failed")
		}
	}()
}

// pollLoop refreshes issue snapshots on the configured cadence.
func (d *Daemon) pollLoop(ctx context.Context, rt *repoRuntime) {
	ticker := time.NewTicker(d.cfg.Queue.PollInterval)
	defer ticker.Stop()
	d.pollOnce(ctx, rt)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.pollOnce(ctx, rt)
		}
	}
}

func (d *Daemon) pollOnce(ctx context.Context, rt *repoRuntime) {
	if err := rt.driver.Poll(ctx); err != nil {
		d.logger.Warn().Err(err).Str("repo", rt.repo.FullName()).Msg("Poll failed")
	}
}

// sweepLoop runs the periodic sweepers, single-threaded per repo.
func (d *Daemon) sweepLoop(ctx context.Context, rt *repoRuntime) {
	ticker := time.NewTicker(d.cfg.Queue.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rt.driver.Sweep(ctx)
		}
	}
}

// dispatchLoop hands queued (and resumable) tasks to free worker slots.
func (d *Daemon) dispatchLoop(ctx context.Context, rt *repoRuntime) {
	ticker := time.NewTicker(d.cfg.Queue.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.dispatchOnce(ctx, rt)
		}
	}
}

func (d *Daemon) dispatchOnce(ctx context.Context, rt *repoRuntime) {
	if d.watcher.Mode() == control.ModeDraining {
		return
	}
	for _, task := range d.dispatchable(rt) {
		select {
		case slot := <-rt.freeSlots:
			task := task
			rt.mu.Lock()
			rt.inflight[task.Path()] = true
			rt.mu.Unlock()
			d.spawn(func() {
				defer func() {
					rt.mu.Lock()
					delete(rt.inflight, task.Path())
					rt.mu.Unlock()
					rt.freeSlots <- slot
				}()
				d.runTask(ctx, rt, slot, task)
			})
		default:
			return
		}
	}
}

// dispatchable lists queued tasks plus in-progress sessioned tasks
// this daemon owns or whose lease went stale. A daemon restart mints a
// fresh identity, so the stale-lease path is how a recorded session is
// resumed across restarts: runTask adopts the lease before running.
func (d *Daemon) dispatchable(rt *repoRuntime) []*types.TaskView {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	var out []*types.TaskView
	queued, err := rt.driver.ListQueued()
	if err != nil {
		d.logger.Warn().Err(err).Str("repo", rt.repo.FullName()).Msg("Failed to list queued tasks")
		return nil
	}
	for _, t := range queued {
		if !rt.inflight[t.Path()] {
			out = append(out, t)
		}
	}
	inProgress, err := rt.driver.ListByStatus(types.TaskInProgress)
	if err != nil {
		return out
	}
	now := time.Now()
	for _, t := range inProgress {
		if t.SessionID == "" || rt.inflight[t.Path()] {
			continue
		}
		if t.DaemonID == d.daemonID || now.Sub(t.HeartbeatAt) > d.cfg.Control.HeartbeatTTL {
			out = append(out, t)
		}
	}
	return out
}

func (d *Daemon) runTask(ctx context.Context, rt *repoRuntime, slot int, task *types.TaskView) {
	if task.Status == types.TaskInProgress && task.DaemonID != d.daemonID {
		if err := rt.driver.Adopt(task, d.daemonID, slot); err != nil {
			d.logger.Debug().Err(err).Str("task", task.Path()).Msg("Lease adoption refused")
			return
		}
	}
	rep, err := rt.workers[slot].Run(ctx, task)
	if err != nil {
		d.logger.Warn().Err(err).Str("task", task.Path()).Msg("Worker run aborted")
		return
	}
	d.logger.Info().
		Str("task", rep.Task).
		Str("outcome", string(rep.Outcome)).
		Bool("requeued", rep.Requeued).
		Str("reason", rep.Reason).
		Msg("Worker run finished")
}

// registryLoop refreshes the daemon registry record.
func (d *Daemon) registryLoop(ctx context.Context) {
	ticker := time.NewTicker(registryHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.registry.Heartbeat(); err != nil {
				d.logger.Warn().Err(err).Msg("Registry heartbeat failed")
			}
		}
	}
}

// governorLoop persists the governor summary on its cadence; the store
// enforces the write-interval floor.
func (d *Daemon) governorLoop(ctx context.Context) {
	interval := d.cfg.Governor.SummaryInterval
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload, err := json.Marshal(d.gov.Snapshot())
			if err != nil {
				continue
			}
			if err := d.store.PutRuntimeSnapshot(governorSnapshotKind, payload); err != nil {
				d.logger.Debug().Err(err).Msg("Governor snapshot write skipped")
			}
		}
	}
}

// shutdown releases shared resources after the loops have drained.
func (d *Daemon) shutdown() {
	if d.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		d.httpSrv.Shutdown(shutdownCtx)
		cancel()
	}
	if err := d.registry.Deregister(); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to deregister daemon")
	}
	d.watcher.Stop()
	if d.sink != nil {
		d.sink.Stop()
	}
	d.broker.Stop()
	if err := d.store.Close(); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to close state store")
	}
	d.logger.Info().Str("daemon_id", d.daemonID).Msg("Daemon stopped")
}
