package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3mdistal/ralph-sub004/pkg/agent"
	"github.com/3mdistal/ralph-sub004/pkg/config"
	"github.com/3mdistal/ralph-sub004/pkg/control"
	"github.com/3mdistal/ralph-sub004/pkg/hosting"
	"github.com/3mdistal/ralph-sub004/pkg/storage"
	"github.com/3mdistal/ralph-sub004/pkg/types"
)

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		Control: config.ControlConfig{Root: t.TempDir(), HeartbeatTTL: 90 * time.Second},
		Queue:   config.QueueConfig{PollInterval: 20 * time.Millisecond, SweepInterval: time.Hour},
		Governor: config.GovernorConfig{
			ImportantCapacity: 100, ImportantRefill: 50,
			BestEffortCapacity: 100, BestEffortRefill: 50,
			PressureThreshold: 1, SummaryInterval: time.Second,
		},
		Agent: config.AgentConfig{
			Command:      "ralph-agent",
			PlanTimeout:  time.Minute,
			BuildTimeout: time.Minute,
			WorktreeRoot: t.TempDir(),
		},
		Repos: []config.RepoConfig{{Owner: "acme", Name: "widgets", BotBranch: "main", MaxWorkers: 1}},
	}
}

func seedTask(t *testing.T, fake *hosting.Fake, worktreeRoot string) {
	fake.SeedIssue("acme/widgets", &hosting.Issue{
		Number: 7,
		Title:  "add pagination",
		State:  "open",
		User:   hosting.Actor{Login: "alice"},
		Labels: []hosting.Label{{Name: types.LabelQueued}},
	})
	fake.SeedPR("acme/widgets", &hosting.PullRequest{
		Number:         42,
		HTMLURL:        "https://github.com/acme/widgets/pull/42",
		State:          "open",
		MergeableState: "clean",
		Head: struct {
			SHA string `json:"sha"`
			Ref string `json:"ref"`
		}{SHA: "abc123", Ref: "ralph/issue-7"},
		Base: struct {
			Ref string `json:"ref"`
		}{Ref: "main"},
		CreatedAt: time.Now().Add(-time.Hour),
	})

	wt := filepath.Join(worktreeRoot, "acme--widgets-7", ".ralph")
	require.NoError(t, os.MkdirAll(wt, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(wt, "plan.md"), []byte("# plan"), 0644))
}

func TestDaemonDrivesTaskToDone(t *testing.T) {
	cfg := testConfig(t)
	fake := hosting.NewFake()
	store := storage.NewMemoryStore()
	runner := &agent.Fake{Steps: []agent.FakeStep{
		{Output: `RALPH_PLAN: {"decision":"proceed","confidence":0.9}`},
		{Output: "Opened https://github.com/acme/widgets/pull/42"},
	}}
	seedTask(t, fake, cfg.Agent.WorktreeRoot)

	d, err := New(cfg, WithService(fake), WithStore(store), WithRunner(runner))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	assert.Eventually(t, func() bool {
		issue, err := fake.GetIssue(context.Background(), "acme/widgets", 7)
		if err != nil {
			return false
		}
		for _, l := range issue.LabelNames() {
			if l == types.LabelDone {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond, "task should reach done")

	pr, err := fake.GetPR(context.Background(), "acme/widgets", 42)
	require.NoError(t, err)
	assert.True(t, pr.Merged)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not shut down")
	}

	// Graceful shutdown removes the registry record.
	reg := control.NewRegistry(cfg.Control.Root)
	discovered, err := reg.Discover()
	require.NoError(t, err)
	assert.Empty(t, discovered)
}

func TestDaemonDrainStopsDispatch(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, control.Write(cfg.Control.Root, control.File{Mode: control.ModeDraining}))

	fake := hosting.NewFake()
	store := storage.NewMemoryStore()
	runner := &agent.Fake{}
	seedTask(t, fake, cfg.Agent.WorktreeRoot)

	d, err := New(cfg, WithService(fake), WithStore(store), WithRunner(runner))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	time.Sleep(200 * time.Millisecond)
	issue, err := fake.GetIssue(context.Background(), "acme/widgets", 7)
	require.NoError(t, err)
	assert.Contains(t, issue.LabelNames(), types.LabelQueued, "draining daemon starts no work")
	assert.Empty(t, runner.Runs)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not shut down")
	}
}

func TestDaemonAdoptsStaleLeaseAndResumes(t *testing.T) {
	cfg := testConfig(t)
	fake := hosting.NewFake()
	store := storage.NewMemoryStore()
	runner := &agent.Fake{Steps: []agent.FakeStep{
		{Output: `RALPH_PLAN: {"decision":"proceed","confidence":0.9}`},
		{Output: "Opened https://github.com/acme/widgets/pull/42"},
	}}
	seedTask(t, fake, cfg.Agent.WorktreeRoot)

	// A previous daemon claimed the task, recorded its session, then died.
	issue, err := fake.GetIssue(context.Background(), "acme/widgets", 7)
	require.NoError(t, err)
	issue.Labels = []hosting.Label{{Name: types.LabelInProgress}}
	fake.SeedIssue("acme/widgets", issue)

	taskPath := (&types.TaskView{Repo: "acme/widgets", Number: 7}).Path()
	ok, err := store.CompareAndSetOpState(&types.TaskOpState{
		Repo:         "acme/widgets",
		TaskPath:     taskPath,
		WorkerID:     "ralph-dead/acme/widgets#0",
		DaemonID:     "ralph-dead",
		SessionID:    "sess-1",
		WorktreePath: filepath.Join(cfg.Agent.WorktreeRoot, "acme--widgets-7"),
		HeartbeatAt:  time.Now().Add(-10 * time.Minute),
	}, "", time.Time{})
	require.NoError(t, err)
	require.True(t, ok)

	d, err := New(cfg, WithService(fake), WithStore(store), WithRunner(runner))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	assert.Eventually(t, func() bool {
		op, err := store.GetOpState("acme/widgets", taskPath)
		return err == nil && op.Released() && op.ReleasedReason == "done"
	}, 5*time.Second, 20*time.Millisecond, "a fresh daemon identity adopts the stale lease and finishes the task")

	require.NotEmpty(t, runner.Runs)
	assert.Equal(t, "sess-1", runner.Runs[0].SessionID, "the recorded session resumes instead of restarting")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not shut down")
	}
}
