package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3mdistal/ralph-sub004/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(filepath.Join(t.TempDir(), "ralph.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestIssueSnapshotRoundTrip(t *testing.T) {
	s := newTestStore(t)

	snap := &types.IssueSnapshot{
		Repo:   "acme/widgets",
		Number: 7,
		State:  types.IssueOpen,
		Title:  "Add frobnicator",
		Labels: []string{types.LabelQueued, "bug"},
	}
	require.NoError(t, s.UpsertIssue(snap))

	got, err := s.GetIssue("acme/widgets", 7)
	require.NoError(t, err)
	assert.Equal(t, "Add frobnicator", got.Title)
	assert.True(t, got.HasLabel(types.LabelQueued))

	_, err = s.GetIssue("acme/widgets", 8)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListIssuesDeterministicOrder(t *testing.T) {
	s := newTestStore(t)

	for _, n := range []int{30, 2, 117, 5} {
		require.NoError(t, s.UpsertIssue(&types.IssueSnapshot{
			Repo: "acme/widgets", Number: n, State: types.IssueOpen,
			Labels: []string{types.LabelQueued},
		}))
	}
	// Another repo must not leak into the listing.
	require.NoError(t, s.UpsertIssue(&types.IssueSnapshot{
		Repo: "acme/zz", Number: 1, State: types.IssueOpen,
	}))

	snaps, err := s.ListIssuesByRepo("acme/widgets")
	require.NoError(t, err)
	var numbers []int
	for _, snap := range snaps {
		numbers = append(numbers, snap.Number)
	}
	assert.Equal(t, []int{2, 5, 30, 117}, numbers)

	labelled, err := s.ListIssuesByLabel("acme/widgets", types.LabelQueued)
	require.NoError(t, err)
	assert.Len(t, labelled, 4)
}

func TestOpStateCompareAndSet(t *testing.T) {
	s := newTestStore(t)

	hb := time.Now().Truncate(time.Millisecond)
	op := &types.TaskOpState{
		Repo:        "acme/widgets",
		TaskPath:    "github:acme/widgets#7",
		DaemonID:    "daemon-1",
		HeartbeatAt: hb,
	}

	// First claim: no existing row, empty expectations.
	ok, err := s.CompareAndSetOpState(op, "", time.Time{})
	require.NoError(t, err)
	assert.True(t, ok)

	// A rival daemon with stale expectations must lose.
	rival := *op
	rival.DaemonID = "daemon-2"
	ok, err = s.CompareAndSetOpState(&rival, "", time.Time{})
	require.NoError(t, err)
	assert.False(t, ok)

	// Heartbeat by the owner succeeds.
	next := *op
	next.HeartbeatAt = hb.Add(5 * time.Second)
	ok, err = s.CompareAndSetOpState(&next, "daemon-1", hb)
	require.NoError(t, err)
	assert.True(t, ok)

	// The old heartbeat value no longer matches.
	ok, err = s.CompareAndSetOpState(&next, "daemon-1", hb)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReleaseOpState(t *testing.T) {
	s := newTestStore(t)

	hb := time.Now()
	require.NoError(t, s.PutOpState(&types.TaskOpState{
		Repo: "acme/widgets", TaskPath: "github:acme/widgets#7",
		DaemonID: "daemon-1", HeartbeatAt: hb,
	}))

	at := hb.Add(time.Minute)
	require.NoError(t, s.ReleaseOpState("acme/widgets", "github:acme/widgets#7", "shutdown", at))

	op, err := s.GetOpState("acme/widgets", "github:acme/widgets#7")
	require.NoError(t, err)
	assert.True(t, op.Released())
	assert.Equal(t, "shutdown", op.ReleasedReason)
	// released-at is never earlier than the last heartbeat
	assert.False(t, op.ReleasedAt.Before(op.HeartbeatAt))
}

func TestIdempotencyClaim(t *testing.T) {
	s := newTestStore(t)

	claimed, existing, err := s.ClaimIdempotency("comment:acme/widgets#7:escalation", "hash-a")
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Nil(t, existing)

	// Same payload again: elided.
	claimed, existing, err = s.ClaimIdempotency("comment:acme/widgets#7:escalation", "hash-a")
	require.NoError(t, err)
	assert.False(t, claimed)
	require.NotNil(t, existing)
	assert.Equal(t, "hash-a", existing.PayloadHash)

	// New payload: rewritten with the new hash, caller writes.
	claimed, existing, err = s.ClaimIdempotency("comment:acme/widgets#7:escalation", "hash-b")
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Nil(t, existing)

	require.NoError(t, s.SetIdempotencyResult("comment:acme/widgets#7:escalation", "https://github.com/acme/widgets/issues/7#issuecomment-1"))
	rec, err := s.GetIdempotency("comment:acme/widgets#7:escalation")
	require.NoError(t, err)
	assert.Equal(t, "hash-b", rec.PayloadHash)
	assert.NotEmpty(t, rec.ResultURL)

	require.NoError(t, s.DeleteIdempotency("comment:acme/widgets#7:escalation"))
	_, err = s.GetIdempotency("comment:acme/widgets#7:escalation")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPRSnapshotsByIssue(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.UpsertPR(&types.PRSnapshot{
		Repo: "acme/widgets", IssueNumber: 7,
		URL: "https://GitHub.com/acme/widgets/pull/999/", State: types.PROpen,
		HeadSHA: "abc123",
	}))

	prs, err := s.ListPRsByIssue("acme/widgets", 7)
	require.NoError(t, err)
	require.Len(t, prs, 1)
	assert.Equal(t, "https://github.com/acme/widgets/pull/999", prs[0].URL)

	got, err := s.GetPRByURL("acme/widgets", "https://github.com/acme/widgets/pull/999")
	require.NoError(t, err)
	assert.Equal(t, "abc123", got.HeadSHA)
}

func TestRuntimeSnapshotWriteFloor(t *testing.T) {
	s := newTestStore(t)

	base := time.Now()
	now := base
	s.now = func() time.Time { return now }

	require.NoError(t, s.PutRuntimeSnapshot("governor", []byte(`{"a":1}`)))

	// Inside the floor: dropped.
	now = base.Add(200 * time.Millisecond)
	require.NoError(t, s.PutRuntimeSnapshot("governor", []byte(`{"a":2}`)))
	snap, err := s.GetRuntimeSnapshot("governor")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(snap.Payload))

	// Past the floor: last writer wins.
	now = base.Add(2 * time.Second)
	require.NoError(t, s.PutRuntimeSnapshot("governor", []byte(`{"a":3}`)))
	snap, err = s.GetRuntimeSnapshot("governor")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":3}`, string(snap.Payload))
}

func TestSchemaVersionPersisted(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ralph.db")

	s, err := NewBoltStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Reopen: version inside the readable window.
	s, err = NewBoltStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}
