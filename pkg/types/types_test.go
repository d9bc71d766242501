package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStatusForLabels(t *testing.T) {
	tests := []struct {
		name     string
		labels   []string
		state    IssueState
		expected TaskStatus
		ok       bool
	}{
		{
			name:     "queued label",
			labels:   []string{"bug", LabelQueued},
			state:    IssueOpen,
			expected: TaskQueued,
			ok:       true,
		},
		{
			name:     "in-progress label",
			labels:   []string{LabelInProgress},
			state:    IssueOpen,
			expected: TaskInProgress,
			ok:       true,
		},
		{
			name:     "in-bot maps to in-progress",
			labels:   []string{LabelInBot},
			state:    IssueOpen,
			expected: TaskInProgress,
			ok:       true,
		},
		{
			name:     "closed issue is done regardless of labels",
			labels:   []string{LabelQueued},
			state:    IssueClosed,
			expected: TaskDone,
			ok:       true,
		},
		{
			name:     "escalated wins over queued",
			labels:   []string{LabelQueued, LabelEscalated},
			state:    IssueOpen,
			expected: TaskEscalated,
			ok:       true,
		},
		{
			name:     "stuck maps to escalated",
			labels:   []string{LabelStuck},
			state:    IssueOpen,
			expected: TaskEscalated,
			ok:       true,
		},
		{
			name:   "no ralph labels",
			labels: []string{"bug", "enhancement"},
			state:  IssueOpen,
			ok:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, ok := StatusForLabels(tt.labels, tt.state)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.expected, status)
			}
		})
	}
}

func TestLabelForStatusIsTotal(t *testing.T) {
	statuses := []TaskStatus{
		TaskQueued, TaskStarting, TaskInProgress, TaskBlocked,
		TaskThrottled, TaskEscalated, TaskDone,
	}
	for _, s := range statuses {
		label, ok := LabelForStatus(s)
		assert.True(t, ok, "status %s has no label", s)
		assert.NotEmpty(t, label)
	}
}

func TestStatusLabelsOf(t *testing.T) {
	labels := []string{"bug", LabelQueued, LabelInProgress, "other"}
	got := StatusLabelsOf(labels)
	assert.Equal(t, []string{LabelQueued, LabelInProgress}, got)

	assert.Empty(t, StatusLabelsOf([]string{"bug"}))
}

func TestPriorityFromLabels(t *testing.T) {
	tests := []struct {
		name     string
		labels   []string
		expected int
	}{
		{"p0 critical", []string{"ralph:priority:p0-critical"}, 0},
		{"p4 backlog", []string{"ralph:priority:p4-someday"}, 4},
		{"bare pN", []string{"ralph:priority:p1"}, 1},
		{"no priority label defaults to 2", []string{"bug"}, 2},
		{"malformed suffix ignored", []string{"ralph:priority:px-weird"}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, PriorityFromLabels(tt.labels))
		})
	}
}

func TestNormalizePRURL(t *testing.T) {
	tests := []struct {
		in       string
		expected string
	}{
		{"https://GitHub.com/acme/widgets/pull/7", "https://github.com/acme/widgets/pull/7"},
		{"https://github.com/acme/widgets/pull/7/", "https://github.com/acme/widgets/pull/7"},
		{"https://GHE.Example.COM/acme/widgets/pull/7", "https://ghe.example.com/acme/widgets/pull/7"},
		{"github.com/acme/widgets/pull/7", "github.com/acme/widgets/pull/7"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, NormalizePRURL(tt.in))
	}
}

func TestTaskOpStateOwnership(t *testing.T) {
	now := time.Now()
	op := &TaskOpState{
		DaemonID:    "daemon-1",
		HeartbeatAt: now.Add(-10 * time.Second),
	}

	assert.True(t, op.OwnedBy("daemon-1", now, 30*time.Second))
	assert.False(t, op.OwnedBy("daemon-2", now, 30*time.Second), "different daemon")
	assert.False(t, op.OwnedBy("daemon-1", now, 5*time.Second), "heartbeat expired")

	op.ReleasedAt = now
	assert.False(t, op.OwnedBy("daemon-1", now, 30*time.Second), "released row")
}

func TestTaskViewPath(t *testing.T) {
	tv := TaskView{Repo: "acme/widgets", Number: 42}
	assert.Equal(t, "github:acme/widgets#42", tv.Path())
}
