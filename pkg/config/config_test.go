package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
log:
  level: debug
agent:
  command: "ralph-agent --print"
  ci_fix_attempts: 3
repos:
  - owner: acme
    name: widgets
    bot_branch: bot/integration
    required_checks: [ci]
    auto_queue: true
    auto_update:
      enabled: true
      min_minutes: 10
      gate_label: ralph:auto-update
  - owner: acme
    name: gadgets
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ralph.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 30*time.Second, cfg.Queue.PollInterval)
	assert.Equal(t, 90*time.Second, cfg.Control.HeartbeatTTL)
	assert.Equal(t, 3, cfg.Agent.CIFixAttempts)

	repos := cfg.ReposTyped()
	require.Len(t, repos, 2)
	assert.Equal(t, "bot/integration", repos[0].BotBranch)
	assert.True(t, repos[0].AutoUpdate.Enabled)
	assert.Equal(t, 10, repos[0].AutoUpdate.MinMinutes)
	// Defaults for the sparse second repo.
	assert.Equal(t, "main", repos[1].BotBranch)
	assert.Equal(t, 1, repos[1].MaxWorkers)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"no repos", "agent:\n  command: x\n"},
		{"missing agent command", "repos:\n  - owner: a\n    name: b\n"},
		{"duplicate repo", `
agent:
  command: x
repos:
  - owner: a
    name: b
  - owner: a
    name: b
`},
		{"missing owner", `
agent:
  command: x
repos:
  - name: b
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestResolveToken(t *testing.T) {
	t.Setenv("GH_TOKEN", "")
	t.Setenv("GITHUB_TOKEN", "tok-b")
	tok, err := ResolveToken()
	require.NoError(t, err)
	assert.Equal(t, "tok-b", tok)

	t.Setenv("GH_TOKEN", "tok-a")
	tok, err = ResolveToken()
	require.NoError(t, err)
	assert.Equal(t, "tok-a", tok, "GH_TOKEN wins")

	t.Setenv("GH_TOKEN", "")
	t.Setenv("GITHUB_TOKEN", "")
	_, err = ResolveToken()
	assert.Error(t, err)
}
