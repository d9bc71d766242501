package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/3mdistal/ralph-sub004/pkg/types"
)

// Config is the daemon configuration loaded from YAML.
type Config struct {
	Log      LogConfig      `yaml:"log"`
	StateDB  string         `yaml:"state_db_path"`
	EventDir string         `yaml:"events_dir"`
	Control  ControlConfig  `yaml:"control"`
	Queue    QueueConfig    `yaml:"queue"`
	Governor GovernorConfig `yaml:"governor"`
	Agent    AgentConfig    `yaml:"agent"`
	Repos    []RepoConfig   `yaml:"repos"`

	// ListenAddr serves /metrics and /health when set.
	ListenAddr string `yaml:"listen_addr"`
}

// LogConfig configures the global logger.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// ControlConfig locates the operator control plane files.
type ControlConfig struct {
	Root         string        `yaml:"root"`
	HeartbeatTTL time.Duration `yaml:"heartbeat_ttl"`
}

// QueueConfig tunes the queue driver.
type QueueConfig struct {
	PollInterval  time.Duration `yaml:"poll_interval"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	WorkflowLabel string        `yaml:"workflow_label"`
}

// GovernorConfig tunes the budget governor lanes.
type GovernorConfig struct {
	CriticalCapacity   float64       `yaml:"critical_capacity"`
	CriticalRefill     float64       `yaml:"critical_refill"`
	ImportantCapacity  float64       `yaml:"important_capacity"`
	ImportantRefill    float64       `yaml:"important_refill"`
	BestEffortCapacity float64       `yaml:"best_effort_capacity"`
	BestEffortRefill   float64       `yaml:"best_effort_refill"`
	PressureThreshold  int           `yaml:"pressure_threshold"`
	SummaryInterval    time.Duration `yaml:"summary_interval"`
}

// AgentConfig configures the coding-agent subprocess.
type AgentConfig struct {
	Command       string        `yaml:"command"`
	SurveyCommand string        `yaml:"survey_command"`
	PlanTimeout   time.Duration `yaml:"plan_timeout"`
	BuildTimeout  time.Duration `yaml:"build_timeout"`
	CIFixAttempts int           `yaml:"ci_fix_attempts"`
	WorktreeRoot  string        `yaml:"worktree_root"`
}

// RepoConfig is the YAML form of a repository entry.
type RepoConfig struct {
	Owner          string   `yaml:"owner"`
	Name           string   `yaml:"name"`
	BotBranch      string   `yaml:"bot_branch"`
	MainBranch     string   `yaml:"main_branch"`
	RequiredChecks []string `yaml:"required_checks"`
	AutoQueue      bool     `yaml:"auto_queue"`
	AllowedOwners  []string `yaml:"allowed_owners"`
	MaxWorkers     int      `yaml:"max_workers"`

	AutoUpdate struct {
		Enabled    bool   `yaml:"enabled"`
		MinMinutes int    `yaml:"min_minutes"`
		GateLabel  string `yaml:"gate_label"`
	} `yaml:"auto_update"`
}

// Load reads, defaults and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Queue.PollInterval == 0 {
		c.Queue.PollInterval = 30 * time.Second
	}
	if c.Queue.SweepInterval == 0 {
		c.Queue.SweepInterval = 2 * time.Minute
	}
	if c.Queue.WorkflowLabel == "" {
		c.Queue.WorkflowLabel = types.LabelQueued
	}
	if c.Control.HeartbeatTTL == 0 {
		c.Control.HeartbeatTTL = 90 * time.Second
	}
	if c.Governor.CriticalCapacity == 0 {
		c.Governor.CriticalCapacity = 100
		c.Governor.CriticalRefill = 10
	}
	if c.Governor.ImportantCapacity == 0 {
		c.Governor.ImportantCapacity = 60
		c.Governor.ImportantRefill = 4
	}
	if c.Governor.BestEffortCapacity == 0 {
		c.Governor.BestEffortCapacity = 30
		c.Governor.BestEffortRefill = 1
	}
	if c.Governor.PressureThreshold == 0 {
		c.Governor.PressureThreshold = 500
	}
	if c.Governor.SummaryInterval == 0 {
		c.Governor.SummaryInterval = time.Second
	}
	if c.Agent.PlanTimeout == 0 {
		c.Agent.PlanTimeout = 15 * time.Minute
	}
	if c.Agent.BuildTimeout == 0 {
		c.Agent.BuildTimeout = 60 * time.Minute
	}
	if c.Agent.CIFixAttempts == 0 {
		c.Agent.CIFixAttempts = 5
	}
	for i := range c.Repos {
		if c.Repos[i].BotBranch == "" {
			c.Repos[i].BotBranch = "main"
		}
		if c.Repos[i].MainBranch == "" {
			c.Repos[i].MainBranch = "main"
		}
		if c.Repos[i].MaxWorkers == 0 {
			c.Repos[i].MaxWorkers = 1
		}
	}
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if len(c.Repos) == 0 {
		return fmt.Errorf("config: at least one repo is required")
	}
	seen := make(map[string]bool)
	for _, r := range c.Repos {
		if r.Owner == "" || r.Name == "" {
			return fmt.Errorf("config: repo entry missing owner or name")
		}
		full := r.Owner + "/" + r.Name
		if seen[full] {
			return fmt.Errorf("config: duplicate repo %s", full)
		}
		seen[full] = true
		if r.MaxWorkers < 0 {
			return fmt.Errorf("config: repo %s: max_workers must be >= 0", full)
		}
	}
	if c.Agent.Command == "" {
		return fmt.Errorf("config: agent.command is required")
	}
	return nil
}

// ReposTyped converts the YAML repo entries to the shared type.
func (c *Config) ReposTyped() []types.Repo {
	out := make([]types.Repo, 0, len(c.Repos))
	for _, r := range c.Repos {
		out = append(out, types.Repo{
			Owner:          r.Owner,
			Name:           r.Name,
			BotBranch:      r.BotBranch,
			MainBranch:     r.MainBranch,
			RequiredChecks: append([]string(nil), r.RequiredChecks...),
			AutoQueue:      r.AutoQueue,
			AllowedOwners:  append([]string(nil), r.AllowedOwners...),
			MaxWorkers:     r.MaxWorkers,
			AutoUpdate: types.AutoUpdatePolicy{
				Enabled:    r.AutoUpdate.Enabled,
				MinMinutes: r.AutoUpdate.MinMinutes,
				GateLabel:  r.AutoUpdate.GateLabel,
			},
		})
	}
	return out
}

// ResolveToken reads the hosting-service token from the environment:
// GH_TOKEN wins over GITHUB_TOKEN.
func ResolveToken() (string, error) {
	for _, name := range []string{"GH_TOKEN", "GITHUB_TOKEN"} {
		if tok := strings.TrimSpace(os.Getenv(name)); tok != "" {
			return tok, nil
		}
	}
	return "", fmt.Errorf("config: no token in GH_TOKEN or GITHUB_TOKEN")
}
