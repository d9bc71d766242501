package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/3mdistal/ralph-sub004/pkg/config"
	"github.com/3mdistal/ralph-sub004/pkg/control"
	"github.com/3mdistal/ralph-sub004/pkg/daemon"
	"github.com/3mdistal/ralph-sub004/pkg/doctor"
	"github.com/3mdistal/ralph-sub004/pkg/log"
	"github.com/3mdistal/ralph-sub004/pkg/storage"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ralph",
	Short: "Ralph - autonomous coding-agent orchestrator",
	Long: `Ralph drives coding agents against hosting-service issue queues:
it claims labelled issues, plans and builds with an agent session,
gates the resulting pull request on required checks, and merges.

State of record lives on the hosting service as labels; Ralph keeps
only local op-state (sessions, leases, idempotency) on disk.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Ralph version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(drainCmd)
	rootCmd.AddCommand(doctorCmd)
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the Ralph daemon",
	Long: `Start the long-running daemon: poll the configured repositories,
dispatch queued tasks to worker slots, and run the periodic sweepers.

The daemon drains gracefully on SIGINT/SIGTERM: workers release task
ownership with reason "shutdown" and the registry record is removed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})

		d, err := daemon.New(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return d.Run(ctx)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemons, control mode, and governor state",
	RunE: func(cmd *cobra.Command, args []string) error {
		root, _ := cmd.Flags().GetString("control-root")
		stateDB, _ := cmd.Flags().GetString("state-db")

		discovered, err := control.NewRegistry(root).Discover()
		if err != nil {
			return err
		}
		if len(discovered) == 0 {
			fmt.Println("No daemons registered.")
		}
		for _, d := range discovered {
			line := fmt.Sprintf("%s  pid=%d  %s  heartbeat=%s",
				d.Record.DaemonID, d.Record.PID, d.Liveness,
				d.Record.HeartbeatAt.Format(time.RFC3339))
			if d.Duplicate {
				line += "  (duplicate id)"
			}
			fmt.Println(line)
		}

		mode := control.ModeRunning
		if data, err := os.ReadFile(controlPath(root)); err == nil {
			var f control.File
			if json.Unmarshal(data, &f) == nil && f.Mode != "" {
				mode = f.Mode
			}
		}
		fmt.Printf("control mode: %s\n", mode)

		if stateDB != "" {
			store, err := storage.NewBoltStore(stateDB)
			if err != nil {
				return err
			}
			defer store.Close()
			if snap, err := store.GetRuntimeSnapshot("governor"); err == nil {
				fmt.Printf("governor (as of %s): %s\n",
					snap.WrittenAt.Format(time.RFC3339), string(snap.Payload))
			}
		}
		return nil
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause workers at their next checkpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		root, _ := cmd.Flags().GetString("control-root")
		at, _ := cmd.Flags().GetString("at")
		if err := control.Write(root, control.File{
			Mode:              control.ModeRunning,
			PauseRequested:    true,
			PauseAtCheckpoint: at,
		}); err != nil {
			return err
		}
		if at == "" {
			fmt.Println("Pause requested at every checkpoint.")
		} else {
			fmt.Printf("Pause requested at checkpoint %q.\n", at)
		}
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Clear any pause or drain and return to running",
	RunE: func(cmd *cobra.Command, args []string) error {
		root, _ := cmd.Flags().GetString("control-root")
		if err := control.Write(root, control.File{Mode: control.ModeRunning}); err != nil {
			return err
		}
		fmt.Println("Daemons resumed.")
		return nil
	},
}

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Stop new work and pause workers at their next checkpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		root, _ := cmd.Flags().GetString("control-root")
		timeoutMS, _ := cmd.Flags().GetInt("timeout-ms")
		if err := control.Write(root, control.File{
			Mode:           control.ModeDraining,
			DrainTimeoutMS: timeoutMS,
		}); err != nil {
			return err
		}
		fmt.Println("Draining. Use 'ralph resume' to return to running.")
		return nil
	},
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Audit the local Ralph footprint and optionally repair it",
	Long: `Audit the daemon registry, the control file, and (when a state
database is given) the op-state ledger. Exit code 0 means healthy,
1 means findings were reported.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		root, _ := cmd.Flags().GetString("control-root")
		repair, _ := cmd.Flags().GetBool("repair")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		stateDB, _ := cmd.Flags().GetString("state-db")
		repos, _ := cmd.Flags().GetStringSlice("repo")

		opts := doctor.Options{ControlRoot: root, Repair: repair, DryRun: dryRun, Repos: repos}
		if stateDB != "" {
			store, err := storage.NewBoltStore(stateDB)
			if err != nil {
				return err
			}
			defer store.Close()
			opts.Store = store
		}

		rep, err := doctor.Run(opts)
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(rep, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		if !rep.OK {
			os.Exit(1)
		}
		return nil
	},
}

func controlPath(root string) string {
	return root + string(os.PathSeparator) + control.ControlFileName
}

func init() {
	daemonCmd.Flags().String("config", "ralph.yaml", "Path to the daemon config file")

	for _, c := range []*cobra.Command{statusCmd, pauseCmd, resumeCmd, drainCmd, doctorCmd} {
		c.Flags().String("control-root", defaultControlRoot(), "Control plane directory")
	}
	statusCmd.Flags().String("state-db", "", "Path to the state database (optional)")
	pauseCmd.Flags().String("at", "", "Only pause at this checkpoint (planned, routed, pr_ready)")
	drainCmd.Flags().Int("timeout-ms", 0, "Advisory drain timeout in milliseconds")
	doctorCmd.Flags().Bool("repair", false, "Apply recommended repairs")
	doctorCmd.Flags().Bool("dry-run", false, "Report repairs without applying them")
	doctorCmd.Flags().String("state-db", "", "Path to the state database (optional)")
	doctorCmd.Flags().StringSlice("repo", nil, "Repository (owner/name) to audit op-states for; repeatable")
}

func defaultControlRoot() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home + "/.ralph"
	}
	return ".ralph"
}
