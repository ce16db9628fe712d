package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"cadence/internal/config"
	"cadence/internal/graph"
	"cadence/internal/logging"
	"cadence/internal/pipeline"
	"cadence/internal/registry"
	"cadence/internal/runner"
	"cadence/internal/store"
	"cadence/internal/unit"
)

var (
	verbose      bool
	configPath   string
	manifestPath string

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "cadence",
	Short: "cadence - phased unit pipeline orchestrator",
	Long: `cadence runs a registry of work units across ordered phases.

Units declare the store keys they consume and produce; cadence resolves a
per-phase execution order from those declarations, runs independent units
concurrently, gates each phase behind its reviewer units, and drives a
bounded self-correction loop when a validating unit reports failures.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = logging.New(verbose)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute the pipeline described by the unit manifest",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		reg, err := registry.LoadManifest(manifestPath)
		if err != nil {
			return err
		}
		runners, err := buildRunners(reg)
		if err != nil {
			return err
		}

		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		driver := pipeline.New(cfg, st, reg, runners, logger)

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sigCh
			logger.Warn("interrupt received, letting running units finish")
			driver.Stop()
		}()

		go func() {
			for event := range driver.Events() {
				logger.Info(string(event.Type),
					zap.Int("phase", event.Phase),
					zap.String("unit", event.UnitID),
					zap.String("message", event.Message))
			}
		}()
		go func() {
			for p := range driver.Progress() {
				logger.Info("progress",
					zap.Int("phase", p.CurrentPhase),
					zap.Int("completed", p.CompletedPhases),
					zap.Int("total", p.TotalPhases),
					zap.Float64("fraction", p.OverallProgress))
			}
		}()

		report, err := driver.Run(ctx)
		if report != nil {
			fmt.Printf("run %s: %s (%d verdicts, %d escalations)\n",
				report.RunID, report.Outcome, len(report.Verdicts), len(report.Escalations))
		}
		if errors.Is(err, pipeline.ErrGateRejected) {
			// Clean terminal outcome; the report says why.
			os.Exit(2)
		}
		return err
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the unit manifest without executing anything",
	RunE: func(cmd *cobra.Command, args []string) error {
		watch, _ := cmd.Flags().GetBool("watch")

		check := func() error {
			reg, err := registry.LoadManifest(manifestPath)
			if err != nil {
				return err
			}
			plans, err := graph.NewResolver(reg).Resolve()
			if err != nil {
				return err
			}
			fmt.Printf("manifest ok: %d units across %d phases\n", len(reg.Units()), len(plans))
			for _, plan := range plans {
				fmt.Printf("  phase %d: %v\n", plan.Phase, plan.Order)
			}
			return nil
		}

		if err := check(); err != nil {
			return err
		}
		if !watch {
			return nil
		}

		watcher, err := registry.NewManifestWatcher(manifestPath, logger, func(_ *registry.Registry, err error) {
			if err != nil {
				fmt.Printf("manifest invalid: %v\n", err)
				return
			}
			if err := check(); err != nil {
				fmt.Printf("manifest invalid: %v\n", err)
			}
		})
		if err != nil {
			return err
		}
		if err := watcher.Start(); err != nil {
			return err
		}
		defer watcher.Stop()

		fmt.Println("watching manifest for changes, ctrl-c to stop")
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		return nil
	},
}

func loadConfig() (config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

func openStore(cfg config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case "sqlite":
		return store.OpenSQLite(cfg.Store.Path, logger.Named("store"))
	default:
		return store.NewMemory(), nil
	}
}

// buildRunners maps every unit with a declared command to a subprocess
// runner. Units without a command cannot run from the CLI; embedders
// register in-process runners through the pipeline API instead.
func buildRunners(reg *registry.Registry) (map[string]unit.Runner, error) {
	runners := make(map[string]unit.Runner)
	for _, u := range reg.Units() {
		if len(u.Command) == 0 {
			return nil, fmt.Errorf("unit %q declares no command; cannot run from the CLI", u.ID)
		}
		r, err := runner.NewCommandRunner(u.Command)
		if err != nil {
			return nil, fmt.Errorf("unit %q: %w", u.ID, err)
		}
		runners[u.ID] = r
	}
	return runners, nil
}

func main() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")
	rootCmd.PersistentFlags().StringVarP(&manifestPath, "manifest", "m", "units.yaml", "path to unit manifest")
	validateCmd.Flags().Bool("watch", false, "keep watching the manifest and revalidate on change")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
