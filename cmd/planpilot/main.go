// planpilot drives a remote, LLM-controlled virtual machine through
// multi-step automation plans, one bounded step per invocation.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"planpilot/internal/agent"
	"planpilot/internal/config"
	"planpilot/internal/engine"
	"planpilot/internal/logging"
	"planpilot/internal/server"
	"planpilot/internal/store"
)

var version = "0.1.0"

var (
	configPath string
	verbose    bool

	cfg    *config.Config
	logger *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "planpilot",
	Short: "Plan-step execution engine for remote-agent automation",
	Long: `planpilot executes automation plans against a remote, LLM-controlled
virtual machine: one bounded step per invocation, with the agent's free-text
responses decoded into a small set of control events and plan progress kept
convergent across invocations.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if verbose {
			cfg.Logging.Level = "debug"
		}
		logger, err = logging.New(cfg.Logging)
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

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		st, err := store.New(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer st.Close()

		timeout, err := cfg.Agent.TimeoutDuration()
		if err != nil {
			return err
		}
		capability := agent.NewClientWithConfig(agent.ClientConfig{
			APIKey:  cfg.Agent.APIKey,
			BaseURL: cfg.Agent.BaseURL,
			Model:   cfg.Agent.Model,
			Timeout: timeout,
		}, logger.Named("agent"))

		opts := engine.Options{MaxSteps: cfg.Agent.MaxSteps}
		if cfg.Composer.APIKey != "" {
			composer, err := agent.NewPlanComposer(ctx, cfg.Composer.APIKey, cfg.Composer.Model, logger.Named("composer"))
			if err != nil {
				return fmt.Errorf("failed to initialize plan composer: %w", err)
			}
			opts.Composer = composer
		}

		eng, err := engine.New(st, capability, cfg.Engine, logger.Logger, opts)
		if err != nil {
			return fmt.Errorf("failed to initialize engine: %w", err)
		}

		if configPath != "" {
			watcher, err := config.NewWatcher(configPath, func(fresh *config.Config) {
				logger.SetLevel(fresh.Logging.Level)
			}, logger.Named("config"))
			if err != nil {
				logger.Warn("config watcher unavailable", zap.Error(err))
			} else {
				go watcher.Run(ctx)
			}
		}

		srv := server.New(eng, logger.Logger)
		logger.Info("serving", zap.String("addr", cfg.Server.Addr), zap.String("version", version))
		return srv.ListenAndServe(ctx, cfg.Server.Addr)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("planpilot %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "planpilot.yaml", "path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
