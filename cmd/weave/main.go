package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"taskweave/internal/config"
	"taskweave/internal/execution"
	"taskweave/internal/system"
)

var (
	// Global flags
	verbose    bool
	workspace  string
	configPath string
	timeout    time.Duration
	jsonOutput bool

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "weave",
	Short: "taskweave - hybrid task routing and multi-worker coordination",
	Long: `taskweave routes requests between local resolution and an external
reasoning service, balances tasks across workers, and drives workflows to
completion while workers learn from each other.

Run 'weave init' once per workspace, then register workers and start routing.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		config.OutputPaths = []string{"stderr"}
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		} else {
			config.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
		}
		var err error
		logger, err = config.Build()
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

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration into the workspace",
	Long: `Creates .taskweave/config.yaml with default settings. The database,
usage ledger and logs are created on first use next to it.`,
	RunE: runInit,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: <workspace>/.taskweave/config.yaml)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "Operation timeout")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print machine-readable JSON")

	initCmd.Flags().Bool("force", false, "Overwrite an existing config")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(routeCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(workersCmd)
	rootCmd.AddCommand(workflowCmd)
	rootCmd.AddCommand(handoffCmd)
	rootCmd.AddCommand(learningCmd)
	rootCmd.AddCommand(recommendCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(dashboardCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func resolveWorkspace() string {
	if workspace != "" {
		return workspace
	}
	cwd, _ := os.Getwd()
	return cwd
}

func defaultConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return filepath.Join(resolveWorkspace(), ".taskweave", "config.yaml")
}

// commandContext returns a context bounded by --timeout and cancelled on
// SIGINT/SIGTERM.
func commandContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	return ctx, func() {
		stop()
		cancel()
	}
}

// engineOption tweaks BootConfig for a single command.
type engineOption func(*system.BootConfig)

func withManualExecution(clock execution.Clock) engineOption {
	return func(bc *system.BootConfig) {
		bc.ManualExecution = true
		bc.ClockOverride = clock
	}
}

func openEngine(ctx context.Context, opts ...engineOption) (*system.Engine, error) {
	bc := system.BootConfig{
		Workspace:  resolveWorkspace(),
		ConfigPath: configPath,
	}
	for _, opt := range opts {
		opt(&bc)
	}
	logger.Debug("Booting engine", zap.String("workspace", bc.Workspace))
	e, err := system.BootEngine(ctx, bc)
	if err != nil {
		return nil, fmt.Errorf("failed to boot engine: %w", err)
	}
	return e, nil
}

func closeEngine(e *system.Engine) {
	if err := e.Close(); err != nil {
		logger.Warn("Engine shutdown reported errors", zap.Error(err))
	}
}

func runInit(cmd *cobra.Command, args []string) error {
	path := defaultConfigPath()
	force, _ := cmd.Flags().GetBool("force")

	if _, err := os.Stat(path); err == nil && !force {
		fmt.Printf("Workspace already initialized: %s\n", path)
		fmt.Println("Use --force to overwrite.")
		return nil
	}

	cfg := config.DefaultConfig()
	if err := cfg.Save(path); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	logger.Info("Wrote config", zap.String("path", path))
	fmt.Printf("Initialized taskweave in %s\n", filepath.Dir(path))
	fmt.Println("Next: weave workers register <id> --specialty backend")
	return nil
}

func joinArgs(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}
