// Package main is the CLI entry point for tabtimed.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/gabriele-marsili/tabtimed/internal/config"
	"github.com/gabriele-marsili/tabtimed/internal/daemon"
	"github.com/gabriele-marsili/tabtimed/internal/domain"
	"github.com/gabriele-marsili/tabtimed/internal/infra"
	"github.com/gabriele-marsili/tabtimed/internal/ledger"
	"github.com/gabriele-marsili/tabtimed/internal/server"
	"github.com/gabriele-marsili/tabtimed/internal/session"
	"github.com/gabriele-marsili/tabtimed/internal/usecase"
)

var (
	// Version info (set via ldflags)
	Version   = "0.3.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "tabtimed",
	Short: "Per-site daily time budget daemon",
	Long: `tabtimed tracks how long the active browser tab spends on
configured sites and apps, decrements each site's daily budget once
per second, and blocks the site for the rest of the day when the
budget runs out. Budgets reset at local midnight.

Browser pages, the companion app, and popup windows talk to the
daemon over local WebSocket channels.`,
	Version: Version,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the tracking daemon in the background",
	RunE:  runStart,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check whether the daemon is running",
	RunE:  runStatus,
}

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "List tracked sites and their remaining budgets",
	Long:  `Reads the persisted rule set and prints each tracked site with its daily limit, remaining minutes, and blacklist standing.`,
	RunE:  runRules,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run:   runVersion,
}

// Hidden daemon command - target of the detached self-exec from start
var daemonCmd = &cobra.Command{
	Use:    "daemon",
	Hidden: true,
	RunE:   runDaemon,
}

var jsonOutput bool

func init() {
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(daemonCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	pm := infra.NewProcessManager()
	registry := infra.NewFileRegistry(cfg.DataDir)

	if entry, _ := registry.GetAll(); entry != nil && pm.IsRunning(entry.PID) {
		fmt.Printf("tabtimed is already running (pid %d)\n", entry.PID)
		return nil
	}

	if err := daemon.Spawn(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	// Give the daemon a moment to register.
	time.Sleep(500 * time.Millisecond)

	fmt.Println("tabtimed started")
	fmt.Printf("Listening on %s\n", cfg.ListenAddr)
	fmt.Printf("Data directory: %s\n", cfg.DataDir)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	pm := infra.NewProcessManager()
	registry := infra.NewFileRegistry(cfg.DataDir)

	entry, err := registry.GetAll()
	if err != nil || entry == nil {
		fmt.Println("Status: NOT RUNNING")
		fmt.Println("\nRun 'tabtimed start' to begin tracking.")
		return nil
	}

	if pm.IsRunning(entry.PID) {
		fmt.Println("Status: RUNNING")
		fmt.Printf("PID: %d\n", entry.PID)
		fmt.Printf("Version: %s\n", entry.AppVersion)
	} else {
		fmt.Println("Status: NOT RUNNING (stale registration)")
	}

	if entry.LastHeartbeat > 0 {
		lastBeat := time.Unix(entry.LastHeartbeat, 0)
		fmt.Printf("Last heartbeat: %s ago\n", time.Since(lastBeat).Round(time.Second))
	}
	return nil
}

func runRules(cmd *cobra.Command, args []string) error {
	cfg := config.Load()

	keyProvider := infra.NewFileKeyProvider(cfg.DataDir)
	if !keyProvider.KeyExists() {
		fmt.Println("No state yet. Start the daemon and connect the companion app.")
		return nil
	}
	key, err := keyProvider.GetKey()
	if err != nil {
		return fmt.Errorf("failed to read state key: %w", err)
	}

	store, err := infra.NewEncryptedStateStore(cfg.DataDir, key)
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	defer store.Close()

	state, err := store.Load(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}
	if state == nil || len(state.Rules) == 0 {
		fmt.Println("No rules configured.")
		return nil
	}

	blocked := make(map[string]bool, len(state.Blacklist))
	for _, target := range state.Blacklist {
		blocked[target] = true
	}

	fmt.Println("\n=== Tracked Sites ===")
	for _, r := range state.Rules {
		standing := ""
		if blocked[r.TargetName] {
			standing = "  [BLOCKED]"
		}
		fmt.Printf("\n%s%s\n", r.TargetName, standing)
		fmt.Printf("  Daily limit: %.0f min\n", r.DailyLimitMinutes)
		fmt.Printf("  Remaining:   %.1f min\n", r.RemainingMinutes)
		fmt.Printf("  On limit:    %s\n", r.Action)
	}
	fmt.Println("\n=====================")
	return nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg := config.Load()

	logger := createLogger(cfg.DataDir)
	defer func() { _ = logger.Sync() }()

	keyProvider := infra.NewFileKeyProvider(cfg.DataDir)
	key, err := infra.EnsureKey(keyProvider)
	if err != nil {
		logger.Error("failed to prepare state key", zap.Error(err))
		return err
	}

	store, err := infra.NewEncryptedStateStore(cfg.DataDir, key)
	if err != nil {
		logger.Error("failed to open state store", zap.Error(err))
		return err
	}
	defer store.Close()

	registry := infra.NewFileRegistry(cfg.DataDir)
	saver := infra.NewDebouncedSaver(store, cfg.Debounce, logger)
	sessions := session.NewRegistry(logger)
	coordinator := usecase.NewCoordinator(
		usecase.DefaultCoordinatorConfig(),
		ledger.New(),
		sessions,
		saver,
		logger,
	)

	events := make(chan domain.Event, daemon.DefaultTrackerConfig().EventBuffer)
	gateway := server.NewGateway(cfg.ListenAddr, events, logger)

	info := domain.DaemonInfo{
		PID:        os.Getpid(),
		InstanceID: uuid.New().String(),
		StartedAt:  time.Now(),
		AppVersion: Version,
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("received shutdown signal")
		cancel()
	}()

	tracker := daemon.NewTracker(
		daemon.DefaultTrackerConfig(),
		coordinator,
		store,
		registry,
		gateway,
		events,
		info,
		logger,
	)
	err = tracker.Run(ctx)

	// Scheduled-but-unwritten state still flushes on the way out.
	saver.Flush()

	if err == context.Canceled {
		return nil
	}
	return err
}

func createLogger(dataDir string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{filepath.Join(dataDir, "tabtimed.log")}
	cfg.ErrorOutputPaths = []string{filepath.Join(dataDir, "tabtimed.error.log")}
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		logger, _ := zap.NewProduction()
		return logger
	}

	logger, err := cfg.Build()
	if err != nil {
		// Fallback to stdout if file logging fails
		logger, _ = zap.NewProduction()
	}
	return logger
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		out, _ := json.Marshal(map[string]string{
			"version":    Version,
			"commit":     Commit,
			"build_time": BuildTime,
		})
		fmt.Println(string(out))
	} else {
		fmt.Printf("tabtimed %s (commit: %s, built: %s)\n", Version, Commit, BuildTime)
	}
}
