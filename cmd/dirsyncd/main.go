package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/czernalex/dirsyncd/internal/activation"
	"github.com/czernalex/dirsyncd/internal/config"
	"github.com/czernalex/dirsyncd/internal/fingerprint"
	"github.com/czernalex/dirsyncd/internal/logging"
	"github.com/czernalex/dirsyncd/internal/server"
	"github.com/czernalex/dirsyncd/internal/sync"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
	noColor   bool
	silent    bool

	// Config overrides
	srcDir   string
	replica  string
	logFile  string
	interval time.Duration
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "dirsyncd",
	Short: "Periodically mirror a source folder into a replica folder",
	Long: `dirsyncd keeps a replica folder identical to a source folder: on every
pass it walks the source tree, copies new and changed files (change is
detected by content hash, never by timestamps), creates missing
directories, and removes anything no longer present in the source.

It can run a single pass, loop forever with a configured interval, or
additionally expose a small admin HTTP server with a sync trigger.`,
	SilenceUsage: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Perform a single synchronization pass",
	Long: `Sync snapshots the replica folder, walks the source folder, and applies
the minimal set of create/update/delete operations needed to make the
replica match the source, then exits.`,
	RunE: runSync,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Synchronize periodically until interrupted",
	Long: `Run performs synchronization passes in a loop, sleeping for the
configured interval between passes. Passes never overlap. The loop exits
cleanly on SIGINT/SIGTERM and fatally on the first pass error.`,
	RunE: runLoop,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Synchronize periodically and expose the admin HTTP server",
	Long: `Serve combines the periodic loop with a small HTTP server offering a
POST /sync trigger (optionally HMAC-signed), a GET /healthz liveness
probe, and a GET /status report of the last pass. A triggered pass is a
normal full pass; triggers arriving while a pass runs queue at most one
re-run. The listener may come from systemd socket activation.`,
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("dirsyncd %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/dirsyncd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (console, json)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable ANSI color on console output")
	rootCmd.PersistentFlags().BoolVar(&silent, "silent", false, "suppress console output (log file still written)")

	// Config overrides, handy for one-off invocations without a config file
	rootCmd.PersistentFlags().StringVar(&srcDir, "source", "", "path to the source folder")
	rootCmd.PersistentFlags().StringVar(&replica, "replica", "", "path to the replica folder, must differ from the source")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "path to the log file")
	rootCmd.PersistentFlags().DurationVar(&interval, "interval", 0, "time between synchronization passes")

	// Add commands
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

// reportingRunner wraps the sync engine so every completed pass logs the
// summary line: the five counters, elapsed wall-clock time, and the delay
// before the next pass.
type reportingRunner struct {
	engine   *sync.Engine
	logger   zerolog.Logger
	interval time.Duration
}

func (r *reportingRunner) RunPass(ctx context.Context) (sync.Stats, error) {
	start := time.Now()
	stats, err := r.engine.RunPass(ctx)
	if err != nil {
		return stats, err
	}

	r.logger.Info().
		Int("files_updated", stats.FilesUpdated).
		Int("files_created", stats.FilesCreated).
		Int("files_removed", stats.FilesRemoved).
		Int("dirs_created", stats.DirsCreated).
		Int("dirs_removed", stats.DirsRemoved).
		Int64("elapsed_ms", time.Since(start).Milliseconds()).
		Dur("next_sync_in", r.interval).
		Msg("sync completed")

	return stats, nil
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	cfg, logger, closer, err := setup()
	if err != nil {
		return err
	}
	defer func() {
		_ = closer.Close()
	}()

	runner, err := newRunner(cfg, logger)
	if err != nil {
		return err
	}

	if _, err := runner.RunPass(ctx); err != nil {
		logger.Error().Err(err).Msg("sync failed")
		return err
	}

	return nil
}

func runLoop(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	cfg, logger, closer, err := setup()
	if err != nil {
		return err
	}
	defer func() {
		_ = closer.Close()
	}()

	runner, err := newRunner(cfg, logger)
	if err != nil {
		return err
	}

	err = loop(ctx, cfg.SyncInterval(), func(ctx context.Context) error {
		_, err := runner.RunPass(ctx)
		return err
	})
	if err != nil {
		logger.Error().Err(err).Msg("sync loop failed")
		return err
	}

	logger.Info().Msg("shutting down")
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	cfg, logger, closer, err := setup()
	if err != nil {
		return err
	}
	defer func() {
		_ = closer.Close()
	}()

	runner, err := newRunner(cfg, logger)
	if err != nil {
		return err
	}

	srv, err := server.NewServer(cfg, runner, logger)
	if err != nil {
		return err
	}

	ln, err := activation.Listener()
	if err != nil {
		return fmt.Errorf("failed to check socket activation: %w", err)
	}
	if ln == nil && cfg.Serve.ListenAddr == "" {
		return fmt.Errorf("serve.listen_addr must be set when no activated socket is passed")
	}

	// The periodic loop and the HTTP trigger share the server's
	// single-flight runner, so passes never overlap.
	errCh := make(chan error, 2)
	go func() {
		errCh <- loop(ctx, cfg.SyncInterval(), srv.SyncNow)
	}()
	go func() {
		errCh <- srv.Start(ctx, ln)
	}()

	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
			cancel()
		}
	}
	if firstErr != nil {
		logger.Error().Err(firstErr).Msg("serve failed")
		return firstErr
	}

	logger.Info().Msg("shutting down")
	return nil
}

// loop runs pass immediately and then once per interval until the context
// is canceled. A pass error is fatal; cancellation is a clean exit.
func loop(ctx context.Context, interval time.Duration, pass func(context.Context) error) error {
	for {
		if err := pass(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}

// setup loads .env, resolves configuration, and builds the logger.
func setup() (*config.Config, zerolog.Logger, io.Closer, error) {
	// Pick up a .env file so env expansion in the config can see it.
	_ = godotenv.Load()

	cfg, err := loadConfig()
	if err != nil {
		return nil, zerolog.Nop(), nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, closer, err := logging.New(logging.Config{
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		LogFile: cfg.Paths.LogFile,
		NoColor: cfg.Log.NoColor,
		Silent:  cfg.Log.Silent,
	})
	if err != nil {
		return nil, zerolog.Nop(), nil, fmt.Errorf("failed to set up logging: %w", err)
	}

	logger.Debug().
		Str("source", cfg.Paths.Source).
		Str("replica", cfg.Paths.Replica).
		Str("hash", cfg.Sync.Hash).
		Dur("interval", cfg.SyncInterval()).
		Msg("configuration loaded")

	return cfg, logger, closer, nil
}

func newRunner(cfg *config.Config, logger zerolog.Logger) (*reportingRunner, error) {
	fp, err := fingerprint.New(cfg.HashAlgorithm())
	if err != nil {
		return nil, err
	}

	return &reportingRunner{
		engine:   sync.NewEngine(cfg, fp, logger),
		logger:   logger,
		interval: cfg.SyncInterval(),
	}, nil
}

// loadConfig resolves configuration from the config file, flag overrides,
// or both. Without a config file the --source and --replica flags carry
// the whole configuration.
func loadConfig() (*config.Config, error) {
	var cfg *config.Config

	switch {
	case cfgFile != "":
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded

	case srcDir != "" || replica != "":
		cfg = &config.Config{}

	default:
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		loaded, err := config.Load(fmt.Sprintf("%s/.config/dirsyncd/config.yaml", home))
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	applyFlagOverrides(cfg)
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func applyFlagOverrides(cfg *config.Config) {
	if srcDir != "" {
		cfg.Paths.Source = srcDir
	}
	if replica != "" {
		cfg.Paths.Replica = replica
	}
	if logFile != "" {
		cfg.Paths.LogFile = logFile
	}
	if interval > 0 {
		cfg.Sync.Interval = config.Duration(interval)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if noColor {
		cfg.Log.NoColor = true
	}
	if silent {
		cfg.Log.Silent = true
	}
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
