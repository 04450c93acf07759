package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/bngarren/ccsync-sub002/internal/config"
	"github.com/bngarren/ccsync-sub002/internal/logging"
	"github.com/bngarren/ccsync-sub002/internal/report"
	"github.com/bngarren/ccsync-sub002/internal/rules"
	"github.com/bngarren/ccsync-sub002/internal/sync"
	"github.com/bngarren/ccsync-sub002/internal/watch"
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
	logFile   string

	dryRun   bool
	force    bool
	savePath string
)

var (
	errSyncIncomplete = errors.New("sync finished with errors")
	errInvalidConfig  = errors.New("configuration has problems")
)

func main() {
	os.Exit(run())
}

// run executes the root command and returns the process exit code.
func run() int {
	if err := rootCmd.Execute(); err != nil {
		report.New(rootCmd.ErrOrStderr()).Error(err)
		return 1
	}
	return 0
}

var rootCmd = &cobra.Command{
	Use:   "ccsync",
	Short: "Sync local scripts into ComputerCraft computers",
	Long: `ccsync copies Lua scripts from a local source tree into the computers of a
ComputerCraft world save, following rules that map files or globs to paths on
specific computers or named groups of computers.

Run it once with "sync", or keep it running with "watch" to copy files as you
edit them.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Copy all files matched by the rules into their computers",
	Long: `Sync resolves every rule against the save's computers and copies the matched
files. Files that cannot be copied are reported and skipped; the rest are
still written.`,
	RunE: runSync,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Sync, then re-sync whenever source files or the config change",
	RunE:  runWatch,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the config and rules without copying anything",
	RunE:  runValidate,
}

var computersCmd = &cobra.Command{
	Use:   "computers",
	Short: "List the computers found in the save",
	RunE:  runComputers,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config file",
	Long: `Init writes a commented starter config to --config, or to .ccsync.yaml in the
current directory.`,
	RunE: runInit,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "ccsync %s\n", version)
		_, _ = fmt.Fprintf(out, "  commit: %s\n", commit)
		_, _ = fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./.ccsync.yaml, then $XDG_CONFIG_HOME/ccsync/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "also append JSON logs to this file")
	rootCmd.PersistentFlags().Lookup("log-file").NoOptDefVal = logging.DefaultLogFile()

	// Sync command flags
	syncCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be copied without writing anything")

	// Init command flags
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	initCmd.Flags().StringVar(&savePath, "save", "", "path of the Minecraft world save")

	// Add commands
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(computersCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger, closeLog, err := setupLogger()
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger = applyVerbose(cmd, cfg, logger)

	engine := sync.NewEngine(cfg, logger, dryRun)
	rep, err := engine.Run(ctx, nil)
	if rep != nil {
		report.New(cmd.OutOrStdout()).Sync(rep)
	}
	if err != nil {
		logger.Error().Err(err).Msg("sync failed")
		return err
	}
	if rep.HasErrors() {
		return errSyncIncomplete
	}
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger, closeLog, err := setupLogger()
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger = applyVerbose(cmd, cfg, logger)

	printer := report.New(cmd.OutOrStdout())
	run := func(ctx context.Context, cfg *config.Config, changed rules.ChangedFiles) error {
		rep, err := sync.NewEngine(cfg, logger, false).Run(ctx, changed)
		if rep != nil {
			printer.Sync(rep)
		}
		return err
	}

	return watch.New(cfg, run, config.Load, logger).Start(ctx)
}

func runValidate(cmd *cobra.Command, args []string) error {
	logger, closeLog, err := setupLogger()
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger = applyVerbose(cmd, cfg, logger)

	result, missing, err := sync.NewEngine(cfg, logger, true).Validate()
	if err != nil {
		return err
	}
	report.New(cmd.OutOrStdout()).Validation(result, missing)
	if result.HasErrors() || len(missing) > 0 {
		return errInvalidConfig
	}
	return nil
}

func runComputers(cmd *cobra.Command, args []string) error {
	logger, closeLog, err := setupLogger()
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	computers, err := sync.NewEngine(cfg, logger, true).Computers()
	if err != nil {
		return err
	}
	report.New(cmd.OutOrStdout()).Computers(computers, cfg)
	return nil
}

func runInit(cmd *cobra.Command, args []string) error {
	path := cfgFile
	if path == "" {
		path = config.FileNames[0]
	}
	if err := config.Generate(path, savePath, force); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
	return nil
}

func setupLogger() (zerolog.Logger, func() error, error) {
	return logging.Setup(logging.Options{
		Level:  logLevel,
		Format: logFormat,
		Out:    os.Stderr,
		File:   logFile,
	})
}

// applyVerbose raises the level to debug when the config asks for it and
// --log-level was not given.
func applyVerbose(cmd *cobra.Command, cfg *config.Config, logger zerolog.Logger) zerolog.Logger {
	if cfg.Advanced.Verbose && !cmd.Flags().Changed("log-level") {
		return logger.Level(zerolog.DebugLevel)
	}
	return logger
}

func loadConfig(logger zerolog.Logger) (*config.Config, error) {
	// Determine config file path
	configPath := cfgFile
	if configPath == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		configPath, err = config.Find(wd)
		if err != nil {
			return nil, err
		}
	}

	logger.Debug().Str("path", configPath).Msg("loading configuration")

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug().
		Str("source_root", cfg.SourceRoot).
		Str("save", cfg.MinecraftSavePath).
		Int("rules", len(cfg.Rules)).
		Int("groups", len(cfg.ComputerGroups)).
		Msg("configuration loaded")

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
