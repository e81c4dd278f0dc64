package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// newRootCmd builds the command tree. Running with no subcommand serves.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "openherd-cow",
		Short: "OpenHerd node: stores, validates and exchanges signed location posts",
		Long: `openherd-cow is a federated node for OpenHerd posts.

It accepts PGP-signed posts, serves them to clients and peers, syncs with
other nodes, counts karma votes cast with one-time codes and collects
moderation reports.

Run without arguments to start the server.`,
		SilenceUsage: true,
		RunE:         runServe,
	}
	addGlobalFlags(root.PersistentFlags())
	addServeFlags(root.Flags())

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	addServeFlags(serveCmd.Flags())

	enrollCmd := &cobra.Command{
		Use:   "enroll-admin <password>",
		Short: "Add an admin password",
		Args:  cobra.ExactArgs(1),
		RunE:  runEnrollAdmin,
	}
	denrollCmd := &cobra.Command{
		Use:   "denroll-admin <password>",
		Short: "Remove an admin password",
		Args:  cobra.ExactArgs(1),
		RunE:  runDenrollAdmin,
	}

	root.AddCommand(serveCmd, enrollCmd, denrollCmd)
	return root
}

// Execute runs the CLI and exits non-zero on failure.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// loadCommandConfig layers defaults, the YAML file, the environment and the
// flags the user set on cmd.
func loadCommandConfig(cmd *cobra.Command) (*Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = os.Getenv("OPENHERD_CONFIG")
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.applyFlags(cmd.Flags()); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	config := zap.NewProductionConfig()
	if cfg.Development {
		config = zap.NewDevelopmentConfig()
	}
	config.Level = zap.NewAtomicLevelAt(level)
	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadCommandConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(&cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := Run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", zap.Error(err))
		return err
	}
	return nil
}

func openCommandStore(cmd *cobra.Command) (*Store, error) {
	cfg, err := loadCommandConfig(cmd)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return OpenStore(cfg.Storage.DatabasePath(), deriveDataKey(cfg.Storage.DataKey))
}

func runEnrollAdmin(cmd *cobra.Command, args []string) error {
	store, err := openCommandStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	added, err := EnrollAdmin(commandContext(cmd), store, args[0])
	if err != nil {
		return err
	}
	if added {
		fmt.Fprintln(cmd.OutOrStdout(), "Admin enrolled successfully")
	} else {
		fmt.Fprintln(cmd.OutOrStdout(), "Admin already exists")
	}
	return nil
}

func runDenrollAdmin(cmd *cobra.Command, args []string) error {
	store, err := openCommandStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := DenrollAdmin(commandContext(cmd), store, args[0]); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Admin denrolled successfully")
	return nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
