// Package cli implements the queuectl command tree. The api and worker
// binaries reuse its serve and worker commands.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"ingest-queue/internal/app"
	"ingest-queue/internal/config"
	"ingest-queue/internal/logger"

	"github.com/spf13/cobra"
)

type rootFlags struct {
	configPath string
	dbPath     string
	sourceRoot string
	logLevel   string
	addr       string
}

// NewRootCommand builds queuectl with all subcommands.
func NewRootCommand() *cobra.Command {
	f := &rootFlags{}

	root := &cobra.Command{
		Use:           "queuectl",
		Short:         "Background ingestion queue for embeddings processing",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&f.configPath, "config", "c", os.Getenv("INGEST_CONFIG"), "path to a YAML config file")
	root.PersistentFlags().StringVar(&f.dbPath, "db", "", "SQLite database path (overrides config)")
	root.PersistentFlags().StringVar(&f.sourceRoot, "source-root", "", "directory local file paths must live under (overrides config)")
	root.PersistentFlags().StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn or error")

	root.AddCommand(
		enqueueCmd(f),
		statusCmd(f),
		runCmd(f),
		purgeCmd(f),
		serveCmd(f),
		workerCmd(f),
	)
	return root
}

// Execute runs args against the command tree and returns the process exit code.
func Execute(ctx context.Context, args []string) int {
	root := NewRootCommand()
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}

// loadConfig reads the config file and environment, then applies flag overrides.
func (f *rootFlags) loadConfig() (config.Config, error) {
	cfg, err := config.LoadFile(f.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if f.dbPath != "" {
		cfg.Database.Driver = "sqlite"
		cfg.Database.Path = f.dbPath
	}
	if f.sourceRoot != "" {
		cfg.Local.Root = f.sourceRoot
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if f.addr != "" {
		cfg.HTTP.Addr = f.addr
	}
	return cfg, cfg.Validate()
}

// withApp builds the application, runs fn and releases everything afterwards.
func (f *rootFlags) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := f.loadConfig()
	if err != nil {
		return err
	}

	log, flush, err := logger.New(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer flush()

	ctx := cmd.Context()
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(context.WithoutCancel(ctx)); err != nil {
			log.Error("failed to close app", "error", err)
		}
	}()

	return fn(ctx, a)
}

func signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
