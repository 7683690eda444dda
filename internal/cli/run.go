package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/enfalab/flowsync/internal/engine"
	"github.com/enfalab/flowsync/internal/program"
	"github.com/enfalab/flowsync/internal/registry"
	"github.com/enfalab/flowsync/internal/store"
	"github.com/enfalab/flowsync/internal/transport"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	ConfigPath string
	Database   string
	Listen     string
	Interval   int
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the controller",
		Long: `Start the OpenFlow controller: listen for switch connections,
bootstrap each switch from the rule database, and reconcile flow
tables whenever the database changes.

Example:
  flowsync run --db ./reglas.db
  flowsync run --config /etc/flowsync.yaml --interval 5 --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, opts)
			if err != nil {
				return err
			}
			return runController(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&opts.ConfigPath, "config", "", "path to YAML config file")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite rule database")
	cmd.Flags().StringVar(&opts.Listen, "listen", DefaultListen, "OpenFlow listen address")
	cmd.Flags().IntVar(&opts.Interval, "interval", DefaultMonitorInterval, "monitor interval in seconds")

	return cmd
}

// resolveConfig merges the config file with flags; a flag the operator
// set wins over the file.
func resolveConfig(cmd *cobra.Command, opts *RunOptions) (Config, error) {
	var cfg Config
	if opts.ConfigPath != "" {
		loaded, err := LoadConfig(opts.ConfigPath)
		if err != nil {
			return Config{}, err
		}
		cfg = loaded
	}
	if cmd.Flags().Changed("db") || cfg.DBPath == "" {
		cfg.DBPath = opts.Database
	}
	if cmd.Flags().Changed("listen") || cfg.Listen == "" {
		cfg.Listen = opts.Listen
	}
	if cmd.Flags().Changed("interval") || cfg.MonitorInterval == 0 {
		cfg.MonitorInterval = opts.Interval
	}
	if cfg.DBPath == "" {
		return Config{}, fmt.Errorf("no database: pass --db or set db_path in the config file")
	}
	if cfg.MonitorInterval <= 0 {
		return Config{}, fmt.Errorf("monitor interval must be positive, got %d", cfg.MonitorInterval)
	}
	return cfg, nil
}

func runController(parent context.Context, cfg Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("opening rule database", "path", cfg.DBPath)
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()

	reg := registry.New()
	prog := program.New(reg, st)
	eng := engine.New(st, prog, reg,
		engine.WithInterval(time.Duration(cfg.MonitorInterval)*time.Second))
	srv := &transport.Server{Addr: cfg.Listen, Handler: eng}

	errc := make(chan error, 2)
	go func() {
		errc <- srv.ListenAndServe(ctx)
	}()
	go func() {
		errc <- eng.Run(ctx)
	}()

	// First failure or the shutdown signal wins; the second goroutine
	// unwinds through ctx.
	select {
	case err := <-errc:
		stop()
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}
	slog.Info("controller stopped")
	return nil
}
