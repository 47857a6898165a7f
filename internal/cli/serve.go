package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"

	"github.com/aristath/taskloop/internal/api"
	"github.com/aristath/taskloop/internal/backend"
	"github.com/aristath/taskloop/internal/config"
	"github.com/aristath/taskloop/internal/events"
	"github.com/aristath/taskloop/internal/logger"
	"github.com/aristath/taskloop/internal/metrics"
	"github.com/aristath/taskloop/internal/orchestrator"
	"github.com/aristath/taskloop/internal/persistence"
	"github.com/aristath/taskloop/internal/skills"
	"github.com/aristath/taskloop/internal/tui"
)

// errTUIClosed stops the server when the user quits the dashboard.
var errTUIClosed = errors.New("dashboard closed")

type serveOptions struct {
	*globalOptions
	addr       string
	tui        bool
	noDispatch bool
}

func newServeCommand(global *globalOptions) *cobra.Command {
	opts := &serveOptions{globalOptions: global}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator: HTTP API, dispatcher and optional dashboard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().BoolVar(&opts.tui, "tui", false, "show the terminal dashboard")
	cmd.Flags().BoolVar(&opts.noDispatch, "no-dispatch", false, "only serve the API; external workers claim tasks")
	return cmd
}

func runServe(ctx context.Context, opts *serveOptions) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if opts.addr != "" {
		cfg.Server.Addr = opts.addr
	}
	if opts.noDispatch {
		cfg.Dispatch.Enabled = false
	}
	if err := logger.Configure(cfg.Log.Level, cfg.Log.Format); err != nil {
		return err
	}

	// The dashboard owns the terminal; logs go to a file next to the database.
	if opts.tui {
		logFile, err := openLogFile(filepath.Join(filepath.Dir(cfg.Store.Path), "taskloop.log"))
		if err != nil {
			return err
		}
		defer logFile.Close()
		logger.SetOutput(logFile)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	log := logger.G(ctx)

	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
		return fmt.Errorf("creating store directory: %w", err)
	}
	store, err := persistence.NewSQLiteStore(ctx, cfg.Store.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	registry, err := openRegistry(cfg)
	if err != nil {
		return err
	}

	bus := events.NewEventBus()
	defer bus.Close()
	m := metrics.New()

	svcCfg := orchestrator.DefaultServiceConfig()
	svcCfg.MaxRetries = cfg.Loop.MaxRetries
	svcCfg.FeedbackHistory = cfg.Loop.FeedbackHistory
	svcCfg.DefaultTimeoutSeconds = cfg.Dispatch.DefaultTimeoutSeconds
	svcCfg.Bus = bus
	svcCfg.Metrics = m
	svc := orchestrator.NewService(store, registry, svcCfg)

	pm := backend.NewProcessManager()
	defer func() {
		if err := pm.KillAll(); err != nil {
			log.WithError(err).Warn("failed to kill agent processes")
		}
	}()

	p := pool.New().WithContext(ctx).WithCancelOnError().WithFirstError()

	server := api.NewServer(svc, api.Options{Metrics: m, CORSOrigins: cfg.Server.CORSOrigins})
	p.Go(func(ctx context.Context) error {
		return server.ListenAndServe(ctx, cfg.Server.Addr)
	})

	if cfg.Dispatch.Enabled {
		d := orchestrator.NewDispatcher(svc, orchestrator.NewConfigRuntimes(cfg, pm), orchestrator.DispatcherConfig{
			Concurrency:   cfg.Dispatch.Concurrency,
			PollInterval:  cfg.Dispatch.PollInterval.Duration,
			SweepInterval: cfg.Dispatch.SweepInterval.Duration,
		})
		p.Go(d.Run)
	} else {
		log.Info("dispatcher disabled, waiting for external workers")
	}

	if cfg.Skills.Watch && registry.Dir() != "" {
		p.Go(func(ctx context.Context) error {
			if err := registry.Watch(ctx, 250*time.Millisecond); err != nil {
				log.WithError(err).Warn("skill watcher stopped")
			}
			return nil
		})
	}

	if opts.tui {
		seed, err := svc.ListTasks(ctx, persistence.ListFilter{})
		if err != nil {
			return err
		}
		program := tea.NewProgram(tui.New(bus, seed), tea.WithAltScreen(), tea.WithContext(ctx))
		p.Go(func(ctx context.Context) error {
			_, err := program.Run()
			if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
				return err
			}
			return errTUIClosed
		})
	}

	err = p.Wait()
	if errors.Is(err, errTUIClosed) || errors.Is(err, context.Canceled) {
		err = nil
	}
	log.Info("shutdown complete")
	return err
}

// openRegistry loads the skill bundles, creating an empty directory on
// first run.
func openRegistry(cfg *config.Config) (*skills.Registry, error) {
	if cfg.Skills.Dir == "" {
		return skills.NewRegistry("")
	}
	if err := os.MkdirAll(cfg.Skills.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating skills directory: %w", err)
	}
	return skills.NewRegistry(cfg.Skills.Dir)
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	return f, nil
}
