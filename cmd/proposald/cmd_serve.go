package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Sophanos/saga-sub007/internal/config"
	"github.com/Sophanos/saga-sub007/internal/guard"
	"github.com/Sophanos/saga-sub007/internal/ipc"
	"github.com/Sophanos/saga-sub007/internal/observability"
	"github.com/Sophanos/saga-sub007/internal/registry"
	"github.com/Sophanos/saga-sub007/internal/store"
	"github.com/Sophanos/saga-sub007/internal/workflow"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(opts *options) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if listen != "" {
				opts.cfg.ListenAddr = listen
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts.cfg)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address; overrides listen_addr")
	return cmd
}

// runServe serves the API until ctx is done, then shuts down gracefully.
func runServe(ctx context.Context, cfg *config.Config) error {
	log := observability.Logger()

	db, err := store.NewDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	h := &ipc.Handler{
		PageSize:     cfg.PageSize,
		PollInterval: time.Duration(cfg.SSEPollIntervalMS) * time.Millisecond,
	}

	observability.SetMetricsEnabled(cfg.Metrics())
	if cfg.Metrics() {
		metrics, shutdown, err := observability.InitMeterProvider(ctx, "proposald")
		if err != nil {
			return fmt.Errorf("init meter provider: %w", err)
		}
		defer shutdown(context.Background())
		h.Metrics = metrics
	}
	if err := observability.InitMetrics(); err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	g := guard.NewGuard(guard.GuardConfig{
		DecisionsPerMinute: cfg.DecisionsPerMinute,
		DecisionBurst:      cfg.DecisionBurst,
	})
	engine := workflow.NewEngine(db, g, registry.NewDefault())
	engine.Apply.EditorWindow = cfg.EditorWindow
	h.Engine = engine

	srv := ipc.NewServer(h, cfg.ListenAddr)
	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		log.Info("proposal engine listening", "url", listenURL(cfg.ListenAddr), "db", cfg.DBPath, "metrics", cfg.Metrics())
		return srv.Start()
	})
	grp.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})
	return grp.Wait()
}
