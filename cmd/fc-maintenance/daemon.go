package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/helsinki-systems/fc-nixos/pkg/activity"
	"github.com/helsinki-systems/fc-nixos/pkg/manager"
	"github.com/helsinki-systems/fc-nixos/pkg/observability"
)

const shutdownTimeout = 5 * time.Second

func (a *app) daemonCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run passes continuously until a reboot is issued",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.newEnv()
			if err != nil {
				return err
			}
			defer e.close()
			return a.runDaemon(cmd.Context(), e, interval)
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "time between passes (overrides the configuration)")
	return cmd
}

func (a *app) runDaemon(ctx context.Context, e *env, interval time.Duration) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	opts := []manager.LoopOption{
		manager.WithLoopErrorHandler(func(err error) {
			e.reporter.RecordEvent(ctx, observability.Event{
				Level: observability.LevelError,
				Event: "pass_failed",
				Fields: map[string]interface{}{
					"error": err.Error(),
				},
			})
		}),
		manager.WithLoopIterationHook(func(manager.PassResult) {
			if e.cfg.Metrics.Textfile == "" {
				return
			}
			if err := e.collector.WriteTextfile(e.cfg.Metrics.Textfile); err != nil {
				e.reporter.RecordEvent(ctx, observability.Event{
					Level:  observability.LevelWarn,
					Event:  "metrics_textfile_failed",
					Fields: map[string]interface{}{"error": err.Error()},
				})
			}
		}),
	}
	if interval > 0 {
		opts = append(opts, manager.WithLoopInterval(interval))
	}
	if e.cfg.Daemon.WatchSpool {
		wake, err := e.mgr.WatchRequests(ctx)
		if err != nil {
			return err
		}
		opts = append(opts, manager.WithLoopWake(wake))
	}
	loop, err := manager.NewLoop(e.cfg, e.mgr, opts...)
	if err != nil {
		return withCode(exitConfigError, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// The status server only lives as long as the loop.
		defer cancel()
		if err := loop.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		if e.mgr.RebootIssued() != activity.RebootNone {
			fmt.Fprintf(a.stdout, "%s reboot issued\n", e.mgr.RebootIssued())
		}
		return nil
	})
	if e.cfg.Metrics.Enabled {
		srv := &http.Server{
			Addr:              e.cfg.Metrics.Listen,
			Handler:           statusRouter(e),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
			defer stop()
			return srv.Shutdown(shutdownCtx)
		})
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("status server: %w", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// statusRouter serves the metrics registry and a liveness probe.
func statusRouter(e *env) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Method(http.MethodGet, "/metrics", e.collector.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
	return r
}
