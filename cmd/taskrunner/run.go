package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/CZERTAINLY/TaskRunner/internal/log"
	"github.com/CZERTAINLY/TaskRunner/internal/model"
	"github.com/CZERTAINLY/TaskRunner/internal/process"
	"github.com/CZERTAINLY/TaskRunner/internal/service"
	"github.com/CZERTAINLY/TaskRunner/internal/task"
	"github.com/CZERTAINLY/TaskRunner/internal/transport"
	"github.com/CZERTAINLY/TaskRunner/internal/transport/pgbus"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const memoryBuffer = 64

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run consumes task requests and executes them until interrupted",
	RunE:  doRun,
}

func doRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	attrs := slog.Group("taskrunner",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	tr, err := openTransport(ctx, config.Transport)
	if err != nil {
		return err
	}
	defer func() {
		if err := tr.Close(); err != nil {
			slog.WarnContext(ctx, "closing transport", "error", err)
		}
	}()

	svc := service.New(
		tr,
		process.CatalogFromConfig(config.Workers),
		task.NewRegistry(),
		service.ConfigFromModel(config),
		service.WithMetrics(service.MustNewMetrics(prometheus.DefaultRegisterer)),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Run(ctx)
	})
	if addr := config.Metrics.Listen.AsTCPAddr(); addr != nil {
		srv := &http.Server{
			Addr:              addr.String(),
			Handler:           metricsHandler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			slog.InfoContext(ctx, "serving metrics", "addr", srv.Addr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics endpoint: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}
	return g.Wait()
}

func metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// openTransport connects the bus configured in cfg.
func openTransport(ctx context.Context, cfg model.Transport) (transport.Transport, error) {
	switch cfg.Kind {
	case model.TransportMemory, "":
		return transport.NewMemory(memoryBuffer), nil
	case model.TransportPostgres:
		slog.DebugContext(ctx, "connecting postgres transport", "url", cfg.URL.Redacted())
		bus, err := pgbus.New(ctx, cfg.URL.String())
		if err != nil {
			return nil, fmt.Errorf("opening postgres transport: %w", err)
		}
		return bus, nil
	default:
		return nil, fmt.Errorf("unsupported transport %q", cfg.Kind)
	}
}
