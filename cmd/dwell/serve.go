package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // pprof endpoint is opt-in via --pprof flag
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/andrewh/dwell/pkg/config"
	"github.com/andrewh/dwell/pkg/delay"
	"github.com/andrewh/dwell/pkg/httpapi"
	"github.com/andrewh/dwell/pkg/pipeline"
	"github.com/grafana/pyroscope-go"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const readHeaderTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ingestion API and delayed flush pipeline",
		Long: "Run the ingestion API and delayed flush pipeline.\n\n" +
			"Configuration is read from defaults, then --config, then DWELL_* environment\n" +
			"variables, then flags. On SIGINT or SIGTERM intake stops and observations\n" +
			"still inside their delay window are flushed before exit.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, configPath)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, serveIO{out: cmd.OutOrStdout(), errOut: cmd.ErrOrStderr()})
		},
	}

	addConfigFlags(cmd.Flags(), &configPath)
	return cmd
}

// serveIO carries the writers used by serve and an optional hook called
// once the listener is bound.
type serveIO struct {
	out    io.Writer
	errOut io.Writer
	ready  func(addr net.Addr)
}

func runServe(ctx context.Context, cfg config.Config, sio serveIO) error {
	signals, err := cfg.Signals()
	if err != nil {
		return err
	}

	if cfg.Pprof != "" {
		go func() {
			fmt.Fprintf(os.Stderr, "pprof server listening on %s\n", cfg.Pprof)
			if err := http.ListenAndServe(cfg.Pprof, nil); err != nil { //nolint:gosec // pprof server is opt-in via flag
				fmt.Fprintf(os.Stderr, "pprof server error: %v\n", err)
			}
		}()
	}
	if cfg.Pyroscope != "" {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "dwell",
			ServerAddress:   cfg.Pyroscope,
			Tags:            map[string]string{"version": version},
		})
		if err != nil {
			return fmt.Errorf("starting pyroscope profiler: %w", err)
		}
		defer func() { _ = profiler.Stop() }()
	}

	tel, err := setupTelemetry(ctx, cfg.Telemetry, signals, sio.errOut)
	if err != nil {
		return err
	}
	defer tel.shutdown()
	logger := tel.logger

	b, err := openBackends(ctx, cfg, sio.out, logger)
	if err != nil {
		return err
	}
	defer b.close(logger)

	metrics, err := pipeline.NewMetricObserver(tel.meterProvider)
	if err != nil {
		return fmt.Errorf("creating metric observer: %w", err)
	}
	observers := []pipeline.Observer{metrics}
	if tel.loggerProvider != nil {
		observers = append(observers, pipeline.NewLogObserver(tel.loggerProvider, cfg.Telemetry.LateThreshold))
	}

	sched := delay.New(delay.Options{Workers: cfg.Workers, Logger: logger})
	p, err := pipeline.New(pipeline.Options{
		Delay:          cfg.Delay(),
		Store:          b.store,
		Scheduler:      sched,
		Sink:           b.sink,
		Forwarder:      b.forwarder,
		Observers:      observers,
		TracerProvider: tel.tracerProvider,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler: httpapi.NewHandler(p, httpapi.Options{
			Logger:         logger,
			TracerProvider: tel.tracerProvider,
			MeterProvider:  tel.meterProvider,
		}),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Listen, err)
	}

	// Handle OS signals for graceful shutdown
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving http: %w", err)
		}
		return nil
	})
	if ttl := cfg.StoreTTL(); b.memory != nil && ttl > 0 {
		g.Go(func() error {
			b.memory.RunSweeper(gctx, sweepInterval(ttl), ttl, func(removed int) {
				if removed > 0 {
					logger.Debug("evicted idle traces", "count", removed, "remaining", b.memory.Len())
				}
			})
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		// Intake stops first so nothing is scheduled after the drain begins.
		drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Delay()+shutdownTimeout)
		defer cancel()
		srvErr := srv.Shutdown(drainCtx)
		schedErr := sched.Close(drainCtx)
		return errors.Join(srvErr, schedErr)
	})

	logger.Info("dwell listening",
		"addr", ln.Addr().String(), "delay", cfg.Delay(),
		"store", cfg.Store.Kind, "sink", cfg.Sink.Kind, "workers", cfg.Workers)
	if sio.ready != nil {
		sio.ready(ln.Addr())
	}

	err = g.Wait()
	stats := sched.Stats()
	logger.Info("dwell stopped",
		"scheduled", stats.Scheduled, "flushed", stats.Fired, "failed", stats.Failed, "dropped", stats.Pending)
	return err
}
