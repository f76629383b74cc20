package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"golang.org/x/sync/errgroup"

	"github.com/ronnin/oldman-club/internal/registry"
)

// meterName is the instrumentation scope of the registry metrics exported by the server
const meterName = "github.com/ronnin/oldman-club/internal/registry"

// Logger defines the required behavior for the service's logger.  This type is defined here so that the server
// implementation is not tied to any specified logging library.
type Logger interface {
	// Info generates a log entry at INFO level with the specified message and key/value attributes
	Info(msg string, kvs ...any)
	// Debug generates a log entry at DEBUG level with the specified message and key/value attributes
	Debug(msg string, kvs ...any)
	// Error generates a log entry at ERROR level with the specified error, message, and key/value attributes
	Error(err error, msg string, kvs ...any)
}

// nopLogger is a [Logger] that does nothing.  This is used as a fallback/default if [CreateServerCommand]
// is passed a nil.
type nopLogger struct{}

func (nopLogger) Info(string, ...any) { /* no-op */ }

func (nopLogger) Debug(string, ...any) { /* no-op */ }

func (nopLogger) Error(error, string, ...any) { /* no-op */ }

// log is the logging implementation for the server.  The default is a no-op logger, potentially
// overridden by [CreateServerCommand]
var log Logger = nopLogger{}

// Backend is the registry and the connections it runs on, as opened by an [OpenFunc].
type Backend interface {
	Registry() *registry.Service
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// OpenFunc opens the registry backend configured by the flags in fset, recording engine metrics to meter.
type OpenFunc func(ctx context.Context, fset *pflag.FlagSet, meter metric.Meter) (Backend, error)

// CreateServerCommand initializes and returns a *cobra.Command that implements the 'server' CLI sub-command
func CreateServerCommand(logger Logger, open OpenFunc) *cobra.Command {
	if logger != nil {
		log = logger
	}

	cmd := cobra.Command{
		Use:   "server",
		Short: "Starts the registry server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServerCmd(cmd, open)
		},
		SilenceUsage: true,
	}
	fset := cmd.Flags()
	fset.String("listen-addr", "", "the TCP address to listen on (default '"+defaultListenAddr+"')")
	fset.String("healthz-timeout", "", "the maximum duration of a health check, ex: 300ms")
	fset.String("reconcile-interval", "", "how often version counts and latest pointers are repaired, 0 disables (default 15m)")
	fset.Bool("migrate", false, "apply the registry schema before serving")
	return &cmd
}

// runServerCmd implements the logic for the 'server' CLI sub-command
func runServerCmd(cmd *cobra.Command, open OpenFunc) error {
	conf, err := parseServerConfig(cmd.Flags())
	if err != nil {
		return err
	}
	return runServer(cmd.Context(), conf, func(ctx context.Context, meter metric.Meter) (Backend, error) {
		return open(ctx, cmd.Flags(), meter)
	})
}

// runServer starts the server with the specified runtime options and blocks until it receives a stop
// signal or ctx ends.
func runServer(ctx context.Context, conf serverConfig, open func(context.Context, metric.Meter) (Backend, error)) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	promRegistry, provider, err := newMetricsPipeline()
	if err != nil {
		return err
	}
	defer func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			log.Error(err, "unexpected error shutting down the meter provider")
		}
	}()

	log.Debug("starting the server")
	// connect to the database
	backend, err := open(ctx, provider.Meter(meterName))
	if err != nil {
		return err
	}
	defer func() {
		if err := backend.Close(); err != nil {
			log.Error(err, "unexpected error closing the registry backend")
		}
	}()
	if conf.migrate {
		if err := backend.Migrate(ctx); err != nil {
			return fmt.Errorf("could not apply the registry schema: %w", err)
		}
		log.Info("registry schema applied")
	}

	// create the root listener
	lis, err := net.Listen("tcp", conf.listenAddr)
	if err != nil {
		return fmt.Errorf("could not create TCP listener: %w", err)
	}

	httpSrv := http.Server{
		Handler:           newMux(backend, conf.healthzTimeout, promRegistry, log),
		ReadHeaderTimeout: time.Second,
	}

	// start services
	// . use x/sync/errgroup so we can stop everything at once via the context
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		log.Debug("serving HTTP")
		defer log.Debug("HTTP server closed")
		if err := httpSrv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if conf.reconcileInterval > 0 {
		eg.Go(func() error {
			runReconcileLoop(ctx, backend.Registry(), conf.reconcileInterval)
			return nil
		})
	}

	// handle shutdown
	eg.Go(func() (err error) {
		defer func() {
			cancel()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			err = httpSrv.Shutdown(shutdownCtx)
		}()

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGHUP)
		defer signal.Stop(sigs)
		for {
			select {
			case sig := <-sigs:
				switch sig {
				case syscall.SIGHUP:
					log.Debug("Got SIGHUP signal, reconciling all modules")
					reconcileOnce(ctx, backend.Registry())
				default:
					log.Debug("Got stop signal, shutting down", "signal", sig.String())
					return nil
				}
			case <-ctx.Done():
				return nil
			}
		}
	})

	log.Info("Server listening", "addr", lis.Addr().String())
	defer log.Info("Server exited")
	// wait for shutdown
	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

// newMetricsPipeline wires registry instruments through the OTel SDK into a Prometheus registry that
// also carries the Go runtime and process collectors.
func newMetricsPipeline() (*prometheus.Registry, *sdkmetric.MeterProvider, error) {
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	exporter, err := otelprom.New(otelprom.WithRegisterer(promRegistry))
	if err != nil {
		return nil, nil, fmt.Errorf("unable to initialize Prometheus metrics exporter: %w", err)
	}
	return promRegistry, sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter)), nil
}

// reconciler is implemented by [registry.Service]
type reconciler interface {
	ReconcileAll(ctx context.Context) ([]registry.ReconcileResult, error)
}

// runReconcileLoop reconciles every module each interval until ctx ends.
func runReconcileLoop(ctx context.Context, r reconciler, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			reconcileOnce(ctx, r)
		case <-ctx.Done():
			return
		}
	}
}

// reconcileOnce runs a single reconciliation pass and logs the repairs it made.  It returns the number
// of modules repaired.
func reconcileOnce(ctx context.Context, r reconciler) int {
	start := time.Now()
	results, err := r.ReconcileAll(ctx)
	if err != nil && ctx.Err() == nil {
		log.Error(err, "reconciliation pass failed")
	}
	for _, res := range results {
		log.Info("repaired module", "module", res.Module.String(),
			"count_before", res.CountBefore, "count_after", res.CountAfter,
			"latest_before", res.LatestBefore, "latest_after", res.LatestAfter)
	}
	log.Debug("reconciliation pass complete", "repaired", len(results), "duration", time.Since(start))
	return len(results)
}
