package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	sentinel "github.com/lym-ifae/Sentinel"
	"github.com/lym-ifae/Sentinel/config"
	"github.com/lym-ifae/Sentinel/pacing"
	"github.com/lym-ifae/Sentinel/pacing/redisstate"
	"github.com/lym-ifae/Sentinel/ping"
	"github.com/lym-ifae/Sentinel/policy"
	"github.com/lym-ifae/Sentinel/system"
	"github.com/lym-ifae/Sentinel/tracing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type serveOptions struct {
	configPath  string
	listen      string
	traceStdout bool
	debug       bool
	work        time.Duration
}

func newServeCmd() *cobra.Command {
	var o serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the paced Ping service",
		Long: `Serve the sentinel.Ping service behind the adaptive pacing gate.

  pacingd serve --config pacingd.yaml
  pacingd serve --listen :50051 --work 5ms --trace-stdout`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cmd.ErrOrStderr(), o)
		},
	}
	cmd.Flags().StringVarP(&o.configPath, "config", "c", "", "YAML configuration file")
	cmd.Flags().StringVar(&o.listen, "listen", "", "gRPC listen address (overrides config)")
	cmd.Flags().BoolVar(&o.traceStdout, "trace-stdout", false, "export spans to stderr")
	cmd.Flags().BoolVar(&o.debug, "debug", false, "enable debug logging")
	cmd.Flags().DurationVar(&o.work, "work", 0, "CPU time each Ping burns")
	return cmd
}

func loadConfig(o serveOptions) (*config.File, error) {
	f := config.Defaults()
	if o.configPath != "" {
		var err error
		if f, err = config.Load(o.configPath); err != nil {
			return nil, err
		}
	}
	if o.listen != "" {
		f.Listen = o.listen
	}
	if o.traceStdout {
		f.Tracing.Stdout = true
	}
	return f, nil
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// buildServer assembles the server described by f. A nil reg exports
// metrics through the default registry. The returned cleanup releases
// tracing and Redis resources.
func buildServer(ctx context.Context, f *config.File, logger *zap.Logger, reg *prometheus.Registry, traceOut io.Writer) (*sentinel.Server, func(), error) {
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	opts := []sentinel.Option{
		sentinel.WithLogger(logger),
		sentinel.WithRecovery(),
		sentinel.WithMetrics(reg),
		sentinel.WithPacingUnits(func(_ context.Context, _ string, req any) int { return ping.Units(req) }),
		sentinel.WithSamplerOptions(
			system.WithWarmUp(time.Duration(f.Sampler.WarmUp)),
			system.WithInterval(time.Duration(f.Sampler.Interval)),
			system.WithSmoothing(f.Sampler.Smoothing),
		),
	}

	if f.Tracing.Stdout {
		exp, err := stdouttrace.New(stdouttrace.WithWriter(traceOut))
		if err != nil {
			return nil, cleanup, fmt.Errorf("stdout trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		cleanups = append(cleanups, func() { _ = tp.Shutdown(context.Background()) })
		opts = append(opts, sentinel.WithOpenTelemetry(tracing.TracingConfig{TracerProvider: tp}))
	}

	var gateOpts []pacing.Option
	if f.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     f.Redis.Addr,
			Password: f.Redis.Password,
			DB:       f.Redis.DB,
		})
		cleanups = append(cleanups, func() { _ = rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, cleanup, fmt.Errorf("redis %s: %w", f.Redis.Addr, err)
		}
		gateOpts = append(gateOpts, pacing.WithState(
			redisstate.New(rdb, f.Redis.Key+":"+sentinel.GlobalGate, initialRate(f.Pacing.InitialRate)),
		))
		opts = append(opts, sentinel.WithGroupState(func(group string, rule policy.PacingRule) pacing.State {
			return redisstate.New(rdb, f.Redis.Key+":"+group, initialRate(rule.InitialRate))
		}))
		logger.Info("sharing pacing state through redis", zap.String("addr", f.Redis.Addr))
	}
	opts = append(opts, sentinel.WithPacingConfig(f.Pacing.Config(), gateOpts...))

	r, err := f.Resolver()
	if err != nil {
		return nil, cleanup, err
	}
	if r != nil {
		logger.Info("method groups loaded", zap.Strings("groups", r.Groups()))
		cr, err := policy.NewCachedResolver(r, 4096)
		if err != nil {
			return nil, cleanup, err
		}
		cleanups = append(cleanups, cr.Close)
		opts = append(opts, sentinel.WithPacingPolicies(cr))
	}

	srv, err := sentinel.NewServer(opts...)
	if err != nil {
		return nil, cleanup, err
	}
	return srv, cleanup, nil
}

func initialRate(v float64) float64 {
	if v == 0 {
		return pacing.DefaultRate
	}
	return v
}

func runServe(ctx context.Context, stderr io.Writer, o serveOptions) error {
	f, err := loadConfig(o)
	if err != nil {
		return err
	}
	logger, err := newLogger(o.debug)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	srv, cleanup, err := buildServer(ctx, f, logger, nil, stderr)
	defer cleanup()
	if err != nil {
		return err
	}
	if o.work > 0 {
		srv.RegisterPing(ping.BusyHandler(o.work))
	} else {
		srv.RegisterPing(ping.DefaultHandler())
	}

	lis, err := net.Listen("tcp", f.Listen)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer srv.Stop()
		return srv.Serve(ctx, lis)
	})
	if f.MetricsListen == "" {
		return g.Wait()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", srv.MetricsHandler())
	hs := &http.Server{Addr: f.MetricsListen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	g.Go(func() error {
		logger.Info("serving metrics", zap.String("addr", f.MetricsListen))
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return hs.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
