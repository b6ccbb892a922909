package sentinel

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/lym-ifae/Sentinel/interceptors"
	"github.com/lym-ifae/Sentinel/internal/core"
	"github.com/lym-ifae/Sentinel/metrics"
	"github.com/lym-ifae/Sentinel/pacing"
	"github.com/lym-ifae/Sentinel/ping"
	"github.com/lym-ifae/Sentinel/system"
	"github.com/lym-ifae/Sentinel/tracing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// GlobalGate is the resource name of the server-wide gate.
const GlobalGate = "global"

// Server is a composable wrapper around a [grpc.Server] that layers
// middleware (recovery, tracing, adaptive pacing) via functional [Option]
// values passed to [NewServer].
//
// After construction the underlying gRPC server is available through [Server.GRPC]
// so that service implementations can be registered normally:
//
//	srv, err := sentinel.NewServer(sentinel.WithRecovery(), sentinel.WithAdaptivePacing(500*time.Millisecond))
//	pb.RegisterMyServiceServer(srv.GRPC(), &myImpl{})
type Server struct {
	grpcServer *grpc.Server
	gate       *pacing.Gate
	sampler    *system.Sampler
	metrics    *metrics.Metrics
	handler    http.Handler
	logger     *zap.Logger
}

// NewServer creates a new [Server] by applying the supplied functional [Option]
// values and wiring the resulting unary and stream interceptor chains into
// [grpc.NewServer]. Middleware execution order is determined by fixed priority
// levels, not by the order options are passed.
//
// Example:
//
//	srv, err := sentinel.NewServer(
//		sentinel.WithRecovery(),
//		sentinel.WithAdaptivePacing(500*time.Millisecond),
//		sentinel.WithPacingPolicies(resolver),
//		sentinel.WithMetrics(nil),
//	)
func NewServer(opts ...Option) (*Server, error) {
	var cfg config
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}

	s := &Server{logger: cfg.logger, handler: promhttp.Handler()}

	if cfg.metrics {
		var reg prometheus.Registerer = prometheus.DefaultRegisterer
		if cfg.registry != nil {
			reg = cfg.registry
			s.handler = promhttp.HandlerFor(cfg.registry, promhttp.HandlerOpts{})
		}
		m, err := metrics.New(reg)
		if err != nil {
			return nil, err
		}
		s.metrics = m
	}

	if err := s.install(&cfg); err != nil {
		return nil, err
	}

	s.logger.Debug("middleware installed", zap.Stringers("stages", cfg.middlewares.Stages()))
	s.grpcServer = grpc.NewServer(cfg.middlewares.ServerOptions()...)
	return s, nil
}

// install builds the gates and registers the built-in middleware.
func (s *Server) install(cfg *config) error {
	if cfg.recovery {
		rc := interceptors.RecoveryConfig{Logger: cfg.logger}
		if s.metrics != nil {
			rc.OnPanic = s.metrics.ObservePanic
		}
		cfg.middlewares.Add(core.StageRecovery, interceptors.RecoveryUnary(rc), interceptors.RecoveryStream(rc))
	}
	if cfg.tracing != nil {
		cfg.middlewares.Add(core.StageTracing, tracing.UnaryServerInterceptor(cfg.tracing), tracing.StreamServerInterceptor(cfg.tracing))
	}
	if !cfg.pacingEnabled() {
		return nil
	}

	s.sampler = cfg.sampler
	if s.sampler == nil {
		sopts := []system.SamplerOption{system.WithLogger(cfg.logger)}
		if s.metrics != nil {
			sopts = append(sopts, system.WithObserver(s.metrics.ObserveCPU))
		}
		sopts = append(sopts, cfg.samplerOpts...)
		s.sampler = system.NewSampler(nil, sopts...)
	}

	gateOpts := []pacing.Option{pacing.WithLogger(cfg.logger)}
	if s.metrics != nil {
		gateOpts = append(gateOpts, pacing.WithObserver(s.metrics))
	}

	pc := interceptors.PacingConfig{
		Resolver:    cfg.resolver,
		Load:        s.sampler,
		Units:       cfg.units,
		GateOptions: gateOpts,
		NewState:    cfg.groupState,
		Logger:      cfg.logger,
	}
	if s.metrics != nil {
		pc.OnGateCreated = s.seedRate
	}
	if cfg.pacing != nil {
		opts := append([]pacing.Option{pacing.WithName(GlobalGate)}, gateOpts...)
		opts = append(opts, cfg.gateOptions...)
		g, err := pacing.New(*cfg.pacing, s.sampler, opts...)
		if err != nil {
			return err
		}
		s.gate = g
		pc.Global = g
		if s.metrics != nil {
			s.seedRate(g)
		}
	}

	cfg.middlewares.Add(core.StagePriority, interceptors.PriorityUnary(), interceptors.PriorityStream())
	unary, stream := interceptors.Pacing(pc)
	cfg.middlewares.Add(core.StagePacing, unary, stream)
	return nil
}

// seedRate publishes the starting rate of g before its first change.
func (s *Server) seedRate(g *pacing.Gate) {
	if r, err := g.Rate(context.Background()); err == nil {
		s.metrics.SetRate(g.Name(), r)
	}
}

// GRPC returns the underlying *grpc.Server so callers can register services.
func (s *Server) GRPC() *grpc.Server {
	return s.grpcServer
}

// Gate returns the server-wide gate, or nil when WithAdaptivePacing was not
// given.
func (s *Server) Gate() *pacing.Gate {
	return s.gate
}

// Sampler returns the CPU sampler feeding the gates, or nil when pacing is
// disabled.
func (s *Server) Sampler() *system.Sampler {
	return s.sampler
}

// RegisterPing registers the built-in sentinel.Ping service on the
// underlying gRPC server using the supplied [ping.Handler].
func (s *Server) RegisterPing(h ping.Handler) {
	ping.Register(s.grpcServer, h)
}

// MetricsHandler returns an http.Handler that serves Prometheus metrics.
func (s *Server) MetricsHandler() http.Handler {
	return s.handler
}

// Serve starts the CPU sampler and serves gRPC on lis until ctx is done, at
// which point the server stops gracefully and Serve returns nil.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	if s.sampler != nil {
		if err := s.sampler.Start(ctx); err != nil && !errors.Is(err, system.ErrSamplerStarted) {
			return err
		}
	}
	stop := context.AfterFunc(ctx, s.grpcServer.GracefulStop)
	defer stop()

	s.logger.Info("serving", zap.String("addr", lis.Addr().String()))
	if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Stop stops the gRPC server gracefully and then the sampler.
func (s *Server) Stop() {
	s.grpcServer.GracefulStop()
	if s.sampler != nil {
		s.sampler.Stop()
	}
}
