package sentinel

import (
	"context"
	"time"

	"github.com/lym-ifae/Sentinel/interceptors"
	"github.com/lym-ifae/Sentinel/internal/core"
	"github.com/lym-ifae/Sentinel/pacing"
	"github.com/lym-ifae/Sentinel/policy"
	"github.com/lym-ifae/Sentinel/system"
	"github.com/lym-ifae/Sentinel/tracing"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// Option configures a Server.
type Option func(*config)

// WithUnaryInterceptor appends a unary server interceptor after the built-in
// middleware.
func WithUnaryInterceptor(i grpc.UnaryServerInterceptor) Option {
	return func(c *config) {
		c.middlewares.Add(core.StageCustom, i, nil)
	}
}

// WithStreamInterceptor appends a stream server interceptor after the
// built-in middleware.
func WithStreamInterceptor(i grpc.StreamServerInterceptor) Option {
	return func(c *config) {
		c.middlewares.Add(core.StageCustom, nil, i)
	}
}

// WithRecovery installs panic-recovery interceptors so that a panic inside a
// handler returns codes.Internal instead of crashing the process.
func WithRecovery() Option {
	return func(c *config) { c.recovery = true }
}

// WithLogger sets the logger used by the server, its gates and the sampler.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithOpenTelemetry enables server spans. Pacing outcomes are recorded as
// span events.
func WithOpenTelemetry(cfg tracing.TracingConfig) Option {
	return func(c *config) { c.tracing = &cfg }
}

// WithLoadSampler supplies the CPU sampler feeding the gates. Without it the
// server creates a host CPU sampler when pacing is enabled.
func WithLoadSampler(s *system.Sampler) Option {
	return func(c *config) { c.sampler = s }
}

// WithSamplerOptions tunes the host CPU sampler the server creates when no
// sampler is supplied. Logging and metrics are wired in automatically.
func WithSamplerOptions(opts ...system.SamplerOption) Option {
	return func(c *config) { c.samplerOpts = append(c.samplerOpts, opts...) }
}

// WithAdaptivePacing enables the server-wide gate with the given queueing
// bound and default rates.
func WithAdaptivePacing(maxQueueing time.Duration, opts ...pacing.Option) Option {
	return WithPacingConfig(pacing.Config{MaxQueueing: maxQueueing}, opts...)
}

// WithPacingConfig enables the server-wide gate with a full configuration.
func WithPacingConfig(cfg pacing.Config, opts ...pacing.Option) Option {
	return func(c *config) {
		c.pacing = &cfg
		c.gateOptions = append(c.gateOptions, opts...)
	}
}

// WithPacingPolicies routes methods to per-group gates. *policy.Resolver and
// *policy.CachedResolver both qualify.
func WithPacingPolicies(r interceptors.Resolver) Option {
	return func(c *config) { c.resolver = r }
}

// WithPacingUnits sets how many units a request costs. The default is 1.
func WithPacingUnits(fn func(ctx context.Context, fullMethod string, req any) int) Option {
	return func(c *config) { c.units = fn }
}

// WithGroupState supplies the state of each per-group gate, e.g. a Redis
// state so that several processes share one schedule per group.
func WithGroupState(fn func(group string, rule policy.PacingRule) pacing.State) Option {
	return func(c *config) { c.groupState = fn }
}

// WithMetrics exports pacing and CPU metrics. A nil reg uses the default
// Prometheus registry.
func WithMetrics(reg *prometheus.Registry) Option {
	return func(c *config) {
		c.metrics = true
		c.registry = reg
	}
}
