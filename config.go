package sentinel

import (
	"context"

	"github.com/lym-ifae/Sentinel/interceptors"
	"github.com/lym-ifae/Sentinel/internal/core"
	"github.com/lym-ifae/Sentinel/pacing"
	"github.com/lym-ifae/Sentinel/policy"
	"github.com/lym-ifae/Sentinel/system"
	"github.com/lym-ifae/Sentinel/tracing"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// config holds the internal configuration assembled via functional options.
type config struct {
	middlewares core.MiddlewareBuilder

	logger   *zap.Logger
	recovery bool
	tracing  *tracing.TracingConfig

	sampler     *system.Sampler
	samplerOpts []system.SamplerOption

	pacing      *pacing.Config
	gateOptions []pacing.Option
	resolver    interceptors.Resolver
	units       func(ctx context.Context, fullMethod string, req any) int
	groupState  func(group string, rule policy.PacingRule) pacing.State

	metrics  bool
	registry *prometheus.Registry
}

func (c *config) pacingEnabled() bool {
	return c.pacing != nil || c.resolver != nil
}
