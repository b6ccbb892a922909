package interceptors

import (
	"context"
	"sync"
	"time"

	"github.com/lym-ifae/Sentinel/contextx"
	"github.com/lym-ifae/Sentinel/pacing"
	"github.com/lym-ifae/Sentinel/policy"
	"github.com/lym-ifae/Sentinel/tracing"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// errPacingRejected is allocated once to avoid per-request allocations on the hot path.
var errPacingRejected = status.Error(codes.ResourceExhausted, "adaptive pacing: request rejected")

// Resolver maps a full method name to a method group and its policy.
// *policy.Resolver and *policy.CachedResolver implement it.
type Resolver interface {
	Resolve(fullMethod string) (groupName string, pol *policy.Policy, ok bool)
}

// PacingConfig wires the pacing interceptors.
type PacingConfig struct {
	// Global paces every method without a group rule. Nil lets such
	// methods through.
	Global pacing.Controller

	// Resolver selects per-group rules. Optional.
	Resolver Resolver

	// Load feeds the per-group gates. Nil reads as zero CPU.
	Load pacing.LoadReader

	// Units returns the cost of a request. Nil costs every request 1 unit.
	// Stream interceptors call it with a nil req.
	Units func(ctx context.Context, fullMethod string, req any) int

	// GateOptions are applied to every per-group gate, before its name.
	GateOptions []pacing.Option

	// NewState, when set, supplies the state of each per-group gate.
	NewState func(group string, rule policy.PacingRule) pacing.State

	// OnGateCreated is called once for every per-group gate right after it
	// is built, e.g. to seed its rate gauge.
	OnGateCreated func(g *pacing.Gate)

	Logger *zap.Logger
}

// pacingState holds the global controller, an optional policy resolver, and
// a cache of per-group gates created lazily from resolved policies.
type pacingState struct {
	cfg    PacingConfig
	logger *zap.Logger

	mu     sync.Mutex
	groups map[string]pacing.Controller
}

func newPacingState(cfg PacingConfig) *pacingState {
	if cfg.Load == nil {
		cfg.Load = pacing.LoadFunc(func() float64 { return 0 })
	}
	return &pacingState{
		cfg:    cfg,
		logger: orNop(cfg.Logger),
		groups: make(map[string]pacing.Controller),
	}
}

// controllerFor returns the controller applicable to fullMethod, the matched
// group name and whether the group is exempt. A nil controller means the
// call is not paced.
func (s *pacingState) controllerFor(fullMethod string) (pacing.Controller, string, bool) {
	if s.cfg.Resolver != nil {
		if name, pol, ok := s.cfg.Resolver.Resolve(fullMethod); ok && pol != nil {
			switch {
			case pol.Exempt:
				return nil, name, true
			case pol.Pacing != nil:
				return s.groupGate(name, *pol.Pacing), name, false
			}
			return s.cfg.Global, name, false
		}
	}
	return s.cfg.Global, "", false
}

// groupGate returns (or lazily creates) the gate of a group. A rule that
// fails validation falls back to the global controller.
func (s *pacingState) groupGate(name string, rule policy.PacingRule) pacing.Controller {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.groups[name]; ok {
		return c
	}

	opts := append([]pacing.Option(nil), s.cfg.GateOptions...)
	opts = append(opts, pacing.WithName(name))
	if s.cfg.NewState != nil {
		opts = append(opts, pacing.WithState(s.cfg.NewState(name, rule)))
	}
	var c pacing.Controller
	g, err := pacing.New(pacing.Config{
		MaxQueueing: rule.MaxQueueing,
		InitialRate: rule.InitialRate,
		MaxRate:     rule.MaxRate,
	}, s.cfg.Load, opts...)
	if err != nil {
		s.logger.Error("invalid pacing rule, using global gate",
			zap.String("group", name),
			zap.Error(err),
		)
		c = s.cfg.Global
	} else {
		c = g
		if s.cfg.OnGateCreated != nil {
			s.cfg.OnGateCreated(g)
		}
	}
	s.groups[name] = c
	return c
}

func (s *pacingState) units(ctx context.Context, fullMethod string, req any) int {
	if s.cfg.Units == nil {
		return 1
	}
	return s.cfg.Units(ctx, fullMethod, req)
}

// gateName reports the name of c when it has one.
func gateName(c pacing.Controller) string {
	if n, ok := c.(interface{ Name() string }); ok {
		return n.Name()
	}
	return ""
}

// admit runs the applicable controller, annotates the active span and
// stores the outcome in the returned context.
func (s *pacingState) admit(ctx context.Context, fullMethod string, req any) (context.Context, bool) {
	c, group, exempt := s.controllerFor(fullMethod)
	a := contextx.Admission{Group: group, Exempt: exempt}
	if c == nil {
		return contextx.WithAdmission(ctx, a), true
	}
	a.Gate = gateName(c)

	start := time.Now()
	ok := c.CanPass(ctx, s.units(ctx, fullMethod, req), contextx.PriorityFromContext(ctx))
	a.Wait = time.Since(start)
	tracing.RecordAdmission(ctx, a, ok)
	if !ok {
		s.logger.Debug("request rejected by pacing",
			zap.String("method", fullMethod),
			zap.String("gate", a.Gate),
		)
	}
	return contextx.WithAdmission(ctx, a), ok
}

// Pacing returns the unary and stream pacing interceptors of one gate set.
// Both share the per-group gates, so a group covering unary and streaming
// methods keeps a single schedule. Use it whenever both are installed.
func Pacing(cfg PacingConfig) (grpc.UnaryServerInterceptor, grpc.StreamServerInterceptor) {
	st := newPacingState(cfg)
	return st.unary(), st.stream()
}

// PacingUnary returns a unary server interceptor that admits requests
// through the applicable pacing gate, possibly delaying them, and rejects
// the rest with ResourceExhausted. When a resolver is configured and the
// method matches a group with a Pacing rule, that group's gate is used;
// otherwise the global controller applies.
//
// The interceptor owns its per-group gates; see [Pacing] to share them
// with streams.
func PacingUnary(cfg PacingConfig) grpc.UnaryServerInterceptor {
	return newPacingState(cfg).unary()
}

// PacingStream returns a stream server interceptor that paces stream
// creation the same way PacingUnary paces calls.
func PacingStream(cfg PacingConfig) grpc.StreamServerInterceptor {
	return newPacingState(cfg).stream()
}

func (s *pacingState) unary() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		ctx, ok := s.admit(ctx, info.FullMethod, req)
		if !ok {
			return nil, errPacingRejected
		}
		return handler(ctx, req)
	}
}

func (s *pacingState) stream() grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		ctx, ok := s.admit(ss.Context(), info.FullMethod, nil)
		if !ok {
			return errPacingRejected
		}
		return handler(srv, &contextStream{ServerStream: ss, ctx: ctx})
	}
}
