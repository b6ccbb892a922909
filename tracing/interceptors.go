// Package tracing provides OpenTelemetry server spans for paced gRPC
// services and annotates them with pacing outcomes. Tracing is only active
// when [TracingConfig] is wired in via the WithOpenTelemetry server option.
//
// Span status follows the OpenTelemetry gRPC server conventions: only codes
// that indicate a server fault mark the span as failed. A pacing rejection
// (ResourceExhausted) is load shedding, not a fault, so it leaves the status
// unset and is visible through the status code attribute and the pacing
// event instead.
package tracing

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	grpcCodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	grpcStatus "google.golang.org/grpc/status"
)

const instrumentationName = "github.com/lym-ifae/Sentinel/tracing"

// Span attribute keys.
const (
	RPCSystemKey     = attribute.Key("rpc.system")
	RPCServiceKey    = attribute.Key("rpc.service")
	RPCMethodKey     = attribute.Key("rpc.method")
	GRPCStatusKey    = attribute.Key("rpc.grpc.status_code")
	rpcSystemGRPCVal = "grpc"
)

// TracingConfig holds the OpenTelemetry configuration used by the gRPC
// tracing interceptors.
type TracingConfig struct {
	// TracerProvider supplies the Tracer used to create spans. When nil the
	// global otel.GetTracerProvider() is used.
	TracerProvider trace.TracerProvider

	// Propagators extracts trace context from incoming metadata. When nil
	// the global otel.GetTextMapPropagator() is used.
	Propagators propagation.TextMapPropagator

	// Filter reports whether a method is traced. Nil traces every method;
	// health checks are the usual exclusion.
	Filter func(fullMethod string) bool
}

func (c *TracingConfig) tracer() trace.Tracer {
	tp := c.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return tp.Tracer(instrumentationName)
}

func (c *TracingConfig) propagators() propagation.TextMapPropagator {
	if c.Propagators != nil {
		return c.Propagators
	}
	return otel.GetTextMapPropagator()
}

func (c *TracingConfig) traced(fullMethod string) bool {
	return c.Filter == nil || c.Filter(fullMethod)
}

// start extracts the remote parent and opens the server span.
func (c *TracingConfig) start(ctx context.Context, fullMethod string) (context.Context, trace.Span) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		md = metadata.MD{}
	}
	ctx = c.propagators().Extract(ctx, metadataCarrier(md))

	service, method := splitFullMethod(fullMethod)
	return c.tracer().Start(ctx, fullMethod,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			RPCSystemKey.String(rpcSystemGRPCVal),
			RPCServiceKey.String(service),
			RPCMethodKey.String(method),
		),
	)
}

// UnaryServerInterceptor returns a [grpc.UnaryServerInterceptor] that creates
// a server span for every traced unary RPC. A nil cfg disables tracing.
func UnaryServerInterceptor(cfg *TracingConfig) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if cfg == nil || !cfg.traced(info.FullMethod) {
			return handler(ctx, req)
		}
		ctx, span := cfg.start(ctx, info.FullMethod)
		defer span.End()

		resp, err := handler(ctx, req)
		endStatus(span, err)
		return resp, err
	}
}

// StreamServerInterceptor returns a [grpc.StreamServerInterceptor] that
// creates a server span for every traced streaming RPC. A nil cfg disables
// tracing.
func StreamServerInterceptor(cfg *TracingConfig) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if cfg == nil || !cfg.traced(info.FullMethod) {
			return handler(srv, ss)
		}
		ctx, span := cfg.start(ss.Context(), info.FullMethod)
		defer span.End()

		err := handler(srv, &wrappedStream{ServerStream: ss, ctx: ctx})
		endStatus(span, err)
		return err
	}
}

// metadataCarrier adapts gRPC [metadata.MD] to the OTel
// [propagation.TextMapCarrier] interface.
type metadataCarrier metadata.MD

func (mc metadataCarrier) Get(key string) string {
	vals := metadata.MD(mc).Get(key)
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

func (mc metadataCarrier) Set(key, value string) {
	metadata.MD(mc).Set(key, value)
}

func (mc metadataCarrier) Keys() []string {
	keys := make([]string, 0, len(mc))
	for k := range mc {
		keys = append(keys, k)
	}
	return keys
}

// splitFullMethod splits "/service/method" into ("service", "method").
func splitFullMethod(fullMethod string) (string, string) {
	service, method, ok := strings.Cut(strings.TrimPrefix(fullMethod, "/"), "/")
	if !ok {
		return service, ""
	}
	return service, method
}

// serverFault reports whether code marks a server span as failed.
func serverFault(code grpcCodes.Code) bool {
	switch code {
	case grpcCodes.Unknown, grpcCodes.DeadlineExceeded, grpcCodes.Unimplemented,
		grpcCodes.Internal, grpcCodes.Unavailable, grpcCodes.DataLoss:
		return true
	}
	return false
}

// endStatus records the numeric status code and, for server faults, the
// error and span status.
func endStatus(span trace.Span, err error) {
	st, _ := grpcStatus.FromError(err)
	span.SetAttributes(GRPCStatusKey.Int64(int64(st.Code())))
	if serverFault(st.Code()) {
		span.RecordError(err)
		span.SetStatus(codes.Error, st.Message())
	}
}

// wrappedStream overrides Context() to carry the traced context.
type wrappedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedStream) Context() context.Context { return w.ctx }
