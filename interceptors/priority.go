package interceptors

import (
	"context"
	"strings"

	"github.com/lym-ifae/Sentinel/contextx"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// PriorityHeader is the incoming metadata key that marks a request as
// prioritized. Accepted values are "1", "true" and "high" (any case).
const PriorityHeader = "x-sentinel-priority"

// withPriority returns ctx carrying the priority flag from incoming metadata.
// A flag already present in ctx is left untouched.
func withPriority(ctx context.Context) context.Context {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ctx
	}
	vals := md.Get(PriorityHeader)
	if len(vals) == 0 {
		return ctx
	}
	switch strings.ToLower(strings.TrimSpace(vals[0])) {
	case "1", "true", "high":
		return contextx.WithPriority(ctx, true)
	}
	return ctx
}

// PriorityUnary returns a unary server interceptor that copies the
// priority header into the request context.
func PriorityUnary() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		return handler(withPriority(ctx), req)
	}
}

// PriorityStream returns a stream server interceptor that copies the
// priority header into the stream context.
func PriorityStream() grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		return handler(srv, &contextStream{ServerStream: ss, ctx: withPriority(ss.Context())})
	}
}

// contextStream overrides Context() of a wrapped stream.
type contextStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *contextStream) Context() context.Context { return s.ctx }
