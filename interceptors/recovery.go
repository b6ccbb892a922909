package interceptors

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var errInternal = status.Error(codes.Internal, "internal server error")

// RecoveryConfig wires the recovery interceptors.
type RecoveryConfig struct {
	// Logger receives the panic value and stack. Nil discards them.
	Logger *zap.Logger
	// OnPanic, when set, is told about every recovered panic, e.g. to count
	// it.
	OnPanic func(fullMethod string)
}

type recoverer struct {
	logger  *zap.Logger
	onPanic func(string)
}

func newRecoverer(cfg RecoveryConfig) recoverer {
	return recoverer{logger: orNop(cfg.Logger), onPanic: cfg.OnPanic}
}

// handle must be deferred directly so that recover sees the panic.
func (r recoverer) handle(fullMethod string, err *error) {
	v := recover()
	if v == nil {
		return
	}
	r.logger.Error("recovered from panic",
		zap.String("method", fullMethod),
		zap.Any("panic", v),
		zap.Stack("stack"),
	)
	if r.onPanic != nil {
		r.onPanic(fullMethod)
	}
	*err = errInternal
}

// RecoveryUnary returns a unary server interceptor that turns a panic below
// it into an Internal error instead of crashing the process.
func RecoveryUnary(cfg RecoveryConfig) grpc.UnaryServerInterceptor {
	r := newRecoverer(cfg)
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer r.handle(info.FullMethod, &err)
		return handler(ctx, req)
	}
}

// RecoveryStream is the stream counterpart of [RecoveryUnary].
func RecoveryStream(cfg RecoveryConfig) grpc.StreamServerInterceptor {
	r := newRecoverer(cfg)
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		defer r.handle(info.FullMethod, &err)
		return handler(srv, ss)
	}
}

func orNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
