// Package sentinel provides an adaptive pacing gate for gRPC servers and
// plain handler chains. Work is spaced along a shared virtual issue clock;
// callers wait for a slot up to a bounded time or are rejected, and each
// rejection raises the admission rate as far as host CPU headroom allows.
package sentinel

import (
	"context"
	"errors"

	"github.com/lym-ifae/Sentinel/contextx"
	"github.com/lym-ifae/Sentinel/pacing"
)

// ErrRejected is returned by handlers guarded with [Guard] when the
// controller turns the call away.
var ErrRejected = errors.New("sentinel: rejected by adaptive pacing")

// HandlerFunc is the minimal unit of work that middlewares wrap.
type HandlerFunc func(ctx context.Context) error

// Middleware transforms a HandlerFunc, allowing pre/post behavior composition.
type Middleware func(HandlerFunc) HandlerFunc

// Chain composes middlewares from left to right, i.e., Chain(A, B)(h) => A(B(h)).
func Chain(mw ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(mw) - 1; i >= 0; i-- {
			next = mw[i](next)
		}
		return next
	}
}

// Wrap applies the middleware chain to a handler and returns the wrapped handler.
func Wrap(h HandlerFunc, mw ...Middleware) HandlerFunc {
	if len(mw) == 0 {
		return h
	}
	return Chain(mw...)(h)
}

// Guard returns a Middleware that asks c to admit units before calling the
// next handler. The priority flag is taken from the context (see
// [contextx.WithPriority]). Rejected calls return [ErrRejected] without
// running the handler.
func Guard(c pacing.Controller, units int) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context) error {
			if !c.CanPass(ctx, units, contextx.PriorityFromContext(ctx)) {
				return ErrRejected
			}
			return next(ctx)
		}
	}
}
