// Package core assembles the server's interceptor pipeline. Every built-in
// interceptor pair occupies a fixed [Stage]; the order in which options are
// applied never changes the order in which interceptors run.
package core

import (
	"cmp"
	"slices"
	"strconv"

	"google.golang.org/grpc"
)

// Stage places an interceptor pair in the pipeline. Lower stages run first
// and therefore wrap everything after them.
type Stage int

const (
	// StageRecovery must wrap everything so that panics anywhere become
	// codes.Internal.
	StageRecovery Stage = 100
	// StageTracing starts the server span that pacing annotates.
	StageTracing Stage = 200
	// StagePriority lifts the priority header into the context.
	StagePriority Stage = 250
	// StagePacing admits, delays or rejects the call.
	StagePacing Stage = 300
	// StageCustom holds user interceptors; they only see admitted calls.
	StageCustom Stage = 400
)

func (s Stage) String() string {
	switch s {
	case StageRecovery:
		return "recovery"
	case StageTracing:
		return "tracing"
	case StagePriority:
		return "priority"
	case StagePacing:
		return "pacing"
	case StageCustom:
		return "custom"
	}
	return "stage(" + strconv.Itoa(int(s)) + ")"
}

type entry struct {
	stage  Stage
	unary  grpc.UnaryServerInterceptor
	stream grpc.StreamServerInterceptor
}

// MiddlewareBuilder collects interceptor pairs and orders them by stage.
// Entries sharing a stage keep their registration order.
type MiddlewareBuilder struct {
	entries []entry
}

// Add registers a pair at stage. Either interceptor may be nil.
func (b *MiddlewareBuilder) Add(stage Stage, unary grpc.UnaryServerInterceptor, stream grpc.StreamServerInterceptor) {
	b.entries = append(b.entries, entry{stage: stage, unary: unary, stream: stream})
}

func (b *MiddlewareBuilder) sorted() []entry {
	out := slices.Clone(b.entries)
	slices.SortStableFunc(out, func(a, c entry) int { return cmp.Compare(a.stage, c.stage) })
	return out
}

// Stages lists the registered stages in execution order, one per entry.
func (b *MiddlewareBuilder) Stages() []Stage {
	sorted := b.sorted()
	out := make([]Stage, len(sorted))
	for i, e := range sorted {
		out[i] = e.stage
	}
	return out
}

// Build returns the unary and stream interceptors in execution order.
func (b *MiddlewareBuilder) Build() ([]grpc.UnaryServerInterceptor, []grpc.StreamServerInterceptor) {
	var unary []grpc.UnaryServerInterceptor
	var stream []grpc.StreamServerInterceptor
	for _, e := range b.sorted() {
		if e.unary != nil {
			unary = append(unary, e.unary)
		}
		if e.stream != nil {
			stream = append(stream, e.stream)
		}
	}
	return unary, stream
}

// ServerOptions chains the built interceptors into grpc.ServerOption values,
// followed by extra.
func (b *MiddlewareBuilder) ServerOptions(extra ...grpc.ServerOption) []grpc.ServerOption {
	unary, stream := b.Build()
	var opts []grpc.ServerOption
	if len(unary) > 0 {
		opts = append(opts, grpc.ChainUnaryInterceptor(unary...))
	}
	if len(stream) > 0 {
		opts = append(opts, grpc.ChainStreamInterceptor(stream...))
	}
	return append(opts, extra...)
}
