// Package ping provides the built-in sentinel.Ping service used by pacingd,
// its probe and the demos. Messages are plain Go structs carried by the
// "json" content subtype, so no protobuf code generation is required; see
// [Subtype].
package ping

import (
	"context"
	"errors"
	"io"
	"time"

	"google.golang.org/grpc"
)

const (
	// FullMethod is the full gRPC method name of Ping.
	FullMethod = "/sentinel.Ping/Ping"
	// WatchMethod is the full gRPC method name of the Watch stream.
	WatchMethod = "/sentinel.Ping/Watch"
)

// PingRequest is the input of Ping and Watch.
type PingRequest struct {
	Message string `json:"message"`
	// Units is the pacing cost of the request; zero counts as one.
	Units int `json:"units,omitempty"`
	// Count is the number of responses Watch streams; zero counts as one.
	Count int `json:"count,omitempty"`
}

// PingResponse is the output of Ping and each Watch message.
type PingResponse struct {
	Message        string `json:"message"`
	ServerTimeUnix int64  `json:"server_time_unix"`
	// Seq numbers Watch messages from 1. It is zero for Ping.
	Seq int `json:"seq,omitempty"`
}

// Handler serves Ping. Watch calls it once per streamed message.
type Handler interface {
	Ping(ctx context.Context, req *PingRequest) (*PingResponse, error)
}

// DefaultHandler returns a Handler that echoes the request message and
// attaches the current server time.
func DefaultHandler() Handler { return echoHandler{} }

type echoHandler struct{}

func (echoHandler) Ping(_ context.Context, req *PingRequest) (*PingResponse, error) {
	return &PingResponse{Message: req.Message, ServerTimeUnix: time.Now().Unix()}, nil
}

// BusyHandler returns a Handler that spins the CPU for work before
// echoing. It lets demos and probes drive host load up so the pacing rate
// reacts to it.
func BusyHandler(work time.Duration) Handler {
	return busyHandler{work: work}
}

type busyHandler struct {
	work time.Duration
}

func (h busyHandler) Ping(ctx context.Context, req *PingRequest) (*PingResponse, error) {
	for deadline := time.Now().Add(h.work); time.Now().Before(deadline); {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	return echoHandler{}.Ping(ctx, req)
}

// Units reports the pacing cost carried by a Ping request, or 1 for any
// other request, including the nil request of a stream.
func Units(req any) int {
	if r, ok := req.(*PingRequest); ok && r.Units > 0 {
		return r.Units
	}
	return 1
}

// ServiceDesc describes the sentinel.Ping service.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "sentinel.Ping",
	HandlerType: (*Handler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Ping", Handler: serveUnary},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Watch", Handler: serveWatch, ServerStreams: true},
	},
	Metadata: "sentinel/ping.proto",
}

// Register registers h as the sentinel.Ping service of s.
func Register(s *grpc.Server, h Handler) {
	s.RegisterService(&ServiceDesc, h)
}

func serveUnary(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(PingRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	h := srv.(Handler)
	if interceptor == nil {
		return h.Ping(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod}
	return interceptor(ctx, req, info, func(ctx context.Context, r any) (any, error) {
		return h.Ping(ctx, r.(*PingRequest))
	})
}

func serveWatch(srv any, stream grpc.ServerStream) error {
	req := new(PingRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	h := srv.(Handler)
	for seq := 1; seq <= max(req.Count, 1); seq++ {
		resp, err := h.Ping(stream.Context(), req)
		if err != nil {
			return err
		}
		resp.Seq = seq
		if err := stream.SendMsg(resp); err != nil {
			return err
		}
	}
	return nil
}

// Call invokes Ping on conn.
func Call(ctx context.Context, conn grpc.ClientConnInterface, req *PingRequest, opts ...grpc.CallOption) (*PingResponse, error) {
	resp := new(PingResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(Subtype)}, opts...)
	if err := conn.Invoke(ctx, FullMethod, req, resp, opts...); err != nil {
		return nil, err
	}
	return resp, nil
}

// Watch opens the Watch stream on conn and collects every response.
func Watch(ctx context.Context, conn grpc.ClientConnInterface, req *PingRequest, opts ...grpc.CallOption) ([]*PingResponse, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(Subtype)}, opts...)
	stream, err := conn.NewStream(ctx, &ServiceDesc.Streams[0], WatchMethod, opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	var out []*PingResponse
	for {
		resp := new(PingResponse)
		err := stream.RecvMsg(resp)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, resp)
	}
}
