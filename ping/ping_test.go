package ping_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/lym-ifae/Sentinel/ping"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func connect(t *testing.T, h ping.Handler) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer()
	ping.Register(s, h)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufconn",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestServiceInfo(t *testing.T) {
	s := grpc.NewServer()
	ping.Register(s, ping.DefaultHandler())
	si, ok := s.GetServiceInfo()["sentinel.Ping"]
	if !ok {
		t.Fatal("sentinel.Ping service not registered")
	}
	methods := make(map[string]bool)
	for _, m := range si.Methods {
		methods[m.Name] = m.IsServerStream
	}
	if stream, ok := methods["Ping"]; !ok || stream {
		t.Fatalf("Ping method missing or streaming: %v", methods)
	}
	if stream, ok := methods["Watch"]; !ok || !stream {
		t.Fatalf("Watch method missing or not streaming: %v", methods)
	}
}

func TestCallEchoes(t *testing.T) {
	conn := connect(t, ping.DefaultHandler())

	for _, msg := range []string{"hello", ""} {
		resp, err := ping.Call(t.Context(), conn, &ping.PingRequest{Message: msg, Units: 3})
		if err != nil {
			t.Fatalf("Call(%q): %v", msg, err)
		}
		if resp.Message != msg {
			t.Fatalf("message = %q, want %q", resp.Message, msg)
		}
		if diff := time.Now().Unix() - resp.ServerTimeUnix; diff < 0 || diff > 5 {
			t.Fatalf("server time %d is not recent", resp.ServerTimeUnix)
		}
		if resp.Seq != 0 {
			t.Fatalf("seq = %d for a unary call", resp.Seq)
		}
	}
}

func TestWatchStreamsCount(t *testing.T) {
	conn := connect(t, ping.DefaultHandler())

	resps, err := ping.Watch(t.Context(), conn, &ping.PingRequest{Message: "w", Count: 3})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if len(resps) != 3 {
		t.Fatalf("got %d responses, want 3", len(resps))
	}
	for i, r := range resps {
		if r.Seq != i+1 || r.Message != "w" {
			t.Fatalf("response %d = %+v", i, r)
		}
	}

	resps, err = ping.Watch(t.Context(), conn, &ping.PingRequest{})
	if err != nil || len(resps) != 1 {
		t.Fatalf("zero count: got %d responses, err %v", len(resps), err)
	}
}

func TestWatchHonoursDeadline(t *testing.T) {
	conn := connect(t, ping.BusyHandler(time.Second))

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	_, err := ping.Watch(ctx, conn, &ping.PingRequest{Count: 5})
	if code := status.Code(err); code != codes.DeadlineExceeded {
		t.Fatalf("code = %v, want DeadlineExceeded", code)
	}
}

func TestCodecHandlesProtoMessages(t *testing.T) {
	c := encoding.GetCodec(ping.Subtype)
	if c == nil {
		t.Fatal("codec not registered")
	}

	data, err := c.Marshal(wrapperspb.String("paced"))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got := new(wrapperspb.StringValue)
	if err := c.Unmarshal(data, got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.GetValue() != "paced" {
		t.Fatalf("value = %q", got.GetValue())
	}

	data, err = c.Marshal(&ping.PingRequest{Message: "m", Units: 2})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	req := new(ping.PingRequest)
	if err := c.Unmarshal(data, req); err != nil || req.Units != 2 || req.Message != "m" {
		t.Fatalf("Unmarshal = %+v, %v", req, err)
	}
}

func TestUnits(t *testing.T) {
	tests := []struct {
		req  any
		want int
	}{
		{&ping.PingRequest{Units: 5}, 5},
		{&ping.PingRequest{}, 1},
		{&ping.PingRequest{Units: -2}, 1},
		{"other", 1},
		{nil, 1},
	}
	for _, tt := range tests {
		if got := ping.Units(tt.req); got != tt.want {
			t.Errorf("Units(%v) = %d, want %d", tt.req, got, tt.want)
		}
	}
}

func TestBusyHandler(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	if _, err := ping.BusyHandler(time.Second).Ping(ctx, &ping.PingRequest{}); err == nil {
		t.Fatal("expected context error")
	}

	resp, err := ping.BusyHandler(time.Millisecond).Ping(t.Context(), &ping.PingRequest{Message: "x"})
	if err != nil || resp.Message != "x" {
		t.Fatalf("got (%+v, %v)", resp, err)
	}
}
