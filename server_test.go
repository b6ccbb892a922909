package sentinel

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lym-ifae/Sentinel/contextx"
	"github.com/lym-ifae/Sentinel/interceptors"
	"github.com/lym-ifae/Sentinel/pacing"
	"github.com/lym-ifae/Sentinel/ping"
	"github.com/lym-ifae/Sentinel/policy"
	"github.com/lym-ifae/Sentinel/system"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tilinna/clock"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

func mustServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	s, err := NewServer(opts...)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return s
}

// idleSampler never publishes a reading within a test.
func idleSampler() *system.Sampler {
	return system.NewSampler(system.SourceFunc(func(context.Context) (float64, error) { return 0, nil }),
		system.WithClock(clock.NewMock(time.Unix(0, 0))))
}

// serve starts s on a bufconn listener and returns a client connection.
func serve(t *testing.T, s *Server) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1024 * 1024)
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, lis) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Serve: %v", err)
		}
		s.Stop()
	})

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

func TestNewServerReturnsNonNil(t *testing.T) {
	s := mustServer(t)
	if s.GRPC() == nil {
		t.Fatal("GRPC() returned nil")
	}
	if s.Gate() != nil || s.Sampler() != nil {
		t.Fatal("pacing must be off without pacing options")
	}
}

func TestNewServerRejectsInvalidPacingConfig(t *testing.T) {
	_, err := NewServer(WithAdaptivePacing(-time.Second), WithLoadSampler(idleSampler()))
	if err == nil {
		t.Fatal("expected error for negative queueing bound")
	}
}

func TestMetricsHandlerImplementsHTTPHandler(t *testing.T) {
	s := mustServer(t)
	var h http.Handler = s.MetricsHandler()
	if h == nil {
		t.Fatal("MetricsHandler() returned nil")
	}
}

func TestMetricsHandlerServesPacingMetrics(t *testing.T) {
	s := mustServer(t,
		WithAdaptivePacing(0),
		WithLoadSampler(idleSampler()),
		WithMetrics(prometheus.NewRegistry()),
	)

	rec := httptest.NewRecorder()
	s.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "sentinel_pacing_rate") {
		t.Fatalf("sentinel_pacing_rate missing from:\n%s", rec.Body.String())
	}
}

func TestServerPacesPing(t *testing.T) {
	s := mustServer(t,
		WithRecovery(),
		WithPacingConfig(pacing.Config{InitialRate: 1, MaxRate: 1}),
		WithLoadSampler(idleSampler()),
	)
	s.RegisterPing(ping.DefaultHandler())
	conn := serve(t, s)

	if _, err := ping.Call(t.Context(), conn, &ping.PingRequest{Message: "a"}); err != nil {
		t.Fatalf("first Ping: %v", err)
	}
	_, err := ping.Call(t.Context(), conn, &ping.PingRequest{Message: "b"})
	if status.Code(err) != codes.ResourceExhausted {
		t.Fatalf("second Ping: expected ResourceExhausted, got %v", err)
	}
}

func TestServerPacesWatchStreams(t *testing.T) {
	s := mustServer(t,
		WithPacingConfig(pacing.Config{InitialRate: 1, MaxRate: 1}),
		WithLoadSampler(idleSampler()),
	)
	s.RegisterPing(ping.DefaultHandler())
	conn := serve(t, s)

	resps, err := ping.Watch(t.Context(), conn, &ping.PingRequest{Count: 2})
	if err != nil || len(resps) != 2 {
		t.Fatalf("first Watch: %d responses, err %v", len(resps), err)
	}
	_, err = ping.Watch(t.Context(), conn, &ping.PingRequest{Count: 2})
	if status.Code(err) != codes.ResourceExhausted {
		t.Fatalf("second Watch: expected ResourceExhausted, got %v", err)
	}
}

func TestServerSharesGroupGateAcrossPingAndWatch(t *testing.T) {
	resolver := policy.MustNewResolver(
		policy.Group("ping").Prefix("/sentinel.Ping/").Policy(policy.Policy{
			Pacing: &policy.PacingRule{InitialRate: 1, MaxRate: 1},
		}),
	)
	s := mustServer(t,
		WithPacingPolicies(resolver),
		WithLoadSampler(idleSampler()),
		WithMetrics(prometheus.NewRegistry()),
	)
	s.RegisterPing(ping.DefaultHandler())
	conn := serve(t, s)

	if _, err := ping.Call(t.Context(), conn, &ping.PingRequest{Message: "a"}); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if _, err := ping.Watch(t.Context(), conn, &ping.PingRequest{}); status.Code(err) != codes.ResourceExhausted {
		t.Fatalf("Watch after Ping: expected ResourceExhausted, got %v", err)
	}

	rec := httptest.NewRecorder()
	s.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if want := `sentinel_pacing_rate{resource="ping"} 1`; !strings.Contains(rec.Body.String(), want) {
		t.Fatalf("%s missing from:\n%s", want, rec.Body.String())
	}
}

func TestPriorityRunsBeforePacing(t *testing.T) {
	var prioritized []bool
	global := pacing.ControllerFunc(func(_ context.Context, _ int, p bool) bool {
		prioritized = append(prioritized, p)
		return true
	})
	resolver := policy.MustNewResolver(policy.Group("all").Prefix("/").Policy(policy.Policy{}))

	pc := interceptors.PacingConfig{Global: global, Resolver: resolver}
	priority, paced := interceptors.PriorityUnary(), interceptors.PacingUnary(pc)
	info := &grpc.UnaryServerInfo{FullMethod: "/svc/M"}

	ctx := metadata.NewIncomingContext(t.Context(), metadata.Pairs(interceptors.PriorityHeader, "high"))
	var group string
	handler := func(ctx context.Context, req any) (any, error) {
		group = contextx.GroupFromContext(ctx)
		return req, nil
	}
	_, err := priority(ctx, nil, info, func(ctx context.Context, req any) (any, error) {
		return paced(ctx, req, info, handler)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(prioritized) != 1 || !prioritized[0] {
		t.Fatalf("prioritized = %v, want [true]", prioritized)
	}
	if group != "all" {
		t.Fatalf("group = %q, want %q", group, "all")
	}
}

func TestServerPacingUnitsOption(t *testing.T) {
	s := mustServer(t,
		WithPacingConfig(pacing.Config{MaxQueueing: 0, InitialRate: 10, MaxRate: 10}),
		WithLoadSampler(idleSampler()),
		WithPacingUnits(func(_ context.Context, _ string, req any) int { return ping.Units(req) }),
	)
	s.RegisterPing(ping.DefaultHandler())
	conn := serve(t, s)

	if _, err := ping.Call(t.Context(), conn, &ping.PingRequest{Units: 5}); err != nil {
		t.Fatalf("first Ping: %v", err)
	}
	last, err := s.Gate().LastIssue(t.Context())
	if err != nil {
		t.Fatalf("LastIssue: %v", err)
	}
	if last == pacing.NoIssue {
		t.Fatal("gate was not consulted")
	}
}

func TestDefaultOptionsEnablePacing(t *testing.T) {
	s := mustServer(t, append(DefaultOptions(), WithLoadSampler(idleSampler()))...)
	if s.Gate() == nil {
		t.Fatal("DefaultOptions must enable the global gate")
	}
	if got := s.Gate().MaxQueueing(); got != DefaultMaxQueueing {
		t.Fatalf("MaxQueueing = %v, want %v", got, DefaultMaxQueueing)
	}
}

func TestNewServerWithInterceptors(t *testing.T) {
	s := mustServer(t,
		WithUnaryInterceptor(func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
			return handler(ctx, req)
		}),
		WithStreamInterceptor(func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
			return handler(srv, ss)
		}),
	)
	if s.GRPC() == nil {
		t.Fatal("GRPC() returned nil after options applied")
	}
}
