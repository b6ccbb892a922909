package policy

import (
	"testing"
	"time"
)

func mustNewCached(t *testing.T, r *Resolver) *CachedResolver {
	t.Helper()
	c, err := NewCachedResolver(r, 100)
	if err != nil {
		t.Fatalf("NewCachedResolver: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestCachedResolver_MatchesResolver(t *testing.T) {
	r := MustNewResolver(
		Group("regex-group").
			Regex(`/svc\.Service/`).
			Policy(Policy{Timeout: 1 * time.Second}),
		Group("exact-group").
			Exact("/svc.Service/Get").
			Policy(Policy{Timeout: 2 * time.Second}),
	)
	c := mustNewCached(t, r)

	for _, method := range []string{"/svc.Service/Get", "/svc.Service/List", "/other/Call"} {
		wantName, wantPol, wantOK := r.Resolve(method)
		for range 2 {
			name, pol, ok := c.Resolve(method)
			if name != wantName || pol != wantPol || ok != wantOK {
				t.Fatalf("Resolve(%s) = (%q, %p, %v), want (%q, %p, %v)",
					method, name, pol, ok, wantName, wantPol, wantOK)
			}
			c.Wait()
		}
	}
}

func TestCachedResolver_ServesFromCache(t *testing.T) {
	r := MustNewResolver(
		Group("paced").
			Prefix("/api.").
			Policy(Policy{Pacing: &PacingRule{InitialRate: 10}}),
	)
	c := mustNewCached(t, r)

	if _, _, ok := c.Resolve("/api.Service/Get"); !ok {
		t.Fatal("expected a match")
	}
	c.Wait()

	if _, hit := c.rc.Get("/api.Service/Get"); !hit {
		t.Fatal("expected resolution to be cached")
	}
}
