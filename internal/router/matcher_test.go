package router

import (
	"testing"

	"github.com/nanjiek/dbd-gateway/internal/config"
	"github.com/nanjiek/dbd-gateway/internal/identity"
)

func mustJoin(t *testing.T, m *Matcher) *Reader {
	t.Helper()
	r, err := m.Join()
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	t.Cleanup(r.Close)
	return r
}

func TestMatcherMatchOrder(t *testing.T) {
	routes := map[string]config.Route{
		"r1": {
			RouteID:  "r1",
			Match:    "/api",
			Methods:  []string{"GET"},
			Client:   identity.KindUser,
			Priority: 10,
			Enabled:  true,
		},
		"r2": {
			RouteID:  "r2",
			Match:    "/api",
			Priority: 5,
			Enabled:  true,
		},
		"r3": {
			RouteID:  "r3",
			Match:    "/v1/*",
			Priority: 7,
			Enabled:  true,
		},
	}

	snap := BuildRouteSnapshot(routes)
	matcher := NewMatcher(snap)
	reader := mustJoin(t, matcher)

	got, err := reader.Match(RequestCtx{
		Path:   "/api",
		Method: "GET",
		Client: identity.ClientKey{Kind: identity.KindUser},
	})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("expected 2 routes, got %d", len(got))
	}
	if got[0].RouteID != "r1" || got[1].RouteID != "r2" {
		t.Fatalf("unexpected order: %v", []string{got[0].RouteID, got[1].RouteID})
	}
}

func TestMatcherFiltersMethodAndClient(t *testing.T) {
	routes := map[string]config.Route{
		"r1": {
			RouteID: "r1",
			Match:   "/api",
			Methods: []string{"POST"},
			Client:  identity.KindUser,
			Enabled: true,
		},
		"r2": {
			RouteID: "r2",
			Match:   "/api",
			Client:  identity.KindIP,
			Enabled: true,
		},
	}

	matcher := NewMatcher(BuildRouteSnapshot(routes))
	reader := mustJoin(t, matcher)
	got, err := reader.Match(RequestCtx{
		Path:   "/api",
		Method: "GET",
		Client: identity.ClientKey{Kind: identity.KindUser},
	})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no routes, got %d", len(got))
	}
}

func TestMatcherPrefixAndWildcard(t *testing.T) {
	routes := map[string]config.Route{
		"r1": {RouteID: "r1", Match: "/v1/*", Enabled: true},
		"r2": {RouteID: "r2", Match: "*", Enabled: true},
	}

	matcher := NewMatcher(BuildRouteSnapshot(routes))
	reader := mustJoin(t, matcher)
	got, err := reader.Match(RequestCtx{Path: "/v1/a", Method: "GET"})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 routes, got %d", len(got))
	}
}

func TestMatcherReplaceIsVisibleAfterPublish(t *testing.T) {
	matcher := NewMatcher(nil)
	reader := mustJoin(t, matcher)

	got, err := reader.Match(RequestCtx{Path: "/x", Method: "GET"})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no routes before Replace, got %d", len(got))
	}

	matcher.Replace(BuildRouteSnapshot(map[string]config.Route{
		"r1": {RouteID: "r1", Match: "*", Enabled: true},
	}))

	got, err = reader.Match(RequestCtx{Path: "/x", Method: "GET"})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(got) != 1 || got[0].RouteID != "r1" {
		t.Fatalf("expected route r1 after Replace, got %v", got)
	}
}
