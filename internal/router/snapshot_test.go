package router

import (
	"testing"

	"github.com/nanjiek/dbd-gateway/internal/config"
)

func TestBuildRouteSnapshot(t *testing.T) {
	routes := map[string]config.Route{
		"r1": {RouteID: "r1", Match: "/api", Enabled: true},
		"r2": {RouteID: "r2", Match: "/v1/*", Enabled: true},
		"r3": {RouteID: "r3", Match: "*", Enabled: true},
		"r4": {RouteID: "r4", Match: "/disabled", Enabled: false},
	}

	snap := BuildRouteSnapshot(routes)
	if len(snap.Exact) != 1 {
		t.Fatalf("exact size = %d", len(snap.Exact))
	}
	if len(snap.Wildcard) != 1 {
		t.Fatalf("wildcard size = %d", len(snap.Wildcard))
	}

	got := snap.Prefix.match("/v1/test")
	if len(got) != 1 || got[0].RouteID != "r2" {
		t.Fatalf("prefix match failed: %#v", got)
	}
}
