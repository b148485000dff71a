package router

import (
	"sort"
	"strings"
	"time"

	"github.com/nanjiek/dbd-gateway/internal/config"
	"github.com/nanjiek/dbd-gateway/internal/identity"
	"github.com/nanjiek/dbd-gateway/internal/observability"

	"github.com/nanjiek/dbd-gateway/dbd"
)

const containerLabel = "routes"

// RequestCtx is the input used for route matching.
type RequestCtx struct {
	Path   string
	Method string
	Client identity.ClientKey
}

// Matcher republishes a RouteSnapshot through a dbd.Container. Long-lived
// worker goroutines Join it once and keep the returned Reader for their
// lifetime, matching the container's reader-per-worker assumption.
type Matcher struct {
	container *dbd.Container[RouteSnapshot, struct{}]
}

// NewMatcher constructs a Matcher, optionally seeded with an initial
// snapshot (a nil initial yields an empty routing table).
func NewMatcher(initial *RouteSnapshot) *Matcher {
	if initial == nil {
		initial = BuildRouteSnapshot(map[string]config.Route{})
	}
	m := &Matcher{container: dbd.New[RouteSnapshot, struct{}]()}
	m.container.Modify(func(bg *RouteSnapshot) int {
		*bg = *initial
		return 1
	})
	return m
}

// Replace publishes a new route snapshot, visible to readers after the
// container's drain completes.
func (m *Matcher) Replace(snapshot *RouteSnapshot) {
	if snapshot == nil {
		snapshot = BuildRouteSnapshot(map[string]config.Route{})
	}
	start := time.Now()
	m.container.Modify(func(bg *RouteSnapshot) int {
		*bg = *snapshot
		return 1
	})
	observability.TimeModify(containerLabel, start, time.Now())
}

// Reader is a per-goroutine handle for matching against the current route
// snapshot. Obtain one via Matcher.Join from a long-lived goroutine and
// Close it on exit.
type Reader struct {
	scope *dbd.Scope[RouteSnapshot, struct{}]
}

// Join registers the calling goroutine as a reader of this Matcher's route
// table.
func (m *Matcher) Join() (*Reader, error) {
	scope, err := m.container.Join()
	if err != nil {
		return nil, err
	}
	observability.ReaderJoined(containerLabel)
	return &Reader{scope: scope}, nil
}

// Close releases this reader's registration.
func (r *Reader) Close() {
	r.scope.Close()
	observability.ReaderLeft(containerLabel)
}

// Match returns every enabled route matching ctx, ordered by priority
// (descending), ties broken by RouteID.
func (r *Reader) Match(ctx RequestCtx) ([]config.Route, error) {
	g, err := r.scope.Read()
	if err != nil {
		return nil, err
	}
	defer g.Release()
	snap := g.Get()

	var res []config.Route
	if ctx.Path != "" {
		if routes, ok := snap.Exact[ctx.Path]; ok {
			res = append(res, filterRoutes(routes, ctx)...)
		}
		res = append(res, filterRoutes(snap.Prefix.match(ctx.Path), ctx)...)
	}
	res = append(res, filterRoutes(snap.Wildcard, ctx)...)

	sort.SliceStable(res, func(i, j int) bool {
		if res[i].Priority == res[j].Priority {
			return res[i].RouteID < res[j].RouteID
		}
		return res[i].Priority > res[j].Priority
	})

	return res, nil
}

func filterRoutes(routes []config.Route, ctx RequestCtx) []config.Route {
	if len(routes) == 0 {
		return nil
	}
	out := make([]config.Route, 0, len(routes))
	for _, r := range routes {
		if !r.Enabled {
			continue
		}
		if !matchMethod(r.Methods, ctx.Method) {
			continue
		}
		if !matchClient(r.Client, ctx.Client.Kind) {
			continue
		}
		out = append(out, r)
	}
	return out
}

func matchMethod(methods []string, method string) bool {
	if len(methods) == 0 {
		return true
	}
	method = strings.ToUpper(strings.TrimSpace(method))
	for _, m := range methods {
		m = strings.ToUpper(strings.TrimSpace(m))
		if m == "*" || m == method {
			return true
		}
	}
	return false
}

func matchClient(routeClient, requestClient string) bool {
	if routeClient == "" {
		return true
	}
	return strings.EqualFold(strings.TrimSpace(routeClient), strings.TrimSpace(requestClient))
}
