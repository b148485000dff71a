package router

import (
	"strings"

	"github.com/nanjiek/dbd-gateway/internal/config"
)

// RouteSnapshot is an immutable index built from routes: exact-match paths,
// a prefix trie for "/foo/*"-style routes, and a wildcard fallback list.
type RouteSnapshot struct {
	Exact    map[string][]config.Route
	Prefix   *trieNode
	Wildcard []config.Route
}

type trieNode struct {
	children map[rune]*trieNode
	routes   []config.Route
}

func newTrie() *trieNode {
	return &trieNode{children: make(map[rune]*trieNode)}
}

func (t *trieNode) insert(prefix string, route config.Route) {
	node := t
	for _, ch := range prefix {
		if node.children == nil {
			node.children = make(map[rune]*trieNode)
		}
		next := node.children[ch]
		if next == nil {
			next = &trieNode{children: make(map[rune]*trieNode)}
			node.children[ch] = next
		}
		node = next
	}
	node.routes = append(node.routes, route)
}

func (t *trieNode) match(path string) []config.Route {
	if t == nil {
		return nil
	}
	node := t
	var out []config.Route
	for _, ch := range path {
		if node == nil {
			break
		}
		if len(node.routes) > 0 {
			out = append(out, node.routes...)
		}
		node = node.children[ch]
	}
	if node != nil && len(node.routes) > 0 {
		out = append(out, node.routes...)
	}
	return out
}

// BuildRouteSnapshot builds a route index from a route map keyed by
// RouteID. Disabled routes are dropped at build time (Reader.Match also
// skips any disabled route it encounters).
func BuildRouteSnapshot(routes map[string]config.Route) *RouteSnapshot {
	snap := &RouteSnapshot{
		Exact:    make(map[string][]config.Route),
		Prefix:   newTrie(),
		Wildcard: make([]config.Route, 0),
	}
	for _, route := range routes {
		if !route.Enabled {
			continue
		}
		match := strings.TrimSpace(route.Match)
		if match == "" || match == "*" {
			snap.Wildcard = append(snap.Wildcard, route)
			continue
		}
		if strings.HasSuffix(match, "*") && len(match) > 1 {
			prefix := strings.TrimSuffix(match, "*")
			snap.Prefix.insert(prefix, route)
			continue
		}
		snap.Exact[match] = append(snap.Exact[match], route)
	}
	return snap
}
