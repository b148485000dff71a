// Package identity resolves a stable client key from an inbound HTTP
// request. The gateway uses the same key for two unrelated purposes: as
// the input to a feature flag's rollout bucket (internal/flags) and as
// the shard key a dispatch decision load-balances backends on
// (internal/workerpool), so the resolution order below has to be stable
// across both call sites, not just consistent within one.
package identity

import (
	"errors"
	"net"
	"net/http"
	"strings"
)

// Kind classifies how a ClientKey was derived.
const (
	KindUser   = "user"
	KindIP     = "ip"
	KindAPIKey = "api_key"
)

// ClientKey is a normalized client identifier: Key is what callers should
// actually hash or bucket on, Kind/ID are there for logging and admin
// responses.
type ClientKey struct {
	Kind string
	ID   string
	Key  string
}

// Resolver extracts a ClientKey from a request's headers, falling back
// to the connection's remote address when no identifying header is
// present.
type Resolver struct {
	UserHeader string
	APIKeyHdr  string
	IPHeader   string
}

// NewResolver returns a Resolver configured with the gateway's default
// header names.
func NewResolver() *Resolver {
	return &Resolver{
		UserHeader: "X-User-Id",
		APIKeyHdr:  "X-API-Key",
		IPHeader:   "X-Forwarded-For",
	}
}

// Resolve picks the first identity present, in order: authenticated
// user, API key, forwarded-for IP, raw remote address. A request that
// matches none of these (no identifying header, empty RemoteAddr) has no
// stable identity to bucket or shard on, so Resolve reports an error
// rather than inventing one.
func (r *Resolver) Resolve(req *http.Request) (ClientKey, error) {
	if req == nil {
		return ClientKey{}, errors.New("identity: nil request")
	}

	if user := strings.TrimSpace(req.Header.Get(r.UserHeader)); user != "" {
		return newClientKey(KindUser, user), nil
	}
	if apiKey := strings.TrimSpace(req.Header.Get(r.APIKeyHdr)); apiKey != "" {
		return newClientKey(KindAPIKey, apiKey), nil
	}
	if ip := firstForwardedIP(req.Header.Get(r.IPHeader)); ip != "" {
		return newClientKey(KindIP, ip), nil
	}
	if ip := remoteIP(req.RemoteAddr); ip != "" {
		return newClientKey(KindIP, ip), nil
	}

	return ClientKey{}, errors.New("identity: no client identity found")
}

func newClientKey(kind, id string) ClientKey {
	return ClientKey{Kind: kind, ID: id, Key: kind + ":" + id}
}

// firstForwardedIP returns the left-most (originating client) entry of
// an X-Forwarded-For style header, ignoring any intermediate proxies.
func firstForwardedIP(value string) string {
	if value == "" {
		return ""
	}
	parts := strings.SplitN(value, ",", 2)
	return strings.TrimSpace(parts[0])
}

// remoteIP strips the port from a dial-style address, falling back to
// the raw value when it isn't in host:port form.
func remoteIP(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil && host != "" {
		return host
	}
	return remoteAddr
}
