package broadcast

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// originPolicy decides which browser origins may open a WebSocket. Origins are compared
// as scheme://host[:port].
type originPolicy struct {
	allowed    map[string]bool
	allowLocal bool
}

// NewCheckOrigin builds an Upgrader.CheckOrigin. It admits requests without an Origin
// header (native apps), origins matching the request host, and the configured list.
// Development mode also admits localhost.
func NewCheckOrigin(allowed []string, isDevelopment bool) func(r *http.Request) bool {
	p := originPolicy{allowed: make(map[string]bool, len(allowed)), allowLocal: isDevelopment}
	for _, raw := range allowed {
		if u, ok := parseOrigin(strings.TrimSpace(raw)); ok {
			p.allowed[u.Scheme+"://"+u.Host] = true
		}
	}
	return p.check
}

func (p originPolicy) check(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || p.allowed[origin] {
		return true
	}

	u, ok := parseOrigin(origin)
	switch {
	case ok && strings.EqualFold(u.Host, r.Host):
		return true
	case ok && p.allowLocal && (u.Hostname() == "localhost" || u.Hostname() == "127.0.0.1"):
		return true
	}

	slog.Warn("WebSocket origin rejected", "origin", origin, "remote_addr", r.RemoteAddr)
	return false
}

func parseOrigin(raw string) (*url.URL, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return nil, false
	}
	return u, true
}
