package httpserver

import (
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
)

// NewCheckOrigin returns the upgrader's CheckOrigin function. Empty origins
// (non-browser clients) are always allowed. With no configured origins every
// origin is allowed; otherwise the origin must match one of them exactly.
// When isDevelopment is true, localhost origins are additionally allowed.
func NewCheckOrigin(allowed []string, isDevelopment bool) func(r *http.Request) bool {
	origins := make([]string, 0, len(allowed))
	for _, a := range allowed {
		if o := extractOrigin(a); o != "" {
			origins = append(origins, o)
		}
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")

		if origin == "" || len(origins) == 0 {
			return true
		}

		if slices.Contains(origins, strings.TrimSuffix(origin, "/")) {
			return true
		}

		if isDevelopment && isLocalhostOrigin(origin) {
			return true
		}

		slog.Warn("WebSocket origin rejected", "origin", origin, "remote_addr", r.RemoteAddr)
		return false
	}
}

func extractOrigin(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

func isLocalhostOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1"
}
