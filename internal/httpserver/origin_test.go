package httpserver

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewCheckOrigin(t *testing.T) {
	allowed := []string{"https://play.sectorpulse.example.com/game", "https://admin.sectorpulse.example.com"}

	tests := []struct {
		name          string
		allowed       []string
		origin        string
		isDevelopment bool
		want          bool
	}{
		{"empty origin", allowed, "", false, true},
		{"game origin", allowed, "https://play.sectorpulse.example.com", false, true},
		{"admin origin", allowed, "https://admin.sectorpulse.example.com", false, true},
		{"nothing configured", nil, "https://anything.example.com", false, true},

		{"different host", allowed, "https://evil.com", false, false},
		{"different port", allowed, "https://play.sectorpulse.example.com:9090", false, false},
		{"http instead of https", allowed, "http://play.sectorpulse.example.com", false, false},
		{"subdomain", allowed, "https://x.play.sectorpulse.example.com", false, false},

		{"localhost dev", allowed, "http://localhost:8080", true, true},
		{"127.0.0.1 dev", allowed, "http://127.0.0.1:3000", true, true},
		{"localhost prod rejected", allowed, "http://localhost:8080", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := NewCheckOrigin(tt.allowed, tt.isDevelopment)
			r, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, "/ws/connect", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, checker(r))
		})
	}
}

func TestExtractOrigin(t *testing.T) {
	tests := []struct {
		name   string
		rawURL string
		want   string
	}{
		{"full URL with path", "https://example.com/game", "https://example.com"},
		{"URL with port", "https://example.com:8443/path", "https://example.com:8443"},
		{"padded", " http://localhost:8080 ", "http://localhost:8080"},
		{"empty string", "", ""},
		{"no host", "mailto:user@example.com", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractOrigin(tt.rawURL))
		})
	}
}
