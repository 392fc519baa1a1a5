package security

import (
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeadersMiddleware(t *testing.T) {
	tests := []struct {
		name        string
		cfg         HeadersConfig
		path        string
		wantHSTS    bool
		wantNoStore bool
		wantConnect string
	}{
		{
			name:        "production",
			cfg:         HeadersConfig{AllowedOrigins: []string{"https://dash.example.com", "*"}},
			path:        "/api/v1/keywords",
			wantHSTS:    true,
			wantConnect: "connect-src 'self' https://dash.example.com;",
		},
		{
			name:        "development skips hsts",
			cfg:         HeadersConfig{IsDevelopment: true},
			path:        "/api/v1/keywords",
			wantConnect: "connect-src 'self';",
		},
		{
			name:        "no-store prefix",
			cfg:         HeadersConfig{NoStorePrefixes: []string{"/api/v1/pipeline"}},
			path:        "/api/v1/pipeline/status",
			wantHSTS:    true,
			wantNoStore: true,
			wantConnect: "connect-src 'self';",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := fiber.New()
			app.Use(HeadersMiddleware(tt.cfg))
			app.Get("/*", func(c *fiber.Ctx) error { return c.SendString("ok") })

			resp, err := app.Test(httptest.NewRequest("GET", tt.path, nil))
			require.NoError(t, err)

			assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
			assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
			assert.Contains(t, resp.Header.Get("Content-Security-Policy"), tt.wantConnect)
			assert.Equal(t, tt.wantHSTS, resp.Header.Get("Strict-Transport-Security") != "")
			assert.Equal(t, tt.wantNoStore, resp.Header.Get("Cache-Control") == "no-store")
		})
	}
}
