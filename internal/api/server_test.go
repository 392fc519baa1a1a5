package api

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqp-sync/backend/internal/pipeline"
	"github.com/sqp-sync/backend/internal/query"
	"github.com/sqp-sync/backend/internal/state"
	"github.com/sqp-sync/backend/internal/storage/memory"
	"github.com/sqp-sync/backend/pkg/config"
)

type noopRunner struct{}

func (noopRunner) Run(ctx context.Context, req pipeline.Request) (*pipeline.Result, error) {
	return &pipeline.Result{RunID: "run"}, nil
}

func TestServerRoutes(t *testing.T) {
	store := memory.New()
	srv := NewServer(config.ServerConfig{RequestsPerMinute: 100, IsDevelopment: true}, Deps{
		Engine:       query.NewEngine(store, nil),
		Runner:       noopRunner{},
		State:        state.NewManager(store, "sqp-test"),
		Audit:        store,
		LookbackDays: 14,
	})
	defer srv.limiter.Stop()

	tests := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{name: "health", method: "GET", path: "/api/v1/health", want: fiber.StatusOK},
		{name: "metrics", method: "GET", path: "/metrics", want: fiber.StatusOK},
		{name: "keywords", method: "GET", path: "/api/v1/keywords?start=2024-01-01&end=2024-01-07", want: fiber.StatusOK},
		{name: "invalid asin rejected by validation", method: "GET", path: "/api/v1/keywords?asins=nope&start=2024-01-01&end=2024-01-07", want: fiber.StatusBadRequest},
		{name: "status", method: "GET", path: "/api/v1/pipeline/status", want: fiber.StatusOK},
		{name: "sync", method: "POST", path: "/api/v1/sync", want: fiber.StatusOK},
		{name: "websocket needs upgrade", method: "GET", path: "/ws/pipeline", want: fiber.StatusUpgradeRequired},
		{name: "unknown route", method: "GET", path: "/api/v1/nope", want: fiber.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := srv.App.Test(httptest.NewRequest(tt.method, tt.path, nil))
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}
