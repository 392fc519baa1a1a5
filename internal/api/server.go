// Package api assembles the fiber application: middleware, report routes,
// pipeline control, metrics and the status stream.
package api

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"

	"github.com/sqp-sync/backend/internal/api/handlers"
	"github.com/sqp-sync/backend/internal/metrics"
	"github.com/sqp-sync/backend/internal/middleware/ratelimit"
	"github.com/sqp-sync/backend/internal/middleware/security"
	"github.com/sqp-sync/backend/internal/middleware/validation"
	"github.com/sqp-sync/backend/internal/query"
	"github.com/sqp-sync/backend/internal/state"
	"github.com/sqp-sync/backend/internal/storage"
	"github.com/sqp-sync/backend/pkg/config"
	"github.com/sqp-sync/backend/pkg/logger"
)

type Deps struct {
	Engine       *query.Engine
	Runner       handlers.SyncRunner
	State        *state.Manager
	Audit        storage.AuditStore
	LookbackDays int
}

// Server owns the fiber app and the rate limiter's cleanup goroutine.
type Server struct {
	App     *fiber.App
	limiter *ratelimit.RateLimiter
}

func NewServer(cfg config.ServerConfig, deps Deps) *Server {
	app := fiber.New(fiber.Config{
		ReadTimeout:           time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout:          time.Duration(cfg.WriteTimeout) * time.Second,
		BodyLimit:             cfg.BodyLimit,
		DisableStartupMessage: true,
	})

	limiter := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: cfg.RequestsPerMinute,
		ExemptPrefixes:       []string{"/metrics", "/api/v1/health", "/ws/"},
		Logger:               logger.Named("ratelimit"),
	})

	allowOrigins := "*"
	if len(cfg.AllowedOrigins) > 0 {
		allowOrigins = strings.Join(cfg.AllowedOrigins, ",")
	}

	app.Use(recover.New())
	if cfg.IsDevelopment {
		app.Use(fiberlogger.New())
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: allowOrigins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-API-Key",
		AllowMethods: "GET, POST, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		AllowedOrigins:  cfg.AllowedOrigins,
		IsDevelopment:   cfg.IsDevelopment,
		NoStorePrefixes: []string{"/api/v1/pipeline", "/api/v1/health"},
	}))
	app.Use(limiter.Middleware())
	app.Use(validation.Middleware(validation.Config{Logger: logger.Named("validation")}))

	keywordHandler := handlers.NewKeywordHandler(deps.Engine)
	pipelineHandler := handlers.NewPipelineHandler(deps.Runner, deps.State, deps.Audit, deps.LookbackDays)
	wsHandler := handlers.NewWebSocketHandler(deps.State)

	app.Get("/metrics", metrics.MetricsHandler())

	api := app.Group("/api/v1")

	api.Get("/keywords", keywordHandler.GetKeywords)
	api.Get("/keywords/trends", keywordHandler.GetTrends)
	api.Get("/keywords/scores", keywordHandler.GetScores)
	api.Get("/keywords/market-share", keywordHandler.GetMarketShare)

	api.Post("/sync", pipelineHandler.TriggerSync)
	api.Get("/pipeline/status", pipelineHandler.GetStatus)
	api.Get("/pipeline/history", pipelineHandler.GetHistory)
	api.Get("/pipeline/runs", pipelineHandler.GetRuns)
	api.Get("/health", pipelineHandler.GetHealth)

	app.Use("/ws", wsHandler.Upgrade)
	app.Get("/ws/pipeline", websocket.New(wsHandler.HandleConnection))

	return &Server{App: app, limiter: limiter}
}

func (s *Server) Listen(addr string) error {
	return s.App.Listen(addr)
}

func (s *Server) Shutdown() error {
	s.limiter.Stop()
	return s.App.Shutdown()
}
