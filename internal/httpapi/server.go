package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/gofiber/fiber/v3/middleware/recover"

	"x402facilitator/internal/audit"
	"x402facilitator/internal/config"
	"x402facilitator/internal/discovery"
	"x402facilitator/internal/pricecache"
	"x402facilitator/internal/registry"
	"x402facilitator/internal/settlement"
	"x402facilitator/internal/verifier"
	"x402facilitator/internal/webhook"
)

// Version is the facilitator's build version, set at build time via ldflags.
var Version = "dev"

// Deps bundles the initialized subsystems a Server dispatches onto. A
// Verifier and an Orchestrator are bound to exactly one chain's RPC client
// at construction, so both are keyed by CAIP-2 network id; a network
// missing from either map means that chain failed to dial at startup (or
// was never configured), and handlers answer 503 for it rather than
// panicking.
type Deps struct {
	Verifiers map[string]*verifier.Verifier
	Settlers  map[string]*settlement.Orchestrator
	Registry  *registry.Registry
	AuditLog  *audit.Log
	Webhooks  *webhook.Registry
	Discovery *discovery.Catalog
	Prices    *pricecache.Cache // display-only USD quotes; nil disables GET /price/:symbol
	Chains    map[string]config.ChainConfig
}

// Server is the facilitator's HTTP surface.
type Server struct {
	app  *fiber.App
	cfg  *config.Config
	deps Deps
}

// New builds a Server and wires its middleware and routes. Route handlers
// hold a reference to deps directly rather than through additional
// per-handler structs, since the facilitator's surface is one cohesive
// API rather than a set of independently owned resources.
func New(cfg *config.Config, deps Deps) *Server {
	app := fiber.New(fiber.Config{
		AppName:      "x402 Facilitator",
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		ErrorHandler: errorHandler,
	})

	s := &Server{app: app, cfg: cfg, deps: deps}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.app.Use(recover.New())
	s.app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${method} ${path} ${latency}\n",
	}))
	s.app.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization"},
	}))
	s.app.Use(RequestID())
	s.app.Use(RateLimiter(&s.cfg.RateLimit))
}

func (s *Server) setupRoutes() {
	h := &handler{cfg: s.cfg, deps: s.deps}

	s.app.Get("/health", h.Health)
	s.app.Get("/supported", h.Supported)

	s.app.Post("/verify", h.Verify)
	s.app.Post("/verify/quick", h.VerifyQuick)
	s.app.Post("/settle", h.Settle)
	s.app.Get("/settle/recent", h.SettleRecent)
	s.app.Get("/settle/stats", h.SettleStats)

	s.app.Get("/discovery/resources", h.DiscoveryList)
	s.app.Get("/price/:symbol", h.PriceQuote)

	webhooks := s.app.Group("/webhooks")
	webhooks.Get("/", h.WebhooksList)
	webhooks.Post("/", AdminOnly(&s.cfg.Admin), h.WebhooksRegister)
	webhooks.Delete("/:id", AdminOnly(&s.cfg.Admin), h.WebhooksDeactivate)

	s.app.Use(func(c fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "not found",
			"path":  c.Path(),
		})
	})
}

// Start begins serving. It blocks until the listener exits.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%s", s.cfg.Server.Port)
	slog.Info("facilitator: listening", "addr", addr)
	return s.app.Listen(addr)
}

// Shutdown drains in-flight requests within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.InfoContext(ctx, "facilitator: shutting down")
	return s.app.ShutdownWithContext(ctx)
}

func errorHandler(c fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "internal server error"
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}
	slog.ErrorContext(c.Context(), "facilitator: request error", "error", err)
	return c.Status(code).JSON(fiber.Map{
		"error":     message,
		"status":    code,
		"timestamp": time.Now().Unix(),
		"requestId": c.Locals(RequestIDKey),
	})
}
