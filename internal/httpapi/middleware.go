package httpapi

import (
	"regexp"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/limiter"
	"github.com/google/uuid"

	"x402facilitator/internal/config"
)

const (
	// RequestIDHeader is the header name for the request id.
	RequestIDHeader = "X-Request-ID"
	// RequestIDKey is the Locals key the request id is stored under.
	RequestIDKey = "request_id"
)

var validRequestIDPattern = regexp.MustCompile(`^[0-9a-zA-Z-]{1,64}$`)

// RequestID generates (or accepts a caller-supplied) per-request id, stored
// in Locals and echoed back in the response header.
func RequestID() fiber.Handler {
	return func(c fiber.Ctx) error {
		id := c.Get(RequestIDHeader)
		if id == "" || !validRequestIDPattern.MatchString(id) {
			id = uuid.New().String()
		}
		c.Locals(RequestIDKey, id)
		c.Set(RequestIDHeader, id)
		return c.Next()
	}
}

// RateLimiter gates ingress with a simple per-source counter window; the
// core settlement path assumes a request has already passed this.
func RateLimiter(cfg *config.RateLimitConfig) fiber.Handler {
	if !cfg.Enabled {
		return func(c fiber.Ctx) error { return c.Next() }
	}
	return limiter.New(limiter.Config{
		Max:        cfg.MaxRequests,
		Expiration: time.Duration(cfg.WindowSeconds) * time.Second,
		KeyGenerator: func(c fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: rateLimitResponse,
		Next: func(c fiber.Ctx) bool {
			return c.Path() == "/health"
		},
	})
}

func rateLimitResponse(c fiber.Ctx) error {
	retryAfter := c.GetRespHeader("Retry-After")
	if retryAfter == "" {
		retryAfter = "60"
	}
	c.Set("Retry-After", retryAfter)
	return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
		"error":      "rate_limit_exceeded",
		"retryAfter": retryAfter,
	})
}

// AdminOnly gates a privileged route (webhook registration/deactivation)
// behind the shared operator bearer token. An empty configured token
// disables the check — only acceptable outside production, which
// config.Validate enforces at startup.
func AdminOnly(cfg *config.AdminConfig) fiber.Handler {
	return func(c fiber.Ctx) error {
		if cfg.BearerToken == "" {
			return c.Next()
		}
		got := strings.TrimPrefix(c.Get("Authorization"), "Bearer ")
		if got == "" || got != cfg.BearerToken {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
		}
		return c.Next()
	}
}
