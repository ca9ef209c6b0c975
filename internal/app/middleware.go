package app

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/healthcheck"
	"github.com/gofiber/fiber/v2/middleware/keyauth"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	memoryStorage "github.com/gofiber/storage/memory/v2"
	redisStorage "github.com/gofiber/storage/redis/v2"
	"github.com/rs/xid"

	"html2png/internal/auth"
	u "html2png/internal/utils"
)

const apiKeyLocal = "api_key"

// rateLimiters applies per-token and per-client limits backed by one storage.
type rateLimiters struct {
	cfg    u.Config
	tokens *auth.Cache
	store  fiber.Storage

	mu      sync.RWMutex
	byLimit map[int]fiber.Handler
}

func newRateLimiters(cfg u.Config, tokens *auth.Cache, store fiber.Storage) *rateLimiters {
	return &rateLimiters{
		cfg:     cfg,
		tokens:  tokens,
		store:   store,
		byLimit: make(map[int]fiber.Handler),
	}
}

func tooManyRequests(c *fiber.Ctx) error {
	return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    fiber.StatusTooManyRequests,
			"message": "Too Many Requests",
		},
	})
}

// tokenLimiter returns a cached limiter for the given token limit, creating one if needed.
func (l *rateLimiters) tokenLimiter(limit int) fiber.Handler {
	l.mu.RLock()
	h, ok := l.byLimit[limit]
	l.mu.RUnlock()
	if ok {
		return h
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if h, ok := l.byLimit[limit]; ok {
		return h
	}
	h = limiter.New(limiter.Config{
		Max:               limit,
		Expiration:        l.cfg.RateLimiter.Interval,
		LimiterMiddleware: limiter.SlidingWindow{},
		Storage:           l.store,
		KeyGenerator: func(c *fiber.Ctx) string {
			if token, ok := c.Locals(apiKeyLocal).(string); ok {
				return "token:" + token
			}
			return ""
		},
		LimitReached: func(c *fiber.Ctx) error {
			token, _ := c.Locals(apiKeyLocal).(string)
			u.Warn("Rate limit exceeded", "token", token, "path", c.Path())
			return tooManyRequests(c)
		},
	})
	l.byLimit[limit] = h
	return h
}

// tokenMiddleware applies the per-token limit; a limit of 0 means unlimited.
func (l *rateLimiters) tokenMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		token, ok := c.Locals(apiKeyLocal).(string)
		if !ok || token == "" {
			return c.Next()
		}
		limit := l.tokens.RateLimit(token)
		if limit == 0 {
			return c.Next()
		}
		return l.tokenLimiter(limit)(c)
	}
}

func clientKey(c *fiber.Ctx) string {
	sum := sha256.Sum256([]byte(c.IP() + c.Get(fiber.HeaderUserAgent)))
	return hex.EncodeToString(sum[:])
}

// userMiddleware limits anonymous requests by client IP and user agent.
func (l *rateLimiters) userMiddleware() fiber.Handler {
	if l.cfg.RateLimiter.UserLimit <= 0 {
		return func(c *fiber.Ctx) error {
			return c.Next()
		}
	}
	userLimiter := limiter.New(limiter.Config{
		Max:               l.cfg.RateLimiter.UserLimit,
		Expiration:        l.cfg.RateLimiter.Interval,
		LimiterMiddleware: limiter.SlidingWindow{},
		Storage:           l.store,
		KeyGenerator: func(c *fiber.Ctx) string {
			return "user:" + clientKey(c)
		},
		LimitReached: func(c *fiber.Ctx) error {
			u.Warn("Rate limit exceeded", "user", clientKey(c), "path", c.Path())
			return tooManyRequests(c)
		},
	})
	return func(c *fiber.Ctx) error {
		// Authenticated requests are limited per token instead.
		if token, ok := c.Locals(apiKeyLocal).(string); ok && token != "" {
			return c.Next()
		}
		return userLimiter(c)
	}
}

// newRateLimitStore prefers Redis and falls back to memory when it is not
// configured or cannot be reached.
func newRateLimitStore(cfg u.Config) (store fiber.Storage) {
	if cfg.Cache.RedisHost == "" {
		u.Info("Using in-memory storage for rate limiting")
		return memoryStorage.New()
	}
	defer func() {
		if r := recover(); r != nil {
			u.Error("Redis limiter store init panicked, falling back to memory", "panic", r)
			store = memoryStorage.New()
		}
	}()
	store = redisStorage.New(redisStorage.Config{
		Addrs:    []string{cfg.Cache.RedisHost},
		Database: cfg.Cache.RateLimitDB,
	})
	u.Info("Using Redis for rate limiting", "addr", cfg.Cache.RedisHost, "db", cfg.Cache.RateLimitDB)
	return store
}

func keyAuthError(c *fiber.Ctx, err error) error {
	// keyauth may call ErrorHandler with a nil error.
	status := fiber.StatusUnauthorized
	if err == nil {
		err = fiber.ErrUnauthorized
	}
	if errors.Is(err, auth.ErrTokenStoreNotReady) {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    status,
			"message": err.Error(),
		},
	})
}

// RegisterMiddleware attaches global middleware to the app
func RegisterMiddleware(app *fiber.App, deps Deps) {
	cfg := deps.Config
	store := deps.RateLimitStore
	if store == nil {
		store = newRateLimitStore(cfg)
	}
	limiters := newRateLimiters(cfg, deps.Tokens, store)

	app.Use(cors.New())

	app.Use(requestid.New(requestid.Config{
		Generator: func() string {
			return xid.New().String()
		},
	}))

	app.Use(healthcheck.New(healthcheck.Config{
		ReadinessProbe: func(c *fiber.Ctx) bool {
			return deps.Pool == nil || deps.Pool.Stats().Enabled
		},
	}))

	app.Use(keyauth.New(keyauth.Config{
		KeyLookup:  "header:X-API-Key",
		ContextKey: apiKeyLocal,
		Validator: func(c *fiber.Ctx, key string) (bool, error) {
			if err := deps.Tokens.Check(key); err != nil {
				return false, err
			}
			return true, nil
		},
		// Requests without a key are anonymous and fall through to the client limiter.
		Next: func(c *fiber.Ctx) bool {
			return c.Method() == fiber.MethodOptions || c.Get("X-API-Key") == ""
		},
		ErrorHandler: keyAuthError,
	}))

	app.Use(limiters.tokenMiddleware())

	if cfg.RateLimiter.EnableUserLimiter || cfg.RateLimiter.UserLimit > 0 {
		app.Use(limiters.userMiddleware())
	}

	app.Use(func(c *fiber.Ctx) error {
		requestID := c.Get(fiber.HeaderXRequestID)
		if requestID == "" {
			requestID = c.GetRespHeader(fiber.HeaderXRequestID)
		}
		u.Info("Incoming request", "method", c.Method(), "path", c.Path(), "request_id", requestID)
		return c.Next()
	})
}
