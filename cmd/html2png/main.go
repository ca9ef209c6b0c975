package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"html2png/internal/app"
	"html2png/internal/auth"
	"html2png/internal/chrome"
	u "html2png/internal/utils"
)

func main() {
	cfg := u.LoadConfig()
	// Allow common container env var to override chrome_path.
	if cfg.Render.ChromePath == "" {
		if v := os.Getenv("CHROME_BIN"); v != "" {
			cfg.Render.ChromePath = v
		}
	}
	u.InitLogger(
		cfg.Logger.File,
		cfg.Logger.MaxSizeMB,
		cfg.Logger.MaxBackups,
		cfg.Logger.MaxAgeDays,
		cfg.Logger.Compress,
		cfg.Logger.Level,
	)

	var rdb *redis.Client
	if cfg.Cache.RedisHost != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr: cfg.Cache.RedisHost,
			DB:   cfg.Cache.ImageCacheDB,
		})
		defer rdb.Close()
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	tokens := auth.NewCache()
	if repo := startTokenReloader(ctx, cfg, tokens); repo != nil {
		defer repo.Close()
	}

	engine := chrome.NewChromedpEngine(cfg.Render)
	pool, err := chrome.NewPool(engine, cfg.Render.ChromePoolSize)
	if err != nil {
		if !errors.Is(err, chrome.ErrPoolDisabled) {
			u.Error("Chrome pool init failed", "error", err)
		}
		u.Info("Chrome pool disabled; launching one browser per request")
		pool = nil
	} else {
		defer func() {
			if err := pool.Close(); err != nil {
				u.Warn("Chrome pool close failed", "error", err)
			}
		}()
	}

	application := app.SetupApp(app.Deps{
		Config: cfg,
		Redis:  rdb,
		Tokens: tokens,
		Engine: engine,
		Pool:   pool,
	})

	idleConnsClosed := make(chan struct{})
	startServer(application, cfg, idleConnsClosed)
	<-idleConnsClosed
}

// startTokenReloader loads API tokens from Postgres and keeps them fresh.
// Without a configured database no key is accepted and all traffic is anonymous.
func startTokenReloader(ctx context.Context, cfg u.Config, tokens *auth.Cache) *auth.PostgresRepository {
	if cfg.Auth.Postgres.Host == "" {
		u.Warn("No token database configured; API keys are disabled")
		return nil
	}
	repo := auth.NewPostgresRepository(cfg.Auth.Postgres)
	reloader := auth.NewReloader(repo, tokens, cfg.Auth.ReloadInterval)
	if err := reloader.LoadOnce(ctx); err != nil {
		u.Error("Failed to load API tokens", "error", err)
	}
	reloader.Start(ctx)
	return repo
}

// startServer starts the Fiber app and listens for shutdown signals
func startServer(app *fiber.App, cfg u.Config, idleConnsClosed chan struct{}) {
	go func() {
		if err := app.Listen(cfg.Server.Host + cfg.Server.Port); err != nil {
			u.Error("Server error", "error", err)
		}
	}()

	// Listen for OS termination signals
	sigint := make(chan os.Signal, 1)
	signal.Notify(sigint, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigint)
	<-sigint

	u.Warn("Shutdown signal received, closing server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		u.Error("Server forced to shutdown", "error", err)
	}

	close(idleConnsClosed)
	u.Info("Server stopped cleanly")
}
