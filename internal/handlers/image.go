package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"html2png/internal/chrome"
	"html2png/internal/encoder"
	"html2png/internal/render"
	u "html2png/internal/utils"
)

const imageCachePrefix = "imgcache:"

// retryBaseDelay is the wait before the first launch retry.
var retryBaseDelay = 200 * time.Millisecond

// Renderer turns HTML into a PNG data URI.
type Renderer interface {
	Render(ctx context.Context, html string) (render.Result, error)
}

// ImageService bundles configuration and dependencies for the image endpoints.
type ImageService struct {
	Config *u.Config
	Redis  *redis.Client

	renderer Renderer
	pool     *chrome.Pool
	encoder  *encoder.Encoder
}

type imageRequest struct {
	HTML string `json:"html"`
}

type imageResponse struct {
	Image string `json:"image"`
}

type encodeResponse struct {
	Files []string `json:"files"`
}

// NewImageService wires a render service on top of engine. pool may be nil, in
// which case every request launches and tears down its own browser.
func NewImageService(cfg u.Config, rdb *redis.Client, engine chrome.Engine, pool *chrome.Pool) *ImageService {
	opts := []render.Option{
		render.WithTimeout(cfg.Render.Timeout()),
		render.WithMaxImageBytes(cfg.Limits.MaxImageBytes),
	}
	if pool != nil {
		opts = append(opts,
			render.WithPool(pool),
			render.WithAcquireTimeout(time.Duration(cfg.Render.AcquireTimeoutSecs)*time.Second),
		)
	}

	return &ImageService{
		Config:   &cfg,
		Redis:    rdb,
		renderer: render.New(engine, opts...),
		pool:     pool,
		encoder:  encoder.New(encoder.WithMaxBytes(int64(cfg.Limits.MaxUploadBytes))),
	}
}

// HandleRender renders the posted HTML or serves a cached image.
func (svc *ImageService) HandleRender(c *fiber.Ctx) error {
	html, err := svc.extractHTML(c)
	if err != nil {
		return err
	}

	key := imageCacheKey(html)
	if uri, ok := svc.cachedImage(c.UserContext(), key); ok {
		c.Set("X-Cache", "HIT")
		return c.JSON(imageResponse{Image: uri})
	}

	res, err := svc.renderWithRetry(c.UserContext(), html)
	if err != nil {
		return renderErrorToFiber(err)
	}

	svc.storeImage(c.UserContext(), key, res.ImageDataURI)

	u.Info("Image rendered",
		"width", res.Width,
		"height", res.Height,
		"bytes", res.Size,
		"request_id", c.GetRespHeader(fiber.HeaderXRequestID),
	)
	c.Set("X-Cache", "MISS")
	return c.JSON(imageResponse{Image: res.ImageDataURI})
}

func (svc *ImageService) extractHTML(c *fiber.Ctx) (string, error) {
	var req imageRequest
	if err := c.BodyParser(&req); err != nil {
		return "", fiber.NewError(fiber.StatusBadRequest, "Invalid request body: expected JSON {\"html\": \"...\"}")
	}
	if strings.TrimSpace(req.HTML) == "" {
		return "", fiber.NewError(fiber.StatusBadRequest, "Invalid HTML: content missing")
	}
	if limit := svc.Config.Limits.MaxHTMLBytes; limit > 0 && len(req.HTML) > limit {
		return "", fiber.NewError(fiber.StatusRequestEntityTooLarge, fmt.Sprintf("HTML input exceeds %d bytes", limit))
	}
	return req.HTML, nil
}

// renderWithRetry retries engine-launch failures up to render.launch_retries
// times with doubling delays. Content and capture failures, and launches that
// already used up the render timeout, are returned at once.
func (svc *ImageService) renderWithRetry(ctx context.Context, html string) (render.Result, error) {
	delay := retryBaseDelay
	for attempt := 0; ; attempt++ {
		res, err := svc.renderer.Render(ctx, html)
		if !shouldRetry(err) || attempt >= svc.Config.Render.LaunchRetries {
			return res, err
		}

		u.Warn("Render engine unavailable; retrying", "attempt", attempt+1, "delay_ms", delay.Milliseconds(), "error", err)
		select {
		case <-ctx.Done():
			return render.Result{}, err
		case <-time.After(delay):
			delay *= 2
		}
	}
}

func shouldRetry(err error) bool {
	return err != nil && render.IsRetryable(err) && !errors.Is(err, context.DeadlineExceeded)
}

// renderErrorToFiber maps render failures to HTTP status codes.
func renderErrorToFiber(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		u.Error("Image rendering timeout", "error", err)
		return fiber.NewError(fiber.StatusGatewayTimeout, "Image rendering took too long")
	case errors.Is(err, render.ErrContentNotFound):
		return fiber.NewError(fiber.StatusUnprocessableEntity, "HTML has no body element to capture")
	case errors.Is(err, render.ErrImageTooLarge):
		return fiber.NewError(fiber.StatusRequestEntityTooLarge, "Image exceeds allowed size")
	case errors.Is(err, render.ErrEngineLaunch):
		u.Error("Render engine unavailable", "error", err)
		return fiber.NewError(fiber.StatusServiceUnavailable, "Render engine unavailable")
	default:
		u.Error("Image rendering failed", "error", err)
		return fiber.NewError(fiber.StatusInternalServerError, "Image rendering failed")
	}
}

// HandleEncode returns one data URI per uploaded file, in upload order.
func (svc *ImageService) HandleEncode(c *fiber.Ctx) error {
	form, err := c.MultipartForm()
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid multipart form")
	}

	files := form.File["files"]
	if len(files) == 0 {
		return fiber.NewError(fiber.StatusBadRequest, "No files uploaded: use the 'files' field")
	}
	if limit := svc.Config.Limits.MaxFiles; limit > 0 && len(files) > limit {
		return fiber.NewError(fiber.StatusBadRequest, fmt.Sprintf("Too many files: at most %d allowed", limit))
	}

	uris, err := svc.encoder.EncodeAll(c.UserContext(), encoder.FromFileHeaders(files))
	if err != nil {
		var encErr *encoder.EncodingError
		if errors.As(err, &encErr) {
			u.Error("File encoding failed", "index", encErr.Index, "mime", encErr.MimeType, "error", encErr.Err)
		} else {
			u.Error("File encoding failed", "error", err)
		}
		return fiber.NewError(fiber.StatusInternalServerError, "File encoding failed")
	}

	return c.JSON(encodeResponse{Files: uris})
}

// HandleChromeStats exposes the Chrome pool capacity and usage.
func (svc *ImageService) HandleChromeStats(c *fiber.Ctx) error {
	if svc.pool == nil {
		return c.JSON(fiber.Map{
			"enabled":        false,
			"capacity":       0,
			"pool_size_conf": svc.Config.Render.ChromePoolSize,
			"timeout_secs":   svc.Config.Render.TimeoutSecs,
		})
	}

	s := svc.pool.Stats()
	return c.JSON(fiber.Map{
		"enabled":        s.Enabled,
		"capacity":       s.Capacity,
		"available":      s.Available,
		"in_use":         s.InUse,
		"warm":           s.Warm,
		"restarts":       s.Restarts,
		"last_restart":   s.LastRestart,
		"pool_size_conf": svc.Config.Render.ChromePoolSize,
		"timeout_secs":   svc.Config.Render.TimeoutSecs,
	})
}

// HandleChromeRestart drops every idle browser in the pool.
func (svc *ImageService) HandleChromeRestart(c *fiber.Ctx) error {
	if svc.pool == nil {
		return fiber.NewError(fiber.StatusConflict, "Chrome pool disabled")
	}
	if err := svc.pool.Restart(); err != nil {
		if errors.Is(err, chrome.ErrPoolClosed) {
			return fiber.NewError(fiber.StatusServiceUnavailable, "Chrome pool closed")
		}
		u.Warn("Chrome pool restart reported errors", "error", err)
	}
	return c.JSON(svc.pool.Stats())
}

// imageCacheKey is imgcache:<sha256(html)>.
func imageCacheKey(html string) string {
	sum := sha256.Sum256([]byte(html))
	return imageCachePrefix + hex.EncodeToString(sum[:])
}

func (svc *ImageService) cacheEnabled() bool {
	return svc.Redis != nil && svc.Config.Cache.ImageCacheEnabled
}

func (svc *ImageService) cachedImage(ctx context.Context, key string) (string, bool) {
	if !svc.cacheEnabled() {
		return "", false
	}
	ctxRedis, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	uri, err := svc.Redis.Get(ctxRedis, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false
	}
	if err != nil {
		u.Warn("Redis read failed", "error", err)
		return "", false
	}
	if !strings.HasPrefix(uri, "data:image/png;base64,") {
		u.Warn("Ignoring malformed cached image", "key", key)
		return "", false
	}
	u.Info("Image cache hit", "key", key)
	return uri, true
}

func (svc *ImageService) storeImage(ctx context.Context, key, uri string) {
	if !svc.cacheEnabled() {
		return
	}
	ctxRedis, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	ttl := svc.Config.Cache.ImageCacheTTL
	if ttl <= 0 {
		ttl = 1 * time.Minute
	}
	if err := svc.Redis.Set(ctxRedis, key, uri, ttl).Err(); err != nil {
		u.Warn("Redis write failed", "error", err)
	}
}
