// Package render turns HTML documents into transparent PNG data URIs using a
// headless browser.
package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/png"
	"time"

	"html2png/internal/chrome"
	"html2png/internal/encoder"
	u "html2png/internal/utils"
)

const (
	DefaultTimeout  = 30 * time.Second
	DefaultSelector = "body"

	mimePNG = "image/png"
)

// ErrImageTooLarge is wrapped in a KindCapture error when the PNG exceeds WithMaxImageBytes.
var ErrImageTooLarge = errors.New("rendered image exceeds size limit")

// Result is a rendered image.
type Result struct {
	ImageDataURI string
	Width        int
	Height       int
	Size         int // raw PNG bytes
}

// Service renders HTML with browser sessions from an engine or a pool.
type Service struct {
	engine         chrome.Engine
	pool           *chrome.Pool
	timeout        time.Duration
	acquireTimeout time.Duration
	selector       string
	maxImageBytes  int
}

type Option func(*Service)

// WithTimeout bounds a whole render, from session acquisition to capture.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithPool checks sessions out of p instead of launching one per render.
func WithPool(p *chrome.Pool) Option {
	return func(s *Service) { s.pool = p }
}

// WithAcquireTimeout bounds the wait for a free pool slot. Launching a browser
// for that slot is bounded by the render timeout only.
func WithAcquireTimeout(d time.Duration) Option {
	return func(s *Service) { s.acquireTimeout = d }
}

// WithSelector changes the captured node.
func WithSelector(sel string) Option {
	return func(s *Service) {
		if sel != "" {
			s.selector = sel
		}
	}
}

// WithMaxImageBytes rejects PNGs larger than n bytes; zero disables the check.
func WithMaxImageBytes(n int) Option {
	return func(s *Service) { s.maxImageBytes = n }
}

// New returns a Service that launches sessions from engine.
func New(engine chrome.Engine, opts ...Option) *Service {
	s := &Service{
		engine:   engine,
		timeout:  DefaultTimeout,
		selector: DefaultSelector,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Render loads html into a fresh or pooled page, captures the selected node with a
// transparent background and returns it as a PNG data URI.
// Every failure is an *Error; the session is released before Render returns.
func (s *Service) Render(ctx context.Context, html string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	var buf []byte
	err := s.withSession(ctx, func(sess *chrome.Session) error {
		if err := sess.Page.SetContent(ctx, html); err != nil {
			return loadError(ctx, sess, err)
		}
		shot, err := sess.Page.Screenshot(ctx, s.selector, chrome.ScreenshotOptions{OmitBackground: true})
		if err != nil {
			return screenshotError(err)
		}
		buf = shot
		return nil
	})
	if err != nil {
		logFailure(err, time.Since(start))
		return Result{}, err
	}

	res, err := s.result(buf)
	if err != nil {
		logFailure(err, time.Since(start))
		return Result{}, err
	}
	u.Debug("Rendered image", "width", res.Width, "height", res.Height, "bytes", res.Size, "duration_ms", time.Since(start).Milliseconds())
	return res, nil
}

// withSession brackets fn with session checkout and release. A panic in fn is
// turned into a KindCapture error so the session is still released as failed.
func (s *Service) withSession(ctx context.Context, fn func(*chrome.Session) error) (err error) {
	sess, err := s.acquire(ctx)
	if err != nil {
		return newError(KindEngineLaunch, "acquire", err)
	}
	defer func() {
		if r := recover(); r != nil {
			err = newError(KindCapture, "render", fmt.Errorf("panic: %v", r))
		}
		s.release(sess, err)
	}()
	return fn(sess)
}

func (s *Service) acquire(ctx context.Context) (*chrome.Session, error) {
	if s.pool == nil {
		return chrome.OpenSession(ctx, s.engine)
	}
	return s.pool.AcquireWithin(ctx, s.acquireTimeout)
}

func (s *Service) release(sess *chrome.Session, renderErr error) {
	if s.pool != nil {
		s.pool.Release(sess, renderErr)
		return
	}
	if err := sess.Close(); err != nil {
		u.Warn("Closing chrome session failed", "error", err)
	}
}

func (s *Service) result(buf []byte) (Result, error) {
	if len(buf) == 0 {
		return Result{}, newError(KindCapture, "decode", errors.New("empty screenshot"))
	}
	cfg, err := png.DecodeConfig(bytes.NewReader(buf))
	if err != nil {
		return Result{}, newError(KindCapture, "decode", err)
	}
	if s.maxImageBytes > 0 && len(buf) > s.maxImageBytes {
		return Result{}, newError(KindCapture, "limit", fmt.Errorf("%w: %d > %d bytes", ErrImageTooLarge, len(buf), s.maxImageBytes))
	}
	return Result{
		ImageDataURI: encoder.FormatDataURI(mimePNG, buf),
		Width:        cfg.Width,
		Height:       cfg.Height,
		Size:         len(buf),
	}, nil
}

// loadError reports a pooled browser that died while idle as an engine failure,
// so callers may retry with a fresh one.
func loadError(ctx context.Context, sess *chrome.Session, err error) *Error {
	if sess.Reused() && ctx.Err() == nil && chrome.IsSessionInterrupted(err) {
		return newError(KindEngineLaunch, "load", err)
	}
	return newError(KindCapture, "load", err)
}

func screenshotError(err error) *Error {
	switch {
	case errors.Is(err, chrome.ErrNodeNotFound):
		return newError(KindContentNotFound, "locate", err)
	case errors.Is(err, chrome.ErrEmptyNode):
		return newError(KindCapture, "locate", err)
	default:
		return newError(KindCapture, "capture", err)
	}
}

func logFailure(err error, elapsed time.Duration) {
	var re *Error
	if !errors.As(err, &re) {
		u.Error("Render failed", "error", err)
		return
	}
	u.Warn("Render failed",
		"kind", re.Kind.String(),
		"op", re.Op,
		"retryable", re.Retryable(),
		"interrupted", chrome.IsSessionInterrupted(re.Err),
		"duration_ms", elapsed.Milliseconds(),
		"error", re.Err,
	)
}
