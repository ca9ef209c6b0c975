// Package chrometest provides an in-memory chrome.Engine for tests.
package chrometest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync"
	"sync/atomic"

	"html2png/internal/chrome"
)

// Engine is a scriptable chrome.Engine. Zero value renders a small PNG.
//
// Screenshot reports chrome.ErrNodeNotFound for "body" when the loaded content
// is a frameset document, mirroring Chrome.
type Engine struct {
	LaunchErr     error
	NewPageErr    error
	SetContentErr error
	ScreenshotErr error
	CloseErr      error

	// Image is returned by Screenshot; nil means TransparentPNG(4, 4).
	Image []byte
	// BlockSetContent makes SetContent wait until its context is done.
	BlockSetContent bool
	// BlockLaunch makes Launch wait until its context is done.
	BlockLaunch bool

	launched    atomic.Int32
	closed      atomic.Int32
	pagesOpened atomic.Int32
	pagesClosed atomic.Int32
	screenshots atomic.Int32
	mu          sync.Mutex
	contents    []string
	lastOptions chrome.ScreenshotOptions
	browsers    []*browser
}

func (e *Engine) Launch(ctx context.Context) (chrome.Browser, error) {
	if e.BlockLaunch {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if e.LaunchErr != nil {
		return nil, e.LaunchErr
	}
	e.launched.Add(1)
	b := &browser{engine: e}
	e.mu.Lock()
	e.browsers = append(e.browsers, b)
	e.mu.Unlock()
	return b, nil
}

// Crash kills every browser launched so far. Their pages then fail with
// ErrTargetClosed; later launches are unaffected.
func (e *Engine) Crash() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, b := range e.browsers {
		b.dead.Store(true)
	}
}

// Launched counts successful launches.
func (e *Engine) Launched() int { return int(e.launched.Load()) }

// Closed counts closed browsers.
func (e *Engine) Closed() int { return int(e.closed.Load()) }

// Live is the number of browsers launched and not yet closed.
func (e *Engine) Live() int { return e.Launched() - e.Closed() }

// PagesOpened counts opened pages.
func (e *Engine) PagesOpened() int { return int(e.pagesOpened.Load()) }

// PagesClosed counts closed pages.
func (e *Engine) PagesClosed() int { return int(e.pagesClosed.Load()) }

// Screenshots counts successful captures.
func (e *Engine) Screenshots() int { return int(e.screenshots.Load()) }

// Contents lists every document loaded through SetContent, in order.
func (e *Engine) Contents() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.contents...)
}

// LastOptions returns the options of the most recent Screenshot call.
func (e *Engine) LastOptions() chrome.ScreenshotOptions {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastOptions
}

type browser struct {
	engine *Engine
	dead   atomic.Bool
	once   sync.Once
}

func (b *browser) NewPage(ctx context.Context) (chrome.Page, error) {
	if b.engine.NewPageErr != nil {
		return nil, b.engine.NewPageErr
	}
	b.engine.pagesOpened.Add(1)
	return &page{engine: b.engine, browser: b}, nil
}

func (b *browser) Close() error {
	b.once.Do(func() { b.engine.closed.Add(1) })
	return b.engine.CloseErr
}

type page struct {
	engine  *Engine
	browser *browser
	content string
	once    sync.Once
}

func (p *page) SetContent(ctx context.Context, html string) error {
	if p.browser.dead.Load() {
		return ErrTargetClosed
	}
	if p.engine.BlockSetContent && html != "" {
		<-ctx.Done()
		return ctx.Err()
	}
	if p.engine.SetContentErr != nil {
		return p.engine.SetContentErr
	}
	p.content = html
	p.engine.mu.Lock()
	p.engine.contents = append(p.engine.contents, html)
	p.engine.mu.Unlock()
	return nil
}

func (p *page) Screenshot(ctx context.Context, selector string, opts chrome.ScreenshotOptions) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.browser.dead.Load() {
		return nil, ErrTargetClosed
	}
	p.engine.mu.Lock()
	p.engine.lastOptions = opts
	p.engine.mu.Unlock()

	if selector == "body" && strings.Contains(strings.ToLower(p.content), "<frameset") {
		return nil, fmt.Errorf("%w: %s", chrome.ErrNodeNotFound, selector)
	}
	if p.engine.ScreenshotErr != nil {
		return nil, p.engine.ScreenshotErr
	}
	p.engine.screenshots.Add(1)
	if p.engine.Image != nil {
		return p.engine.Image, nil
	}
	return TransparentPNG(4, 4), nil
}

func (p *page) Close() error {
	p.once.Do(func() { p.engine.pagesClosed.Add(1) })
	return nil
}

// ErrTargetClosed mimics the error chromedp reports after a tab crash.
var ErrTargetClosed = errors.New("target closed")

// TransparentPNG encodes a fully transparent w x h image.
func TransparentPNG(w, h int) []byte {
	return encode(image.NewNRGBA(image.Rect(0, 0, w, h)))
}

// SolidPNG encodes a w x h image filled with c.
func SolidPNG(w, h int, c color.Color) []byte {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, c)
		}
	}
	return encode(img)
}

func encode(img image.Image) []byte {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}
