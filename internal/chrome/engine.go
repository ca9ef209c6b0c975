// Package chrome drives headless Chrome: launching processes, opening pages,
// loading HTML and capturing screenshots.
package chrome

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	// ErrLaunch wraps failures to start a browser process.
	ErrLaunch = errors.New("browser launch failed")
	// ErrNewPage wraps failures to open a page in a running browser.
	ErrNewPage = errors.New("browser page creation failed")
	// ErrNodeNotFound is returned by Page.Screenshot when the selector matches nothing.
	ErrNodeNotFound = errors.New("node not found")
	// ErrEmptyNode is returned by Page.Screenshot when the node has no area to capture.
	ErrEmptyNode = errors.New("node has zero size")
)

// Engine starts browser processes.
type Engine interface {
	Launch(ctx context.Context) (Browser, error)
}

// Browser is one running browser process.
type Browser interface {
	NewPage(ctx context.Context) (Page, error)
	Close() error
}

// Page is one tab inside a Browser.
type Page interface {
	// SetContent replaces the document with html without any network navigation.
	SetContent(ctx context.Context, html string) error
	// Screenshot captures a PNG clipped to the first node matching selector.
	Screenshot(ctx context.Context, selector string, opts ScreenshotOptions) ([]byte, error)
	Close() error
}

// ScreenshotOptions tunes Page.Screenshot.
type ScreenshotOptions struct {
	// OmitBackground makes the default page background transparent.
	OmitBackground bool
}

// EngineFunc adapts a function to an Engine.
type EngineFunc func(ctx context.Context) (Browser, error)

func (f EngineFunc) Launch(ctx context.Context) (Browser, error) {
	if f == nil {
		return nil, fmt.Errorf("%w: engine func is nil", ErrLaunch)
	}
	return f(ctx)
}

// Session pairs a browser with the single page a render works in.
type Session struct {
	Browser Browser
	Page    Page

	reused    bool
	closeOnce sync.Once
	closeErr  error
}

// Reused reports whether s served an earlier render before this checkout.
// A browser can die while a session is parked idle.
func (s *Session) Reused() bool { return s.reused }

// OpenSession launches a browser and opens one page in it.
// The browser is closed again if the page cannot be opened.
func OpenSession(ctx context.Context, engine Engine) (*Session, error) {
	browser, err := engine.Launch(ctx)
	if err != nil {
		if errors.Is(err, ErrLaunch) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrLaunch, err)
	}

	page, err := browser.NewPage(ctx)
	if err != nil {
		closeErr := browser.Close()
		if !errors.Is(err, ErrNewPage) {
			err = fmt.Errorf("%w: %w", ErrNewPage, err)
		}
		return nil, errors.Join(err, closeErr)
	}
	return &Session{Browser: browser, Page: page}, nil
}

// Close closes the page, then the browser. Safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if s.Page != nil {
			if err := s.Page.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close page: %w", err))
			}
		}
		if s.Browser != nil {
			if err := s.Browser.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close browser: %w", err))
			}
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

// IsSessionInterrupted reports errors after which a browser session must not be reused:
// cancellation, deadlines and lost CDP targets.
func IsSessionInterrupted(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"target closed",
		"session closed",
		"websocket: close",
		"invalid context",
		"no such target",
		"connection reset",
		"broken pipe",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
