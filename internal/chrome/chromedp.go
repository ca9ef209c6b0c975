package chrome

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	u "html2png/internal/utils"
)

const defaultSettleDelay = 100 * time.Millisecond

// ChromedpEngine launches one local Chrome process per Launch call via chromedp.
type ChromedpEngine struct {
	ExecPath     string
	NoSandbox    bool
	UserDataDir  string // parent directory for per-launch profiles; empty means os.TempDir()
	Args         []string
	WindowWidth  int
	WindowHeight int
	SettleDelay  time.Duration
}

// NewChromedpEngine builds an engine from the render configuration.
func NewChromedpEngine(cfg u.RenderConfig) *ChromedpEngine {
	return &ChromedpEngine{
		ExecPath:     cfg.ChromePath,
		NoSandbox:    cfg.ChromeNoSandbox,
		UserDataDir:  cfg.UserDataDir,
		Args:         cfg.ChromeArgs,
		WindowWidth:  cfg.ViewportWidth,
		WindowHeight: cfg.ViewportHeight,
		SettleDelay:  defaultSettleDelay,
	}
}

// Launch starts Chrome and waits until it accepts CDP commands or ctx is done.
// On failure the process is killed and its profile removed.
func (e *ChromedpEngine) Launch(ctx context.Context) (Browser, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLaunch, err)
	}

	profileDir, err := createProfileDir(e.UserDataDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLaunch, err)
	}

	// The allocator must outlive ctx: a pooled browser serves many requests.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), e.allocatorOptions(profileDir)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithErrorf(func(format string, args ...any) {
			u.Debug("chromedp", "message", fmt.Sprintf(format, args...))
		}),
	)

	b := &chromedpBrowser{
		ctx:        browserCtx,
		cancel:     browserCancel,
		allocStop:  allocCancel,
		profileDir: profileDir,
		settle:     e.SettleDelay,
	}

	// First Run allocates the browser; its context must not carry the request deadline.
	if err := runWithin(ctx, func() error { return chromedp.Run(browserCtx) }); err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("%w: %w", ErrLaunch, err)
	}
	return b, nil
}

func (e *ChromedpEngine) allocatorOptions(profileDir string) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.UserDataDir(profileDir),
		// Software rendering avoids Vulkan/ANGLE issues in minimal containers.
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-gpu-compositing", true),
		chromedp.Flag("disable-features", "Vulkan,UseSkiaRenderer,Translate"),
		chromedp.Flag("use-gl", "swiftshader"),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("font-render-hinting", "none"),
	)
	if e.WindowWidth > 0 && e.WindowHeight > 0 {
		opts = append(opts, chromedp.WindowSize(e.WindowWidth, e.WindowHeight))
	}
	if e.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(e.ExecPath))
	}
	if e.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	return append(opts, allocatorOptionsFromArgs(e.Args)...)
}

type chromedpBrowser struct {
	ctx        context.Context
	cancel     context.CancelFunc
	allocStop  context.CancelFunc
	profileDir string
	settle     time.Duration

	closeOnce sync.Once
	closeErr  error
}

func (b *chromedpBrowser) NewPage(ctx context.Context) (Page, error) {
	tabCtx, tabCancel := chromedp.NewContext(b.ctx)
	if err := runWithin(ctx, func() error { return chromedp.Run(tabCtx) }); err != nil {
		tabCancel()
		return nil, fmt.Errorf("%w: %w", ErrNewPage, err)
	}
	return &chromedpPage{ctx: tabCtx, cancel: tabCancel, settle: b.settle}, nil
}

// Close kills the Chrome process and removes its profile directory.
func (b *chromedpBrowser) Close() error {
	b.closeOnce.Do(func() {
		b.cancel()
		// Cancelling the exec allocator kills the process and waits for it to exit.
		b.allocStop()
		if b.profileDir != "" {
			b.closeErr = os.RemoveAll(b.profileDir)
		}
	})
	return b.closeErr
}

type chromedpPage struct {
	ctx    context.Context
	cancel context.CancelFunc
	settle time.Duration
}

// nodeBox is the document-relative border box of a node in CSS pixels.
type nodeBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

const nodeBoxScript = `(() => {
	const el = document.querySelector(%s);
	if (!el) return null;
	const r = el.getBoundingClientRect();
	return {x: r.left + window.scrollX, y: r.top + window.scrollY, width: r.width, height: r.height};
})()`

func (p *chromedpPage) SetContent(ctx context.Context, html string) error {
	var ready bool
	actions := []chromedp.Action{
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			tree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(tree.Frame.ID, html).Do(ctx)
		}),
		chromedp.Poll(`document.readyState === "complete"`, &ready, chromedp.WithPollingInterval(25*time.Millisecond)),
	}
	if p.settle > 0 {
		actions = append(actions, chromedp.Sleep(p.settle))
	}
	return p.run(ctx, actions...)
}

func (p *chromedpPage) Screenshot(ctx context.Context, selector string, opts ScreenshotOptions) ([]byte, error) {
	quoted, err := json.Marshal(selector)
	if err != nil {
		return nil, err
	}

	var (
		box *nodeBox
		buf []byte
	)
	err = p.run(ctx,
		chromedp.Evaluate(fmt.Sprintf(nodeBoxScript, quoted), &box),
		chromedp.ActionFunc(func(ctx context.Context) error {
			if box == nil {
				return fmt.Errorf("%w: %s", ErrNodeNotFound, selector)
			}
			if box.Width <= 0 || box.Height <= 0 {
				return fmt.Errorf("%w: %s is %.0fx%.0f", ErrEmptyNode, selector, box.Width, box.Height)
			}
			if opts.OmitBackground {
				if err := setTransparentBackground(ctx); err != nil {
					return fmt.Errorf("set transparent background: %w", err)
				}
				defer func() {
					_ = emulation.SetDefaultBackgroundColorOverride().Do(ctx)
				}()
			}

			var err error
			buf, err = page.CaptureScreenshot().
				WithFormat(page.CaptureScreenshotFormatPng).
				WithCaptureBeyondViewport(true).
				WithFromSurface(true).
				WithClip(&page.Viewport{X: box.X, Y: box.Y, Width: box.Width, Height: box.Height, Scale: 1}).
				Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// setTransparentBackground overrides the default white canvas with rgba(0,0,0,0).
// The color is sent as a raw map so the zero alpha is always on the wire.
func setTransparentBackground(ctx context.Context) error {
	params := map[string]any{
		"color": map[string]any{"r": 0, "g": 0, "b": 0, "a": 0},
	}
	return cdp.Execute(ctx, emulation.CommandSetDefaultBackgroundColorOverride, params, nil)
}

func (p *chromedpPage) Close() error {
	p.cancel()
	return nil
}

// run executes actions on the tab, aborting them when ctx is done.
func (p *chromedpPage) run(ctx context.Context, actions ...chromedp.Action) error {
	execCtx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(execCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ctx.Err(), err)
	}
	return err
}

// runWithin waits for fn or ctx, whichever finishes first.
// The caller tears down whatever fn is blocked on when ctx wins.
func runWithin(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func createProfileDir(base string) (string, error) {
	if base == "" {
		base = os.TempDir()
	}
	if err := os.MkdirAll(base, 0o700); err != nil {
		return "", fmt.Errorf("create profile base dir: %w", err)
	}
	dir, err := os.MkdirTemp(base, "html2png-chrome-*")
	if err != nil {
		return "", fmt.Errorf("create profile dir: %w", err)
	}
	return dir, nil
}

// allocatorOptionsFromArgs turns "--flag" and "--flag=value" strings into allocator flags.
func allocatorOptionsFromArgs(args []string) []chromedp.ExecAllocatorOption {
	options := make([]chromedp.ExecAllocatorOption, 0, len(args))
	for _, arg := range args {
		arg = strings.TrimPrefix(strings.TrimSpace(arg), "--")
		if arg == "" {
			continue
		}
		if name, value, ok := strings.Cut(arg, "="); ok {
			options = append(options, chromedp.Flag(name, value))
			continue
		}
		options = append(options, chromedp.Flag(arg, true))
	}
	return options
}
