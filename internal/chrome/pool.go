package chrome

import (
	"context"
	"errors"
	"sync"
	"time"

	u "html2png/internal/utils"
)

// blankDocument is loaded into a page before it goes back to the pool.
const blankDocument = ""

const resetTimeout = 5 * time.Second

var (
	// ErrPoolDisabled is returned by NewPool for a non-positive size.
	ErrPoolDisabled = errors.New("chrome pool disabled")
	// ErrPoolClosed is returned by Acquire and Restart after Close.
	ErrPoolClosed = errors.New("chrome pool closed")
)

// Pool hands out browser sessions, each held by one caller at a time.
// Sessions are opened lazily; a session released with an error, or whose page
// cannot be reset to a blank document, is closed instead of reused.
type Pool struct {
	engine Engine
	sem    chan struct{}

	mu          sync.Mutex
	idle        []*Session
	closed      bool
	restarts    int
	lastRestart time.Time
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Enabled     bool      `json:"enabled"`
	Capacity    int       `json:"capacity"`
	Available   int       `json:"available"`
	InUse       int       `json:"in_use"`
	Warm        int       `json:"warm"`
	Restarts    int       `json:"restarts"`
	LastRestart time.Time `json:"last_restart,omitzero"`
}

// NewPool returns a pool of up to size concurrent sessions.
func NewPool(engine Engine, size int) (*Pool, error) {
	if size <= 0 {
		return nil, ErrPoolDisabled
	}
	p := &Pool{engine: engine, sem: make(chan struct{}, size)}
	for range size {
		p.sem <- struct{}{}
	}
	return p, nil
}

// Acquire blocks until a slot is free or ctx is done, then returns an idle
// session or opens a new one.
func (p *Pool) Acquire(ctx context.Context) (*Session, error) {
	return p.AcquireWithin(ctx, 0)
}

// AcquireWithin is Acquire with the wait for a free slot bounded by wait.
// Opening a new session is bounded by ctx only. A non-positive wait adds no bound.
func (p *Pool) AcquireWithin(ctx context.Context, wait time.Duration) (*Session, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}
	if err := p.waitSlot(ctx, wait); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem <- struct{}{}
		return nil, ErrPoolClosed
	}
	if n := len(p.idle); n > 0 {
		s := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		s.reused = true
		return s, nil
	}
	p.mu.Unlock()

	s, err := OpenSession(ctx, p.engine)
	if err != nil {
		p.sem <- struct{}{}
		return nil, err
	}
	return s, nil
}

func (p *Pool) waitSlot(ctx context.Context, wait time.Duration) error {
	if wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
	}
	select {
	case <-p.sem:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns s to the pool. renderErr is the outcome of the work done with s;
// any non-nil value evicts the session.
func (p *Pool) Release(s *Session, renderErr error) {
	defer func() { p.sem <- struct{}{} }()
	if s == nil {
		return
	}

	if renderErr != nil {
		p.evict(s, "render failed", renderErr)
		return
	}
	if p.isClosed() {
		p.evict(s, "pool closed", nil)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), resetTimeout)
	defer cancel()
	if err := s.Page.SetContent(ctx, blankDocument); err != nil {
		p.evict(s, "page reset failed", err)
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.evict(s, "pool closed", nil)
		return
	}
	p.idle = append(p.idle, s)
	p.mu.Unlock()
}

func (p *Pool) evict(s *Session, reason string, cause error) {
	if cause != nil {
		u.Warn("Evicting chrome session", "reason", reason, "interrupted", IsSessionInterrupted(cause), "error", cause)
	}
	if err := s.Close(); err != nil {
		u.Warn("Chrome session close failed", "error", err)
	}
}

// Restart closes every idle session so the next Acquire starts fresh browsers.
func (p *Pool) Restart() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	idle := p.idle
	p.idle = nil
	p.restarts++
	p.lastRestart = time.Now()
	p.mu.Unlock()

	return closeAll(idle)
}

// Stats reports capacity and usage. A closed pool reports Enabled=false.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return Stats{Restarts: p.restarts, LastRestart: p.lastRestart}
	}
	available := len(p.sem)
	return Stats{
		Enabled:     true,
		Capacity:    cap(p.sem),
		Available:   available,
		InUse:       cap(p.sem) - available,
		Warm:        len(p.idle),
		Restarts:    p.restarts,
		LastRestart: p.lastRestart,
	}
}

// Close closes idle sessions; sessions still checked out are closed on Release.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	return closeAll(idle)
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func closeAll(sessions []*Session) error {
	var errs []error
	for _, s := range sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
