package chrome_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"html2png/internal/chrome"
	"html2png/internal/chrome/chrometest"
)

func TestNewPool_Disabled(t *testing.T) {
	if _, err := chrome.NewPool(&chrometest.Engine{}, 0); !errors.Is(err, chrome.ErrPoolDisabled) {
		t.Fatalf("expected disabled pool error, got %v", err)
	}
}

func TestPoolAcquireReleaseReusesSession(t *testing.T) {
	engine := &chrometest.Engine{}
	p, err := chrome.NewPool(engine, 1)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	defer p.Close()

	s1, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if st := p.Stats(); st.InUse != 1 || st.Available != 0 {
		t.Fatalf("expected one in use, got %+v", st)
	}
	p.Release(s1, nil)

	s2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if s1 != s2 {
		t.Fatalf("expected idle session to be reused")
	}
	p.Release(s2, nil)

	if engine.Launched() != 1 {
		t.Fatalf("expected a single launch, got %d", engine.Launched())
	}
	// Every release resets the page to a blank document.
	contents := engine.Contents()
	if len(contents) != 2 || contents[0] != "" || contents[1] != "" {
		t.Fatalf("expected two blank resets, got %q", contents)
	}
}

func TestPoolReleaseWithErrorEvicts(t *testing.T) {
	engine := &chrometest.Engine{}
	p, _ := chrome.NewPool(engine, 1)
	defer p.Close()

	s, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	p.Release(s, chrometest.ErrTargetClosed)

	if engine.Live() != 0 {
		t.Fatalf("expected evicted browser to be closed, %d live", engine.Live())
	}
	if st := p.Stats(); st.Warm != 0 || st.Available != 1 {
		t.Fatalf("expected no warm sessions and a free slot, got %+v", st)
	}

	s2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire after eviction: %v", err)
	}
	if s2 == s {
		t.Fatalf("expected a fresh session after eviction")
	}
	p.Release(s2, nil)
	if engine.Launched() != 2 {
		t.Fatalf("expected a second launch, got %d", engine.Launched())
	}
}

func TestPoolResetFailureEvicts(t *testing.T) {
	engine := &chrometest.Engine{SetContentErr: errors.New("reset failed")}
	p, _ := chrome.NewPool(engine, 1)
	defer p.Close()

	s, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	p.Release(s, nil)

	if engine.Live() != 0 {
		t.Fatalf("expected session closed after failed reset")
	}
	if p.Stats().Warm != 0 {
		t.Fatalf("expected no idle sessions")
	}
}

func TestPoolAcquireLaunchFailureReturnsToken(t *testing.T) {
	engine := &chrometest.Engine{LaunchErr: errors.New("no chrome")}
	p, _ := chrome.NewPool(engine, 1)
	defer p.Close()

	_, err := p.Acquire(context.Background())
	if !errors.Is(err, chrome.ErrLaunch) {
		t.Fatalf("expected launch error, got %v", err)
	}
	if st := p.Stats(); st.Available != 1 {
		t.Fatalf("expected token returned after failed launch, got %+v", st)
	}
}

func TestPoolAcquireContextCanceled(t *testing.T) {
	p, _ := chrome.NewPool(&chrometest.Engine{}, 1)
	defer p.Close()

	held, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer p.Release(held, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Acquire(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
}

func TestPoolAcquireTimesOutWhenNoCapacity(t *testing.T) {
	p, _ := chrome.NewPool(&chrometest.Engine{}, 1)
	defer p.Close()

	held, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer p.Release(held, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected acquire deadline exceeded, got %v", err)
	}
}

func TestPoolWaiterGetsReleasedSlot(t *testing.T) {
	p, _ := chrome.NewPool(&chrometest.Engine{}, 1)
	defer p.Close()

	held, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	got := make(chan *chrome.Session, 1)
	go func() {
		s, err := p.Acquire(context.Background())
		if err != nil {
			got <- nil
			return
		}
		got <- s
	}()

	time.Sleep(20 * time.Millisecond)
	p.Release(held, nil)

	select {
	case s := <-got:
		if s != held {
			t.Fatalf("expected waiter to receive the released session")
		}
		p.Release(s, nil)
	case <-time.After(time.Second):
		t.Fatalf("waiter was not woken by release")
	}
}

func TestPoolStatsAndClose(t *testing.T) {
	engine := &chrometest.Engine{}
	p, _ := chrome.NewPool(engine, 2)

	st := p.Stats()
	if !st.Enabled || st.Capacity != 2 || st.Available != 2 || st.InUse != 0 {
		t.Fatalf("unexpected stats before acquire: %+v", st)
	}

	s, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if st := p.Stats(); st.InUse != 1 {
		t.Fatalf("expected one in use, got %+v", st)
	}
	p.Release(s, nil)
	if st := p.Stats(); st.Warm != 1 {
		t.Fatalf("expected one warm session, got %+v", st)
	}

	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if engine.Live() != 0 {
		t.Fatalf("expected idle browsers closed, %d live", engine.Live())
	}
	if p.Stats().Enabled {
		t.Fatalf("expected stats disabled after close")
	}
	if _, err := p.Acquire(context.Background()); !errors.Is(err, chrome.ErrPoolClosed) {
		t.Fatalf("expected acquire to fail when pool is closed, got %v", err)
	}
}

func TestPoolReleaseAfterCloseClosesSession(t *testing.T) {
	engine := &chrometest.Engine{}
	p, _ := chrome.NewPool(engine, 1)

	s, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	p.Close()
	p.Release(s, nil)

	if engine.Live() != 0 {
		t.Fatalf("expected checked-out session closed on release after close")
	}
}

func TestPoolRestart(t *testing.T) {
	engine := &chrometest.Engine{}
	p, _ := chrome.NewPool(engine, 1)
	defer p.Close()

	s, _ := p.Acquire(context.Background())
	p.Release(s, nil)

	if err := p.Restart(); err != nil {
		t.Fatalf("expected restart success, got %v", err)
	}
	st := p.Stats()
	if st.Restarts != 1 || st.LastRestart.IsZero() || st.Warm != 0 {
		t.Fatalf("unexpected stats after restart: %+v", st)
	}
	if engine.Live() != 0 {
		t.Fatalf("expected idle browser closed by restart")
	}
}

func TestPoolRestartClosed(t *testing.T) {
	p, _ := chrome.NewPool(&chrometest.Engine{}, 1)
	p.Close()
	if err := p.Restart(); !errors.Is(err, chrome.ErrPoolClosed) {
		t.Fatalf("expected restart error when closed, got %v", err)
	}
}

func TestPoolAcquireMarksReusedSessions(t *testing.T) {
	p, _ := chrome.NewPool(&chrometest.Engine{}, 1)
	defer p.Close()

	s, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if s.Reused() {
		t.Fatalf("expected a fresh session on first checkout")
	}
	p.Release(s, nil)

	s, err = p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if !s.Reused() {
		t.Fatalf("expected idle session to be marked reused")
	}
	p.Release(s, nil)
}

func TestPoolAcquireWithin_BoundsSlotWaitOnly(t *testing.T) {
	fake := &chrometest.Engine{}
	slow := chrome.EngineFunc(func(ctx context.Context) (chrome.Browser, error) {
		time.Sleep(100 * time.Millisecond)
		return fake.Launch(ctx)
	})
	p, _ := chrome.NewPool(slow, 1)
	defer p.Close()

	s, err := p.AcquireWithin(context.Background(), 20*time.Millisecond)
	if err != nil {
		t.Fatalf("expected slow launch to outlast the slot wait, got %v", err)
	}

	if _, err := p.AcquireWithin(context.Background(), 20*time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected slot wait deadline, got %v", err)
	}
	p.Release(s, nil)
}
