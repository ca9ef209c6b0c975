package render_test

import (
	"bytes"
	"context"
	"errors"
	"image/color"
	"image/png"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"html2png/internal/chrome"
	"html2png/internal/chrome/chrometest"
	"html2png/internal/encoder"
	"html2png/internal/render"
)

func decodeResult(t *testing.T, res render.Result) []byte {
	t.Helper()
	mime, data, err := encoder.ParseDataURI(res.ImageDataURI)
	require.NoError(t, err)
	assert.Equal(t, "image/png", mime)
	return data
}

func TestRender_ReturnsPNGDataURI(t *testing.T) {
	engine := &chrometest.Engine{Image: chrometest.SolidPNG(6, 3, color.NRGBA{R: 255, A: 255})}
	svc := render.New(engine)

	res, err := svc.Render(context.Background(), "<body style='background:red'><h1>Hi</h1></body>")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(res.ImageDataURI, "data:image/png;base64,"))
	assert.Equal(t, 6, res.Width)
	assert.Equal(t, 3, res.Height)

	data := decodeResult(t, res)
	assert.Equal(t, res.Size, len(data))
	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	r, g, b, a := img.At(0, 0).RGBA()
	assert.Equal(t, uint32(0xffff), a)
	assert.Greater(t, r, g+b)

	assert.Equal(t, 0, engine.Live(), "per-render session must be closed")
	assert.Equal(t, []string{"<body style='background:red'><h1>Hi</h1></body>"}, engine.Contents())
	assert.True(t, engine.LastOptions().OmitBackground)
}

func TestRender_ContentNotFoundClosesSession(t *testing.T) {
	engine := &chrometest.Engine{}
	svc := render.New(engine)

	_, err := svc.Render(context.Background(), `<html><frameset cols="100%"></frameset></html>`)
	require.Error(t, err)
	assert.ErrorIs(t, err, render.ErrContentNotFound)
	assert.ErrorIs(t, err, chrome.ErrNodeNotFound)
	assert.False(t, render.IsRetryable(err))

	assert.Equal(t, 1, engine.Launched())
	assert.Equal(t, 0, engine.Live(), "session must be terminated")
	assert.Equal(t, 1, engine.PagesClosed())
}

func TestRender_EngineLaunchFailure(t *testing.T) {
	engine := &chrometest.Engine{LaunchErr: errors.New("exec: \"chrome\": executable file not found")}
	svc := render.New(engine)

	res, err := svc.Render(context.Background(), "<body>x</body>")
	require.Error(t, err)
	assert.Empty(t, res.ImageDataURI)
	assert.ErrorIs(t, err, render.ErrEngineLaunch)
	assert.ErrorIs(t, err, chrome.ErrLaunch)
	assert.True(t, render.IsRetryable(err))

	var re *render.Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, render.KindEngineLaunch, re.Kind)
	assert.Equal(t, "acquire", re.Op)
}

func TestRender_NewPageFailureIsLaunchError(t *testing.T) {
	engine := &chrometest.Engine{NewPageErr: errors.New("no tab")}
	_, err := render.New(engine).Render(context.Background(), "<body>x</body>")
	assert.ErrorIs(t, err, render.ErrEngineLaunch)
	assert.Equal(t, 0, engine.Live())
}

func TestRender_CaptureFailure(t *testing.T) {
	engine := &chrometest.Engine{ScreenshotErr: chrometest.ErrTargetClosed}
	_, err := render.New(engine).Render(context.Background(), "<body>x</body>")

	assert.ErrorIs(t, err, render.ErrCapture)
	assert.NotErrorIs(t, err, render.ErrEngineLaunch)
	assert.False(t, render.IsRetryable(err))
	assert.Equal(t, 0, engine.Live())
}

func TestRender_LoadFailure(t *testing.T) {
	engine := &chrometest.Engine{SetContentErr: errors.New("page crashed")}
	_, err := render.New(engine).Render(context.Background(), "<body>x</body>")

	var re *render.Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, render.KindCapture, re.Kind)
	assert.Equal(t, "load", re.Op)
	assert.Equal(t, 0, engine.Live())
}

func TestRender_EmptyNodeIsCaptureError(t *testing.T) {
	engine := &chrometest.Engine{ScreenshotErr: chrome.ErrEmptyNode}
	_, err := render.New(engine).Render(context.Background(), "<body></body>")
	assert.ErrorIs(t, err, render.ErrCapture)
	assert.ErrorIs(t, err, chrome.ErrEmptyNode)
}

func TestRender_InvalidPNGIsCaptureError(t *testing.T) {
	engine := &chrometest.Engine{Image: []byte("not a png")}
	res, err := render.New(engine).Render(context.Background(), "<body>x</body>")
	assert.ErrorIs(t, err, render.ErrCapture)
	assert.Empty(t, res.ImageDataURI)
}

func TestRender_TimeoutTearsDownHungEngine(t *testing.T) {
	engine := &chrometest.Engine{BlockSetContent: true}
	svc := render.New(engine, render.WithTimeout(50*time.Millisecond))

	start := time.Now()
	_, err := svc.Render(context.Background(), "<body>x</body>")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 0, engine.Live(), "hung browser must be closed")
}

func TestRender_TimeoutDuringLaunch(t *testing.T) {
	engine := &chrometest.Engine{BlockLaunch: true}
	svc := render.New(engine, render.WithTimeout(30*time.Millisecond))

	_, err := svc.Render(context.Background(), "<body>x</body>")
	assert.ErrorIs(t, err, render.ErrEngineLaunch)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRender_MaxImageBytes(t *testing.T) {
	engine := &chrometest.Engine{Image: chrometest.TransparentPNG(64, 64)}
	svc := render.New(engine, render.WithMaxImageBytes(10))

	_, err := svc.Render(context.Background(), "<body>x</body>")
	assert.ErrorIs(t, err, render.ErrImageTooLarge)
	assert.ErrorIs(t, err, render.ErrCapture)
}

func TestRender_WithSelector(t *testing.T) {
	engine := &chrometest.Engine{}
	svc := render.New(engine, render.WithSelector("#card"))

	// The fake only reports missing nodes for "body".
	_, err := svc.Render(context.Background(), `<html><frameset></frameset></html>`)
	assert.NoError(t, err)
}

func TestRender_PoolReusesAndResets(t *testing.T) {
	engine := &chrometest.Engine{}
	pool, err := chrome.NewPool(engine, 1)
	require.NoError(t, err)
	defer pool.Close()

	svc := render.New(engine, render.WithPool(pool), render.WithAcquireTimeout(time.Second))
	for range 3 {
		_, err := svc.Render(context.Background(), "<body>x</body>")
		require.NoError(t, err)
	}

	assert.Equal(t, 1, engine.Launched())
	assert.Equal(t, []string{"<body>x</body>", "", "<body>x</body>", "", "<body>x</body>", ""}, engine.Contents())
	assert.Equal(t, 1, pool.Stats().Warm)
}

func TestRender_PoolEvictsFailedSession(t *testing.T) {
	engine := &chrometest.Engine{}
	pool, err := chrome.NewPool(engine, 1)
	require.NoError(t, err)
	defer pool.Close()

	svc := render.New(engine, render.WithPool(pool))
	_, err = svc.Render(context.Background(), `<frameset></frameset>`)
	require.ErrorIs(t, err, render.ErrContentNotFound)

	assert.Equal(t, 0, engine.Live())
	assert.Equal(t, 0, pool.Stats().Warm)
	assert.Equal(t, 1, pool.Stats().Available)
}

func TestRender_PoolAcquireTimeout(t *testing.T) {
	engine := &chrometest.Engine{}
	pool, err := chrome.NewPool(engine, 1)
	require.NoError(t, err)
	defer pool.Close()

	held, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	defer pool.Release(held, nil)

	svc := render.New(engine, render.WithPool(pool), render.WithAcquireTimeout(20*time.Millisecond))
	_, err = svc.Render(context.Background(), "<body>x</body>")
	assert.ErrorIs(t, err, render.ErrEngineLaunch)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestError(t *testing.T) {
	err := &render.Error{Kind: render.KindCapture, Op: "capture", Err: errors.New("boom")}
	assert.Equal(t, "render capture: capture: boom", err.Error())
	assert.Equal(t, "content_not_found", render.KindContentNotFound.String())
	assert.Equal(t, "kind(9)", render.Kind(9).String())
	assert.False(t, render.IsRetryable(errors.New("plain")))
}

func TestRender_AcquireTimeoutDoesNotCapColdLaunch(t *testing.T) {
	fake := &chrometest.Engine{}
	slow := chrome.EngineFunc(func(ctx context.Context) (chrome.Browser, error) {
		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return fake.Launch(ctx)
	})
	pool, err := chrome.NewPool(slow, 2)
	require.NoError(t, err)
	defer pool.Close()

	svc := render.New(slow,
		render.WithPool(pool),
		render.WithTimeout(5*time.Second),
		render.WithAcquireTimeout(50*time.Millisecond),
	)
	res, err := svc.Render(context.Background(), "<body>x</body>")
	require.NoError(t, err)
	assert.NotEmpty(t, res.ImageDataURI)
	assert.Equal(t, 1, fake.Launched())
}

func TestRender_PooledBrowserDiedWhileIdle(t *testing.T) {
	engine := &chrometest.Engine{}
	pool, err := chrome.NewPool(engine, 1)
	require.NoError(t, err)
	defer pool.Close()

	svc := render.New(engine, render.WithPool(pool))
	_, err = svc.Render(context.Background(), "<body>x</body>")
	require.NoError(t, err)

	engine.Crash()
	_, err = svc.Render(context.Background(), "<body>x</body>")
	require.Error(t, err)
	assert.ErrorIs(t, err, render.ErrEngineLaunch)
	assert.True(t, render.IsRetryable(err))
	assert.Equal(t, 0, engine.Live(), "dead session must be evicted")

	_, err = svc.Render(context.Background(), "<body>x</body>")
	require.NoError(t, err)
	assert.Equal(t, 2, engine.Launched())
	assert.Equal(t, 2, engine.Screenshots())
}

func TestRender_FreshSessionLoadFailureIsCaptureError(t *testing.T) {
	engine := &chrometest.Engine{SetContentErr: chrometest.ErrTargetClosed}
	_, err := render.New(engine).Render(context.Background(), "<body>x</body>")
	assert.ErrorIs(t, err, render.ErrCapture)
	assert.Equal(t, 0, engine.Screenshots())
}
