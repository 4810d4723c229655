package render_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/staffdir/internal/logger"
	"github.com/jonesrussell/north-cloud/staffdir/internal/render"
)

type fakeBrowser struct {
	mu       sync.Mutex
	active   int
	peak     int
	closed   bool
	delay    time.Duration
	renderFn func(ctx context.Context, url string) (string, error)
}

func (b *fakeBrowser) Render(ctx context.Context, url string) (string, error) {
	b.mu.Lock()
	b.active++
	if b.active > b.peak {
		b.peak = b.active
	}
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.active--
		b.mu.Unlock()
	}()

	if b.delay > 0 {
		select {
		case <-time.After(b.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if b.renderFn != nil {
		return b.renderFn(ctx, url)
	}
	return "<html>" + url + "</html>", nil
}

func (b *fakeBrowser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *fakeBrowser) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

type fakeLauncher struct {
	launches   atomic.Int32
	delay      time.Duration
	err        error
	newBrowser func() *fakeBrowser

	mu       sync.Mutex
	browsers []*fakeBrowser
}

func (l *fakeLauncher) Launch(context.Context) (render.Browser, error) {
	l.launches.Add(1)
	time.Sleep(l.delay)
	if l.err != nil {
		return nil, l.err
	}
	b := &fakeBrowser{}
	if l.newBrowser != nil {
		b = l.newBrowser()
	}
	l.mu.Lock()
	l.browsers = append(l.browsers, b)
	l.mu.Unlock()
	return b, nil
}

func (l *fakeLauncher) last() *fakeBrowser {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.browsers[len(l.browsers)-1]
}

func TestPool_LazySingleLaunch(t *testing.T) {
	t.Parallel()

	l := &fakeLauncher{delay: 50 * time.Millisecond}
	pool := render.NewPool(render.Config{Size: 4, IdleTimeout: time.Minute}, l, logger.NewNop())
	defer pool.Close()

	assert.False(t, pool.Active(), "browser must not start before first use")

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := pool.Render(context.Background(), "https://x.edu")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), l.launches.Load())
	assert.True(t, pool.Active())
}

func TestPool_BoundsConcurrency(t *testing.T) {
	t.Parallel()

	browser := &fakeBrowser{delay: 20 * time.Millisecond}
	l := &fakeLauncher{newBrowser: func() *fakeBrowser { return browser }}
	pool := render.NewPool(render.Config{Size: 2, IdleTimeout: time.Minute}, l, logger.NewNop())
	defer pool.Close()

	var wg sync.WaitGroup
	for range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = pool.Render(context.Background(), "https://x.edu")
		}()
	}
	wg.Wait()

	browser.mu.Lock()
	defer browser.mu.Unlock()
	assert.LessOrEqual(t, browser.peak, 2)
}

func TestPool_IdleTeardownAndRelaunch(t *testing.T) {
	t.Parallel()

	l := &fakeLauncher{}
	pool := render.NewPool(render.Config{Size: 1, IdleTimeout: 30 * time.Millisecond}, l, logger.NewNop())
	defer pool.Close()

	_, err := pool.Render(context.Background(), "https://x.edu/a")
	require.NoError(t, err)
	first := l.last()

	require.Eventually(t, func() bool { return !pool.Active() }, time.Second, 5*time.Millisecond)
	assert.True(t, first.isClosed())

	_, err = pool.Render(context.Background(), "https://x.edu/b")
	require.NoError(t, err)
	assert.Equal(t, int32(2), l.launches.Load())
}

func TestPool_HeldLeaseKeepsBrowserAlive(t *testing.T) {
	t.Parallel()

	l := &fakeLauncher{}
	pool := render.NewPool(render.Config{Size: 2, IdleTimeout: 10 * time.Millisecond}, l, logger.NewNop())
	defer pool.Close()

	lease, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	_, err = pool.Render(context.Background(), "https://x.edu")
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.True(t, pool.Active(), "an outstanding lease must keep the browser running")

	lease.Release()
	lease.Release()
	require.Eventually(t, func() bool { return !pool.Active() }, time.Second, 5*time.Millisecond)
}

func TestPool_LaunchFailureReleasesSlot(t *testing.T) {
	t.Parallel()

	l := &fakeLauncher{err: errors.New("no chrome")}
	pool := render.NewPool(render.Config{Size: 1}, l, logger.NewNop())

	for range 3 {
		_, err := pool.Render(context.Background(), "https://x.edu")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no chrome")
	}
}

func TestPool_TimeoutClassified(t *testing.T) {
	t.Parallel()

	l := &fakeLauncher{newBrowser: func() *fakeBrowser { return &fakeBrowser{delay: time.Second} }}
	pool := render.NewPool(render.Config{Size: 1, Timeout: 20 * time.Millisecond, IdleTimeout: time.Minute}, l, logger.NewNop())
	defer pool.Close()

	_, err := pool.Render(context.Background(), "https://x.edu")
	require.Error(t, err)
	assert.ErrorIs(t, err, render.ErrTimeout)
}

func TestPool_NavigationErrorClassified(t *testing.T) {
	t.Parallel()

	l := &fakeLauncher{newBrowser: func() *fakeBrowser {
		return &fakeBrowser{renderFn: func(context.Context, string) (string, error) {
			return "", errors.New("net::ERR_NAME_NOT_RESOLVED")
		}}
	}}
	pool := render.NewPool(render.Config{Size: 1, IdleTimeout: time.Minute}, l, logger.NewNop())
	defer pool.Close()

	_, err := pool.Render(context.Background(), "https://nowhere.invalid")
	require.Error(t, err)
	assert.ErrorIs(t, err, render.ErrNavigation)
}

func TestPool_ClosedRejects(t *testing.T) {
	t.Parallel()

	l := &fakeLauncher{}
	pool := render.NewPool(render.Config{Size: 1, IdleTimeout: time.Minute}, l, logger.NewNop())

	_, err := pool.Render(context.Background(), "https://x.edu")
	require.NoError(t, err)
	require.NoError(t, pool.Close())
	assert.True(t, l.last().isClosed())

	_, err = pool.Acquire(context.Background())
	assert.ErrorIs(t, err, render.ErrClosed)
}
