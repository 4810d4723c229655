package render

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/staffdir/internal/logger"
)

type stubBrowser struct {
	mu     sync.Mutex
	closed bool
}

func (b *stubBrowser) Render(context.Context, string) (string, error) { return "<html></html>", nil }

func (b *stubBrowser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *stubBrowser) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

type stubLauncher struct{ browser *stubBrowser }

func (l stubLauncher) Launch(context.Context) (Browser, error) { return l.browser, nil }

func TestTeardownIfIdle_IgnoresStaleTimer(t *testing.T) {
	t.Parallel()

	b := &stubBrowser{}
	p := NewPool(Config{Size: 1, IdleTimeout: time.Hour}, stubLauncher{browser: b}, logger.NewNop())
	t.Cleanup(func() { _ = p.Close() })

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	lease.Release()

	p.mu.Lock()
	stale := p.idleGen
	p.mu.Unlock()

	// a new checkout disarms the timer; its release arms a fresh one
	lease, err = p.Acquire(context.Background())
	require.NoError(t, err)
	lease.Release()

	// the first timer fired just before it was stopped
	p.teardownIfIdle(stale)

	assert.True(t, p.Active())
	assert.False(t, b.isClosed())
	p.mu.Lock()
	assert.NotNil(t, p.idleTimer, "the armed timer must survive")
	current := p.idleGen
	p.mu.Unlock()

	p.teardownIfIdle(current)
	assert.False(t, p.Active())
	assert.True(t, b.isClosed())
}

func TestTeardownIfIdle_StaleWhileLeased(t *testing.T) {
	t.Parallel()

	b := &stubBrowser{}
	p := NewPool(Config{Size: 1, IdleTimeout: time.Hour}, stubLauncher{browser: b}, logger.NewNop())
	t.Cleanup(func() { _ = p.Close() })

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	lease.Release()

	p.mu.Lock()
	stale := p.idleGen
	p.mu.Unlock()

	lease, err = p.Acquire(context.Background())
	require.NoError(t, err)
	defer lease.Release()

	p.teardownIfIdle(stale)
	assert.True(t, p.Active())
	assert.False(t, b.isClosed())
}
