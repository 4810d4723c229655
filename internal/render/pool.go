// Package render provides the headless-browser fallback used when a plain
// HTTP fetch yields nothing usable.
package render

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/jonesrussell/north-cloud/staffdir/internal/logger"
)

var (
	// ErrClosed is returned by Acquire after Close.
	ErrClosed = errors.New("render pool closed")
	// ErrTimeout classifies renders that exceeded their deadline.
	ErrTimeout = errors.New("render timed out")
	// ErrNavigation classifies renders that failed to load the page.
	ErrNavigation = errors.New("render navigation failed")
)

// Browser renders pages. Implementations must allow concurrent Render calls.
type Browser interface {
	Render(ctx context.Context, pageURL string) (string, error)
	Close() error
}

// Launcher starts a Browser.
type Launcher interface {
	Launch(ctx context.Context) (Browser, error)
}

// Config controls the pool.
type Config struct {
	// Size bounds concurrent page checkouts.
	Size int
	// Timeout bounds a single render.
	Timeout time.Duration
	// IdleTimeout is how long the browser stays up once no lease is held.
	IdleTimeout time.Duration
}

// Pool shares one lazily launched browser across a bounded number of
// concurrent leases and shuts it down after an idle period.
type Pool struct {
	cfg      Config
	launcher Launcher
	log      logger.Logger
	sem      *semaphore.Weighted
	launch   singleflight.Group

	mu        sync.Mutex
	browser   Browser
	refs      int
	idleTimer *time.Timer
	// idleGen identifies the armed idle timer. A fired timer whose
	// generation is stale must not tear anything down.
	idleGen uint64
	closed  bool
}

// NewPool creates a pool. The browser is not launched until first use.
func NewPool(cfg Config, launcher Launcher, log logger.Logger) *Pool {
	if cfg.Size < 1 {
		cfg.Size = 1
	}
	return &Pool{
		cfg:      cfg,
		launcher: launcher,
		log:      log,
		sem:      semaphore.NewWeighted(int64(cfg.Size)),
	}
}

// Lease is a checked-out slot on the shared browser.
type Lease struct {
	pool    *Pool
	browser Browser
	once    sync.Once
}

// Render renders pageURL with the leased browser.
func (l *Lease) Render(ctx context.Context, pageURL string) (string, error) {
	return l.pool.renderWith(ctx, l.browser, pageURL)
}

// Release returns the slot. Safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(l.pool.release)
}

// Acquire blocks until a slot is free, launching the browser if needed.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	if p.isClosed() {
		return nil, ErrClosed
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire render slot: %w", err)
	}

	for {
		b, err := p.ensureBrowser(ctx)
		if err != nil {
			p.sem.Release(1)
			return nil, err
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			p.sem.Release(1)
			return nil, ErrClosed
		}
		// the idle timer may have torn b down between launch and here
		if p.browser != b {
			p.mu.Unlock()
			continue
		}
		p.refs++
		p.disarmIdle()
		p.mu.Unlock()

		return &Lease{pool: p, browser: b}, nil
	}
}

// Render acquires a lease, renders pageURL and releases the lease.
func (p *Pool) Render(ctx context.Context, pageURL string) (string, error) {
	lease, err := p.Acquire(ctx)
	if err != nil {
		return "", err
	}
	defer lease.Release()
	return lease.Render(ctx, pageURL)
}

// Close shuts the browser down and rejects further leases.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	p.disarmIdle()
	b := p.browser
	p.browser = nil
	p.mu.Unlock()

	if b == nil {
		return nil
	}
	if err := b.Close(); err != nil {
		return fmt.Errorf("close browser: %w", err)
	}
	return nil
}

// Active reports whether a browser is currently running.
func (p *Pool) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.browser != nil
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// ensureBrowser returns the running browser, launching it at most once
// across concurrent callers.
func (p *Pool) ensureBrowser(ctx context.Context) (Browser, error) {
	p.mu.Lock()
	if b := p.browser; b != nil {
		p.mu.Unlock()
		return b, nil
	}
	p.mu.Unlock()

	v, err, _ := p.launch.Do("browser", func() (any, error) {
		p.mu.Lock()
		if b := p.browser; b != nil {
			p.mu.Unlock()
			return b, nil
		}
		p.mu.Unlock()

		start := time.Now()
		b, err := p.launcher.Launch(context.WithoutCancel(ctx))
		if err != nil {
			return nil, fmt.Errorf("launch browser: %w", err)
		}
		p.log.Info("Rendering browser launched", logger.Duration("duration", time.Since(start)))

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			_ = b.Close()
			return nil, ErrClosed
		}
		p.browser = b
		p.mu.Unlock()
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Browser), nil
}

func (p *Pool) release() {
	p.mu.Lock()
	p.refs--
	if p.refs == 0 && p.browser != nil && !p.closed {
		p.idleGen++
		gen := p.idleGen
		p.idleTimer = time.AfterFunc(p.cfg.IdleTimeout, func() { p.teardownIfIdle(gen) })
	}
	p.mu.Unlock()
	p.sem.Release(1)
}

// disarmIdle stops the idle timer and invalidates a callback that already
// fired but has not yet taken mu. Callers hold mu.
func (p *Pool) disarmIdle() {
	p.idleGen++
	if p.idleTimer != nil {
		p.idleTimer.Stop()
		p.idleTimer = nil
	}
}

func (p *Pool) teardownIfIdle(gen uint64) {
	p.mu.Lock()
	if gen != p.idleGen || p.refs > 0 || p.browser == nil {
		p.mu.Unlock()
		return
	}
	b := p.browser
	p.browser = nil
	p.idleTimer = nil
	p.mu.Unlock()

	if err := b.Close(); err != nil {
		p.log.Warn("Failed to close idle browser", logger.Error(err))
		return
	}
	p.log.Info("Rendering browser closed after idle period")
}

func (p *Pool) renderWith(ctx context.Context, b Browser, pageURL string) (string, error) {
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	html, err := b.Render(ctx, pageURL)
	if err == nil {
		return html, nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "", fmt.Errorf("%w: %s: %w", ErrTimeout, pageURL, err)
	}
	return "", fmt.Errorf("%w: %s: %w", ErrNavigation, pageURL, err)
}
