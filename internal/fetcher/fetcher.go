// Package fetcher retrieves directory pages over plain HTTP.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"golang.org/x/time/rate"

	"github.com/jonesrussell/north-cloud/staffdir/internal/logger"
)

// ErrUnexpectedStatus is returned for non-2xx responses.
var ErrUnexpectedStatus = errors.New("unexpected status")

// Config controls the HTTP fetcher.
type Config struct {
	UserAgent        string
	Timeout          time.Duration
	MaxBodyBytes     int
	RespectRobotsTxt bool
	// HostInterval is the minimum spacing between requests to one host.
	// Zero disables the limit.
	HostInterval time.Duration
}

// Fetcher performs a single GET per call using a fresh colly collector.
// Requests to the same host share a token-bucket limiter across calls.
type Fetcher struct {
	cfg Config
	log logger.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New creates a Fetcher.
func New(cfg Config, log logger.Logger) *Fetcher {
	return &Fetcher{cfg: cfg, log: log, limiters: make(map[string]*rate.Limiter)}
}

// wait blocks until pageURL's host may be contacted again.
func (f *Fetcher) wait(ctx context.Context, pageURL string) error {
	if f.cfg.HostInterval <= 0 {
		return nil
	}
	u, err := url.Parse(pageURL)
	if err != nil {
		return err
	}

	f.mu.Lock()
	lim, ok := f.limiters[u.Host]
	if !ok {
		lim = rate.NewLimiter(rate.Every(f.cfg.HostInterval), 1)
		f.limiters[u.Host] = lim
	}
	f.mu.Unlock()

	return lim.Wait(ctx)
}

// Fetch returns the body of pageURL. Non-2xx responses and transport errors
// are returned as errors.
func (f *Fetcher) Fetch(ctx context.Context, pageURL string) (string, error) {
	if err := f.wait(ctx, pageURL); err != nil {
		return "", fmt.Errorf("fetch %s: host limiter: %w", pageURL, err)
	}

	opts := []colly.CollectorOption{
		colly.StdlibContext(ctx),
		colly.ParseHTTPErrorResponse(),
		colly.AllowURLRevisit(),
	}
	if f.cfg.UserAgent != "" {
		opts = append(opts, colly.UserAgent(f.cfg.UserAgent))
	}
	if f.cfg.MaxBodyBytes > 0 {
		opts = append(opts, colly.MaxBodySize(f.cfg.MaxBodyBytes))
	}
	if !f.cfg.RespectRobotsTxt {
		opts = append(opts, colly.IgnoreRobotsTxt())
	}

	c := colly.NewCollector(opts...)
	if f.cfg.Timeout > 0 {
		c.SetRequestTimeout(f.cfg.Timeout)
	}

	var (
		body   string
		status int
		reqErr error
	)
	c.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
		body = string(r.Body)
	})
	c.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
		reqErr = err
	})

	start := time.Now()
	if err := c.Visit(pageURL); err != nil && reqErr == nil {
		reqErr = err
	}

	f.log.Debug("Primary fetch finished",
		logger.Target(pageURL),
		logger.Int("status", status),
		logger.Int("bytes", len(body)),
		logger.Duration("duration", time.Since(start)),
	)

	if reqErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("fetch %s: %w", pageURL, ctxErr)
		}
		return "", fmt.Errorf("fetch %s: %w", pageURL, reqErr)
	}
	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		return "", fmt.Errorf("fetch %s: %w %d", pageURL, ErrUnexpectedStatus, status)
	}
	return body, nil
}
