package render

import (
	"context"
	"fmt"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/stealth"

	"github.com/jonesrussell/north-cloud/staffdir/internal/logger"
)

// RodLauncher starts a local headless Chrome through go-rod.
type RodLauncher struct {
	// Bin overrides the browser binary; empty lets rod locate or download one.
	Bin string
	Log logger.Logger
}

// Launch starts Chrome and connects to it.
func (l *RodLauncher) Launch(ctx context.Context) (Browser, error) {
	lnch := launcher.New().
		Context(ctx).
		Headless(true).
		Set("disable-blink-features", "AutomationControlled")
	if l.Bin != "" {
		lnch = lnch.Bin(l.Bin)
	}

	wsURL, err := lnch.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch chrome: %w", err)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		lnch.Kill()
		return nil, fmt.Errorf("connect chrome: %w", err)
	}
	if err := b.IgnoreCertErrors(true); err != nil && l.Log != nil {
		l.Log.Warn("Failed to ignore certificate errors", logger.Error(err))
	}

	return &rodBrowser{browser: b, launcher: lnch}, nil
}

type rodBrowser struct {
	browser  *rod.Browser
	launcher *launcher.Launcher
}

// Render opens a stealth tab, waits for load and returns the serialized DOM.
func (b *rodBrowser) Render(ctx context.Context, pageURL string) (string, error) {
	page, err := stealth.Page(b.browser)
	if err != nil {
		return "", fmt.Errorf("open tab: %w", err)
	}
	defer func() { _ = page.Close() }()

	p := page.Context(ctx)
	if err := p.Navigate(pageURL); err != nil {
		return "", fmt.Errorf("navigate: %w", err)
	}
	if err := p.WaitLoad(); err != nil {
		return "", fmt.Errorf("wait load: %w", err)
	}

	res, err := p.Eval(`() => document.documentElement.outerHTML`)
	if err != nil {
		return "", fmt.Errorf("read dom: %w", err)
	}
	return res.Value.Str(), nil
}

func (b *rodBrowser) Close() error {
	err := b.browser.Close()
	b.launcher.Kill()
	if err != nil {
		return fmt.Errorf("close chrome: %w", err)
	}
	return nil
}
