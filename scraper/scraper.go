// Package scraper is the browser-backed data source: it launches one Chromium
// through Rod and opens sessions on the paginated screener listing.
package scraper

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/use-agent/screener/config"
	"github.com/use-agent/screener/models"
	"github.com/ysmood/gson"
	"golang.org/x/time/rate"
)

// Browser owns the Chromium process shared by every session of a run. A
// crashed or disconnected process is relaunched by the next Open.
// It is safe for concurrent use.
type Browser struct {
	cfg      config.BrowserConfig
	listing  config.ListingConfig
	blocker  *blocker
	limiter  *rate.Limiter
	sessions atomic.Int32

	// launch starts a browser and returns it with the func that shuts it down.
	launch func() (*rod.Browser, func() error, error)
	ping   func(*rod.Browser) error

	mu       sync.Mutex
	browser  *rod.Browser
	shutdown func() error
}

// NewBrowser launches a browser for the listing described by listing.
func NewBrowser(cfg config.BrowserConfig, listing config.ListingConfig) (*Browser, error) {
	b := &Browser{
		cfg:     cfg,
		listing: listing,
		blocker: newBlocker(cfg.BlockedResourceTypes, cfg.BlockAds),
		limiter: newPageLimiter(listing.PageRate),
		launch:  func() (*rod.Browser, func() error, error) { return launchBrowser(cfg) },
		ping:    pingBrowser,
	}
	if _, err := b.connection(); err != nil {
		return nil, err
	}
	return b, nil
}

func launchBrowser(cfg config.BrowserConfig) (*rod.Browser, func() error, error) {
	l := launcher.New().
		Headless(cfg.Headless).
		NoSandbox(cfg.NoSandbox)

	if cfg.BrowserBin != "" {
		l = l.Bin(cfg.BrowserBin)
	}
	if cfg.DefaultProxy != "" {
		l = l.Proxy(cfg.DefaultProxy)
	}

	// ── Stealth flags ────────────────────────────────────────────────
	l.Set(flags.Flag("disable-blink-features"), "AutomationControlled")
	l.Delete(flags.Flag("enable-automation"))
	l.Set(flags.Flag("disable-features"), "AudioServiceOutOfProcess,TranslateUI")
	l.Set(flags.Flag("disable-popup-blocking"))
	l.Set(flags.Flag("disable-renderer-backgrounding"))
	l.Set(flags.Flag("disable-background-timer-throttling"))
	l.Set(flags.Flag("disable-backgrounding-occluded-windows"))
	l.Set(flags.Flag("disable-dev-shm-usage"))
	l.Set(flags.Flag("disable-extensions"))
	l.Set(flags.Flag("no-first-run"))

	controlURL, err := l.Launch()
	if err != nil {
		return nil, nil, models.NewScrapeError(models.ErrCodeBrowserCrash, "failed to launch browser", err)
	}
	slog.Info("browser launched", "controlURL", controlURL)

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return nil, nil, models.NewScrapeError(models.ErrCodeBrowserCrash, "failed to connect to browser", err)
	}

	shutdown := func() error {
		err := browser.Close()
		l.Kill()
		return err
	}
	return browser, shutdown, nil
}

// pingBrowser checks that the CDP connection still answers.
func pingBrowser(browser *rod.Browser) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := proto.BrowserGetVersion{}.Call(browser.Context(ctx))
	return err
}

// connection returns the live browser, relaunching it when the previous one
// stopped answering.
func (b *Browser) connection() (*rod.Browser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.browser != nil {
		err := b.ping(b.browser)
		if err == nil {
			return b.browser, nil
		}
		slog.Warn("browser connection lost, relaunching", "error", err)
		if err := b.shutdown(); err != nil {
			slog.Debug("closing lost browser", "error", err)
		}
		b.browser, b.shutdown = nil, nil
	}

	browser, shutdown, err := b.launch()
	if err != nil {
		return nil, err
	}
	b.browser, b.shutdown = browser, shutdown
	return browser, nil
}

// newPageLimiter paces page advances. It is shared by every session so a
// recovery does not reset the budget.
func newPageLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(perSecond), 1)
}

// Open creates a tab, prepares it and loads the first page of the listing.
//
// Stealth, headers and the request blocker only take effect for navigations
// issued after they are installed, so they come before Navigate.
func (b *Browser) Open(ctx context.Context) (*Session, error) {
	browser, err := b.connection()
	if err != nil {
		return nil, err
	}
	page, err := browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, models.NewScrapeError(models.ErrCodeBrowserCrash, "failed to create page", err)
	}

	if b.cfg.Stealth {
		if _, err := page.EvalOnNewDocument(stealth.JS); err != nil {
			slog.Warn("stealth injection failed, proceeding without stealth", "error", err)
		}
	}

	if headers := b.extraHeaders(); len(headers) > 0 {
		if err := (proto.NetworkSetExtraHTTPHeaders{Headers: toHeadersMap(headers)}).Call(page); err != nil {
			slog.Warn("failed to set extra headers", "error", err)
		}
	}

	router := b.blocker.mount(page)
	s := &Session{
		browser: b,
		page:    page,
		router:  router,
		sel:     b.listing.Selectors,
		listing: b.listing,
	}
	b.sessions.Add(1)

	navCtx, cancel := context.WithTimeout(ctx, b.listing.NavigationTimeout)
	defer cancel()
	p := page.Context(navCtx)

	if err := p.Navigate(b.listing.URL); err != nil {
		s.Close()
		return nil, categorizeError(err, "navigation to listing failed")
	}
	if err := p.WaitLoad(); err != nil {
		s.Close()
		return nil, categorizeError(err, "listing did not finish loading")
	}
	if _, err := p.ElementX(s.sel.PagerXPath); err != nil {
		s.Close()
		return nil, categorizeError(err, "listing grid did not render")
	}

	slog.Debug("listing session opened", "url", b.listing.URL)
	return s, nil
}

// ActiveSessions returns the number of open sessions.
func (b *Browser) ActiveSessions() int {
	return int(b.sessions.Load())
}

// Close kills the browser process.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browser == nil {
		return nil
	}
	slog.Info("closing browser")
	err := b.shutdown()
	b.browser, b.shutdown = nil, nil
	return err
}

// extraHeaders merges the configured headers with a search-engine Referer for
// the listing host, unless a Referer is configured.
func (b *Browser) extraHeaders() map[string]string {
	headers := make(map[string]string, len(b.cfg.Headers)+1)
	if _, ok := b.cfg.Headers["Referer"]; !ok {
		if u, err := url.Parse(b.listing.URL); err == nil && u.Hostname() != "" {
			headers["Referer"] = "https://www.google.com/search?q=" + url.QueryEscape(u.Hostname())
		}
	}
	for k, v := range b.cfg.Headers {
		headers[k] = v
	}
	return headers
}

// toHeadersMap converts a plain string map to the proto.NetworkHeaders type
// (map[string]gson.JSON) required by NetworkSetExtraHTTPHeaders.
func toHeadersMap(headers map[string]string) proto.NetworkHeaders {
	m := make(proto.NetworkHeaders, len(headers))
	for k, v := range headers {
		m[k] = gson.New(v)
	}
	return m
}
