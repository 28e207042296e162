package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/use-agent/screener/config"
	"github.com/use-agent/screener/models"
	"github.com/use-agent/screener/pager"
)

// pollInterval is how often AdvancePage re-reads the pager while waiting for
// the next page.
const pollInterval = 100 * time.Millisecond

// Session is one tab on the listing. Row reads are served from a parsed copy
// of the grid, refreshed after every section switch and page advance.
// It is not safe for concurrent use.
type Session struct {
	browser *Browser
	page    *rod.Page
	router  *rod.HijackRouter
	sel     config.SelectorConfig
	listing config.ListingConfig

	grid   *Grid
	active string
	closed bool
}

// SectionBounds reads the pager indicator of the current page.
func (s *Session) SectionBounds(ctx context.Context) (first, last, total int, err error) {
	ctx, cancel := context.WithTimeout(ctx, s.listing.PageTimeout)
	defer cancel()

	text, err := s.pagerText(s.page.Context(ctx))
	if err != nil {
		return 0, 0, 0, models.NewScrapeError(models.ErrCodePaginationRead, "pager indicator not found", err)
	}
	b, err := pager.ParseIndicator(text)
	if err != nil {
		return 0, 0, 0, err
	}
	return b.First, b.Last, b.Total, nil
}

// RowKey returns the entity key of row index.
func (s *Session) RowKey(ctx context.Context, index int) (string, error) {
	return s.lookup(ctx, fmt.Sprintf("row %d key", index), func(g *Grid) (string, bool) {
		return g.Key(index)
	})
}

// RowName returns the display name of row index.
func (s *Session) RowName(ctx context.Context, index int) (string, error) {
	return s.lookup(ctx, fmt.Sprintf("row %d name", index), func(g *Grid) (string, bool) {
		return g.Name(index)
	})
}

// CellValue returns the value at offset of the active section on row index.
func (s *Session) CellValue(ctx context.Context, index, offset int) (string, error) {
	return s.lookup(ctx, fmt.Sprintf("row %d column %d", index, offset), func(g *Grid) (string, bool) {
		return g.Value(index, offset)
	})
}

// SelectSection clicks the tab of section and waits for the grid to settle.
func (s *Session) SelectSection(ctx context.Context, section string) error {
	if section == s.active {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.listing.SectionTimeout)
	defer cancel()
	p := s.page.Context(ctx)

	tab, err := p.Element(fmt.Sprintf(s.sel.SectionTab, section))
	if err != nil {
		return categorizeError(err, fmt.Sprintf("section tab %q not found", section))
	}
	if err := tab.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return categorizeError(err, fmt.Sprintf("failed to select section %q", section))
	}
	s.settle(p)

	s.active = section
	s.grid = nil
	return nil
}

// AdvancePage clicks the next-page arrow and blocks until the pager shows a
// different page.
func (s *Session) AdvancePage(ctx context.Context) error {
	if l := s.browser.limiter; l != nil {
		if err := l.Wait(ctx); err != nil {
			return categorizeError(err, "page advance pacing interrupted")
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.listing.PageTimeout)
	defer cancel()
	p := s.page.Context(ctx)

	before, err := s.pagerText(p)
	if err != nil {
		return models.NewScrapeError(models.ErrCodePaginationRead, "pager indicator not found", err)
	}

	next, err := p.ElementX(s.sel.NextXPath)
	if err != nil {
		return categorizeError(err, "next page control not found")
	}
	if err := next.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return categorizeError(err, "failed to click next page")
	}
	s.grid = nil

	for {
		text, err := s.pagerText(p)
		if err == nil && text != before {
			break
		}
		select {
		case <-ctx.Done():
			return categorizeError(ctx.Err(), "next page did not load")
		case <-time.After(pollInterval):
		}
	}
	s.settle(p)
	return nil
}

// Close stops the request blocker and closes the tab. It is idempotent.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.browser.sessions.Add(-1)

	if s.router != nil {
		_ = s.router.Stop()
	}
	return s.page.Close()
}

func (s *Session) pagerText(p *rod.Page) (string, error) {
	el, err := p.ElementX(s.sel.PagerXPath)
	if err != nil {
		return "", err
	}
	return el.Text()
}

// settle waits for the grid DOM to stop changing, best-effort.
func (s *Session) settle(p *rod.Page) {
	if err := p.WaitDOMStable(300*time.Millisecond, 0.1); err != nil {
		slog.Debug("WaitDOMStable did not converge, proceeding with current DOM", "error", err)
	}
}

// lookup reads one value from the grid copy. On a miss the copy is refreshed
// once, since it may have been taken while the grid was still rendering.
func (s *Session) lookup(ctx context.Context, what string, read func(*Grid) (string, bool)) (string, error) {
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			s.grid = nil
		}
		g, err := s.currentGrid(ctx)
		if err != nil {
			return "", err
		}
		if v, ok := read(g); ok {
			return v, nil
		}
	}
	return "", models.NewScrapeError(models.ErrCodeNavigation, what+" not rendered", nil)
}

func (s *Session) currentGrid(ctx context.Context) (*Grid, error) {
	if s.grid != nil {
		return s.grid, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.listing.PageTimeout)
	defer cancel()
	p := s.page.Context(ctx)

	s.settle(p)
	raw, err := p.HTML()
	if err != nil {
		return nil, categorizeError(err, "failed to read grid html")
	}
	g, err := ParseGrid(raw, s.sel.GridID)
	if err != nil {
		return nil, models.NewScrapeError(models.ErrCodeNavigation, "failed to parse grid", err)
	}
	s.grid = g
	return g, nil
}

// categorizeError wraps raw Rod errors into NAVIGATION_FAILED. A cancelled
// parent context stays visible in the chain and makes the error fatal.
func categorizeError(err error, msg string) *models.ScrapeError {
	if errors.Is(err, context.Canceled) {
		return models.NewScrapeError(models.ErrCodeNavigation, "operation canceled: "+msg, err)
	}
	return models.NewScrapeError(models.ErrCodeNavigation, msg, err)
}
