package engine

import (
	"context"
	"fmt"

	"github.com/use-agent/screener/metrics"
	"github.com/use-agent/screener/models"
	"github.com/use-agent/screener/pager"
)

// recover replaces the session after a transient fault and moves the new one
// to the first page not yet fully persisted. Any error here is fatal.
func (o *Orchestrator) recover(ctx context.Context, r *run, cause error) error {
	o.publish(r, StateRecover)
	if r.recovered >= o.maxRecoveries {
		metrics.Recoveries.WithLabelValues(metrics.OutcomeFailed).Inc()
		return models.NewScrapeError(models.ErrCodeRecoveryFailed,
			fmt.Sprintf("recovery limit of %d reached", o.maxRecoveries), cause)
	}
	r.recovered++

	persisted := len(r.persisted)
	r.log.Warn("recovering data source session",
		"attempt", r.recovered,
		"persisted", persisted,
		"code", models.CodeOf(cause),
		"error", cause,
	)

	if err := o.savePartial(r); err != nil {
		return o.recoveryFailed("failed to save partial page", err)
	}
	r.partial = nil

	if r.src != nil {
		if err := r.src.Close(); err != nil {
			r.log.Warn("failed to close faulted data source", "error", err)
		}
		r.src = nil
	}
	src, err := o.open(ctx)
	if err != nil {
		return o.recoveryFailed("failed to reopen data source", err)
	}
	r.src = src
	r.active = ""

	// The fresh session starts on page one, so skipping k pages lands on page k+1.
	skip := persisted / o.pageSize
	b, err := pager.Read(ctx, src)
	if err != nil {
		return o.recoveryFailed("failed to read pager after reopen", err)
	}
	if skip > 0 {
		// A fully persisted listing ends on its last page, never past it.
		if b.Total == 0 {
			skip = 0
		} else {
			skip = min(skip, (b.Total-1)/o.pageSize)
		}
	}
	if skip > 0 {
		for i := 0; i < skip; i++ {
			if err := src.AdvancePage(ctx); err != nil {
				return o.recoveryFailed(fmt.Sprintf("failed to reposition to page %d", skip+1), err)
			}
		}
		b, err = pager.Read(ctx, src)
		if err != nil {
			return o.recoveryFailed("failed to read pager after reposition", err)
		}
	}
	if want := skip*o.pageSize + 1; b.Total > 0 && b.First != want {
		// Persisted keys are always a prefix of the listing. Landing past it
		// would silently drop entities; landing before it only costs reads
		// because persisted keys are filtered from every page.
		if b.First-1 > persisted {
			return o.recoveryFailed(fmt.Sprintf(
				"page size %d overshoots: reached entity %d with only %d persisted",
				o.pageSize, b.First, persisted), nil)
		}
		r.log.Warn("page size mismatch after reposition",
			"page_size", o.pageSize,
			"want_first", want,
			"first", b.First,
		)
	}
	r.bounds = b
	r.remaining = b.Total - persisted

	metrics.Recoveries.WithLabelValues(metrics.OutcomeOK).Inc()
	metrics.RemainingEntities.Set(float64(r.remaining))
	r.log.Warn("data source session recovered",
		"skipped_pages", skip,
		"first", b.First,
		"remaining", r.remaining,
	)
	o.emit(r, EventRecovered, nil)
	return nil
}

func (o *Orchestrator) recoveryFailed(msg string, err error) error {
	metrics.Recoveries.WithLabelValues(metrics.OutcomeFailed).Inc()
	return models.NewScrapeError(models.ErrCodeRecoveryFailed, msg, err)
}
