// Package engine drives the resumable page loop: it reads every page of the
// listing section by section, hands one snapshot per page to the recorder and
// restarts the data-source session when a transient fault interrupts it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/use-agent/screener/metrics"
	"github.com/use-agent/screener/models"
	"github.com/use-agent/screener/pager"
	"github.com/use-agent/screener/params"
	"github.com/use-agent/screener/planner"
)

const (
	DefaultPageSize      = 20
	DefaultMaxRecoveries = 3
)

// Orchestrator runs scrapes one at a time. Progress may be read concurrently
// from other goroutines while Run is in flight.
type Orchestrator struct {
	open          Opener
	main          Recorder
	recovery      Recorder
	params        params.Map
	pageSize      int
	maxRecoveries int
	log           *slog.Logger
	observe       Observer
	newID         func() string

	mu       sync.Mutex
	progress Progress
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRecoveryRecorder sets where partial pages go when a page is interrupted.
// Without one, partial pages are dropped.
func WithRecoveryRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recovery = r }
}

// WithPageSize sets the page size used to reposition after a recovery.
func WithPageSize(n int) Option {
	return func(o *Orchestrator) { o.pageSize = n }
}

// WithMaxRecoveries bounds the number of session restarts per run.
func WithMaxRecoveries(n int) Option {
	return func(o *Orchestrator) {
		if n >= 0 {
			o.maxRecoveries = n
		}
	}
}

// WithLogger sets the run logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

// WithObserver registers a lifecycle event callback.
func WithObserver(fn Observer) Option {
	return func(o *Orchestrator) { o.observe = fn }
}

// WithRunID fixes the id of the next runs instead of generating one.
func WithRunID(id string) Option {
	return func(o *Orchestrator) {
		if id != "" {
			o.newID = func() string { return id }
		}
	}
}

// New creates an Orchestrator reading from sessions produced by open and
// persisting pages through main.
func New(open Opener, main Recorder, m params.Map, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		open:          open,
		main:          main,
		params:        m,
		pageSize:      DefaultPageSize,
		maxRecoveries: DefaultMaxRecoveries,
		log:           slog.Default(),
		newID:         uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.progress.State = StateInit
	return o
}

// Progress returns the state of the current or last run.
func (o *Orchestrator) Progress() Progress {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.progress
}

// pageRow pairs a row index on the current page with its entity key.
type pageRow struct {
	index int
	key   string
}

// run is the mutable state of one Run call.
type run struct {
	id        string
	log       *slog.Logger
	state     State
	src       Source
	fields    []string
	active    string // "" until a section has been selected on src
	bounds    pager.Bounds
	persisted map[string]struct{}
	partial   *models.Snapshot
	pages     int
	switches  int
	recovered int
	remaining int
	started   time.Time
}

func (r *run) progress() Progress {
	return Progress{
		RunID:           r.id,
		State:           r.state,
		Section:         r.active,
		Pages:           r.pages,
		First:           r.bounds.First,
		Last:            r.bounds.Last,
		Total:           r.bounds.Total,
		Persisted:       len(r.persisted),
		Remaining:       r.remaining,
		SectionSwitches: r.switches,
		Recoveries:      r.recovered,
		StartedAt:       r.started,
		UpdatedAt:       time.Now(),
	}
}

// fatal marks an error that ends the run whatever its kind.
type fatal struct{ error }

func (f fatal) Unwrap() error { return f.error }

// Run scrapes every page of the listing for the requested fields. It returns
// once the pager reports the last page has been persisted, or with the first
// fatal error. A failed run leaves the main table as of its last successful
// save.
func (o *Orchestrator) Run(ctx context.Context, requested []string) (*Result, error) {
	r := &run{
		id:        o.newID(),
		persisted: make(map[string]struct{}),
		started:   time.Now(),
	}
	r.log = o.log.With("run_id", r.id)
	o.publish(r, StateInit)

	if o.pageSize < 1 {
		return nil, o.fail(r, models.NewScrapeError(models.ErrCodeInvalidInput,
			fmt.Sprintf("page size must be positive, got %d", o.pageSize), nil))
	}

	src, err := o.open(ctx)
	if err != nil {
		return nil, o.fail(r, fmt.Errorf("open data source: %w", err))
	}
	r.src = src
	defer func() {
		if r.src != nil {
			if err := r.src.Close(); err != nil {
				r.log.Warn("failed to close data source", "error", err)
			}
		}
	}()

	o.publish(r, StatePlan)
	fields, err := planner.Plan(requested, o.params)
	if err != nil {
		return nil, o.fail(r, err)
	}
	r.fields = fields
	r.active = ""
	r.log.Info("run started",
		"fields", len(fields),
		"sections", len(planner.Runs(fields, o.params)),
		"page_size", o.pageSize,
	)

	for {
		done, err := o.page(ctx, r)
		if err == nil {
			if done {
				break
			}
			continue
		}

		var f fatal
		if errors.As(err, &f) || !models.IsTransient(err) || ctx.Err() != nil {
			return nil, o.fail(r, err)
		}
		metrics.SourceErrors.WithLabelValues(models.CodeOf(err)).Inc()
		if err := o.recover(ctx, r, err); err != nil {
			return nil, o.fail(r, err)
		}
	}

	o.publish(r, StateDone)
	metrics.Runs.WithLabelValues(metrics.OutcomeCompleted).Inc()
	res := &Result{
		RunID:           r.id,
		Fields:          r.fields,
		Pages:           r.pages,
		Persisted:       len(r.persisted),
		Total:           r.bounds.Total,
		Remaining:       r.remaining,
		SectionSwitches: r.switches,
		Recoveries:      r.recovered,
		Duration:        time.Since(r.started),
	}
	r.log.Info("run done",
		"pages", res.Pages,
		"persisted", res.Persisted,
		"total", res.Total,
		"section_switches", res.SectionSwitches,
		"recoveries", res.Recoveries,
		"duration", res.Duration.Round(time.Millisecond).String(),
	)
	o.emit(r, EventCompleted, nil)
	return res, nil
}

// page runs FETCH_KEYS, FILL_FIELDS, PERSIST and ADVANCE for the current page.
// done is true once the pager shows the last page.
func (o *Orchestrator) page(ctx context.Context, r *run) (done bool, err error) {
	o.publish(r, StateFetchKeys)
	b, err := pager.Read(ctx, r.src)
	if err != nil {
		return false, err
	}
	r.bounds = b
	r.remaining = b.Total - len(r.persisted)

	rows, err := o.fetchKeys(ctx, r, b.Count())
	if err != nil {
		return false, err
	}

	if len(rows) > 0 {
		o.publish(r, StateFillFields)
		if err := o.fillFields(ctx, r, rows); err != nil {
			return false, err
		}

		o.publish(r, StatePersist)
		if err := o.persist(r); err != nil {
			return false, fatal{err}
		}
	} else {
		r.partial = nil
		r.log.Debug("page already persisted, skipping", "first", b.First, "last", b.Last)
	}

	o.publish(r, StateAdvance)
	b, err = pager.Read(ctx, r.src)
	if err != nil {
		return false, err
	}
	r.bounds = b
	if !b.HasMore() {
		return true, nil
	}
	if err := r.src.AdvancePage(ctx); err != nil {
		return false, err
	}
	return false, nil
}

// fetchKeys starts the page snapshot with the key and name of every row not
// yet persisted in this run.
func (o *Orchestrator) fetchKeys(ctx context.Context, r *run, count int) ([]pageRow, error) {
	r.partial = models.NewSnapshot()
	rows := make([]pageRow, 0, count)
	for i := 0; i < count; i++ {
		key, err := r.src.RowKey(ctx, i)
		if err != nil {
			return nil, err
		}
		if key == "" {
			return nil, models.NewScrapeError(models.ErrCodeNavigation,
				fmt.Sprintf("row %d has no key", i), nil)
		}
		if _, ok := r.persisted[key]; ok {
			continue
		}
		name, err := r.src.RowName(ctx, i)
		if err != nil {
			return nil, err
		}
		r.partial.Set(key, models.NameField, name)
		rows = append(rows, pageRow{index: i, key: key})
	}
	return rows, nil
}

// fillFields reads every planned field for rows, switching sections only when
// the next field lives in a different one.
func (o *Orchestrator) fillFields(ctx context.Context, r *run, rows []pageRow) error {
	for _, field := range r.fields {
		spec := o.params[field]
		if spec.Section != r.active {
			if err := r.src.SelectSection(ctx, spec.Section); err != nil {
				return err
			}
			r.active = spec.Section
			r.switches++
			metrics.SectionSwitches.Inc()
			r.log.Debug("section selected", "section", spec.Section)
		}
		for _, row := range rows {
			v, err := r.src.CellValue(ctx, row.index, spec.Offset)
			if err != nil {
				return err
			}
			r.partial.Set(row.key, field, v)
		}
	}
	return nil
}

// persist hands the page snapshot to the main recorder. Once it returns nil
// the page is durable.
func (o *Orchestrator) persist(r *run) error {
	start := time.Now()
	err := o.main.Save(r.partial)
	metrics.SaveDuration.WithLabelValues(metrics.TableMain).Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("persist page %d-%d: %w", r.bounds.First, r.bounds.Last, err)
	}

	n := r.partial.Len()
	for _, key := range r.partial.Keys() {
		r.persisted[key] = struct{}{}
	}
	r.partial = nil
	r.pages++
	r.remaining = r.bounds.Total - len(r.persisted)

	metrics.PagesPersisted.Inc()
	metrics.EntitiesPersisted.Add(float64(n))
	metrics.RemainingEntities.Set(float64(r.remaining))

	p := r.progress()
	r.log.Info("page persisted",
		"first", r.bounds.First,
		"last", r.bounds.Last,
		"total", r.bounds.Total,
		"persisted", p.Persisted,
		"percent", fmt.Sprintf("%.1f", p.Percent()),
	)
	o.emit(r, EventPage, nil)
	return nil
}

// savePartial writes the unfinished page to the recovery recorder.
func (o *Orchestrator) savePartial(r *run) error {
	if r.partial == nil || r.partial.Len() == 0 {
		return nil
	}
	if o.recovery == nil {
		r.log.Warn("no recovery table configured, dropping partial page", "entities", r.partial.Len())
		return nil
	}
	start := time.Now()
	err := o.recovery.Save(r.partial)
	metrics.SaveDuration.WithLabelValues(metrics.TableRecovery).Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("save partial page: %w", err)
	}
	r.log.Info("partial page saved to recovery table", "entities", r.partial.Len())
	r.partial = nil
	return nil
}

func (o *Orchestrator) fail(r *run, err error) error {
	if perr := o.savePartial(r); perr != nil {
		r.log.Error("failed to save partial page", "error", perr)
	}
	prev := r.state
	o.publish(r, StateFailed)
	metrics.Runs.WithLabelValues(metrics.OutcomeFailed).Inc()
	r.log.Error("run failed",
		"state", prev,
		"code", models.CodeOf(err),
		"persisted", len(r.persisted),
		"error", err,
	)
	o.emit(r, EventFailed, err)
	return err
}

func (o *Orchestrator) publish(r *run, s State) {
	r.state = s
	p := r.progress()
	o.mu.Lock()
	o.progress = p
	o.mu.Unlock()
}

func (o *Orchestrator) emit(r *run, typ string, err error) {
	if o.observe == nil {
		return
	}
	ev := Event{Type: typ, Progress: r.progress()}
	if err != nil {
		ev.Error = err.Error()
	}
	o.observe(ev)
}
