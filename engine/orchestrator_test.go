package engine

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/use-agent/screener/models"
	"github.com/use-agent/screener/params"
	"github.com/use-agent/screener/recorder"
)

// ── fake listing ────────────────────────────────────────────────────

type fault struct {
	op  string // open, bounds, key, name, select, cell, advance
	n   int    // fires on the n-th call of op, counted across sessions
	err error
}

// world is a paginated listing of entities "K000".."Knnn" shared by every
// session opened on it.
type world struct {
	entities int
	pageSize int
	faults   []fault
	counts   map[string]int
	opens    int
	closes   int
	switches int
}

func newWorld(entities, pageSize int, faults ...fault) *world {
	return &world{
		entities: entities,
		pageSize: pageSize,
		faults:   faults,
		counts:   make(map[string]int),
	}
}

func (w *world) hit(op string) error {
	w.counts[op]++
	for _, f := range w.faults {
		if f.op == op && f.n == w.counts[op] {
			return f.err
		}
	}
	return nil
}

func (w *world) open(ctx context.Context) (Source, error) {
	if err := w.hit("open"); err != nil {
		return nil, err
	}
	w.opens++
	return &fakeSource{w: w}, nil
}

func key(i int) string { return fmt.Sprintf("K%03d", i) }

type fakeSource struct {
	w      *world
	page   int
	active string
}

func (s *fakeSource) bounds() (first, last, total int) {
	if s.w.entities == 0 {
		return 0, 0, 0
	}
	first = s.page*s.w.pageSize + 1
	last = min((s.page+1)*s.w.pageSize, s.w.entities)
	return first, last, s.w.entities
}

func (s *fakeSource) SectionBounds(ctx context.Context) (int, int, int, error) {
	if err := s.w.hit("bounds"); err != nil {
		return 0, 0, 0, err
	}
	first, last, total := s.bounds()
	return first, last, total, nil
}

func (s *fakeSource) entity(index int) string {
	return key(s.page*s.w.pageSize + index)
}

func (s *fakeSource) RowKey(ctx context.Context, index int) (string, error) {
	if err := s.w.hit("key"); err != nil {
		return "", err
	}
	return s.entity(index), nil
}

func (s *fakeSource) RowName(ctx context.Context, index int) (string, error) {
	if err := s.w.hit("name"); err != nil {
		return "", err
	}
	return "name of " + s.entity(index), nil
}

func (s *fakeSource) SelectSection(ctx context.Context, name string) error {
	if err := s.w.hit("select"); err != nil {
		return err
	}
	if name != s.active {
		s.active = name
		s.w.switches++
	}
	return nil
}

func (s *fakeSource) CellValue(ctx context.Context, index, offset int) (string, error) {
	if err := s.w.hit("cell"); err != nil {
		return "", err
	}
	if s.active == "" {
		return "", errors.New("no section selected")
	}
	return fmt.Sprintf("%s/%s/%d", s.entity(index), s.active, offset), nil
}

func (s *fakeSource) AdvancePage(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return models.NewScrapeError(models.ErrCodeNavigation, "advance aborted", err)
	}
	if err := s.w.hit("advance"); err != nil {
		return err
	}
	if _, last, total := s.bounds(); last >= total {
		return errors.New("already on the last page")
	}
	s.page++
	return nil
}

func (s *fakeSource) Close() error {
	s.w.closes++
	return nil
}

// ── recorder spy ────────────────────────────────────────────────────

type spyRecorder struct {
	next  Recorder
	calls [][]string
	failN int // fail the n-th call when > 0
}

func (r *spyRecorder) Save(snap *models.Snapshot) error {
	r.calls = append(r.calls, snap.Keys())
	if r.failN == len(r.calls) {
		return models.NewScrapeError(models.ErrCodeIOWrite, "disk full", nil)
	}
	if r.next != nil {
		return r.next.Save(snap)
	}
	return nil
}

func (r *spyRecorder) keyCounts() map[string]int {
	out := make(map[string]int)
	for _, call := range r.calls {
		for _, k := range call {
			out[k]++
		}
	}
	return out
}

// ── helpers ─────────────────────────────────────────────────────────

func testParams() params.Map {
	return params.Map{
		"a1": {Section: "A", Offset: 1},
		"b1": {Section: "B", Offset: 1},
		"b2": {Section: "B", Offset: 2},
	}
}

func transient(msg string) error {
	return models.NewScrapeError(models.ErrCodeNavigation, msg, context.DeadlineExceeded)
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	require.NoError(t, err)
	return rows
}

func assertEachOnce(t *testing.T, spy *spyRecorder, n int) {
	t.Helper()
	counts := spy.keyCounts()
	require.Len(t, counts, n)
	for k, c := range counts {
		assert.Equal(t, 1, c, "key %s saved %d times", k, c)
	}
}

// ── tests ───────────────────────────────────────────────────────────

func TestRun_AllPages(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Output.csv")
	w := newWorld(45, 20)
	main := &spyRecorder{next: recorder.New(path)}

	var pageEvents int
	o := New(w.open, main, testParams(),
		WithRunID("run-1"),
		WithObserver(func(ev Event) {
			if ev.Type == EventPage {
				pageEvents++
			}
		}),
	)

	res, err := o.Run(context.Background(), []string{"b1", "a1", "b2"})
	require.NoError(t, err)

	assert.Equal(t, "run-1", res.RunID)
	assert.Equal(t, []string{"a1", "b1", "b2"}, res.Fields)
	assert.Equal(t, 3, res.Pages)
	assert.Equal(t, 45, res.Persisted)
	assert.Equal(t, 45, res.Total)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, 0, res.Recoveries)
	// Two contiguous section runs per page.
	assert.Equal(t, 6, res.SectionSwitches)
	assert.Equal(t, 6, w.switches)
	assert.Equal(t, 3, pageEvents)

	assert.Len(t, main.calls, 3)
	assertEachOnce(t, main, 45)
	assert.Equal(t, 1, w.opens)
	assert.Equal(t, 1, w.closes)

	rows := readCSV(t, path)
	require.Len(t, rows, 46)
	assert.Equal(t, []string{"Ticker", "name", "a1", "b1", "b2"}, rows[0])
	assert.Equal(t, []string{"K000", "name of K000", "K000/A/1", "K000/B/1", "K000/B/2"}, rows[1])
	assert.Equal(t, "K044", rows[45][0])

	p := o.Progress()
	assert.Equal(t, StateDone, p.State)
	assert.Equal(t, 45, p.Persisted)
	assert.InDelta(t, 100.0, p.Percent(), 0.001)
}

func TestRun_EmptyListing(t *testing.T) {
	w := newWorld(0, 20)
	main := &spyRecorder{}

	res, err := New(w.open, main, testParams()).Run(context.Background(), []string{"a1"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Persisted)
	assert.Empty(t, main.calls)
}

func TestRun_RecoversAfterAdvanceFault(t *testing.T) {
	// The second advance (page 2 to 3) times out after 40 entities are durable.
	w := newWorld(45, 20, fault{op: "advance", n: 2, err: transient("next page not ready")})
	main := &spyRecorder{}
	rec := &spyRecorder{}

	var recovered []Progress
	o := New(w.open, main, testParams(),
		WithRecoveryRecorder(rec),
		WithObserver(func(ev Event) {
			if ev.Type == EventRecovered {
				recovered = append(recovered, ev.Progress)
			}
		}),
	)

	res, err := o.Run(context.Background(), []string{"a1", "b2"})
	require.NoError(t, err)

	require.Len(t, recovered, 1)
	assert.Equal(t, 40, recovered[0].Persisted)
	assert.Equal(t, 5, recovered[0].Remaining)
	assert.Equal(t, 41, recovered[0].First)

	assert.Equal(t, 1, res.Recoveries)
	assert.Equal(t, 45, res.Persisted)
	assert.Equal(t, 2, w.opens)
	assert.Equal(t, 2, w.closes)

	assert.Len(t, main.calls, 3)
	assertEachOnce(t, main, 45)
	assert.Empty(t, rec.calls, "no page was in progress")
}

func TestRun_RecoversAfterLastPageSaved(t *testing.T) {
	// Bounds call 4 is the ADVANCE read of the last page, after all 40
	// entities are durable. Repositioning must stop on the last page.
	w := newWorld(40, 20, fault{op: "bounds", n: 4, err: transient("pager not ready")})
	main := &spyRecorder{}

	var recovered []Progress
	o := New(w.open, main, testParams(), WithObserver(func(ev Event) {
		if ev.Type == EventRecovered {
			recovered = append(recovered, ev.Progress)
		}
	}))

	res, err := o.Run(context.Background(), []string{"a1"})
	require.NoError(t, err)

	require.Len(t, recovered, 1)
	assert.Equal(t, 21, recovered[0].First)
	assert.Equal(t, 0, recovered[0].Remaining)

	assert.Equal(t, 1, res.Recoveries)
	assert.Equal(t, 40, res.Persisted)
	assert.Equal(t, 2, res.Pages)
	assert.Len(t, main.calls, 2)
	assertEachOnce(t, main, 40)
	assert.Equal(t, StateDone, o.Progress().State)
}

func TestRun_PartialPageGoesToRecoveryTable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Output.csv")
	recPath := recorder.RecoveryPath(path)

	// Page 2 reads a1 for rows 0..19 as cell calls 61..80; call 70 is row 9.
	w := newWorld(45, 20, fault{op: "cell", n: 70, err: transient("cell not rendered")})
	main := &spyRecorder{next: recorder.New(path)}
	rec := &spyRecorder{next: recorder.New(recPath)}

	o := New(w.open, main, testParams(), WithRecoveryRecorder(rec))
	res, err := o.Run(context.Background(), []string{"b1", "a1", "b2"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Recoveries)

	assertEachOnce(t, main, 45)
	assert.Len(t, main.calls, 3)

	require.Len(t, rec.calls, 1)
	assert.Len(t, rec.calls[0], 20)

	partial := readCSV(t, recPath)
	require.Len(t, partial, 21)
	assert.Equal(t, []string{"Ticker", "name", "a1"}, partial[0])
	assert.Equal(t, []string{"K020", "name of K020", "K020/A/1"}, partial[1])
	assert.Equal(t, []string{"K029", "name of K029", ""}, partial[10])

	full := readCSV(t, path)
	assert.Len(t, full, 46)
	assert.Equal(t, []string{"K029", "name of K029", "K029/A/1", "K029/B/1", "K029/B/2"}, full[30])
}

func TestRun_UndersizedSkipFiltersPersistedKeys(t *testing.T) {
	// The listing pages by 20 but the configured size is 25: repositioning
	// skips nothing and lands on page one again.
	w := newWorld(45, 20, fault{op: "advance", n: 1, err: transient("next page not ready")})
	main := &spyRecorder{}

	res, err := New(w.open, main, testParams(), WithPageSize(25)).
		Run(context.Background(), []string{"a1"})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Recoveries)
	assert.Equal(t, 3, res.Pages)
	assert.Len(t, main.calls, 3)
	assertEachOnce(t, main, 45)
}

func TestRun_OvershootingSkipIsFatal(t *testing.T) {
	// With a configured size of 10, 20 persisted entities skip two listing
	// pages and land on entity 41.
	w := newWorld(45, 20, fault{op: "advance", n: 1, err: transient("next page not ready")})
	main := &spyRecorder{}

	_, err := New(w.open, main, testParams(), WithPageSize(10)).
		Run(context.Background(), []string{"a1"})
	require.Error(t, err)
	assert.True(t, models.HasCode(err, models.ErrCodeRecoveryFailed))
	assert.Contains(t, err.Error(), "overshoots")
	assertEachOnce(t, main, 20)
}

func TestRun_RecoveryFailureIsFatal(t *testing.T) {
	w := newWorld(45, 20,
		fault{op: "advance", n: 1, err: transient("next page not ready")},
		fault{op: "open", n: 2, err: models.NewScrapeError(models.ErrCodeBrowserCrash, "browser gone", nil)},
	)
	main := &spyRecorder{}

	var failed []Event
	o := New(w.open, main, testParams(), WithObserver(func(ev Event) {
		if ev.Type == EventFailed {
			failed = append(failed, ev)
		}
	}))
	_, err := o.Run(context.Background(), []string{"a1"})
	require.Error(t, err)

	assert.True(t, models.HasCode(err, models.ErrCodeRecoveryFailed))
	assert.False(t, models.IsTransient(err))
	assert.Contains(t, err.Error(), "browser gone")

	assert.Len(t, main.calls, 1)
	assert.Equal(t, StateFailed, o.Progress().State)
	require.Len(t, failed, 1)
	assert.Equal(t, 20, failed[0].Progress.Persisted)
	assert.NotEmpty(t, failed[0].Error)
}

func TestRun_RecoveryLimit(t *testing.T) {
	cause := models.NewScrapeError(models.ErrCodePaginationRead, "pager empty", nil)

	t.Run("disabled", func(t *testing.T) {
		w := newWorld(45, 20, fault{op: "bounds", n: 1, err: cause})
		_, err := New(w.open, &spyRecorder{}, testParams(), WithMaxRecoveries(0)).
			Run(context.Background(), []string{"a1"})
		require.Error(t, err)
		assert.True(t, models.HasCode(err, models.ErrCodeRecoveryFailed))
		assert.True(t, errors.Is(err, cause))
		assert.Equal(t, 1, w.opens)
	})

	t.Run("exhausted", func(t *testing.T) {
		// Bounds call 2 is the post-recovery pager read; call 3 faults again.
		w := newWorld(45, 20,
			fault{op: "bounds", n: 1, err: cause},
			fault{op: "bounds", n: 3, err: cause},
		)
		_, err := New(w.open, &spyRecorder{}, testParams(), WithMaxRecoveries(1)).
			Run(context.Background(), []string{"a1"})
		require.Error(t, err)
		assert.True(t, models.HasCode(err, models.ErrCodeRecoveryFailed))
		assert.Contains(t, err.Error(), "recovery limit of 1 reached")
		assert.Equal(t, 2, w.opens)
	})
}

func TestRun_RecorderErrorIsFatal(t *testing.T) {
	w := newWorld(45, 20)
	main := &spyRecorder{failN: 2}
	rec := &spyRecorder{}

	_, err := New(w.open, main, testParams(), WithRecoveryRecorder(rec)).
		Run(context.Background(), []string{"a1"})
	require.Error(t, err)
	assert.True(t, models.HasCode(err, models.ErrCodeIOWrite))
	assert.Equal(t, 1, w.opens, "recorder faults never restart the session")

	// The page that could not be persisted is kept aside.
	require.Len(t, rec.calls, 1)
	assert.Len(t, rec.calls[0], 20)
	assert.Equal(t, "K020", rec.calls[0][0])
}

func TestRun_FatalSourceError(t *testing.T) {
	w := newWorld(45, 20, fault{op: "select", n: 1, err: errors.New("protocol error")})
	_, err := New(w.open, &spyRecorder{}, testParams()).Run(context.Background(), []string{"a1"})
	require.Error(t, err)
	assert.Equal(t, "UNKNOWN", models.CodeOf(err))
	assert.Equal(t, 1, w.opens)
}

func TestRun_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := newWorld(45, 20)
	main := &spyRecorder{}
	o := New(w.open, main, testParams(), WithObserver(func(ev Event) {
		if ev.Type == EventPage {
			cancel()
		}
	}))

	_, err := o.Run(ctx, []string{"a1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, w.opens)
	assert.Len(t, main.calls, 1)
}

func TestRun_UnknownField(t *testing.T) {
	w := newWorld(45, 20)
	main := &spyRecorder{}

	_, err := New(w.open, main, testParams()).Run(context.Background(), []string{"a1", "zz"})
	require.Error(t, err)
	assert.True(t, models.HasCode(err, models.ErrCodeInvalidInput))
	assert.Empty(t, main.calls)
	assert.Equal(t, w.opens, w.closes)
}

func TestRun_InvalidPageSize(t *testing.T) {
	w := newWorld(45, 20)
	_, err := New(w.open, &spyRecorder{}, testParams(), WithPageSize(0)).
		Run(context.Background(), []string{"a1"})
	require.Error(t, err)
	assert.True(t, models.HasCode(err, models.ErrCodeInvalidInput))
	assert.Equal(t, 0, w.opens)
}

func TestRun_BlankKeyIsTransient(t *testing.T) {
	w := newWorld(25, 20)
	src := &blankOnceSource{}
	open := func(ctx context.Context) (Source, error) {
		s, err := w.open(ctx)
		if err != nil {
			return nil, err
		}
		src.fakeSource = s.(*fakeSource)
		return src, nil
	}
	main := &spyRecorder{}

	res, err := New(open, main, testParams()).Run(context.Background(), []string{"a1"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Recoveries)
	assertEachOnce(t, main, 25)
}

// blankOnceSource reports an empty key for the very first row read.
type blankOnceSource struct {
	*fakeSource
	fired bool
}

func (s *blankOnceSource) RowKey(ctx context.Context, index int) (string, error) {
	if !s.fired {
		s.fired = true
		return "", nil
	}
	return s.fakeSource.RowKey(ctx, index)
}

func TestProgress_Percent(t *testing.T) {
	assert.Equal(t, 0.0, Progress{}.Percent())
	assert.InDelta(t, 50.0, Progress{Persisted: 10, Total: 20}.Percent(), 0.001)
}

func TestRun_KeysSavedInListingOrder(t *testing.T) {
	w := newWorld(5, 2)
	main := &spyRecorder{}
	_, err := New(w.open, main, testParams(), WithPageSize(2)).
		Run(context.Background(), []string{"a1"})
	require.NoError(t, err)

	var all []string
	for _, c := range main.calls {
		all = append(all, c...)
	}
	assert.True(t, sort.StringsAreSorted(all))
	assert.Equal(t, [][]string{{"K000", "K001"}, {"K002", "K003"}, {"K004"}}, main.calls)
}
