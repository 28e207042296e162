package engine

import (
	"context"

	"github.com/use-agent/screener/models"
)

// Source is one exclusively owned session on the paginated listing. Only one
// operation may be in flight at a time, and every blocking operation honours
// ctx and its own readiness deadline. Readiness timeouts are reported as
// NAVIGATION_FAILED and malformed pagers as PAGINATION_READ, so the
// orchestrator can tell them apart from fatal faults.
type Source interface {
	// SectionBounds reads the pager of the current page.
	SectionBounds(ctx context.Context) (first, last, total int, err error)

	// RowKey returns the entity key shown on row index of the current page.
	RowKey(ctx context.Context, index int) (string, error)

	// RowName returns the display name shown on row index of the current page.
	RowName(ctx context.Context, index int) (string, error)

	// SelectSection activates a section tab. It is a no-op when the section
	// is already active.
	SelectSection(ctx context.Context, name string) error

	// CellValue returns the value at the 1-based column offset of the active
	// section on row index.
	CellValue(ctx context.Context, index, offset int) (string, error)

	// AdvancePage moves to the next page and blocks until it has loaded.
	AdvancePage(ctx context.Context) error

	// Close releases the session.
	Close() error
}

// Opener establishes a fresh Source positioned on the first page of the
// listing. It is called once at start and once per recovery.
type Opener func(ctx context.Context) (Source, error)

// Recorder persists one snapshot. It is satisfied by *recorder.CSV.
type Recorder interface {
	Save(snap *models.Snapshot) error
}

// State is a step of the page loop.
type State string

const (
	StateInit       State = "INIT"
	StatePlan       State = "PLAN"
	StateFetchKeys  State = "FETCH_KEYS"
	StateFillFields State = "FILL_FIELDS"
	StatePersist    State = "PERSIST"
	StateAdvance    State = "ADVANCE"
	StateRecover    State = "RECOVER"
	StateDone       State = "DONE"
	StateFailed     State = "FAILED"
)
