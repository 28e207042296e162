package engine

import (
	"time"
)

// Progress is a point-in-time view of a run, safe to hand to other goroutines.
type Progress struct {
	RunID           string    `json:"run_id"`
	State           State     `json:"state"`
	Section         string    `json:"section,omitempty"`
	Pages           int       `json:"pages"`
	First           int       `json:"first"`
	Last            int       `json:"last"`
	Total           int       `json:"total"`
	Persisted       int       `json:"persisted"`
	Remaining       int       `json:"remaining"`
	SectionSwitches int       `json:"section_switches"`
	Recoveries      int       `json:"recoveries"`
	StartedAt       time.Time `json:"started_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Percent returns the share of the listing persisted so far, 0 to 100.
func (p Progress) Percent() float64 {
	if p.Total <= 0 {
		return 0
	}
	return float64(p.Persisted) * 100 / float64(p.Total)
}

// Result summarises a finished run.
type Result struct {
	RunID           string        `json:"run_id"`
	Fields          []string      `json:"fields"`
	Pages           int           `json:"pages"`
	Persisted       int           `json:"persisted"`
	Total           int           `json:"total"`
	Remaining       int           `json:"remaining"`
	SectionSwitches int           `json:"section_switches"`
	Recoveries      int           `json:"recoveries"`
	Duration        time.Duration `json:"duration"`
}

// Event types emitted to an Observer.
const (
	EventPage      = "scrape.page"
	EventRecovered = "scrape.recovered"
	EventCompleted = "scrape.completed"
	EventFailed    = "scrape.failed"
)

// Event is a run lifecycle notification.
type Event struct {
	Type     string   `json:"type"`
	Progress Progress `json:"progress"`
	Error    string   `json:"error,omitempty"`
}

// Observer receives lifecycle events synchronously from the run goroutine.
// Implementations must not block for long.
type Observer func(Event)
