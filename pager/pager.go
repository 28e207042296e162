// Package pager reads and validates the listing's pagination indicator.
package pager

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/use-agent/screener/models"
)

// Bounds is the (first, last, total) index triple shown for the current page.
// Indexes are 1-based and inclusive.
type Bounds struct {
	First int `json:"first"`
	Last  int `json:"last"`
	Total int `json:"total"`
}

// Count returns the number of entities on the page.
func (b Bounds) Count() int {
	if b.Total == 0 {
		return 0
	}
	return b.Last - b.First + 1
}

// HasMore reports whether pages remain after this one.
func (b Bounds) HasMore() bool {
	return b.Last != b.Total
}

// Validate checks 0 <= first <= last <= total.
func (b Bounds) Validate() error {
	if b.First < 0 || b.First > b.Last || b.Last > b.Total {
		return models.NewScrapeError(models.ErrCodePaginationRead,
			fmt.Sprintf("inconsistent pagination bounds first=%d last=%d total=%d", b.First, b.Last, b.Total), nil)
	}
	return nil
}

// Reader is the slice of the data source the tracker needs.
type Reader interface {
	SectionBounds(ctx context.Context) (first, last, total int, err error)
}

// Read fetches the current bounds from r and validates them.
func Read(ctx context.Context, r Reader) (Bounds, error) {
	first, last, total, err := r.SectionBounds(ctx)
	if err != nil {
		return Bounds{}, err
	}
	b := Bounds{First: first, Last: last, Total: total}
	if err := b.Validate(); err != nil {
		return Bounds{}, err
	}
	return b, nil
}

// indicatorRe matches "1-20 of 5,000" with optional whitespace and
// thousands separators.
var indicatorRe = regexp.MustCompile(`^\s*([\d,]+)\s*-\s*([\d,]+)\s+of\s+([\d,]+)`)

// ParseIndicator turns the pager text into validated Bounds.
func ParseIndicator(text string) (Bounds, error) {
	m := indicatorRe.FindStringSubmatch(text)
	if m == nil {
		return Bounds{}, models.NewScrapeError(models.ErrCodePaginationRead,
			fmt.Sprintf("unrecognised pagination indicator %q", text), nil)
	}

	nums := make([]int, 3)
	for i, raw := range m[1:] {
		n, err := strconv.Atoi(strings.ReplaceAll(raw, ",", ""))
		if err != nil {
			return Bounds{}, models.NewScrapeError(models.ErrCodePaginationRead,
				fmt.Sprintf("pagination indicator %q", text), err)
		}
		nums[i] = n
	}

	b := Bounds{First: nums[0], Last: nums[1], Total: nums[2]}
	if err := b.Validate(); err != nil {
		return Bounds{}, err
	}
	return b, nil
}
