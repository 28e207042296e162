// Package planner orders requested fields so that fields sharing a section
// tab are read together. Switching tabs is the costliest data-source
// operation per field, so a plan touches each section exactly once.
package planner

import (
	"fmt"
	"sort"

	"github.com/use-agent/screener/models"
	"github.com/use-agent/screener/params"
)

// Plan returns fields reordered by section name ascending. Fields of the same
// section keep their requested relative order. Every field must resolve in m.
func Plan(fields []string, m params.Map) ([]string, error) {
	for _, f := range fields {
		if _, ok := m.Lookup(f); !ok {
			return nil, models.NewScrapeError(models.ErrCodeInvalidInput,
				fmt.Sprintf("unknown field %q", f), nil)
		}
	}

	out := make([]string, len(fields))
	copy(out, fields)
	sort.SliceStable(out, func(i, j int) bool {
		return m[out[i]].Section < m[out[j]].Section
	})
	return out, nil
}

// Runs returns the section of each contiguous group in a planned order. For
// a plan produced by Plan its length equals the number of distinct sections.
func Runs(planned []string, m params.Map) []string {
	var runs []string
	for _, f := range planned {
		s := m[f].Section
		if len(runs) == 0 || runs[len(runs)-1] != s {
			runs = append(runs, s)
		}
	}
	return runs
}
