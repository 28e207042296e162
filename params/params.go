// Package params holds the static mapping from selectable field names to the
// section tab and column offset where the listing shows them, plus the
// readers for the requested-field list.
package params

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/use-agent/screener/models"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultYAML []byte

// Spec locates a field in the listing.
type Spec struct {
	Section string
	Offset  int // 1-based, counted after the fixed name and key cells
}

// Map is the read-only field name -> Spec mapping.
type Map map[string]Spec

var loadDefault = sync.OnceValues(func() (Map, error) {
	return Parse(defaultYAML)
})

// Default returns a copy of the built-in stock screener map.
func Default() Map {
	m, err := loadDefault()
	if err != nil {
		// The embedded file is covered by tests; a parse failure is a build defect.
		panic(fmt.Sprintf("params: built-in map: %v", err))
	}
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Parse decodes a YAML document of the form
//
//	section:
//	  Field Name: offset
//
// Field names must be unique across sections and offsets must be positive.
func Parse(data []byte) (Map, error) {
	var raw map[string]map[string]int
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, models.NewScrapeError(models.ErrCodeInvalidInput, "failed to parse parameter map", err)
	}

	m := make(Map)
	for section, fields := range raw {
		if strings.TrimSpace(section) == "" {
			return nil, models.NewScrapeError(models.ErrCodeInvalidInput, "parameter map has an empty section name", nil)
		}
		for field, offset := range fields {
			if offset < 1 {
				return nil, models.NewScrapeError(models.ErrCodeInvalidInput,
					fmt.Sprintf("field %q in section %q has non-positive offset %d", field, section, offset), nil)
			}
			if prev, dup := m[field]; dup {
				return nil, models.NewScrapeError(models.ErrCodeInvalidInput,
					fmt.Sprintf("field %q appears in sections %q and %q", field, prev.Section, section), nil)
			}
			m[field] = Spec{Section: section, Offset: offset}
		}
	}
	if len(m) == 0 {
		return nil, models.NewScrapeError(models.ErrCodeInvalidInput, "parameter map is empty", nil)
	}
	return m, nil
}

// LoadFile reads a YAML parameter map from path.
func LoadFile(path string) (Map, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read parameter map: %w", err)
	}
	return Parse(data)
}

// Lookup returns the Spec for field.
func (m Map) Lookup(field string) (Spec, bool) {
	s, ok := m[field]
	return s, ok
}

// Sections returns the distinct section names in ascending order.
func (m Map) Sections() []string {
	seen := make(map[string]struct{})
	for _, s := range m {
		seen[s.Section] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// FieldsIn returns the fields of section ordered by column offset.
func (m Map) FieldsIn(section string) []string {
	var out []string
	for f, s := range m {
		if s.Section == section {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return m[out[i]].Offset < m[out[j]].Offset
	})
	return out
}

// ReadRequested reads a JSON array of field names from path, dropping blank
// entries and repeats while keeping the first occurrence's position.
func ReadRequested(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read requested fields: %w", err)
	}

	var fields []string
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, models.NewScrapeError(models.ErrCodeInvalidInput, "requested fields must be a JSON array of strings", err)
	}

	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out, nil
}
