package scraper

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
)

// Grid is a parsed, read-only copy of the rendered listing grid. Row i is the
// element with id "row<i><gridID>"; its first cell holds the name link, its
// second the entity key and cell k+2 the field at column offset k.
type Grid struct {
	doc    *goquery.Document
	gridID string
	sels   map[string]cascadia.Selector
}

// ParseGrid parses rawHTML of the listing page.
func ParseGrid(rawHTML, gridID string) (*Grid, error) {
	root, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return nil, fmt.Errorf("parse grid html: %w", err)
	}
	return &Grid{
		doc:    goquery.NewDocumentFromNode(root),
		gridID: gridID,
		sels:   make(map[string]cascadia.Selector),
	}, nil
}

// Key returns the entity key of row.
func (g *Grid) Key(row int) (string, bool) {
	return g.text(g.row(row) + " > div:nth-of-type(2) > div")
}

// Name returns the display name of row.
func (g *Grid) Name(row int) (string, bool) {
	return g.text(g.row(row) + " > div:nth-of-type(1) > div > div > a")
}

// Value returns the cell at the 1-based column offset of row. A rendered but
// empty cell is reported as ("", true).
func (g *Grid) Value(row, offset int) (string, bool) {
	return g.text(fmt.Sprintf("%s > div:nth-of-type(%d) > div", g.row(row), offset+2))
}

// Rows returns the number of rendered rows.
func (g *Grid) Rows() int {
	n := 0
	for {
		if _, ok := g.Key(n); !ok {
			return n
		}
		n++
	}
}

func (g *Grid) row(i int) string {
	return fmt.Sprintf("#row%d%s", i, g.gridID)
}

func (g *Grid) text(css string) (string, bool) {
	sel, ok := g.sels[css]
	if !ok {
		var err error
		sel, err = cascadia.Compile(css)
		if err != nil {
			return "", false
		}
		g.sels[css] = sel
	}
	found := g.doc.FindMatcher(sel)
	if found.Length() == 0 {
		return "", false
	}
	return strings.TrimSpace(found.First().Text()), true
}
