// Package recorder merges per-entity attribute snapshots into a CSV table that
// survives restarts. Rows are keyed by one column; columns only ever grow.
package recorder

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/use-agent/screener/models"
)

// DefaultKeyColumn is the header of the column holding entity keys.
const DefaultKeyColumn = "Ticker"

// cacheState distinguishes "never read the file" from "read it, and it may
// hold zero rows".
type cacheState int

const (
	cacheUnloaded cacheState = iota
	cacheLoaded
)

// tableCache mirrors the header and key column of the file. It is valid only
// while the file is mutated exclusively through the owning recorder.
type tableCache struct {
	state   cacheState
	columns []string
	keys    map[string]struct{}
}

// CSV is the upsert recorder for one table file. It is not safe for
// concurrent use, and no other writer may touch the file during Save.
type CSV struct {
	path      string
	keyColumn string
	log       *slog.Logger
	cache     tableCache
}

// Option configures a CSV recorder.
type Option func(*CSV)

// WithKeyColumn overrides the key column header.
func WithKeyColumn(name string) Option {
	return func(r *CSV) {
		if name != "" {
			r.keyColumn = name
		}
	}
}

// WithLogger sets the logger used for save diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(r *CSV) {
		if l != nil {
			r.log = l
		}
	}
}

// New creates a recorder for the table at path. The file is not touched until
// the first Save.
func New(path string, opts ...Option) *CSV {
	r := &CSV{
		path:      path,
		keyColumn: DefaultKeyColumn,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Path returns the table file path.
func (r *CSV) Path() string { return r.path }

// RecoveryPath derives the side file used for partial pages from a table
// path: "out/Output.csv" becomes "out/Output.recovery.csv".
func RecoveryPath(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + ".recovery" + ext
}

// Save upserts every entity of snap. Entities whose key already has a row get
// only the supplied fields overwritten; unseen keys are appended. Fields new
// to the table become columns appended after the existing ones.
func (r *CSV) Save(snap *models.Snapshot) error {
	if snap == nil || snap.Len() == 0 {
		return nil
	}

	exists, err := r.fileExists()
	if err != nil {
		return err
	}
	switch {
	case !exists:
		if err := r.create(r.initialColumns(snap)); err != nil {
			return err
		}
	case r.cache.state == cacheUnloaded:
		if err := r.load(); err != nil {
			return err
		}
	}

	var existing, fresh []string
	for _, key := range snap.Keys() {
		if _, ok := r.cache.keys[key]; ok {
			existing = append(existing, key)
		} else {
			fresh = append(fresh, key)
		}
	}

	merged := r.mergeColumns(snap)
	grew := len(merged) > len(r.cache.columns)

	if len(existing) > 0 || grew {
		if err := r.rewrite(snap, existing, merged); err != nil {
			return err
		}
	}
	// The header now matches merged either way, so the cache can follow it
	// before appending.
	r.cache.columns = merged
	for _, key := range existing {
		r.cache.keys[key] = struct{}{}
	}

	if len(fresh) > 0 {
		if err := r.appendRows(snap, fresh, merged); err != nil {
			// Some rows may have reached the file; reread it next time.
			r.cache = tableCache{}
			return err
		}
		for _, key := range fresh {
			r.cache.keys[key] = struct{}{}
		}
	}

	r.log.Debug("table saved",
		"path", r.path,
		"updated", len(existing),
		"appended", len(fresh),
		"columns", len(merged),
	)
	return nil
}

func (r *CSV) fileExists() (bool, error) {
	_, err := os.Stat(r.path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, models.NewScrapeError(models.ErrCodeIORead, "failed to stat table", err)
	}
}

// initialColumns is [key] + ["name" if any entity has it] + the remaining
// fields in first-seen order.
func (r *CSV) initialColumns(snap *models.Snapshot) []string {
	cols := []string{r.keyColumn}
	if snap.HasField(models.NameField) && r.keyColumn != models.NameField {
		cols = append(cols, models.NameField)
	}
	for _, f := range snap.FieldNames() {
		if f == r.keyColumn || f == models.NameField {
			continue
		}
		cols = append(cols, f)
	}
	return cols
}

// mergeColumns appends snapshot fields missing from the cached header, in
// first-seen order of this call. Existing columns never move.
func (r *CSV) mergeColumns(snap *models.Snapshot) []string {
	merged := make([]string, len(r.cache.columns))
	copy(merged, r.cache.columns)

	present := make(map[string]struct{}, len(merged))
	for _, c := range merged {
		present[c] = struct{}{}
	}
	for _, f := range snap.FieldNames() {
		if _, ok := present[f]; ok {
			continue
		}
		present[f] = struct{}{}
		merged = append(merged, f)
	}
	return merged
}

// create writes a header-only table through a temp file so a crash never
// leaves a half-written header behind.
func (r *CSV) create(columns []string) error {
	tmp, err := r.openTemp()
	if err != nil {
		return err
	}
	w := csv.NewWriter(tmp)
	if err := w.Write(columns); err != nil {
		return r.discard(tmp, "failed to write header", err)
	}
	if err := r.finalize(tmp, w); err != nil {
		return err
	}

	r.cache = tableCache{
		state:   cacheLoaded,
		columns: columns,
		keys:    make(map[string]struct{}),
	}
	return nil
}

// load reads the header and key column of an existing table into the cache.
func (r *CSV) load() error {
	f, err := os.Open(r.path)
	if err != nil {
		return models.NewScrapeError(models.ErrCodeIORead, "failed to open table", err)
	}
	defer f.Close()

	cr := newReader(f)
	header, err := cr.Read()
	if err != nil && !errors.Is(err, io.EOF) {
		return models.NewScrapeError(models.ErrCodeIORead, "failed to read table header", err)
	}

	keyIdx := indexOf(header, r.keyColumn)
	if keyIdx < 0 {
		return models.NewScrapeError(models.ErrCodeMissingKeyColumn,
			fmt.Sprintf("key column %q not found in %s; header is %q", r.keyColumn, r.path, header), nil)
	}

	keys := make(map[string]struct{})
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return models.NewScrapeError(models.ErrCodeIORead, "failed to read table row", err)
		}
		if keyIdx < len(row) {
			keys[row[keyIdx]] = struct{}{}
		}
	}

	r.cache = tableCache{
		state:   cacheLoaded,
		columns: header,
		keys:    keys,
	}
	r.log.Debug("table cache loaded", "path", r.path, "columns", len(header), "rows", len(keys))
	return nil
}

// rewrite streams the table into a temp file under the merged header,
// patching rows whose key is in existing, then renames the temp file over
// the original. The original is never modified in place.
func (r *CSV) rewrite(snap *models.Snapshot, existing, merged []string) error {
	patch := make(map[string]*models.Record, len(existing))
	for _, key := range existing {
		if rec, ok := snap.Lookup(key); ok {
			patch[key] = rec
		}
	}

	src, err := os.Open(r.path)
	if err != nil {
		return models.NewScrapeError(models.ErrCodeIORead, "failed to open table", err)
	}
	defer src.Close()

	cr := newReader(src)
	header, err := cr.Read()
	if err != nil {
		return models.NewScrapeError(models.ErrCodeIORead, "failed to read table header", err)
	}
	keyIdx := indexOf(header, r.keyColumn)
	if keyIdx < 0 {
		return models.NewScrapeError(models.ErrCodeMissingKeyColumn,
			fmt.Sprintf("key column %q not found in %s; header is %q", r.keyColumn, r.path, header), nil)
	}

	// Position of each merged column in the file's current header, or -1.
	from := make([]int, len(merged))
	for i, c := range merged {
		from[i] = indexOf(header, c)
	}

	tmp, err := r.openTemp()
	if err != nil {
		return err
	}
	w := csv.NewWriter(tmp)
	if err := w.Write(merged); err != nil {
		return r.discard(tmp, "failed to write header", err)
	}

	out := make([]string, len(merged))
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			r.discard(tmp, "", nil)
			return models.NewScrapeError(models.ErrCodeIORead, "failed to read table row", err)
		}

		for i, j := range from {
			out[i] = ""
			if j >= 0 && j < len(row) {
				out[i] = row[j]
			}
		}
		if keyIdx < len(row) {
			if rec, ok := patch[row[keyIdx]]; ok {
				fillRow(out, merged, rec, r.keyColumn)
			}
		}
		if err := w.Write(out); err != nil {
			return r.discard(tmp, "failed to write row", err)
		}
	}
	src.Close()

	return r.finalize(tmp, w)
}

// appendTarget is the table opened for appending.
type appendTarget interface {
	io.Writer
	Sync() error
	Close() error
}

var openAppend = func(path string) (appendTarget, error) {
	return os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
}

// appendRows adds one row per fresh key at the end of the table.
func (r *CSV) appendRows(snap *models.Snapshot, fresh, columns []string) error {
	f, err := openAppend(r.path)
	if err != nil {
		return models.NewScrapeError(models.ErrCodeIOWrite, "failed to open table for append", err)
	}

	w := csv.NewWriter(f)
	keyIdx := indexOf(columns, r.keyColumn)
	for _, key := range fresh {
		row := make([]string, len(columns))
		if rec, ok := snap.Lookup(key); ok {
			fillRow(row, columns, rec, r.keyColumn)
		}
		row[keyIdx] = key
		if err := w.Write(row); err != nil {
			f.Close()
			return models.NewScrapeError(models.ErrCodeIOWrite, "failed to append row", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return models.NewScrapeError(models.ErrCodeIOWrite, "failed to append rows", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return models.NewScrapeError(models.ErrCodeIOWrite, "failed to sync table", err)
	}
	if err := f.Close(); err != nil {
		return models.NewScrapeError(models.ErrCodeIOWrite, "failed to close table", err)
	}
	return nil
}

func (r *CSV) tempPath() string { return r.path + ".temp" }

func (r *CSV) openTemp() (*os.File, error) {
	f, err := os.OpenFile(r.tempPath(), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, models.NewScrapeError(models.ErrCodeIOWrite, "failed to create temp file", err)
	}
	return f, nil
}

// finalize flushes, syncs and closes tmp, then atomically moves it over the
// table. On failure the temp file is removed and the table is untouched.
func (r *CSV) finalize(tmp *os.File, w *csv.Writer) error {
	w.Flush()
	if err := w.Error(); err != nil {
		return r.discard(tmp, "failed to flush temp file", err)
	}
	if err := tmp.Sync(); err != nil {
		return r.discard(tmp, "failed to sync temp file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return models.NewScrapeError(models.ErrCodeIOWrite, "failed to close temp file", err)
	}
	if err := os.Rename(tmp.Name(), r.path); err != nil {
		os.Remove(tmp.Name())
		return models.NewScrapeError(models.ErrCodeIOWrite, "failed to replace table with temp file", err)
	}
	if err := syncDir(filepath.Dir(r.path)); err != nil {
		return models.NewScrapeError(models.ErrCodeIOWrite, "failed to sync table directory", err)
	}
	return nil
}

// syncDir flushes a directory entry change such as a rename to disk.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	if err := d.Sync(); err != nil {
		d.Close()
		return err
	}
	return d.Close()
}

// discard closes and removes an unfinished temp file. When msg is non-empty
// it returns an IO_WRITE error wrapping err.
func (r *CSV) discard(tmp *os.File, msg string, err error) error {
	tmp.Close()
	os.Remove(tmp.Name())
	if msg == "" {
		return nil
	}
	return models.NewScrapeError(models.ErrCodeIOWrite, msg, err)
}

// fillRow overwrites the cells of row named by rec's fields. The key column
// is owned by the row identity and is never overwritten from a record.
func fillRow(row, columns []string, rec *models.Record, keyColumn string) {
	for i, c := range columns {
		if c == keyColumn {
			continue
		}
		if v, ok := rec.Get(c); ok {
			row[i] = v
		}
	}
}

func newReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	return cr
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}
