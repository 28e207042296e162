package models

import (
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// NameField is the attribute pinned as the second table column when present.
const NameField = "name"

// Record is the ordered field -> value mapping scraped for one entity.
// Field order is first-set order; setting an existing field keeps its position.
type Record struct {
	fields *orderedmap.OrderedMap[string, string]
}

// NewRecord creates an empty Record.
func NewRecord() *Record {
	return &Record{fields: orderedmap.New[string, string]()}
}

// Set stores value under field.
func (r *Record) Set(field, value string) {
	r.fields.Set(field, value)
}

// Get returns the value stored under field.
func (r *Record) Get(field string) (string, bool) {
	return r.fields.Get(field)
}

// Fields returns the field names in first-set order.
func (r *Record) Fields() []string {
	names := make([]string, 0, r.fields.Len())
	for pair := r.fields.Oldest(); pair != nil; pair = pair.Next() {
		names = append(names, pair.Key)
	}
	return names
}

// Len returns the number of fields in the record.
func (r *Record) Len() int {
	return r.fields.Len()
}

// Snapshot maps entity keys to their records in first-seen key order.
// One snapshot is the durability unit handed to the recorder per page.
type Snapshot struct {
	records *orderedmap.OrderedMap[string, *Record]
}

// NewSnapshot creates an empty Snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{records: orderedmap.New[string, *Record]()}
}

// Record returns the record for key, creating it if needed.
func (s *Snapshot) Record(key string) *Record {
	if rec, ok := s.records.Get(key); ok {
		return rec
	}
	rec := NewRecord()
	s.records.Set(key, rec)
	return rec
}

// Set stores value under field for the entity key.
func (s *Snapshot) Set(key, field, value string) {
	s.Record(key).Set(field, value)
}

// Lookup returns the record for key without creating one.
func (s *Snapshot) Lookup(key string) (*Record, bool) {
	return s.records.Get(key)
}

// Keys returns entity keys in first-seen order.
func (s *Snapshot) Keys() []string {
	keys := make([]string, 0, s.records.Len())
	for pair := s.records.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	return keys
}

// Len returns the number of entities in the snapshot.
func (s *Snapshot) Len() int {
	return s.records.Len()
}

// FieldNames returns every field name used across the snapshot in
// first-seen order, visiting entities in key order.
func (s *Snapshot) FieldNames() []string {
	seen := make(map[string]struct{})
	var names []string
	for pair := s.records.Oldest(); pair != nil; pair = pair.Next() {
		for _, f := range pair.Value.Fields() {
			if _, ok := seen[f]; ok {
				continue
			}
			seen[f] = struct{}{}
			names = append(names, f)
		}
	}
	return names
}

// HasField reports whether any entity in the snapshot carries field.
func (s *Snapshot) HasField(field string) bool {
	for pair := s.records.Oldest(); pair != nil; pair = pair.Next() {
		if _, ok := pair.Value.Get(field); ok {
			return true
		}
	}
	return false
}
