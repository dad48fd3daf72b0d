package realtime

import (
	"sync"
	"time"

	"github.com/smartmob/pantarei/internal/acquisition"
)

// Store is the in-memory ordered record list shown by the live view, newest
// first. The last write wins; there is no ordering between REST snapshots and
// push events.
type Store struct {
	mu        sync.RWMutex
	records   []acquisition.Record
	selection acquisition.Selection
	loaded    bool
	updated   time.Time
	version   uint64
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{records: []acquisition.Record{}}
}

// Replace swaps the whole list.
func (s *Store) Replace(records []acquisition.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set(records)
}

// ReplaceFor swaps the whole list with a snapshot loaded for sel.
func (s *Store) ReplaceFor(sel acquisition.Selection, records []acquisition.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set(records)
	s.selection = sel
	s.loaded = true
}

func (s *Store) set(records []acquisition.Record) {
	s.records = append(make([]acquisition.Record, 0, len(records)), records...)
	s.touch()
}

// Prepend inserts one record at the head of the list.
func (s *Store) Prepend(r acquisition.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := make([]acquisition.Record, 0, len(s.records)+1)
	s.records = append(append(records, r), s.records...)
	s.touch()
}

// Clear empties the list and forgets which selection it belonged to.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = []acquisition.Record{}
	s.selection = acquisition.Selection{}
	s.loaded = false
	s.touch()
}

func (s *Store) touch() {
	s.updated = time.Now()
	s.version++
}

// Records returns a copy of the list.
func (s *Store) Records() []acquisition.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]acquisition.Record{}, s.records...)
}

// Len returns the number of records held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Latest returns the newest record belonging to sel. Records that carry no
// line or station code are assumed to belong to the current selection.
func (s *Store) Latest(sel acquisition.Selection) (acquisition.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.records {
		rs := r.Selection()
		if (rs.Line == "" || rs.Line == sel.Line) && (rs.Station == "" || rs.Station == sel.Station) {
			return r, true
		}
	}
	return acquisition.Record{}, false
}

// LastUpdated returns the time of the last change, zero if none.
func (s *Store) LastUpdated() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updated
}

// Version increases on every change.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// LoadedFor reports whether a snapshot for sel has been loaded since the
// last Clear.
func (s *Store) LoadedFor(sel acquisition.Selection) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded && s.selection == sel
}
