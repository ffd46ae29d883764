package feed

import (
	"sync/atomic"
	"time"

	"icalfeed/internal/ics"
	"icalfeed/internal/model"
)

// Store holds the last computed FeedState of one calendar. Readers always see
// a complete state; a refresh publishes a new one with a single pointer swap.
type Store struct {
	state atomic.Pointer[model.FeedState]
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{}
}

// Replace publishes st. The caller must not modify st afterwards.
func (s *Store) Replace(st *model.FeedState) {
	s.state.Store(st)
}

// State returns the current snapshot, or nil before the first refresh.
func (s *Store) State() *model.FeedState {
	return s.state.Load()
}

// Events returns the cached occurrence list for a [start, end) query.
//
// The list is the one computed at the last refresh and is not re-filtered
// against the query range; callers get the whole cached window. The returned
// slice is a copy.
func (s *Store) Events(_, _ time.Time) []model.Occurrence {
	st := s.state.Load()
	if st == nil {
		return []model.Occurrence{}
	}
	out := make([]model.Occurrence, len(st.Occurrences))
	copy(out, st.Occurrences)
	return out
}

// Next recomputes the current or next occurrence against now.
func (s *Store) Next(now time.Time) (model.Occurrence, bool) {
	st := s.state.Load()
	if st == nil {
		return model.Occurrence{}, false
	}
	return ics.PickNext(st.Occurrences, now)
}
