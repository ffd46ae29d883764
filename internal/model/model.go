package model

import "time"

// DefaultSummary is used for occurrences whose component carries no SUMMARY.
const DefaultSummary = "Unknown"

// Occurrence represents a single concrete instance of an event
// (after recurrence expansion and timezone normalization).
type Occurrence struct {
	// UID is the iCalendar UID of the owning component, if any.
	UID string `json:"uid,omitempty"`

	Summary     string `json:"summary"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`

	// AllDay is true when the owning component's DTSTART was a DATE value.
	AllDay bool `json:"all_day"`

	// Start / End are in the calendar's canonical timezone. End >= Start is
	// expected but not guaranteed for malformed feeds.
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// FeedState is the result of one successful refresh of a calendar source.
// It is never mutated after construction; a refresh builds a new value.
type FeedState struct {
	// Occurrences are sorted ascending by Start. Duplicates coming from
	// malformed feeds are kept.
	Occurrences []Occurrence `json:"occurrences"`

	// Next is the current or next occurrence at refresh time, or nil.
	Next *Occurrence `json:"next,omitempty"`

	WindowFrom  time.Time `json:"window_from"`
	WindowTo    time.Time `json:"window_to"`
	RefreshedAt time.Time `json:"refreshed_at"`
	FromCache   bool      `json:"from_cache"`
}
