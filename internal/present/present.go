// Package present shapes stored occurrences for API and CLI output.
//
// Nothing here feeds back into the stored FeedState: truncation and the
// offset marker only affect what a consumer sees.
package present

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"icalfeed/internal/model"
)

// OffsetMarker introduces an offset in an event summary, e.g.
// "Dentist !!-15" (15 minutes before) or "Flight !!-02:30".
const OffsetMarker = "!!"

var offsetPattern = regexp.MustCompile(regexp.QuoteMeta(OffsetMarker) + `([+-]?[0-9]{0,2}(?::[0-9]{0,2})?)`)

// Event is an occurrence as served to consumers.
type Event struct {
	UID         string    `json:"uid,omitempty"`
	Summary     string    `json:"summary"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	AllDay      bool      `json:"all_day"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
}

// NextEvent is the current or next occurrence with its offset resolved.
type NextEvent struct {
	Event
	// Offset is the parsed marker, e.g. "-15m0s". Empty without a marker.
	Offset        string `json:"offset,omitempty"`
	OffsetReached bool   `json:"offset_reached"`
}

// ApplyOffset removes the first offset marker from summary and returns the
// remaining text, trimmed. The marker value is "[+-]MM" or "[+-]HH:MM"; a
// bare number counts minutes. found is false when the summary carries no
// marker with a value, in which case summary is returned unchanged and
// offset is zero.
func ApplyOffset(summary string) (clean string, offset time.Duration, found bool) {
	m := offsetPattern.FindStringSubmatchIndex(summary)
	if m == nil || m[3] == m[2] {
		return summary, 0, false
	}
	clean = strings.TrimSpace(summary[:m[0]] + summary[m[1]:])
	return clean, parseOffset(summary[m[2]:m[3]]), true
}

func parseOffset(s string) time.Duration {
	sign := time.Duration(1)
	switch {
	case strings.HasPrefix(s, "-"):
		sign, s = -1, s[1:]
	case strings.HasPrefix(s, "+"):
		s = s[1:]
	}

	hours, minutes := "0", s
	if h, m, ok := strings.Cut(s, ":"); ok {
		hours, minutes = h, m
	}
	return sign * (time.Duration(atoi(hours))*time.Hour + time.Duration(atoi(minutes))*time.Minute)
}

func atoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

// OffsetReached reports whether start shifted by offset is at or before now.
// A zero offset is never reached.
func OffsetReached(start time.Time, offset time.Duration, now time.Time) bool {
	if offset == 0 {
		return false
	}
	return !start.Add(offset).After(now)
}

// Truncate returns at most max occurrences from the head of occs. A
// non-positive max returns occs unchanged.
func Truncate(occs []model.Occurrence, max int) []model.Occurrence {
	if max <= 0 || len(occs) <= max {
		return occs
	}
	return occs[:max]
}

// Events converts occurrences to their served form.
func Events(occs []model.Occurrence) []Event {
	out := make([]Event, 0, len(occs))
	for _, o := range occs {
		out = append(out, FromOccurrence(o))
	}
	return out
}

// FromOccurrence converts one occurrence without touching its summary.
func FromOccurrence(o model.Occurrence) Event {
	return Event{
		UID:         o.UID,
		Summary:     o.Summary,
		Description: o.Description,
		Location:    o.Location,
		AllDay:      o.AllDay,
		Start:       o.Start,
		End:         o.End,
	}
}

// Next resolves the offset marker of the current or next occurrence.
func Next(o model.Occurrence, now time.Time) NextEvent {
	ev := NextEvent{Event: FromOccurrence(o)}
	clean, offset, found := ApplyOffset(o.Summary)
	if found {
		ev.Summary = clean
		ev.Offset = offset.String()
	}
	ev.OffsetReached = OffsetReached(o.Start, offset, now)
	return ev
}
