package ics

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	appLog "icalfeed/internal/log"
)

const (
	defaultMaxOccurrencesPerEvent = 5000

	// lookBackDays widens the lower window bound so that multi-day
	// occurrences which started before the window are still produced.
	lookBackDays = 7
)

// Pairing selects how the end of each recurring occurrence is derived.
type Pairing int

const (
	// PairPositional expands the rule twice, once anchored at DTSTART and
	// once at DTEND, and zips the two sequences in order. Starts without a
	// matching end are dropped.
	PairPositional Pairing = iota
	// PairDuration expands the rule once and sets each end to
	// start + (DTEND - DTSTART).
	PairDuration
)

func (p Pairing) String() string {
	switch p {
	case PairDuration:
		return "duration"
	default:
		return "positional"
	}
}

// ParsePairing maps a config value onto a Pairing. Empty means positional.
func ParsePairing(s string) (Pairing, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "positional":
		return PairPositional, nil
	case "duration":
		return PairDuration, nil
	default:
		return PairPositional, fmt.Errorf("unknown pairing %q", s)
	}
}

// Window is the query range for relevant occurrences.
type Window struct {
	From time.Time
	To   time.Time
}

// NewWindow returns [start of today in loc, + days).
func NewWindow(now time.Time, days int, loc *time.Location) Window {
	from := StartOfDay(now, loc)
	return Window{From: from, To: from.AddDate(0, 0, days)}
}

// ExpansionStart is the lower bound used for materializing recurrences.
func (w Window) ExpansionStart() time.Time {
	return w.From.AddDate(0, 0, -lookBackDays)
}

// Pair is one expanded occurrence of a recurring event.
type Pair struct {
	Start time.Time
	End   time.Time
}

// ExpandOptions controls how recurrence expansion is performed.
type ExpandOptions struct {
	// Zone is used for DTSTART/DTEND/EXDATE values without zone information.
	// If nil, time.Local is used.
	Zone *time.Location

	Pairing Pairing

	// MaxOccurrences is a safety cap to avoid extremely large expansions.
	// If zero, defaultMaxOccurrencesPerEvent is used.
	MaxOccurrences int

	Logger appLog.Logger
}

// Expand produces the occurrences of a recurring event that start in
// [w.ExpansionStart(), w.To).
//
// UNTIL is normalized as UTC, DTSTART/DTEND in opts.Zone, and a missing DTEND
// means a zero-length event. Each EXDATE removes the occurrence starting at
// that instant; with positional pairing the end sequence drops the matching
// end (the exclusion shifted by the event's length).
//
// Errors: *DateParseError for DTSTART/DTEND, *RecurrenceRuleError for the rule
// or UNTIL, *ExclusionParseError for EXDATE. In every error case the event
// contributes nothing. A rule that fails only when anchored at DTEND falls
// back to reusing the start sequence.
func Expand(rule RuleValue, start DateValue, end *DateValue, exdates []DateValue, w Window, opts ExpandOptions) ([]Pair, error) {
	zone := opts.Zone
	if zone == nil {
		zone = time.Local
	}
	maxOcc := opts.MaxOccurrences
	if maxOcc <= 0 {
		maxOcc = defaultMaxOccurrencesPerEvent
	}
	lg := opts.Logger

	var until *time.Time
	if rule.Until != nil {
		u, err := Normalize(*rule.Until, time.UTC)
		if err != nil {
			return nil, &RecurrenceRuleError{Rule: rule.String(), Err: err}
		}
		u = u.UTC()
		until = &u
	}

	dtstart, err := Normalize(start, zone)
	if err != nil {
		return nil, err
	}
	dtend := dtstart
	if end != nil {
		if dtend, err = Normalize(*end, zone); err != nil {
			return nil, err
		}
	}
	length := dtend.Sub(dtstart)

	startSet, err := buildSet(rule.Text, until, dtstart)
	if err != nil {
		return nil, &RecurrenceRuleError{Rule: rule.String(), Err: err}
	}

	var endSet *rrule.Set
	if opts.Pairing == PairPositional {
		endSet, err = buildSet(rule.Text, until, dtend)
		if err != nil {
			lg.Warn("end-anchored recurrence failed; reusing start sequence", "rule", rule.String(), "err", err)
			endSet = nil
		}
	}

	for _, ex := range exdates {
		instants, err := NormalizeAll(ex, zone)
		if err != nil {
			return nil, &ExclusionParseError{Values: ex.Values, Err: err}
		}
		for _, t := range instants {
			startSet.ExDate(t)
			if endSet != nil {
				endSet.ExDate(t.Add(length))
			}
		}
	}

	after, before := w.ExpansionStart(), w.To
	starts := between(startSet, after, before)
	if len(starts) > maxOcc {
		lg.Warn("recurrence truncated at cap", "rule", rule.String(), "cap", maxOcc, "count", len(starts))
		starts = starts[:maxOcc]
	}
	if len(starts) == 0 {
		return nil, nil
	}

	if opts.Pairing == PairDuration {
		pairs := make([]Pair, 0, len(starts))
		for _, s := range starts {
			pairs = append(pairs, Pair{Start: s, End: s.Add(length)})
		}
		return pairs, nil
	}

	var ends []time.Time
	if endSet != nil {
		ends = between(endSet, after, before)
		if len(ends) > maxOcc {
			ends = ends[:maxOcc]
		}
	} else {
		ends = append(ends, starts...)
	}
	if len(ends) != len(starts) {
		lg.Warn("start and end sequences differ in length; surplus starts dropped",
			"rule", rule.String(), "starts", len(starts), "ends", len(ends))
	}

	return pairPositional(starts, ends), nil
}

// pairPositional consumes ends in order, one per start.
func pairPositional(starts, ends []time.Time) []Pair {
	pending := make([]time.Time, len(ends))
	for i, e := range ends {
		pending[len(ends)-1-i] = e
	}

	pairs := make([]Pair, 0, len(starts))
	for _, s := range starts {
		if len(pending) == 0 {
			continue
		}
		e := pending[len(pending)-1]
		pending = pending[:len(pending)-1]
		pairs = append(pairs, Pair{Start: s, End: e})
	}
	return pairs
}

func buildSet(text string, until *time.Time, anchor time.Time) (*rrule.Set, error) {
	if !strings.Contains(strings.ToUpper(text), "FREQ=") {
		return nil, errors.New("missing FREQ")
	}
	opt, err := rrule.StrToROption(text)
	if err != nil {
		return nil, err
	}
	opt.Dtstart = anchor
	if until != nil {
		opt.Until = *until
	}
	r, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, err
	}

	set := &rrule.Set{}
	set.RRule(r)
	return set, nil
}

// between returns the instants in [after, before).
func between(set *rrule.Set, after, before time.Time) []time.Time {
	all := set.Between(after, before, true)
	out := all[:0]
	for _, t := range all {
		if !t.Before(before) {
			continue
		}
		out = append(out, t)
	}
	return out
}
