package ics

import (
	"fmt"
	"strings"
)

// DateParseError reports a DTSTART/DTEND/EXDATE/UNTIL value that could not be
// decomposed into a calendar date.
type DateParseError struct {
	Value string
	Err   error
}

func (e *DateParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ics: cannot parse date %q: %v", e.Value, e.Err)
	}
	return fmt.Sprintf("ics: cannot parse date %q", e.Value)
}

func (e *DateParseError) Unwrap() error { return e.Err }

// RecurrenceRuleError reports an RRULE (or its UNTIL bound) that could not be
// compiled into an occurrence sequence.
type RecurrenceRuleError struct {
	Rule string
	Err  error
}

func (e *RecurrenceRuleError) Error() string {
	return fmt.Sprintf("ics: invalid recurrence rule %q: %v", e.Rule, e.Err)
}

func (e *RecurrenceRuleError) Unwrap() error { return e.Err }

// ExclusionParseError reports EXDATE values that could not be applied.
type ExclusionParseError struct {
	Values []string
	Err    error
}

func (e *ExclusionParseError) Error() string {
	return fmt.Sprintf("ics: cannot apply exclusion dates [%s]: %v", strings.Join(e.Values, ","), e.Err)
}

func (e *ExclusionParseError) Unwrap() error { return e.Err }

// FeedParseError reports a feed body in which no calendar could be found.
// A refresh that hits it keeps the previously published state.
type FeedParseError struct {
	Source string
	Err    error
}

func (e *FeedParseError) Error() string {
	return fmt.Sprintf("ics: cannot parse feed %s: %v", e.Source, e.Err)
}

func (e *FeedParseError) Unwrap() error { return e.Err }

// FetchError reports a feed that could not be retrieved and for which no
// cached body was available.
type FetchError struct {
	Source     string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("ics: fetch %s failed with status %d: %v", e.Source, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("ics: fetch %s failed: %v", e.Source, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }
