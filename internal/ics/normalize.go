package ics

import (
	"errors"
	"strings"
	"sync"
	"time"

	appLog "icalfeed/internal/log"
)

type layoutKind int

const (
	kindUTC layoutKind = iota
	kindAware
	kindNaive
	kindDate
)

var dateLayouts = []struct {
	layout string
	kind   layoutKind
}{
	{"20060102T150405Z", kindUTC},
	{"20060102T1504Z", kindUTC},
	{"20060102T150405", kindNaive},
	{"20060102T1504", kindNaive},
	{time.RFC3339, kindAware},
	{"2006-01-02T15:04:05", kindNaive},
	{"20060102", kindDate},
	{"2006-01-02", kindDate},
}

var errEmptyDate = errors.New("empty value")

// Normalize converts a raw date or date-time value into a zone-aware instant.
//
//   - Multi-valued input uses its first item.
//   - Date-only values become midnight of that date in zone.
//   - Values without zone information are read as wall-clock time in their
//     TZID zone when it loads, otherwise in zone. They are never read as UTC
//     unless zone is UTC.
//   - Values with a zone keep it.
//
// A nil zone means time.Local. Failures are *DateParseError.
func Normalize(raw DateValue, zone *time.Location) (time.Time, error) {
	if zone == nil {
		zone = time.Local
	}
	if len(raw.Values) == 0 {
		return time.Time{}, &DateParseError{Err: errEmptyDate}
	}
	v := strings.TrimSpace(raw.Values[0])
	if v == "" {
		return time.Time{}, &DateParseError{Value: raw.String(), Err: errEmptyDate}
	}

	var lastErr error
	for _, l := range dateLayouts {
		switch l.kind {
		case kindUTC:
			t, err := time.Parse(l.layout, v)
			if err == nil {
				return t.UTC(), nil
			}
			lastErr = err
		case kindAware:
			t, err := time.Parse(l.layout, v)
			if err == nil {
				return t, nil
			}
			lastErr = err
		case kindNaive:
			t, err := time.ParseInLocation(l.layout, v, tzidLocation(raw.TZID, zone))
			if err == nil {
				return t, nil
			}
			lastErr = err
		case kindDate:
			t, err := time.ParseInLocation(l.layout, v, zone)
			if err == nil {
				return t, nil
			}
			lastErr = err
		}
	}
	return time.Time{}, &DateParseError{Value: v, Err: lastErr}
}

// NormalizeAll normalizes every item of a multi-valued property.
func NormalizeAll(raw DateValue, zone *time.Location) ([]time.Time, error) {
	out := make([]time.Time, 0, len(raw.Values))
	for _, v := range raw.Values {
		t, err := Normalize(DateValue{Values: []string{v}, TZID: raw.TZID, DateOnly: raw.DateOnly}, zone)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// StartOfDay returns midnight of t's calendar date in loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

func isDateOnlyText(v string) bool {
	v = strings.TrimSpace(v)
	if _, err := time.Parse("20060102", v); err == nil {
		return true
	}
	_, err := time.Parse("2006-01-02", v)
	return err == nil
}

var tzidCache sync.Map // string -> *time.Location

// tzidLocation resolves a TZID parameter, falling back to def when the name
// is empty or unknown to the local timezone database.
func tzidLocation(tzid string, def *time.Location) *time.Location {
	tzid = strings.TrimSpace(tzid)
	if tzid == "" {
		return def
	}
	if cached, ok := tzidCache.Load(tzid); ok {
		if loc, _ := cached.(*time.Location); loc != nil {
			return loc
		}
		return def
	}
	loc, err := time.LoadLocation(tzid)
	if err != nil {
		appLog.Debug("unknown TZID, using default zone", "tzid", tzid, "zone", def.String())
		tzidCache.Store(tzid, (*time.Location)(nil))
		return def
	}
	tzidCache.Store(tzid, loc)
	return loc
}
