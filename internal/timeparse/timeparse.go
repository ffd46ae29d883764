package timeparse

import (
	"fmt"
	"strings"
	"time"

	"github.com/tj/go-naturaldate"
)

// LoadLocation resolves a zone name; "" and "local" mean time.Local.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" || strings.EqualFold(name, "local") {
		return time.Local, nil
	}
	return time.LoadLocation(name)
}

// ParseDate parses "2024-01-05" or a natural-language date such as
// "tomorrow" or "next friday" relative to now, and returns midnight of that
// day in loc. An empty string yields the zero time.
func ParseDate(dateStr string, now time.Time, loc *time.Location) (time.Time, error) {
	dateStr = strings.TrimSpace(dateStr)
	if dateStr == "" {
		return time.Time{}, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", dateStr, loc); err == nil {
		return t, nil
	}
	parsed, err := naturaldate.Parse(dateStr, now.In(loc))
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", dateStr, err)
	}
	parsed = parsed.In(loc)
	return time.Date(parsed.Year(), parsed.Month(), parsed.Day(), 0, 0, 0, 0, loc), nil
}

// ParseInstant parses an RFC 3339 timestamp or a natural-language
// expression such as "tomorrow 9am", keeping the time of day.
func ParseInstant(s string, now time.Time, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return now.In(loc), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.In(loc), nil
	}
	if t, err := time.ParseInLocation("2006-01-02 15:04", s, loc); err == nil {
		return t, nil
	}
	parsed, err := naturaldate.Parse(s, now.In(loc))
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return parsed.In(loc), nil
}
