package ics

import (
	"bytes"
	"errors"
	"strings"

	ical "github.com/arran4/golang-ical"

	appLog "icalfeed/internal/log"
)

// DateValue is a date or date-time property exactly as it appeared in the
// feed. Values holds every comma-separated item; parameters are kept so the
// normalizer can decide how to interpret naive values.
type DateValue struct {
	Values   []string
	TZID     string
	DateOnly bool
}

// String returns the raw property text.
func (d DateValue) String() string {
	return strings.Join(d.Values, ",")
}

// RuleValue is an RRULE split into its UNTIL bound and everything else.
// UNTIL is kept apart because feeds disagree on whether it carries a zone.
type RuleValue struct {
	Text  string
	Until *DateValue
}

// String reassembles the rule as it appeared in the feed.
func (r RuleValue) String() string {
	if r.Until == nil {
		return r.Text
	}
	if r.Text == "" {
		return "UNTIL=" + r.Until.String()
	}
	return r.Text + ";UNTIL=" + r.Until.String()
}

// Component is one VEVENT of a parsed feed. It is not modified after parsing.
type Component struct {
	UID string

	Summary     string
	HasSummary  bool
	Description string
	Location    string

	Start DateValue
	End   *DateValue

	// ExDates has one entry per EXDATE property; each entry may list
	// several instants.
	ExDates []DateValue

	Rule *RuleValue
}

// Recurring reports whether the component carries an RRULE.
func (c Component) Recurring() bool {
	return c.Rule != nil
}

// AllDay reports whether DTSTART is a DATE value.
func (c Component) AllDay() bool {
	if c.Start.DateOnly {
		return true
	}
	return len(c.Start.Values) > 0 && isDateOnlyText(c.Start.Values[0])
}

// ParseFeed parses an iCalendar payload into components.
//
//   - NUL bytes are stripped first; some servers pad their feeds with them.
//   - A body without a VCALENDAR, or one the parser rejects, is a
//     *FeedParseError. A calendar with zero events is not an error.
//   - Individual VEVENTs are never rejected here; bad values surface during
//     collection where the owning event alone is skipped.
func ParseFeed(source string, body []byte) ([]Component, error) {
	body = bytes.ReplaceAll(body, []byte{0}, nil)
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, &FeedParseError{Source: source, Err: errors.New("empty body")}
	}
	if !bytes.Contains(bytes.ToUpper(body), []byte("BEGIN:VCALENDAR")) {
		return nil, &FeedParseError{Source: source, Err: errors.New("no VCALENDAR found")}
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, &FeedParseError{Source: source, Err: err}
	}

	events := cal.Events()
	components := make([]Component, 0, len(events))
	for _, ve := range events {
		components = append(components, componentFromVEvent(ve))
	}

	appLog.Debug("ics parse completed", "source", source, "component_count", len(components))
	return components, nil
}

func componentFromVEvent(ve *ical.VEvent) Component {
	var c Component

	if p := ve.GetProperty(ical.ComponentPropertyUniqueId); p != nil {
		c.UID = strings.TrimSpace(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		c.Summary = unescapeText(p.Value)
		c.HasSummary = true
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		c.Description = unescapeText(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		c.Location = unescapeText(p.Value)
	}

	if p := ve.GetProperty(ical.ComponentPropertyDtStart); p != nil {
		c.Start = dateValueFromProperty(p)
	}
	if p := ve.GetProperty(ical.ComponentPropertyDtEnd); p != nil {
		end := dateValueFromProperty(p)
		c.End = &end
	}

	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		if p == nil || strings.TrimSpace(p.Value) == "" {
			continue
		}
		c.ExDates = append(c.ExDates, dateValueFromProperty(p))
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil && strings.TrimSpace(p.Value) != "" {
		rule := splitRule(p.Value)
		c.Rule = &rule
	}

	return c
}

func dateValueFromProperty(p *ical.IANAProperty) DateValue {
	var d DateValue
	for _, part := range strings.Split(p.Value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d.Values = append(d.Values, part)
	}
	if params := p.ICalParameters; params != nil {
		if tzs, ok := params["TZID"]; ok && len(tzs) > 0 {
			d.TZID = strings.Trim(strings.TrimSpace(tzs[0]), `"`)
		}
		if vs, ok := params["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
			d.DateOnly = true
		}
	}
	return d
}

// splitRule separates UNTIL from the remaining rule parts. A leading
// "RRULE:" is tolerated.
func splitRule(raw string) RuleValue {
	raw = strings.TrimSpace(raw)
	if len(raw) > 6 && strings.EqualFold(raw[:6], "RRULE:") {
		raw = raw[6:]
	}

	var rule RuleValue
	parts := make([]string, 0, 4)
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, _ := strings.Cut(part, "=")
		if strings.EqualFold(key, "UNTIL") {
			until := DateValue{Values: []string{strings.TrimSpace(value)}}
			until.DateOnly = isDateOnlyText(until.Values[0])
			rule.Until = &until
			continue
		}
		parts = append(parts, part)
	}
	rule.Text = strings.Join(parts, ";")
	return rule
}

var textUnescaper = strings.NewReplacer(`\\`, `\`, `\,`, `,`, `\;`, `;`, `\n`, "\n", `\N`, "\n")

func unescapeText(s string) string {
	return textUnescaper.Replace(s)
}
