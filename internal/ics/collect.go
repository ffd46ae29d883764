package ics

import (
	"sort"
	"time"

	appLog "icalfeed/internal/log"
	"icalfeed/internal/model"
)

// CollectOptions controls how components are turned into occurrences.
type CollectOptions struct {
	// Zone is the canonical zone of the calendar. Naive feed values are read
	// in it and every occurrence is converted to it. If nil, time.Local is used.
	Zone *time.Location

	Pairing        Pairing
	MaxOccurrences int

	Logger appLog.Logger
}

// CollectStats summarizes one Collect run for logging.
type CollectStats struct {
	Components  int
	Recurring   int
	Skipped     int
	Occurrences int
}

// Collect expands and filters every component and returns the relevant
// occurrences sorted by start. Components whose values cannot be parsed are
// logged and skipped; they never abort the batch. No deduplication is done.
func Collect(components []Component, w Window, opts CollectOptions) ([]model.Occurrence, CollectStats) {
	zone := opts.Zone
	if zone == nil {
		zone = time.Local
	}
	lg := opts.Logger

	stats := CollectStats{Components: len(components)}
	out := make([]model.Occurrence, 0, len(components))

	for _, c := range components {
		if c.Recurring() {
			stats.Recurring++
			pairs, err := Expand(*c.Rule, c.Start, c.End, c.ExDates, w, ExpandOptions{
				Zone:           zone,
				Pairing:        opts.Pairing,
				MaxOccurrences: opts.MaxOccurrences,
				Logger:         lg.With("uid", c.UID),
			})
			if err != nil {
				stats.Skipped++
				lg.Error("skipping recurring event", err, "uid", c.UID, "summary", c.Summary, "rrule", c.Rule.String())
				continue
			}
			if len(pairs) == 0 {
				lg.Debug("recurring event has no occurrence in window", "uid", c.UID, "summary", c.Summary)
				continue
			}
			for _, p := range pairs {
				occ := newOccurrence(c, p.Start, p.End, zone)
				if IsRelevant(occ, w.From) {
					out = append(out, occ)
				}
			}
			continue
		}

		start, err := Normalize(c.Start, zone)
		if err != nil {
			stats.Skipped++
			lg.Error("skipping event with bad DTSTART", err, "uid", c.UID, "summary", c.Summary)
			continue
		}
		end := start
		if c.End != nil {
			if end, err = Normalize(*c.End, zone); err != nil {
				stats.Skipped++
				lg.Error("skipping event with bad DTEND", err, "uid", c.UID, "summary", c.Summary)
				continue
			}
		}

		occ := newOccurrence(c, start, end, zone)
		if IsRelevant(occ, w.From) {
			out = append(out, occ)
		}
	}

	SortOccurrences(out)
	stats.Occurrences = len(out)
	return out, stats
}

// SortOccurrences stable-sorts ascending by start.
func SortOccurrences(items []model.Occurrence) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Start.Before(items[j].Start)
	})
}

func newOccurrence(c Component, start, end time.Time, zone *time.Location) model.Occurrence {
	summary := c.Summary
	if !c.HasSummary {
		summary = model.DefaultSummary
	}
	return model.Occurrence{
		UID:         c.UID,
		Summary:     summary,
		Description: c.Description,
		Location:    c.Location,
		AllDay:      c.AllDay(),
		Start:       start.In(zone),
		End:         end.In(zone),
	}
}
