package ics

import (
	"time"

	"icalfeed/internal/model"
)

// PickNext returns the first occurrence, in list order, whose end is after
// now. The list is sorted by start, so with overlapping events this is the
// earliest-starting unfinished occurrence rather than the soonest-ending one.
func PickNext(sorted []model.Occurrence, now time.Time) (model.Occurrence, bool) {
	for _, occ := range sorted {
		if occ.End.After(now) {
			return occ, true
		}
	}
	return model.Occurrence{}, false
}
