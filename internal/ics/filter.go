package ics

import (
	"time"

	"icalfeed/internal/model"
)

// IsRelevant reports whether an occurrence still matters for a window that
// starts at windowFrom. Calendar dates are compared in windowFrom's zone.
//
// An occurrence ending on an earlier date is over. So is one ending exactly
// at midnight on windowFrom's date: all-day and multi-day events store their
// end as midnight after the last active day, and without this rule they
// would stay current for one extra day.
func IsRelevant(occ model.Occurrence, windowFrom time.Time) bool {
	loc := windowFrom.Location()
	end := occ.End.In(loc)
	endDay := StartOfDay(end, loc)
	fromDay := StartOfDay(windowFrom, loc)

	if endDay.Before(fromDay) {
		return false
	}
	if endDay.Equal(fromDay) && end.Hour() == 0 && end.Minute() == 0 && end.Second() == 0 {
		return false
	}
	return true
}
