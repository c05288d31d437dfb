package channel

import (
	"time"

	"govorilka/internal/models"
)

// DaySeparators returns the indices of messages that start a new calendar
// date relative to the previous rendered message, for date-boundary
// separators in the message list. The first message always starts one.
func DaySeparators(msgs []models.Message, loc *time.Location) []int {
	if loc == nil {
		loc = time.Local
	}
	var idx []int
	var prev time.Time
	for i, m := range msgs {
		t := time.UnixMilli(m.CreatedAt).In(loc)
		if i == 0 || !sameDate(t, prev) {
			idx = append(idx, i)
		}
		prev = t
	}
	return idx
}

func sameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
