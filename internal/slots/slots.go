// Package slots turns busy intervals into bookable free slots.
package slots

import (
	"sort"
	"time"

	"schedsync/internal/models"
)

// ComputeFreeSlots subtracts busy from [workStart, workEnd) and chunks what is left into
// back-to-back slots of exactly slotDuration. Busy intervals outside the window are ignored,
// partial overlaps are clipped, and a trailing remainder shorter than slotDuration is dropped.
func ComputeFreeSlots(workStart, workEnd time.Time, busy []models.TimeSlot, slotDuration time.Duration) []models.TimeSlot {
	if slotDuration <= 0 || !workStart.Before(workEnd) {
		return nil
	}

	sorted := make([]models.TimeSlot, len(busy))
	copy(sorted, busy)
	SortByStart(sorted)

	var free []models.TimeSlot
	cursor := workStart
	for _, b := range sorted {
		if !b.Start.Before(workEnd) || !b.End.After(workStart) {
			continue
		}
		gapEnd := b.Start
		if gapEnd.After(workEnd) {
			gapEnd = workEnd
		}
		if gapEnd.After(cursor) {
			free = append(free, models.TimeSlot{Start: cursor, End: gapEnd})
		}
		if b.End.After(cursor) {
			cursor = b.End
		}
	}
	if workEnd.After(cursor) {
		free = append(free, models.TimeSlot{Start: cursor, End: workEnd})
	}

	var out []models.TimeSlot
	for _, f := range free {
		out = append(out, Chunk(f, slotDuration)...)
	}
	return out
}

// Chunk splits an interval into consecutive slots of exactly d, dropping any remainder.
func Chunk(interval models.TimeSlot, d time.Duration) []models.TimeSlot {
	if d <= 0 {
		return nil
	}
	var out []models.TimeSlot
	for s := interval.Start; !s.Add(d).After(interval.End); s = s.Add(d) {
		out = append(out, models.TimeSlot{Start: s, End: s.Add(d)})
	}
	return out
}

// SortByStart orders slots by start, then by end.
func SortByStart(s []models.TimeSlot) {
	sort.SliceStable(s, func(i, j int) bool {
		if !s[i].Start.Equal(s[j].Start) {
			return s[i].Start.Before(s[j].Start)
		}
		return s[i].End.Before(s[j].End)
	})
}

// Dedupe drops intervals with identical bounds and returns the rest sorted by start.
func Dedupe(in []models.TimeSlot) []models.TimeSlot {
	type key struct{ start, end int64 }
	seen := make(map[key]bool, len(in))
	out := make([]models.TimeSlot, 0, len(in))
	for _, s := range in {
		k := key{s.Start.UnixNano(), s.End.UnixNano()}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, s.UTC())
	}
	SortByStart(out)
	return out
}

// Overlapping returns the slots in busy that intersect candidate.
func Overlapping(candidate models.TimeSlot, busy []models.TimeSlot) []models.TimeSlot {
	var out []models.TimeSlot
	for _, b := range busy {
		if candidate.Overlaps(b) {
			out = append(out, b)
		}
	}
	return out
}
