package models

import "time"

// TimeSlot is an immutable [Start, End) interval, used for both busy and free time.
type TimeSlot struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Duration returns the length of the slot.
func (s TimeSlot) Duration() time.Duration {
	return s.End.Sub(s.Start)
}

// Overlaps reports whether the two half-open intervals share any instant.
func (s TimeSlot) Overlaps(o TimeSlot) bool {
	return s.Start.Before(o.End) && o.Start.Before(s.End)
}

// UTC returns the slot with both bounds in UTC.
func (s TimeSlot) UTC() TimeSlot {
	return TimeSlot{Start: s.Start.UTC(), End: s.End.UTC()}
}
