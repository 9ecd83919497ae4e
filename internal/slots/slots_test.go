package slots

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schedsync/internal/models"
)

func at(h, m int) time.Time {
	return time.Date(2026, time.March, 10, h, m, 0, 0, time.UTC)
}

func slot(h1, m1, h2, m2 int) models.TimeSlot {
	return models.TimeSlot{Start: at(h1, m1), End: at(h2, m2)}
}

func TestComputeFreeSlots_Scenario(t *testing.T) {
	got := ComputeFreeSlots(at(9, 0), at(12, 0), []models.TimeSlot{slot(10, 0, 10, 30)}, 30*time.Minute)

	want := []models.TimeSlot{
		slot(9, 0, 9, 30),
		slot(9, 30, 10, 0),
		slot(10, 30, 11, 0),
		slot(11, 0, 11, 30),
		slot(11, 30, 12, 0),
	}
	assert.Equal(t, want, got)
}

func TestComputeFreeSlots(t *testing.T) {
	tests := []struct {
		name     string
		busy     []models.TimeSlot
		duration time.Duration
		want     []models.TimeSlot
	}{
		{
			name:     "no busy time",
			duration: time.Hour,
			want:     []models.TimeSlot{slot(9, 0, 10, 0), slot(10, 0, 11, 0), slot(11, 0, 12, 0)},
		},
		{
			name:     "busy outside window ignored",
			busy:     []models.TimeSlot{slot(7, 0, 8, 0), slot(12, 0, 13, 0)},
			duration: time.Hour,
			want:     []models.TimeSlot{slot(9, 0, 10, 0), slot(10, 0, 11, 0), slot(11, 0, 12, 0)},
		},
		{
			name:     "partial overlaps clipped",
			busy:     []models.TimeSlot{slot(8, 0, 9, 30), slot(11, 30, 13, 0)},
			duration: 30 * time.Minute,
			want:     []models.TimeSlot{slot(9, 30, 10, 0), slot(10, 0, 10, 30), slot(10, 30, 11, 0), slot(11, 0, 11, 30)},
		},
		{
			name:     "remainder dropped",
			busy:     []models.TimeSlot{slot(9, 0, 9, 20)},
			duration: 30 * time.Minute,
			want:     []models.TimeSlot{slot(9, 20, 9, 50), slot(9, 50, 10, 20), slot(10, 20, 10, 50), slot(10, 50, 11, 20), slot(11, 20, 11, 50)},
		},
		{
			name:     "unsorted nested busy",
			busy:     []models.TimeSlot{slot(10, 30, 10, 45), slot(10, 0, 11, 0)},
			duration: time.Hour,
			want:     []models.TimeSlot{slot(9, 0, 10, 0), slot(11, 0, 12, 0)},
		},
		{
			name:     "fully busy",
			busy:     []models.TimeSlot{slot(8, 0, 13, 0)},
			duration: 30 * time.Minute,
			want:     nil,
		},
		{
			name:     "non positive duration",
			duration: 0,
			want:     nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComputeFreeSlots(at(9, 0), at(12, 0), tt.busy, tt.duration))
		})
	}
}

// Free slots plus clipped busy time plus dropped remainders account for the whole window.
func TestComputeFreeSlots_Properties(t *testing.T) {
	busy := []models.TimeSlot{slot(9, 10, 9, 40), slot(10, 5, 10, 50), slot(10, 40, 11, 5), slot(15, 0, 16, 0)}
	d := 25 * time.Minute
	got := ComputeFreeSlots(at(9, 0), at(12, 0), busy, d)
	require.NotEmpty(t, got)

	for i, s := range got {
		assert.Equal(t, d, s.Duration())
		assert.False(t, s.Start.Before(at(9, 0)))
		assert.False(t, s.End.After(at(12, 0)))
		for _, b := range busy {
			assert.False(t, s.Overlaps(b), "slot %v overlaps busy %v", s, b)
		}
		if i > 0 {
			assert.False(t, got[i-1].Overlaps(s))
			assert.False(t, s.Start.Before(got[i-1].End))
		}
	}

	// A minute covered by neither busy time nor a slot must sit in the dropped tail of a gap.
	for m := at(9, 0); m.Before(at(12, 0)); m = m.Add(time.Minute) {
		minute := models.TimeSlot{Start: m, End: m.Add(time.Minute)}
		if len(Overlapping(minute, busy)) > 0 || len(Overlapping(minute, got)) > 0 {
			continue
		}
		gapStart, gapEnd := m, m
		for gapStart.After(at(9, 0)) && len(Overlapping(models.TimeSlot{Start: gapStart.Add(-time.Minute), End: gapStart}, busy)) == 0 {
			gapStart = gapStart.Add(-time.Minute)
		}
		for gapEnd.Before(at(12, 0)) && len(Overlapping(models.TimeSlot{Start: gapEnd, End: gapEnd.Add(time.Minute)}, busy)) == 0 {
			gapEnd = gapEnd.Add(time.Minute)
		}
		covered := gapEnd.Sub(gapStart) / d * d
		assert.False(t, m.Before(gapStart.Add(covered)), "uncovered minute %v", m)
	}
}

func TestDedupe(t *testing.T) {
	in := []models.TimeSlot{slot(11, 0, 11, 30), slot(9, 0, 10, 0), slot(9, 0, 10, 0), slot(9, 0, 9, 30)}
	got := Dedupe(in)
	assert.Equal(t, []models.TimeSlot{slot(9, 0, 9, 30), slot(9, 0, 10, 0), slot(11, 0, 11, 30)}, got)
}

func TestDedupe_SameInstantDifferentZones(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	a := slot(14, 0, 15, 0)
	b := models.TimeSlot{Start: a.Start.In(ny), End: a.End.In(ny)}
	assert.Len(t, Dedupe([]models.TimeSlot{a, b}), 1)
}

func TestOverlapping(t *testing.T) {
	busy := []models.TimeSlot{slot(9, 0, 10, 0), slot(10, 0, 11, 0), slot(12, 0, 13, 0)}
	got := Overlapping(slot(9, 30, 10, 30), busy)
	assert.Equal(t, busy[:2], got)
	assert.Empty(t, Overlapping(slot(11, 0, 12, 0), busy), "touching intervals do not overlap")
}
