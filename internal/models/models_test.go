package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to AppointmentStatus
		want     bool
	}{
		{StatusScheduled, StatusConfirmed, true},
		{StatusScheduled, StatusNoShow, true},
		{StatusRescheduled, StatusRescheduled, true},
		{StatusConfirmed, StatusRescheduled, true},
		{StatusConfirmed, StatusScheduled, false},
		{StatusNoShow, StatusScheduled, false},
		{StatusCancelled, StatusScheduled, false},
		{StatusCancelled, StatusCancelled, false},
		{StatusCompleted, StatusCancelled, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestIsBusy(t *testing.T) {
	assert.True(t, StatusPendingConfirmation.IsBusy())
	assert.True(t, StatusRescheduled.IsBusy())
	assert.False(t, StatusCancelled.IsBusy())
	assert.False(t, StatusNoShow.IsBusy())
}

func TestExternalIDs(t *testing.T) {
	var a Appointment
	a.SetExternalID(ProviderZoom, "z1")
	a.SetExternalID(ProviderGoogle, "g1")
	a.ExternalIDs[ProviderMicrosoft] = ""

	id, ok := a.ExternalIDs.Get(ProviderGoogle)
	assert.True(t, ok)
	assert.Equal(t, "g1", id)

	_, ok = a.ExternalIDs.Get(ProviderMicrosoft)
	assert.False(t, ok)
	assert.Equal(t, []Provider{ProviderGoogle, ProviderZoom}, a.ExternalIDs.Providers())
}

func TestTimeSlot(t *testing.T) {
	base := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	a := TimeSlot{Start: base, End: base.Add(time.Hour)}

	assert.True(t, a.Overlaps(TimeSlot{Start: base.Add(59 * time.Minute), End: base.Add(2 * time.Hour)}))
	assert.False(t, a.Overlaps(TimeSlot{Start: base.Add(time.Hour), End: base.Add(2 * time.Hour)}))
	assert.Equal(t, time.Hour, a.Duration())
}

func TestCampaignRetryDelay(t *testing.T) {
	var nilCampaign *Campaign
	assert.Equal(t, DefaultRetryDelay, nilCampaign.RetryDelay())
	assert.Equal(t, DefaultRetryDelay, (&Campaign{}).RetryDelay())
	assert.Equal(t, 90*time.Minute, (&Campaign{RetryDelayMinutes: 90}).RetryDelay())
}
