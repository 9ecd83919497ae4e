package availability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"schedsync/internal/holidays"
	"schedsync/internal/models"
	"schedsync/internal/schedule"
	"schedsync/internal/slots"
)

// DefaultSearchDays bounds FindNextAvailableSlot when the caller gives no bound.
const DefaultSearchDays = 14

var (
	// ErrNoSlotFound means the forward search exhausted its bound.
	ErrNoSlotFound = errors.New("no available slot found")
	// ErrInvalidRange means an interval does not end after it starts.
	ErrInvalidRange = errors.New("end must be after start")
)

// BusySource supplies busy intervals.
type BusySource interface {
	GetBusySlots(ctx context.Context, companyID string, from, to time.Time) ([]models.TimeSlot, error)
	LiveBusySlots(ctx context.Context, companyID string, from, to time.Time, excludeAppointmentID string) ([]models.TimeSlot, error)
}

// Day is the availability of one civil date.
type Day struct {
	Date           string            `json:"date"`
	TimeZone       string            `json:"timezone"`
	IsWorkingDay   bool              `json:"is_working_day"`
	IsHoliday      bool              `json:"is_holiday"`
	HolidayName    string            `json:"holiday_name,omitempty"`
	WorkingWindow  *models.TimeSlot  `json:"working_window,omitempty"`
	SlotDuration   time.Duration     `json:"-"`
	AvailableSlots []models.TimeSlot `json:"available_slots"`
	BusySlots      []models.TimeSlot `json:"busy_slots"`
}

// Conflict is the answer of IsSlotAvailable.
type Conflict struct {
	Available bool              `json:"available"`
	Conflicts []models.TimeSlot `json:"conflicts"`
}

// Service answers availability questions.
type Service struct {
	resolver *schedule.Resolver
	busy     BusySource
}

func NewService(resolver *schedule.Resolver, busy BusySource) *Service {
	return &Service{resolver: resolver, busy: busy}
}

// GetAvailability returns the bookable slots on the civil date of date. Non-working days
// and excluded holidays return no slots without fetching busy time.
func (s *Service) GetAvailability(ctx context.Context, companyID string, date time.Time, o *schedule.Overrides) (*Day, error) {
	settings, err := s.resolver.Resolve(ctx, companyID, o)
	if err != nil {
		return nil, err
	}
	return s.day(ctx, companyID, date, settings)
}

func (s *Service) day(ctx context.Context, companyID string, date time.Time, settings *schedule.Settings) (*Day, error) {
	y, m, d := date.Date()
	civil := time.Date(y, m, d, 0, 0, 0, 0, settings.Location)

	out := &Day{
		Date:           civil.Format("2006-01-02"),
		TimeZone:       settings.Location.String(),
		IsWorkingDay:   settings.IsWorkingDay(civil.Weekday()),
		SlotDuration:   settings.SlotDuration,
		AvailableSlots: []models.TimeSlot{},
		BusySlots:      []models.TimeSlot{},
	}
	if settings.ExcludeHolidays {
		if h, ok := holidays.Lookup(civil); ok {
			out.IsHoliday = true
			out.HolidayName = h.Name
		}
	}
	if !out.IsWorkingDay || out.IsHoliday {
		return out, nil
	}

	window := settings.Window(civil)
	out.WorkingWindow = &window
	busy, err := s.busy.GetBusySlots(ctx, companyID, window.Start, window.End)
	if err != nil {
		return nil, fmt.Errorf("failed to get busy slots: %w", err)
	}
	out.BusySlots = append(out.BusySlots, slots.Overlapping(window, busy)...)
	out.AvailableSlots = append(out.AvailableSlots, slots.ComputeFreeSlots(window.Start, window.End, out.BusySlots, settings.SlotDuration)...)
	return out, nil
}

// FindNextAvailableSlot scans forward day by day from after for the first free slot of the
// given duration that starts at or after after.
func (s *Service) FindNextAvailableSlot(ctx context.Context, companyID string, after time.Time, duration time.Duration, maxDays int) (*models.TimeSlot, error) {
	if maxDays <= 0 {
		maxDays = DefaultSearchDays
	}
	settings, err := s.resolver.Resolve(ctx, companyID, &schedule.Overrides{SlotDuration: duration})
	if err != nil {
		return nil, err
	}

	first := after.In(settings.Location)
	for i := 0; i < maxDays; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		date := first.AddDate(0, 0, i)
		day, err := s.day(ctx, companyID, date, settings)
		if err != nil {
			return nil, err
		}
		for _, slot := range day.AvailableSlots {
			if !slot.Start.Before(after) {
				found := slot.UTC()
				return &found, nil
			}
		}
	}
	return nil, ErrNoSlotFound
}

// IsSlotAvailable checks [start, end) against live busy time, bypassing any cache.
// excludeAppointmentID lets an appointment being moved ignore its own interval.
func (s *Service) IsSlotAvailable(ctx context.Context, companyID string, start, end time.Time, excludeAppointmentID string) (*Conflict, error) {
	if !end.After(start) {
		return nil, ErrInvalidRange
	}
	busy, err := s.busy.LiveBusySlots(ctx, companyID, start, end, excludeAppointmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to get busy slots: %w", err)
	}
	conflicts := slots.Overlapping(models.TimeSlot{Start: start, End: end}, busy)
	if conflicts == nil {
		conflicts = []models.TimeSlot{}
	}
	return &Conflict{Available: len(conflicts) == 0, Conflicts: conflicts}, nil
}
