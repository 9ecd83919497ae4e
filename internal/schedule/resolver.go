// Package schedule resolves a company's working-hours policy.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"schedsync/internal/models"
)

const (
	DefaultStart        = "09:00"
	DefaultEnd          = "18:00"
	DefaultTimeZone     = "America/New_York"
	DefaultSlotDuration = 30 * time.Minute
)

// DefaultWorkingDays is Monday through Friday.
var DefaultWorkingDays = []string{"monday", "tuesday", "wednesday", "thursday", "friday"}

// ErrNoSettings is returned by a SettingsStore when the company has no stored policy.
var ErrNoSettings = errors.New("no schedule settings")

// SettingsStore reads the persisted policy of a company.
type SettingsStore interface {
	GetScheduleSettings(ctx context.Context, companyID string) (*models.ScheduleSettings, error)
}

// Overrides are per-call values that win over stored settings. Nil or zero fields are unset.
type Overrides struct {
	Start           string
	End             string
	SlotDuration    time.Duration
	WorkingDays     []string
	ExcludeHolidays *bool
	TimeZone        string
}

// Settings is a fully resolved policy.
type Settings struct {
	Start           Clock
	End             Clock
	WorkingDays     map[time.Weekday]bool
	ExcludeHolidays bool
	Location        *time.Location
	SlotDuration    time.Duration
}

// IsWorkingDay reports whether the weekday is in the working-day set.
func (s *Settings) IsWorkingDay(wd time.Weekday) bool {
	return s.WorkingDays[wd]
}

// Window returns the working window on the civil date of day, in the policy's time zone.
func (s *Settings) Window(day time.Time) models.TimeSlot {
	y, m, d := day.Date()
	return models.TimeSlot{
		Start: time.Date(y, m, d, s.Start.Hour, s.Start.Minute, 0, 0, s.Location),
		End:   time.Date(y, m, d, s.End.Hour, s.End.Minute, 0, 0, s.Location),
	}
}

// Resolver merges defaults, stored settings and overrides.
type Resolver struct {
	store SettingsStore
}

func NewResolver(store SettingsStore) *Resolver {
	return &Resolver{store: store}
}

// Resolve loads the stored policy for the company and applies overrides on top.
func (r *Resolver) Resolve(ctx context.Context, companyID string, o *Overrides) (*Settings, error) {
	var stored *models.ScheduleSettings
	if r.store != nil {
		s, err := r.store.GetScheduleSettings(ctx, companyID)
		if err != nil && !errors.Is(err, ErrNoSettings) {
			return nil, fmt.Errorf("failed to load schedule settings: %w", err)
		}
		stored = s
	}
	return Merge(stored, o)
}

// Merge applies defaults < stored < overrides field by field.
func Merge(stored *models.ScheduleSettings, o *Overrides) (*Settings, error) {
	if stored == nil {
		stored = &models.ScheduleSettings{}
	}
	if o == nil {
		o = &Overrides{}
	}

	start := firstNonEmpty(o.Start, stored.WorkingHoursStart, DefaultStart)
	end := firstNonEmpty(o.End, stored.WorkingHoursEnd, DefaultEnd)
	tz := firstNonEmpty(o.TimeZone, stored.TimeZone, DefaultTimeZone)

	days := DefaultWorkingDays
	if len(stored.WorkingDays) > 0 {
		days = stored.WorkingDays
	}
	if len(o.WorkingDays) > 0 {
		days = o.WorkingDays
	}

	exclude := false
	if stored.ExcludeHolidays != nil {
		exclude = *stored.ExcludeHolidays
	}
	if o.ExcludeHolidays != nil {
		exclude = *o.ExcludeHolidays
	}

	duration := DefaultSlotDuration
	if stored.SlotDurationMinutes > 0 {
		duration = time.Duration(stored.SlotDurationMinutes) * time.Minute
	}
	if o.SlotDuration > 0 {
		duration = o.SlotDuration
	}

	s := &Settings{ExcludeHolidays: exclude, SlotDuration: duration}
	var err error
	if s.Start, err = ParseClock(start); err != nil {
		return nil, fmt.Errorf("invalid working hours start: %w", err)
	}
	if s.End, err = ParseClock(end); err != nil {
		return nil, fmt.Errorf("invalid working hours end: %w", err)
	}
	if !s.Start.Before(s.End) {
		return nil, fmt.Errorf("working hours start %s must be before end %s", start, end)
	}
	if s.Location, err = time.LoadLocation(tz); err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", tz, err)
	}
	if s.WorkingDays, err = parseWeekdays(days); err != nil {
		return nil, err
	}
	return s, nil
}

// Clock is a wall-clock time of day.
type Clock struct {
	Hour   int
	Minute int
}

// ParseClock parses "HH:MM" (seconds, if present, are ignored).
func ParseClock(s string) (Clock, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return Clock{}, fmt.Errorf("expected HH:MM, got %q", s)
	}
	if h < 0 || h > 24 || m < 0 || m > 59 || (h == 24 && m != 0) {
		return Clock{}, fmt.Errorf("clock value out of range: %q", s)
	}
	return Clock{Hour: h, Minute: m}, nil
}

func (c Clock) Before(o Clock) bool {
	return c.Hour*60+c.Minute < o.Hour*60+o.Minute
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// WeekdayName returns the lowercase English name used in stored settings.
func WeekdayName(wd time.Weekday) string {
	return strings.ToLower(wd.String())
}

func parseWeekdays(names []string) (map[time.Weekday]bool, error) {
	out := make(map[time.Weekday]bool, len(names))
	for _, n := range names {
		wd, ok := weekdayNames[strings.ToLower(strings.TrimSpace(n))]
		if !ok {
			return nil, fmt.Errorf("unknown working day %q", n)
		}
		out[wd] = true
	}
	return out, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
