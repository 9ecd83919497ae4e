package icloud

import (
	"fmt"
	"time"

	"github.com/emersion/go-ical"

	"schedsync/internal/provider"
)

func newCalendar(events ...*ical.Component) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)
	cal.Children = append(cal.Children, events...)
	return cal
}

// toICal converts an event input to a VEVENT.
func toICal(uid string, in provider.EventInput, now time.Time) *ical.Component {
	ve := ical.NewComponent(ical.CompEvent)
	ve.Props.SetText(ical.PropUID, uid)
	ve.Props.SetText(ical.PropSummary, in.Title)
	ve.Props.SetDateTime(ical.PropDateTimeStamp, now.UTC())
	setTime(ve, ical.PropDateTimeStart, in.Start, in.AllDay)
	setTime(ve, ical.PropDateTimeEnd, in.End, in.AllDay)

	if in.Description != "" {
		ve.Props.SetText(ical.PropDescription, in.Description)
	}
	if in.Location != "" {
		ve.Props.SetText(ical.PropLocation, in.Location)
	}
	return ve
}

func setTime(ve *ical.Component, name string, t time.Time, allDay bool) {
	if allDay {
		p := ical.NewProp(name)
		p.SetDate(t)
		ve.Props.Set(p)
		return
	}
	ve.Props.SetDateTime(name, t.UTC())
}

func firstEvent(cal *ical.Calendar) *ical.Component {
	if cal == nil {
		return nil
	}
	for _, comp := range cal.Children {
		if comp.Name == ical.CompEvent {
			return comp
		}
	}
	return nil
}

func applyChanges(ve *ical.Component, changes provider.EventChanges, now time.Time) {
	if changes.Title != nil {
		ve.Props.SetText(ical.PropSummary, *changes.Title)
	}
	if changes.Description != nil {
		ve.Props.SetText(ical.PropDescription, *changes.Description)
	}
	if changes.Location != nil {
		ve.Props.SetText(ical.PropLocation, *changes.Location)
	}
	allDay := isDate(ve.Props.Get(ical.PropDateTimeStart))
	if changes.AllDay != nil {
		allDay = *changes.AllDay
	}
	if changes.Start != nil {
		setTime(ve, ical.PropDateTimeStart, *changes.Start, allDay)
	}
	if changes.End != nil {
		delete(ve.Props, ical.PropDuration)
		setTime(ve, ical.PropDateTimeEnd, *changes.End, allDay)
	}
	ve.Props.SetDateTime(ical.PropDateTimeStamp, now.UTC())
}

func isDate(p *ical.Prop) bool {
	return p != nil && p.Params.Get(ical.ParamValue) == string(ical.ValueDate)
}

func text(ve *ical.Component, name string) string {
	if p := ve.Props.Get(name); p != nil {
		return p.Value
	}
	return ""
}

// parseEvent reads a VEVENT's master instance.
func parseEvent(ve *ical.Component, objPath string) (occurrence, time.Duration, error) {
	startProp := ve.Props.Get(ical.PropDateTimeStart)
	if startProp == nil {
		return occurrence{}, 0, fmt.Errorf("event has no DTSTART")
	}
	start, err := startProp.DateTime(time.UTC)
	if err != nil {
		return occurrence{}, 0, fmt.Errorf("parse DTSTART: %w", err)
	}
	allDay := isDate(startProp)

	end := start
	switch {
	case ve.Props.Get(ical.PropDateTimeEnd) != nil:
		if end, err = ve.Props.Get(ical.PropDateTimeEnd).DateTime(time.UTC); err != nil {
			return occurrence{}, 0, fmt.Errorf("parse DTEND: %w", err)
		}
	case ve.Props.Get(ical.PropDuration) != nil:
		d, err := ve.Props.Get(ical.PropDuration).Duration()
		if err != nil {
			return occurrence{}, 0, fmt.Errorf("parse DURATION: %w", err)
		}
		end = start.Add(d)
	case allDay:
		end = start.Add(24 * time.Hour)
	}

	occ := occurrence{
		RemoteEvent: provider.RemoteEvent{
			ProviderID:  objPath,
			Title:       text(ve, ical.PropSummary),
			Description: text(ve, ical.PropDescription),
			Location:    text(ve, ical.PropLocation),
			Start:       start.UTC(),
			End:         end.UTC(),
			TimeZone:    startProp.Params.Get(ical.ParamTimezoneID),
			AllDay:      allDay,
			Cancelled:   text(ve, ical.PropStatus) == "CANCELLED",
			ICalUID:     text(ve, ical.PropUID),
		},
		transparent: text(ve, ical.PropTransparency) == "TRANSPARENT",
	}
	return occ, end.Sub(start), nil
}

// expand returns the event's instances overlapping [from, to). Recurring events are
// expanded from their RRULE; others yield at most their single instance.
func expand(ve *ical.Component, objPath string, from, to time.Time) ([]occurrence, error) {
	master, dur, err := parseEvent(ve, objPath)
	if err != nil {
		return nil, err
	}
	set, err := ve.RecurrenceSet(time.UTC)
	if err != nil {
		return nil, fmt.Errorf("parse recurrence: %w", err)
	}
	if set == nil {
		if master.Start.Before(to) && master.End.After(from) {
			return []occurrence{master}, nil
		}
		return nil, nil
	}

	var out []occurrence
	for _, start := range set.Between(from.Add(-dur), to, true) {
		occ := master
		occ.Start = start.UTC()
		occ.End = occ.Start.Add(dur)
		if occ.Start.Before(to) && occ.End.After(from) {
			out = append(out, occ)
		}
	}
	return out, nil
}
