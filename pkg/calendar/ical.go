package calendar

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"
)

// ErrInvalidObject is wrapped by every ParseObject failure.
var ErrInvalidObject = errors.New("invalid calendar object")

const productID = "-//calsync//EN"

// ParseObject converts one calendar resource into events. A resource holds
// a master and any exceptions sharing its UID; each VEVENT becomes one
// Event. Remote fields only: identifiers, URL and ETag are left to the
// caller.
func ParseObject(data *ical.Calendar) ([]*Event, error) {
	if data == nil {
		return nil, fmt.Errorf("%w: no data in calendar object", ErrInvalidObject)
	}

	var events []*Event
	for _, component := range data.Children {
		if component.Name != ical.CompEvent {
			continue
		}
		event, err := parseVEvent(component)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}

	if len(events) == 0 {
		return nil, fmt.Errorf("%w: no VEVENT found", ErrInvalidObject)
	}
	return events, nil
}

func parseVEvent(component *ical.Component) (*Event, error) {
	event := &Event{
		Status:     StatusConfirmed,
		SyncStatus: SyncStatusSynced,
	}

	prop := component.Props.Get(ical.PropUID)
	if prop == nil || strings.TrimSpace(prop.Value) == "" {
		return nil, fmt.Errorf("%w: missing UID", ErrInvalidObject)
	}
	event.UID = prop.Value

	if prop := component.Props.Get(ical.PropSummary); prop != nil {
		event.Title = prop.Value
	}
	if prop := component.Props.Get(ical.PropDescription); prop != nil {
		event.Description = prop.Value
	}
	if prop := component.Props.Get(ical.PropLocation); prop != nil {
		event.Location = prop.Value
	}

	start := component.Props.Get(ical.PropDateTimeStart)
	if start == nil {
		return nil, fmt.Errorf("%w: missing DTSTART for %s", ErrInvalidObject, event.UID)
	}
	t, err := propTime(start)
	if err != nil {
		return nil, fmt.Errorf("%w: bad DTSTART for %s: %v", ErrInvalidObject, event.UID, err)
	}
	event.Start = t
	event.AllDay = start.Params.Get(ical.ParamValue) == string(ical.ValueDate)
	event.TZID = start.Params.Get(ical.ParamTimezoneID)

	switch {
	case component.Props.Get(ical.PropDateTimeEnd) != nil:
		end, err := propTime(component.Props.Get(ical.PropDateTimeEnd))
		if err != nil {
			return nil, fmt.Errorf("%w: bad DTEND for %s: %v", ErrInvalidObject, event.UID, err)
		}
		event.End = end
	case component.Props.Get(ical.PropDuration) != nil:
		d, err := component.Props.Get(ical.PropDuration).Duration()
		if err != nil {
			return nil, fmt.Errorf("%w: bad DURATION for %s: %v", ErrInvalidObject, event.UID, err)
		}
		event.End = event.Start.Add(d)
	case event.AllDay:
		event.End = event.Start.AddDate(0, 0, 1)
	default:
		event.End = event.Start
	}

	if prop := component.Props.Get(ical.PropSequence); prop != nil {
		seq, err := strconv.Atoi(strings.TrimSpace(prop.Value))
		if err != nil {
			return nil, fmt.Errorf("%w: bad SEQUENCE for %s: %v", ErrInvalidObject, event.UID, err)
		}
		event.Sequence = seq
	}

	if prop := component.Props.Get(ical.PropRecurrenceRule); prop != nil {
		event.RRule = prop.Value
	}
	for _, prop := range component.Props[ical.PropExceptionDates] {
		for _, value := range strings.Split(prop.Value, ",") {
			single := ical.Prop{Name: prop.Name, Params: prop.Params, Value: value}
			t, err := propTime(&single)
			if err != nil {
				return nil, fmt.Errorf("%w: bad EXDATE for %s: %v", ErrInvalidObject, event.UID, err)
			}
			event.ExDates = append(event.ExDates, t)
		}
	}

	if prop := component.Props.Get(ical.PropRecurrenceID); prop != nil {
		t, err := propTime(prop)
		if err != nil {
			return nil, fmt.Errorf("%w: bad RECURRENCE-ID for %s: %v", ErrInvalidObject, event.UID, err)
		}
		event.RecurrenceID = t
	}

	if prop := component.Props.Get(ical.PropCreated); prop != nil {
		if t, err := prop.DateTime(time.UTC); err == nil {
			event.Created = t
		}
	}
	if prop := component.Props.Get(ical.PropLastModified); prop != nil {
		if t, err := prop.DateTime(time.UTC); err == nil {
			event.Modified = t
		}
	}
	if prop := component.Props.Get(ical.PropDateTimeStamp); prop != nil {
		if t, err := prop.DateTime(time.UTC); err == nil {
			event.DTStamp = t
		}
	}

	if prop := component.Props.Get(ical.PropStatus); prop != nil {
		switch strings.ToUpper(prop.Value) {
		case "TENTATIVE":
			event.Status = StatusTentative
		case "CANCELLED":
			event.Status = StatusCancelled
		}
	}

	for _, child := range component.Children {
		if child.Name != ical.CompAlarm {
			continue
		}
		trigger := child.Props.Get(ical.PropTrigger)
		if trigger == nil {
			continue
		}
		// Absolute triggers carry VALUE=DATE-TIME; only relative ones map to reminders.
		if trigger.Params.Get(ical.ParamValue) != "" && trigger.Params.Get(ical.ParamValue) != string(ical.ValueDuration) {
			continue
		}
		d, err := trigger.Duration()
		if err != nil {
			continue
		}
		if d <= 0 {
			event.Reminders = append(event.Reminders, int(-d/time.Minute))
		}
	}

	return event, nil
}

// propTime reads a date or date-time property. Unknown TZIDs (common with
// Exchange) degrade to a floating time in UTC instead of failing the item.
func propTime(prop *ical.Prop) (time.Time, error) {
	t, err := prop.DateTime(time.UTC)
	if err == nil {
		return t, nil
	}
	if prop.Params.Get(ical.ParamTimezoneID) == "" {
		return time.Time{}, err
	}
	floating := ical.Prop{Name: prop.Name, Params: ical.Params{}, Value: prop.Value}
	if v := prop.Params.Get(ical.ParamValue); v != "" {
		floating.Params.Set(ical.ParamValue, v)
	}
	return floating.DateTime(time.UTC)
}

// EncodeObject converts a master and its exceptions into one calendar
// resource.
func EncodeObject(master *Event, exceptions []*Event) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)

	cal.Children = append(cal.Children, eventToVEvent(master))
	for _, ex := range exceptions {
		cal.Children = append(cal.Children, eventToVEvent(ex))
	}
	return cal
}

func eventToVEvent(event *Event) *ical.Component {
	vevent := ical.NewComponent(ical.CompEvent)
	vevent.Props.SetText(ical.PropUID, event.UID)
	vevent.Props.SetText(ical.PropSummary, event.Title)

	if event.Description != "" {
		vevent.Props.SetText(ical.PropDescription, event.Description)
	}
	if event.Location != "" {
		vevent.Props.SetText(ical.PropLocation, event.Location)
	}

	if event.AllDay {
		vevent.Props.SetDate(ical.PropDateTimeStart, event.Start)
		vevent.Props.SetDate(ical.PropDateTimeEnd, event.End)
	} else {
		vevent.Props.SetDateTime(ical.PropDateTimeStart, event.Start)
		vevent.Props.SetDateTime(ical.PropDateTimeEnd, event.End)
	}

	stamp := event.DTStamp
	if stamp.IsZero() {
		stamp = time.Now()
	}
	vevent.Props.SetDateTime(ical.PropDateTimeStamp, stamp.UTC())
	if !event.Created.IsZero() {
		vevent.Props.SetDateTime(ical.PropCreated, event.Created.UTC())
	}
	if !event.Modified.IsZero() {
		vevent.Props.SetDateTime(ical.PropLastModified, event.Modified.UTC())
	}
	vevent.Props.SetText(ical.PropSequence, strconv.Itoa(event.Sequence))

	if event.RRule != "" {
		rule := ical.NewProp(ical.PropRecurrenceRule)
		rule.Value = event.RRule
		vevent.Props.Set(rule)
	}
	for _, ex := range event.ExDates {
		prop := ical.NewProp(ical.PropExceptionDates)
		if event.AllDay {
			prop.SetDate(ex)
		} else {
			prop.SetDateTime(ex)
		}
		vevent.Props.Add(prop)
	}
	if event.IsException() {
		if event.AllDay {
			vevent.Props.SetDate(ical.PropRecurrenceID, event.RecurrenceID)
		} else {
			vevent.Props.SetDateTime(ical.PropRecurrenceID, event.RecurrenceID)
		}
	}

	switch event.Status {
	case StatusConfirmed:
		vevent.Props.SetText(ical.PropStatus, "CONFIRMED")
	case StatusTentative:
		vevent.Props.SetText(ical.PropStatus, "TENTATIVE")
	case StatusCancelled:
		vevent.Props.SetText(ical.PropStatus, "CANCELLED")
	}

	for _, minutes := range event.Reminders {
		alarm := ical.NewComponent(ical.CompAlarm)
		alarm.Props.SetText(ical.PropAction, "DISPLAY")
		alarm.Props.SetText(ical.PropDescription, event.Title)
		trigger := ical.NewProp(ical.PropTrigger)
		trigger.Value = fmt.Sprintf("-PT%dM", minutes)
		alarm.Props.Set(trigger)
		vevent.Children = append(vevent.Children, alarm)
	}

	return vevent
}
