// Package recurrence materializes event instances inside a time window.
package recurrence

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/djwarf/calsync/pkg/calendar"
)

const defaultMaxOccurrences = 5000

// ErrInvalidRule is wrapped when an RRULE value cannot be parsed.
var ErrInvalidRule = errors.New("invalid recurrence rule")

// Expander expands events into occurrences. The zero value is usable.
type Expander struct {
	// MaxOccurrences caps the instances produced for one event. Zero means
	// the package default.
	MaxOccurrences int

	Logger *slog.Logger
}

// NewExpander returns an expander with the default cap.
func NewExpander(logger *slog.Logger) *Expander {
	return &Expander{MaxOccurrences: defaultMaxOccurrences, Logger: logger}
}

// Expand returns the instances of ev that overlap [start, end). A
// non-recurring event yields at most one occurrence. Occurrences carry the
// instance's original start as key; EventID is left to the caller.
func (x *Expander) Expand(ev *calendar.Event, start, end time.Time) ([]calendar.Occurrence, error) {
	if end.Before(start) {
		return nil, errors.New("expand: window end is before start")
	}

	if !ev.IsRecurring() {
		if !inWindow(ev.Start, ev.End, start, end) {
			return nil, nil
		}
		return []calendar.Occurrence{makeOccurrence(ev.Start, ev.End)}, nil
	}

	opt, err := rrule.StrToROptionInLocation(ev.RRule, ev.Start.Location())
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidRule, ev.RRule, err)
	}
	opt.Dtstart = ev.Start
	rule, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidRule, ev.RRule, err)
	}

	var set rrule.Set
	set.RRule(rule)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	// Instances starting before the window can still overlap it.
	duration := ev.Duration()
	from := start.Add(-duration)

	limit := x.MaxOccurrences
	if limit <= 0 {
		limit = defaultMaxOccurrences
	}

	var out []calendar.Occurrence
	next := set.Iterator()
	for instant, ok := next(); ok; instant, ok = next() {
		if !instant.Before(end) {
			break
		}
		if instant.Before(from) {
			continue
		}
		instEnd := instant.Add(duration)
		if ev.AllDay {
			day := time.Date(instant.Year(), instant.Month(), instant.Day(), 0, 0, 0, 0, instant.Location())
			instant = day
			instEnd = day.AddDate(0, 0, int(duration.Hours()/24))
			if !instEnd.After(day) {
				instEnd = day.AddDate(0, 0, 1)
			}
		}
		if !inWindow(instant, instEnd, start, end) {
			continue
		}
		if len(out) == limit {
			if x.Logger != nil {
				x.Logger.Warn("occurrence cap reached", "uid", ev.UID, "cap", limit)
			}
			break
		}
		out = append(out, makeOccurrence(instant, instEnd))
	}
	return out, nil
}

// inWindow reports whether [s, e) overlaps [start, end). Zero-length
// instances count when s falls inside the window.
func inWindow(s, e, start, end time.Time) bool {
	if !e.After(s) {
		return !s.Before(start) && s.Before(end)
	}
	return s.Before(end) && e.After(start)
}

func makeOccurrence(start, end time.Time) calendar.Occurrence {
	return calendar.Occurrence{
		OriginalStart: calendar.CanonicalTime(start),
		Start:         start,
		End:           end,
	}
}
