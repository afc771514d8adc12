package calendar

import (
	"time"
)

// Event represents a calendar item. A master carries the recurrence rule,
// an exception overrides a single instance of its master.
type Event struct {
	ID          int64     `json:"id"`
	CalendarID  int64     `json:"calendar_id"`
	UID         string    `json:"uid"` // iCal UID
	URL         string    `json:"url"` // remote resource path
	ETag        string    `json:"etag"`
	Sequence    int       `json:"sequence"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Location    string    `json:"location"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	AllDay      bool      `json:"all_day"`
	TZID        string    `json:"tzid,omitempty"`
	Color       string    `json:"color"`

	// Recurrence
	RRule   string      `json:"rrule,omitempty"` // RFC 5545 RRULE value, e.g. "FREQ=WEEKLY;BYDAY=MO"
	ExDates []time.Time `json:"exdates,omitempty"`

	// Exception linkage. RecurrenceID is zero for masters.
	RecurrenceID time.Time `json:"recurrence_id,omitempty"`
	MasterID     int64     `json:"master_id,omitempty"`

	// Reminders (minutes before event)
	Reminders []int `json:"reminders,omitempty"`

	// Metadata
	Created  time.Time `json:"created"`
	Modified time.Time `json:"modified"`
	DTStamp  time.Time `json:"dtstamp"`

	Status     EventStatus `json:"status"`
	SyncStatus SyncStatus  `json:"sync_status"`
	SyncError  string      `json:"sync_error,omitempty"`
}

// EventStatus represents the status of an event
type EventStatus string

const (
	StatusConfirmed EventStatus = "confirmed"
	StatusTentative EventStatus = "tentative"
	StatusCancelled EventStatus = "cancelled"
)

// SyncStatus tracks whether the local copy of an event has unpushed changes.
type SyncStatus string

const (
	SyncStatusSynced        SyncStatus = "synced"
	SyncStatusPendingCreate SyncStatus = "pending_create"
	SyncStatusPendingUpdate SyncStatus = "pending_update"
	SyncStatusPendingDelete SyncStatus = "pending_delete"
)

// Occurrence is one materialized instance of an event inside the
// occurrence window. ExceptionID is set when an exception event overrides
// the instance that originally started at OriginalStart.
type Occurrence struct {
	ID            int64     `json:"id"`
	EventID       int64     `json:"event_id"`
	ExceptionID   int64     `json:"exception_id,omitempty"`
	OriginalStart time.Time `json:"original_start"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
}

// Calendar represents one remote collection.
type Calendar struct {
	ID          int64  `json:"id"`
	AccountID   int64  `json:"account_id"`
	URL         string `json:"url"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Color       string `json:"color"`
	Visible     bool   `json:"visible"`
	ReadOnly    bool   `json:"read_only"`

	// Sync metadata
	CTag         string    `json:"ctag"`
	SyncToken    string    `json:"sync_token"`
	ParseRetries int       `json:"parse_retries"`
	LastSync     time.Time `json:"last_sync"`
}

// Account represents a calendar account (Google, Apple, etc.)
type Account struct {
	ID      int64       `json:"id"`
	Name    string      `json:"name"`
	Type    AccountType `json:"type"`
	Email   string      `json:"email"`
	Enabled bool        `json:"enabled"`

	// Connection details
	ServerURL string `json:"server_url"`
	Username  string `json:"username"`
	// ExternalID is the handle of the account in an external credential
	// source, e.g. a GNOME Online Accounts object path.
	ExternalID string `json:"external_id,omitempty"`

	// Discovery results
	PrincipalURL string `json:"principal_url,omitempty"`
	HomeSetURL   string `json:"home_set_url,omitempty"`

	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastSuccessfulSync  time.Time `json:"last_successful_sync"`
	LastSync            time.Time `json:"last_sync"`
}

// AccountType represents the type of calendar account
type AccountType string

const (
	AccountTypeGoogle  AccountType = "google"
	AccountTypeApple   AccountType = "apple"
	AccountTypeOutlook AccountType = "outlook"
	AccountTypeSamsung AccountType = "samsung"
	AccountTypeCalDAV  AccountType = "caldav"
	AccountTypeGNOME   AccountType = "gnome"
	AccountTypeLocal   AccountType = "local"
)

// Duration returns the duration of the event
func (e *Event) Duration() time.Duration {
	return e.End.Sub(e.Start)
}

// IsRecurring returns true if the event has a recurrence rule
func (e *Event) IsRecurring() bool {
	return e.RRule != ""
}

// IsException returns true if the event overrides one instance of a master.
func (e *Event) IsException() bool {
	return !e.RecurrenceID.IsZero()
}

// IsPending reports whether the event carries a local change that has not
// been pushed yet.
func (e *Event) IsPending() bool {
	return e.SyncStatus != "" && e.SyncStatus != SyncStatusSynced
}

// Overlaps returns true if this event overlaps with the given range
func (e *Event) Overlaps(start, end time.Time) bool {
	return e.Start.Before(end) && e.End.After(start)
}

// CopyRemoteFields copies server-owned content from src into e while
// keeping e's local identity (ID, calendar, creation time, color).
func (e *Event) CopyRemoteFields(src *Event) {
	e.UID = src.UID
	e.URL = src.URL
	e.ETag = src.ETag
	e.Sequence = src.Sequence
	e.Title = src.Title
	e.Description = src.Description
	e.Location = src.Location
	e.Start = src.Start
	e.End = src.End
	e.AllDay = src.AllDay
	e.TZID = src.TZID
	e.RRule = src.RRule
	e.ExDates = src.ExDates
	e.RecurrenceID = src.RecurrenceID
	e.Reminders = src.Reminders
	e.Modified = src.Modified
	e.DTStamp = src.DTStamp
	e.Status = src.Status
	if e.Created.IsZero() {
		e.Created = src.Created
	}
}

// LastChanged returns the best available modification instant, truncated to
// whole seconds in UTC. LAST-MODIFIED wins over DTSTAMP.
func (e *Event) LastChanged() time.Time {
	t := e.Modified
	if t.IsZero() {
		t = e.DTStamp
	}
	return CanonicalTime(t)
}

// CanonicalTime normalizes an instant for comparisons and persistence:
// UTC with second precision.
func CanonicalTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return t.UTC().Truncate(time.Second)
}
