package calendar

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStoreBusy is returned when a write failed on lock contention.
	// Callers may retry it after a short delay.
	ErrStoreBusy = errors.New("store busy")
)

// OpKind is the local mutation an outbox entry replays.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
	OpMove   OpKind = "move"
)

// OpStatus is the lifecycle state of an outbox entry.
type OpStatus string

const (
	OpPending    OpStatus = "pending"
	OpInProgress OpStatus = "in_progress"
	OpConflict   OpStatus = "conflict"
	OpFailed     OpStatus = "failed"
)

// MovePhase records how far a cross-calendar move has progressed.
// A crash between phases resumes at the persisted phase.
type MovePhase string

const (
	// MovePhaseAtomic tries a server-side MOVE.
	MovePhaseAtomic MovePhase = "atomic"
	// MovePhaseCreate creates the item in the target collection.
	MovePhaseCreate MovePhase = "create"
	// MovePhaseDelete removes the source item after a successful create.
	MovePhaseDelete MovePhase = "delete"
)

// PendingOperation is one entry of the local outbox.
type PendingOperation struct {
	ID         int64    `json:"id"`
	Kind       OpKind   `json:"kind"`
	EventID    int64    `json:"event_id"`
	CalendarID int64    `json:"calendar_id"`
	Status     OpStatus `json:"status"`

	RetryCount     int       `json:"retry_count"`
	NextRetryAt    time.Time `json:"next_retry_at"`
	LastError      string    `json:"last_error,omitempty"`
	ConflictCycles int       `json:"conflict_cycles"`

	// Move only
	MovePhase        MovePhase `json:"move_phase,omitempty"`
	SourceCalendarID int64     `json:"source_calendar_id,omitempty"`
	TargetCalendarID int64     `json:"target_calendar_id,omitempty"`
	SourceURL        string    `json:"source_url,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Due reports whether the entry may be attempted at now.
func (op *PendingOperation) Due(now time.Time) bool {
	if op.Status != OpPending {
		return false
	}
	return op.NextRetryAt.IsZero() || !op.NextRetryAt.After(now)
}
