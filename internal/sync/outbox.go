package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/djwarf/calsync/pkg/calendar"
)

var (
	// ErrEventDeleted is returned when editing an event with a pending delete.
	ErrEventDeleted = errors.New("event is being deleted")

	// ErrReadOnlyCalendar is returned when changing a read-only calendar.
	ErrReadOnlyCalendar = errors.New("calendar is read-only")

	// ErrCrossAccountMove is returned when moving between accounts.
	ErrCrossAccountMove = errors.New("cannot move an event to another account")
)

// Outbox records local edits. Every change is written to the store at once
// and queued for the next push; an outstanding entry for the same event is
// amended instead of stacking a second one.
type Outbox struct {
	store  Store
	opts   Options
	logger *slog.Logger
	mapper *mapper
}

// NewOutbox creates an outbox over store.
func NewOutbox(store Store, opts Options) *Outbox {
	opts = opts.withDefaults()
	logger := opts.Logger.With("component", "outbox")
	return &Outbox{
		store:  store,
		opts:   opts,
		logger: logger,
		mapper: &mapper{store: store, opts: opts, logger: logger},
	}
}

// Create adds a new master to its calendar.
func (o *Outbox) Create(ctx context.Context, ev *calendar.Event) error {
	if ev.ID != 0 {
		return fmt.Errorf("event %d already exists", ev.ID)
	}
	if ev.IsException() {
		return errors.New("exceptions are added with UpdateInstance")
	}
	if err := o.writable(ctx, ev.CalendarID); err != nil {
		return err
	}

	now := calendar.CanonicalTime(o.opts.Now())
	if ev.UID == "" {
		ev.UID = uuid.New().String()
	}
	if ev.Status == "" {
		ev.Status = calendar.StatusConfirmed
	}
	ev.URL = ""
	ev.ETag = ""
	ev.Sequence = 0
	ev.Created = now
	ev.Modified = now
	ev.DTStamp = now
	ev.SyncStatus = calendar.SyncStatusPendingCreate

	if err := o.mapper.saveMaster(ctx, ev); err != nil {
		return fmt.Errorf("failed to save event: %w", err)
	}
	return o.save(ctx, &calendar.PendingOperation{
		Kind:       calendar.OpCreate,
		EventID:    ev.ID,
		CalendarID: ev.CalendarID,
	})
}

// Update stores a content change of a master or exception.
func (o *Outbox) Update(ctx context.Context, ev *calendar.Event) error {
	if ev.ID == 0 {
		return errors.New("event has not been created")
	}
	if err := o.writable(ctx, ev.CalendarID); err != nil {
		return err
	}

	o.touch(ev)

	if ev.IsException() {
		master, err := o.store.GetEvent(ctx, ev.MasterID)
		if err != nil {
			return fmt.Errorf("failed to load master: %w", err)
		}
		if master.SyncStatus == calendar.SyncStatusPendingDelete {
			return ErrEventDeleted
		}
		if ev.SyncStatus == calendar.SyncStatusSynced || ev.SyncStatus == "" {
			ev.SyncStatus = calendar.SyncStatusPendingUpdate
		}
		occ := calendar.Occurrence{Start: ev.Start, End: ev.End}
		if err := storeWrite(ctx, func() error { return o.store.SaveException(ctx, ev, occ) }); err != nil {
			return fmt.Errorf("failed to save exception: %w", err)
		}
		// The exception is pushed inside its master's resource.
		return o.enqueueUpdate(ctx, master, false)
	}

	return o.enqueueUpdate(ctx, ev, true)
}

// UpdateInstance overrides one instance of a recurring master. The
// instance is identified by its original start.
func (o *Outbox) UpdateInstance(ctx context.Context, master *calendar.Event, originalStart time.Time, change func(ex *calendar.Event)) (*calendar.Event, error) {
	if !master.IsRecurring() {
		return nil, errors.New("event does not recur")
	}

	ex, err := o.store.FindException(ctx, master.ID, originalStart)
	switch {
	case errors.Is(err, calendar.ErrNotFound):
		ex = &calendar.Event{
			CalendarID:   master.CalendarID,
			UID:          master.UID,
			Title:        master.Title,
			Description:  master.Description,
			Location:     master.Location,
			AllDay:       master.AllDay,
			TZID:         master.TZID,
			Color:        master.Color,
			Reminders:    master.Reminders,
			Status:       master.Status,
			RecurrenceID: calendar.CanonicalTime(originalStart),
			MasterID:     master.ID,
			Start:        originalStart,
			End:          originalStart.Add(master.Duration()),
			Created:      calendar.CanonicalTime(o.opts.Now()),
			SyncStatus:   calendar.SyncStatusPendingCreate,
		}
	case err != nil:
		return nil, fmt.Errorf("failed to look up instance: %w", err)
	}

	change(ex)
	ex.MasterID = master.ID
	ex.UID = master.UID
	if ex.ID == 0 {
		o.touch(ex)
		occ := calendar.Occurrence{Start: ex.Start, End: ex.End}
		if err := storeWrite(ctx, func() error { return o.store.SaveException(ctx, ex, occ) }); err != nil {
			return nil, fmt.Errorf("failed to save exception: %w", err)
		}
		return ex, o.enqueueUpdate(ctx, master, false)
	}
	return ex, o.Update(ctx, ex)
}

// Delete removes a master, or cancels one instance when ev is an
// exception.
func (o *Outbox) Delete(ctx context.Context, ev *calendar.Event) error {
	if err := o.writable(ctx, ev.CalendarID); err != nil {
		return err
	}
	if ev.IsException() {
		master, err := o.store.GetEvent(ctx, ev.MasterID)
		if err != nil {
			return fmt.Errorf("failed to load master: %w", err)
		}
		return o.CancelInstance(ctx, master, ev.RecurrenceID)
	}

	op, err := o.outstanding(ctx, ev.ID)
	if err != nil {
		return err
	}

	if ev.URL == "" || (op != nil && op.Kind == calendar.OpCreate) {
		// Never reached the server.
		return storeWrite(ctx, func() error { return o.store.DeleteEvent(ctx, ev.ID) })
	}

	ev.Modified = calendar.CanonicalTime(o.opts.Now())
	ev.SyncStatus = calendar.SyncStatusPendingDelete
	if err := storeWrite(ctx, func() error { return o.store.SaveEvent(ctx, ev) }); err != nil {
		return fmt.Errorf("failed to save event: %w", err)
	}

	if op == nil {
		return o.save(ctx, &calendar.PendingOperation{
			Kind:       calendar.OpDelete,
			EventID:    ev.ID,
			CalendarID: ev.CalendarID,
		})
	}
	if op.Kind == calendar.OpMove {
		if op.MovePhase == calendar.MovePhaseDelete {
			o.logger.Warn("deleting moved event before its source copy was removed",
				"event_id", ev.ID, "source_url", op.SourceURL)
		} else {
			// The item still lives at the source.
			ev.URL = op.SourceURL
			if err := storeWrite(ctx, func() error { return o.store.SaveEvent(ctx, ev) }); err != nil {
				return fmt.Errorf("failed to save event: %w", err)
			}
		}
	}
	return o.amend(ctx, op, calendar.OpDelete)
}

// CancelInstance removes one instance of a recurring master: the instant
// becomes an EXDATE and any exception for it is dropped.
func (o *Outbox) CancelInstance(ctx context.Context, master *calendar.Event, originalStart time.Time) error {
	if !master.IsRecurring() {
		return errors.New("event does not recur")
	}
	ex, err := o.store.FindException(ctx, master.ID, originalStart)
	switch {
	case err == nil:
		if err := storeWrite(ctx, func() error { return o.store.DeleteEvent(ctx, ex.ID) }); err != nil {
			return fmt.Errorf("failed to delete exception: %w", err)
		}
	case !errors.Is(err, calendar.ErrNotFound):
		return fmt.Errorf("failed to look up instance: %w", err)
	}

	master.ExDates = append(master.ExDates, calendar.CanonicalTime(originalStart))
	o.touch(master)
	return o.enqueueUpdate(ctx, master, true)
}

// Move transfers a master to another calendar of the same account.
func (o *Outbox) Move(ctx context.Context, ev *calendar.Event, targetID int64) error {
	if ev.IsException() {
		return errors.New("exceptions move with their master")
	}
	if ev.CalendarID == targetID {
		return nil
	}
	source, err := o.store.GetCalendar(ctx, ev.CalendarID)
	if err != nil {
		return fmt.Errorf("failed to load calendar: %w", err)
	}
	target, err := o.store.GetCalendar(ctx, targetID)
	if err != nil {
		return fmt.Errorf("failed to load target calendar: %w", err)
	}
	if source.AccountID != target.AccountID {
		return ErrCrossAccountMove
	}
	if source.ReadOnly || target.ReadOnly {
		return ErrReadOnlyCalendar
	}

	op, err := o.outstanding(ctx, ev.ID)
	if err != nil {
		return err
	}
	if op != nil && op.Kind == calendar.OpDelete {
		return ErrEventDeleted
	}

	if err := o.moveRows(ctx, ev, targetID); err != nil {
		return err
	}

	switch {
	case ev.URL == "":
		// Not on the server yet: create it in the target instead.
		if op == nil {
			return o.save(ctx, &calendar.PendingOperation{
				Kind: calendar.OpCreate, EventID: ev.ID, CalendarID: targetID,
			})
		}
		op.CalendarID = targetID
		return o.save(ctx, op)

	case op == nil:
		return o.save(ctx, &calendar.PendingOperation{
			Kind:             calendar.OpMove,
			EventID:          ev.ID,
			CalendarID:       source.ID,
			MovePhase:        calendar.MovePhaseAtomic,
			SourceCalendarID: source.ID,
			TargetCalendarID: targetID,
			SourceURL:        ev.URL,
		})

	case op.Kind == calendar.OpMove && targetID == op.SourceCalendarID && op.MovePhase == calendar.MovePhaseAtomic:
		// Moved back before anything reached the server.
		ev.SyncStatus = calendar.SyncStatusSynced
		if err := storeWrite(ctx, func() error { return o.store.SaveEvent(ctx, ev) }); err != nil {
			return fmt.Errorf("failed to save event: %w", err)
		}
		return storeWrite(ctx, func() error { return o.store.DeleteOperation(ctx, op.ID) })

	case op.Kind == calendar.OpMove:
		op.TargetCalendarID = targetID
		return o.save(ctx, op)

	default:
		// Unpushed content: copy the local version instead of moving the
		// server's.
		op.Kind = calendar.OpMove
		op.MovePhase = calendar.MovePhaseCreate
		op.SourceCalendarID = source.ID
		op.TargetCalendarID = targetID
		op.SourceURL = ev.URL
		return o.save(ctx, op)
	}
}

func (o *Outbox) moveRows(ctx context.Context, ev *calendar.Event, targetID int64) error {
	exceptions, err := o.store.GetExceptions(ctx, ev.ID)
	if err != nil {
		return fmt.Errorf("failed to load exceptions: %w", err)
	}
	ev.CalendarID = targetID
	if ev.SyncStatus == calendar.SyncStatusSynced || ev.SyncStatus == "" {
		ev.SyncStatus = calendar.SyncStatusPendingUpdate
	}
	if err := storeWrite(ctx, func() error { return o.store.SaveEvent(ctx, ev) }); err != nil {
		return fmt.Errorf("failed to save event: %w", err)
	}
	for _, ex := range exceptions {
		ex.CalendarID = targetID
		if err := storeWrite(ctx, func() error { return o.store.SaveEvent(ctx, ex) }); err != nil {
			return fmt.Errorf("failed to save exception: %w", err)
		}
	}
	return nil
}

// enqueueUpdate saves ev and queues or amends an update for it. When
// regenerate is set the occurrence window is rebuilt as well.
func (o *Outbox) enqueueUpdate(ctx context.Context, ev *calendar.Event, regenerate bool) error {
	op, err := o.outstanding(ctx, ev.ID)
	if err != nil {
		return err
	}
	if op != nil && op.Kind == calendar.OpDelete {
		return ErrEventDeleted
	}

	switch {
	case op != nil && op.Kind == calendar.OpCreate:
		ev.SyncStatus = calendar.SyncStatusPendingCreate
	case ev.URL == "":
		ev.SyncStatus = calendar.SyncStatusPendingCreate
	default:
		ev.SyncStatus = calendar.SyncStatusPendingUpdate
	}

	if regenerate {
		err = o.mapper.saveMaster(ctx, ev)
	} else {
		err = storeWrite(ctx, func() error { return o.store.SaveEvent(ctx, ev) })
	}
	if err != nil {
		return fmt.Errorf("failed to save event: %w", err)
	}

	if op == nil {
		kind := calendar.OpUpdate
		if ev.URL == "" {
			kind = calendar.OpCreate
		}
		return o.save(ctx, &calendar.PendingOperation{
			Kind: kind, EventID: ev.ID, CalendarID: ev.CalendarID,
		})
	}
	return o.amend(ctx, op, calendar.OpUpdate)
}

// amend folds a new local change of kind into the outstanding entry op.
func (o *Outbox) amend(ctx context.Context, op *calendar.PendingOperation, kind calendar.OpKind) error {
	switch {
	case op.Kind == calendar.OpCreate:
		// The create will carry the new content.
	case op.Kind == calendar.OpMove && kind == calendar.OpUpdate:
		if op.MovePhase == calendar.MovePhaseAtomic {
			op.MovePhase = calendar.MovePhaseCreate
		}
	default:
		op.Kind = kind
	}
	if op.Status == calendar.OpFailed {
		op.Status = calendar.OpPending
		op.LastError = ""
	}
	// A fresh edit is retried promptly.
	if op.Status == calendar.OpPending {
		op.RetryCount = 0
		op.NextRetryAt = time.Time{}
	}
	return o.save(ctx, op)
}

func (o *Outbox) outstanding(ctx context.Context, eventID int64) (*calendar.PendingOperation, error) {
	op, err := o.store.GetOperationForEvent(ctx, eventID)
	if errors.Is(err, calendar.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load outbox entry: %w", err)
	}
	return op, nil
}

func (o *Outbox) save(ctx context.Context, op *calendar.PendingOperation) error {
	if op.Status == "" {
		op.Status = calendar.OpPending
	}
	if err := storeWrite(ctx, func() error { return o.store.SaveOperation(ctx, op) }); err != nil {
		return fmt.Errorf("failed to queue %s: %w", op.Kind, err)
	}
	return nil
}

func (o *Outbox) writable(ctx context.Context, calendarID int64) error {
	cal, err := o.store.GetCalendar(ctx, calendarID)
	if err != nil {
		return fmt.Errorf("failed to load calendar %d: %w", calendarID, err)
	}
	if cal.ReadOnly {
		return ErrReadOnlyCalendar
	}
	return nil
}

// touch marks a content change: SEQUENCE must grow with every edit.
func (o *Outbox) touch(ev *calendar.Event) {
	now := calendar.CanonicalTime(o.opts.Now())
	ev.Sequence++
	ev.Modified = now
	ev.DTStamp = now
}
