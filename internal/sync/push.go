package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/djwarf/calsync/pkg/calendar"
	"github.com/djwarf/calsync/pkg/providers"
)

// Pusher replays the outbox against the server.
type Pusher struct {
	store  Store
	opts   Options
	logger *slog.Logger
}

// NewPusher creates a push engine.
func NewPusher(store Store, opts Options) *Pusher {
	opts = opts.withDefaults()
	return &Pusher{
		store:  store,
		opts:   opts,
		logger: opts.Logger.With("component", "push"),
	}
}

// pushBatch holds the rows preloaded for one pass.
type pushBatch struct {
	cal       *calendar.Calendar
	events    map[int64]*calendar.Event
	calendars map[int64]*calendar.Calendar
}

// PushAll drains the due entries of every calendar of an account. It stops
// at the first credential failure.
func (p *Pusher) PushAll(ctx context.Context, accountID int64, client providers.Client) *PushResult {
	total := &PushResult{}
	cals, err := p.store.GetCalendarsByAccount(ctx, accountID)
	if err != nil {
		total.Err = fmt.Errorf("failed to load calendars: %w", err)
		return total
	}
	for _, cal := range cals {
		if ctx.Err() != nil {
			break
		}
		total.add(p.PushForCalendar(ctx, cal, client))
		if total.AuthFailed {
			break
		}
	}
	return total
}

// PushForCalendar replays the due entries of one calendar in FIFO order.
func (p *Pusher) PushForCalendar(ctx context.Context, cal *calendar.Calendar, client providers.Client) *PushResult {
	res := &PushResult{}
	log := p.logger.With("calendar_id", cal.ID)

	// Entries left in progress by an interrupted pass become due again.
	var reset int64
	err := storeWrite(ctx, func() error {
		var err error
		reset, err = p.store.ResetInProgress(ctx, cal.ID)
		return err
	})
	if err != nil {
		res.Err = fmt.Errorf("failed to reset entries: %w", err)
		return res
	}
	if reset > 0 {
		log.Info("reset interrupted outbox entries", "count", reset)
	}

	ops, err := p.store.GetDueOperations(ctx, cal.ID, p.opts.Now())
	if err != nil {
		res.Err = fmt.Errorf("failed to load outbox: %w", err)
		return res
	}
	if len(ops) == 0 {
		return res
	}

	batch, err := p.preload(ctx, cal, ops)
	if err != nil {
		res.Err = err
		return res
	}

	for _, op := range ops {
		if ctx.Err() != nil {
			break
		}
		ev := batch.events[op.EventID]
		if ev == nil {
			log.Warn("dropping outbox entry for missing event", "op_id", op.ID, "event_id", op.EventID)
			if err := storeWrite(ctx, func() error { return p.store.DeleteOperation(ctx, op.ID) }); err != nil {
				log.Error("failed to drop outbox entry", "op_id", op.ID, "error", err)
			}
			continue
		}

		op.Status = calendar.OpInProgress
		if err := storeWrite(ctx, func() error { return p.store.SaveOperation(ctx, op) }); err != nil {
			res.Err = fmt.Errorf("failed to mark entry %d: %w", op.ID, err)
			return res
		}

		err := p.apply(ctx, op, ev, batch, client, res)
		p.settle(ctx, op, ev, err, res)
		if res.AuthFailed {
			break
		}
	}

	log.Info("push complete",
		"created", res.Created, "updated", res.Updated, "deleted", res.Deleted, "moved", res.Moved,
		"conflicts", res.Conflicts, "retried", res.Retried, "failed", res.Failed)
	return res
}

func (p *Pusher) preload(ctx context.Context, cal *calendar.Calendar, ops []*calendar.PendingOperation) (*pushBatch, error) {
	ids := make([]int64, 0, len(ops))
	for _, op := range ops {
		ids = append(ids, op.EventID)
	}
	events, err := p.store.GetEvents(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to preload events: %w", err)
	}

	batch := &pushBatch{
		cal:       cal,
		events:    events,
		calendars: map[int64]*calendar.Calendar{cal.ID: cal},
	}
	for _, op := range ops {
		for _, id := range []int64{op.SourceCalendarID, op.TargetCalendarID} {
			if id == 0 || batch.calendars[id] != nil {
				continue
			}
			c, err := p.store.GetCalendar(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("failed to preload calendar %d: %w", id, err)
			}
			batch.calendars[id] = c
		}
	}
	return batch, nil
}

// apply dispatches one entry. A nil return means the entry is done.
func (p *Pusher) apply(ctx context.Context, op *calendar.PendingOperation, ev *calendar.Event, batch *pushBatch, client providers.Client, res *PushResult) error {
	if ev.IsException() {
		// Exceptions travel inside their master's resource.
		master, err := p.store.GetEvent(ctx, ev.MasterID)
		if err != nil {
			return fmt.Errorf("failed to load master of exception %d: %w", ev.ID, err)
		}
		ev = master
		op.Kind = calendar.OpUpdate
	}

	switch op.Kind {
	case calendar.OpCreate:
		return p.create(ctx, ev, batch.cal, client, res)
	case calendar.OpUpdate:
		if ev.URL == "" {
			return p.create(ctx, ev, batch.cal, client, res)
		}
		return p.update(ctx, ev, client, res)
	case calendar.OpDelete:
		return p.delete(ctx, ev, client, res)
	case calendar.OpMove:
		return p.move(ctx, op, ev, batch, client, res)
	default:
		return fmt.Errorf("unknown operation kind %q", op.Kind)
	}
}

func (p *Pusher) create(ctx context.Context, ev *calendar.Event, cal *calendar.Calendar, client providers.Client, res *PushResult) error {
	exceptions, err := p.store.GetExceptions(ctx, ev.ID)
	if err != nil {
		return fmt.Errorf("failed to load exceptions: %w", err)
	}

	name := resourceName(ev.UID)
	ref, err := client.CreateItem(ctx, cal.URL, name, calendar.EncodeObject(ev, exceptions))
	if errors.Is(err, providers.ErrConflict) {
		// Remember where the clash is so the resolver can compare.
		ev.URL = itemURL(cal.URL, name)
		ev.ETag = ""
		if serr := storeWrite(ctx, func() error { return p.store.SaveEvent(ctx, ev) }); serr != nil {
			p.logger.Error("failed to record clashing item", "event_id", ev.ID, "url", ev.URL, "error", serr)
		}
		return err
	}
	if err != nil {
		return err
	}

	if err := p.markPushed(ctx, ev, exceptions, ref); err != nil {
		return err
	}
	res.Created++
	return nil
}

func (p *Pusher) update(ctx context.Context, ev *calendar.Event, client providers.Client, res *PushResult) error {
	exceptions, err := p.store.GetExceptions(ctx, ev.ID)
	if err != nil {
		return fmt.Errorf("failed to load exceptions: %w", err)
	}

	etag := ev.ETag
	if etag == "" {
		// Without the version the edit was based on, the server copy may
		// hold changes never pulled; the resolver compares the two.
		return fmt.Errorf("%w: no known etag for %s", providers.ErrConflict, ev.URL)
	}

	data := calendar.EncodeObject(ev, exceptions)
	ref, err := client.UpdateItem(ctx, ev.URL, etag, data)
	if errors.Is(err, providers.ErrConflict) {
		// One retry against the current ETag absorbs server-side churn
		// such as a rewritten DTSTAMP.
		item, ferr := client.FetchItem(ctx, ev.URL)
		if ferr != nil {
			return notFoundAsConflict(ferr)
		}
		if item.ETag != etag {
			p.logger.Debug("retrying update with current etag", "event_id", ev.ID, "url", ev.URL)
			ref, err = client.UpdateItem(ctx, ev.URL, item.ETag, data)
		}
	}
	if err != nil {
		return notFoundAsConflict(err)
	}

	if err := p.markPushed(ctx, ev, exceptions, ref); err != nil {
		return err
	}
	res.Updated++
	return nil
}

func (p *Pusher) delete(ctx context.Context, ev *calendar.Event, client providers.Client, res *PushResult) error {
	if ev.URL != "" {
		err := client.DeleteItem(ctx, ev.URL, ev.ETag)
		if err != nil && !errors.Is(err, providers.ErrNotFound) {
			return err
		}
	}
	if err := storeWrite(ctx, func() error { return p.store.DeleteEvent(ctx, ev.ID) }); err != nil {
		return fmt.Errorf("failed to delete event %d: %w", ev.ID, err)
	}
	res.Deleted++
	return nil
}

// move runs the persisted phases of a cross-calendar move. Each completed
// phase is saved before the next starts, so an interrupted move resumes
// where it stopped.
func (p *Pusher) move(ctx context.Context, op *calendar.PendingOperation, ev *calendar.Event, batch *pushBatch, client providers.Client, res *PushResult) error {
	target := batch.calendars[op.TargetCalendarID]
	if target == nil {
		return fmt.Errorf("move target calendar %d not found", op.TargetCalendarID)
	}
	log := p.logger.With("op_id", op.ID, "event_id", ev.ID)

	exceptions, err := p.store.GetExceptions(ctx, ev.ID)
	if err != nil {
		return fmt.Errorf("failed to load exceptions: %w", err)
	}
	name := resourceName(ev.UID)

	if op.MovePhase == "" {
		op.MovePhase = calendar.MovePhaseAtomic
	}
	// An edit made after the copy was created is not on the server yet.
	editedAfterCopy := op.MovePhase == calendar.MovePhaseDelete && ev.IsPending()

	if op.MovePhase == calendar.MovePhaseAtomic && op.SourceURL == "" {
		op.MovePhase = calendar.MovePhaseCreate
	}

	if op.MovePhase == calendar.MovePhaseAtomic {
		ref, err := client.MoveItem(ctx, op.SourceURL, itemURL(target.URL, name))
		switch {
		case err == nil:
			if err := p.markPushed(ctx, ev, exceptions, ref); err != nil {
				return err
			}
			res.Moved++
			return nil
		case errors.Is(err, providers.ErrNotSupported), errors.Is(err, providers.ErrNotFound):
			log.Info("server-side move unavailable, copying instead", "error", err)
			if err := p.savePhase(ctx, op, calendar.MovePhaseCreate); err != nil {
				return err
			}
		default:
			return err
		}
	}

	if op.MovePhase == calendar.MovePhaseCreate {
		ref, err := client.CreateItem(ctx, target.URL, name, calendar.EncodeObject(ev, exceptions))
		if errors.Is(err, providers.ErrConflict) {
			// A previous attempt may have created it before stopping.
			item, ferr := client.FetchItem(ctx, itemURL(target.URL, name))
			if ferr != nil || !holdsUID(item, ev.UID) {
				return err
			}
			ref, err = providers.ItemRef{URL: item.URL, ETag: item.ETag}, nil
		}
		if err != nil {
			return err
		}
		if err := p.markPushed(ctx, ev, exceptions, ref); err != nil {
			return err
		}
		if err := p.savePhase(ctx, op, calendar.MovePhaseDelete); err != nil {
			return err
		}
	}

	if op.SourceURL != "" {
		err := client.DeleteItem(ctx, op.SourceURL, "")
		if err != nil && !errors.Is(err, providers.ErrNotFound) {
			if providers.IsAuth(err) || ctx.Err() != nil {
				return err
			}
			log.Warn("moved item left behind in source calendar", "url", op.SourceURL, "error", err)
		}
	}

	res.Moved++
	if editedAfterCopy {
		next := &calendar.PendingOperation{
			Kind:           calendar.OpUpdate,
			EventID:        ev.ID,
			CalendarID:     ev.CalendarID,
			Status:         calendar.OpPending,
			ConflictCycles: op.ConflictCycles,
		}
		if err := storeWrite(ctx, func() error { return p.store.ReplaceOperation(ctx, op.ID, next) }); err != nil {
			return fmt.Errorf("failed to queue update after move: %w", err)
		}
	}
	return nil
}

func (p *Pusher) savePhase(ctx context.Context, op *calendar.PendingOperation, phase calendar.MovePhase) error {
	op.MovePhase = phase
	if err := storeWrite(ctx, func() error { return p.store.SaveOperation(ctx, op) }); err != nil {
		return fmt.Errorf("failed to save move phase: %w", err)
	}
	return nil
}

// markPushed records the server's URL and ETag on a master and the
// exceptions bundled with it.
func (p *Pusher) markPushed(ctx context.Context, ev *calendar.Event, exceptions []*calendar.Event, ref providers.ItemRef) error {
	for _, e := range append([]*calendar.Event{ev}, exceptions...) {
		e.URL = ref.URL
		e.ETag = ref.ETag
		e.SyncStatus = calendar.SyncStatusSynced
		e.SyncError = ""
	}
	return p.saveEvents(ctx, ev, exceptions)
}

func (p *Pusher) saveEvents(ctx context.Context, ev *calendar.Event, exceptions []*calendar.Event) error {
	for _, e := range append([]*calendar.Event{ev}, exceptions...) {
		if err := storeWrite(ctx, func() error { return p.store.SaveEvent(ctx, e) }); err != nil {
			return fmt.Errorf("failed to save event %d: %w", e.ID, err)
		}
	}
	return nil
}

// settle records the outcome of one entry.
func (p *Pusher) settle(ctx context.Context, op *calendar.PendingOperation, ev *calendar.Event, err error, res *PushResult) {
	// Bookkeeping must land even when the pass was cancelled.
	wctx := context.WithoutCancel(ctx)
	log := p.logger.With("op_id", op.ID, "event_id", op.EventID, "kind", op.Kind)

	save := func() {
		if serr := storeWrite(wctx, func() error { return p.store.SaveOperation(wctx, op) }); serr != nil {
			log.Error("failed to save outbox entry", "error", serr)
		}
	}

	switch {
	case err == nil:
		if serr := storeWrite(wctx, func() error { return p.store.DeleteOperation(wctx, op.ID) }); serr != nil {
			log.Error("failed to delete completed outbox entry", "error", serr)
		}

	case errors.Is(err, providers.ErrConflict):
		log.Info("push conflict", "error", err)
		op.Status = calendar.OpConflict
		op.LastError = err.Error()
		save()
		res.Conflicts++

	case providers.IsAuth(err):
		log.Warn("push stopped, credentials rejected", "error", err)
		op.Status = calendar.OpPending
		save()
		res.AuthFailed = true
		res.Err = err
		res.Errors = append(res.Errors, p.phaseError(op, err))

	case ctx.Err() != nil:
		op.Status = calendar.OpPending
		save()

	case providers.IsRetryable(err):
		delay := backoffDelay(p.opts.RetryBaseDelay, op.RetryCount, p.opts.RetryMaxExponent)
		op.RetryCount++
		op.NextRetryAt = p.opts.Now().Add(delay)
		op.Status = calendar.OpPending
		op.LastError = err.Error()
		log.Warn("push failed, will retry", "error", err, "retry_in", delay, "retry_count", op.RetryCount)
		save()
		res.Retried++
		res.Errors = append(res.Errors, p.phaseError(op, err))

	default:
		log.Error("push failed permanently", "error", err)
		op.Status = calendar.OpFailed
		op.LastError = err.Error()
		save()
		ev.SyncError = err.Error()
		if serr := storeWrite(wctx, func() error { return p.store.SaveEvent(wctx, ev) }); serr != nil {
			log.Error("failed to record error on event", "error", serr)
		}
		res.Failed++
		res.Errors = append(res.Errors, p.phaseError(op, err))
	}
}

func (p *Pusher) phaseError(op *calendar.PendingOperation, err error) PhaseError {
	pe := newPhaseError(PhasePush, op.CalendarID, err)
	pe.EventID = op.EventID
	return pe
}

// notFoundAsConflict turns a vanished item into a conflict: the local
// change targets a version the server no longer has.
func notFoundAsConflict(err error) error {
	if errors.Is(err, providers.ErrNotFound) {
		return fmt.Errorf("%w: %v", providers.ErrConflict, err)
	}
	return err
}

var safeName = regexp.MustCompile(`^[A-Za-z0-9._@-]+$`)

// resourceName derives the file name of a new item from its UID.
func resourceName(uid string) string {
	if safeName.MatchString(uid) && len(uid) <= 128 {
		return uid
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(uid)).String()
}

func itemURL(calendarURL, name string) string {
	return strings.TrimSuffix(calendarURL, "/") + "/" + name + ".ics"
}

func holdsUID(item *providers.RemoteItem, uid string) bool {
	events, err := calendar.ParseObject(item.Data)
	if err != nil {
		return false
	}
	for _, ev := range events {
		if ev.UID == uid {
			return true
		}
	}
	return false
}
