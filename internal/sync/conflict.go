package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/djwarf/calsync/pkg/calendar"
	"github.com/djwarf/calsync/pkg/providers"
)

// ErrLocalWinsUnsupported is returned when local-wins is asked to force a
// create or update. Servers reject unconditional overwrites.
var ErrLocalWinsUnsupported = errors.New("local-wins cannot force a create or update")

// errManualResolution is recorded on entries and events parked by the
// manual strategy.
var errManualResolution = errors.New("conflict: server version differs, manual resolution required")

// errLocalKeptConflicting is the abandonment cause for a local version
// that was kept but never landed.
var errLocalKeptConflicting = errors.New("local version kept conflicting with the server")

// Resolution is what the resolver did with a conflicting entry.
type Resolution string

const (
	// ResolvedServer discarded the local change in favor of the server.
	ResolvedServer Resolution = "kept_server"
	// ResolvedLocal re-queued the local change against the current ETag.
	ResolvedLocal Resolution = "kept_local"
	// ResolvedDeleted removed the event on both sides.
	ResolvedDeleted Resolution = "deleted"
	// ResolvedParked left the entry failed for the user.
	ResolvedParked Resolution = "parked"
	// ResolvedDropped removed an entry whose event no longer exists.
	ResolvedDropped Resolution = "dropped"
)

// ConflictResult describes one resolution.
type ConflictResult struct {
	OperationID int64
	EventID     int64
	Strategy    Strategy
	Resolution  Resolution
}

// Resolver settles outbox entries that failed a precondition.
type Resolver struct {
	store  Store
	opts   Options
	logger *slog.Logger
	mapper *mapper
}

// NewResolver creates a conflict resolver.
func NewResolver(store Store, opts Options) *Resolver {
	opts = opts.withDefaults()
	logger := opts.Logger.With("component", "resolve")
	return &Resolver{
		store:  store,
		opts:   opts,
		logger: logger,
		mapper: &mapper{store: store, opts: opts, logger: logger},
	}
}

// Resolve applies strategy to one conflicting entry. An error means the
// entry is still unresolved; the caller counts it towards abandonment.
func (r *Resolver) Resolve(ctx context.Context, op *calendar.PendingOperation, strategy Strategy, client providers.Client) (*ConflictResult, error) {
	res := &ConflictResult{OperationID: op.ID, EventID: op.EventID, Strategy: strategy}

	ev, err := r.store.GetEvent(ctx, op.EventID)
	if errors.Is(err, calendar.ErrNotFound) {
		res.Resolution = ResolvedDropped
		return res, storeWrite(ctx, func() error { return r.store.DeleteOperation(ctx, op.ID) })
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load event %d: %w", op.EventID, err)
	}
	if ev.IsException() {
		master, err := r.store.GetEvent(ctx, ev.MasterID)
		if err != nil {
			return nil, fmt.Errorf("failed to load master of exception %d: %w", ev.ID, err)
		}
		ev = master
	}

	if op.Kind == calendar.OpMove {
		if op.MovePhase != calendar.MovePhaseAtomic {
			return nil, fmt.Errorf("move target already holds a different item for %s", ev.UID)
		}
		// The server refused to overwrite the destination; the copy path
		// adopts an item that is ours.
		return r.retryMoveAsCopy(ctx, op, res)
	}

	switch strategy {
	case StrategyServerWins:
		res.Resolution, err = r.serverWins(ctx, op, ev, client)
	case StrategyLocalWins:
		res.Resolution, err = r.localWins(ctx, op, ev, client)
	case StrategyNewestWins:
		res.Resolution, err = r.newestWins(ctx, op, ev, client)
	case StrategyManual:
		res.Resolution, err = r.manual(ctx, op, ev)
	default:
		return nil, fmt.Errorf("unknown conflict strategy %q", strategy)
	}
	if err != nil {
		return nil, err
	}

	r.logger.Info("conflict resolved",
		"op_id", op.ID, "event_id", ev.ID, "strategy", strategy, "resolution", res.Resolution)
	return res, nil
}

// serverWins discards the local change. A cancelled delete restores the
// server version as well.
func (r *Resolver) serverWins(ctx context.Context, op *calendar.PendingOperation, ev *calendar.Event, client providers.Client) (Resolution, error) {
	if ev.URL == "" {
		return "", fmt.Errorf("event %d has no remote copy to keep", ev.ID)
	}

	item, err := client.FetchItem(ctx, ev.URL)
	if errors.Is(err, providers.ErrNotFound) {
		// Gone on the server: keeping the server state means deleting.
		if err := storeWrite(ctx, func() error { return r.store.DeleteEvent(ctx, ev.ID) }); err != nil {
			return "", fmt.Errorf("failed to delete event %d: %w", ev.ID, err)
		}
		return ResolvedDeleted, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to fetch server version: %w", err)
	}

	if err := r.mapper.applyServerVersion(ctx, ev, item); err != nil {
		return "", fmt.Errorf("failed to apply server version: %w", err)
	}
	if err := storeWrite(ctx, func() error { return r.store.DeleteOperation(ctx, op.ID) }); err != nil {
		return "", err
	}
	return ResolvedServer, nil
}

// localWins can only force deletions.
func (r *Resolver) localWins(ctx context.Context, op *calendar.PendingOperation, ev *calendar.Event, client providers.Client) (Resolution, error) {
	if op.Kind != calendar.OpDelete {
		return "", ErrLocalWinsUnsupported
	}
	return r.forceDelete(ctx, ev, client)
}

func (r *Resolver) forceDelete(ctx context.Context, ev *calendar.Event, client providers.Client) (Resolution, error) {
	if ev.URL != "" {
		err := client.DeleteItem(ctx, ev.URL, "")
		if err != nil && !errors.Is(err, providers.ErrNotFound) {
			return "", fmt.Errorf("failed to delete remote item: %w", err)
		}
	}
	if err := storeWrite(ctx, func() error { return r.store.DeleteEvent(ctx, ev.ID) }); err != nil {
		return "", fmt.Errorf("failed to delete event %d: %w", ev.ID, err)
	}
	return ResolvedDeleted, nil
}

// newestWins keeps the version with the higher SEQUENCE. Equal sequences
// compare modification times; an exact tie keeps the server version.
func (r *Resolver) newestWins(ctx context.Context, op *calendar.PendingOperation, ev *calendar.Event, client providers.Client) (Resolution, error) {
	if ev.URL == "" {
		// Nothing to compare against: the local create stands.
		return ResolvedLocal, r.requeue(ctx, op, ev, calendar.OpCreate)
	}

	item, err := client.FetchItem(ctx, ev.URL)
	if errors.Is(err, providers.ErrNotFound) {
		if op.Kind == calendar.OpDelete {
			return r.forceDelete(ctx, ev, client)
		}
		return r.serverWins(ctx, op, ev, client)
	}
	if err != nil {
		return "", fmt.Errorf("failed to fetch server version: %w", err)
	}

	events, err := calendar.ParseObject(item.Data)
	if err != nil {
		return "", fmt.Errorf("failed to parse server version: %w", err)
	}
	server, _ := splitObject(events, ev.UID)
	if server == nil {
		return "", fmt.Errorf("%w: %s holds no master for %s", calendar.ErrInvalidObject, item.URL, ev.UID)
	}

	var localNewer bool
	if op.Kind == calendar.OpDelete {
		// A delete carries no sequence; only the times compare.
		localNewer = ev.LastChanged().After(server.LastChanged())
	} else {
		localNewer = newer(ev, server)
	}

	if !localNewer {
		if err := r.mapper.applyServerVersion(ctx, ev, item); err != nil {
			return "", fmt.Errorf("failed to apply server version: %w", err)
		}
		if err := storeWrite(ctx, func() error { return r.store.DeleteOperation(ctx, op.ID) }); err != nil {
			return "", err
		}
		return ResolvedServer, nil
	}

	if op.Kind == calendar.OpDelete {
		return r.forceDelete(ctx, ev, client)
	}

	// Refresh the ETag so the re-queued update does not conflict again.
	ev.ETag = item.ETag
	if err := storeWrite(ctx, func() error { return r.store.SaveEvent(ctx, ev) }); err != nil {
		return "", fmt.Errorf("failed to save event %d: %w", ev.ID, err)
	}
	return ResolvedLocal, r.requeue(ctx, op, ev, calendar.OpUpdate)
}

// newer reports whether local should win over server.
func newer(local, server *calendar.Event) bool {
	if local.Sequence != server.Sequence {
		return local.Sequence > server.Sequence
	}
	return local.LastChanged().After(server.LastChanged())
}

func (r *Resolver) manual(ctx context.Context, op *calendar.PendingOperation, ev *calendar.Event) (Resolution, error) {
	op.Status = calendar.OpFailed
	op.LastError = errManualResolution.Error()
	if err := storeWrite(ctx, func() error { return r.store.SaveOperation(ctx, op) }); err != nil {
		return "", err
	}
	ev.SyncError = errManualResolution.Error()
	if err := storeWrite(ctx, func() error { return r.store.SaveEvent(ctx, ev) }); err != nil {
		return "", err
	}
	return ResolvedParked, nil
}

// requeue replaces op with a fresh entry of kind. The retry counter starts
// over; the conflict cycle counter goes up by one, so an item that keeps
// conflicting after being re-queued reaches the abandonment ceiling.
func (r *Resolver) requeue(ctx context.Context, op *calendar.PendingOperation, ev *calendar.Event, kind calendar.OpKind) error {
	next := &calendar.PendingOperation{
		Kind:           kind,
		EventID:        ev.ID,
		CalendarID:     op.CalendarID,
		Status:         calendar.OpPending,
		ConflictCycles: op.ConflictCycles + 1,
	}
	return storeWrite(ctx, func() error { return r.store.ReplaceOperation(ctx, op.ID, next) })
}

func (r *Resolver) retryMoveAsCopy(ctx context.Context, op *calendar.PendingOperation, res *ConflictResult) (*ConflictResult, error) {
	op.Status = calendar.OpPending
	op.MovePhase = calendar.MovePhaseCreate
	op.ConflictCycles++
	op.RetryCount = 0
	op.NextRetryAt = r.opts.Now()
	if err := storeWrite(ctx, func() error { return r.store.SaveOperation(ctx, op) }); err != nil {
		return nil, err
	}
	res.Resolution = ResolvedLocal
	return res, nil
}
