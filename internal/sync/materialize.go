package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/djwarf/calsync/pkg/calendar"
	"github.com/djwarf/calsync/pkg/providers"
)

// mapper writes remote data into the store: events, their exceptions and
// the occurrence window.
type mapper struct {
	store  Store
	opts   Options
	logger *slog.Logger
}

// saveMaster upserts a master and regenerates its occurrences in one
// transaction. Stored exception overrides are reapplied to the fresh
// expansion, so each overridden instant keeps exactly one occurrence.
func (m *mapper) saveMaster(ctx context.Context, ev *calendar.Event) error {
	start, end := m.opts.window()

	occurrences, err := m.opts.Expander.Expand(ev, start, end)
	if err != nil {
		m.logger.Warn("failed to expand event, keeping first instance only",
			"uid", ev.UID, "error", err)
		occurrences = []calendar.Occurrence{{
			OriginalStart: calendar.CanonicalTime(ev.Start),
			Start:         ev.Start,
			End:           ev.End,
		}}
	}

	if ev.ID != 0 {
		exceptions, err := m.store.GetExceptions(ctx, ev.ID)
		if err != nil {
			return fmt.Errorf("failed to load exceptions: %w", err)
		}
		occurrences = applyOverrides(occurrences, exceptions)
	}

	return storeWrite(ctx, func() error {
		return m.store.SaveEventWithOccurrences(ctx, ev, occurrences)
	})
}

// applyOverrides points the occurrence of every overridden instant at its
// exception. Exceptions whose instant the rule no longer produces still get
// their own occurrence.
func applyOverrides(occurrences []calendar.Occurrence, exceptions []*calendar.Event) []calendar.Occurrence {
	if len(exceptions) == 0 {
		return occurrences
	}

	index := make(map[int64]int, len(occurrences))
	for i, occ := range occurrences {
		index[calendar.CanonicalTime(occ.OriginalStart).Unix()] = i
	}

	for _, ex := range exceptions {
		key := calendar.CanonicalTime(ex.RecurrenceID)
		override := calendar.Occurrence{
			ExceptionID:   ex.ID,
			OriginalStart: key,
			Start:         ex.Start,
			End:           ex.End,
		}
		if i, ok := index[key.Unix()]; ok {
			occurrences[i] = override
			continue
		}
		index[key.Unix()] = len(occurrences)
		occurrences = append(occurrences, override)
	}
	return occurrences
}

// saveException upserts an exception of master and links its occurrence.
// A stored exception for the same instant is updated in place.
func (m *mapper) saveException(ctx context.Context, master, ex *calendar.Event, item *providers.RemoteItem) error {
	existing, err := m.store.FindException(ctx, master.ID, ex.RecurrenceID)
	switch {
	case errors.Is(err, calendar.ErrNotFound):
		existing = ex
	case err != nil:
		return fmt.Errorf("failed to look up exception: %w", err)
	default:
		existing.CopyRemoteFields(ex)
	}

	existing.CalendarID = master.CalendarID
	existing.MasterID = master.ID
	existing.URL = item.URL
	existing.ETag = item.ETag
	existing.SyncStatus = calendar.SyncStatusSynced
	existing.SyncError = ""

	occ := calendar.Occurrence{Start: existing.Start, End: existing.End}
	return storeWrite(ctx, func() error {
		return m.store.SaveException(ctx, existing, occ)
	})
}

// dropStaleExceptions removes stored exceptions of master that the server
// no longer carries. Exceptions with local changes stay unless force is set.
func (m *mapper) dropStaleExceptions(ctx context.Context, master *calendar.Event, remote []*calendar.Event, force bool) error {
	if master.ID == 0 {
		return nil
	}
	stored, err := m.store.GetExceptions(ctx, master.ID)
	if err != nil {
		return fmt.Errorf("failed to load exceptions: %w", err)
	}

	keep := make(map[int64]bool, len(remote))
	for _, ex := range remote {
		keep[calendar.CanonicalTime(ex.RecurrenceID).Unix()] = true
	}
	for _, ex := range stored {
		if keep[calendar.CanonicalTime(ex.RecurrenceID).Unix()] || (!force && hasPendingLocalChange(ex)) {
			continue
		}
		if err := storeWrite(ctx, func() error { return m.store.DeleteEvent(ctx, ex.ID) }); err != nil {
			return fmt.Errorf("failed to delete stale exception: %w", err)
		}
	}
	return nil
}

// applyServerVersion overwrites local with the server's copy of its
// resource, exceptions included. It is the resolver's server-wins path and
// ignores the local-first rule on purpose: the local change is discarded.
func (m *mapper) applyServerVersion(ctx context.Context, local *calendar.Event, item *providers.RemoteItem) error {
	events, err := calendar.ParseObject(item.Data)
	if err != nil {
		return err
	}
	master, exceptions := splitObject(events, local.UID)
	if master == nil {
		return fmt.Errorf("%w: resource %s has no master for %s", calendar.ErrInvalidObject, item.URL, local.UID)
	}

	local.CopyRemoteFields(master)
	local.URL = item.URL
	local.ETag = item.ETag
	local.SyncStatus = calendar.SyncStatusSynced
	local.SyncError = ""

	if err := m.dropStaleExceptions(ctx, local, exceptions, true); err != nil {
		return err
	}
	if err := m.saveMaster(ctx, local); err != nil {
		return err
	}
	for _, ex := range exceptions {
		if err := m.saveException(ctx, local, ex, item); err != nil {
			return err
		}
	}
	return nil
}

// splitObject separates the master from the exceptions of one resource.
// When uid is set only components carrying it are returned.
func splitObject(events []*calendar.Event, uid string) (*calendar.Event, []*calendar.Event) {
	var master *calendar.Event
	var exceptions []*calendar.Event
	for _, ev := range events {
		if uid != "" && ev.UID != uid {
			continue
		}
		if ev.IsException() {
			exceptions = append(exceptions, ev)
			continue
		}
		if master == nil {
			master = ev
		}
	}
	return master, exceptions
}
