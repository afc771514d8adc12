package sync

import (
	"context"
	"time"

	"github.com/djwarf/calsync/pkg/calendar"
)

// Store is the subset of *calendar.Store the engine works against.
type Store interface {
	GetAccount(ctx context.Context, id int64) (*calendar.Account, error)
	GetAllAccounts(ctx context.Context) ([]*calendar.Account, error)
	SaveAccount(ctx context.Context, a *calendar.Account) error

	GetCalendar(ctx context.Context, id int64) (*calendar.Calendar, error)
	GetCalendarsByAccount(ctx context.Context, accountID int64) ([]*calendar.Calendar, error)
	SaveCalendar(ctx context.Context, c *calendar.Calendar) error
	DeleteCalendar(ctx context.Context, id int64) error

	GetEvent(ctx context.Context, id int64) (*calendar.Event, error)
	GetEvents(ctx context.Context, ids []int64) (map[int64]*calendar.Event, error)
	FindEventByUID(ctx context.Context, calendarID int64, uid string) (*calendar.Event, error)
	FindEventByURL(ctx context.Context, calendarID int64, url string) (*calendar.Event, error)
	FindException(ctx context.Context, masterID int64, recurrenceID time.Time) (*calendar.Event, error)
	GetExceptions(ctx context.Context, masterID int64) ([]*calendar.Event, error)
	GetEventsInRange(ctx context.Context, calendarID int64, start, end time.Time) ([]*calendar.Event, error)
	GetEventETags(ctx context.Context, calendarID int64) (map[string]string, error)
	SaveEvent(ctx context.Context, e *calendar.Event) error
	SaveEventWithOccurrences(ctx context.Context, e *calendar.Event, occurrences []calendar.Occurrence) error
	SaveException(ctx context.Context, ex *calendar.Event, occ calendar.Occurrence) error
	DeleteEvent(ctx context.Context, id int64) error

	SaveOperation(ctx context.Context, op *calendar.PendingOperation) error
	GetOperationForEvent(ctx context.Context, eventID int64) (*calendar.PendingOperation, error)
	GetDueOperations(ctx context.Context, calendarID int64, now time.Time) ([]*calendar.PendingOperation, error)
	GetOperationsByStatus(ctx context.Context, calendarID int64, status calendar.OpStatus) ([]*calendar.PendingOperation, error)
	GetAllOperations(ctx context.Context) ([]*calendar.PendingOperation, error)
	DeleteOperation(ctx context.Context, id int64) error
	ReplaceOperation(ctx context.Context, oldID int64, op *calendar.PendingOperation) error
	ResetInProgress(ctx context.Context, calendarID int64) (int64, error)
	AbandonOperation(ctx context.Context, op *calendar.PendingOperation, reason string) error
}

// Expander materializes the instances of an event inside a window.
type Expander interface {
	Expand(ev *calendar.Event, start, end time.Time) ([]calendar.Occurrence, error)
}

var _ Store = (*calendar.Store)(nil)

// hasPendingLocalChange is the single local-first check: pulled data must
// never overwrite or delete an event for which it reports true.
func hasPendingLocalChange(ev *calendar.Event) bool {
	return ev != nil && ev.IsPending()
}
