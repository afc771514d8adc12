package providers

import (
	"context"
	"time"

	"github.com/emersion/go-ical"

	"github.com/djwarf/calsync/pkg/calendar"
)

// Client defines the remote calendar protocol consumed by the sync engine.
// Every method returns either its payload or an error; conflicts, missing
// items and unsupported methods are reported through the sentinels in
// errors.go.
type Client interface {
	// DiscoverPrincipal returns the URL of the authenticated user's principal
	DiscoverPrincipal(ctx context.Context) (string, error)

	// DiscoverCollectionRoot returns the calendar home set of a principal
	DiscoverCollectionRoot(ctx context.Context, principal string) (string, error)

	// ListCalendars returns the calendar collections below the home set
	ListCalendars(ctx context.Context, root string) ([]RemoteCalendar, error)

	// GetCollectionTag returns the collection tag and current sync token
	GetCollectionTag(ctx context.Context, calendarURL string) (CollectionState, error)

	// ChangeFeed returns the members changed since token
	ChangeFeed(ctx context.Context, calendarURL, token string) (*ChangeSet, error)

	// ListItemsInRange returns every item with an instance in [start, end)
	ListItemsInRange(ctx context.Context, calendarURL string, start, end time.Time) ([]RemoteItem, error)

	// FetchItem returns a single item
	FetchItem(ctx context.Context, itemURL string) (*RemoteItem, error)

	// FetchItemsByRef returns the listed items; absent items are omitted
	FetchItemsByRef(ctx context.Context, calendarURL string, refs []string) ([]RemoteItem, error)

	// FetchETagsInRange maps item URL to ETag without fetching bodies
	FetchETagsInRange(ctx context.Context, calendarURL string, start, end time.Time) (map[string]string, error)

	// CreateItem stores a new item, failing with ErrConflict if name exists
	CreateItem(ctx context.Context, calendarURL, name string, data *ical.Calendar) (ItemRef, error)

	// UpdateItem replaces an item if its current ETag matches etag
	UpdateItem(ctx context.Context, itemURL, etag string, data *ical.Calendar) (ItemRef, error)

	// DeleteItem removes an item; an empty etag deletes unconditionally
	DeleteItem(ctx context.Context, itemURL, etag string) error

	// MoveItem moves an item to destURL on the server
	MoveItem(ctx context.Context, itemURL, destURL string) (ItemRef, error)
}

// RemoteCalendar is one collection reported by discovery
type RemoteCalendar struct {
	URL         string
	Name        string
	Description string
	Color       string
	ReadOnly    bool
}

// CollectionState holds the change detection markers of a collection
type CollectionState struct {
	CTag      string
	SyncToken string
}

// ItemRef identifies a remote item version
type ItemRef struct {
	URL  string
	ETag string
}

// RemoteItem is a fetched calendar object resource
type RemoteItem struct {
	URL  string
	ETag string
	Data *ical.Calendar
}

// ChangeSet is the answer to a change feed request
type ChangeSet struct {
	Changed  []ItemRef
	Deleted  []string
	NewToken string
	// Truncated is set when the server returned only part of the changes;
	// requesting again with NewToken continues the feed.
	Truncated bool
}

// CalDAV server URLs for common providers
var CalDAVServers = map[calendar.AccountType]string{
	calendar.AccountTypeGoogle:  "https://apidata.googleusercontent.com/caldav/v2/",
	calendar.AccountTypeApple:   "https://caldav.icloud.com/",
	calendar.AccountTypeOutlook: "https://outlook.office365.com/caldav/",
	calendar.AccountTypeSamsung: "https://caldav.samsung.com/",
}

// ServerURL returns the account's configured endpoint or the well-known
// endpoint of its provider.
func ServerURL(account *calendar.Account) string {
	if account.ServerURL != "" {
		return account.ServerURL
	}
	return CalDAVServers[account.Type]
}
