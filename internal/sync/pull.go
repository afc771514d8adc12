package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"

	"github.com/djwarf/calsync/pkg/calendar"
	"github.com/djwarf/calsync/pkg/providers"
)

// Puller brings remote changes of one calendar into the store.
type Puller struct {
	store  Store
	opts   Options
	logger *slog.Logger
	mapper *mapper
}

// NewPuller creates a pull engine.
func NewPuller(store Store, opts Options) *Puller {
	opts = opts.withDefaults()
	logger := opts.Logger.With("component", "pull")
	return &Puller{
		store:  store,
		opts:   opts,
		logger: logger,
		mapper: &mapper{store: store, opts: opts, logger: logger},
	}
}

// pullPlan is what a pull learned about the remote collection before any
// local change is made.
type pullPlan struct {
	mode    PullMode
	changed map[string]string // url -> etag, empty when unknown
	deleted map[string]bool
	items   []providers.RemoteItem
	token   string
	// partial is set when a truncated feed was not followed to its end.
	partial bool
}

// Pull runs one pull of cal. It never returns nil; failures are reported
// through the result's Status and Err.
func (p *Puller) Pull(ctx context.Context, cal *calendar.Calendar, forceFull bool, client providers.Client) *PullResult {
	res := &PullResult{}
	log := p.logger.With("calendar_id", cal.ID)

	state, err := client.GetCollectionTag(ctx, cal.URL)
	if err != nil {
		return res.fail(fmt.Errorf("failed to read collection tag: %w", err))
	}
	if !forceFull && state.CTag != "" && state.CTag == cal.CTag {
		res.Status = PullNoChanges
		return res
	}

	plan, err := p.plan(ctx, cal, state, forceFull, client)
	if err != nil {
		return res.fail(err)
	}
	res.Mode = plan.mode
	log.Debug("pulling calendar", "mode", plan.mode, "changed", len(plan.changed), "deleted", len(plan.deleted))

	// Bodies first: a failure here must leave the store untouched.
	items := plan.items
	if plan.mode != ModeFull && len(plan.changed) > 0 {
		items, err = p.fetchBodies(ctx, cal, plan.changed, res, client)
		if err != nil {
			return res.fail(err)
		}
	}

	if err := p.applyDeletions(ctx, cal, plan.deleted, res); err != nil {
		return res.fail(err)
	}
	if err := p.applyItems(ctx, cal, items, res); err != nil {
		return res.fail(err)
	}

	if err := p.advanceCursor(ctx, cal, state, plan, res); err != nil {
		return res.fail(err)
	}

	res.Status = PullSuccess
	log.Info("pull complete", "mode", plan.mode,
		"created", res.Created, "updated", res.Updated, "deleted", res.Deleted,
		"skipped", len(res.Skipped), "missing", len(res.Missing), "parse_failures", len(res.ParseFailures))
	return res
}

// plan selects the pull mode and collects the remote change set.
func (p *Puller) plan(ctx context.Context, cal *calendar.Calendar, state providers.CollectionState, forceFull bool, client providers.Client) (*pullPlan, error) {
	switch {
	case forceFull || cal.SyncToken == "":
		return p.fullPlan(ctx, cal, state, client)

	case cal.CTag == "" && state.CTag != "":
		// The cached tag was cleared, typically after an abandoned change:
		// re-evaluate every item instead of trusting the feed.
		plan, err := p.etagDiffPlan(ctx, cal, state, client)
		if errors.Is(err, providers.ErrNotSupported) {
			return p.fullPlan(ctx, cal, state, client)
		}
		return plan, err
	}

	plan, err := p.incrementalPlan(ctx, cal, client)
	if errors.Is(err, providers.ErrSyncTokenInvalid) {
		p.logger.Info("sync token rejected, diffing etags", "calendar_id", cal.ID, "error", err)
		plan, err = p.etagDiffPlan(ctx, cal, state, client)
		if errors.Is(err, providers.ErrNotSupported) {
			return p.fullPlan(ctx, cal, state, client)
		}
	}
	return plan, err
}

func (p *Puller) incrementalPlan(ctx context.Context, cal *calendar.Calendar, client providers.Client) (*pullPlan, error) {
	plan := &pullPlan{
		mode:    ModeIncremental,
		changed: make(map[string]string),
		deleted: make(map[string]bool),
		token:   cal.SyncToken,
	}

	for page := 0; ; page++ {
		if page == p.opts.MaxFeedPages {
			plan.partial = true
			break
		}
		cs, err := client.ChangeFeed(ctx, cal.URL, plan.token)
		if err != nil {
			return nil, fmt.Errorf("failed to read change feed: %w", err)
		}
		for _, ref := range cs.Changed {
			delete(plan.deleted, ref.URL)
			plan.changed[ref.URL] = ref.ETag
		}
		for _, url := range cs.Deleted {
			delete(plan.changed, url)
			plan.deleted[url] = true
		}
		if cs.NewToken != "" {
			plan.token = cs.NewToken
		}
		if !cs.Truncated || cs.NewToken == "" {
			break
		}
	}
	return plan, nil
}

func (p *Puller) etagDiffPlan(ctx context.Context, cal *calendar.Calendar, state providers.CollectionState, client providers.Client) (*pullPlan, error) {
	start, end := p.opts.window()
	remote, err := client.FetchETagsInRange(ctx, cal.URL, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to list etags: %w", err)
	}
	local, err := p.store.GetEventETags(ctx, cal.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load local etags: %w", err)
	}

	plan := &pullPlan{
		mode:    ModeETagDiff,
		changed: make(map[string]string),
		token:   state.SyncToken,
	}
	for url, etag := range remote {
		if localETag, ok := local[url]; !ok || localETag == "" || localETag != etag {
			plan.changed[url] = etag
		}
	}
	plan.deleted, err = p.vanished(ctx, cal, remote)
	if err != nil {
		return nil, err
	}
	return plan, nil
}

func (p *Puller) fullPlan(ctx context.Context, cal *calendar.Calendar, state providers.CollectionState, client providers.Client) (*pullPlan, error) {
	start, end := p.opts.window()
	items, err := client.ListItemsInRange(ctx, cal.URL, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}

	present := make(map[string]string, len(items))
	for _, item := range items {
		present[item.URL] = item.ETag
	}
	deleted, err := p.vanished(ctx, cal, present)
	if err != nil {
		return nil, err
	}
	return &pullPlan{
		mode:    ModeFull,
		deleted: deleted,
		items:   items,
		token:   state.SyncToken,
	}, nil
}

// vanished returns the URLs of local masters inside the window that the
// remote listing no longer contains.
func (p *Puller) vanished(ctx context.Context, cal *calendar.Calendar, remote map[string]string) (map[string]bool, error) {
	start, end := p.opts.window()
	local, err := p.store.GetEventsInRange(ctx, cal.ID, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to load local events: %w", err)
	}
	deleted := make(map[string]bool)
	for _, ev := range local {
		if _, ok := remote[ev.URL]; !ok {
			deleted[ev.URL] = true
		}
	}
	return deleted, nil
}

// fetchBodies downloads the changed items: one batch, the same batch once
// more after a delay, then chunks, then one item at a time. Items that
// still fail are recorded as missing or unparseable. Only credential
// failures and cancellation abort.
func (p *Puller) fetchBodies(ctx context.Context, cal *calendar.Calendar, changed map[string]string, res *PullResult, client providers.Client) ([]providers.RemoteItem, error) {
	refs := make([]string, 0, len(changed))
	for url := range changed {
		refs = append(refs, url)
	}
	sort.Strings(refs)

	items, err := client.FetchItemsByRef(ctx, cal.URL, refs)
	if err != nil {
		if abortFetch(ctx, err) {
			return nil, fmt.Errorf("failed to fetch items: %w", err)
		}
		p.logger.Warn("batch fetch failed, retrying", "calendar_id", cal.ID, "items", len(refs), "error", err)
		if serr := sleepCtx(ctx, p.opts.FetchRetryDelay); serr != nil {
			return nil, serr
		}
		items, err = client.FetchItemsByRef(ctx, cal.URL, refs)
	}
	if err != nil {
		if abortFetch(ctx, err) {
			return nil, fmt.Errorf("failed to fetch items: %w", err)
		}
		p.logger.Warn("batch fetch failed again, fetching in chunks", "calendar_id", cal.ID, "error", err)
		items, err = p.fetchChunked(ctx, cal, refs, res, client)
		if err != nil {
			return nil, err
		}
	}

	got := make(map[string]bool, len(items))
	var bodies []providers.RemoteItem
	for _, item := range items {
		got[item.URL] = true
		if item.Data == nil {
			res.ParseFailures = append(res.ParseFailures, item.URL)
			continue
		}
		bodies = append(bodies, item)
	}
	for _, url := range refs {
		if !got[url] && !slices.Contains(res.ParseFailures, url) && !slices.Contains(res.Missing, url) {
			res.Missing = append(res.Missing, url)
		}
	}
	return bodies, nil
}

func (p *Puller) fetchChunked(ctx context.Context, cal *calendar.Calendar, refs []string, res *PullResult, client providers.Client) ([]providers.RemoteItem, error) {
	var items []providers.RemoteItem
	for start := 0; start < len(refs); start += p.opts.FetchChunkSize {
		end := min(start+p.opts.FetchChunkSize, len(refs))
		chunk := refs[start:end]

		got, err := client.FetchItemsByRef(ctx, cal.URL, chunk)
		if err == nil {
			items = append(items, got...)
			continue
		}
		if abortFetch(ctx, err) {
			return nil, fmt.Errorf("failed to fetch items: %w", err)
		}

		for _, url := range chunk {
			item, err := client.FetchItem(ctx, url)
			switch {
			case err == nil:
				items = append(items, *item)
			case abortFetch(ctx, err):
				return nil, fmt.Errorf("failed to fetch %s: %w", url, err)
			case errors.Is(err, calendar.ErrInvalidObject):
				res.ParseFailures = append(res.ParseFailures, url)
			default:
				p.logger.Warn("failed to fetch item", "calendar_id", cal.ID, "url", url, "error", err)
				res.Missing = append(res.Missing, url)
			}
		}
	}
	return items, nil
}

func abortFetch(ctx context.Context, err error) bool {
	return providers.IsAuth(err) || ctx.Err() != nil
}

// applyDeletions removes local events whose remote item is gone.
func (p *Puller) applyDeletions(ctx context.Context, cal *calendar.Calendar, deleted map[string]bool, res *PullResult) error {
	urls := make([]string, 0, len(deleted))
	for url := range deleted {
		urls = append(urls, url)
	}
	sort.Strings(urls)

	for _, url := range urls {
		ev, err := p.store.FindEventByURL(ctx, cal.ID, url)
		if errors.Is(err, calendar.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to look up %s: %w", url, err)
		}
		if hasPendingLocalChange(ev) {
			res.skip(url, ev.UID, SkipPendingLocal)
			continue
		}
		if err := storeWrite(ctx, func() error { return p.store.DeleteEvent(ctx, ev.ID) }); err != nil {
			return fmt.Errorf("failed to delete event %d: %w", ev.ID, err)
		}
		res.Deleted++
	}
	return nil
}

// applyItems merges fetched resources. Masters go first so exceptions
// arriving in the same pull find them.
func (p *Puller) applyItems(ctx context.Context, cal *calendar.Calendar, items []providers.RemoteItem, res *PullResult) error {
	sort.Slice(items, func(i, j int) bool { return items[i].URL < items[j].URL })

	type pendingException struct {
		ev   *calendar.Event
		item *providers.RemoteItem
	}
	var exceptions []pendingException
	masters := make(map[string]*calendar.Event)
	held := make(map[string]bool) // UIDs whose master was skipped

	for i := range items {
		item := &items[i]
		events, err := calendar.ParseObject(item.Data)
		if err != nil {
			p.logger.Warn("failed to parse item", "calendar_id", cal.ID, "url", item.URL, "error", err)
			res.ParseFailures = append(res.ParseFailures, item.URL)
			continue
		}

		for _, ev := range events {
			if ev.IsException() {
				exceptions = append(exceptions, pendingException{ev: ev, item: item})
				continue
			}
			master, err := p.applyMaster(ctx, cal, ev, item, events, res)
			if err != nil {
				return err
			}
			if master == nil {
				held[ev.UID] = true
				continue
			}
			masters[ev.UID] = master
		}
	}

	for _, pe := range exceptions {
		if held[pe.ev.UID] {
			continue
		}
		if err := p.applyException(ctx, cal, pe.ev, pe.item, masters, res); err != nil {
			return err
		}
	}
	return nil
}

// applyMaster upserts one master. It returns nil when the master was
// skipped, in which case its exceptions must be skipped as well.
func (p *Puller) applyMaster(ctx context.Context, cal *calendar.Calendar, remote *calendar.Event, item *providers.RemoteItem, siblings []*calendar.Event, res *PullResult) (*calendar.Event, error) {
	existing, err := p.lookup(ctx, cal.ID, remote.UID, item.URL)
	if err != nil {
		return nil, err
	}

	if existing != nil {
		if hasPendingLocalChange(existing) {
			res.skip(item.URL, remote.UID, SkipPendingLocal)
			return nil, nil
		}
		if existing.ETag != "" && existing.ETag == item.ETag {
			res.skip(item.URL, remote.UID, SkipUnchanged)
			return nil, nil
		}
		existing.CopyRemoteFields(remote)
	} else {
		existing = remote
		existing.CalendarID = cal.ID
		existing.Color = cal.Color
	}

	isNew := existing.ID == 0
	existing.URL = item.URL
	existing.ETag = item.ETag
	existing.SyncStatus = calendar.SyncStatusSynced
	existing.SyncError = ""

	_, remoteExceptions := splitObject(siblings, remote.UID)
	if err := p.mapper.dropStaleExceptions(ctx, existing, remoteExceptions, false); err != nil {
		return nil, err
	}
	if err := p.mapper.saveMaster(ctx, existing); err != nil {
		return nil, fmt.Errorf("failed to save event %s: %w", remote.UID, err)
	}
	if isNew {
		res.Created++
	} else {
		res.Updated++
	}
	return existing, nil
}

// lookup finds a local master by UID first and remote URL second.
func (p *Puller) lookup(ctx context.Context, calendarID int64, uid, url string) (*calendar.Event, error) {
	ev, err := p.store.FindEventByUID(ctx, calendarID, uid)
	if err == nil {
		return ev, nil
	}
	if !errors.Is(err, calendar.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up %s: %w", uid, err)
	}
	ev, err = p.store.FindEventByURL(ctx, calendarID, url)
	if err == nil && !ev.IsException() {
		return ev, nil
	}
	if err != nil && !errors.Is(err, calendar.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up %s: %w", url, err)
	}
	return nil, nil
}

func (p *Puller) applyException(ctx context.Context, cal *calendar.Calendar, ex *calendar.Event, item *providers.RemoteItem, masters map[string]*calendar.Event, res *PullResult) error {
	master := masters[ex.UID]
	if master == nil {
		stored, err := p.store.FindEventByUID(ctx, cal.ID, ex.UID)
		switch {
		case errors.Is(err, calendar.ErrNotFound):
			res.skip(item.URL, ex.UID, SkipOrphan)
			return nil
		case err != nil:
			return fmt.Errorf("failed to look up master %s: %w", ex.UID, err)
		}
		master = stored
	}
	if hasPendingLocalChange(master) {
		res.skip(item.URL, ex.UID, SkipPendingLocal)
		return nil
	}

	existing, err := p.store.FindException(ctx, master.ID, ex.RecurrenceID)
	if err != nil && !errors.Is(err, calendar.ErrNotFound) {
		return fmt.Errorf("failed to look up exception %s: %w", ex.UID, err)
	}
	if existing != nil && hasPendingLocalChange(existing) {
		res.skip(item.URL, ex.UID, SkipPendingLocal)
		return nil
	}

	isNew := existing == nil
	if err := p.mapper.saveException(ctx, master, ex, item); err != nil {
		return fmt.Errorf("failed to save exception %s: %w", ex.UID, err)
	}
	if isNew {
		res.Created++
	} else {
		res.Updated++
	}
	return nil
}

// advanceCursor stores the new tag and token unless the pull must be
// repeated: missing items always hold the cursor, unparseable items hold
// it for at most MaxParseRetries passes.
func (p *Puller) advanceCursor(ctx context.Context, cal *calendar.Calendar, state providers.CollectionState, plan *pullPlan, res *PullResult) error {
	switch {
	case len(res.Missing) > 0:
		p.logger.Info("holding sync cursor, items missing", "calendar_id", cal.ID, "missing", len(res.Missing))

	case len(res.ParseFailures) > 0 && cal.ParseRetries < p.opts.MaxParseRetries:
		cal.ParseRetries++
		p.logger.Info("holding sync cursor, items unparseable",
			"calendar_id", cal.ID, "failures", len(res.ParseFailures), "attempt", cal.ParseRetries)

	default:
		if len(res.ParseFailures) > 0 {
			p.logger.Warn("advancing past unparseable items", "calendar_id", cal.ID, "urls", res.ParseFailures)
		}
		if !plan.partial {
			cal.CTag = state.CTag
		}
		if plan.token != "" {
			cal.SyncToken = plan.token
		}
		cal.ParseRetries = 0
		res.CursorAdvanced = true
	}

	cal.LastSync = p.opts.Now()
	return storeWrite(ctx, func() error { return p.store.SaveCalendar(ctx, cal) })
}
