package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"

	"golang.org/x/sync/errgroup"

	"github.com/djwarf/calsync/internal/notify"
	"github.com/djwarf/calsync/pkg/calendar"
	"github.com/djwarf/calsync/pkg/providers"
	"github.com/djwarf/calsync/pkg/providers/caldav"
)

const defaultCalendarColor = "#4285f4"

// Dialer opens a protocol client for an account.
type Dialer func(ctx context.Context, account *calendar.Account) (providers.Client, error)

// CalDAVDialer resolves credentials through creds and connects with the
// CalDAV client.
func CalDAVDialer(creds providers.CredentialProvider, logger *slog.Logger) Dialer {
	return func(ctx context.Context, account *calendar.Account) (providers.Client, error) {
		c, err := creds.Credentials(ctx, account)
		if errors.Is(err, providers.ErrNoCredentials) {
			return nil, fmt.Errorf("%w: %v", providers.ErrUnauthorized, err)
		}
		if err != nil {
			return nil, err
		}
		if c.ServerURL == "" {
			c.ServerURL = providers.ServerURL(account)
		}
		if c.Username == "" {
			c.Username = account.Username
		}
		return caldav.Dial(c, logger)
	}
}

// PassOptions selects the work of one pass.
type PassOptions struct {
	// ForceFull lists every item instead of trusting tags and tokens.
	ForceFull bool
	// Discover refreshes the account's calendar list first.
	Discover bool
}

// Orchestrator sequences push, conflict resolution and pull for each
// calendar and aggregates the outcome.
type Orchestrator struct {
	store    Store
	dial     Dialer
	opts     Options
	logger   *slog.Logger
	puller   *Puller
	pusher   *Pusher
	resolver *Resolver
	locks    *keyedMutex
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(store Store, dial Dialer, opts Options) *Orchestrator {
	opts = opts.withDefaults()
	return &Orchestrator{
		store:    store,
		dial:     dial,
		opts:     opts,
		logger:   opts.Logger.With("component", "orchestrator"),
		puller:   NewPuller(store, opts),
		pusher:   NewPusher(store, opts),
		resolver: NewResolver(store, opts),
		locks:    newKeyedMutex(),
	}
}

// SyncAll syncs every enabled account, several at a time.
func (o *Orchestrator) SyncAll(ctx context.Context, pass PassOptions) ([]AccountResult, error) {
	accounts, err := o.store.GetAllAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load accounts: %w", err)
	}

	var enabled []*calendar.Account
	for _, account := range accounts {
		if account.Enabled && account.Type != calendar.AccountTypeLocal {
			enabled = append(enabled, account)
		}
	}

	results := make([]AccountResult, len(enabled))
	var g errgroup.Group
	g.SetLimit(o.opts.MaxConcurrentAccounts)
	for i, account := range enabled {
		i, account := i, account
		g.Go(func() error {
			results[i] = AccountResult{
				AccountID:   account.ID,
				AccountName: account.Name,
				Result:      o.syncAccount(ctx, account, pass),
			}
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

// SyncAccount syncs every calendar of one account.
func (o *Orchestrator) SyncAccount(ctx context.Context, accountID int64, pass PassOptions) (SyncResult, error) {
	account, err := o.store.GetAccount(ctx, accountID)
	if err != nil {
		return SyncResult{}, fmt.Errorf("failed to load account %d: %w", accountID, err)
	}
	return o.syncAccount(ctx, account, pass), nil
}

// SyncCalendar runs one push, resolve and pull sequence with an open client.
func (o *Orchestrator) SyncCalendar(ctx context.Context, cal *calendar.Calendar, client providers.Client, forceFull bool) SyncResult {
	b := newResultBuilder(o.opts.Now())
	o.syncCalendar(ctx, cal, client, forceFull, b)
	return b.build(o.opts.Now())
}

func (o *Orchestrator) syncAccount(ctx context.Context, account *calendar.Account, pass PassOptions) SyncResult {
	b := newResultBuilder(o.opts.Now())
	log := o.logger.With("account_id", account.ID, "account", account.Name)
	log.Info("syncing account")

	passCtx := ctx
	if o.opts.PassTimeout > 0 {
		var cancel context.CancelFunc
		passCtx, cancel = context.WithTimeout(ctx, o.opts.PassTimeout)
		defer cancel()
	}

	o.runAccount(passCtx, account, pass, b)

	if b.authFailed {
		o.opts.Notifier.AuthFailed(ctx, account.ID, account.Name, b.authErr)
	}
	result := b.build(o.opts.Now())
	o.recordAttempt(context.WithoutCancel(ctx), account, result)

	log.Info("account sync finished",
		"outcome", result.Outcome,
		"pushed", result.Pushed.Total(), "pulled", result.Pulled.Total(),
		"resolved", result.ConflictsResolved, "abandoned", result.Abandoned,
		"errors", len(result.Errors), "duration", result.Duration)
	return result
}

func (o *Orchestrator) runAccount(ctx context.Context, account *calendar.Account, pass PassOptions, b *resultBuilder) {
	client, err := o.dial(ctx, account)
	if err != nil {
		b.addError(PhaseDiscovery, 0, fmt.Errorf("failed to connect: %w", err))
		return
	}

	if pass.Discover || account.HomeSetURL == "" {
		if _, err := o.DiscoverCalendars(ctx, account, client); err != nil {
			b.addError(PhaseDiscovery, 0, err)
			if b.authFailed {
				return
			}
		}
	}

	cals, err := o.store.GetCalendarsByAccount(ctx, account.ID)
	if err != nil {
		b.addError(PhaseDiscovery, 0, fmt.Errorf("failed to load calendars: %w", err))
		return
	}

	for _, cal := range cals {
		if err := ctx.Err(); err != nil {
			b.addError(PhasePush, cal.ID, err)
			return
		}
		o.syncCalendar(ctx, cal, client, pass.ForceFull, b)
		if b.authFailed {
			// Remaining calendars would fail the same way.
			return
		}
	}
}

// syncCalendar runs push, resolve and pull for one calendar while holding
// the calendar's lock.
func (o *Orchestrator) syncCalendar(ctx context.Context, cal *calendar.Calendar, client providers.Client, forceFull bool, b *resultBuilder) {
	unlock := o.locks.lock(cal.ID)
	defer unlock()

	push := o.pusher.PushForCalendar(ctx, cal, client)
	b.addPush(push)
	if push.Err != nil && !push.AuthFailed {
		b.addError(PhasePush, cal.ID, push.Err)
	}
	if b.authFailed {
		return
	}

	o.resolveConflicts(ctx, cal, client, b)
	if b.authFailed {
		return
	}

	// Abandonment may have cleared the collection tag.
	fresh, err := o.store.GetCalendar(ctx, cal.ID)
	if err != nil {
		b.addError(PhasePull, cal.ID, fmt.Errorf("failed to reload calendar: %w", err))
		return
	}
	pull := o.puller.Pull(ctx, fresh, forceFull, client)
	b.addPull(cal.ID, pull)
}

// resolveConflicts settles the calendar's conflicting entries. An entry
// that failed resolution or was re-queued MaxConflictCycles times is
// abandoned.
func (o *Orchestrator) resolveConflicts(ctx context.Context, cal *calendar.Calendar, client providers.Client, b *resultBuilder) {
	ops, err := o.store.GetOperationsByStatus(ctx, cal.ID, calendar.OpConflict)
	if err != nil {
		b.addError(PhaseResolve, cal.ID, fmt.Errorf("failed to load conflicts: %w", err))
		return
	}

	var abandoned []notify.Abandonment
	defer func() {
		if len(abandoned) > 0 {
			o.opts.Notifier.Abandoned(ctx, abandoned)
		}
	}()

	for _, op := range ops {
		if ctx.Err() != nil {
			b.addError(PhaseResolve, cal.ID, ctx.Err())
			return
		}

		res, err := o.resolver.Resolve(ctx, op, o.opts.Strategy, client)
		if err == nil {
			if res.Resolution != ResolvedLocal {
				b.resolved++
				continue
			}
			// Keeping the local version re-queues it; an item that conflicts
			// again on every push is abandoned at the same ceiling.
			next, nerr := o.store.GetOperationForEvent(ctx, op.EventID)
			if nerr != nil || next.ConflictCycles < o.opts.MaxConflictCycles {
				b.resolved++
				continue
			}
			item, aerr := o.abandon(ctx, cal, next, errLocalKeptConflicting)
			if aerr != nil {
				b.addError(PhaseResolve, cal.ID, aerr)
				continue
			}
			abandoned = append(abandoned, item)
			b.abandoned++
			continue
		}
		if providers.IsAuth(err) {
			b.addError(PhaseResolve, cal.ID, err)
			return
		}
		if ctx.Err() != nil {
			b.addError(PhaseResolve, cal.ID, err)
			return
		}

		op.ConflictCycles++
		op.LastError = err.Error()
		if op.ConflictCycles >= o.opts.MaxConflictCycles {
			item, aerr := o.abandon(ctx, cal, op, err)
			if aerr != nil {
				b.addError(PhaseResolve, cal.ID, aerr)
				continue
			}
			abandoned = append(abandoned, item)
			b.abandoned++
			continue
		}

		o.logger.Warn("conflict resolution failed",
			"calendar_id", cal.ID, "op_id", op.ID, "cycle", op.ConflictCycles, "error", err)
		if serr := storeWrite(ctx, func() error { return o.store.SaveOperation(ctx, op) }); serr != nil {
			b.addError(PhaseResolve, cal.ID, serr)
			continue
		}
		pe := newPhaseError(PhaseResolve, cal.ID, err)
		pe.EventID = op.EventID
		b.errors = append(b.errors, pe)
	}
}

// abandon gives up on an entry: its event keeps the server's state at the
// next pull, which the cleared collection tag forces to re-evaluate.
func (o *Orchestrator) abandon(ctx context.Context, cal *calendar.Calendar, op *calendar.PendingOperation, cause error) (notify.Abandonment, error) {
	item := notify.Abandonment{
		AccountID:  cal.AccountID,
		CalendarID: cal.ID,
		EventID:    op.EventID,
		Reason:     fmt.Sprintf("gave up after %d failed conflict resolutions: %v", op.ConflictCycles, cause),
	}
	if ev, err := o.store.GetEvent(ctx, op.EventID); err == nil {
		item.Title = ev.Title
	}

	if err := storeWrite(ctx, func() error { return o.store.AbandonOperation(ctx, op, item.Reason) }); err != nil {
		return item, fmt.Errorf("failed to abandon entry %d: %w", op.ID, err)
	}
	o.logger.Warn("abandoned local change",
		"calendar_id", cal.ID, "op_id", op.ID, "event_id", op.EventID, "reason", item.Reason)
	return item, nil
}

// DiscoverCalendars resolves the account's home set when unknown and
// reconciles its calendar list with the server. Calendars gone from the
// server are removed unless they still have outbox entries.
func (o *Orchestrator) DiscoverCalendars(ctx context.Context, account *calendar.Account, client providers.Client) ([]*calendar.Calendar, error) {
	if account.HomeSetURL == "" {
		if account.PrincipalURL == "" {
			principal, err := client.DiscoverPrincipal(ctx)
			if err != nil {
				return nil, fmt.Errorf("failed to discover principal: %w", err)
			}
			account.PrincipalURL = principal
		}
		root, err := client.DiscoverCollectionRoot(ctx, account.PrincipalURL)
		if err != nil {
			return nil, fmt.Errorf("failed to discover calendar home: %w", err)
		}
		account.HomeSetURL = root
	}

	remote, err := client.ListCalendars(ctx, account.HomeSetURL)
	if err != nil {
		return nil, fmt.Errorf("failed to list calendars: %w", err)
	}
	local, err := o.store.GetCalendarsByAccount(ctx, account.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load calendars: %w", err)
	}

	byURL := make(map[string]*calendar.Calendar, len(local))
	for _, cal := range local {
		byURL[cal.URL] = cal
	}

	var out []*calendar.Calendar
	seen := make(map[string]bool, len(remote))
	for _, rc := range remote {
		seen[rc.URL] = true
		cal := byURL[rc.URL]
		if cal == nil {
			cal = &calendar.Calendar{
				AccountID: account.ID,
				URL:       rc.URL,
				Visible:   true,
				Color:     rc.Color,
			}
			if cal.Color == "" {
				cal.Color = defaultCalendarColor
			}
		}
		cal.Name = rc.Name
		cal.Description = rc.Description
		cal.ReadOnly = rc.ReadOnly
		if err := storeWrite(ctx, func() error { return o.store.SaveCalendar(ctx, cal) }); err != nil {
			return nil, fmt.Errorf("failed to save calendar %s: %w", rc.URL, err)
		}
		out = append(out, cal)
	}

	if len(remote) > 0 {
		if err := o.pruneCalendars(ctx, local, seen); err != nil {
			return nil, err
		}
	}

	if err := storeWrite(ctx, func() error { return o.store.SaveAccount(ctx, account) }); err != nil {
		return nil, fmt.Errorf("failed to save account: %w", err)
	}
	o.logger.Info("calendars discovered", "account_id", account.ID, "count", len(out))
	return out, nil
}

func (o *Orchestrator) pruneCalendars(ctx context.Context, local []*calendar.Calendar, seen map[string]bool) error {
	ops, err := o.store.GetAllOperations(ctx)
	if err != nil {
		return fmt.Errorf("failed to load outbox: %w", err)
	}
	busy := make(map[int64]bool)
	for _, op := range ops {
		busy[op.CalendarID] = true
		if op.TargetCalendarID != 0 {
			busy[op.TargetCalendarID] = true
		}
	}

	for _, cal := range local {
		if seen[cal.URL] || busy[cal.ID] {
			continue
		}
		o.logger.Info("removing calendar gone from server", "calendar_id", cal.ID, "url", cal.URL)
		if err := storeWrite(ctx, func() error { return o.store.DeleteCalendar(ctx, cal.ID) }); err != nil {
			return fmt.Errorf("failed to delete calendar %d: %w", cal.ID, err)
		}
	}
	return nil
}

func (o *Orchestrator) recordAttempt(ctx context.Context, account *calendar.Account, result SyncResult) {
	now := o.opts.Now()
	account.LastSync = now
	if result.OK() {
		account.LastSuccessfulSync = now
		account.ConsecutiveFailures = 0
	} else {
		account.ConsecutiveFailures++
	}
	if err := storeWrite(ctx, func() error { return o.store.SaveAccount(ctx, account) }); err != nil {
		o.logger.Error("failed to record sync attempt", "account_id", account.ID, "error", err)
	}
}

// keyedMutex serializes work per calendar. Entries live only while some
// caller holds or waits for them.
type keyedMutex struct {
	mu    gosync.Mutex
	locks map[int64]*keyedEntry
}

type keyedEntry struct {
	mu   gosync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[int64]*keyedEntry)}
}

func (k *keyedMutex) lock(id int64) func() {
	k.mu.Lock()
	e, ok := k.locks[id]
	if !ok {
		e = &keyedEntry{}
		k.locks[id] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}
