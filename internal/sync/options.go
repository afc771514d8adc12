// Package sync reconciles the local calendar store with remote CalDAV
// collections. A pass over one calendar pushes the outbox, resolves the
// conflicts the push produced and then pulls remote changes.
package sync

import (
	"log/slog"
	"time"

	"github.com/djwarf/calsync/internal/notify"
	"github.com/djwarf/calsync/pkg/recurrence"
)

// Defaults for Options fields left zero.
const (
	DefaultWindowPast        = 365 * 24 * time.Hour
	DefaultWindowFuture      = 100 * 365 * 24 * time.Hour
	DefaultMaxParseRetries   = 3
	DefaultMaxConflictCycles = 3
	DefaultRetryBaseDelay    = 30 * time.Second
	DefaultRetryMaxExponent  = 6
	DefaultFetchRetryDelay   = 2 * time.Second
	DefaultFetchChunkSize    = 10
	DefaultMaxFeedPages      = 20
	DefaultMaxConcurrent     = 4
)

// Options tunes the sync engine. The zero value selects the defaults.
type Options struct {
	Logger   *slog.Logger
	Expander Expander
	Notifier notify.Notifier

	// Strategy resolves push conflicts.
	Strategy Strategy

	// Occurrences are materialized in [now-WindowPast, now+WindowFuture).
	WindowPast   time.Duration
	WindowFuture time.Duration

	// MaxParseRetries is the number of passes a pull holds its cursor on
	// unparseable items before advancing past them.
	MaxParseRetries int

	// MaxConflictCycles is the number of failed resolutions after which an
	// outbox entry is abandoned.
	MaxConflictCycles int

	// Retryable push failures wait RetryBaseDelay * 2^min(retries, RetryMaxExponent).
	RetryBaseDelay   time.Duration
	RetryMaxExponent int

	// FetchRetryDelay separates a failed batch fetch from its single retry.
	// A negative value retries immediately.
	FetchRetryDelay time.Duration
	FetchChunkSize  int

	// MaxFeedPages bounds how many truncated change feed pages one pull follows.
	MaxFeedPages int

	// PassTimeout bounds one account pass. Zero means no bound.
	PassTimeout time.Duration

	// MaxConcurrentAccounts bounds SyncAll's fan-out.
	MaxConcurrentAccounts int

	// Now is the clock. Tests replace it.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Expander == nil {
		o.Expander = recurrence.NewExpander(o.Logger)
	}
	if o.Notifier == nil {
		o.Notifier = notify.LogNotifier{Logger: o.Logger}
	}
	if !o.Strategy.IsValid() {
		o.Strategy = StrategyServerWins
	}
	if o.WindowPast <= 0 {
		o.WindowPast = DefaultWindowPast
	}
	if o.WindowFuture <= 0 {
		o.WindowFuture = DefaultWindowFuture
	}
	if o.MaxParseRetries <= 0 {
		o.MaxParseRetries = DefaultMaxParseRetries
	}
	if o.MaxConflictCycles <= 0 {
		o.MaxConflictCycles = DefaultMaxConflictCycles
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if o.RetryMaxExponent <= 0 {
		o.RetryMaxExponent = DefaultRetryMaxExponent
	}
	if o.FetchRetryDelay < 0 {
		o.FetchRetryDelay = 0
	} else if o.FetchRetryDelay == 0 {
		o.FetchRetryDelay = DefaultFetchRetryDelay
	}
	if o.FetchChunkSize <= 0 {
		o.FetchChunkSize = DefaultFetchChunkSize
	}
	if o.MaxFeedPages <= 0 {
		o.MaxFeedPages = DefaultMaxFeedPages
	}
	if o.MaxConcurrentAccounts <= 0 {
		o.MaxConcurrentAccounts = DefaultMaxConcurrent
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// window returns the occurrence window around now.
func (o Options) window() (time.Time, time.Time) {
	now := o.Now()
	return now.Add(-o.WindowPast), now.Add(o.WindowFuture)
}
