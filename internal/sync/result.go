package sync

import (
	"errors"
	"fmt"
	"time"

	"github.com/djwarf/calsync/pkg/providers"
)

// PullStatus is the outcome of a pull.
type PullStatus string

const (
	PullSuccess   PullStatus = "success"
	PullNoChanges PullStatus = "no_changes"
	PullError     PullStatus = "error"
)

// PullMode is how a pull discovered remote changes.
type PullMode string

const (
	ModeIncremental PullMode = "incremental"
	ModeETagDiff    PullMode = "etag_diff"
	ModeFull        PullMode = "full"
)

// Skip reasons recorded by a pull.
const (
	SkipPendingLocal = "local change pending"
	SkipUnchanged    = "etag unchanged"
	SkipOrphan       = "master not found"
)

// Skip records an item a pull deliberately left alone.
type Skip struct {
	URL    string
	UID    string
	Reason string
}

// PullResult describes one pull of one calendar.
type PullResult struct {
	Status PullStatus
	Mode   PullMode

	Created int
	Updated int
	Deleted int

	Skipped       []Skip
	Missing       []string
	ParseFailures []string

	// CursorAdvanced is set when the calendar's tag and token were moved
	// forward.
	CursorAdvanced bool

	Err error
}

func (r *PullResult) skip(url, uid, reason string) {
	r.Skipped = append(r.Skipped, Skip{URL: url, UID: uid, Reason: reason})
}

func (r *PullResult) fail(err error) *PullResult {
	r.Status = PullError
	r.Err = err
	return r
}

// PushResult describes one push pass.
type PushResult struct {
	Created   int
	Updated   int
	Deleted   int
	Moved     int
	Conflicts int
	Retried   int
	Failed    int

	Errors []PhaseError

	// AuthFailed is set when the server rejected the credentials; the
	// pass stopped at that entry.
	AuthFailed bool
	Err        error
}

func (r *PushResult) add(o *PushResult) {
	r.Created += o.Created
	r.Updated += o.Updated
	r.Deleted += o.Deleted
	r.Moved += o.Moved
	r.Conflicts += o.Conflicts
	r.Retried += o.Retried
	r.Failed += o.Failed
	r.Errors = append(r.Errors, o.Errors...)
	if o.AuthFailed {
		r.AuthFailed = true
	}
	if r.Err == nil {
		r.Err = o.Err
	}
}

// Phase names the step of a pass an error came from.
type Phase string

const (
	PhaseDiscovery Phase = "discovery"
	PhasePush      Phase = "push"
	PhaseResolve   Phase = "resolve"
	PhasePull      Phase = "pull"
)

// PhaseError is one failure recorded in a SyncResult.
type PhaseError struct {
	Phase      Phase
	CalendarID int64
	EventID    int64
	Kind       providers.Kind
	Code       int
	Message    string
	Retryable  bool
}

func (e PhaseError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: calendar %d: %s (%d)", e.Phase, e.CalendarID, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: calendar %d: %s", e.Phase, e.CalendarID, e.Message)
}

func newPhaseError(phase Phase, calendarID int64, err error) PhaseError {
	classified := providers.Classify(err)
	return PhaseError{
		Phase:      phase,
		CalendarID: calendarID,
		Kind:       classified.Kind,
		Code:       classified.Code,
		Message:    err.Error(),
		Retryable:  classified.Retryable,
	}
}

// Outcome summarizes a SyncResult.
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomePartialSuccess Outcome = "partial_success"
	OutcomeAuthError      Outcome = "auth_error"
)

// Counts tallies event changes in one direction.
type Counts struct {
	Created int
	Updated int
	Deleted int
}

// Total returns the number of changed events.
func (c Counts) Total() int {
	return c.Created + c.Updated + c.Deleted
}

// SyncResult is the outcome of one orchestrated pass. It is built once
// and not modified afterwards.
type SyncResult struct {
	Outcome Outcome

	Pushed Counts
	Pulled Counts

	ConflictsResolved int
	Abandoned         int

	Errors   []PhaseError
	Started  time.Time
	Duration time.Duration
}

// OK reports whether the pass completed without errors.
func (r SyncResult) OK() bool {
	return r.Outcome == OutcomeSuccess
}

// Err joins the recorded errors. It returns nil for a clean pass.
func (r SyncResult) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	errs := make([]error, len(r.Errors))
	for i, e := range r.Errors {
		errs[i] = e
	}
	return errors.Join(errs...)
}

// AccountResult pairs an account with the result of its pass.
type AccountResult struct {
	AccountID   int64
	AccountName string
	Result      SyncResult
}

// resultBuilder accumulates a pass; build freezes it.
type resultBuilder struct {
	started    time.Time
	pushed     Counts
	pulled     Counts
	resolved   int
	abandoned  int
	errors     []PhaseError
	authFailed bool
	authErr    error
}

func newResultBuilder(started time.Time) *resultBuilder {
	return &resultBuilder{started: started}
}

func (b *resultBuilder) addPush(r *PushResult) {
	b.pushed.Created += r.Created
	b.pushed.Updated += r.Updated + r.Moved
	b.pushed.Deleted += r.Deleted
	b.errors = append(b.errors, r.Errors...)
	if r.AuthFailed {
		b.markAuth(r.Err)
	}
}

func (b *resultBuilder) markAuth(err error) {
	b.authFailed = true
	if b.authErr == nil {
		b.authErr = err
	}
}

func (b *resultBuilder) addPull(calendarID int64, r *PullResult) {
	b.pulled.Created += r.Created
	b.pulled.Updated += r.Updated
	b.pulled.Deleted += r.Deleted
	if r.Err != nil {
		b.addError(PhasePull, calendarID, r.Err)
	}
}

func (b *resultBuilder) addError(phase Phase, calendarID int64, err error) {
	pe := newPhaseError(phase, calendarID, err)
	if pe.Kind == providers.KindAuth {
		b.markAuth(err)
	}
	b.errors = append(b.errors, pe)
}

func (b *resultBuilder) build(now time.Time) SyncResult {
	r := SyncResult{
		Pushed:            b.pushed,
		Pulled:            b.pulled,
		ConflictsResolved: b.resolved,
		Abandoned:         b.abandoned,
		Errors:            append([]PhaseError(nil), b.errors...),
		Started:           b.started,
		Duration:          now.Sub(b.started),
	}
	switch {
	case b.authFailed:
		r.Outcome = OutcomeAuthError
	case len(b.errors) > 0:
		r.Outcome = OutcomePartialSuccess
	default:
		r.Outcome = OutcomeSuccess
	}
	return r
}
