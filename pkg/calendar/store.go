package calendar

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store manages calendar data persistence
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore creates a new calendar store
func NewStore(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	connStr := dbPath + "?_foreign_keys=on&_journal_mode=DELETE&_busy_timeout=2000&_synchronous=FULL"
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Force single connection to avoid pooling issues
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies the embedded schema migrations
func (s *Store) migrate() error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return err
	}
	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return err
	}
	// m.Close would close the shared *sql.DB, so only the source is released.
	defer src.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// wrapErr maps driver errors onto the package sentinels.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		if sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked {
			return fmt.Errorf("%w: %v", ErrStoreBusy, err)
		}
	}
	return err
}

// withTx runs fn in a transaction, committing on success.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr(err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return wrapErr(err)
	}
	return wrapErr(tx.Commit())
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// --- Account Operations ---

const accountColumns = `id, name, type, email, enabled, server_url, username, external_id,
	principal_url, home_set_url, consecutive_failures, last_successful_sync, last_sync`

// SaveAccount inserts the account when its ID is zero and updates it otherwise.
func (s *Store) SaveAccount(ctx context.Context, a *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.ID == 0 {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO accounts (name, type, email, enabled, server_url, username, external_id,
				principal_url, home_set_url, consecutive_failures, last_successful_sync, last_sync)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.Name, a.Type, a.Email, a.Enabled, a.ServerURL, a.Username, a.ExternalID,
			a.PrincipalURL, a.HomeSetURL, a.ConsecutiveFailures, toUnix(a.LastSuccessfulSync), toUnix(a.LastSync))
		if err != nil {
			return wrapErr(err)
		}
		a.ID, err = res.LastInsertId()
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET name = ?, type = ?, email = ?, enabled = ?, server_url = ?, username = ?,
			external_id = ?, principal_url = ?, home_set_url = ?, consecutive_failures = ?,
			last_successful_sync = ?, last_sync = ?
		WHERE id = ?`,
		a.Name, a.Type, a.Email, a.Enabled, a.ServerURL, a.Username, a.ExternalID,
		a.PrincipalURL, a.HomeSetURL, a.ConsecutiveFailures, toUnix(a.LastSuccessfulSync), toUnix(a.LastSync), a.ID)
	return wrapErr(err)
}

// GetAccount retrieves an account by ID
func (s *Store) GetAccount(ctx context.Context, id int64) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	return a, wrapErr(err)
}

// GetAllAccounts retrieves all accounts
func (s *Store) GetAllAccounts(ctx context.Context) ([]*Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY name`)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// DeleteAccount deletes an account and its calendars/events
func (s *Store) DeleteAccount(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	return wrapErr(err)
}

// --- Calendar Operations ---

const calendarColumns = `id, account_id, url, name, description, color, visible, read_only,
	ctag, sync_token, parse_retries, last_sync`

// SaveCalendar inserts the calendar when its ID is zero and updates it otherwise.
func (s *Store) SaveCalendar(ctx context.Context, c *Calendar) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == 0 {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO calendars (account_id, url, name, description, color, visible, read_only,
				ctag, sync_token, parse_retries, last_sync)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.AccountID, c.URL, c.Name, c.Description, c.Color, c.Visible, c.ReadOnly,
			c.CTag, c.SyncToken, c.ParseRetries, toUnix(c.LastSync))
		if err != nil {
			return wrapErr(err)
		}
		c.ID, err = res.LastInsertId()
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE calendars SET account_id = ?, url = ?, name = ?, description = ?, color = ?,
			visible = ?, read_only = ?, ctag = ?, sync_token = ?, parse_retries = ?, last_sync = ?
		WHERE id = ?`,
		c.AccountID, c.URL, c.Name, c.Description, c.Color, c.Visible, c.ReadOnly,
		c.CTag, c.SyncToken, c.ParseRetries, toUnix(c.LastSync), c.ID)
	return wrapErr(err)
}

// GetCalendar retrieves a calendar by ID
func (s *Store) GetCalendar(ctx context.Context, id int64) (*Calendar, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+calendarColumns+` FROM calendars WHERE id = ?`, id)
	c, err := scanCalendar(row)
	return c, wrapErr(err)
}

// GetCalendarsByAccount retrieves all calendars for an account
func (s *Store) GetCalendarsByAccount(ctx context.Context, accountID int64) ([]*Calendar, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+calendarColumns+` FROM calendars WHERE account_id = ? ORDER BY name`, accountID)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var calendars []*Calendar
	for rows.Next() {
		c, err := scanCalendar(rows)
		if err != nil {
			return nil, err
		}
		calendars = append(calendars, c)
	}
	return calendars, rows.Err()
}

// DeleteCalendar deletes a calendar and its events
func (s *Store) DeleteCalendar(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM calendars WHERE id = ?`, id)
	return wrapErr(err)
}

// --- Event Operations ---

const eventColumns = `id, calendar_id, uid, url, etag, sequence, title, description, location,
	start_time, end_time, all_day, tzid, color, rrule, exdates, recurrence_id, master_id,
	reminders, created, modified, dtstamp, status, sync_status, sync_error`

// SaveEvent inserts or updates a single event row.
func (s *Store) SaveEvent(ctx context.Context, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return wrapErr(saveEvent(ctx, s.db, e))
}

func saveEvent(ctx context.Context, db execer, e *Event) error {
	exdates := make([]int64, 0, len(e.ExDates))
	for _, t := range e.ExDates {
		exdates = append(exdates, t.Unix())
	}
	exJSON, _ := json.Marshal(exdates)
	reminders, _ := json.Marshal(e.Reminders)
	if e.SyncStatus == "" {
		e.SyncStatus = SyncStatusSynced
	}
	var master sql.NullInt64
	if e.MasterID != 0 {
		master = sql.NullInt64{Int64: e.MasterID, Valid: true}
	}

	args := []any{
		e.CalendarID, e.UID, e.URL, e.ETag, e.Sequence, e.Title, e.Description, e.Location,
		e.Start.Unix(), e.End.Unix(), e.AllDay, e.TZID, e.Color, e.RRule, string(exJSON),
		toUnix(e.RecurrenceID), master, string(reminders), toUnix(e.Created), toUnix(e.Modified),
		toUnix(e.DTStamp), e.Status, e.SyncStatus, e.SyncError,
	}

	if e.ID == 0 {
		res, err := db.ExecContext(ctx, `
			INSERT INTO events (calendar_id, uid, url, etag, sequence, title, description, location,
				start_time, end_time, all_day, tzid, color, rrule, exdates, recurrence_id, master_id,
				reminders, created, modified, dtstamp, status, sync_status, sync_error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
		if err != nil {
			return err
		}
		e.ID, err = res.LastInsertId()
		return err
	}

	_, err := db.ExecContext(ctx, `
		UPDATE events SET calendar_id = ?, uid = ?, url = ?, etag = ?, sequence = ?, title = ?,
			description = ?, location = ?, start_time = ?, end_time = ?, all_day = ?, tzid = ?,
			color = ?, rrule = ?, exdates = ?, recurrence_id = ?, master_id = ?, reminders = ?,
			created = ?, modified = ?, dtstamp = ?, status = ?, sync_status = ?, sync_error = ?
		WHERE id = ?`, append(args, e.ID)...)
	return err
}

// GetEvent retrieves an event by ID
func (s *Store) GetEvent(ctx context.Context, id int64) (*Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	e, err := scanEvent(row)
	return e, wrapErr(err)
}

// GetEvents retrieves several events at once, keyed by ID. Missing IDs are
// absent from the map.
func (s *Store) GetEvents(ctx context.Context, ids []int64) (map[int64]*Event, error) {
	out := make(map[int64]*Event, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	events, err := s.queryEvents(ctx, `SELECT `+eventColumns+` FROM events WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	for _, e := range events {
		out[e.ID] = e
	}
	return out, nil
}

// FindEventByUID returns the master (or standalone) event with the UID.
func (s *Store) FindEventByUID(ctx context.Context, calendarID int64, uid string) (*Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events
		WHERE calendar_id = ? AND uid = ? AND recurrence_id = 0 LIMIT 1`, calendarID, uid)
	e, err := scanEvent(row)
	return e, wrapErr(err)
}

// FindEventByURL returns the event stored for a remote resource, preferring
// the master over its exceptions.
func (s *Store) FindEventByURL(ctx context.Context, calendarID int64, url string) (*Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events
		WHERE calendar_id = ? AND url = ? ORDER BY recurrence_id ASC LIMIT 1`, calendarID, url)
	e, err := scanEvent(row)
	return e, wrapErr(err)
}

// FindException returns the exception of master for the given instance.
func (s *Store) FindException(ctx context.Context, masterID int64, recurrenceID time.Time) (*Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events
		WHERE master_id = ? AND recurrence_id = ? LIMIT 1`, masterID, toUnix(recurrenceID))
	e, err := scanEvent(row)
	return e, wrapErr(err)
}

// GetExceptions returns every exception linked to a master.
func (s *Store) GetExceptions(ctx context.Context, masterID int64) ([]*Event, error) {
	return s.queryEvents(ctx, `SELECT `+eventColumns+` FROM events
		WHERE master_id = ? ORDER BY recurrence_id`, masterID)
}

// GetEventsInRange returns the masters of a calendar that have a remote URL
// and either overlap the range or own an occurrence inside it.
func (s *Store) GetEventsInRange(ctx context.Context, calendarID int64, start, end time.Time) ([]*Event, error) {
	return s.queryEvents(ctx, `SELECT `+eventColumns+` FROM events e
		WHERE e.calendar_id = ? AND e.recurrence_id = 0 AND e.url != ''
		AND ((e.start_time < ? AND e.end_time > ?)
			OR EXISTS (SELECT 1 FROM occurrences o WHERE o.event_id = e.id AND o.start_time < ? AND o.end_time > ?))
		ORDER BY e.start_time`,
		calendarID, end.Unix(), start.Unix(), end.Unix(), start.Unix())
}

// GetEventsByCalendar retrieves all events for a calendar
func (s *Store) GetEventsByCalendar(ctx context.Context, calendarID int64) ([]*Event, error) {
	return s.queryEvents(ctx, `SELECT `+eventColumns+` FROM events WHERE calendar_id = ? ORDER BY start_time`, calendarID)
}

// GetEventETags maps remote URL to stored ETag for every master of a calendar.
func (s *Store) GetEventETags(ctx context.Context, calendarID int64) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT url, etag FROM events
		WHERE calendar_id = ? AND recurrence_id = 0 AND url != ''`, calendarID)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var url string
		var etag sql.NullString
		if err := rows.Scan(&url, &etag); err != nil {
			return nil, err
		}
		out[url] = etag.String
	}
	return out, rows.Err()
}

// SaveEventWithOccurrences upserts an event and replaces its occurrence
// window in one transaction.
func (s *Store) SaveEventWithOccurrences(ctx context.Context, e *Event, occurrences []Occurrence) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := saveEvent(ctx, tx, e); err != nil {
			return fmt.Errorf("failed to save event: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM occurrences WHERE event_id = ?`, e.ID); err != nil {
			return fmt.Errorf("failed to clear occurrences: %w", err)
		}
		for i := range occurrences {
			occurrences[i].EventID = e.ID
			if err := insertOccurrence(ctx, tx, &occurrences[i]); err != nil {
				return fmt.Errorf("failed to insert occurrence: %w", err)
			}
		}
		return nil
	})
}

// SaveException upserts an exception and links it to its master's
// occurrence for the overridden instant. Any standalone occurrence of the
// exception and any previous occurrence for that instant are replaced, so
// exactly one occurrence remains.
func (s *Store) SaveException(ctx context.Context, ex *Event, occ Occurrence) error {
	if ex.MasterID == 0 || ex.RecurrenceID.IsZero() {
		return fmt.Errorf("event %q is not a linked exception", ex.UID)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := saveEvent(ctx, tx, ex); err != nil {
			return fmt.Errorf("failed to save exception: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM occurrences WHERE event_id = ?`, ex.ID); err != nil {
			return fmt.Errorf("failed to clear standalone occurrences: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM occurrences
			WHERE event_id = ? AND (original_start = ? OR exception_id = ?)`,
			ex.MasterID, toUnix(ex.RecurrenceID), ex.ID); err != nil {
			return fmt.Errorf("failed to clear master occurrence: %w", err)
		}
		occ.EventID = ex.MasterID
		occ.ExceptionID = ex.ID
		occ.OriginalStart = ex.RecurrenceID
		return insertOccurrence(ctx, tx, &occ)
	})
}

// DeleteEvent removes an event with its exceptions, occurrences and outbox
// entries.
func (s *Store) DeleteEvent(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE master_id = ?`, id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, id)
		return err
	})
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Occurrence Operations ---

func insertOccurrence(ctx context.Context, db execer, o *Occurrence) error {
	var exception sql.NullInt64
	if o.ExceptionID != 0 {
		exception = sql.NullInt64{Int64: o.ExceptionID, Valid: true}
	}
	res, err := db.ExecContext(ctx, `
		INSERT INTO occurrences (event_id, exception_id, original_start, start_time, end_time)
		VALUES (?, ?, ?, ?, ?)`,
		o.EventID, exception, o.OriginalStart.Unix(), o.Start.Unix(), o.End.Unix())
	if err != nil {
		return err
	}
	o.ID, err = res.LastInsertId()
	return err
}

// GetOccurrences returns the materialized occurrences owned by an event.
func (s *Store) GetOccurrences(ctx context.Context, eventID int64) ([]Occurrence, error) {
	return s.queryOccurrences(ctx, `SELECT id, event_id, exception_id, original_start, start_time, end_time
		FROM occurrences WHERE event_id = ? ORDER BY original_start`, eventID)
}

// GetOccurrencesInRange returns occurrences overlapping the range across all
// visible calendars.
func (s *Store) GetOccurrencesInRange(ctx context.Context, start, end time.Time) ([]Occurrence, error) {
	return s.queryOccurrences(ctx, `SELECT o.id, o.event_id, o.exception_id, o.original_start, o.start_time, o.end_time
		FROM occurrences o
		JOIN events e ON o.event_id = e.id
		JOIN calendars c ON e.calendar_id = c.id
		WHERE c.visible = 1 AND o.start_time < ? AND o.end_time > ?
		ORDER BY o.start_time`, end.Unix(), start.Unix())
}

func (s *Store) queryOccurrences(ctx context.Context, query string, args ...any) ([]Occurrence, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var out []Occurrence
	for rows.Next() {
		var o Occurrence
		var exception sql.NullInt64
		var original, start, end int64
		if err := rows.Scan(&o.ID, &o.EventID, &exception, &original, &start, &end); err != nil {
			return nil, err
		}
		o.ExceptionID = exception.Int64
		o.OriginalStart = time.Unix(original, 0).UTC()
		o.Start = time.Unix(start, 0).UTC()
		o.End = time.Unix(end, 0).UTC()
		out = append(out, o)
	}
	return out, rows.Err()
}

// --- Outbox Operations ---

const operationColumns = `id, kind, event_id, calendar_id, status, retry_count, next_retry_at,
	last_error, conflict_cycles, move_phase, source_calendar_id, target_calendar_id, source_url,
	created_at, updated_at`

// SaveOperation inserts the entry when its ID is zero and updates it otherwise.
func (s *Store) SaveOperation(ctx context.Context, op *PendingOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return wrapErr(saveOperation(ctx, s.db, op))
}

func saveOperation(ctx context.Context, db execer, op *PendingOperation) error {
	now := time.Now()
	if op.CreatedAt.IsZero() {
		op.CreatedAt = now
	}
	op.UpdatedAt = now
	if op.Status == "" {
		op.Status = OpPending
	}

	args := []any{
		op.Kind, op.EventID, op.CalendarID, op.Status, op.RetryCount, toUnix(op.NextRetryAt),
		op.LastError, op.ConflictCycles, op.MovePhase, op.SourceCalendarID, op.TargetCalendarID,
		op.SourceURL, toUnix(op.CreatedAt), toUnix(op.UpdatedAt),
	}

	if op.ID == 0 {
		res, err := db.ExecContext(ctx, `
			INSERT INTO pending_operations (kind, event_id, calendar_id, status, retry_count,
				next_retry_at, last_error, conflict_cycles, move_phase, source_calendar_id,
				target_calendar_id, source_url, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
		if err != nil {
			return err
		}
		op.ID, err = res.LastInsertId()
		return err
	}

	_, err := db.ExecContext(ctx, `
		UPDATE pending_operations SET kind = ?, event_id = ?, calendar_id = ?, status = ?,
			retry_count = ?, next_retry_at = ?, last_error = ?, conflict_cycles = ?, move_phase = ?,
			source_calendar_id = ?, target_calendar_id = ?, source_url = ?, created_at = ?, updated_at = ?
		WHERE id = ?`, append(args, op.ID)...)
	return err
}

// GetOperation retrieves an outbox entry by ID
func (s *Store) GetOperation(ctx context.Context, id int64) (*PendingOperation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM pending_operations WHERE id = ?`, id)
	op, err := scanOperation(row)
	return op, wrapErr(err)
}

// GetOperationForEvent returns the outstanding entry of an event.
func (s *Store) GetOperationForEvent(ctx context.Context, eventID int64) (*PendingOperation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM pending_operations WHERE event_id = ?`, eventID)
	op, err := scanOperation(row)
	return op, wrapErr(err)
}

// GetDueOperations returns pending entries of a calendar whose retry time
// has elapsed, oldest first. A zero calendarID selects every calendar.
func (s *Store) GetDueOperations(ctx context.Context, calendarID int64, now time.Time) ([]*PendingOperation, error) {
	return s.queryOperations(ctx, `SELECT `+operationColumns+` FROM pending_operations
		WHERE (? = 0 OR calendar_id = ?) AND status = ? AND next_retry_at <= ?
		ORDER BY id`, calendarID, calendarID, OpPending, now.Unix())
}

// GetOperationsByStatus returns the entries of a calendar in the given
// state, oldest first. A zero calendarID selects every calendar.
func (s *Store) GetOperationsByStatus(ctx context.Context, calendarID int64, status OpStatus) ([]*PendingOperation, error) {
	return s.queryOperations(ctx, `SELECT `+operationColumns+` FROM pending_operations
		WHERE (? = 0 OR calendar_id = ?) AND status = ?
		ORDER BY id`, calendarID, calendarID, status)
}

// GetAllOperations returns the whole outbox, oldest first.
func (s *Store) GetAllOperations(ctx context.Context) ([]*PendingOperation, error) {
	return s.queryOperations(ctx, `SELECT `+operationColumns+` FROM pending_operations ORDER BY id`)
}

// DeleteOperation removes an outbox entry.
func (s *Store) DeleteOperation(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_operations WHERE id = ?`, id)
	return wrapErr(err)
}

// ReplaceOperation atomically removes the entry oldID and inserts op.
func (s *Store) ReplaceOperation(ctx context.Context, oldID int64, op *PendingOperation) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM pending_operations WHERE id = ?`, oldID); err != nil {
			return err
		}
		op.ID = 0
		return saveOperation(ctx, tx, op)
	})
}

// ResetInProgress returns entries left in progress by an interrupted pass
// to the pending state. A zero calendarID selects every calendar.
func (s *Store) ResetInProgress(ctx context.Context, calendarID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `UPDATE pending_operations SET status = ?, updated_at = ?
		WHERE (? = 0 OR calendar_id = ?) AND status = ?`,
		OpPending, time.Now().Unix(), calendarID, calendarID, OpInProgress)
	if err != nil {
		return 0, wrapErr(err)
	}
	return res.RowsAffected()
}

// AbandonOperation gives up on an entry: the event and its exceptions are
// marked synced with their ETags forgotten and the reason recorded on the
// event, the calendar's collection tag is cleared so the next pull
// re-evaluates the collection, and the entry is deleted.
func (s *Store) AbandonOperation(ctx context.Context, op *PendingOperation, reason string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE events SET sync_status = ?, sync_error = ?, etag = '' WHERE id = ?`,
			SyncStatusSynced, reason, op.EventID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE events SET sync_status = ?, sync_error = '', etag = '' WHERE master_id = ?`,
			SyncStatusSynced, op.EventID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE calendars SET ctag = '' WHERE id = ?`, op.CalendarID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM pending_operations WHERE id = ?`, op.ID)
		return err
	})
}

func (s *Store) queryOperations(ctx context.Context, query string, args ...any) ([]*PendingOperation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var ops []*PendingOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// --- Scan helpers ---

func scanAccount(row scanner) (*Account, error) {
	a := &Account{}
	var email, serverURL, username, externalID, principalURL, homeSetURL sql.NullString
	var lastSuccess, lastSync int64
	err := row.Scan(&a.ID, &a.Name, &a.Type, &email, &a.Enabled, &serverURL, &username, &externalID,
		&principalURL, &homeSetURL, &a.ConsecutiveFailures, &lastSuccess, &lastSync)
	if err != nil {
		return nil, err
	}
	a.Email = email.String
	a.ServerURL = serverURL.String
	a.Username = username.String
	a.ExternalID = externalID.String
	a.PrincipalURL = principalURL.String
	a.HomeSetURL = homeSetURL.String
	a.LastSuccessfulSync = fromUnix(lastSuccess)
	a.LastSync = fromUnix(lastSync)
	return a, nil
}

func scanCalendar(row scanner) (*Calendar, error) {
	c := &Calendar{}
	var description, color, ctag, syncToken sql.NullString
	var lastSync int64
	err := row.Scan(&c.ID, &c.AccountID, &c.URL, &c.Name, &description, &color, &c.Visible, &c.ReadOnly,
		&ctag, &syncToken, &c.ParseRetries, &lastSync)
	if err != nil {
		return nil, err
	}
	c.Description = description.String
	c.Color = color.String
	c.CTag = ctag.String
	c.SyncToken = syncToken.String
	c.LastSync = fromUnix(lastSync)
	if c.Color == "" {
		c.Color = "#4285f4"
	}
	return c, nil
}

func scanEvent(row scanner) (*Event, error) {
	e := &Event{}
	var url, etag, description, location, tzid, color, rrule, exdates, reminders, status, syncError sql.NullString
	var master sql.NullInt64
	var start, end, recurrenceID, created, modified, dtstamp int64
	err := row.Scan(&e.ID, &e.CalendarID, &e.UID, &url, &etag, &e.Sequence, &e.Title, &description, &location,
		&start, &end, &e.AllDay, &tzid, &color, &rrule, &exdates, &recurrenceID, &master,
		&reminders, &created, &modified, &dtstamp, &status, &e.SyncStatus, &syncError)
	if err != nil {
		return nil, err
	}

	e.URL = url.String
	e.ETag = etag.String
	e.Description = description.String
	e.Location = location.String
	e.TZID = tzid.String
	e.Color = color.String
	e.RRule = rrule.String
	e.MasterID = master.Int64
	e.SyncError = syncError.String
	e.Status = EventStatus(status.String)
	if e.Status == "" {
		e.Status = StatusConfirmed
	}

	loc := time.UTC
	if e.TZID != "" && !e.AllDay {
		if l, err := time.LoadLocation(e.TZID); err == nil {
			loc = l
		}
	}
	e.Start = time.Unix(start, 0).In(loc)
	e.End = time.Unix(end, 0).In(loc)
	if recurrenceID != 0 {
		e.RecurrenceID = time.Unix(recurrenceID, 0).In(loc)
	}
	e.Created = fromUnix(created)
	e.Modified = fromUnix(modified)
	e.DTStamp = fromUnix(dtstamp)

	if exdates.String != "" && exdates.String != "null" {
		var secs []int64
		if err := json.Unmarshal([]byte(exdates.String), &secs); err == nil {
			for _, sec := range secs {
				e.ExDates = append(e.ExDates, time.Unix(sec, 0).In(loc))
			}
		}
	}
	if reminders.String != "" && reminders.String != "null" {
		json.Unmarshal([]byte(reminders.String), &e.Reminders)
	}

	return e, nil
}

func scanOperation(row scanner) (*PendingOperation, error) {
	op := &PendingOperation{}
	var lastError, movePhase, sourceURL sql.NullString
	var sourceCal, targetCal sql.NullInt64
	var nextRetry, created, updated int64
	err := row.Scan(&op.ID, &op.Kind, &op.EventID, &op.CalendarID, &op.Status, &op.RetryCount, &nextRetry,
		&lastError, &op.ConflictCycles, &movePhase, &sourceCal, &targetCal, &sourceURL, &created, &updated)
	if err != nil {
		return nil, err
	}
	op.NextRetryAt = fromUnix(nextRetry)
	op.LastError = lastError.String
	op.MovePhase = MovePhase(movePhase.String)
	op.SourceCalendarID = sourceCal.Int64
	op.TargetCalendarID = targetCal.Int64
	op.SourceURL = sourceURL.String
	op.CreatedAt = fromUnix(created)
	op.UpdatedAt = fromUnix(updated)
	return op, nil
}

// toUnix persists an instant as unix seconds; the zero time maps to 0.
func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
