package store

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
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	appLog "calmirror/internal/log"
	"calmirror/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const memoryPath = ":memory:"

// SQLite is the Store and SecretStore backed by a single SQLite file.
type SQLite struct {
	db *sql.DB
}

var (
	_ Store       = (*SQLite)(nil)
	_ SecretStore = (*SQLite)(nil)
)

// Open opens (or creates) the database at path and applies migrations.
// Use ":memory:" for a throwaway database.
func Open(path string) (*SQLite, error) {
	if path == "" {
		path = memoryPath
	}
	if path != memoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps ":memory:" a single database and serializes writers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := migrateUp(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	appLog.Info("database ready", "path", path)
	return &SQLite{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) ListCalendars(ctx context.Context) ([]model.Calendar, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+calendarColumns+` FROM calendars ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("could not query calendars: %w", err)
	}
	defer rows.Close()

	out := make([]model.Calendar, 0)
	for rows.Next() {
		cal, err := scanCalendar(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cal)
	}
	return out, rows.Err()
}

func (s *SQLite) GetCalendar(ctx context.Context, id string) (model.Calendar, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+calendarColumns+` FROM calendars WHERE id = ?`, id)
	cal, err := scanCalendar(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Calendar{}, ErrNotFound
	}
	return cal, err
}

func (s *SQLite) UpsertCalendar(ctx context.Context, cal model.Calendar) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO calendars (id, handle, remote_url, name, color, writable, last_synced, change_token)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			handle = excluded.handle,
			remote_url = excluded.remote_url,
			name = excluded.name,
			color = excluded.color,
			writable = excluded.writable,
			last_synced = excluded.last_synced,
			change_token = excluded.change_token`,
		cal.ID, cal.Handle, cal.RemoteURL, cal.Name, cal.Color, cal.Writable, toMillis(cal.LastSynced), cal.ChangeToken)
	if err != nil {
		return fmt.Errorf("could not upsert calendar: %w", err)
	}
	return nil
}

func (s *SQLite) DeleteCalendar(ctx context.Context, id string) error {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE calendar_id = ?`, id).Scan(&n); err != nil {
		return fmt.Errorf("could not count events: %w", err)
	}
	if n > 0 {
		return ErrCalendarNotEmpty
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM calendars WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("could not delete calendar: %w", err)
	}
	return expectOne(res)
}

func (s *SQLite) GetEvent(ctx context.Context, calendarID, uid string) (model.Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE calendar_id = ? AND uid = ?`, calendarID, uid)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Event{}, ErrNotFound
	}
	return ev, err
}

func (s *SQLite) ListEvents(ctx context.Context, calendarID string) ([]model.Event, error) {
	return s.QueryEvents(ctx, EventQuery{CalendarIDs: []string{calendarID}})
}

func (s *SQLite) QueryEvents(ctx context.Context, q EventQuery) ([]model.Event, error) {
	var (
		where []string
		args  []any
	)
	if len(q.CalendarIDs) > 0 {
		where = append(where, "calendar_id IN (?"+strings.Repeat(", ?", len(q.CalendarIDs)-1)+")")
		for _, id := range q.CalendarIDs {
			args = append(args, id)
		}
	}
	if !q.To.IsZero() {
		where = append(where, "start_time < ?")
		args = append(args, q.To.UnixMilli())
	}
	if !q.From.IsZero() {
		// Recurring events are narrowed by expansion; zero-length events
		// count when their instant is inside the window.
		where = append(where, "(rrule <> '' OR end_time > ? OR (end_time <= start_time AND start_time >= ?))")
		args = append(args, q.From.UnixMilli(), q.From.UnixMilli())
	}

	query := `SELECT ` + eventColumns + ` FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY start_time, uid"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("could not query events: %w", err)
	}
	defer rows.Close()

	out := make([]model.Event, 0, 16)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLite) CreateEvent(ctx context.Context, ev model.Event) error {
	rdates, exdates, err := encodeDateLists(ev)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.UID, ev.CalendarID, ev.Href, ev.ETag, ev.Summary, ev.Description, ev.Location,
		toMillis(ev.Start), toMillis(ev.End), ev.AllDay, ev.Timezone, ev.RRule, rdates, exdates,
		ev.RecurrenceID, ev.Raw, toMillis(ev.Created), toMillis(ev.LastModified), ev.Revision,
		string(ev.SyncStatus), toMillis(ev.LocalModified))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrExists
		}
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return ErrNotFound
		}
		return fmt.Errorf("could not insert event: %w", err)
	}
	return nil
}

func (s *SQLite) UpdateEvent(ctx context.Context, ev model.Event) error {
	rdates, exdates, err := encodeDateLists(ev)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE events SET
			href = ?, etag = ?, summary = ?, description = ?, location = ?,
			start_time = ?, end_time = ?, all_day = ?, timezone = ?, rrule = ?, rdates = ?, exdates = ?,
			recurrence_id = ?, raw = ?, created = ?, last_modified = ?, revision = ?,
			sync_status = ?, local_modified = ?
		WHERE calendar_id = ? AND uid = ?`,
		ev.Href, ev.ETag, ev.Summary, ev.Description, ev.Location,
		toMillis(ev.Start), toMillis(ev.End), ev.AllDay, ev.Timezone, ev.RRule, rdates, exdates,
		ev.RecurrenceID, ev.Raw, toMillis(ev.Created), toMillis(ev.LastModified), ev.Revision,
		string(ev.SyncStatus), toMillis(ev.LocalModified),
		ev.CalendarID, ev.UID)
	if err != nil {
		return fmt.Errorf("could not update event: %w", err)
	}
	return expectOne(res)
}

func (s *SQLite) DeleteEvent(ctx context.Context, calendarID, uid string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE calendar_id = ? AND uid = ?`, calendarID, uid)
	if err != nil {
		return fmt.Errorf("could not delete event: %w", err)
	}
	return expectOne(res)
}

func (s *SQLite) GetSecret(ctx context.Context, name string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE name = ?`, name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("could not read secret: %w", err)
	}
	return value, nil
}

func (s *SQLite) PutSecret(ctx context.Context, name string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO secrets (name, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		name, value, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("could not store secret: %w", err)
	}
	return nil
}

func (s *SQLite) DeleteSecret(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE name = ?`, name); err != nil {
		return fmt.Errorf("could not delete secret: %w", err)
	}
	return nil
}

const calendarColumns = `id, handle, remote_url, name, color, writable, last_synced, change_token`

const eventColumns = `uid, calendar_id, href, etag, summary, description, location,
	start_time, end_time, all_day, timezone, rrule, rdates, exdates,
	recurrence_id, raw, created, last_modified, revision, sync_status, local_modified`

type scanner interface {
	Scan(dest ...any) error
}

func scanCalendar(row scanner) (model.Calendar, error) {
	var (
		cal        model.Calendar
		lastSynced int64
	)
	err := row.Scan(&cal.ID, &cal.Handle, &cal.RemoteURL, &cal.Name, &cal.Color, &cal.Writable, &lastSynced, &cal.ChangeToken)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return cal, err
		}
		return cal, fmt.Errorf("could not scan calendar: %w", err)
	}
	cal.LastSynced = fromMillis(lastSynced)
	return cal, nil
}

func scanEvent(row scanner) (model.Event, error) {
	var (
		ev                          model.Event
		start, end                  int64
		created, modified, localMod int64
		rdates, exdates, syncStatus string
	)
	err := row.Scan(&ev.UID, &ev.CalendarID, &ev.Href, &ev.ETag, &ev.Summary, &ev.Description, &ev.Location,
		&start, &end, &ev.AllDay, &ev.Timezone, &ev.RRule, &rdates, &exdates,
		&ev.RecurrenceID, &ev.Raw, &created, &modified, &ev.Revision, &syncStatus, &localMod)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ev, err
		}
		return ev, fmt.Errorf("could not scan event: %w", err)
	}
	ev.Start = fromMillis(start)
	ev.End = fromMillis(end)
	ev.Created = fromMillis(created)
	ev.LastModified = fromMillis(modified)
	ev.LocalModified = fromMillis(localMod)
	ev.SyncStatus = model.SyncStatus(syncStatus)
	if ev.RDates, err = decodeDateList(rdates); err != nil {
		return ev, err
	}
	if ev.ExDates, err = decodeDateList(exdates); err != nil {
		return ev, err
	}
	return ev, nil
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("could not read affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Times are stored as Unix milliseconds; 0 stands for the zero time.
func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func encodeDateLists(ev model.Event) (string, string, error) {
	r, err := encodeDateList(ev.RDates)
	if err != nil {
		return "", "", err
	}
	x, err := encodeDateList(ev.ExDates)
	if err != nil {
		return "", "", err
	}
	return r, x, nil
}

func encodeDateList(ts []time.Time) (string, error) {
	ms := make([]int64, 0, len(ts))
	for _, t := range ts {
		ms = append(ms, t.UnixMilli())
	}
	b, err := json.Marshal(ms)
	if err != nil {
		return "", fmt.Errorf("could not encode date list: %w", err)
	}
	return string(b), nil
}

func decodeDateList(s string) ([]time.Time, error) {
	var ms []int64
	if err := json.Unmarshal([]byte(s), &ms); err != nil {
		return nil, fmt.Errorf("could not decode date list: %w", err)
	}
	if len(ms) == 0 {
		return nil, nil
	}
	out := make([]time.Time, 0, len(ms))
	for _, m := range ms {
		out = append(out, time.UnixMilli(m).UTC())
	}
	return out, nil
}
