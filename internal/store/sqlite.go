package store

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	apperrors "github.com/livinglabs/livelab/internal/pkg/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id        TEXT PRIMARY KEY,
	email     TEXT NOT NULL DEFAULT '',
	team_name TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS queries (
	id               TEXT PRIMARY KEY,
	site_id          TEXT NOT NULL DEFAULT '',
	text             TEXT NOT NULL DEFAULT '',
	doclist_modified INTEGER,
	deleted          INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS runs (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	query_id      TEXT NOT NULL,
	modified_time INTEGER NOT NULL,
	UNIQUE (user_id, query_id)
);

CREATE INDEX IF NOT EXISTS runs_query ON runs (query_id);

CREATE TABLE IF NOT EXISTS sweep_state (
	id       INTEGER PRIMARY KEY CHECK (id = 1),
	last_end INTEGER NOT NULL
);
`

const maxBusyRetries = 3

// SQLStore is a Store backed by SQLite (modernc.org/sqlite, no cgo).
// Timestamps are stored as Unix nanoseconds in UTC.
type SQLStore struct {
	db *sql.DB
}

// OpenSQLStore opens (creating if needed) the database at path and applies
// the schema. ":memory:" opens a private in-memory database.
func OpenSQLStore(path string) (*SQLStore, error) {
	if path == "" {
		return nil, apperrors.ConfigurationError("store path is required")
	}
	memory := path == ":memory:"
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeConfiguration, "creating store directory", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUnavailable, "opening store", err)
	}
	if memory {
		// Every connection to ":memory:" is a separate database.
		db.SetMaxOpenConns(1)
	}

	for _, p := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, apperrors.Wrap(apperrors.CodeUnavailable, p, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, apperrors.Wrap(apperrors.CodeInternal, "applying store schema", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, apperrors.Wrap(apperrors.CodeUnavailable, "pinging store", err)
	}

	return &SQLStore{db: db}, nil
}

// isBusy reports whether err is an SQLite BUSY or locked condition.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// storeErr classifies a database error: BUSY conditions are transient.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperrors.AppError
	if stderrors.As(err, &appErr) {
		return err
	}
	if isBusy(err) {
		return apperrors.Wrap(apperrors.CodeUnavailable, op+": store busy", err)
	}
	return apperrors.Wrap(apperrors.CodeInternal, op, err)
}

// runTx executes fn in a transaction, retrying on BUSY with 100/200/300ms
// backoff.
func (s *SQLStore) runTx(ctx context.Context, fn func(*sql.Tx) error) error {
	var err error
	for i := 0; i < maxBusyRetries; i++ {
		if err = s.txOnce(ctx, fn); err == nil || !isBusy(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(100*(i+1)) * time.Millisecond):
		}
	}
	return err
}

func (s *SQLStore) txOnce(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func (s *SQLStore) ListActiveRuns(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.user_id, r.query_id, r.modified_time
		FROM runs r
		LEFT JOIN queries q ON q.id = r.query_id
		WHERE q.deleted IS NULL OR q.deleted = 0
		ORDER BY r.id`)
	if err != nil {
		return nil, storeErr("listing runs", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var modified int64
		if err := rows.Scan(&r.ID, &r.UserID, &r.QueryID, &modified); err != nil {
			return nil, storeErr("scanning run", err)
		}
		r.ModifiedTime = fromNanos(modified)
		runs = append(runs, r)
	}
	return runs, storeErr("listing runs", rows.Err())
}

func (s *SQLStore) GetQuery(ctx context.Context, id string) (*Query, error) {
	var q Query
	var doclist sql.NullInt64
	var deleted int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, site_id, text, doclist_modified, deleted FROM queries WHERE id = ?`, id,
	).Scan(&q.ID, &q.SiteID, &q.Text, &doclist, &deleted)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFoundError("query " + id)
	}
	if err != nil {
		return nil, storeErr("loading query", err)
	}
	if doclist.Valid {
		t := fromNanos(doclist.Int64)
		q.DoclistModified = &t
	}
	q.Deleted = deleted != 0
	return &q, nil
}

func (s *SQLStore) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, team_name FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Email, &u.TeamName)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFoundError("user " + id)
	}
	if err != nil {
		return nil, storeErr("loading user", err)
	}
	return &u, nil
}

func (s *SQLStore) DeleteRun(ctx context.Context, id string) error {
	return s.runTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
		if err != nil {
			return storeErr("deleting run", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperrors.NotFoundError("run " + id)
		}
		return nil
	})
}

func (s *SQLStore) PutUser(ctx context.Context, u User) error {
	if u.ID == "" {
		return apperrors.ValidationError("user ID is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, team_name) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET email = excluded.email, team_name = excluded.team_name`,
		u.ID, u.Email, u.TeamName)
	return storeErr("saving user", err)
}

func (s *SQLStore) PutQuery(ctx context.Context, q Query) error {
	if q.ID == "" {
		return apperrors.ValidationError("query ID is required")
	}
	var doclist sql.NullInt64
	if q.DoclistModified != nil {
		doclist = sql.NullInt64{Int64: toNanos(*q.DoclistModified), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queries (id, site_id, text, doclist_modified, deleted) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			site_id = excluded.site_id,
			text = excluded.text,
			doclist_modified = excluded.doclist_modified,
			deleted = excluded.deleted`,
		q.ID, q.SiteID, q.Text, doclist, boolToInt(q.Deleted))
	return storeErr("saving query", err)
}

func (s *SQLStore) SubmitRun(ctx context.Context, r Run) (Run, error) {
	if r.UserID == "" || r.QueryID == "" {
		return Run{}, apperrors.ValidationError("run needs a user and a query")
	}

	var stored Run
	err := s.runTx(ctx, func(tx *sql.Tx) error {
		var id string
		var modified int64
		err := tx.QueryRowContext(ctx,
			`SELECT id, modified_time FROM runs WHERE user_id = ? AND query_id = ?`,
			r.UserID, r.QueryID,
		).Scan(&id, &modified)

		switch {
		case stderrors.Is(err, sql.ErrNoRows):
			if r.ID == "" {
				r.ID = uuid.NewString()
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO runs (id, user_id, query_id, modified_time) VALUES (?, ?, ?, ?)`,
				r.ID, r.UserID, r.QueryID, toNanos(r.ModifiedTime),
			); err != nil {
				if strings.Contains(err.Error(), "UNIQUE") {
					return apperrors.ValidationError("run ID " + r.ID + " belongs to another user or query")
				}
				return storeErr("inserting run", err)
			}
			stored = Run{ID: r.ID, UserID: r.UserID, QueryID: r.QueryID, ModifiedTime: fromNanos(toNanos(r.ModifiedTime))}
			return nil

		case err != nil:
			return storeErr("loading run", err)
		}

		stored = Run{ID: id, UserID: r.UserID, QueryID: r.QueryID, ModifiedTime: fromNanos(modified)}
		if next := toNanos(r.ModifiedTime); next > modified {
			if _, err := tx.ExecContext(ctx,
				`UPDATE runs SET modified_time = ? WHERE id = ?`, next, id,
			); err != nil {
				return storeErr("updating run", err)
			}
			stored.ModifiedTime = fromNanos(next)
		}
		return nil
	})
	if err != nil {
		return Run{}, storeErr("submitting run", err)
	}
	return stored, nil
}

func (s *SQLStore) TouchDoclist(ctx context.Context, queryID string, t time.Time) error {
	return s.updateQuery(ctx, queryID, `UPDATE queries SET doclist_modified = ? WHERE id = ?`, toNanos(t))
}

func (s *SQLStore) SetQueryDeleted(ctx context.Context, queryID string, deleted bool) error {
	return s.updateQuery(ctx, queryID, `UPDATE queries SET deleted = ? WHERE id = ?`, boolToInt(deleted))
}

func (s *SQLStore) updateQuery(ctx context.Context, queryID, stmt string, value any) error {
	res, err := s.db.ExecContext(ctx, stmt, value, queryID)
	if err != nil {
		return storeErr("updating query", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFoundError("query " + queryID)
	}
	return nil
}

func (s *SQLStore) LastSweepEnd(ctx context.Context) (time.Time, error) {
	var end int64
	err := s.db.QueryRowContext(ctx, `SELECT last_end FROM sweep_state WHERE id = 1`).Scan(&end)
	if stderrors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, storeErr("reading sweep state", err)
	}
	return fromNanos(end), nil
}

func (s *SQLStore) SetLastSweepEnd(ctx context.Context, t time.Time) error {
	err := s.runTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sweep_state (id, last_end) VALUES (1, ?)
			ON CONFLICT (id) DO UPDATE SET last_end = MAX(last_end, excluded.last_end)`,
			toNanos(t))
		return err
	})
	return storeErr("saving sweep state", err)
}

// Close closes the database.
func (s *SQLStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing store: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
