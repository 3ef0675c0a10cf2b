package chatlog

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"iter"
	"net/url"
	"time"

	"github.com/mattn/go-sqlite3"
)

//go:embed sqlite_schema.sql
var sqliteSchemaSQL string

// SQLiteLog is a Log stored in a single SQLite database file.
//
// Connection model:
//   - one writer connection, so concurrent appends are serialized by database/sql
//   - a separate read-only pool, so a long resync scan never stalls appends (WAL mode)
type SQLiteLog struct {
	w    *sql.DB
	r    *sql.DB
	path string
}

// OpenSQLite creates or opens the log at path and applies the schema.
// It is safe to call on an existing database.
func OpenSQLite(path string) (*SQLiteLog, error) {
	if path == "" {
		return nil, errors.New("chatlog: empty sqlite path")
	}

	w, err := sql.Open("sqlite3", sqliteDSN(path, false))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	w.SetMaxOpenConns(1)
	w.SetMaxIdleConns(1)

	if err := w.Ping(); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("connect sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := w.Exec(p); err != nil {
			_ = w.Close()
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}
	if _, err := w.Exec(sqliteSchemaSQL); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	r, err := sql.Open("sqlite3", sqliteDSN(path, true))
	if err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("open sqlite reader: %w", err)
	}
	r.SetMaxOpenConns(4)

	return &SQLiteLog{w: w, r: r, path: path}, nil
}

// sqliteDSN builds a URI filename; the path is percent-encoded so '?' and '#' stay
// part of it.
func sqliteDSN(path string, readOnly bool) string {
	q := url.Values{}
	q.Set("_busy_timeout", "5000")
	if readOnly {
		q.Set("mode", "ro")
	}
	u := url.URL{Scheme: "file", Path: path, OmitHost: true, RawQuery: q.Encode()}
	return u.String()
}

// Close closes both connection pools.
func (l *SQLiteLog) Close() error {
	return errors.Join(l.r.Close(), l.w.Close())
}

// Append inserts one row. The UNIQUE constraint on client_offset makes the
// duplicate check and the id assignment a single statement.
func (l *SQLiteLog) Append(ctx context.Context, content, clientOffset string) (int64, error) {
	var offset any
	if clientOffset != "" {
		offset = clientOffset
	}

	res, err := l.w.ExecContext(ctx,
		`INSERT INTO messages (client_offset, content, created_at) VALUES (?, ?, ?)`,
		offset, content, time.Now().UTC().UnixNano(),
	)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return 0, ErrDuplicateOffset
		}
		return 0, unavailable("append", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return 0, unavailable("append", err)
	}
	return seq, nil
}

// ReadFrom streams rows with id > after straight from the cursor.
func (l *SQLiteLog) ReadFrom(ctx context.Context, after int64) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		rows, err := l.r.QueryContext(ctx,
			`SELECT id, client_offset, content, created_at
			   FROM messages
			  WHERE id > ?
			  ORDER BY id ASC`,
			after,
		)
		if err != nil {
			yield(Record{}, unavailable("read", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var (
				rec     Record
				offset  sql.NullString
				created int64
			)
			if err := rows.Scan(&rec.Seq, &offset, &rec.Content, &created); err != nil {
				yield(Record{}, unavailable("scan", err))
				return
			}
			rec.ClientOffset = offset.String
			rec.CreatedAt = time.Unix(0, created).UTC()
			if !yield(rec, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(Record{}, unavailable("read", err))
		}
	}
}

// Head returns MAX(id).
func (l *SQLiteLog) Head(ctx context.Context) (int64, error) {
	var head int64
	if err := l.r.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM messages`).Scan(&head); err != nil {
		return 0, unavailable("head", err)
	}
	return head, nil
}

func isSQLiteUniqueViolation(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique
}
