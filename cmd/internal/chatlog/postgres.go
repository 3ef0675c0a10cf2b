package chatlog

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgUniqueViolation = "23505"

// PostgresLog is a Log backed by PostgreSQL.
//
// Ownership model:
// - PostgresLog does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - A transaction-scoped advisory lock serializes appends, so seq allocation
//     from the cursor row and the offset check happen as one step.
//   - Duplicates are detected before the cursor moves: no seq is wasted on retries.
type PostgresLog struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresLog behavior.
type PostgresOption func(*PostgresLog) error

// WithSchema sets the DB schema used by this log (default: "tidechat").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(l *PostgresLog) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chatlog: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chatlog: invalid schema identifier")
		}
		l.schema = schema
		return nil
	}
}

// NewPostgresLog constructs a Postgres-backed Log.
func NewPostgresLog(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresLog, error) {
	l := &PostgresLog{
		pool:   pool,
		schema: "tidechat",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(l); err != nil {
			return nil, err
		}
	}
	if l.pool == nil {
		return nil, errors.New("chatlog: nil pool")
	}
	return l, nil
}

// Close is a no-op because the pool is owned by the caller.
func (l *PostgresLog) Close() error { return nil }

// EnsureSchema creates the schema, the cursor row table and the messages table if missing.
func (l *PostgresLog) EnsureSchema(ctx context.Context) error {
	cursor := pgIdent(l.schema, "log_cursor")
	messages := pgIdent(l.schema, "messages")

	ddl := fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  id         SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
  next_seq   BIGINT NOT NULL DEFAULT 1,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS %s (
  seq           BIGINT PRIMARY KEY,
  client_offset TEXT,
  content       TEXT NOT NULL,
  created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),

  CONSTRAINT uq_messages_client_offset UNIQUE (client_offset)
);
`, pgx.Identifier{l.schema}.Sanitize(), cursor, messages)

	if _, err := l.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Append allocates the next seq and inserts the message in one transaction.
func (l *PostgresLog) Append(ctx context.Context, content, clientOffset string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, unavailable("append", err)
	}

	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return 0, unavailable("begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cursor := pgIdent(l.schema, "log_cursor")
	messages := pgIdent(l.schema, "messages")

	// Serialize all writers to this log.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, l.schema+".messages"); err != nil {
		return 0, unavailable("advisory lock", err)
	}

	if clientOffset != "" {
		var one int
		err := tx.QueryRow(ctx, `SELECT 1 FROM `+messages+` WHERE client_offset = $1`, clientOffset).Scan(&one)
		if err == nil {
			return 0, ErrDuplicateOffset
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return 0, unavailable("offset lookup", err)
		}
	}

	// Cursor row ensures monotonic seq allocation.
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+cursor+` (id, next_seq) VALUES (1, 1) ON CONFLICT (id) DO NOTHING`,
	); err != nil {
		return 0, unavailable("cursor init", err)
	}

	var seq int64
	if err := tx.QueryRow(ctx,
		`UPDATE `+cursor+`
		    SET next_seq = next_seq + 1,
		        updated_at = now()
		  WHERE id = 1
		RETURNING (next_seq - 1)`,
	).Scan(&seq); err != nil {
		return 0, unavailable("cursor advance", err)
	}

	var offset *string
	if clientOffset != "" {
		offset = &clientOffset
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (seq, client_offset, content, created_at) VALUES ($1, $2, $3, $4)`,
		seq, offset, content, time.Now().UTC(),
	); err != nil {
		if isPGUniqueViolation(err) {
			return 0, ErrDuplicateOffset
		}
		return 0, unavailable("insert message", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, unavailable("commit", err)
	}
	return seq, nil
}

// ReadFrom streams rows with seq > after, ascending, straight from the pgx cursor.
func (l *PostgresLog) ReadFrom(ctx context.Context, after int64) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		messages := pgIdent(l.schema, "messages")

		rows, err := l.pool.Query(ctx,
			`SELECT seq, client_offset, content, created_at
			   FROM `+messages+`
			  WHERE seq > $1
			  ORDER BY seq ASC`,
			after,
		)
		if err != nil {
			yield(Record{}, unavailable("read", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var (
				rec    Record
				offset *string
			)
			if err := rows.Scan(&rec.Seq, &offset, &rec.Content, &rec.CreatedAt); err != nil {
				yield(Record{}, unavailable("scan", err))
				return
			}
			if offset != nil {
				rec.ClientOffset = *offset
			}
			rec.CreatedAt = rec.CreatedAt.UTC()
			if !yield(rec, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(Record{}, unavailable("read", err))
		}
	}
}

// Head returns MAX(seq).
func (l *PostgresLog) Head(ctx context.Context) (int64, error) {
	var head int64
	if err := l.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM `+pgIdent(l.schema, "messages"),
	).Scan(&head); err != nil {
		return 0, unavailable("head", err)
	}
	return head, nil
}

func isPGUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
