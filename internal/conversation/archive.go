package conversation

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver
)

// SQLiteArchive persists every accepted message to a local SQLite database
// so transcripts survive restarts and session eviction. It implements
// Archiver.
type SQLiteArchive struct {
	db *sql.DB
}

// OpenArchive opens (or creates) the archive database at path and runs the
// schema migration. Use ":memory:" in tests.
func OpenArchive(path string) (*SQLiteArchive, error) {
	// WAL mode improves concurrent read performance and is safe for
	// single-host use.
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("conversation: open archive %s: %w", path, err)
	}
	// A single writer connection avoids SQLITE_BUSY under concurrent writes.
	db.SetMaxOpenConns(1)

	a := &SQLiteArchive{db: db}
	if err := a.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

// migrate creates the schema if it does not already exist.
func (a *SQLiteArchive) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS transcripts (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id   TEXT    NOT NULL,
    role         TEXT    NOT NULL CHECK(role IN ('user','assistant','system')),
    content      TEXT    NOT NULL,
    created_at   INTEGER NOT NULL  -- Unix timestamp (seconds)
);
CREATE INDEX IF NOT EXISTS idx_transcripts_session_created
    ON transcripts (session_id, created_at);
`
	if _, err := a.db.Exec(ddl); err != nil {
		return fmt.Errorf("conversation: migrate archive: %w", err)
	}
	return nil
}

// Append persists one message.
func (a *SQLiteArchive) Append(ctx context.Context, sessionID, role, content string) error {
	const q = `INSERT INTO transcripts (session_id, role, content, created_at) VALUES (?, ?, ?, ?)`
	if _, err := a.db.ExecContext(ctx, q, sessionID, role, content, time.Now().Unix()); err != nil {
		return fmt.Errorf("conversation: archive append: %w", err)
	}
	return nil
}

// Recent returns the most recent n archived messages for a session, ordered
// oldest-first.
func (a *SQLiteArchive) Recent(ctx context.Context, sessionID string, n int) ([]Message, error) {
	const q = `
SELECT role, content, created_at FROM (
    SELECT id, role, content, created_at
    FROM   transcripts
    WHERE  session_id = ?
    ORDER  BY created_at DESC, id DESC
    LIMIT  ?
) ORDER BY created_at ASC, id ASC`

	rows, err := a.db.QueryContext(ctx, q, sessionID, n)
	if err != nil {
		return nil, fmt.Errorf("conversation: archive recent: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var ts int64
		if err := rows.Scan(&m.Role, &m.Content, &ts); err != nil {
			return nil, fmt.Errorf("conversation: archive scan: %w", err)
		}
		m.Timestamp = time.Unix(ts, 0)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conversation: archive rows: %w", err)
	}
	return msgs, nil
}

// Close releases the database connection pool.
func (a *SQLiteArchive) Close() error {
	if err := a.db.Close(); err != nil {
		return fmt.Errorf("conversation: close archive: %w", err)
	}
	return nil
}
