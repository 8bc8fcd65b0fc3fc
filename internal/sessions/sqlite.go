package sessions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/haasonsaas/switchboard/pkg/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id               TEXT PRIMARY KEY,
	session_key      TEXT NOT NULL UNIQUE,
	agent_id         TEXT NOT NULL,
	channel          TEXT NOT NULL,
	channel_id       TEXT NOT NULL,
	queue_mode       TEXT NOT NULL,
	queue_debounce_ms INTEGER NOT NULL,
	queue_cap        INTEGER NOT NULL,
	queue_drop       TEXT NOT NULL,
	aborted_last_run INTEGER NOT NULL DEFAULT 0,
	compaction_count INTEGER NOT NULL DEFAULT 0,
	created_at       TIMESTAMP NOT NULL,
	updated_at       TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_key ON sessions(session_key);
`

// SQLiteStore is a Store backed by an embedded SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) a SQLite-backed session store at path.
// Use ":memory:" for an ephemeral database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY on concurrent session updates.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite store: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

func (s *SQLiteStore) GetByKey(ctx context.Context, key string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_key = ?`, key)
	return scanSession(row)
}

func (s *SQLiteStore) GetOrCreate(ctx context.Context, key, agentID string, channel models.ChannelType, channelID string) (*models.Session, error) {
	if session, err := s.GetByKey(ctx, key); err == nil {
		return session, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := time.Now()
	session := &models.Session{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		Channel:   channel,
		ChannelID: channelID,
		Key:       key,
		Queue:     models.DefaultQueuePolicy(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, session_key, agent_id, channel, channel_id,
			queue_mode, queue_debounce_ms, queue_cap, queue_drop,
			aborted_last_run, compaction_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?)
		ON CONFLICT(session_key) DO NOTHING`,
		session.ID, session.Key, session.AgentID, string(session.Channel), session.ChannelID,
		string(session.Queue.Mode), session.Queue.DebounceMs, session.Queue.Cap, string(session.Queue.Drop),
		session.CreatedAt, session.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	// Re-read to cover the conflict path (another caller created it first).
	return s.GetByKey(ctx, key)
}

func (s *SQLiteStore) Update(ctx context.Context, session *models.Session) error {
	if session == nil {
		return ErrNotFound
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET
			queue_mode = ?, queue_debounce_ms = ?, queue_cap = ?, queue_drop = ?,
			aborted_last_run = ?, compaction_count = ?, updated_at = ?
		WHERE id = ?`,
		string(session.Queue.Mode), session.Queue.DebounceMs, session.Queue.Cap, string(session.Queue.Drop),
		boolToInt(session.AbortedLastRun), session.CompactionCount, time.Now(), session.ID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) SetAbortedLastRun(ctx context.Context, key string, aborted bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET aborted_last_run = ?, updated_at = ? WHERE session_key = ?`,
		boolToInt(aborted), time.Now(), key)
	if err != nil {
		return fmt.Errorf("set aborted_last_run: %w", err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) RecordCompaction(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET compaction_count = compaction_count + 1, updated_at = ? WHERE session_key = ?`,
		time.Now(), key)
	if err != nil {
		return fmt.Errorf("record compaction: %w", err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) List(ctx context.Context) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const sessionColumns = `id, session_key, agent_id, channel, channel_id,
	queue_mode, queue_debounce_ms, queue_cap, queue_drop,
	aborted_last_run, compaction_count, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var (
		session models.Session
		channel string
		mode    string
		drop    string
		aborted int
	)
	err := row.Scan(
		&session.ID, &session.Key, &session.AgentID, &channel, &session.ChannelID,
		&mode, &session.Queue.DebounceMs, &session.Queue.Cap, &drop,
		&aborted, &session.CompactionCount, &session.CreatedAt, &session.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	session.Channel = models.ChannelType(channel)
	session.Queue.Mode = models.QueueMode(mode)
	session.Queue.Drop = models.DropPolicy(drop)
	session.AbortedLastRun = aborted != 0
	return &session, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
