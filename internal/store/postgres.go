package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists sessions, messages, locks, proposals and projects
// in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			locked BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			seq BIGINT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			request_id TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session_seq ON messages (session_id, seq);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_request ON messages (session_id, request_id) WHERE request_id IS NOT NULL;`,
		`CREATE TABLE IF NOT EXISTS session_proposals (
			session_id TEXT PRIMARY KEY REFERENCES sessions(id),
			proposals JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			payload JSONB NOT NULL DEFAULT '{}'::jsonb,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS project_history (
			project_id TEXT NOT NULL REFERENCES projects(id),
			pos BIGINT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (project_id, pos)
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) CreateSessionIfAbsent(ctx context.Context, sessionID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`,
		sessionID,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, sessionID string, msg Message) (Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	msg.SessionID = sessionID

	var requestID *string
	if msg.RequestID != "" {
		requestID = &msg.RequestID
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO messages (id, session_id, seq, role, content, request_id, created_at)
		 VALUES ($1, $2,
			(SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE session_id = $2),
			$3, $4, $5, $6)
		 RETURNING seq`,
		msg.ID, sessionID, msg.Role, msg.Content, requestID, msg.CreatedAt,
	)
	if err := row.Scan(&msg.Seq); err != nil {
		return Message{}, fmt.Errorf("append message: %w", err)
	}
	return msg, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, seq, role, content, COALESCE(request_id, ''), created_at
		 FROM messages WHERE session_id = $1 ORDER BY seq`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Seq, &m.Role, &m.Content, &m.RequestID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) MessageExists(ctx context.Context, sessionID, requestID string) (bool, error) {
	if requestID == "" {
		return false, nil
	}
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM messages WHERE session_id = $1 AND request_id = $2)`,
		sessionID, requestID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("message exists: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) GetLock(ctx context.Context, sessionID string) (bool, error) {
	var locked bool
	err := s.pool.QueryRow(ctx,
		`SELECT locked FROM sessions WHERE id = $1`, sessionID,
	).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		// An unknown session is simply unlocked; callers create lazily.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get lock: %w", err)
	}
	return locked, nil
}

func (s *PostgresStore) SetLock(ctx context.Context, sessionID string, locked bool) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sessions SET locked = $2 WHERE id = $1`, sessionID, locked,
	)
	if err != nil {
		return fmt.Errorf("set lock: %w", err)
	}
	return nil
}

// TryAcquireLock is a single conditional update so concurrent callers cannot
// both observe unlocked and both write true.
func (s *PostgresStore) TryAcquireLock(ctx context.Context, sessionID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET locked = TRUE WHERE id = $1 AND locked = FALSE`,
		sessionID,
	)
	if err != nil {
		return false, fmt.Errorf("try acquire lock: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) GetPendingProposals(ctx context.Context, sessionID string) ([]Proposal, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT proposals FROM session_proposals WHERE session_id = $1`, sessionID,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pending proposals: %w", err)
	}
	var out []Proposal
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode pending proposals: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) SetPendingProposals(ctx context.Context, sessionID string, proposals []Proposal) error {
	raw, err := json.Marshal(proposals)
	if err != nil {
		return fmt.Errorf("encode pending proposals: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO session_proposals (session_id, proposals, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (session_id) DO UPDATE SET proposals = $2, updated_at = now()`,
		sessionID, raw,
	)
	if err != nil {
		return fmt.Errorf("set pending proposals: %w", err)
	}
	return nil
}

func (s *PostgresStore) ClearPendingProposals(ctx context.Context, sessionID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM session_proposals WHERE session_id = $1`, sessionID,
	)
	if err != nil {
		return fmt.Errorf("clear pending proposals: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpsertProject(ctx context.Context, projectID, name string, payload map[string]any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode project payload: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO projects (id, name, payload, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (id) DO UPDATE SET
			name = CASE WHEN $2 = '' THEN projects.name ELSE $2 END,
			payload = projects.payload || $3,
			updated_at = now()`,
		projectID, name, raw,
	)
	if err != nil {
		return fmt.Errorf("upsert project: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveProjectHistorySnapshot(ctx context.Context, projectID string, msgs []Message) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM project_history WHERE project_id = $1`, projectID); err != nil {
		return fmt.Errorf("clear old snapshot: %w", err)
	}
	for i, m := range msgs {
		if _, err := tx.Exec(ctx,
			`INSERT INTO project_history (project_id, pos, role, content, created_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			projectID, i, m.Role, m.Content, m.CreatedAt,
		); err != nil {
			return fmt.Errorf("save snapshot row %d: %w", i, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
