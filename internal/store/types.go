package store

import (
	"context"
	"time"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single conversational turn. Immutable once appended.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Seq       int       `json:"seq"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	RequestID string    `json:"request_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Difficulty string

const (
	DifficultyBeginner     Difficulty = "Beginner"
	DifficultyIntermediate Difficulty = "Intermediate"
	DifficultyAdvanced     Difficulty = "Advanced"
)

// Proposal is one candidate learning project. The pending set for a session
// is always replaced or cleared as a whole batch.
type Proposal struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Difficulty  Difficulty `json:"difficulty"`
	Tags        []string   `json:"tags,omitempty"`
}

// Store persists sessions, messages, advisory locks, pending proposals and
// accepted projects. All operations are keyed per session or per project;
// no cross-session transactions.
type Store interface {
	CreateSessionIfAbsent(ctx context.Context, sessionID string) error
	AppendMessage(ctx context.Context, sessionID string, msg Message) (Message, error)
	ListMessages(ctx context.Context, sessionID string) ([]Message, error)
	MessageExists(ctx context.Context, sessionID, requestID string) (bool, error)

	GetLock(ctx context.Context, sessionID string) (bool, error)
	SetLock(ctx context.Context, sessionID string, locked bool) error
	// TryAcquireLock atomically sets the lock iff it was clear. This must be
	// a single conditional write, never a read followed by a write.
	TryAcquireLock(ctx context.Context, sessionID string) (bool, error)

	GetPendingProposals(ctx context.Context, sessionID string) ([]Proposal, error)
	SetPendingProposals(ctx context.Context, sessionID string, proposals []Proposal) error
	ClearPendingProposals(ctx context.Context, sessionID string) error

	UpsertProject(ctx context.Context, projectID, name string, payload map[string]any) error
	SaveProjectHistorySnapshot(ctx context.Context, projectID string, msgs []Message) error

	Close() error
}
