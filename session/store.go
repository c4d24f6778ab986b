package session

import "context"

// ListOptions configures a session listing.
type ListOptions struct {
	Limit  int // Defaults to 20
	Offset int

	// WorkspaceID restricts the listing to one workspace's threads.
	WorkspaceID string
}

const defaultListLimit = 20

func (o *ListOptions) limit() int {
	if o == nil || o.Limit <= 0 {
		return defaultListLimit
	}
	return o.Limit
}

func (o *ListOptions) offset() int {
	if o == nil || o.Offset < 0 {
		return 0
	}
	return o.Offset
}

func (o *ListOptions) workspaceID() string {
	if o == nil {
		return ""
	}
	return o.WorkspaceID
}

// Store is durable storage for sessions, their messages, and their replay
// lines.
//
// Sequence allocation is the caller's job: NextSequence followed by
// AppendMessage must be serialized per session by the caller.
type Store interface {
	// CreateSession stores a new session. Returns ErrDuplicateSession if the
	// id is taken. Zero timestamps are set to now.
	CreateSession(ctx context.Context, sess *Session) (*Session, error)

	// GetSession returns ErrSessionNotFound if no such session exists.
	GetSession(ctx context.Context, id string) (*Session, error)

	// UpdateMetadata replaces the session's metadata.
	UpdateMetadata(ctx context.Context, id string, metadata Metadata) error

	// ListSessions returns active sessions, newest first.
	ListSessions(ctx context.Context, opts *ListOptions) ([]*Session, error)

	// DeleteSession removes the session with its messages and replay lines.
	// Reports whether the session existed.
	DeleteSession(ctx context.Context, id string) (bool, error)

	// AppendMessage stores msg under its own sequence number. Returns
	// ErrSequenceConflict if that sequence is taken.
	AppendMessage(ctx context.Context, msg *Message) error

	// Messages returns the session's messages ordered by sequence.
	Messages(ctx context.Context, id string) ([]*Message, error)

	// NextSequence returns one more than the highest stored sequence, or 0.
	NextSequence(ctx context.Context, id string) (int, error)

	// IncrementMessageCount adds one to the session's message count.
	IncrementMessageCount(ctx context.Context, id string) error

	// AddUsage records usage for a turn. costUSD is the caller's running
	// total and replaces the stored cost. Token counts are added.
	AddUsage(ctx context.Context, id string, costUSD float64, inputTokens, outputTokens int) error

	// ReplayLines returns the stored replay lines ordered by line number.
	ReplayLines(ctx context.Context, id string) ([]string, error)

	// ReplaceReplayLines atomically replaces all stored replay lines.
	ReplaceReplayLines(ctx context.Context, id string, lines []string) error

	WorkspaceStore
}

// WorkspaceStore is storage for workspaces.
type WorkspaceStore interface {
	CreateWorkspace(ctx context.Context, ws *Workspace) (*Workspace, error)
	GetWorkspace(ctx context.Context, id string) (*Workspace, error)
	ListWorkspaces(ctx context.Context, limit, offset int) ([]*Workspace, error)
	UpdateWorkspace(ctx context.Context, ws *Workspace) error
	DeleteWorkspace(ctx context.Context, id string) (bool, error)
}
