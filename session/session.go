// Package session provides durable conversation state for relay.
//
// A Session is identified by the id the agent runtime assigns on first use.
// Its history is an ordered list of Messages with gapless, 0-indexed
// sequence numbers, plus the raw ReplayLines of the runtime's own replay log,
// which are kept here so a session can be resumed on any host.
//
// Stores never assign sequence numbers. Callers obtain one with
// NextSequence and then AppendMessage; the two calls are not atomic, so a
// caller must serialize writes per session (the registry's busy flag does
// this for the gateway).
//
//	store, _ := session.NewSQLiteStore(ctx, "relay.db", session.SQLiteStoreOptions{})
//	seq, _ := store.NextSequence(ctx, id)
//	err := store.AppendMessage(ctx, &session.Message{
//	    SessionID:     id,
//	    Sequence:      seq,
//	    Role:          llm.User,
//	    ContentBlocks: []llm.ContentBlock{llm.NewText("2+2?")},
//	})
package session

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/deepnoodle-ai/relay/llm"
)

var (
	// ErrSessionNotFound is returned when a session does not exist.
	ErrSessionNotFound = errors.New("session not found")

	// ErrDuplicateSession is returned when creating a session whose id is
	// already taken.
	ErrDuplicateSession = errors.New("session already exists")

	// ErrSequenceConflict is returned when a message with the same
	// (session, sequence) pair is already stored. The stored message is
	// never overwritten.
	ErrSequenceConflict = errors.New("message sequence already exists")

	// ErrWorkspaceNotFound is returned when a workspace does not exist.
	ErrWorkspaceNotFound = errors.New("workspace not found")

	// ErrInvalidID is returned for empty or malformed identifiers.
	ErrInvalidID = errors.New("invalid id")
)

// Metadata is free-form, client editable information about a session.
type Metadata struct {
	Title  string   `json:"title,omitempty"`
	Tags   []string `json:"tags"`
	UserID string   `json:"user_id,omitempty"`
}

func (m Metadata) copy() Metadata {
	m.Tags = slices.Clone(m.Tags)
	return m
}

// Session is one long-running conversation with the agent runtime.
type Session struct {
	ID string `json:"id"`

	// WorkspaceID is set for workspace threads.
	WorkspaceID string `json:"workspace_id,omitempty"`

	// ExecutionEnvironment names the runtime working directory of a
	// workspace thread. It is independent of ID so rotating session ids
	// never orphans working files.
	ExecutionEnvironment string `json:"execution_environment,omitempty"`

	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
	Metadata     Metadata  `json:"metadata"`
	IsActive     bool      `json:"is_active"`

	TotalCostUSD      float64 `json:"total_cost_usd"`
	TotalInputTokens  int     `json:"total_input_tokens"`
	TotalOutputTokens int     `json:"total_output_tokens"`
}

// Copy returns a deep copy of the session.
func (s *Session) Copy() *Session {
	cp := *s
	cp.Metadata = s.Metadata.copy()
	return &cp
}

// Message is a complete, persisted turn of the conversation.
type Message struct {
	SessionID     string             `json:"session_id"`
	Sequence      int                `json:"sequence"`
	Role          llm.Role           `json:"role"`
	ContentBlocks []llm.ContentBlock `json:"content_blocks"`
	CreatedAt     time.Time          `json:"created_at"`

	// Assistant messages only
	DurationMS   *int64   `json:"duration_ms,omitempty"`
	CostUSD      *float64 `json:"cost_usd,omitempty"`
	InputTokens  *int     `json:"input_tokens,omitempty"`
	OutputTokens *int     `json:"output_tokens,omitempty"`
}

// HasUsage reports whether any usage value is set.
func (m *Message) HasUsage() bool {
	return m.CostUSD != nil || m.InputTokens != nil || m.OutputTokens != nil
}

// Copy returns a deep copy of the message.
func (m *Message) Copy() *Message {
	cp := *m
	cp.ContentBlocks = llm.CopyBlocks(m.ContentBlocks)
	if m.DurationMS != nil {
		v := *m.DurationMS
		cp.DurationMS = &v
	}
	if m.CostUSD != nil {
		v := *m.CostUSD
		cp.CostUSD = &v
	}
	if m.InputTokens != nil {
		v := *m.InputTokens
		cp.InputTokens = &v
	}
	if m.OutputTokens != nil {
		v := *m.OutputTokens
		cp.OutputTokens = &v
	}
	return &cp
}

// ReplayLine is one raw line of the runtime's replay log, stored verbatim.
type ReplayLine struct {
	SessionID  string `json:"session_id"`
	LineNumber int    `json:"line_number"`
	Line       string `json:"line"`
}

// Workspace is a named group of skills. Threads within a workspace are
// sessions with WorkspaceID set and may use all of its skills.
type Workspace struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	SkillNames  []string  `json:"skill_names"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Copy returns a deep copy of the workspace.
func (w *Workspace) Copy() *Workspace {
	cp := *w
	cp.SkillNames = slices.Clone(w.SkillNames)
	return &cp
}

// ValidateID rejects ids that are empty or could escape a directory when
// used as a file name (replay logs are named after session ids).
func ValidateID(id string) error {
	if id == "" || id == "." || id == ".." ||
		strings.ContainsAny(id, "/\\") ||
		strings.Contains(id, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

func validateMessage(msg *Message) error {
	if err := ValidateID(msg.SessionID); err != nil {
		return err
	}
	if msg.Sequence < 0 {
		return fmt.Errorf("invalid sequence %d", msg.Sequence)
	}
	if !msg.Role.Valid() {
		return fmt.Errorf("invalid role %q", msg.Role)
	}
	return nil
}
