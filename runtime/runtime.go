// Package runtime defines the boundary between relay and the external agent
// runtime that actually runs conversations.
//
// A Runtime opens connections. A Conn carries one conversation: each Send
// starts a turn and returns the turn's partial events, ending with a
// stream.KindResult event or a stream.KindError event whose Err is a
// *StreamError. The channel is closed after the final event.
package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/deepnoodle-ai/relay/stream"
)

// ErrStreamFailed is matched by every *StreamError.
var ErrStreamFailed = errors.New("runtime stream failed")

// ErrClosed is returned by Send on a closed connection.
var ErrClosed = errors.New("runtime connection closed")

// StreamError reports a failure in the middle of a turn.
type StreamError struct {
	SessionID string
	Message   string
	Err       error

	// Result is the runtime's final report when the turn ended with an
	// error result. Its usage still counts.
	Result *stream.Result
}

func (e *StreamError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.SessionID != "" {
		return fmt.Sprintf("%s (session %s): %s", ErrStreamFailed, e.SessionID, msg)
	}
	return fmt.Sprintf("%s: %s", ErrStreamFailed, msg)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

func (e *StreamError) Is(target error) bool {
	return target == ErrStreamFailed
}

// ConnectOptions configures a new runtime connection.
type ConnectOptions struct {
	// WorkDir is the runtime's working directory. Its replay logs are
	// stored relative to it.
	WorkDir string

	// Resume, when set, continues the conversation with this session id.
	Resume string

	SystemPrompt      string
	Model             string
	MaxTurns          int
	MaxThinkingTokens int
	PermissionMode    string
	AllowedTools      []string

	// Env is added to the runtime process environment.
	Env map[string]string
}

// Runtime opens connections to the agent runtime.
type Runtime interface {
	Connect(ctx context.Context, opts ConnectOptions) (Conn, error)
}

// Conn is one live conversation with the agent runtime.
type Conn interface {
	// Send starts a turn with the given prompt. Only one turn may be in
	// flight per connection.
	Send(ctx context.Context, prompt string) (<-chan stream.Event, error)

	// SessionID returns the id the runtime assigned, or "" if it has not
	// been reported yet.
	SessionID() string

	// Close terminates the connection.
	Close() error
}
