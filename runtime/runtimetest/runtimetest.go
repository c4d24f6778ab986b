// Package runtimetest provides a scripted in-memory agent runtime for tests.
package runtimetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/deepnoodle-ai/relay/runtime"
	"github.com/deepnoodle-ai/relay/stream"
)

// RespondFunc returns the events of one turn. The session id event for a
// fresh connection is added by the runtime and need not be included.
type RespondFunc func(sessionID, prompt string) []stream.Event

// Echo answers every prompt with a text reply and a result carrying usage.
func Echo(sessionID, prompt string) []stream.Event {
	cost, in, out := 0.001, len(prompt), 1
	return []stream.Event{
		stream.Text("echo: "),
		stream.Text(prompt),
		stream.Done(&stream.Result{SessionID: sessionID, CostUSD: &cost, InputTokens: &in, OutputTokens: &out}),
	}
}

// Reply returns a RespondFunc emitting the given events on every turn.
func Reply(events ...stream.Event) RespondFunc {
	return func(string, string) []stream.Event { return events }
}

// Collect drains ch and returns its events.
func Collect(ch <-chan stream.Event) []stream.Event {
	var events []stream.Event
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

// Runtime is a fake runtime.Runtime.
type Runtime struct {
	// Respond defaults to Echo.
	Respond RespondFunc

	// SessionIDs are assigned to fresh connections in order. When
	// exhausted, ids "session-1", "session-2", ... are generated.
	SessionIDs []string

	// OmitSessionID suppresses the session id event on fresh connections.
	OmitSessionID bool

	// ConnectErrs are returned by successive Connect calls before Connect
	// starts succeeding.
	ConnectErrs []error

	// Gate, when set, holds every turn open before its final event until a
	// value is received.
	Gate chan struct{}

	mu       sync.Mutex
	connects []runtime.ConnectOptions
	prompts  []string
	conns    []*Conn
	counter  int
}

// New returns a Runtime answering with respond (Echo if nil).
func New(respond RespondFunc) *Runtime {
	return &Runtime{Respond: respond}
}

func (r *Runtime) Connect(ctx context.Context, opts runtime.ConnectOptions) (runtime.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connects = append(r.connects, opts)
	if len(r.ConnectErrs) > 0 {
		err := r.ConnectErrs[0]
		r.ConnectErrs = r.ConnectErrs[1:]
		return nil, err
	}
	c := &Conn{runtime: r, resumed: opts.Resume != "", sessionID: opts.Resume}
	if !c.resumed {
		c.pendingID = r.nextSessionID()
	}
	r.conns = append(r.conns, c)
	return c, nil
}

func (r *Runtime) nextSessionID() string {
	if len(r.SessionIDs) > 0 {
		id := r.SessionIDs[0]
		r.SessionIDs = r.SessionIDs[1:]
		return id
	}
	r.counter++
	return fmt.Sprintf("session-%d", r.counter)
}

// Connects returns the options of every Connect call.
func (r *Runtime) Connects() []runtime.ConnectOptions {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]runtime.ConnectOptions(nil), r.connects...)
}

// Prompts returns every prompt sent, across all connections.
func (r *Runtime) Prompts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.prompts...)
}

// Conns returns every connection opened.
func (r *Runtime) Conns() []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Conn(nil), r.conns...)
}

// Conn is a fake runtime.Conn.
type Conn struct {
	runtime   *Runtime
	resumed   bool
	pendingID string

	mu        sync.Mutex
	sessionID string
	busy      bool
	closed    bool
}

func (c *Conn) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) Send(ctx context.Context, prompt string) (<-chan stream.Event, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, runtime.ErrClosed
	}
	if c.busy {
		c.mu.Unlock()
		return nil, fmt.Errorf("runtimetest: a turn is already in flight")
	}
	c.busy = true
	var events []stream.Event
	if c.sessionID == "" && c.pendingID != "" {
		c.sessionID = c.pendingID
		if !c.runtime.OmitSessionID {
			events = append(events, stream.SessionID(c.sessionID))
		}
	}
	sessionID := c.sessionID
	c.mu.Unlock()

	r := c.runtime
	r.mu.Lock()
	r.prompts = append(r.prompts, prompt)
	respond := r.Respond
	gate := r.Gate
	r.mu.Unlock()
	if respond == nil {
		respond = Echo
	}
	events = append(events, respond(sessionID, prompt)...)

	ch := make(chan stream.Event)
	go func() {
		defer func() {
			c.mu.Lock()
			c.busy = false
			c.mu.Unlock()
			close(ch)
		}()
		for i, ev := range events {
			if gate != nil && i == len(events)-1 {
				select {
				case <-gate:
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

var _ runtime.Runtime = (*Runtime)(nil)
var _ runtime.Conn = (*Conn)(nil)
