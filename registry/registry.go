// Package registry owns the live runtime connections, one per session.
//
// The registry is the only shared mutable state of a relay process. It
// guarantees that at most one prompt is in flight per session: a second
// concurrent send fails fast with ErrSessionBusy.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/deepnoodle-ai/relay/log"
	"github.com/deepnoodle-ai/relay/replay"
	"github.com/deepnoodle-ai/relay/retry"
	"github.com/deepnoodle-ai/relay/runtime"
)

var (
	// ErrSessionIDUnavailable is returned when a fresh session's id could
	// not be determined. The connection is discarded.
	ErrSessionIDUnavailable = errors.New("session id unavailable")

	// ErrNoActiveConnection is returned when sending on a session with no
	// cached connection.
	ErrNoActiveConnection = errors.New("no active connection for session")

	// ErrSessionBusy is returned when a prompt is already in flight for the
	// session.
	ErrSessionBusy = errors.New("session busy")

	// ErrClosed is returned after CloseAll.
	ErrClosed = errors.New("registry closed")
)

// State is the connection state of a session.
type State int

const (
	StateAbsent State = iota
	StateConnecting
	StateReady
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	}
	return "absent"
}

// Options configures a Registry.
type Options struct {
	Runtime runtime.Runtime
	Mirrors *replay.Mirrors

	// Defaults fill zero fields of the options passed to Resume and
	// CreateWithFirstPrompt.
	Defaults runtime.ConnectOptions

	// ConnectAttempts bounds retries of recoverable connect failures.
	// Defaults to 3.
	ConnectAttempts int
	ConnectBackoff  time.Duration // Defaults to 500ms

	Logger log.Logger
}

type entry struct {
	state   State
	conn    runtime.Conn
	workDir string
	busy    bool
	ready   chan struct{}
	evicted bool
}

// Registry caches runtime connections by session id.
type Registry struct {
	runtime         runtime.Runtime
	mirrors         *replay.Mirrors
	defaults        runtime.ConnectOptions
	connectAttempts int
	connectBackoff  time.Duration
	logger          log.Logger

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

// New returns an empty Registry.
func New(opts Options) (*Registry, error) {
	if opts.Runtime == nil {
		return nil, errors.New("registry: runtime is required")
	}
	if opts.Mirrors == nil {
		return nil, errors.New("registry: mirrors are required")
	}
	if opts.ConnectAttempts <= 0 {
		opts.ConnectAttempts = 3
	}
	if opts.ConnectBackoff <= 0 {
		opts.ConnectBackoff = 500 * time.Millisecond
	}
	return &Registry{
		runtime:         opts.Runtime,
		mirrors:         opts.Mirrors,
		defaults:        opts.Defaults,
		connectAttempts: opts.ConnectAttempts,
		connectBackoff:  opts.ConnectBackoff,
		logger:          log.OrNull(opts.Logger),
		entries:         make(map[string]*entry),
	}, nil
}

func (r *Registry) withDefaults(opts runtime.ConnectOptions) runtime.ConnectOptions {
	d := r.defaults
	if opts.WorkDir == "" {
		opts.WorkDir = d.WorkDir
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = d.SystemPrompt
	}
	if opts.Model == "" {
		opts.Model = d.Model
	}
	if opts.MaxTurns == 0 {
		opts.MaxTurns = d.MaxTurns
	}
	if opts.MaxThinkingTokens == 0 {
		opts.MaxThinkingTokens = d.MaxThinkingTokens
	}
	if opts.PermissionMode == "" {
		opts.PermissionMode = d.PermissionMode
	}
	if opts.AllowedTools == nil {
		opts.AllowedTools = d.AllowedTools
	}
	if len(d.Env) > 0 {
		env := make(map[string]string, len(d.Env)+len(opts.Env))
		for k, v := range d.Env {
			env[k] = v
		}
		for k, v := range opts.Env {
			env[k] = v
		}
		opts.Env = env
	}
	return opts
}

func (r *Registry) connect(ctx context.Context, opts runtime.ConnectOptions) (runtime.Conn, error) {
	var conn runtime.Conn
	err := retry.Do(ctx, func() error {
		c, err := r.runtime.Connect(ctx, opts)
		if err != nil {
			return err
		}
		conn = c
		return nil
	},
		retry.WithMaxRetries(r.connectAttempts),
		retry.WithBaseWait(r.connectBackoff),
		retry.OnRetry(func(attempt int, err error) {
			r.logger.Warn("retrying runtime connect", "attempt", attempt, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to runtime: %w", err)
	}
	return conn, nil
}

// State returns the connection state of a session.
func (r *Registry) State(sessionID string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[sessionID]
	if !ok {
		return StateAbsent
	}
	return e.state
}

// Len returns the number of cached connections, including those still
// connecting.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Resume returns the cached connection for a session, or restores the
// session's replay log and opens a connection that resumes it.
func (r *Registry) Resume(ctx context.Context, sessionID string, opts runtime.ConnectOptions) (runtime.Conn, error) {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrClosed
		}
		e, ok := r.entries[sessionID]
		if ok && e.state == StateReady {
			r.mu.Unlock()
			return e.conn, nil
		}
		if ok {
			ready := e.ready
			r.mu.Unlock()
			select {
			case <-ready:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		opts = r.withDefaults(opts)
		opts.Resume = sessionID
		e = &entry{state: StateConnecting, workDir: opts.WorkDir, ready: make(chan struct{})}
		r.entries[sessionID] = e
		r.mu.Unlock()

		conn, err := r.open(ctx, sessionID, opts)

		r.mu.Lock()
		defer r.mu.Unlock()
		defer close(e.ready)
		if err == nil && (e.evicted || r.closed) {
			conn.Close()
			err = ErrNoActiveConnection
		}
		if err != nil {
			if r.entries[sessionID] == e {
				delete(r.entries, sessionID)
			}
			return nil, err
		}
		e.conn = conn
		e.state = StateReady
		r.logger.Info("session resumed", "session_id", sessionID, "workdir", opts.WorkDir)
		return conn, nil
	}
}

func (r *Registry) open(ctx context.Context, sessionID string, opts runtime.ConnectOptions) (runtime.Conn, error) {
	mirror, err := r.mirrors.For(opts.WorkDir)
	if err != nil {
		return nil, err
	}
	if err := mirror.Restore(ctx, sessionID); err != nil {
		// A stale local log may still let the runtime resume
		r.logger.Warn("replay restore failed", "session_id", sessionID, "error", err)
	}
	return r.connect(ctx, opts)
}

// CreateWithFirstPrompt opens a fresh connection and sends the first prompt
// of a new session. The session id is known once the turn emits a
// stream.KindSessionID event; the connection is cached under it.
func (r *Registry) CreateWithFirstPrompt(ctx context.Context, prompt string, opts runtime.ConnectOptions) (*Turn, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	opts = r.withDefaults(opts)
	opts.Resume = ""
	mirror, err := r.mirrors.For(opts.WorkDir)
	if err != nil {
		return nil, err
	}
	conn, err := r.connect(ctx, opts)
	if err != nil {
		return nil, err
	}
	events, err := conn.Send(ctx, prompt)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending first prompt: %w", err)
	}
	var (
		adopted   bool
		discarded atomic.Bool
	)
	closeConn := sync.OnceFunc(func() { conn.Close() })
	t := newTurn("")
	t.onSessionID = func(id string) error {
		if err := r.adopt(id, conn, opts.WorkDir); err != nil {
			return err
		}
		adopted = true
		return nil
	}
	t.discard = func() {
		discarded.Store(true)
		if id := t.SessionID(); id != "" {
			r.evict(id, conn)
		}
		if t.hasEnded() {
			closeConn()
		}
	}
	t.resolveID = func() (string, error) {
		id, err := mirror.NewestSessionID()
		if err != nil {
			return "", ErrSessionIDUnavailable
		}
		r.logger.Warn("runtime did not report a session id, using newest replay log", "session_id", id)
		return id, nil
	}
	t.onDone = func(string, error) {
		if !adopted || discarded.Load() {
			closeConn()
		}
	}
	t.releaseBusy = func(id string) { r.release(id, conn) }
	go t.pump(ctx, events)
	return t, nil
}

// adopt caches a fresh connection under its newly known session id. It
// refuses an id that already has a connection so two conversations are
// never merged.
func (r *Registry) adopt(sessionID string, conn runtime.Conn, workDir string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if existing, ok := r.entries[sessionID]; ok && existing.conn != conn {
		r.logger.Warn("session id already has a connection", "session_id", sessionID)
		return fmt.Errorf("%w: %s is already connected", ErrSessionIDUnavailable, sessionID)
	}
	ready := make(chan struct{})
	close(ready)
	r.entries[sessionID] = &entry{state: StateReady, conn: conn, workDir: workDir, busy: true, ready: ready}
	r.logger.Info("session created", "session_id", sessionID, "workdir", workDir)
	return nil
}

// SendAndStream sends a prompt on a session's cached connection. The
// session is busy until the turn ends and the caller releases it.
func (r *Registry) SendAndStream(ctx context.Context, sessionID, prompt string) (*Turn, error) {
	r.mu.Lock()
	e, ok := r.entries[sessionID]
	if !ok || e.state != StateReady {
		r.mu.Unlock()
		return nil, ErrNoActiveConnection
	}
	if e.busy {
		r.mu.Unlock()
		return nil, ErrSessionBusy
	}
	e.busy = true
	conn := e.conn
	r.mu.Unlock()

	events, err := conn.Send(ctx, prompt)
	if err != nil {
		r.release(sessionID, conn)
		if errors.Is(err, runtime.ErrClosed) {
			r.Close(ctx, sessionID)
			return nil, ErrNoActiveConnection
		}
		return nil, fmt.Errorf("sending prompt: %w", err)
	}
	t := newTurn(sessionID)
	t.releaseBusy = func(id string) { r.release(id, conn) }
	go t.pump(ctx, events)
	return t, nil
}

// release clears the busy flag if the session is still served by conn.
func (r *Registry) release(sessionID string, conn runtime.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[sessionID]; ok && e.conn == conn {
		e.busy = false
	}
}

// evict forgets a session's entry if it still holds conn.
func (r *Registry) evict(sessionID string, conn runtime.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[sessionID]; ok && e.conn == conn {
		delete(r.entries, sessionID)
		e.evicted = true
		r.logger.Warn("discarded fresh connection", "session_id", sessionID)
	}
}

// Mirror returns the replay mirror of a session's working directory.
func (r *Registry) Mirror(sessionID string) (*replay.Mirror, error) {
	r.mu.Lock()
	workDir := r.defaults.WorkDir
	if e, ok := r.entries[sessionID]; ok {
		workDir = e.workDir
	}
	r.mu.Unlock()
	return r.mirrors.For(workDir)
}

// Persist writes a session's local replay log back to the store.
func (r *Registry) Persist(ctx context.Context, sessionID string) error {
	mirror, err := r.Mirror(sessionID)
	if err != nil {
		return err
	}
	return mirror.Persist(ctx, sessionID)
}

// Close evicts and closes a session's connection. Closing an absent session
// does nothing.
func (r *Registry) Close(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	e, ok := r.entries[sessionID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.entries, sessionID)
	e.evicted = true
	conn := e.conn
	r.mu.Unlock()

	if conn == nil {
		return nil
	}
	r.logger.Debug("closing session connection", "session_id", sessionID)
	return conn.Close()
}

// CloseAll closes every connection. The registry accepts no new sessions
// afterwards.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	entries := r.entries
	r.entries = make(map[string]*entry)
	for _, e := range entries {
		e.evicted = true
	}
	r.mu.Unlock()

	var errs []error
	for id, e := range entries {
		if e.conn == nil {
			continue
		}
		if err := e.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
