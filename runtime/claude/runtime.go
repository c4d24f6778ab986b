// Package claude runs conversations on the Claude Code CLI, driving it over
// its stream-json input and output protocol.
package claude

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/deepnoodle-ai/relay/log"
	"github.com/deepnoodle-ai/relay/runtime"
	"github.com/deepnoodle-ai/relay/stream"
)

const (
	defaultBinary = "claude"

	// Claude Code can produce long lines (tool results with large file
	// contents).
	maxLineSize = 16 * 1024 * 1024

	closeTimeout = 5 * time.Second
)

// Options configures the Claude Code runtime.
type Options struct {
	// Binary defaults to $CLAUDE_BINARY, then "claude".
	Binary string

	// ExtraArgs are appended to every invocation.
	ExtraArgs []string

	// Stderr receives the process's stderr. Defaults to discarding it.
	Stderr io.Writer

	Logger log.Logger
}

// Runtime starts one Claude Code process per connection.
type Runtime struct {
	binary    string
	extraArgs []string
	stderr    io.Writer
	logger    log.Logger
}

// New returns a Claude Code runtime.
func New(opts Options) *Runtime {
	binary := opts.Binary
	if binary == "" {
		binary = os.Getenv("CLAUDE_BINARY")
	}
	if binary == "" {
		binary = defaultBinary
	}
	stderr := opts.Stderr
	if stderr == nil {
		stderr = io.Discard
	}
	return &Runtime{
		binary:    binary,
		extraArgs: opts.ExtraArgs,
		stderr:    stderr,
		logger:    log.OrNull(opts.Logger),
	}
}

// Args returns the command line arguments for a connection.
func (r *Runtime) Args(opts runtime.ConnectOptions) []string {
	args := []string{
		"--print",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
	}
	if opts.Resume != "" {
		args = append(args, "--resume", opts.Resume)
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(opts.MaxTurns))
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}
	if opts.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", opts.SystemPrompt)
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(opts.AllowedTools, ","))
	}
	return append(args, r.extraArgs...)
}

func environ(opts runtime.ConnectOptions) []string {
	env := os.Environ()
	if opts.MaxThinkingTokens > 0 {
		env = append(env, "MAX_THINKING_TOKENS="+strconv.Itoa(opts.MaxThinkingTokens))
	}
	keys := make([]string, 0, len(opts.Env))
	for k := range opts.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+opts.Env[k])
	}
	return env
}

// Connect starts a Claude Code process. The process outlives ctx; it is
// stopped by Conn.Close.
func (r *Runtime) Connect(ctx context.Context, opts runtime.ConnectOptions) (runtime.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd := exec.Command(r.binary, r.Args(opts)...)
	cmd.Dir = opts.WorkDir
	cmd.Env = environ(opts)
	cmd.Stderr = r.stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("starting claude: %w", err)
	}

	c := &conn{
		cmd:       cmd,
		stdin:     stdin,
		sessionID: opts.Resume,
		logger:    r.logger.With("runtime", "claude", "pid", cmd.Process.Pid),
		done:      make(chan struct{}),
	}
	go c.readLoop(stdout)
	c.logger.Debug("claude process started", "workdir", opts.WorkDir, "resume", opts.Resume)
	return c, nil
}

type turn struct {
	ctx context.Context
	ch  chan stream.Event
}

func (t *turn) emit(ev stream.Event) {
	select {
	case t.ch <- ev:
	case <-t.ctx.Done():
	}
}

type conn struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	logger log.Logger
	done   chan struct{}

	mu        sync.Mutex
	sessionID string
	current   *turn
	closed    bool
	exited    bool
}

func (c *conn) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

type userLine struct {
	Type      string      `json:"type"`
	Message   userMessage `json:"message"`
	SessionID string      `json:"session_id,omitempty"`
}

type userMessage struct {
	Role    string     `json:"role"`
	Content []textPart `json:"content"`
}

type textPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (c *conn) Send(ctx context.Context, prompt string) (<-chan stream.Event, error) {
	c.mu.Lock()
	if c.closed || c.exited {
		c.mu.Unlock()
		return nil, runtime.ErrClosed
	}
	if c.current != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("claude: a turn is already in flight")
	}
	t := &turn{ctx: ctx, ch: make(chan stream.Event, 64)}
	c.current = t
	sessionID := c.sessionID
	c.mu.Unlock()

	line, err := json.Marshal(userLine{
		Type:      "user",
		Message:   userMessage{Role: "user", Content: []textPart{{Type: "text", Text: prompt}}},
		SessionID: sessionID,
	})
	if err != nil {
		c.clearTurn(t)
		return nil, err
	}
	if _, err := c.stdin.Write(append(line, '\n')); err != nil {
		c.clearTurn(t)
		return nil, fmt.Errorf("writing prompt: %w", err)
	}
	return t.ch, nil
}

func (c *conn) clearTurn(t *turn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == t {
		c.current = nil
	}
}

// finish closes the turn's channel after its final event.
func (c *conn) finish(t *turn, final stream.Event) {
	t.emit(final)
	c.clearTurn(t)
	close(t.ch)
}

func (c *conn) readLoop(stdout io.Reader) {
	defer close(c.done)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		events, err := decodeLine(line)
		if err != nil {
			c.logger.Warn("skipping malformed line", "error", err)
			continue
		}
		for _, ev := range events {
			c.deliver(ev)
		}
	}
	scanErr := scanner.Err()
	waitErr := c.cmd.Wait()

	c.mu.Lock()
	c.exited = true
	t := c.current
	sessionID := c.sessionID
	c.mu.Unlock()

	if t != nil {
		cause := scanErr
		if cause == nil {
			cause = waitErr
		}
		if cause == nil {
			cause = io.ErrUnexpectedEOF
		}
		c.finish(t, stream.Failure(&runtime.StreamError{
			SessionID: sessionID,
			Message:   "claude exited before the turn completed",
			Err:       cause,
		}))
	}
	c.logger.Debug("claude process exited", "error", waitErr)
}

func (c *conn) deliver(ev stream.Event) {
	c.mu.Lock()
	if ev.Kind == stream.KindSessionID {
		c.sessionID = ev.SessionID
	}
	if ev.Kind == stream.KindResult && ev.Result != nil && ev.Result.SessionID != "" {
		c.sessionID = ev.Result.SessionID
	}
	t := c.current
	sessionID := c.sessionID
	c.mu.Unlock()

	if t == nil {
		return
	}
	if ev.Kind != stream.KindResult {
		t.emit(ev)
		return
	}
	if ev.Result != nil && ev.Result.IsError {
		c.finish(t, stream.Failure(&runtime.StreamError{
			SessionID: sessionID,
			Message:   ev.Text,
			Result:    ev.Result,
		}))
		return
	}
	c.finish(t, ev)
}

// Close ends the conversation. Claude Code exits when its input closes; it
// is killed if it does not exit promptly.
func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.stdin.Close()
	select {
	case <-c.done:
	case <-time.After(closeTimeout):
		c.logger.Warn("claude did not exit, killing")
		if c.cmd.Process != nil {
			c.cmd.Process.Kill()
		}
		<-c.done
	}
	return nil
}

var _ runtime.Runtime = (*Runtime)(nil)
