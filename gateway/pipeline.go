package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/deepnoodle-ai/relay/llm"
	"github.com/deepnoodle-ai/relay/log"
	"github.com/deepnoodle-ai/relay/registry"
	"github.com/deepnoodle-ai/relay/replay"
	"github.com/deepnoodle-ai/relay/session"
	"github.com/deepnoodle-ai/relay/stream"
)

// ErrTransportClosed is returned by a Transport whose client has gone away.
var ErrTransportClosed = errors.New("transport closed")

// Transport delivers events to one client.
type Transport interface {
	Send(ev Event) error
}

// TurnRequest describes one turn handed to Pipeline.Run.
type TurnRequest struct {
	Turn   *registry.Turn
	Prompt string

	// Fresh is set for the first turn of a new session. The session record
	// and the user message are stored once the session id is captured.
	Fresh bool

	// NewSession returns the record stored for a fresh session, which is
	// always stored active under the captured id. Defaults to a bare
	// session.
	NewSession func(id string) *session.Session

	// Captured returns the events sent when a fresh session's id is known.
	Captured func(id string) []Event

	// ErrorKey is the JSON key of error event text.
	ErrorKey string
}

// Pipeline relays a turn's events to a client while folding them into the
// assistant message, then persists the turn.
//
// Persistence runs detached from the caller's context, so a client that goes
// away mid-stream never loses the turn. Run logs through the logger carried
// by its context when there is one.
type Pipeline struct {
	store    session.Store
	registry *registry.Registry
	logger   log.Logger
}

// NewPipeline returns a Pipeline persisting to store.
func NewPipeline(store session.Store, reg *registry.Registry, logger log.Logger) *Pipeline {
	return &Pipeline{store: store, registry: reg, logger: log.OrNull(logger)}
}

// relay sends events until the transport fails once.
type relay struct {
	transport Transport
	errorKey  string
	logger    log.Logger
	detached  bool
	errorSent bool
}

func (r *relay) send(ev Event) {
	if r.detached {
		return
	}
	if ev.Type == EventError {
		if r.errorSent {
			return
		}
		r.errorSent = true
		ev.ErrorKey = r.errorKey
	}
	if err := r.transport.Send(ev); err != nil {
		r.detached = true
		r.logger.Debug("client detached, turn continues", "error", err)
	}
}

func (r *relay) fail(err error) {
	r.send(Event{Type: EventError, Message: errorText(err)})
}

// Run drives tr.Turn to completion and releases it. It returns the turn's
// session id and its failure, if any. Run always drains the turn, even when
// the transport fails.
func (p *Pipeline) Run(ctx context.Context, transport Transport, tr TurnRequest) (string, error) {
	turn := tr.Turn
	defer turn.Release()

	logger := log.Ctx(ctx, p.logger)
	persistCtx := context.WithoutCancel(ctx)
	out := &relay{transport: transport, errorKey: tr.ErrorKey, logger: logger}
	created := !tr.Fresh
	var captureErr error

	capture := func(id string) {
		if created {
			return
		}
		created = true
		if err := p.createSession(persistCtx, id, tr); err != nil {
			logger.Error("storing new session failed", "session_id", id, "error", err)
			captureErr = err
			turn.Discard()
			out.fail(err)
			out.detached = true
			return
		}
		if tr.Captured != nil {
			for _, ev := range tr.Captured(id) {
				out.send(ev)
			}
		}
	}

	if !tr.Fresh {
		if err := p.appendMessage(persistCtx, turn.SessionID(), userMessage(tr.Prompt)); err != nil {
			logger.Error("storing user message failed", "session_id", turn.SessionID(), "error", err)
			out.fail(err)
			for range turn.Events() {
			}
			turn.Wait()
			return turn.SessionID(), err
		}
	}

	branches := stream.Tee(persistCtx, turn.Events(), 2)
	acc := stream.NewAccumulator()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range branches[1] {
			acc.Add(ev)
		}
	}()

	for ev := range branches[0] {
		switch ev.Kind {
		case stream.KindSessionID:
			capture(ev.SessionID)
		case stream.KindError:
			out.fail(ev.Err)
		default:
			if wire, ok := FromStream(ev); ok {
				out.send(wire)
			}
		}
	}
	wg.Wait()

	result, turnErr := turn.Wait()
	id := result.SessionID
	if id == "" {
		if turnErr != nil {
			out.fail(turnErr)
		}
		return "", turnErr
	}
	capture(id)
	if captureErr != nil {
		// Never write into a session this turn did not create
		return id, captureErr
	}

	blocks := acc.Blocks()
	if len(blocks) > 0 || turnErr == nil {
		if err := p.persistAssistant(persistCtx, id, blocks, result); err != nil {
			logger.Error("storing assistant message failed", "session_id", id, "error", err)
			out.fail(err)
		}
	}
	if result.Result.HasUsage() {
		if err := p.addUsage(persistCtx, id, result.Result); err != nil {
			logger.Error("recording usage failed", "session_id", id, "error", err)
			out.fail(err)
		}
	}
	p.persistMirror(persistCtx, id, logger)

	if turnErr != nil {
		out.fail(turnErr)
		return id, turnErr
	}
	out.send(Event{Type: EventComplete})
	return id, nil
}

// drainTurn discards a turn nobody will relay so it can finish and free its
// session.
func drainTurn(turn *registry.Turn) {
	go func() {
		for range turn.Events() {
		}
		turn.Release()
	}()
}

func (p *Pipeline) createSession(ctx context.Context, id string, tr TurnRequest) error {
	sess := &session.Session{}
	if tr.NewSession != nil {
		sess = tr.NewSession(id)
	}
	sess.ID = id
	sess.IsActive = true
	if _, err := p.store.CreateSession(ctx, sess); err != nil {
		return err
	}
	return p.appendMessage(ctx, id, userMessage(tr.Prompt))
}

func userMessage(prompt string) *session.Message {
	return &session.Message{
		Role:          llm.User,
		ContentBlocks: []llm.ContentBlock{llm.NewText(prompt)},
	}
}

func (p *Pipeline) persistAssistant(ctx context.Context, id string, blocks []llm.ContentBlock, result registry.TurnResult) error {
	durationMS := result.Duration.Milliseconds()
	msg := &session.Message{
		Role:          llm.Assistant,
		ContentBlocks: blocks,
		DurationMS:    &durationMS,
	}
	if r := result.Result; r != nil {
		msg.CostUSD, msg.InputTokens, msg.OutputTokens = r.CostUSD, r.InputTokens, r.OutputTokens
		if r.DurationMS > 0 {
			msg.DurationMS = &r.DurationMS
		}
	}
	return p.appendMessage(ctx, id, msg)
}

// appendMessage stores msg under the next free sequence. The session's busy
// flag keeps NextSequence and AppendMessage from interleaving.
func (p *Pipeline) appendMessage(ctx context.Context, id string, msg *session.Message) error {
	seq, err := p.store.NextSequence(ctx, id)
	if err != nil {
		return err
	}
	msg.SessionID = id
	msg.Sequence = seq
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if err := p.store.AppendMessage(ctx, msg); err != nil {
		return err
	}
	return p.store.IncrementMessageCount(ctx, id)
}

// addUsage records a turn's usage. The reported cost is a running total and
// replaces the stored one; a turn without a cost keeps it.
func (p *Pipeline) addUsage(ctx context.Context, id string, r *stream.Result) error {
	var stored float64
	if r.CostUSD == nil {
		sess, err := p.store.GetSession(ctx, id)
		if err != nil {
			return err
		}
		stored = sess.TotalCostUSD
	}
	u := r.Usage(stored)
	return p.store.AddUsage(ctx, id, u.CostUSD, u.InputTokens, u.OutputTokens)
}

// persistMirror copies the session's local replay log to the store. Failures
// are logged; the turn itself already succeeded or failed on its own.
func (p *Pipeline) persistMirror(ctx context.Context, id string, logger log.Logger) {
	err := p.registry.Persist(ctx, id)
	if err == nil {
		return
	}
	var ioErr *replay.MirrorIOError
	if errors.As(err, &ioErr) {
		logger.Warn("replay persist failed", "session_id", id, "path", ioErr.Path, "error", ioErr.Err)
		return
	}
	logger.Error("replay persist failed", "session_id", id, "error", err)
}
