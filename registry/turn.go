package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/deepnoodle-ai/relay/runtime"
	"github.com/deepnoodle-ai/relay/stream"
)

// TurnResult summarizes a finished turn.
type TurnResult struct {
	SessionID string

	// Result is the runtime's final report. A failed turn carries one only
	// when the runtime reported an error result.
	Result   *stream.Result
	Duration time.Duration
}

// Turn is one prompt in flight. Its events must be drained.
//
// The session stays busy until the turn has ended and the caller has called
// Release, so the caller can finish persisting the turn before another
// prompt is accepted.
type Turn struct {
	events chan stream.Event
	done   chan struct{}

	onSessionID func(id string) error
	resolveID   func() (string, error)
	onDone      func(id string, err error)
	releaseBusy func(id string)
	discard     func()
	discardOnce sync.Once

	mu        sync.Mutex
	sessionID string
	result    TurnResult
	err       error
	ended     bool
	released  bool
	freed     bool
}

func newTurn(sessionID string) *Turn {
	return &Turn{
		events:    make(chan stream.Event, 64),
		done:      make(chan struct{}),
		sessionID: sessionID,
	}
}

// SessionID returns the turn's session id, or "" while a fresh session's id
// is not known yet.
func (t *Turn) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// Events returns the turn's events. The channel is closed when the turn
// ends. At most one stream.KindError event is delivered.
func (t *Turn) Events() <-chan stream.Event {
	return t.events
}

// Wait blocks until the turn ends.
func (t *Turn) Wait() (TurnResult, error) {
	<-t.done
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result, t.err
}

// Done is closed when the turn ends.
func (t *Turn) Done() <-chan struct{} {
	return t.done
}

// Discard drops the connection of a fresh session whose id turned out to be
// unusable. The registry forgets it and it is closed once the turn ends.
// Turns on an existing session are unaffected.
func (t *Turn) Discard() {
	if t.discard != nil {
		t.discardOnce.Do(t.discard)
	}
}

func (t *Turn) hasEnded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ended
}

// Release marks the caller as finished with the turn. It is safe to call
// before the turn ends and more than once.
func (t *Turn) Release() {
	t.mu.Lock()
	t.released = true
	t.mu.Unlock()
	t.maybeFree()
}

// maybeFree releases the session once the turn has ended and the caller
// has released it.
func (t *Turn) maybeFree() {
	t.mu.Lock()
	if !t.ended || !t.released || t.freed {
		t.mu.Unlock()
		return
	}
	t.freed = true
	id := t.sessionID
	t.mu.Unlock()
	if t.releaseBusy != nil {
		t.releaseBusy(id)
	}
}

func (t *Turn) setSessionID(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessionID = id
}

func (t *Turn) pump(ctx context.Context, in <-chan stream.Event) {
	start := time.Now()
	var (
		result  *stream.Result
		failure error
		muted   bool
	)
	forward := func(ev stream.Event) {
		if muted || ctx.Err() != nil {
			return
		}
		select {
		case t.events <- ev:
		case <-ctx.Done():
		}
	}
	fail := func(err error) {
		if failure == nil {
			failure = err
			forward(stream.Failure(err))
		}
	}
	bind := func(id string) error {
		if t.onSessionID != nil {
			if err := t.onSessionID(id); err != nil {
				return err
			}
		}
		t.setSessionID(id)
		return nil
	}

	for ev := range in {
		switch ev.Kind {
		case stream.KindSessionID:
			if t.SessionID() != "" || failure != nil {
				// Resumed sessions report their id again on every turn
				continue
			}
			if err := bind(ev.SessionID); err != nil {
				fail(err)
				muted = true
				continue
			}
			forward(ev)
		case stream.KindResult:
			result = ev.Result
			forward(ev)
		case stream.KindError:
			var streamErr *runtime.StreamError
			if errors.As(ev.Err, &streamErr) && streamErr.Result != nil && result == nil {
				result = streamErr.Result
			}
			fail(ev.Err)
		default:
			forward(ev)
		}
	}

	if t.SessionID() == "" && t.resolveID != nil && !muted {
		id, err := t.resolveID()
		if err == nil {
			err = bind(id)
		}
		switch {
		case err == nil:
			forward(stream.SessionID(id))
		case failure != nil:
			// One error event per turn; Wait still reports the lost id
			failure = fmt.Errorf("%w (after: %v)", ErrSessionIDUnavailable, failure)
		default:
			fail(err)
		}
	}

	t.mu.Lock()
	id := t.sessionID
	t.result = TurnResult{SessionID: id, Result: result, Duration: time.Since(start)}
	t.err = failure
	t.ended = true
	t.mu.Unlock()

	if t.onDone != nil {
		t.onDone(id, failure)
	}
	close(t.events)
	close(t.done)
	t.maybeFree()
}
