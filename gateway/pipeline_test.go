package gateway

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/relay/log"
	"github.com/deepnoodle-ai/relay/registry"
	"github.com/deepnoodle-ai/relay/replay"
	"github.com/deepnoodle-ai/relay/runtime"
	"github.com/deepnoodle-ai/relay/runtime/runtimetest"
	"github.com/deepnoodle-ai/relay/session"
)

// conflictStore refuses every message append.
type conflictStore struct {
	*session.MemoryStore
}

func (s conflictStore) AppendMessage(ctx context.Context, msg *session.Message) error {
	return session.ErrSequenceConflict
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Send(ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func TestPipelineUserMessageConflictStopsPersistence(t *testing.T) {
	mem := session.NewMemoryStore()
	store := conflictStore{mem}
	ctx := context.Background()
	_, err := mem.CreateSession(ctx, &session.Session{ID: "abc", IsActive: true})
	require.NoError(t, err)

	rt := runtimetest.New(nil)
	reg, err := registry.New(registry.Options{
		Runtime:        rt,
		Mirrors:        replay.NewMirrors(store, t.TempDir(), nil),
		Defaults:       runtime.ConnectOptions{WorkDir: t.TempDir()},
		ConnectBackoff: time.Millisecond,
	})
	require.NoError(t, err)
	defer reg.CloseAll(ctx)
	_, err = reg.Resume(ctx, "abc", runtime.ConnectOptions{})
	require.NoError(t, err)

	turn, err := reg.SendAndStream(ctx, "abc", "hi")
	require.NoError(t, err)
	var logs bytes.Buffer
	logger := log.NewWithOptions(log.Options{Level: log.LevelDebug, Output: &logs}).With("request", "r1")
	out := &recorder{}
	_, err = NewPipeline(store, reg, nil).Run(log.WithLogger(ctx, logger), out, TurnRequest{Turn: turn, Prompt: "hi"})
	require.ErrorIs(t, err, session.ErrSequenceConflict)
	require.Contains(t, logs.String(), "storing user message failed")
	require.Contains(t, logs.String(), "request=r1")

	require.Len(t, out.events, 1)
	require.Equal(t, EventError, out.events[0].Type)

	sess, err := mem.GetSession(ctx, "abc")
	require.NoError(t, err)
	require.Zero(t, sess.TotalInputTokens, "usage is not recorded for a rejected request")

	// The turn was drained and released
	turn, err = reg.SendAndStream(ctx, "abc", "again")
	require.NoError(t, err)
	drainTurn(turn)
}

func TestRequestLogger(t *testing.T) {
	var logs bytes.Buffer
	g := &Gateway{logger: log.NewWithOptions(log.Options{Level: log.LevelInfo, Output: &logs})}
	h := g.withRequestLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Ctx(r.Context(), nil).Info("handled")
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/sessions", nil))

	require.Contains(t, logs.String(), "handled")
	require.Contains(t, logs.String(), "method=GET")
	require.Contains(t, logs.String(), "path=/api/sessions")
}
