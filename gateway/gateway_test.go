package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/relay/llm"
	"github.com/deepnoodle-ai/relay/registry"
	"github.com/deepnoodle-ai/relay/replay"
	"github.com/deepnoodle-ai/relay/runtime"
	"github.com/deepnoodle-ai/relay/runtime/runtimetest"
	"github.com/deepnoodle-ai/relay/session"
	"github.com/deepnoodle-ai/relay/skill"
	"github.com/deepnoodle-ai/relay/stream"
	"github.com/deepnoodle-ai/relay/workflow"
)

type fixture struct {
	gateway   *Gateway
	runtime   *runtimetest.Runtime
	store     *session.MemoryStore
	runs      *workflow.MemoryRunStore
	registry  *registry.Registry
	mirrors   *replay.Mirrors
	server    *httptest.Server
	workDir   string
	wsRoot    string
	artifacts string
	skillDir  string
}

const reportSkill = `---
name: report
description: Write a report.
allowed-tools: [Write]
---
Write the report as report.md.
`

// newFixture runs setup before the server starts.
func newFixture(t *testing.T, rt *runtimetest.Runtime, setup ...func(f *fixture)) *fixture {
	t.Helper()
	f := &fixture{
		runtime:   rt,
		store:     session.NewMemoryStore(),
		runs:      workflow.NewMemoryRunStore(),
		workDir:   t.TempDir(),
		wsRoot:    filepath.Join(t.TempDir(), "workspaces"),
		artifacts: filepath.Join(t.TempDir(), "artifacts"),
	}
	f.mirrors = replay.NewMirrors(f.store, t.TempDir(), nil)

	reg, err := registry.New(registry.Options{
		Runtime:        rt,
		Mirrors:        f.mirrors,
		Defaults:       runtime.ConnectOptions{WorkDir: f.workDir, Model: "sonnet"},
		ConnectBackoff: time.Millisecond,
	})
	require.NoError(t, err)
	f.registry = reg

	skillDir := filepath.Join(t.TempDir(), "skills")
	require.NoError(t, os.MkdirAll(filepath.Join(skillDir, "report"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(skillDir, "report", "SKILL.md"), []byte(reportSkill), 0o644))
	loader := skill.NewLoader(skill.LoaderOptions{Paths: []string{skillDir}})
	require.NoError(t, loader.LoadSkills())
	f.skillDir = skillDir
	manager, err := skill.NewManager(loader)
	require.NoError(t, err)

	runner, err := workflow.NewRunner(workflow.RunnerOptions{
		Runtime:        rt,
		Store:          f.runs,
		Skills:         loader,
		TempRoot:       filepath.Join(t.TempDir(), "runs"),
		ArtifactsDir:   f.artifacts,
		ConnectBackoff: time.Millisecond,
	})
	require.NoError(t, err)

	gw, err := New(Options{
		Store:          f.store,
		Registry:       reg,
		Runner:         runner,
		Skills:         loader,
		SkillManager:   manager,
		WorkspacesRoot: f.wsRoot,
	})
	require.NoError(t, err)
	f.gateway = gw
	for _, fn := range setup {
		fn(f)
	}
	f.server = httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		f.server.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		gw.Shutdown(ctx)
	})
	return f
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/agent"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

type wireEvent map[string]any

func (e wireEvent) typ() string { return e["type"].(string) }

func send(t *testing.T, ws *websocket.Conn, msg ClientMessage) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(msg))
}

func read(t *testing.T, ws *websocket.Conn) wireEvent {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev wireEvent
	require.NoError(t, ws.ReadJSON(&ev))
	return ev
}

// readTurn reads events up to and including the turn's last event.
func readTurn(t *testing.T, ws *websocket.Conn) []wireEvent {
	t.Helper()
	var events []wireEvent
	for {
		ev := read(t, ws)
		events = append(events, ev)
		if ev.typ() == "complete" || ev.typ() == "error" {
			return events
		}
	}
}

func types(events []wireEvent) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.typ()
	}
	return out
}

func (f *fixture) writeReplayLog(t *testing.T, workDir, sessionID string, lines ...string) {
	t.Helper()
	mirror, err := f.mirrors.For(workDir)
	require.NoError(t, err)
	path, err := mirror.Path(sessionID)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
}

func TestWebSocketFirstQuery(t *testing.T) {
	rt := &runtimetest.Runtime{SessionIDs: []string{"abc"}}
	f := newFixture(t, rt, func(f *fixture) {
		rt.Respond = func(sessionID, prompt string) []stream.Event {
			f.writeReplayLog(t, f.workDir, sessionID, `{"type":"user"}`, `{"type":"assistant"}`)
			return runtimetest.Echo(sessionID, prompt)
		}
	})
	ws := f.dial(t)

	send(t, ws, ClientMessage{Type: MessageQuery, Content: "2+2?"})
	events := readTurn(t, ws)
	require.Equal(t, []string{"session_id_captured", "session_created", "text", "text", "complete"}, types(events))
	require.Equal(t, "abc", events[0]["session_id"])
	require.Equal(t, "abc", events[1]["session_id"])
	require.Equal(t, "echo: ", events[2]["content"])
	require.Equal(t, "2+2?", events[3]["content"])

	ctx := context.Background()
	sess, err := f.store.GetSession(ctx, "abc")
	require.NoError(t, err)
	require.Equal(t, 2, sess.MessageCount)
	require.True(t, sess.IsActive)
	require.InDelta(t, 0.001, sess.TotalCostUSD, 1e-9)
	require.Equal(t, 4, sess.TotalInputTokens)
	require.Equal(t, 1, sess.TotalOutputTokens)

	messages, err := f.store.Messages(ctx, "abc")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	require.Equal(t, 0, messages[0].Sequence)
	require.Equal(t, llm.User, messages[0].Role)
	require.Equal(t, []llm.ContentBlock{llm.NewText("2+2?")}, messages[0].ContentBlocks)
	require.Equal(t, 1, messages[1].Sequence)
	require.Equal(t, llm.Assistant, messages[1].Role)
	require.Equal(t, []llm.ContentBlock{llm.NewText("echo: 2+2?")}, messages[1].ContentBlocks)
	require.NotNil(t, messages[1].CostUSD)

	lines, err := f.store.ReplayLines(ctx, "abc")
	require.NoError(t, err)
	require.Equal(t, []string{`{"type":"user"}`, `{"type":"assistant"}`}, lines)

	// Bound: the next query continues the same session
	send(t, ws, ClientMessage{Type: MessageQuery, Content: "and 3+3?"})
	events = readTurn(t, ws)
	require.Equal(t, []string{"text", "text", "complete"}, types(events))
	require.Len(t, rt.Connects(), 1)

	messages, err = f.store.Messages(ctx, "abc")
	require.NoError(t, err)
	require.Len(t, messages, 4)
	require.Equal(t, []llm.ContentBlock{llm.NewText("and 3+3?")}, messages[2].ContentBlocks)
	require.Equal(t, 3, messages[3].Sequence)

	sess, err = f.store.GetSession(ctx, "abc")
	require.NoError(t, err)
	require.Equal(t, 4, sess.MessageCount)
	require.InDelta(t, 0.001, sess.TotalCostUSD, 1e-9, "cost is a running total, not a sum")
	require.Equal(t, 4+8, sess.TotalInputTokens)
}

func TestWebSocketInitSession(t *testing.T) {
	f := newFixture(t, runtimetest.New(nil))
	ctx := context.Background()
	_, err := f.store.CreateSession(ctx, &session.Session{ID: "abc", IsActive: true})
	require.NoError(t, err)
	require.NoError(t, f.store.AppendMessage(ctx, &session.Message{
		SessionID: "abc", Sequence: 0, Role: llm.User, ContentBlocks: []llm.ContentBlock{llm.NewText("hello")},
	}))
	require.NoError(t, f.store.AppendMessage(ctx, &session.Message{
		SessionID: "abc", Sequence: 1, Role: llm.Assistant, ContentBlocks: []llm.ContentBlock{llm.NewText("hi")},
	}))
	require.NoError(t, f.store.ReplaceReplayLines(ctx, "abc", []string{`{"line":1}`}))

	ws := f.dial(t)
	send(t, ws, ClientMessage{Type: MessageInitSession, ClaudeSessionID: "abc"})
	ev := read(t, ws)
	require.Equal(t, "session_ready", ev.typ())
	require.Equal(t, "abc", ev["claude_session_id"])
	require.Len(t, ev["messages"], 2)

	require.Equal(t, registry.StateReady, f.registry.State("abc"))
	connects := f.runtime.Connects()
	require.Len(t, connects, 1)
	require.Equal(t, "abc", connects[0].Resume)

	// The store's replay log was restored before the runtime resumed
	mirror, err := f.mirrors.For(f.workDir)
	require.NoError(t, err)
	local, err := mirror.ReadLocal("abc")
	require.NoError(t, err)
	require.Equal(t, []string{`{"line":1}`}, local)

	send(t, ws, ClientMessage{Type: MessageQuery, Content: "again"})
	events := readTurn(t, ws)
	require.Equal(t, []string{"text", "text", "complete"}, types(events))

	messages, err := f.store.Messages(ctx, "abc")
	require.NoError(t, err)
	require.Len(t, messages, 4)
	require.Equal(t, 2, messages[2].Sequence)
	require.Equal(t, llm.User, messages[2].Role)
}

func TestWebSocketProtocolErrors(t *testing.T) {
	f := newFixture(t, runtimetest.New(nil))
	ws := f.dial(t)

	send(t, ws, ClientMessage{Type: MessageInitSession})
	ev := read(t, ws)
	require.Equal(t, "error", ev.typ())
	require.Equal(t, "init_session requires claude_session_id", ev["message"])

	send(t, ws, ClientMessage{Type: MessageInitSession, ClaudeSessionID: "missing"})
	ev = read(t, ws)
	require.Equal(t, "error", ev.typ())
	require.Contains(t, ev["message"], "not found")

	send(t, ws, ClientMessage{Type: "dance"})
	ev = read(t, ws)
	require.Equal(t, "error", ev.typ())
	require.Contains(t, ev["message"], "unknown message type")

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	ev = read(t, ws)
	require.Equal(t, "error", ev.typ())

	require.Empty(t, f.runtime.Connects())
}

func TestWebSocketStreamFailure(t *testing.T) {
	var calls atomic.Int32
	rt := &runtimetest.Runtime{SessionIDs: []string{"abc"}}
	rt.Respond = func(sessionID, prompt string) []stream.Event {
		if calls.Add(1) == 1 {
			return []stream.Event{stream.Text("partial"), stream.Failure(&runtime.StreamError{Message: "boom"})}
		}
		return runtimetest.Echo(sessionID, prompt)
	}
	f := newFixture(t, rt)
	ws := f.dial(t)

	send(t, ws, ClientMessage{Type: MessageQuery, Content: "try"})
	events := readTurn(t, ws)
	require.Equal(t, []string{"session_id_captured", "session_created", "text", "error"}, types(events))
	require.Contains(t, events[3]["message"], "boom")

	ctx := context.Background()
	messages, err := f.store.Messages(ctx, "abc")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	require.Equal(t, []llm.ContentBlock{llm.NewText("partial")}, messages[1].ContentBlocks)

	// The transport stays open and the session takes the next prompt
	send(t, ws, ClientMessage{Type: MessageQuery, Content: "retry"})
	events = readTurn(t, ws)
	require.Equal(t, []string{"text", "text", "complete"}, types(events))

	sess, err := f.store.GetSession(ctx, "abc")
	require.NoError(t, err)
	require.Equal(t, 4, sess.MessageCount)
}

func TestWebSocketErrorResultRecordsUsage(t *testing.T) {
	cost, in, out := 0.05, 9, 3
	failure := &runtime.StreamError{
		Message: "error_max_turns",
		Result:  &stream.Result{CostUSD: &cost, InputTokens: &in, OutputTokens: &out, IsError: true},
	}
	rt := &runtimetest.Runtime{SessionIDs: []string{"abc"}, Respond: runtimetest.Reply(stream.Failure(failure))}
	f := newFixture(t, rt)
	ws := f.dial(t)

	send(t, ws, ClientMessage{Type: MessageQuery, Content: "too long"})
	events := readTurn(t, ws)
	require.Equal(t, []string{"session_id_captured", "session_created", "error"}, types(events))

	sess, err := f.store.GetSession(context.Background(), "abc")
	require.NoError(t, err)
	require.Equal(t, 1, sess.MessageCount, "no assistant content, only the prompt")
	require.InDelta(t, 0.05, sess.TotalCostUSD, 1e-9)
	require.Equal(t, 9, sess.TotalInputTokens)
	require.Equal(t, 3, sess.TotalOutputTokens)
}

func TestWebSocketDisconnectMidStream(t *testing.T) {
	rt := &runtimetest.Runtime{SessionIDs: []string{"abc"}, Gate: make(chan struct{})}
	f := newFixture(t, rt)
	ws := f.dial(t)

	send(t, ws, ClientMessage{Type: MessageQuery, Content: "long task"})
	for _, want := range []string{"session_id_captured", "session_created", "text", "text"} {
		require.Equal(t, want, read(t, ws).typ())
	}
	require.NoError(t, ws.Close())

	// Let the turn finish after the client has gone
	rt.Gate <- struct{}{}

	ctx := context.Background()
	require.Eventually(t, func() bool {
		sess, err := f.store.GetSession(ctx, "abc")
		return err == nil && sess.MessageCount == 2
	}, 5*time.Second, 10*time.Millisecond)

	messages, err := f.store.Messages(ctx, "abc")
	require.NoError(t, err)
	require.Equal(t, []llm.ContentBlock{llm.NewText("echo: long task")}, messages[1].ContentBlocks)

	// The connection stays cached for the next client
	require.Equal(t, registry.StateReady, f.registry.State("abc"))
}

func TestWebSocketSessionBusy(t *testing.T) {
	rt := &runtimetest.Runtime{SessionIDs: []string{"abc"}, Gate: make(chan struct{})}
	f := newFixture(t, rt)
	first := f.dial(t)

	send(t, first, ClientMessage{Type: MessageQuery, Content: "slow"})
	for _, want := range []string{"session_id_captured", "session_created", "text", "text"} {
		require.Equal(t, want, read(t, first).typ())
	}

	second := f.dial(t)
	send(t, second, ClientMessage{Type: MessageQuery, Content: "me too", SessionID: "abc"})
	ev := read(t, second)
	require.Equal(t, "error", ev.typ())
	require.Contains(t, ev["message"], "busy")

	rt.Gate <- struct{}{}
	require.Equal(t, "complete", read(t, first).typ())
}

// readSSE returns the events of an SSE response body.
func readSSE(t *testing.T, resp *http.Response) []wireEvent {
	t.Helper()
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	var events []wireEvent
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev wireEvent
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		events = append(events, ev)
	}
	require.NoError(t, scanner.Err())
	return events
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestExecuteWorkflow(t *testing.T) {
	f := newFixture(t, runtimetest.New(nil))

	resp := postJSON(t, f.server.URL+"/api/workflows/report/execute", map[string]string{"user_input": "Q3"})
	events := readSSE(t, resp)
	require.Equal(t, []string{"start", "text", "text", "complete"}, types(events))
	runID := events[0]["run_id"].(string)
	require.NotEmpty(t, runID)
	require.Equal(t, runID, events[3]["run_id"])
	require.Equal(t, []any{}, events[3]["artifact_paths"])

	run, err := f.runs.GetRun(context.Background(), runID)
	require.NoError(t, err)
	require.Equal(t, workflow.StatusCompleted, run.Status)

	resp, err = http.Get(f.server.URL + "/api/workflow-runs/" + runID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got workflow.Run
	decodeJSON(t, resp, &got)
	require.Equal(t, "report", got.SkillName)

	resp, err = http.Get(f.server.URL + "/api/workflow-runs?status=completed")
	require.NoError(t, err)
	var list struct{ Runs []*workflow.Run }
	decodeJSON(t, resp, &list)
	require.Len(t, list.Runs, 1)

	resp, err = http.Get(f.server.URL + "/api/workflows")
	require.NoError(t, err)
	var workflows struct{ Workflows []workflowInfo }
	decodeJSON(t, resp, &workflows)
	require.Equal(t, []workflowInfo{{Name: "report", Description: "Write a report.", AllowedTools: []string{"Write"}}}, workflows.Workflows)
}

func TestExecuteUnknownWorkflow(t *testing.T) {
	f := newFixture(t, runtimetest.New(nil))

	resp := postJSON(t, f.server.URL+"/api/workflows/missing/execute", map[string]string{"user_input": "x"})
	events := readSSE(t, resp)
	require.Equal(t, []string{"start", "error"}, types(events))
	require.Contains(t, events[1]["error"], "missing")
	require.Empty(t, f.runtime.Connects())
}

func TestWorkspaceThreadChat(t *testing.T) {
	rt := &runtimetest.Runtime{SessionIDs: []string{"thread-1"}}
	f := newFixture(t, rt)

	resp := postJSON(t, f.server.URL+"/api/workspaces", map[string]any{
		"name":        "Research",
		"description": "Market research.",
		"skill_names": []string{"report"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var ws session.Workspace
	decodeJSON(t, resp, &ws)
	require.NotEmpty(t, ws.ID)

	chatURL := f.server.URL + "/api/workspaces/" + ws.ID + "/threads/"
	events := readSSE(t, postJSON(t, chatURL+PendingThread+"/chat", map[string]string{"message": "hi"}))
	require.Equal(t, []string{"thread_created", "text", "text", "complete"}, types(events))
	require.Equal(t, "thread-1", events[0]["thread_id"])

	ctx := context.Background()
	thread, err := f.store.GetSession(ctx, "thread-1")
	require.NoError(t, err)
	require.Equal(t, ws.ID, thread.WorkspaceID)
	require.NotEmpty(t, thread.ExecutionEnvironment)
	require.Equal(t, "Thread in Research", thread.Metadata.Title)

	envDir := filepath.Join(f.wsRoot, thread.ExecutionEnvironment)
	require.DirExists(t, envDir)
	connects := rt.Connects()
	require.Len(t, connects, 1)
	require.Equal(t, envDir, connects[0].WorkDir)
	require.Contains(t, connects[0].SystemPrompt, `"Research"`)
	require.Contains(t, connects[0].SystemPrompt, "# Skill: report")
	require.Equal(t, []string{"Write"}, connects[0].AllowedTools)

	events = readSSE(t, postJSON(t, chatURL+"thread-1/chat", map[string]string{"message": "more"}))
	require.Equal(t, []string{"text", "text", "complete"}, types(events))
	messages, err := f.store.Messages(ctx, "thread-1")
	require.NoError(t, err)
	require.Len(t, messages, 4)

	resp, err = http.Get(f.server.URL + "/api/workspaces/" + ws.ID + "/threads")
	require.NoError(t, err)
	var threads struct{ Threads []*session.Session }
	decodeJSON(t, resp, &threads)
	require.Len(t, threads.Threads, 1)

	resp = postJSON(t, chatURL+"nope/chat", map[string]string{"message": "x"})
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	req, err := http.NewRequest(http.MethodDelete, chatURL+"thread-1", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoDirExists(t, envDir)
	require.Equal(t, registry.StateAbsent, f.registry.State("thread-1"))
}

func TestCreateWorkspaceUnknownSkill(t *testing.T) {
	f := newFixture(t, runtimetest.New(nil))
	resp := postJSON(t, f.server.URL+"/api/workspaces", map[string]any{"name": "x", "skill_names": []string{"nope"}})
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSessionRoutes(t *testing.T) {
	f := newFixture(t, runtimetest.New(nil))
	ctx := context.Background()
	_, err := f.store.CreateSession(ctx, &session.Session{ID: "abc", IsActive: true})
	require.NoError(t, err)

	resp, err := http.Get(f.server.URL + "/health")
	require.NoError(t, err)
	var health map[string]string
	decodeJSON(t, resp, &health)
	require.Equal(t, "healthy", health["status"])

	resp, err = http.Get(f.server.URL + "/api/sessions")
	require.NoError(t, err)
	var list struct{ Sessions []*session.Session }
	decodeJSON(t, resp, &list)
	require.Len(t, list.Sessions, 1)

	req, err := http.NewRequest(http.MethodPatch, f.server.URL+"/api/sessions/abc",
		strings.NewReader(`{"title":"Math","tags":["school"]}`))
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	var sess session.Session
	decodeJSON(t, resp, &sess)
	require.Equal(t, "Math", sess.Metadata.Title)
	require.Equal(t, []string{"school"}, sess.Metadata.Tags)

	resp, err = http.Get(f.server.URL + "/api/sessions/abc/messages")
	require.NoError(t, err)
	var messages struct{ Messages []*session.Message }
	decodeJSON(t, resp, &messages)
	require.Empty(t, messages.Messages)

	req, err = http.NewRequest(http.MethodDelete, f.server.URL+"/api/sessions/abc", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(f.server.URL + "/api/sessions/abc")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestShutdownRejectsTurns(t *testing.T) {
	f := newFixture(t, runtimetest.New(nil))
	require.NoError(t, f.gateway.Shutdown(context.Background()))

	ws := f.dial(t)
	send(t, ws, ClientMessage{Type: MessageQuery, Content: "late"})
	ev := read(t, ws)
	require.Equal(t, "error", ev.typ())
}

func TestWebSocketCapturedIDAlreadyStored(t *testing.T) {
	f := newFixture(t, &runtimetest.Runtime{SessionIDs: []string{"abc"}})
	ctx := context.Background()
	_, err := f.store.CreateSession(ctx, &session.Session{ID: "abc", IsActive: true})
	require.NoError(t, err)
	require.NoError(t, f.store.AppendMessage(ctx, &session.Message{
		SessionID: "abc", Sequence: 0, Role: llm.User, ContentBlocks: []llm.ContentBlock{llm.NewText("older")},
	}))

	ws := f.dial(t)
	send(t, ws, ClientMessage{Type: MessageQuery, Content: "2+2?"})
	events := readTurn(t, ws)
	last := events[len(events)-1]
	require.Equal(t, "error", last.typ())
	require.NotContains(t, types(events), "session_created")

	messages, err := f.store.Messages(ctx, "abc")
	require.NoError(t, err)
	require.Len(t, messages, 1, "the stored history is left alone")

	require.Eventually(t, func() bool {
		return f.registry.State("abc") == registry.StateAbsent && f.runtime.Conns()[0].Closed()
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWebSocketFallbackIDOfStoredSession(t *testing.T) {
	rt := &runtimetest.Runtime{SessionIDs: []string{"fresh"}, OmitSessionID: true}
	f := newFixture(t, rt)
	ctx := context.Background()
	_, err := f.store.CreateSession(ctx, &session.Session{ID: "old", IsActive: true})
	require.NoError(t, err)
	require.NoError(t, f.store.AppendMessage(ctx, &session.Message{
		SessionID: "old", Sequence: 0, Role: llm.User, ContentBlocks: []llm.ContentBlock{llm.NewText("older")},
	}))
	f.writeReplayLog(t, f.workDir, "old", `{"type":"user"}`)

	first := f.dial(t)
	send(t, first, ClientMessage{Type: MessageQuery, Content: "new topic"})
	events := readTurn(t, first)
	require.Equal(t, "error", events[len(events)-1].typ())

	// The fresh connection is not left behind under the stored id
	require.Eventually(t, func() bool {
		return f.registry.State("old") == registry.StateAbsent && rt.Conns()[0].Closed()
	}, 5*time.Second, 10*time.Millisecond)

	second := f.dial(t)
	send(t, second, ClientMessage{Type: MessageInitSession, ClaudeSessionID: "old"})
	require.Equal(t, "session_ready", read(t, second).typ())
	connects := rt.Connects()
	require.Len(t, connects, 2)
	require.Equal(t, "old", connects[1].Resume)

	send(t, second, ClientMessage{Type: MessageQuery, Content: "continue"})
	require.Equal(t, []string{"text", "text", "complete"}, types(readTurn(t, second)))

	messages, err := f.store.Messages(ctx, "old")
	require.NoError(t, err)
	require.Len(t, messages, 3)
	require.Equal(t, []llm.ContentBlock{llm.NewText("continue")}, messages[1].ContentBlocks)
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(method, url, bytes.NewReader(data))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestSkillRoutes(t *testing.T) {
	f := newFixture(t, runtimetest.New(nil))
	base := f.server.URL + "/api/skills"

	resp := postJSON(t, base, map[string]any{
		"name":          "triage",
		"description":   "Sort incoming bugs: by severity.",
		"allowed_tools": []string{"Read"},
		"instructions":  "Label every issue.",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created skillDoc
	decodeJSON(t, resp, &created)
	require.Equal(t, "triage", created.Name)
	require.FileExists(t, filepath.Join(f.skillDir, "triage", "SKILL.md"))

	resp = postJSON(t, base, map[string]any{"name": "triage"})
	resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = postJSON(t, base, map[string]any{"name": "../escape"})
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err := http.Get(base)
	require.NoError(t, err)
	var list struct{ Skills []skillDoc }
	decodeJSON(t, resp, &list)
	require.Len(t, list.Skills, 2)
	require.Equal(t, "report", list.Skills[0].Name)
	require.Equal(t, "triage", list.Skills[1].Name)

	resp = doJSON(t, http.MethodPatch, base+"/triage", map[string]any{"instructions": "Label and assign."})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var updated skillDoc
	decodeJSON(t, resp, &updated)
	require.Equal(t, "Label and assign.", updated.Instructions)
	require.Equal(t, "Sort incoming bugs: by severity.", updated.Description)
	require.Equal(t, []string{"Read"}, updated.AllowedTools)

	resp = doJSON(t, http.MethodPatch, base+"/triage", map[string]any{})
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// New skills are immediately runnable as workflows
	events := readSSE(t, postJSON(t, f.server.URL+"/api/workflows/triage/execute", map[string]string{"user_input": "bug"}))
	require.Equal(t, "complete", events[len(events)-1].typ())
	connects := f.runtime.Connects()
	require.Contains(t, connects[len(connects)-1].SystemPrompt, "Label and assign.")

	resp = doJSON(t, http.MethodDelete, base+"/triage", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoDirExists(t, filepath.Join(f.skillDir, "triage"))

	resp, err = http.Get(base + "/triage")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = doJSON(t, http.MethodDelete, base+"/triage", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
