package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/deepnoodle-ai/relay/log"
	"github.com/deepnoodle-ai/relay/registry"
	"github.com/deepnoodle-ai/relay/session"
	"github.com/deepnoodle-ai/relay/skill"
	"github.com/deepnoodle-ai/relay/workflow"
)

// PendingThread is the thread id a client uses to start a new workspace
// thread.
const PendingThread = "pending"

// Handler returns the gateway's HTTP handler.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})
	mux.HandleFunc("GET /ws/agent", g.handleWebSocket)

	mux.HandleFunc("GET /api/sessions", g.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}", g.handleGetSession)
	mux.HandleFunc("GET /api/sessions/{id}/messages", g.handleSessionMessages)
	mux.HandleFunc("PATCH /api/sessions/{id}", g.handleUpdateSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", g.handleDeleteSession)

	mux.HandleFunc("GET /api/skills", g.handleListSkills)
	mux.HandleFunc("POST /api/skills", g.handleCreateSkill)
	mux.HandleFunc("GET /api/skills/{name}", g.handleGetSkill)
	mux.HandleFunc("PATCH /api/skills/{name}", g.handleUpdateSkill)
	mux.HandleFunc("DELETE /api/skills/{name}", g.handleDeleteSkill)

	mux.HandleFunc("GET /api/workflows", g.handleListWorkflows)
	mux.HandleFunc("POST /api/workflows/{skill}/execute", g.handleExecuteWorkflow)
	mux.HandleFunc("GET /api/workflow-runs", g.handleListRuns)
	mux.HandleFunc("GET /api/workflow-runs/{id}", g.handleGetRun)

	mux.HandleFunc("GET /api/workspaces", g.handleListWorkspaces)
	mux.HandleFunc("POST /api/workspaces", g.handleCreateWorkspace)
	mux.HandleFunc("GET /api/workspaces/{id}", g.handleGetWorkspace)
	mux.HandleFunc("PUT /api/workspaces/{id}", g.handleUpdateWorkspace)
	mux.HandleFunc("DELETE /api/workspaces/{id}", g.handleDeleteWorkspace)
	mux.HandleFunc("GET /api/workspaces/{id}/threads", g.handleListThreads)
	mux.HandleFunc("POST /api/workspaces/{id}/threads", g.handleCreateThread)
	mux.HandleFunc("GET /api/workspaces/{id}/threads/{thread}", g.handleGetThread)
	mux.HandleFunc("DELETE /api/workspaces/{id}/threads/{thread}", g.handleDeleteThread)
	mux.HandleFunc("POST /api/workspaces/{id}/threads/{thread}/chat", g.handleThreadChat)
	return g.cors(g.withRequestLogger(mux))
}

// withRequestLogger attaches a logger naming the request to its context.
func (g *Gateway) withRequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := g.logger.With("method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r.WithContext(log.WithLogger(r.Context(), logger)))
	})
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps a store or registry error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, session.ErrWorkspaceNotFound),
		errors.Is(err, workflow.ErrRunNotFound),
		errors.Is(err, workflow.ErrSkillNotFound),
		errors.Is(err, skill.ErrSkillNotFound):
		return http.StatusNotFound
	case errors.Is(err, skill.ErrSkillExists), errors.Is(err, skill.ErrNotManaged):
		return http.StatusConflict
	case errors.Is(err, skill.ErrInvalidName):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrDuplicateSession),
		errors.Is(err, session.ErrSequenceConflict),
		errors.Is(err, registry.ErrSessionBusy):
		return http.StatusConflict
	case errors.Is(err, session.ErrInvalidID):
		return http.StatusBadRequest
	case errors.Is(err, ErrShuttingDown), errors.Is(err, registry.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (g *Gateway) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Ctx(r.Context(), g.logger).Error("request failed", "error", err)
	}
	writeError(w, status, err.Error())
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageSize))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// page reads limit and offset query parameters. "skip" is accepted as an
// alias of offset.
func page(r *http.Request) (limit, offset int) {
	q := r.URL.Query()
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 {
		limit = n
	}
	skip := q.Get("offset")
	if skip == "" {
		skip = q.Get("skip")
	}
	if n, err := strconv.Atoi(skip); err == nil && n >= 0 {
		offset = n
	}
	return limit, offset
}

func (g *Gateway) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && g.originAllowed(origin) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Headers", "*")
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			h.Add("Vary", "Origin")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) originAllowed(origin string) bool {
	return slices.Contains(g.allowedOrigins, "*") || slices.Contains(g.allowedOrigins, origin)
}

//// WebSocket /////////////////////////////////////////////////////////////////

func (g *Gateway) upgrader() *websocket.Upgrader {
	u := &websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096}
	if len(g.allowedOrigins) > 0 {
		u.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || g.originAllowed(origin)
		}
	}
	return u
}

func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader().Upgrade(w, r, nil)
	if err != nil {
		log.Ctx(r.Context(), g.logger).Warn("websocket upgrade failed", "error", err)
		return
	}
	newConn(g, ws, log.Ctx(r.Context(), g.logger)).serve(r.Context())
}

//// Sessions //////////////////////////////////////////////////////////////////

func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit, offset := page(r)
	sessions, err := g.store.ListSessions(r.Context(), &session.ListOptions{Limit: limit, Offset: offset})
	if err != nil {
		g.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (g *Gateway) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := g.store.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		g.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (g *Gateway) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := g.store.GetSession(r.Context(), id); err != nil {
		g.fail(w, r, err)
		return
	}
	messages, err := g.store.Messages(r.Context(), id)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	if messages == nil {
		messages = []*session.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (g *Gateway) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var metadata session.Metadata
	if err := decodeBody(w, r, &metadata); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := g.store.UpdateMetadata(r.Context(), id, metadata); err != nil {
		g.fail(w, r, err)
		return
	}
	g.handleGetSession(w, r)
}

func (g *Gateway) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if g.registry.State(id) != registry.StateAbsent {
		g.registry.Close(r.Context(), id)
	}
	ok, err := g.store.DeleteSession(r.Context(), id)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	if !ok {
		g.fail(w, r, session.ErrSessionNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true, "session_id": id})
}

//// Skills ////////////////////////////////////////////////////////////////////

type skillDoc struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	AllowedTools []string `json:"allowed_tools,omitempty"`
	Instructions string   `json:"instructions"`
}

func newSkillDoc(s *skill.Skill) skillDoc {
	return skillDoc{Name: s.Name, Description: s.Description, AllowedTools: s.AllowedTools, Instructions: s.Instructions}
}

type skillPatch struct {
	Description  *string   `json:"description"`
	Instructions *string   `json:"instructions"`
	AllowedTools *[]string `json:"allowed_tools"`
}

func (g *Gateway) handleListSkills(w http.ResponseWriter, r *http.Request) {
	limit, offset := page(r)
	if limit == 0 {
		limit = workflow.DefaultListLimit
	}
	skills := g.skills.ListSkills()
	out := []skillDoc{}
	for i, s := range skills {
		if i < offset {
			continue
		}
		if len(out) == limit {
			break
		}
		out = append(out, newSkillDoc(s))
	}
	writeJSON(w, http.StatusOK, map[string]any{"skills": out})
}

func (g *Gateway) handleGetSkill(w http.ResponseWriter, r *http.Request) {
	s, ok := g.skills.GetSkill(r.PathValue("name"))
	if !ok {
		g.fail(w, r, fmt.Errorf("%w: %s", skill.ErrSkillNotFound, r.PathValue("name")))
		return
	}
	writeJSON(w, http.StatusOK, newSkillDoc(s))
}

func (g *Gateway) handleCreateSkill(w http.ResponseWriter, r *http.Request) {
	if g.skillManager == nil {
		writeError(w, http.StatusServiceUnavailable, "skill management is not configured")
		return
	}
	var req skillDoc
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s, err := g.skillManager.Create(&skill.Skill{
		Name:         req.Name,
		Description:  req.Description,
		AllowedTools: req.AllowedTools,
		Instructions: req.Instructions,
	})
	if err != nil {
		g.fail(w, r, err)
		return
	}
	log.Ctx(r.Context(), g.logger).Info("skill created", "skill", s.Name, "path", s.FilePath)
	writeJSON(w, http.StatusCreated, newSkillDoc(s))
}

func (g *Gateway) handleUpdateSkill(w http.ResponseWriter, r *http.Request) {
	if g.skillManager == nil {
		writeError(w, http.StatusServiceUnavailable, "skill management is not configured")
		return
	}
	var req skillPatch
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	patch := skill.Patch{Description: req.Description, Instructions: req.Instructions, AllowedTools: req.AllowedTools}
	if patch.IsEmpty() {
		writeError(w, http.StatusBadRequest, "no fields to update")
		return
	}
	s, err := g.skillManager.Update(r.PathValue("name"), patch)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSkillDoc(s))
}

func (g *Gateway) handleDeleteSkill(w http.ResponseWriter, r *http.Request) {
	if g.skillManager == nil {
		writeError(w, http.StatusServiceUnavailable, "skill management is not configured")
		return
	}
	name := r.PathValue("name")
	if err := g.skillManager.Delete(name); err != nil {
		g.fail(w, r, err)
		return
	}
	log.Ctx(r.Context(), g.logger).Info("skill deleted", "skill", name)
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true, "name": name})
}

//// Workflows /////////////////////////////////////////////////////////////////

type workflowInfo struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	AllowedTools []string `json:"allowed_tools,omitempty"`
}

func (g *Gateway) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	limit, offset := page(r)
	if limit == 0 {
		limit = workflow.DefaultListLimit
	}
	skills := g.skills.ListSkills()
	out := []workflowInfo{}
	for i, s := range skills {
		if i < offset {
			continue
		}
		if len(out) == limit {
			break
		}
		out = append(out, workflowInfo{Name: s.Name, Description: s.Description, AllowedTools: s.AllowedTools})
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": out})
}

type executeRequest struct {
	UserInput string `json:"user_input"`
}

func (g *Gateway) handleExecuteWorkflow(w http.ResponseWriter, r *http.Request) {
	if g.runner == nil {
		writeError(w, http.StatusServiceUnavailable, "workflows are not configured")
		return
	}
	var req executeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer sse.close()

	emit := func(u workflow.Update) error {
		ev, ok := FromUpdate(u)
		if !ok {
			return nil
		}
		return sse.Send(ev)
	}
	done := make(chan struct{})
	err = g.goTurn(log.Ctx(r.Context(), g.logger), func(ctx context.Context) {
		defer close(done)
		run, err := g.runner.Execute(ctx, workflow.Request{SkillName: r.PathValue("skill"), UserInput: req.UserInput}, emit)
		if err != nil && run != nil {
			log.Ctx(ctx, g.logger).Warn("workflow run failed", "run_id", run.ID, "error", err)
		}
	})
	if err != nil {
		sse.Send(Event{Type: EventError, Message: err.Error(), ErrorKey: "error"})
		return
	}
	<-done
}

func (g *Gateway) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if g.runner == nil {
		writeError(w, http.StatusServiceUnavailable, "workflows are not configured")
		return
	}
	limit, offset := page(r)
	q := r.URL.Query()
	filter := &workflow.RunFilter{
		Status:    workflow.Status(q.Get("status")),
		SkillName: q.Get("skill"),
		Limit:     limit,
		Offset:    offset,
	}
	if err := filter.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	runs, err := g.runner.Store().ListRuns(r.Context(), filter)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	if runs == nil {
		runs = []*workflow.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (g *Gateway) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if g.runner == nil {
		writeError(w, http.StatusServiceUnavailable, "workflows are not configured")
		return
	}
	run, err := g.runner.Store().GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		g.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

//// Workspaces ////////////////////////////////////////////////////////////////

type workspaceRequest struct {
	Name        *string  `json:"name"`
	Description *string  `json:"description"`
	SkillNames  []string `json:"skill_names"`
}

func (g *Gateway) checkSkills(names []string) error {
	if _, err := g.skills.Resolve(names...); err != nil {
		return err
	}
	return nil
}

func (g *Gateway) handleListWorkspaces(w http.ResponseWriter, r *http.Request) {
	limit, offset := page(r)
	if limit == 0 {
		limit = workflow.DefaultListLimit
	}
	workspaces, err := g.store.ListWorkspaces(r.Context(), limit, offset)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workspaces": workspaces})
}

func (g *Gateway) handleCreateWorkspace(w http.ResponseWriter, r *http.Request) {
	var req workspaceRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name == nil || strings.TrimSpace(*req.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := g.checkSkills(req.SkillNames); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ws := &session.Workspace{ID: uuid.NewString(), Name: *req.Name, SkillNames: req.SkillNames}
	if req.Description != nil {
		ws.Description = *req.Description
	}
	if ws.SkillNames == nil {
		ws.SkillNames = []string{}
	}
	created, err := g.store.CreateWorkspace(r.Context(), ws)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (g *Gateway) handleGetWorkspace(w http.ResponseWriter, r *http.Request) {
	ws, err := g.store.GetWorkspace(r.Context(), r.PathValue("id"))
	if err != nil {
		g.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

func (g *Gateway) handleUpdateWorkspace(w http.ResponseWriter, r *http.Request) {
	ws, err := g.store.GetWorkspace(r.Context(), r.PathValue("id"))
	if err != nil {
		g.fail(w, r, err)
		return
	}
	var req workspaceRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name != nil {
		ws.Name = *req.Name
	}
	if req.Description != nil {
		ws.Description = *req.Description
	}
	if req.SkillNames != nil {
		if err := g.checkSkills(req.SkillNames); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		ws.SkillNames = req.SkillNames
	}
	if err := g.store.UpdateWorkspace(r.Context(), ws); err != nil {
		g.fail(w, r, err)
		return
	}
	g.handleGetWorkspace(w, r)
}

func (g *Gateway) handleDeleteWorkspace(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ok, err := g.store.DeleteWorkspace(r.Context(), id)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	if !ok {
		g.fail(w, r, session.ErrWorkspaceNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true, "workspace_id": id})
}

//// Workspace threads /////////////////////////////////////////////////////////

func (g *Gateway) handleListThreads(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := g.store.GetWorkspace(r.Context(), id); err != nil {
		g.fail(w, r, err)
		return
	}
	limit, offset := page(r)
	threads, err := g.store.ListSessions(r.Context(), &session.ListOptions{Limit: limit, Offset: offset, WorkspaceID: id})
	if err != nil {
		g.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"threads": threads})
}

// handleCreateThread answers with the pending thread id. The thread itself
// is stored once its first message has a session id.
func (g *Gateway) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	if _, err := g.store.GetWorkspace(r.Context(), r.PathValue("id")); err != nil {
		g.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"thread_id": PendingThread,
		"message":   "Thread will be created on first message",
	})
}

// thread returns a workspace thread, or ErrSessionNotFound if the session
// belongs elsewhere.
func (g *Gateway) thread(ctx context.Context, workspaceID, threadID string) (*session.Session, error) {
	sess, err := g.store.GetSession(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if sess.WorkspaceID != workspaceID {
		return nil, fmt.Errorf("%w: thread %s is not in workspace %s", session.ErrSessionNotFound, threadID, workspaceID)
	}
	return sess, nil
}

func (g *Gateway) handleGetThread(w http.ResponseWriter, r *http.Request) {
	sess, err := g.thread(r.Context(), r.PathValue("id"), r.PathValue("thread"))
	if err != nil {
		g.fail(w, r, err)
		return
	}
	messages, err := g.store.Messages(r.Context(), sess.ID)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	if messages == nil {
		messages = []*session.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"thread": sess, "messages": messages})
}

func (g *Gateway) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	sess, err := g.thread(r.Context(), r.PathValue("id"), r.PathValue("thread"))
	if err != nil {
		g.fail(w, r, err)
		return
	}
	g.registry.Close(r.Context(), sess.ID)
	if _, err := g.store.DeleteSession(r.Context(), sess.ID); err != nil {
		g.fail(w, r, err)
		return
	}
	if sess.ExecutionEnvironment != "" {
		if dir, err := g.executionDir(sess.ExecutionEnvironment); err == nil {
			if err := os.RemoveAll(dir); err != nil {
				g.logger.Warn("removing execution environment failed", "dir", dir, "error", err)
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true, "thread_id": sess.ID})
}

type chatRequest struct {
	Message string `json:"message"`
}

// handleThreadChat streams one turn of a workspace thread. Thread
// PendingThread starts a new thread in a fresh execution environment.
func (g *Gateway) handleThreadChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := w.(http.Flusher); !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	ws, err := g.store.GetWorkspace(ctx, r.PathValue("id"))
	if err != nil {
		g.fail(w, r, err)
		return
	}
	var req chatRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var tr TurnRequest
	threadID := r.PathValue("thread")
	if threadID == PendingThread {
		tr, err = g.startThread(ws, req.Message)
	} else {
		tr, err = g.continueThread(ctx, ws, threadID, req.Message)
	}
	if err != nil {
		g.fail(w, r, err)
		return
	}
	tr.ErrorKey = "error"

	sse, err := newSSEWriter(w)
	if err != nil {
		drainTurn(tr.Turn)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer sse.close()

	done := make(chan struct{})
	logger := log.Ctx(ctx, g.logger).With("workspace_id", ws.ID)
	err = g.goTurn(logger, func(ctx context.Context) {
		defer close(done)
		if id, err := g.pipeline.Run(ctx, sse, tr); err != nil {
			logger.Warn("thread turn failed", "thread_id", id, "error", err)
		}
	})
	if err != nil {
		drainTurn(tr.Turn)
		sse.Send(Event{Type: EventError, Message: err.Error(), ErrorKey: "error"})
		return
	}
	<-done
}

func (g *Gateway) startThread(ws *session.Workspace, prompt string) (TurnRequest, error) {
	env := uuid.NewString()
	opts, err := g.workspaceOptions(ws, env)
	if err != nil {
		return TurnRequest{}, err
	}
	if err := os.MkdirAll(opts.WorkDir, 0o755); err != nil {
		return TurnRequest{}, fmt.Errorf("creating execution environment: %w", err)
	}
	turn, err := g.registry.CreateWithFirstPrompt(g.ctx, prompt, opts)
	if err != nil {
		os.RemoveAll(opts.WorkDir)
		return TurnRequest{}, err
	}
	g.logger.Info("starting workspace thread", "workspace_id", ws.ID, "execution_environment", env)
	return TurnRequest{
		Turn:   turn,
		Prompt: prompt,
		Fresh:  true,
		NewSession: func(string) *session.Session {
			return &session.Session{
				WorkspaceID:          ws.ID,
				ExecutionEnvironment: env,
				Metadata:             session.Metadata{Title: "Thread in " + ws.Name, Tags: []string{}},
			}
		},
		Captured: func(id string) []Event {
			return []Event{{Type: EventThreadCreated, ThreadID: id}}
		},
	}, nil
}

func (g *Gateway) continueThread(ctx context.Context, ws *session.Workspace, threadID, prompt string) (TurnRequest, error) {
	if _, err := g.thread(ctx, ws.ID, threadID); err != nil {
		return TurnRequest{}, err
	}
	if _, err := g.resume(ctx, threadID); err != nil {
		return TurnRequest{}, err
	}
	turn, err := g.registry.SendAndStream(g.ctx, threadID, prompt)
	if err != nil {
		return TurnRequest{}, err
	}
	return TurnRequest{Turn: turn, Prompt: prompt}, nil
}

var _ SkillCatalog = (*skill.Loader)(nil)
