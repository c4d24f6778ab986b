// Package gateway exposes relay sessions to clients.
//
// Chat clients speak a small JSON protocol over WebSocket (see Conn). Workflow
// runs and workspace thread chat stream Server-Sent Events. Both paths relay
// a turn through the same Pipeline, which folds the turn into its assistant
// message and persists it.
//
// Turns run on the gateway's own context, never on a client's. A client that
// disconnects mid-stream stops receiving events, but the turn finishes and
// is persisted.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/deepnoodle-ai/relay/log"
	"github.com/deepnoodle-ai/relay/registry"
	"github.com/deepnoodle-ai/relay/runtime"
	"github.com/deepnoodle-ai/relay/session"
	"github.com/deepnoodle-ai/relay/skill"
	"github.com/deepnoodle-ai/relay/workflow"
)

// ErrShuttingDown is returned for turns started after Shutdown.
var ErrShuttingDown = errors.New("gateway shutting down")

// SkillCatalog is the set of skills available to workflows and workspaces.
// *skill.Loader implements it.
type SkillCatalog interface {
	GetSkill(name string) (*skill.Skill, bool)
	ListSkills() []*skill.Skill
	Resolve(names ...string) ([]*skill.Skill, error)
}

// Options configures a Gateway.
type Options struct {
	Store    session.Store
	Registry *registry.Registry

	// Runner executes workflow runs. Workflow routes answer 503 without it.
	Runner *workflow.Runner

	// Skills defaults to an empty catalog.
	Skills SkillCatalog

	// SkillManager serves skill writes. Skill write routes answer 503
	// without it.
	SkillManager *skill.Manager

	// WorkspacesRoot holds one execution directory per workspace thread.
	WorkspacesRoot string

	// AllowedOrigins lists the origins accepted for WebSocket upgrades.
	// Empty allows same-origin requests only; "*" allows any origin.
	AllowedOrigins []string

	Logger log.Logger
}

// Gateway serves the relay HTTP and WebSocket API.
type Gateway struct {
	store          session.Store
	registry       *registry.Registry
	runner         *workflow.Runner
	skills         SkillCatalog
	skillManager   *skill.Manager
	workspacesRoot string
	allowedOrigins []string
	pipeline       *Pipeline
	logger         log.Logger

	// ctx outlives every client; turns run on it
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closing bool
	turns   sync.WaitGroup
}

// New returns a Gateway.
func New(opts Options) (*Gateway, error) {
	if opts.Store == nil {
		return nil, errors.New("gateway: store is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("gateway: registry is required")
	}
	if opts.Skills == nil {
		opts.Skills = skill.NewLoader(skill.LoaderOptions{})
	}
	if opts.WorkspacesRoot == "" {
		opts.WorkspacesRoot = "workspaces"
	}
	root, err := filepath.Abs(opts.WorkspacesRoot)
	if err != nil {
		return nil, fmt.Errorf("resolving workspaces root: %w", err)
	}
	logger := log.OrNull(opts.Logger)
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		store:          opts.Store,
		registry:       opts.Registry,
		runner:         opts.Runner,
		skills:         opts.Skills,
		skillManager:   opts.SkillManager,
		workspacesRoot: root,
		allowedOrigins: opts.AllowedOrigins,
		pipeline:       NewPipeline(opts.Store, opts.Registry, logger),
		logger:         logger,
		ctx:            ctx,
		cancel:         cancel,
	}, nil
}

// goTurn runs fn in a tracked goroutine so Shutdown can wait for it. fn's
// context outlives the request and carries logger.
func (g *Gateway) goTurn(logger log.Logger, fn func(ctx context.Context)) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closing {
		return ErrShuttingDown
	}
	g.turns.Add(1)
	go func() {
		defer g.turns.Done()
		fn(log.WithLogger(g.ctx, logger))
	}()
	return nil
}

// Shutdown stops accepting turns, waits for in-flight turns until ctx is
// done, and closes every runtime connection.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closing = true
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.turns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		g.logger.Warn("abandoning in-flight turns", "error", ctx.Err())
	}
	g.cancel()
	return g.registry.CloseAll(ctx)
}

// resume loads a stored session and makes sure its runtime connection is
// open.
func (g *Gateway) resume(ctx context.Context, id string) (*session.Session, error) {
	if err := session.ValidateID(id); err != nil {
		return nil, err
	}
	sess, err := g.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	opts, err := g.sessionOptions(ctx, sess)
	if err != nil {
		return nil, err
	}
	if _, err := g.registry.Resume(ctx, id, opts); err != nil {
		return nil, err
	}
	return sess, nil
}

// sessionOptions returns the connect options of a stored session. Plain chat
// sessions use the registry defaults.
func (g *Gateway) sessionOptions(ctx context.Context, sess *session.Session) (runtime.ConnectOptions, error) {
	if sess.WorkspaceID == "" {
		return runtime.ConnectOptions{}, nil
	}
	ws, err := g.store.GetWorkspace(ctx, sess.WorkspaceID)
	if err != nil {
		return runtime.ConnectOptions{}, err
	}
	return g.workspaceOptions(ws, sess.ExecutionEnvironment)
}

func (g *Gateway) executionDir(env string) (string, error) {
	if err := session.ValidateID(env); err != nil {
		return "", fmt.Errorf("execution environment: %w", err)
	}
	return filepath.Join(g.workspacesRoot, env), nil
}

// workspaceOptions configures a workspace thread: its own working directory
// and a system prompt carrying the workspace's skills.
func (g *Gateway) workspaceOptions(ws *session.Workspace, env string) (runtime.ConnectOptions, error) {
	dir, err := g.executionDir(env)
	if err != nil {
		return runtime.ConnectOptions{}, err
	}
	skills, err := g.skills.Resolve(ws.SkillNames...)
	if err != nil {
		// A deleted skill should not lock users out of the thread
		g.logger.Warn("workspace skill unavailable", "workspace_id", ws.ID, "error", err)
		skills = g.availableSkills(ws.SkillNames)
	}
	return runtime.ConnectOptions{
		WorkDir:      dir,
		SystemPrompt: workspacePrompt(ws, dir, skills),
		AllowedTools: skill.AllowedTools(skills...),
	}, nil
}

func (g *Gateway) availableSkills(names []string) []*skill.Skill {
	var out []*skill.Skill
	for _, name := range names {
		if s, ok := g.skills.GetSkill(name); ok {
			out = append(out, s)
		}
	}
	return out
}

func workspacePrompt(ws *session.Workspace, dir string, skills []*skill.Skill) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are working in a workspace called %q.\n", ws.Name)
	if ws.Description != "" {
		fmt.Fprintf(&b, "%s\n", ws.Description)
	}
	if len(skills) > 0 {
		b.WriteString("\nUse these skills to help the user accomplish their tasks.\n\n")
		b.WriteString(skill.SystemPrompt(skills...))
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\nAlways work within the folder %s and do not work outside of it.", dir)
	return b.String()
}
