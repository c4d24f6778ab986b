package workflow

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/deepnoodle-ai/relay/llm"
	"github.com/deepnoodle-ai/relay/log"
	"github.com/deepnoodle-ai/relay/retry"
	"github.com/deepnoodle-ai/relay/runtime"
	"github.com/deepnoodle-ai/relay/skill"
	"github.com/deepnoodle-ai/relay/stream"
)

// UpdateKind identifies an Update.
type UpdateKind string

const (
	// UpdateStart is always the first update and carries the run id.
	UpdateStart UpdateKind = "start"

	// UpdateEvent carries one content event of the turn.
	UpdateEvent UpdateKind = "event"

	// UpdateComplete is terminal and carries the artifact paths.
	UpdateComplete UpdateKind = "complete"

	// UpdateError is terminal and carries the failure.
	UpdateError UpdateKind = "error"
)

// Update is one step of a run as seen by the client.
type Update struct {
	Kind          UpdateKind
	RunID         string
	Event         stream.Event
	ArtifactPaths []string
	Err           error
}

// Emitter receives updates in order. An error means the client is gone: the
// run continues and is still finalized, but no further updates are sent.
type Emitter func(Update) error

// SkillSource looks up skills by name. *skill.Loader implements it.
type SkillSource interface {
	GetSkill(name string) (*skill.Skill, bool)
}

// Request asks for one run.
type Request struct {
	SkillName string
	UserInput string
}

// RunnerOptions configures a Runner.
type RunnerOptions struct {
	Runtime runtime.Runtime
	Store   RunStore
	Skills  SkillSource

	// TempRoot holds one execution directory per run. Defaults to
	// os.TempDir()/relay-runs.
	TempRoot string

	// ArtifactsDir receives <run id>/<file> copies. Defaults to "artifacts".
	ArtifactsDir string

	// ArtifactPatterns defaults to DefaultArtifactPatterns.
	ArtifactPatterns []string

	// Defaults are applied to every connection. WorkDir and Resume are
	// always overridden.
	Defaults runtime.ConnectOptions

	// KeepExecutionDirs leaves execution directories in place after a run.
	KeepExecutionDirs bool

	ConnectAttempts int           // Defaults to 3
	ConnectBackoff  time.Duration // Defaults to 500ms

	Logger log.Logger
}

// Runner executes workflow runs. It is safe for concurrent use; every run has
// its own connection and directory.
type Runner struct {
	opts   RunnerOptions
	logger log.Logger
	newID  func() string
	now    func() time.Time
}

// NewRunner validates opts and returns a Runner.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Runtime == nil {
		return nil, fmt.Errorf("runtime is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("run store is required")
	}
	if opts.Skills == nil {
		return nil, fmt.Errorf("skill source is required")
	}
	if opts.TempRoot == "" {
		opts.TempRoot = filepath.Join(os.TempDir(), "relay-runs")
	}
	if opts.ArtifactsDir == "" {
		opts.ArtifactsDir = "artifacts"
	}
	if len(opts.ArtifactPatterns) == 0 {
		opts.ArtifactPatterns = DefaultArtifactPatterns
	}
	if err := ValidatePatterns(opts.ArtifactPatterns); err != nil {
		return nil, err
	}
	if opts.ConnectAttempts <= 0 {
		opts.ConnectAttempts = 3
	}
	if opts.ConnectBackoff <= 0 {
		opts.ConnectBackoff = 500 * time.Millisecond
	}
	return &Runner{
		opts:   opts,
		logger: log.OrNull(opts.Logger),
		newID:  uuid.NewString,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Store returns the runner's run store.
func (r *Runner) Store() RunStore {
	return r.opts.Store
}

// FormatPrompt builds the prompt sent for a run.
func FormatPrompt(userInput, skillName string) string {
	return fmt.Sprintf("%s\n\nskill = %s", userInput, skillName)
}

// Execute performs one run, reporting progress to emit. The returned run is
// the finalized record. The error is non-nil when the run failed, or when the
// run could not be recorded at all, in which case the run is nil.
func (r *Runner) Execute(ctx context.Context, req Request, emit Emitter) (*Run, error) {
	run := &Run{
		ID:        r.newID(),
		SkillName: req.SkillName,
		UserInput: req.UserInput,
		Status:    StatusRunning,
		CreatedAt: r.now(),
	}
	if err := r.opts.Store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create workflow run: %w", err)
	}
	logger := log.Ctx(ctx, r.logger).With("run_id", run.ID, "skill", run.SkillName)
	logger.Info("workflow run started")

	out := &relay{emit: emit, logger: logger}
	out.send(Update{Kind: UpdateStart, RunID: run.ID})

	// Finalization must happen even if the client went away.
	finishCtx := context.WithoutCancel(ctx)

	s, ok := r.opts.Skills.GetSkill(req.SkillName)
	if !ok {
		err := fmt.Errorf("%w: %q", ErrSkillNotFound, req.SkillName)
		return r.fail(finishCtx, run, nil, err, out, logger)
	}

	blocks, err := r.execute(ctx, run, s, out, logger)
	if err != nil {
		return r.fail(finishCtx, run, blocks, err, out, logger)
	}

	dir := r.executionDir(run.ID)
	paths, err := CollectArtifacts(dir, filepath.Join(r.opts.ArtifactsDir, run.ID), r.opts.ArtifactPatterns)
	if err != nil {
		logger.Warn("failed to collect some artifacts", "error", err)
	}
	if paths == nil {
		paths = []string{}
	}
	r.cleanup(dir, logger)

	outcome := Outcome{
		Status:        StatusCompleted,
		ExecutionLog:  blocksOrEmpty(blocks),
		ArtifactPaths: paths,
		CompletedAt:   r.now(),
	}
	if err := r.opts.Store.FinishRun(finishCtx, run.ID, outcome); err != nil {
		return r.fail(finishCtx, run, blocks, fmt.Errorf("failed to record run completion: %w", err), out, logger)
	}
	applyOutcome(run, outcome)
	logger.Info("workflow run completed", "artifacts", len(paths))
	out.send(Update{Kind: UpdateComplete, RunID: run.ID, ArtifactPaths: paths})
	return run, nil
}

func (r *Runner) executionDir(runID string) string {
	return filepath.Join(r.opts.TempRoot, runID)
}

func (r *Runner) cleanup(dir string, logger log.Logger) {
	if r.opts.KeepExecutionDirs {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		logger.Warn("failed to remove execution dir", "dir", dir, "error", err)
	}
}

// execute runs the single turn and returns the folded content.
func (r *Runner) execute(ctx context.Context, run *Run, s *skill.Skill, out *relay, logger log.Logger) ([]llm.ContentBlock, error) {
	dir := r.executionDir(run.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create execution dir: %w", err)
	}

	conn, err := r.connect(ctx, r.connectOptions(dir, s), logger)
	if err != nil {
		r.cleanup(dir, logger)
		return nil, fmt.Errorf("failed to connect to runtime: %w", err)
	}
	defer conn.Close()

	events, err := conn.Send(ctx, FormatPrompt(run.UserInput, s.Name))
	if err != nil {
		r.cleanup(dir, logger)
		return nil, fmt.Errorf("failed to send prompt: %w", err)
	}

	var (
		acc       stream.Accumulator
		streamErr error
		finished  bool
	)
	for ev := range events {
		acc.Add(ev)
		switch {
		case ev.Kind.IsContent():
			out.send(Update{Kind: UpdateEvent, RunID: run.ID, Event: ev})
		case ev.Kind == stream.KindError:
			if streamErr == nil {
				streamErr = ev.Err
			}
			finished = true
		case ev.Kind == stream.KindResult:
			finished = true
		}
	}
	blocks := acc.Blocks()
	if streamErr == nil && !finished {
		streamErr = ctx.Err()
		if streamErr == nil {
			streamErr = &runtime.StreamError{SessionID: conn.SessionID(), Message: "stream ended without a result"}
		}
	}
	if streamErr != nil {
		r.cleanup(dir, logger)
		return blocks, streamErr
	}
	return blocks, nil
}

func (r *Runner) connectOptions(dir string, s *skill.Skill) runtime.ConnectOptions {
	opts := r.opts.Defaults
	opts.WorkDir = dir
	opts.Resume = ""
	opts.SystemPrompt = joinPrompts(opts.SystemPrompt, skill.SystemPrompt(s))
	if tools := skill.AllowedTools(s); len(tools) > 0 {
		opts.AllowedTools = tools
	}
	opts.Env = maps.Clone(opts.Env)
	return opts
}

func (r *Runner) connect(ctx context.Context, opts runtime.ConnectOptions, logger log.Logger) (runtime.Conn, error) {
	var conn runtime.Conn
	err := retry.Do(ctx, func() error {
		c, err := r.opts.Runtime.Connect(ctx, opts)
		if err != nil {
			return err
		}
		conn = c
		return nil
	},
		retry.WithMaxRetries(r.opts.ConnectAttempts),
		retry.WithBaseWait(r.opts.ConnectBackoff),
		retry.OnRetry(func(attempt int, err error) {
			logger.Warn("retrying runtime connect", "attempt", attempt, "error", err)
		}),
	)
	return conn, err
}

func (r *Runner) fail(ctx context.Context, run *Run, blocks []llm.ContentBlock, cause error, out *relay, logger log.Logger) (*Run, error) {
	outcome := Outcome{
		Status:        StatusFailed,
		ExecutionLog:  blocksOrEmpty(blocks),
		ArtifactPaths: []string{},
		Error:         cause.Error(),
		CompletedAt:   r.now(),
	}
	if err := r.opts.Store.FinishRun(ctx, run.ID, outcome); err != nil && !errors.Is(err, ErrRunFinalized) {
		logger.Error("failed to record run failure", "error", err)
	}
	applyOutcome(run, outcome)
	logger.Warn("workflow run failed", "error", cause)
	out.send(Update{Kind: UpdateError, RunID: run.ID, Err: cause})
	return run, cause
}

func applyOutcome(run *Run, outcome Outcome) {
	completed := outcome.CompletedAt
	run.Status = outcome.Status
	run.ExecutionLog = outcome.ExecutionLog
	run.ArtifactPaths = outcome.ArtifactPaths
	run.Error = outcome.Error
	run.CompletedAt = &completed
}

func joinPrompts(parts ...string) string {
	var nonEmpty []string
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, "\n\n")
}

// relay forwards updates until the emitter fails once.
type relay struct {
	emit     Emitter
	logger   log.Logger
	detached bool
}

func (o *relay) send(u Update) {
	if o.detached || o.emit == nil {
		return
	}
	if err := o.emit(u); err != nil {
		o.detached = true
		o.logger.Info("client detached from workflow run", "error", err)
	}
}
