// Package replay mirrors the agent runtime's local replay logs into the
// session store so a session can be resumed on a host that has never seen
// it.
//
// The runtime keeps one JSONL file per session under
// <home>/.claude/projects/<encoded working dir>/<session id>.jsonl. The store
// copy is authoritative: Restore overwrites the local file from it, and
// Persist replaces it from the local file.
package replay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/deepnoodle-ai/relay/log"
	"github.com/deepnoodle-ai/relay/session"
)

// ErrNoReplayLog is returned by NewestSessionID when the project directory
// holds no replay logs.
var ErrNoReplayLog = errors.New("no replay log found")

const maxLineSize = 64 * 1024 * 1024

// MirrorIOError reports a failure reading or writing a local replay log.
type MirrorIOError struct {
	SessionID string
	Path      string
	Op        string
	Err       error
}

func (e *MirrorIOError) Error() string {
	return fmt.Sprintf("replay %s %s (session %s): %v", e.Op, e.Path, e.SessionID, e.Err)
}

func (e *MirrorIOError) Unwrap() error {
	return e.Err
}

// LineStore is the part of session.Store a Mirror needs.
type LineStore interface {
	ReplayLines(ctx context.Context, id string) ([]string, error)
	ReplaceReplayLines(ctx context.Context, id string, lines []string) error
}

// Options configures a Mirror.
type Options struct {
	// HomeDir defaults to the current user's home directory.
	HomeDir string

	// WorkDir is the runtime's working directory. Defaults to the current
	// directory.
	WorkDir string

	Logger log.Logger
}

// Mirror syncs the replay logs of one runtime working directory.
type Mirror struct {
	store  LineStore
	dir    string
	logger log.Logger
}

// EncodeProjectName returns the directory name the runtime uses for a
// working directory: path separators become dashes, and the leading dash of
// an absolute path is kept.
func EncodeProjectName(workDir string) string {
	name := strings.ReplaceAll(workDir, string(os.PathSeparator), "-")
	if os.PathSeparator != '/' {
		name = strings.ReplaceAll(name, "/", "-")
	}
	return name
}

// ProjectDir returns the replay log directory for a working directory.
func ProjectDir(homeDir, workDir string) string {
	return filepath.Join(homeDir, ".claude", "projects", EncodeProjectName(workDir))
}

func resolveDirs(homeDir, workDir string) (string, string, error) {
	if homeDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", "", fmt.Errorf("resolving home directory: %w", err)
		}
		homeDir = home
	}
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", "", fmt.Errorf("resolving working directory: %w", err)
		}
		workDir = wd
	}
	abs, err := filepath.Abs(workDir)
	if err != nil {
		return "", "", fmt.Errorf("resolving working directory: %w", err)
	}
	return homeDir, abs, nil
}

// New returns a Mirror for opts.WorkDir backed by store.
func New(store LineStore, opts Options) (*Mirror, error) {
	homeDir, workDir, err := resolveDirs(opts.HomeDir, opts.WorkDir)
	if err != nil {
		return nil, err
	}
	return &Mirror{
		store:  store,
		dir:    ProjectDir(homeDir, workDir),
		logger: log.OrNull(opts.Logger),
	}, nil
}

// Dir returns the project directory holding the replay logs.
func (m *Mirror) Dir() string {
	return m.dir
}

// Path returns the local replay log path for a session.
func (m *Mirror) Path(sessionID string) (string, error) {
	if err := session.ValidateID(sessionID); err != nil {
		return "", err
	}
	return filepath.Join(m.dir, sessionID+".jsonl"), nil
}

// Restore overwrites the local replay log with the stored lines. It does
// nothing when the store holds no lines for the session.
func (m *Mirror) Restore(ctx context.Context, sessionID string) error {
	path, err := m.Path(sessionID)
	if err != nil {
		return err
	}
	lines, err := m.store.ReplayLines(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("loading replay lines: %w", err)
	}
	if len(lines) == 0 {
		m.logger.Debug("no stored replay lines", "session_id", sessionID)
		return nil
	}
	if err := writeLines(path, lines); err != nil {
		return &MirrorIOError{SessionID: sessionID, Path: path, Op: "write", Err: err}
	}
	m.logger.Debug("restored replay log", "session_id", sessionID, "lines", len(lines), "path", path)
	return nil
}

// Persist replaces the stored lines with the non-empty lines of the local
// replay log. It does nothing when the local log is missing or empty.
func (m *Mirror) Persist(ctx context.Context, sessionID string) error {
	path, err := m.Path(sessionID)
	if err != nil {
		return err
	}
	lines, err := readLines(path)
	if errors.Is(err, fs.ErrNotExist) {
		m.logger.Debug("no local replay log", "session_id", sessionID, "path", path)
		return nil
	}
	if err != nil {
		return &MirrorIOError{SessionID: sessionID, Path: path, Op: "read", Err: err}
	}
	if len(lines) == 0 {
		return nil
	}
	if err := m.store.ReplaceReplayLines(ctx, sessionID, lines); err != nil {
		return fmt.Errorf("storing replay lines: %w", err)
	}
	m.logger.Debug("persisted replay log", "session_id", sessionID, "lines", len(lines))
	return nil
}

// ReadLocal returns the non-empty lines of the local replay log.
func (m *Mirror) ReadLocal(sessionID string) ([]string, error) {
	path, err := m.Path(sessionID)
	if err != nil {
		return nil, err
	}
	lines, err := readLines(path)
	if err != nil {
		return nil, &MirrorIOError{SessionID: sessionID, Path: path, Op: "read", Err: err}
	}
	return lines, nil
}

// NewestSessionID returns the session id of the most recently modified
// replay log in the project directory.
//
// This is a fallback for runtimes that never report the id of a fresh
// session. It races with any other session started in the same working
// directory at the same time.
func (m *Mirror) NewestSessionID() (string, error) {
	entries, err := os.ReadDir(m.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return "", ErrNoReplayLog
	}
	if err != nil {
		return "", &MirrorIOError{Path: m.dir, Op: "list", Err: err}
	}
	var (
		newest   string
		newestAt int64
	)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".jsonl" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if mod := info.ModTime().UnixNano(); newest == "" || mod > newestAt {
			newest, newestAt = strings.TrimSuffix(name, ".jsonl"), mod
		}
	}
	if newest == "" {
		return "", ErrNoReplayLog
	}
	return newest, nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, scanner.Err()
}

// writeLines replaces the file at path with lines, via a temp file and
// rename so a reader never sees a partial log.
func writeLines(path string, lines []string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".replay-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	for _, line := range lines {
		w.WriteString(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Mirrors hands out one Mirror per runtime working directory.
type Mirrors struct {
	store   LineStore
	homeDir string
	logger  log.Logger

	mu    sync.Mutex
	byDir map[string]*Mirror
}

// NewMirrors returns a Mirrors backed by store. An empty homeDir means the
// current user's home directory.
func NewMirrors(store LineStore, homeDir string, logger log.Logger) *Mirrors {
	return &Mirrors{
		store:   store,
		homeDir: homeDir,
		logger:  log.OrNull(logger),
		byDir:   make(map[string]*Mirror),
	}
}

// For returns the Mirror for workDir.
func (m *Mirrors) For(workDir string) (*Mirror, error) {
	homeDir, abs, err := resolveDirs(m.homeDir, workDir)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if mirror, ok := m.byDir[abs]; ok {
		return mirror, nil
	}
	mirror, err := New(m.store, Options{HomeDir: homeDir, WorkDir: abs, Logger: m.logger})
	if err != nil {
		return nil, err
	}
	m.byDir[abs] = mirror
	return mirror, nil
}
