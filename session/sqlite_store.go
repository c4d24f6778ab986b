package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/deepnoodle-ai/relay/internal/sqlitedb"
	"github.com/deepnoodle-ai/relay/llm"
)

// SQLiteStoreOptions configures a SQLiteStore.
type SQLiteStoreOptions struct {
	DB           sqlitedb.Options
	QueryTimeout time.Duration // Defaults to 30s
}

// SQLiteStore implements Store on a SQLite database.
type SQLiteStore struct {
	db           *sql.DB
	ownsDB       bool
	queryTimeout time.Duration
}

var sessionSchema = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		workspace_id TEXT,
		execution_environment TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		message_count INTEGER NOT NULL DEFAULT 0,
		metadata JSON NOT NULL DEFAULT '{}',
		is_active INTEGER NOT NULL DEFAULT 1,
		total_cost_usd REAL NOT NULL DEFAULT 0,
		total_input_tokens INTEGER NOT NULL DEFAULT 0,
		total_output_tokens INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(is_active, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_workspace ON sessions(workspace_id) WHERE workspace_id IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS messages (
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		sequence INTEGER NOT NULL,
		role TEXT NOT NULL,
		content_blocks JSON NOT NULL,
		created_at DATETIME NOT NULL,
		duration_ms INTEGER,
		cost_usd REAL,
		input_tokens INTEGER,
		output_tokens INTEGER,
		UNIQUE(session_id, sequence)
	)`,
	`CREATE TABLE IF NOT EXISTS replay_lines (
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		line_number INTEGER NOT NULL,
		line TEXT NOT NULL,
		PRIMARY KEY(session_id, line_number)
	)`,
	`CREATE TABLE IF NOT EXISTS workspaces (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		skill_names JSON NOT NULL DEFAULT '[]',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
}

// NewSQLiteStore opens the database at path and creates the schema.
func NewSQLiteStore(ctx context.Context, path string, opts SQLiteStoreOptions) (*SQLiteStore, error) {
	db, err := sqlitedb.Open(ctx, path, opts.DB)
	if err != nil {
		return nil, err
	}
	s, err := NewSQLiteStoreFromDB(ctx, db, opts)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// NewSQLiteStoreFromDB creates the schema on an already open database. The
// caller keeps ownership of db.
func NewSQLiteStoreFromDB(ctx context.Context, db *sql.DB, opts SQLiteStoreOptions) (*SQLiteStore, error) {
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = 30 * time.Second
	}
	s := &SQLiteStore{db: db, queryTimeout: opts.QueryTimeout}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := sqlitedb.Migrate(ctx, db, sessionSchema...); err != nil {
		return nil, fmt.Errorf("failed to create session schema: %w", err)
	}
	return s, nil
}

// Close closes the database if the store opened it.
func (s *SQLiteStore) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.queryTimeout)
}

const sessionColumns = `id, workspace_id, execution_environment, created_at, updated_at,
	message_count, metadata, is_active, total_cost_usd, total_input_tokens, total_output_tokens`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		sess                      Session
		workspaceID, executionEnv sql.NullString
		metadata                  string
		isActive                  int
	)
	err := row.Scan(&sess.ID, &workspaceID, &executionEnv, &sess.CreatedAt, &sess.UpdatedAt,
		&sess.MessageCount, &metadata, &isActive, &sess.TotalCostUSD,
		&sess.TotalInputTokens, &sess.TotalOutputTokens)
	if err != nil {
		return nil, err
	}
	sess.WorkspaceID = workspaceID.String
	sess.ExecutionEnvironment = executionEnv.String
	sess.IsActive = isActive != 0
	if err := json.Unmarshal([]byte(metadata), &sess.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode session metadata: %w", err)
	}
	return &sess, nil
}

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *Session) (*Session, error) {
	if err := ValidateID(sess.ID); err != nil {
		return nil, err
	}
	cp := sess.Copy()
	now := time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = cp.CreatedAt
	}
	metadata, err := json.Marshal(cp.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session metadata: %w", err)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err = s.db.ExecContext(ctx, `INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, sqlitedb.NullString(cp.WorkspaceID), sqlitedb.NullString(cp.ExecutionEnvironment),
		cp.CreatedAt.UTC(), cp.UpdatedAt.UTC(), cp.MessageCount, string(metadata), boolInt(cp.IsActive),
		cp.TotalCostUSD, cp.TotalInputTokens, cp.TotalOutputTokens)
	if err != nil {
		if sqlitedb.IsUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateSession, cp.ID)
		}
		return nil, fmt.Errorf("failed to insert session: %w", err)
	}
	return cp, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) UpdateMetadata(ctx context.Context, id string, metadata Metadata) error {
	data, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to encode session metadata: %w", err)
	}
	return s.updateSession(ctx, `UPDATE sessions SET metadata = ?, updated_at = ? WHERE id = ?`,
		string(data), time.Now().UTC(), id)
}

func (s *SQLiteStore) ListSessions(ctx context.Context, opts *ListOptions) ([]*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE is_active = 1`
	var args []any
	if workspaceID := opts.workspaceID(); workspaceID != "" {
		query += ` AND workspace_id = ?`
		args = append(args, workspaceID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, opts.limit(), opts.offset())

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []*Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete session: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) error {
	if err := validateMessage(msg); err != nil {
		return err
	}
	blocks := msg.ContentBlocks
	if blocks == nil {
		blocks = []llm.ContentBlock{}
	}
	data, err := json.Marshal(blocks)
	if err != nil {
		return fmt.Errorf("failed to encode content blocks: %w", err)
	}
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err = s.db.ExecContext(ctx, `INSERT INTO messages
		(session_id, sequence, role, content_blocks, created_at, duration_ms, cost_usd, input_tokens, output_tokens)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.SessionID, msg.Sequence, string(msg.Role), string(data), createdAt.UTC(),
		nullable(msg.DurationMS), nullable(msg.CostUSD), nullable(msg.InputTokens), nullable(msg.OutputTokens))
	switch {
	case err == nil:
		return nil
	case sqlitedb.IsUniqueViolation(err):
		return fmt.Errorf("%w: session %s sequence %d", ErrSequenceConflict, msg.SessionID, msg.Sequence)
	case sqlitedb.IsForeignKeyViolation(err):
		return ErrSessionNotFound
	default:
		return fmt.Errorf("failed to insert message: %w", err)
	}
}

func (s *SQLiteStore) Messages(ctx context.Context, id string) ([]*Message, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `SELECT session_id, sequence, role, content_blocks, created_at,
		duration_ms, cost_usd, input_tokens, output_tokens
		FROM messages WHERE session_id = ? ORDER BY sequence ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	messages := []*Message{}
	for rows.Next() {
		var (
			msg          Message
			role, blocks string
			durationMS   sql.NullInt64
			costUSD      sql.NullFloat64
			inputTokens  sql.NullInt64
			outputTokens sql.NullInt64
		)
		if err := rows.Scan(&msg.SessionID, &msg.Sequence, &role, &blocks, &msg.CreatedAt,
			&durationMS, &costUSD, &inputTokens, &outputTokens); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Role = llm.Role(role)
		if err := json.Unmarshal([]byte(blocks), &msg.ContentBlocks); err != nil {
			return nil, fmt.Errorf("failed to decode content blocks: %w", err)
		}
		if durationMS.Valid {
			msg.DurationMS = &durationMS.Int64
		}
		if costUSD.Valid {
			msg.CostUSD = &costUSD.Float64
		}
		if inputTokens.Valid {
			v := int(inputTokens.Int64)
			msg.InputTokens = &v
		}
		if outputTokens.Valid {
			v := int(outputTokens.Int64)
			msg.OutputTokens = &v
		}
		messages = append(messages, &msg)
	}
	return messages, rows.Err()
}

func (s *SQLiteStore) NextSequence(ctx context.Context, id string) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var maxSeq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM messages WHERE session_id = ?`, id).Scan(&maxSeq)
	if err != nil {
		return 0, fmt.Errorf("failed to query next sequence: %w", err)
	}
	if !maxSeq.Valid {
		return 0, nil
	}
	return int(maxSeq.Int64) + 1, nil
}

func (s *SQLiteStore) IncrementMessageCount(ctx context.Context, id string) error {
	return s.updateSession(ctx, `UPDATE sessions SET message_count = message_count + 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id)
}

func (s *SQLiteStore) AddUsage(ctx context.Context, id string, costUSD float64, inputTokens, outputTokens int) error {
	return s.updateSession(ctx, `UPDATE sessions SET
		total_cost_usd = ?,
		total_input_tokens = total_input_tokens + ?,
		total_output_tokens = total_output_tokens + ?,
		updated_at = ?
		WHERE id = ?`,
		costUSD, inputTokens, outputTokens, time.Now().UTC(), id)
}

func (s *SQLiteStore) updateSession(ctx context.Context, query string, args ...any) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *SQLiteStore) ReplayLines(ctx context.Context, id string) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx,
		`SELECT line FROM replay_lines WHERE session_id = ? ORDER BY line_number ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query replay lines: %w", err)
	}
	defer rows.Close()

	var lines []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, fmt.Errorf("failed to scan replay line: %w", err)
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

func (s *SQLiteStore) ReplaceReplayLines(ctx context.Context, id string, lines []string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check session: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM replay_lines WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("failed to clear replay lines: %w", err)
	}
	if len(lines) > 0 {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO replay_lines (session_id, line_number, line) VALUES (?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare replay insert: %w", err)
		}
		defer stmt.Close()
		for i, line := range lines {
			if _, err := stmt.ExecContext(ctx, id, i, line); err != nil {
				return fmt.Errorf("failed to insert replay line %d: %w", i, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit replay lines: %w", err)
	}
	return nil
}

//// Workspaces ////////////////////////////////////////////////////////////////

const workspaceColumns = `id, name, description, skill_names, created_at, updated_at`

func scanWorkspace(row rowScanner) (*Workspace, error) {
	var (
		ws     Workspace
		skills string
	)
	if err := row.Scan(&ws.ID, &ws.Name, &ws.Description, &skills, &ws.CreatedAt, &ws.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(skills), &ws.SkillNames); err != nil {
		return nil, fmt.Errorf("failed to decode workspace skills: %w", err)
	}
	return &ws, nil
}

func encodeSkillNames(names []string) (string, error) {
	if names == nil {
		names = []string{}
	}
	data, err := json.Marshal(names)
	return string(data), err
}

func (s *SQLiteStore) CreateWorkspace(ctx context.Context, ws *Workspace) (*Workspace, error) {
	if err := ValidateID(ws.ID); err != nil {
		return nil, err
	}
	cp := ws.Copy()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cp.UpdatedAt = cp.CreatedAt
	skills, err := encodeSkillNames(cp.SkillNames)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err = s.db.ExecContext(ctx, `INSERT INTO workspaces (`+workspaceColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.Name, cp.Description, skills, cp.CreatedAt.UTC(), cp.UpdatedAt.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to insert workspace: %w", err)
	}
	return cp, nil
}

func (s *SQLiteStore) GetWorkspace(ctx context.Context, id string) (*Workspace, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	ws, err := scanWorkspace(s.db.QueryRowContext(ctx,
		`SELECT `+workspaceColumns+` FROM workspaces WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWorkspaceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workspace: %w", err)
	}
	return ws, nil
}

func (s *SQLiteStore) ListWorkspaces(ctx context.Context, limit, offset int) ([]*Workspace, error) {
	opts := &ListOptions{Limit: limit, Offset: offset}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `SELECT `+workspaceColumns+` FROM workspaces
		ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, opts.limit(), opts.offset())
	if err != nil {
		return nil, fmt.Errorf("failed to list workspaces: %w", err)
	}
	defer rows.Close()
	workspaces := []*Workspace{}
	for rows.Next() {
		ws, err := scanWorkspace(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workspace: %w", err)
		}
		workspaces = append(workspaces, ws)
	}
	return workspaces, rows.Err()
}

func (s *SQLiteStore) UpdateWorkspace(ctx context.Context, ws *Workspace) error {
	skills, err := encodeSkillNames(ws.SkillNames)
	if err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	result, err := s.db.ExecContext(ctx, `UPDATE workspaces
		SET name = ?, description = ?, skill_names = ?, updated_at = ? WHERE id = ?`,
		ws.Name, ws.Description, skills, time.Now().UTC(), ws.ID)
	if err != nil {
		return fmt.Errorf("failed to update workspace: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrWorkspaceNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteWorkspace(ctx context.Context, id string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	result, err := s.db.ExecContext(ctx, `DELETE FROM workspaces WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete workspace: %w", err)
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable[T any](v *T) any {
	if v == nil {
		return nil
	}
	return *v
}

var _ Store = (*SQLiteStore)(nil)
var _ Store = (*MemoryStore)(nil)
