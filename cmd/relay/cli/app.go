package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"github.com/deepnoodle-ai/relay/config"
	"github.com/deepnoodle-ai/relay/internal/sqlitedb"
	"github.com/deepnoodle-ai/relay/log"
	"github.com/deepnoodle-ai/relay/session"
	"github.com/deepnoodle-ai/relay/workflow"
)

// app holds the stores shared by every command. Sessions and workflow runs
// live in one SQLite file.
type app struct {
	cfg      *config.Config
	logger   log.Logger
	db       *sql.DB
	sessions *session.SQLiteStore
	runs     *workflow.SQLiteRunStore
}

type openMode int

const (
	openExisting openMode = iota
	openOrCreate
)

func openApp(ctx context.Context, cfg *config.Config, mode openMode) (*app, error) {
	path := cfg.Database.Path
	if mode == openExisting {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("database not found: %s\nRun 'relay serve' to create it", path)
		}
	}
	db, err := sqlitedb.Open(ctx, path, cfg.DatabaseOptions())
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: cfg.Logger(), db: db}
	if a.sessions, err = session.NewSQLiteStoreFromDB(ctx, db, session.SQLiteStoreOptions{}); err != nil {
		db.Close()
		return nil, err
	}
	if a.runs, err = workflow.NewSQLiteRunStoreFromDB(ctx, db, workflow.SQLiteRunStoreOptions{}); err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) Close() error {
	return a.db.Close()
}
