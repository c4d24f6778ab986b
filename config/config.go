// Package config loads relay's server configuration from a YAML or JSON file
// and RELAY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/deepnoodle-ai/relay/internal/sqlitedb"
	"github.com/deepnoodle-ai/relay/log"
	"github.com/deepnoodle-ai/relay/runtime"
	"github.com/deepnoodle-ai/relay/workflow"
)

// Config is the complete relay configuration.
type Config struct {
	Server     Server     `yaml:"Server,omitempty" json:"Server,omitempty"`
	Database   Database   `yaml:"Database,omitempty" json:"Database,omitempty"`
	Runtime    Runtime    `yaml:"Runtime,omitempty" json:"Runtime,omitempty"`
	Workspaces Workspaces `yaml:"Workspaces,omitempty" json:"Workspaces,omitempty"`
	Workflows  Workflows  `yaml:"Workflows,omitempty" json:"Workflows,omitempty"`
	Skills     Skills     `yaml:"Skills,omitempty" json:"Skills,omitempty"`
	Log        Log        `yaml:"Log,omitempty" json:"Log,omitempty"`
}

// Server configures the HTTP listener.
type Server struct {
	Addr string `yaml:"Addr,omitempty" json:"Addr,omitempty"`

	// AllowedOrigins lists browser origins accepted by CORS and the
	// WebSocket upgrade. Empty means same-origin only.
	AllowedOrigins []string `yaml:"AllowedOrigins,omitempty" json:"AllowedOrigins,omitempty"`

	ShutdownTimeout Duration `yaml:"ShutdownTimeout,omitempty" json:"ShutdownTimeout,omitempty"`
}

// Database configures the SQLite file shared by sessions and workflow runs.
type Database struct {
	Path         string   `yaml:"Path,omitempty" json:"Path,omitempty"`
	JournalMode  string   `yaml:"JournalMode,omitempty" json:"JournalMode,omitempty"`
	BusyTimeout  Duration `yaml:"BusyTimeout,omitempty" json:"BusyTimeout,omitempty"`
	MaxOpenConns int      `yaml:"MaxOpenConns,omitempty" json:"MaxOpenConns,omitempty"`
}

// Runtime holds the defaults of every agent runtime connection.
type Runtime struct {
	Binary            string            `yaml:"Binary,omitempty" json:"Binary,omitempty"`
	Model             string            `yaml:"Model,omitempty" json:"Model,omitempty"`
	MaxTurns          int               `yaml:"MaxTurns,omitempty" json:"MaxTurns,omitempty"`
	MaxThinkingTokens int               `yaml:"MaxThinkingTokens,omitempty" json:"MaxThinkingTokens,omitempty"`
	PermissionMode    string            `yaml:"PermissionMode,omitempty" json:"PermissionMode,omitempty"`
	WorkDir           string            `yaml:"WorkDir,omitempty" json:"WorkDir,omitempty"`
	Env               map[string]string `yaml:"Env,omitempty" json:"Env,omitempty"`
}

// Workspaces configures where workspace threads execute.
type Workspaces struct {
	Root string `yaml:"Root,omitempty" json:"Root,omitempty"`
}

// Workflows configures one-shot skill runs.
type Workflows struct {
	TempRoot         string   `yaml:"TempRoot,omitempty" json:"TempRoot,omitempty"`
	ArtifactsDir     string   `yaml:"ArtifactsDir,omitempty" json:"ArtifactsDir,omitempty"`
	ArtifactPatterns []string `yaml:"ArtifactPatterns,omitempty" json:"ArtifactPatterns,omitempty"`
	KeepExecDirs     bool     `yaml:"KeepExecDirs,omitempty" json:"KeepExecDirs,omitempty"`
}

// Skills configures skill discovery.
type Skills struct {
	Paths []string `yaml:"Paths,omitempty" json:"Paths,omitempty"`

	// Watch reloads skills when their files change.
	Watch bool `yaml:"Watch,omitempty" json:"Watch,omitempty"`
}

// Log configures the process logger.
type Log struct {
	Level  string `yaml:"Level,omitempty" json:"Level,omitempty"`
	Format string `yaml:"Format,omitempty" json:"Format,omitempty"`
}

// Default values
const (
	DefaultAddr            = ":8000"
	DefaultDatabasePath    = "relay.db"
	DefaultWorkspacesRoot  = "workspaces"
	DefaultArtifactsDir    = "artifacts"
	DefaultPermissionMode  = "bypassPermissions"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "text"
	DefaultShutdownTimeout = 30 * time.Second
)

// Default returns the configuration used when nothing is set.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultAddr
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = Duration(DefaultShutdownTimeout)
	}
	if c.Database.Path == "" {
		c.Database.Path = DefaultDatabasePath
	}
	if c.Runtime.PermissionMode == "" {
		c.Runtime.PermissionMode = DefaultPermissionMode
	}
	if c.Workspaces.Root == "" {
		c.Workspaces.Root = DefaultWorkspacesRoot
	}
	if c.Workflows.ArtifactsDir == "" {
		c.Workflows.ArtifactsDir = DefaultArtifactsDir
	}
	if len(c.Workflows.ArtifactPatterns) == 0 {
		c.Workflows.ArtifactPatterns = append([]string(nil), workflow.DefaultArtifactPatterns...)
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
}

var journalModes = map[string]bool{
	"DELETE": true, "TRUNCATE": true, "PERSIST": true, "MEMORY": true, "WAL": true, "OFF": true,
}

var permissionModes = map[string]bool{
	"default": true, "acceptEdits": true, "bypassPermissions": true, "plan": true,
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("Server.Addr is required"))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("Database.Path is required"))
	}
	if m := c.Database.JournalMode; m != "" && !journalModes[strings.ToUpper(m)] {
		errs = append(errs, fmt.Errorf("Database.JournalMode %q is not a SQLite journal mode", m))
	}
	if c.Database.MaxOpenConns < 0 {
		errs = append(errs, errors.New("Database.MaxOpenConns must not be negative"))
	}
	if c.Runtime.MaxTurns < 0 {
		errs = append(errs, errors.New("Runtime.MaxTurns must not be negative"))
	}
	if c.Runtime.MaxThinkingTokens < 0 {
		errs = append(errs, errors.New("Runtime.MaxThinkingTokens must not be negative"))
	}
	if m := c.Runtime.PermissionMode; m != "" && !permissionModes[m] {
		errs = append(errs, fmt.Errorf("Runtime.PermissionMode %q is not supported", m))
	}
	if err := workflow.ValidatePatterns(c.Workflows.ArtifactPatterns); err != nil {
		errs = append(errs, fmt.Errorf("Workflows.ArtifactPatterns: %w", err))
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("Log.Level %q is not one of debug, info, warn or error", c.Log.Level))
	}
	switch log.Format(strings.ToLower(c.Log.Format)) {
	case "", log.FormatText, log.FormatJSON:
	default:
		errs = append(errs, fmt.Errorf("Log.Format %q is not text or json", c.Log.Format))
	}
	return errors.Join(errs...)
}

// DatabaseOptions converts the Database section for sqlitedb.Open.
func (c *Config) DatabaseOptions() sqlitedb.Options {
	return sqlitedb.Options{
		JournalMode:  strings.ToUpper(c.Database.JournalMode),
		BusyTimeout:  c.Database.BusyTimeout.Std(),
		MaxOpenConns: c.Database.MaxOpenConns,
	}
}

// ConnectDefaults converts the Runtime section to the defaults applied to
// every runtime connection.
func (c *Config) ConnectDefaults() runtime.ConnectOptions {
	return runtime.ConnectOptions{
		WorkDir:           c.Runtime.WorkDir,
		Model:             c.Runtime.Model,
		MaxTurns:          c.Runtime.MaxTurns,
		MaxThinkingTokens: c.Runtime.MaxThinkingTokens,
		PermissionMode:    c.Runtime.PermissionMode,
		Env:               c.Runtime.Env,
	}
}

// Logger builds the process logger described by the Log section.
func (c *Config) Logger() *log.StructuredLogger {
	return log.NewWithOptions(log.Options{
		Level:  log.LevelFromString(c.Log.Level),
		Format: log.Format(strings.ToLower(c.Log.Format)),
	})
}

// Duration is a time.Duration written as a string such as "5s".
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}
