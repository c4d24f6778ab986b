package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "RELAY_"

type envVar struct {
	name  string
	apply func(c *Config, value string) error
}

func setString(dst func(c *Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*dst(c) = v
		return nil
	}
}

func setInt(dst func(c *Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst(c) = n
		return nil
	}
}

func setBool(dst func(c *Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst(c) = b
		return nil
	}
}

func splitList(v, sep string) []string {
	var out []string
	for _, s := range strings.Split(v, sep) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

var envVars = []envVar{
	{"ADDR", setString(func(c *Config) *string { return &c.Server.Addr })},
	{"ALLOWED_ORIGINS", func(c *Config, v string) error {
		c.Server.AllowedOrigins = splitList(v, ",")
		return nil
	}},
	{"SHUTDOWN_TIMEOUT", func(c *Config, v string) error {
		return c.Server.ShutdownTimeout.UnmarshalText([]byte(v))
	}},
	{"DB_PATH", setString(func(c *Config) *string { return &c.Database.Path })},
	{"DB_JOURNAL_MODE", setString(func(c *Config) *string { return &c.Database.JournalMode })},
	{"DB_BUSY_TIMEOUT", func(c *Config, v string) error {
		return c.Database.BusyTimeout.UnmarshalText([]byte(v))
	}},
	{"DB_MAX_OPEN_CONNS", setInt(func(c *Config) *int { return &c.Database.MaxOpenConns })},
	{"CLAUDE_BINARY", setString(func(c *Config) *string { return &c.Runtime.Binary })},
	{"MODEL", setString(func(c *Config) *string { return &c.Runtime.Model })},
	{"MAX_TURNS", setInt(func(c *Config) *int { return &c.Runtime.MaxTurns })},
	{"MAX_THINKING_TOKENS", setInt(func(c *Config) *int { return &c.Runtime.MaxThinkingTokens })},
	{"PERMISSION_MODE", setString(func(c *Config) *string { return &c.Runtime.PermissionMode })},
	{"WORK_DIR", setString(func(c *Config) *string { return &c.Runtime.WorkDir })},
	{"WORKSPACES_ROOT", setString(func(c *Config) *string { return &c.Workspaces.Root })},
	{"WORKFLOWS_TEMP_ROOT", setString(func(c *Config) *string { return &c.Workflows.TempRoot })},
	{"ARTIFACTS_DIR", setString(func(c *Config) *string { return &c.Workflows.ArtifactsDir })},
	{"ARTIFACT_PATTERNS", func(c *Config, v string) error {
		c.Workflows.ArtifactPatterns = splitList(v, ",")
		return nil
	}},
	{"SKILLS_PATHS", func(c *Config, v string) error {
		c.Skills.Paths = splitList(v, string(filepath.ListSeparator))
		return nil
	}},
	{"SKILLS_WATCH", setBool(func(c *Config) *bool { return &c.Skills.Watch })},
	{"LOG_LEVEL", setString(func(c *Config) *string { return &c.Log.Level })},
	{"LOG_FORMAT", setString(func(c *Config) *string { return &c.Log.Format })},
}

// EnvNames lists every recognized environment variable.
func EnvNames() []string {
	names := make([]string, len(envVars))
	for i, v := range envVars {
		names[i] = EnvPrefix + v.name
	}
	return names
}

// ApplyEnv overrides fields from environment variables found by lookup,
// usually os.LookupEnv. Empty values are ignored.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	for _, v := range envVars {
		value, ok := lookup(EnvPrefix + v.name)
		if !ok || value == "" {
			continue
		}
		if err := v.apply(c, value); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, v.name, err)
		}
	}
	return nil
}
