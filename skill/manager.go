package skill

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/goccy/go-yaml"
)

var (
	ErrSkillNotFound = errors.New("skill not found")
	ErrSkillExists   = errors.New("skill already exists")
	ErrInvalidName   = errors.New("invalid skill name")

	// ErrNotManaged is returned when changing a skill loaded from outside
	// the managed directory.
	ErrNotManaged = errors.New("skill is not in the managed directory")
)

var validName = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// Marshal renders the skill as SKILL.md content.
func (s *Skill) Marshal() ([]byte, error) {
	frontmatter, err := yaml.Marshal(SkillConfig{
		Name:         s.Name,
		Description:  s.Description,
		AllowedTools: s.AllowedTools,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding skill frontmatter: %w", err)
	}
	var b bytes.Buffer
	b.WriteString("---\n")
	b.Write(frontmatter)
	b.WriteString("---\n")
	if s.Instructions != "" {
		b.WriteString("\n")
		b.WriteString(strings.TrimSpace(s.Instructions))
		b.WriteString("\n")
	}
	return b.Bytes(), nil
}

// Patch lists the skill fields to change. Nil fields are left alone.
type Patch struct {
	Description  *string
	Instructions *string
	AllowedTools *[]string
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return p.Description == nil && p.Instructions == nil && p.AllowedTools == nil
}

// Manager creates, edits and deletes skills as <dir>/<name>/SKILL.md files
// and reloads its Loader after every change. A running Watcher on the same
// directory reloads too, which is harmless.
type Manager struct {
	loader *Loader
	dir    string

	mu sync.Mutex
}

// NewManager returns a Manager writing into the loader's first search path.
func NewManager(loader *Loader) (*Manager, error) {
	paths := loader.SearchPaths()
	if len(paths) == 0 {
		return nil, errors.New("skill manager: no skill path configured")
	}
	dir, err := filepath.Abs(paths[0])
	if err != nil {
		return nil, fmt.Errorf("resolving skill path: %w", err)
	}
	return &Manager{loader: loader, dir: dir}, nil
}

// Dir returns the managed directory.
func (m *Manager) Dir() string {
	return m.dir
}

// Create writes a new skill. Names are unique across all search paths.
func (m *Manager) Create(s *Skill) (*Skill, error) {
	name := strings.TrimSpace(s.Name)
	if !validName.MatchString(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, s.Name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.loader.GetSkill(name); ok {
		return nil, fmt.Errorf("%w: %s", ErrSkillExists, name)
	}
	path := filepath.Join(m.dir, name, "SKILL.md")
	if _, err := os.Stat(path); err == nil {
		// Present on disk but unparsable, so not loaded
		return nil, fmt.Errorf("%w: %s", ErrSkillExists, name)
	}
	created := *s
	created.Name = name
	if err := writeSkill(path, &created); err != nil {
		return nil, err
	}
	return m.reload(name)
}

// Update applies patch to a managed skill.
func (m *Manager) Update(name string, patch Patch) (*Skill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, err := m.managed(name)
	if err != nil {
		return nil, err
	}
	updated := *current
	if patch.Description != nil {
		updated.Description = *patch.Description
	}
	if patch.Instructions != nil {
		updated.Instructions = *patch.Instructions
	}
	if patch.AllowedTools != nil {
		updated.AllowedTools = *patch.AllowedTools
	}
	if err := writeSkill(current.FilePath, &updated); err != nil {
		return nil, err
	}
	return m.reload(name)
}

// Delete removes a managed skill. A <name>/SKILL.md skill loses its whole
// directory.
func (m *Manager) Delete(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.managed(name)
	if err != nil {
		return err
	}
	if strings.EqualFold(filepath.Base(s.FilePath), "SKILL.md") {
		err = os.RemoveAll(filepath.Dir(s.FilePath))
	} else {
		err = os.Remove(s.FilePath)
	}
	if err != nil {
		return fmt.Errorf("removing skill %s: %w", name, err)
	}
	return m.loader.LoadSkills()
}

func (m *Manager) managed(name string) (*Skill, error) {
	s, ok := m.loader.GetSkill(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSkillNotFound, name)
	}
	path, err := filepath.Abs(s.FilePath)
	if err != nil {
		return nil, err
	}
	rel, err := filepath.Rel(m.dir, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return nil, fmt.Errorf("%w: %s", ErrNotManaged, name)
	}
	return s, nil
}

func (m *Manager) reload(name string) (*Skill, error) {
	if err := m.loader.LoadSkills(); err != nil {
		return nil, err
	}
	s, ok := m.loader.GetSkill(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s was written but did not load", ErrSkillNotFound, name)
	}
	return s, nil
}

// writeSkill replaces the file at path via a temp file and rename, so the
// loader and watcher never read a partial skill.
func writeSkill(path string, s *Skill) error {
	data, err := s.Marshal()
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".skill-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
