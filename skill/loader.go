package skill

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/deepnoodle-ai/relay/log"
)

// LoaderOptions configures skill discovery.
type LoaderOptions struct {
	// Paths are skill directories searched in order. Earlier paths win for
	// duplicate names.
	Paths []string

	// ProjectDir, when set, adds ProjectDir/.claude/skills after Paths.
	ProjectDir string

	// HomeDir, when set, adds HomeDir/.claude/skills after the project path.
	HomeDir string

	Logger log.Logger
}

// Loader discovers and loads skills. It is safe for concurrent use; LoadSkills
// may run while other goroutines read.
type Loader struct {
	opts   LoaderOptions
	logger log.Logger

	mu     sync.RWMutex
	skills map[string]*Skill
}

// NewLoader returns a loader with no skills loaded. Call LoadSkills to scan.
func NewLoader(opts LoaderOptions) *Loader {
	return &Loader{
		opts:   opts,
		logger: log.OrNull(opts.Logger),
		skills: map[string]*Skill{},
	}
}

// SearchPaths returns the directories scanned by LoadSkills, in priority order.
func (l *Loader) SearchPaths() []string {
	paths := append([]string(nil), l.opts.Paths...)
	if l.opts.ProjectDir != "" {
		paths = append(paths, filepath.Join(l.opts.ProjectDir, ".claude", "skills"))
	}
	if l.opts.HomeDir != "" {
		paths = append(paths, filepath.Join(l.opts.HomeDir, ".claude", "skills"))
	}
	return paths
}

// LoadSkills rescans every search path and replaces the loaded set. Missing
// directories are ignored and malformed files are logged and skipped.
func (l *Loader) LoadSkills() error {
	skills := map[string]*Skill{}
	for _, dir := range l.SearchPaths() {
		if err := l.loadSkillsFromPath(dir, skills); err != nil {
			l.logger.Warn("failed to load skills", "path", dir, "error", err)
		}
	}

	l.mu.Lock()
	l.skills = skills
	l.mu.Unlock()

	l.logger.Debug("skills loaded", "count", len(skills))
	return nil
}

// GetSkill returns the skill with the given name.
func (l *Loader) GetSkill(name string) (*Skill, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.skills[name]
	return s, ok
}

// ListSkills returns the loaded skills sorted by name.
func (l *Loader) ListSkills() []*Skill {
	l.mu.RLock()
	defer l.mu.RUnlock()
	skills := make([]*Skill, 0, len(l.skills))
	for _, s := range l.skills {
		skills = append(skills, s)
	}
	sort.Slice(skills, func(i, j int) bool {
		return skills[i].Name < skills[j].Name
	})
	return skills
}

// ListSkillNames returns the sorted names of the loaded skills.
func (l *Loader) ListSkillNames() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.skills))
	for name := range l.skills {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (l *Loader) SkillCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.skills)
}

// Resolve looks up each name and fails on the first unknown one.
func (l *Loader) Resolve(names ...string) ([]*Skill, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Skill, 0, len(names))
	for _, name := range names {
		s, ok := l.skills[name]
		if !ok {
			return nil, fmt.Errorf("skill %q not found", name)
		}
		out = append(out, s)
	}
	return out, nil
}

func (l *Loader) loadSkillsFromPath(dir string, into map[string]*Skill) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		l.logger.Debug("skill path does not exist", "path", dir)
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			l.loadSkillFile(filepath.Join(dir, entry.Name(), "SKILL.md"), into)
		} else if strings.HasSuffix(strings.ToLower(entry.Name()), ".md") {
			l.loadSkillFile(filepath.Join(dir, entry.Name()), into)
		}
	}
	return nil
}

func (l *Loader) loadSkillFile(path string, into map[string]*Skill) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return
	}
	s, err := ParseSkillFile(path)
	if err != nil {
		l.logger.Warn("failed to parse skill file", "path", path, "error", err)
		return
	}
	if _, exists := into[s.Name]; exists {
		l.logger.Debug("skill already loaded", "skill", s.Name, "ignored", path)
		return
	}
	into[s.Name] = s
}
