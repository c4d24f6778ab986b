package skill

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
)

var (
	ErrMissingFrontmatter  = errors.New("skill file is missing YAML frontmatter")
	ErrUnclosedFrontmatter = errors.New("skill frontmatter is not closed")
)

// ParseSkillFile reads and parses the skill at filePath.
func ParseSkillFile(filePath string) (*Skill, error) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("reading skill file: %w", err)
	}
	return ParseSkillContent(content, filePath)
}

// ParseSkillContent parses skill content. filePath is used to derive the name
// when the frontmatter does not set one.
func ParseSkillContent(content []byte, filePath string) (*Skill, error) {
	content = bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	content = bytes.TrimLeft(content, " \t\n")

	if !bytes.HasPrefix(content, []byte("---\n")) {
		return nil, ErrMissingFrontmatter
	}
	rest := content[len("---\n"):]

	var frontmatter, body []byte
	switch {
	case bytes.HasPrefix(rest, []byte("---\n")) || bytes.Equal(rest, []byte("---")):
		body = bytes.TrimPrefix(rest, []byte("---"))
	default:
		end := bytes.Index(rest, []byte("\n---\n"))
		if end >= 0 {
			frontmatter = rest[:end]
			body = rest[end+len("\n---\n"):]
		} else if bytes.HasSuffix(rest, []byte("\n---")) {
			frontmatter = rest[:len(rest)-len("\n---")]
		} else {
			return nil, ErrUnclosedFrontmatter
		}
	}

	var cfg SkillConfig
	if len(bytes.TrimSpace(frontmatter)) > 0 {
		if err := yaml.Unmarshal(frontmatter, &cfg); err != nil {
			return nil, fmt.Errorf("parsing skill frontmatter: %w", err)
		}
	}

	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = deriveSkillName(filePath)
	}
	if name == "" || name == "." {
		return nil, fmt.Errorf("skill file %q has no name", filePath)
	}

	return &Skill{
		Name:         name,
		Description:  strings.TrimSpace(cfg.Description),
		Instructions: strings.TrimSpace(string(body)),
		AllowedTools: cfg.AllowedTools,
		FilePath:     filePath,
	}, nil
}

// deriveSkillName names a skill after its directory for SKILL.md files and
// after the file stem otherwise.
func deriveSkillName(filePath string) string {
	if filePath == "" {
		return ""
	}
	base := filepath.Base(filePath)
	if strings.EqualFold(base, "SKILL.md") {
		return filepath.Base(filepath.Dir(filePath))
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}
