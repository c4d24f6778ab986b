// Package skill loads Claude-compatible skills from SKILL.md files.
//
// A skill is a Markdown file with YAML frontmatter:
//
//	---
//	name: pdf-report
//	description: Produce a PDF report from a CSV file.
//	allowed-tools:
//	  - Read
//	  - Bash
//	---
//
//	# PDF Report
//
//	1. Read the input file
//	2. Write report.pdf to the working directory
//
// Workflow runs and workspace threads use skill instructions as the system
// prompt of the runtime connection, and a skill's allowed-tools list becomes
// the connection's tool allow-list.
//
// Skills are discovered in each configured directory, either as
// <dir>/<name>/SKILL.md or as a standalone <dir>/<name>.md. The first skill
// found with a given name wins.
package skill

import (
	"fmt"
	"strings"
)

// Skill is a loaded skill.
type Skill struct {
	// Name is the unique identifier of the skill, taken from the frontmatter
	// or derived from the file location.
	Name string

	// Description says what the skill does.
	Description string

	// Instructions is the Markdown body after the frontmatter.
	Instructions string

	// AllowedTools restricts the runtime tools while the skill is active.
	// Empty means unrestricted.
	AllowedTools []string

	// FilePath is the file the skill was loaded from.
	FilePath string
}

// SkillConfig is the YAML frontmatter of a skill file.
type SkillConfig struct {
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description"`
	AllowedTools []string `yaml:"allowed-tools,omitempty"`
}

// IsToolAllowed reports whether the named tool may be used with this skill.
// Matching is case-insensitive.
func (s *Skill) IsToolAllowed(toolName string) bool {
	if len(s.AllowedTools) == 0 {
		return true
	}
	for _, allowed := range s.AllowedTools {
		if strings.EqualFold(allowed, toolName) {
			return true
		}
	}
	return false
}

// Prompt renders the skill as a system prompt section.
func (s *Skill) Prompt() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Skill: %s\n", s.Name)
	if s.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", s.Description)
	}
	if s.Instructions != "" {
		fmt.Fprintf(&b, "\n%s\n", s.Instructions)
	}
	return b.String()
}

// SystemPrompt joins the prompts of the given skills, in order, separated by
// blank lines. Nil skills are skipped.
func SystemPrompt(skills ...*Skill) string {
	var parts []string
	for _, s := range skills {
		if s == nil {
			continue
		}
		parts = append(parts, strings.TrimRight(s.Prompt(), "\n"))
	}
	return strings.Join(parts, "\n\n")
}

// AllowedTools returns the union of the skills' tool allow-lists in first-seen
// order. If any skill is unrestricted the result is nil, meaning unrestricted.
func AllowedTools(skills ...*Skill) []string {
	var tools []string
	seen := map[string]bool{}
	for _, s := range skills {
		if s == nil {
			continue
		}
		if len(s.AllowedTools) == 0 {
			return nil
		}
		for _, t := range s.AllowedTools {
			key := strings.ToLower(t)
			if seen[key] {
				continue
			}
			seen[key] = true
			tools = append(tools, t)
		}
	}
	return tools
}
