package workflow

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultArtifactPatterns is the artifact allow-list used when none is
// configured. Patterns match file names case-insensitively.
var DefaultArtifactPatterns = []string{
	"*.pdf", "*.pptx", "*.txt", "*.md", "*.xls", "*.xlsx", "*.csv", "*.html",
}

// ValidatePatterns reports the first malformed pattern.
func ValidatePatterns(patterns []string) error {
	for _, p := range patterns {
		if !doublestar.ValidatePattern(strings.ToLower(p)) {
			return fmt.Errorf("invalid artifact pattern %q", p)
		}
	}
	return nil
}

// MatchArtifact reports whether name matches any of the patterns.
func MatchArtifact(patterns []string, name string) bool {
	lower := strings.ToLower(name)
	for _, p := range patterns {
		if ok, _ := doublestar.Match(strings.ToLower(p), lower); ok {
			return true
		}
	}
	return false
}

// CollectArtifacts copies the regular files directly inside srcDir whose
// names match patterns into destDir, which is only created when there is
// something to copy. It returns the destination paths in name order.
// Subdirectories are not searched. A file that fails to copy is left out of
// the result and reported in the returned error; the others are still copied.
func CollectArtifacts(srcDir, destDir string, patterns []string) ([]string, error) {
	if len(patterns) == 0 {
		patterns = DefaultArtifactPatterns
	}
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read execution dir: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if MatchArtifact(patterns, entry.Name()) {
			names = append(names, entry.Name())
		}
	}
	if len(names) == 0 {
		return []string{}, nil
	}
	sort.Strings(names)

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifacts dir: %w", err)
	}
	paths := make([]string, 0, len(names))
	var errs []error
	for _, name := range names {
		dest := filepath.Join(destDir, name)
		if err := copyFile(filepath.Join(srcDir, name), dest); err != nil {
			errs = append(errs, fmt.Errorf("failed to copy artifact %s: %w", name, err))
			continue
		}
		paths = append(paths, dest)
	}
	return paths, errors.Join(errs...)
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chtimes(dest, info.ModTime(), info.ModTime())
}
