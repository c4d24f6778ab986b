package workflow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMatchArtifact(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"report.pdf", true},
		{"REPORT.PDF", true},
		{"deck.pptx", true},
		{"notes.md", true},
		{"data.csv", true},
		{"sheet.xlsx", true},
		{"page.html", true},
		{"script.py", false},
		{"image.png", false},
		{"pdf", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, MatchArtifact(DefaultArtifactPatterns, tc.name))
		})
	}
	require.True(t, MatchArtifact([]string{"out-*.{json,yaml}"}, "out-1.yaml"))
}

func TestValidatePatterns(t *testing.T) {
	require.NoError(t, ValidatePatterns(DefaultArtifactPatterns))
	require.Error(t, ValidatePatterns([]string{"[unclosed"}))
}

func TestCollectArtifacts(t *testing.T) {
	src := t.TempDir()
	dest := filepath.Join(t.TempDir(), "artifacts", "run-1")
	files := map[string]string{
		"summary.md": "# Summary",
		"data.CSV":   "a,b",
		"main.go":    "package main",
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(src, name), []byte(content), 0o644))
	}
	require.NoError(t, os.MkdirAll(filepath.Join(src, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "nested", "deep.pdf"), []byte("x"), 0o644))

	paths, err := CollectArtifacts(src, dest, nil)
	require.NoError(t, err)
	require.Equal(t, []string{
		filepath.Join(dest, "data.CSV"),
		filepath.Join(dest, "summary.md"),
	}, paths)

	data, err := os.ReadFile(filepath.Join(dest, "summary.md"))
	require.NoError(t, err)
	require.Equal(t, "# Summary", string(data))

	_, err = os.Stat(filepath.Join(dest, "main.go"))
	require.True(t, os.IsNotExist(err))
}

func TestCollectArtifactsNothingToCopy(t *testing.T) {
	src := t.TempDir()
	dest := filepath.Join(t.TempDir(), "run-2")
	require.NoError(t, os.WriteFile(filepath.Join(src, "main.go"), []byte("x"), 0o644))

	paths, err := CollectArtifacts(src, dest, nil)
	require.NoError(t, err)
	require.Equal(t, []string{}, paths)

	_, err = os.Stat(dest)
	require.True(t, os.IsNotExist(err))
}

func TestCollectArtifactsMissingSource(t *testing.T) {
	_, err := CollectArtifacts(filepath.Join(t.TempDir(), "gone"), t.TempDir(), nil)
	require.Error(t, err)
}
