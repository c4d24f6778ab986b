package skill

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSkillMarshalParses(t *testing.T) {
	s := &Skill{
		Name:         "report",
		Description:  "Summarize: the quarter",
		AllowedTools: []string{"Read", "Write"},
		Instructions: "# Report\n\nWrite report.md.",
	}
	data, err := s.Marshal()
	require.NoError(t, err)

	parsed, err := ParseSkillContent(data, "x/report/SKILL.md")
	require.NoError(t, err)
	require.Equal(t, s.Name, parsed.Name)
	require.Equal(t, s.Description, parsed.Description)
	require.Equal(t, s.AllowedTools, parsed.AllowedTools)
	require.Equal(t, s.Instructions, parsed.Instructions)
}

func newManager(t *testing.T, extra ...string) (*Manager, *Loader, string) {
	t.Helper()
	dir := t.TempDir()
	loader := NewLoader(LoaderOptions{Paths: append([]string{dir}, extra...)})
	require.NoError(t, loader.LoadSkills())
	m, err := NewManager(loader)
	require.NoError(t, err)
	return m, loader, dir
}

func TestManagerCreate(t *testing.T) {
	m, loader, dir := newManager(t)
	require.Equal(t, dir, m.Dir())

	s, err := m.Create(&Skill{Name: " triage ", Description: "Sort bugs.", Instructions: "Label them."})
	require.NoError(t, err)
	require.Equal(t, "triage", s.Name)
	require.Equal(t, filepath.Join(dir, "triage", "SKILL.md"), s.FilePath)

	loaded, ok := loader.GetSkill("triage")
	require.True(t, ok)
	require.Equal(t, "Label them.", loaded.Instructions)

	_, err = m.Create(&Skill{Name: "triage"})
	require.ErrorIs(t, err, ErrSkillExists)

	for _, name := range []string{"", "../up", "a/b", ".hidden"} {
		_, err = m.Create(&Skill{Name: name})
		require.ErrorIs(t, err, ErrInvalidName, name)
	}
}

func TestManagerCreateOverUnparsableFile(t *testing.T) {
	m, _, dir := newManager(t)
	writeFile(t, filepath.Join(dir, "broken", "SKILL.md"), "no frontmatter")
	_, err := m.Create(&Skill{Name: "broken"})
	require.ErrorIs(t, err, ErrSkillExists)
}

func TestManagerUpdate(t *testing.T) {
	m, _, _ := newManager(t)
	_, err := m.Create(&Skill{Name: "triage", Description: "Sort bugs.", AllowedTools: []string{"Read"}, Instructions: "v1"})
	require.NoError(t, err)

	instructions := "v2"
	s, err := m.Update("triage", Patch{Instructions: &instructions})
	require.NoError(t, err)
	require.Equal(t, "v2", s.Instructions)
	require.Equal(t, "Sort bugs.", s.Description)
	require.Equal(t, []string{"Read"}, s.AllowedTools)

	tools := []string{}
	s, err = m.Update("triage", Patch{AllowedTools: &tools})
	require.NoError(t, err)
	require.Empty(t, s.AllowedTools)

	_, err = m.Update("missing", Patch{Instructions: &instructions})
	require.ErrorIs(t, err, ErrSkillNotFound)
	require.True(t, Patch{}.IsEmpty())
}

func TestManagerLeavesOtherPathsAlone(t *testing.T) {
	other := t.TempDir()
	writeFile(t, filepath.Join(other, "shared", "SKILL.md"), "---\nname: shared\n---\nS")
	m, loader, _ := newManager(t, other)
	_, ok := loader.GetSkill("shared")
	require.True(t, ok)

	desc := "changed"
	_, err := m.Update("shared", Patch{Description: &desc})
	require.ErrorIs(t, err, ErrNotManaged)
	require.ErrorIs(t, m.Delete("shared"), ErrNotManaged)
	require.FileExists(t, filepath.Join(other, "shared", "SKILL.md"))

	// Names stay unique across all paths
	_, err = m.Create(&Skill{Name: "shared"})
	require.ErrorIs(t, err, ErrSkillExists)
}

func TestManagerDelete(t *testing.T) {
	m, loader, dir := newManager(t)
	writeFile(t, filepath.Join(dir, "loose.md"), "---\n---\nL")
	_, err := m.Create(&Skill{Name: "triage"})
	require.NoError(t, err)
	require.NoError(t, loader.LoadSkills())

	require.NoError(t, m.Delete("triage"))
	require.NoDirExists(t, filepath.Join(dir, "triage"))
	require.NoError(t, m.Delete("loose"))
	_, err = os.Stat(filepath.Join(dir, "loose.md"))
	require.True(t, os.IsNotExist(err))
	require.Zero(t, loader.SkillCount())

	require.ErrorIs(t, m.Delete("triage"), ErrSkillNotFound)
}

func TestNewManagerRequiresPath(t *testing.T) {
	_, err := NewManager(NewLoader(LoaderOptions{}))
	require.Error(t, err)
}
