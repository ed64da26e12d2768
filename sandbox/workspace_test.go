package sandbox

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWorkspace(t *testing.T) *Workspace {
	t.Helper()

	ws, err := NewWorkspace(&RealFileSystem{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Remove() })
	return ws
}

func writeUpload(t *testing.T, uploadsDir, name, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(filepath.Join(uploadsDir, name)), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(uploadsDir, name), []byte(content), 0644))
}

func TestNewWorkspace(t *testing.T) {
	ws := newTestWorkspace(t)

	assert.NotEmpty(t, ws.ID)
	assert.DirExists(t, ws.DataDir())
	assert.DirExists(t, ws.PlotsDir())
	assert.Equal(t, filepath.Join(ws.Root, "program.py"), ws.ProgramPath())
	assert.Equal(t, filepath.Join(ws.Root, "output", "result.json"), ws.EnvelopePath())
}

func TestNewWorkspacePermissions(t *testing.T) {
	// The container runs unprivileged: it must traverse the root to read
	// the program and write into the output tree. MkdirTemp's 0700
	// default would deny both.
	ws := newTestWorkspace(t)

	rootInfo, err := os.Stat(ws.Root)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), rootInfo.Mode().Perm())

	outInfo, err := os.Stat(ws.OutputDir())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0777), outInfo.Mode().Perm())

	plotsInfo, err := os.Stat(ws.PlotsDir())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0777), plotsInfo.Mode().Perm())
}

func TestWorkspaceIsolation(t *testing.T) {
	// Two workspaces never share a directory or an ID.
	first := newTestWorkspace(t)
	second := newTestWorkspace(t)

	assert.NotEqual(t, first.Root, second.Root)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestWorkspaceWriteProgram(t *testing.T) {
	ws := newTestWorkspace(t)

	require.NoError(t, ws.WriteProgram("print('hello')"))

	data, err := os.ReadFile(ws.ProgramPath())
	require.NoError(t, err)
	assert.Equal(t, "print('hello')", string(data))
}

func TestWorkspaceStageBindings(t *testing.T) {
	t.Run("stages existing files into the data dir", func(t *testing.T) {
		uploadsDir := t.TempDir()
		writeUpload(t, uploadsDir, "proj1_orders.csv", "id,amount\n1,10\n")
		ws := newTestWorkspace(t)

		staged, skipped, err := ws.StageBindings(uploadsDir, map[string]string{"orders": "proj1_orders.csv"})
		require.NoError(t, err)
		assert.Empty(t, skipped)
		assert.Equal(t, map[string]string{"orders": "proj1_orders.csv"}, staged)

		data, err := os.ReadFile(filepath.Join(ws.DataDir(), "proj1_orders.csv"))
		require.NoError(t, err)
		assert.Equal(t, "id,amount\n1,10\n", string(data))
	})

	t.Run("skips bindings whose file is missing", func(t *testing.T) {
		uploadsDir := t.TempDir()
		writeUpload(t, uploadsDir, "present.csv", "a\n1\n")
		ws := newTestWorkspace(t)

		staged, skipped, err := ws.StageBindings(uploadsDir, map[string]string{
			"present": "present.csv",
			"missing": "missing.csv",
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"missing"}, skipped)
		assert.Len(t, staged, 1)
		assert.Contains(t, staged, "present")
	})

	t.Run("accepts file names with a leading double dot", func(t *testing.T) {
		uploadsDir := t.TempDir()
		writeUpload(t, uploadsDir, "..data.csv", "a\n1\n")
		ws := newTestWorkspace(t)

		staged, skipped, err := ws.StageBindings(uploadsDir, map[string]string{"data": "..data.csv"})
		require.NoError(t, err)
		assert.Empty(t, skipped)
		assert.Equal(t, map[string]string{"data": "..data.csv"}, staged)
	})

	t.Run("rejects paths escaping the uploads root", func(t *testing.T) {
		ws := newTestWorkspace(t)

		for _, path := range []string{"../secrets.csv", "/etc/passwd", "a/../../b.csv"} {
			_, _, err := ws.StageBindings(t.TempDir(), map[string]string{"data": path})
			require.Error(t, err, "path %q should be rejected", path)
			assert.Contains(t, err.Error(), "escapes uploads root")
		}
	})

	t.Run("rejects binding names that are not identifiers", func(t *testing.T) {
		ws := newTestWorkspace(t)

		for _, name := range []string{"", "2orders", "or-ders", "or ders", "_orders", "import", "df; x"} {
			_, _, err := ws.StageBindings(t.TempDir(), map[string]string{name: "x.csv"})
			require.Error(t, err, "name %q should be rejected", name)
			assert.Contains(t, err.Error(), "not a valid identifier")
		}
	})

	t.Run("flattens nested paths to the base name", func(t *testing.T) {
		uploadsDir := t.TempDir()
		writeUpload(t, uploadsDir, filepath.Join("proj1", "orders.csv"), "a\n1\n")
		ws := newTestWorkspace(t)

		staged, _, err := ws.StageBindings(uploadsDir, map[string]string{"orders": "proj1/orders.csv"})
		require.NoError(t, err)
		assert.Equal(t, "proj1/orders.csv", staged["orders"])
		assert.FileExists(t, filepath.Join(ws.DataDir(), "orders.csv"))
	})
}

func TestWorkspaceRemove(t *testing.T) {
	ws, err := NewWorkspace(&RealFileSystem{})
	require.NoError(t, err)

	require.NoError(t, ws.WriteProgram("x = 1"))
	require.NoError(t, ws.Remove())

	assert.NoDirExists(t, ws.Root)
}

func TestIsIdentifier(t *testing.T) {
	valid := []string{"orders", "sales_2024", "x", "myData", "a1"}
	for _, name := range valid {
		assert.True(t, isIdentifier(name), "expected %q to be valid", name)
	}

	invalid := []string{"", "1x", "-x", "x-y", "x y", "_hidden", "__kx_result", "lambda", "True", "données"}
	for _, name := range invalid {
		assert.False(t, isIdentifier(name), "expected %q to be invalid", name)
	}
}
