package sandbox

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// makeTarGz builds a tar.gz archive from name/content pairs, preserving
// the given names verbatim so tests can smuggle in unsafe paths.
func makeTarGz(t *testing.T, entries map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer
	gzw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gzw)

	for name, content := range entries {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Typeflag: tar.TypeReg,
			Mode:     0644,
			Size:     int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}

	require.NoError(t, tw.Close())
	require.NoError(t, gzw.Close())
	return buf.Bytes()
}

func TestExtractTarToDir(t *testing.T) {
	fs := &RealFileSystem{}

	t.Run("extracts regular files", func(t *testing.T) {
		destDir := t.TempDir()
		data := makeTarGz(t, map[string]string{
			"orders.csv":          "id,total\n1,10\n",
			"nested/readings.csv": "a\n1\n",
		})

		require.NoError(t, ExtractTarToDir(fs, data, destDir))

		content, err := os.ReadFile(filepath.Join(destDir, "orders.csv"))
		require.NoError(t, err)
		assert.Equal(t, "id,total\n1,10\n", string(content))
		assert.FileExists(t, filepath.Join(destDir, "nested", "readings.csv"))
	})

	t.Run("rejects absolute paths", func(t *testing.T) {
		destDir := t.TempDir()
		data := makeTarGz(t, map[string]string{"/etc/cron.d/evil": "payload"})

		err := ExtractTarToDir(fs, data, destDir)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "absolute path not allowed")
	})

	t.Run("rejects path traversal", func(t *testing.T) {
		destDir := t.TempDir()
		data := makeTarGz(t, map[string]string{"../outside.csv": "payload"})

		err := ExtractTarToDir(fs, data, destDir)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsafe relative path")
		assert.NoFileExists(t, filepath.Join(destDir, "..", "outside.csv"))
	})

	t.Run("rejects nested traversal", func(t *testing.T) {
		destDir := t.TempDir()
		data := makeTarGz(t, map[string]string{"a/../../escape.csv": "payload"})

		err := ExtractTarToDir(fs, data, destDir)
		require.Error(t, err)
	})

	t.Run("rejects non-gzip input", func(t *testing.T) {
		err := ExtractTarToDir(fs, []byte("not an archive"), t.TempDir())
		require.Error(t, err)
	})
}

func TestCreateTarFromDirWithExcludes(t *testing.T) {
	srcDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(srcDir, "plots"), DirPermission))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "result.json"), []byte("{}"), DataFilePermission))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "plots", "figure_1.png"), []byte("one"), DataFilePermission))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "plots", "figure_2.png"), []byte("two"), DataFilePermission))

	data, err := CreateTarFromDirWithExcludes(srcDir, []string{"result.json"})
	require.NoError(t, err)

	destDir := t.TempDir()
	require.NoError(t, ExtractTarToDir(&RealFileSystem{}, data, destDir))

	assert.FileExists(t, filepath.Join(destDir, "plots", "figure_1.png"))
	assert.FileExists(t, filepath.Join(destDir, "plots", "figure_2.png"))
	assert.NoFileExists(t, filepath.Join(destDir, "result.json"))

	content, err := os.ReadFile(filepath.Join(destDir, "plots", "figure_1.png"))
	require.NoError(t, err)
	assert.Equal(t, "one", string(content))
}

func TestCreateTarExcludesDirectories(t *testing.T) {
	srcDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(srcDir, "scratch"), DirPermission))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "scratch", "tmp.bin"), []byte("x"), DataFilePermission))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "keep.txt"), []byte("y"), DataFilePermission))

	data, err := CreateTarFromDirWithExcludes(srcDir, []string{"scratch/"})
	require.NoError(t, err)

	destDir := t.TempDir()
	require.NoError(t, ExtractTarToDir(&RealFileSystem{}, data, destDir))

	assert.FileExists(t, filepath.Join(destDir, "keep.txt"))
	assert.NoDirExists(t, filepath.Join(destDir, "scratch"))
}

func TestShouldExcludeFile(t *testing.T) {
	tests := []struct {
		name     string
		relPath  string
		patterns []string
		want     bool
	}{
		{"exact base name", "result.json", []string{"result.json"}, true},
		{"base name in subdir", "out/result.json", []string{"result.json"}, true},
		{"glob on extension", "plots/figure_1.png", []string{"*.json"}, false},
		{"glob matches", "debug.json", []string{"*.json"}, true},
		{"directory pattern", "scratch/tmp.bin", []string{"scratch/"}, true},
		{"directory pattern root", "scratch", []string{"scratch/"}, true},
		{"directory pattern miss", "scratch2/tmp.bin", []string{"scratch/"}, false},
		{"full relative path", "plots/figure_1.png", []string{"plots/figure_1.png"}, true},
		{"no patterns", "anything", nil, false},
		{"empty pattern ignored", "anything", []string{""}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, shouldExcludeFile(tt.relPath, tt.patterns))
		})
	}
}
