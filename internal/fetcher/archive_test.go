package fetcher

import (
	"archive/zip"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeZip(t *testing.T, entries map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "taxonomy.zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, content := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return path
}

func TestExtractSingle(t *testing.T) {
	zipPath := writeZip(t, map[string]string{
		"sn2007.csv": "41.200,Construction of buildings\n",
	})

	dir := t.TempDir()
	path, err := ExtractSingle(zipPath, dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "sn2007.csv"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "41.200,Construction of buildings\n", string(data))
}

func TestExtractSingle_SkipsDirectories(t *testing.T) {
	zipPath := writeZip(t, map[string]string{
		"klass/":           "",
		"klass/sn2007.csv": "43.910,Roofing activities\n",
	})

	dir := t.TempDir()
	path, err := ExtractSingle(zipPath, dir)
	require.NoError(t, err)
	assert.Equal(t, "sn2007.csv", filepath.Base(path))
}

func TestExtractSingle_MultipleFiles(t *testing.T) {
	zipPath := writeZip(t, map[string]string{
		"a.csv": "x\n",
		"b.csv": "y\n",
	})

	_, err := ExtractSingle(zipPath, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "more than one file")
}

func TestExtractSingle_Empty(t *testing.T) {
	zipPath := writeZip(t, map[string]string{})
	_, err := ExtractSingle(zipPath, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty")
}

func TestExtractSingle_HostilePathStaysInside(t *testing.T) {
	zipPath := writeZip(t, map[string]string{
		"../../escape.csv": "41.200,x\n",
	})

	dir := t.TempDir()
	path, err := ExtractSingle(zipPath, dir)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(path, dir), "extracted file stays inside the destination")
	assert.Equal(t, filepath.Join(dir, "escape.csv"), path)
}

func TestExtractSingle_NotAnArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain.csv")
	require.NoError(t, os.WriteFile(path, []byte("41.200,x\n"), 0o644))
	_, err := ExtractSingle(path, t.TempDir())
	assert.Error(t, err)
}
