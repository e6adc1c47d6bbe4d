package pipeline

import (
	"archive/zip"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resline/dify-plugin-repackaging-sub000/internal/jobs"
)

// writeZip builds an archive on disk from entry names to contents. A name
// ending in "/" becomes a directory entry.
func writeZip(t *testing.T, entries [][2]string) string {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		name, content := e[0], e[1]
		if name[len(name)-1] == '/' {
			_, err := zw.Create(name)
			require.NoError(t, err)
			continue
		}
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	path := filepath.Join(t.TempDir(), "test.zip")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
	return path
}

func TestUnzip_ExtractsNestedTree(t *testing.T) {
	src := writeZip(t, [][2]string{
		{"manifest.yaml", "name: x\n"},
		{"tools/", ""},
		{"tools/weather.py", "def main(): pass\n"},
		{"_assets/icon.svg", "<svg/>"},
	})
	dst := filepath.Join(t.TempDir(), "pkg")

	var lastDone, total int
	err := unzip(context.Background(), src, dst, 1<<20, func(done, n int) {
		lastDone, total = done, n
	})
	require.NoError(t, err)
	assert.Equal(t, total, lastDone, "progress reaches the entry count")

	got, err := os.ReadFile(filepath.Join(dst, "tools", "weather.py"))
	require.NoError(t, err)
	assert.Equal(t, "def main(): pass\n", string(got))
	_, err = os.Stat(filepath.Join(dst, "_assets", "icon.svg"))
	assert.NoError(t, err)
}

func TestUnzip_RejectsTraversal(t *testing.T) {
	src := writeZip(t, [][2]string{
		{"manifest.yaml", "name: x\n"},
		{"../evil.txt", "pwned"},
	})
	parent := t.TempDir()
	dst := filepath.Join(parent, "pkg")

	err := unzip(context.Background(), src, dst, 1<<20, nil)
	require.Error(t, err)
	assert.Equal(t, jobs.CodeInvalidPackage, jobs.CodeOf(err))
	assert.Contains(t, jobs.MessageOf(err), "escapes the package directory")
	_, serr := os.Stat(filepath.Join(parent, "evil.txt"))
	assert.True(t, os.IsNotExist(serr))
}

func TestUnzip_RejectsAbsolutePath(t *testing.T) {
	src := writeZip(t, [][2]string{{"/etc/evil", "pwned"}})
	err := unzip(context.Background(), src, filepath.Join(t.TempDir(), "pkg"), 1<<20, nil)
	require.Error(t, err)
	assert.Equal(t, jobs.CodeInvalidPackage, jobs.CodeOf(err))
	assert.Contains(t, jobs.MessageOf(err), "absolute path")
}

func TestUnzip_RejectsSymlinkEntries(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	hdr := &zip.FileHeader{Name: "sneaky-link"}
	hdr.SetMode(os.ModeSymlink | 0o777)
	w, err := zw.CreateHeader(hdr)
	require.NoError(t, err)
	_, err = w.Write([]byte("/etc/passwd"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	src := filepath.Join(t.TempDir(), "links.zip")
	require.NoError(t, os.WriteFile(src, buf.Bytes(), 0o600))

	err = unzip(context.Background(), src, filepath.Join(t.TempDir(), "pkg"), 1<<20, nil)
	require.Error(t, err)
	assert.Equal(t, jobs.CodeInvalidPackage, jobs.CodeOf(err))
	assert.Contains(t, jobs.MessageOf(err), "not a regular file")
}

func TestUnzip_BoundsExpansion(t *testing.T) {
	big := make([]byte, 4096)
	src := writeZip(t, [][2]string{
		{"a.bin", string(big)},
		{"b.bin", string(big)},
	})

	err := unzip(context.Background(), src, filepath.Join(t.TempDir(), "pkg"), 4096, nil)
	require.Error(t, err)
	assert.Equal(t, jobs.CodeInvalidPackage, jobs.CodeOf(err))
	assert.Contains(t, jobs.MessageOf(err), "expands past")
}

func TestUnzip_NotAnArchive(t *testing.T) {
	src := filepath.Join(t.TempDir(), "junk.difypkg")
	require.NoError(t, os.WriteFile(src, []byte("plain text"), 0o600))

	err := unzip(context.Background(), src, filepath.Join(t.TempDir(), "pkg"), 1<<20, nil)
	require.Error(t, err)
	assert.Equal(t, jobs.CodeInvalidPackage, jobs.CodeOf(err))
}

func TestUnzip_StopsOnCancelledContext(t *testing.T) {
	src := writeZip(t, [][2]string{{"a.txt", "x"}, {"b.txt", "y"}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := unzip(ctx, src, filepath.Join(t.TempDir(), "pkg"), 1<<20, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
