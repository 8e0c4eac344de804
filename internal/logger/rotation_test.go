package logger

import (
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRotatingWriterCreatesFileAndDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "toolplane.log")

	w, err := NewRotatingWriter(path, 10, 7, false)
	require.NoError(t, err)
	defer w.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestRotatingWriterAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "toolplane.log")

	w, err := NewRotatingWriter(path, 1, 7, false)
	require.NoError(t, err)
	defer w.Close()

	for _, line := range []string{"first entry\n", "second entry\n"} {
		n, err := w.Write([]byte(line))
		require.NoError(t, err)
		assert.Equal(t, len(line), n)
	}

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "first entry\nsecond entry\n", string(content))
}

func TestRotatingWriterRotatesAtLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "toolplane.log")

	// A zero limit forces rotation on every write.
	w, err := NewRotatingWriter(path, 0, 7, false)
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Write([]byte(strings.Repeat("a", 100) + "\n"))
	require.NoError(t, err)
	_, err = w.Write([]byte(strings.Repeat("b", 100) + "\n"))
	require.NoError(t, err)

	archives, err := filepath.Glob(path + ".*")
	require.NoError(t, err)
	assert.NotEmpty(t, archives, "rotation must move the previous file aside")

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(content), "b"), "the live file holds only the latest write")
}

func TestRotatingWriterCloseIsSafe(t *testing.T) {
	path := filepath.Join(t.TempDir(), "toolplane.log")

	w, err := NewRotatingWriter(path, 10, 7, false)
	require.NoError(t, err)
	assert.NoError(t, w.Close())
}

func TestCompressFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.log")
	require.NoError(t, os.WriteFile(path, []byte("compress me"), 0644))

	w := &RotatingWriter{}
	require.NoError(t, w.compressFile(path))

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "the original is dropped after compression")

	f, err := os.Open(path + ".gz")
	require.NoError(t, err)
	defer f.Close()

	zr, err := gzip.NewReader(f)
	require.NoError(t, err)
	defer zr.Close()

	content, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, "compress me", string(content))
}

func TestPruneArchives(t *testing.T) {
	path := filepath.Join(t.TempDir(), "toolplane.log")

	stale := path + ".20200101-120000"
	fresh := path + "." + time.Now().Format("20060102-150405")
	require.NoError(t, os.WriteFile(stale, []byte("stale"), 0644))
	require.NoError(t, os.WriteFile(fresh, []byte("fresh"), 0644))

	old := time.Now().AddDate(0, 0, -10)
	require.NoError(t, os.Chtimes(stale, old, old))

	w, err := NewRotatingWriter(path, 10, 7, false)
	require.NoError(t, err)
	defer w.Close()

	w.pruneArchives()

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err), "archives past retention are deleted")
	_, err = os.Stat(fresh)
	assert.NoError(t, err, "archives inside retention survive")
}
