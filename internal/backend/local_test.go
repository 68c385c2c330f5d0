package backend

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, fs afero.Fs, name, content string, mtime time.Time) {
	t.Helper()
	require.NoError(t, afero.WriteFile(fs, name, []byte(content), 0o644))
	require.NoError(t, fs.Chtimes(name, mtime, mtime))
}

func paths(entries []Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Path)
	}
	sort.Strings(out)
	return out
}

func TestLocalListSkipsHidden(t *testing.T) {
	fs := afero.NewMemMapFs()
	now := time.Now()
	writeFile(t, fs, "/src/a.txt", "aaa", now)
	writeFile(t, fs, "/src/dir/b.txt", "bb", now)
	writeFile(t, fs, "/src/.hidden", "x", now)
	writeFile(t, fs, "/src/.git/config", "x", now)
	writeFile(t, fs, "/src/dir/.c.txt.filesyncd.tmp", "partial", now)

	l := NewLocal("/src", Options{LocalFS: fs})
	entries, err := l.List(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "dir/b.txt"}, paths(entries))

	for _, e := range entries {
		if e.Path == "a.txt" {
			assert.EqualValues(t, 3, e.Size)
		}
	}
}

func TestLocalListMissingRoot(t *testing.T) {
	l := NewLocal("/nope", Options{LocalFS: afero.NewMemMapFs()})
	_, err := l.List(context.Background(), "")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLocalPutGetDelete(t *testing.T) {
	fs := afero.NewMemMapFs()
	mtime := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	writeFile(t, fs, "/src/x.txt", "0123456789", mtime)

	dst := NewLocal("/dst", Options{LocalFS: fs, PreserveTimes: true})
	ctx := context.Background()

	require.NoError(t, dst.Put(ctx, "/src/x.txt", "nested/x.txt"))
	data, err := afero.ReadFile(fs, "/dst/nested/x.txt")
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(data))

	info, err := fs.Stat("/dst/nested/x.txt")
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(mtime), "mtime should be preserved")

	require.NoError(t, dst.Get(ctx, "nested/x.txt", "/back/x.txt"))
	data, err = afero.ReadFile(fs, "/back/x.txt")
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(data))

	require.NoError(t, dst.Delete(ctx, "nested/x.txt"))
	_, err = fs.Stat("/dst/nested/x.txt")
	assert.True(t, err != nil)
	_, err = fs.Stat("/dst/nested")
	assert.True(t, err != nil, "empty parent should be pruned")
	_, err = fs.Stat("/dst")
	assert.NoError(t, err, "root must survive pruning")

	// deleting again is not an error
	require.NoError(t, dst.Delete(ctx, "nested/x.txt"))
}

func TestLocalPutMissingSourceFailsFast(t *testing.T) {
	fs := afero.NewMemMapFs()
	dst := NewLocal("/dst", Options{LocalFS: fs})

	start := time.Now()
	err := dst.Put(context.Background(), "/src/missing.txt", "missing.txt")
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second, "missing source must not be retried")
}

func TestLocalPutCancelled(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/src/x.txt", "data", time.Now())
	dst := NewLocal("/dst", Options{LocalFS: fs})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := dst.Put(ctx, "/src/x.txt", "x.txt")
	require.ErrorIs(t, err, context.Canceled)
	_, statErr := fs.Stat("/dst/x.txt")
	assert.Error(t, statErr, "cancelled copy must not leave a file in place")
}

func TestLocalFingerprintCached(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/src/x.txt", "hello", time.Now())
	hashes := NewHashCache(8)
	l := NewLocal("/src", Options{LocalFS: fs, Hashes: hashes})

	fp, ok, err := l.Fingerprint(context.Background(), Entry{Path: "x.txt"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", fp)
	assert.Equal(t, 1, hashes.Len())

	_, _, err = l.Fingerprint(context.Background(), Entry{Path: "x.txt"})
	require.NoError(t, err)
	assert.Equal(t, 1, hashes.Len())
}

func TestLocalEnsureContainer(t *testing.T) {
	fs := afero.NewMemMapFs()
	l := NewLocal("/dst", Options{LocalFS: fs})
	require.NoError(t, l.EnsureContainer(context.Background(), "a/b"))
	info, err := fs.Stat("/dst/a/b")
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
