package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"filesyncd/internal/backend"
)

// staticFP returns fingerprints from a map; a nil map means the backend
// cannot fingerprint at all.
type staticFP map[string]string

func (s staticFP) Fingerprint(_ context.Context, e backend.Entry) (string, bool, error) {
	if s == nil {
		return "", false, nil
	}
	sum, ok := s[e.Path]
	if sum == "error" {
		return "", false, errors.New("read failed")
	}
	return sum, ok, nil
}

func manifest(entries ...backend.Entry) *Manifest {
	m := NewManifest("")
	for _, e := range entries {
		m.Add(e)
	}
	return m
}

func plan(t *testing.T, src, dst *Manifest, states map[string]FileState, srcFP, dstFP fingerprinter, deleteMissing bool) *SyncPlan {
	t.Helper()
	log, _ := test.NewNullLogger()
	p, err := CompareManifests(context.Background(), src, dst, states, srcFP, dstFP, deleteMissing, log)
	require.NoError(t, err)
	return p
}

func only(t *testing.T, p *SyncPlan) Action {
	t.Helper()
	require.Len(t, p.Actions, 1)
	return p.Actions[0]
}

var (
	t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Minute)
)

func TestCompareCreateAndSkip(t *testing.T) {
	src := manifest(backend.Entry{Path: "a", Size: 1, ModTime: t0}, backend.Entry{Path: "b", Size: 2, ModTime: t0})
	dst := manifest(backend.Entry{Path: "b", Size: 2, ModTime: t1})
	p := plan(t, src, dst, nil, nil, nil, false)
	assert.Equal(t, 1, p.Count(ActionCreate))
	assert.Equal(t, 1, p.Count(ActionSkip))
	assert.Equal(t, "a", p.Actions[0].Path)
}

func TestCompareSizeAndMtime(t *testing.T) {
	src := manifest(backend.Entry{Path: "a", Size: 5, ModTime: t0})
	dst := manifest(backend.Entry{Path: "a", Size: 4, ModTime: t1})
	a := only(t, plan(t, src, dst, nil, nil, nil, false))
	assert.Equal(t, ActionUpdate, a.Kind)
	assert.Equal(t, "size differs", a.Reason)

	src = manifest(backend.Entry{Path: "a", Size: 5, ModTime: t1})
	dst = manifest(backend.Entry{Path: "a", Size: 5, ModTime: t0})
	a = only(t, plan(t, src, dst, nil, nil, nil, false))
	assert.Equal(t, ActionUpdate, a.Kind)
	assert.Equal(t, "source is newer", a.Reason)

	// sub-second differences are not "newer"
	src = manifest(backend.Entry{Path: "a", Size: 5, ModTime: t0.Add(500 * time.Millisecond)})
	dst = manifest(backend.Entry{Path: "a", Size: 5, ModTime: t0})
	assert.Equal(t, ActionSkip, only(t, plan(t, src, dst, nil, nil, nil, false)).Kind)
}

func TestCompareFingerprintBothSides(t *testing.T) {
	src := manifest(backend.Entry{Path: "a", Size: 5, ModTime: t0})
	dst := manifest(backend.Entry{Path: "a", Size: 5, ModTime: t1})
	a := only(t, plan(t, src, dst, nil, staticFP{"a": "aaa"}, staticFP{"a": "bbb"}, false))
	assert.Equal(t, ActionUpdate, a.Kind)
	assert.Equal(t, "content differs", a.Reason)
	assert.Equal(t, "aaa", a.Fingerprint)

	a = only(t, plan(t, src, dst, nil, staticFP{"a": "aaa"}, staticFP{"a": "aaa"}, false))
	assert.Equal(t, ActionSkip, a.Kind)
	assert.Equal(t, "aaa", a.Fingerprint)
}

func TestCompareFingerprintAbsentFallsBack(t *testing.T) {
	src := manifest(backend.Entry{Path: "a", Size: 5, ModTime: t0})
	dst := manifest(backend.Entry{Path: "a", Size: 5, ModTime: t1})

	// destination cannot fingerprint: size and mtime agree, so skip
	assert.Equal(t, ActionSkip, only(t, plan(t, src, dst, nil, staticFP{"a": "aaa"}, staticFP(nil), false)).Kind)

	// a hashing error degrades the same way
	assert.Equal(t, ActionSkip, only(t, plan(t, src, dst, nil, staticFP{"a": "error"}, staticFP{"a": "bbb"}, false)).Kind)
}

func TestCompareStoredState(t *testing.T) {
	src := manifest(backend.Entry{Path: "a", Size: 5, ModTime: t0})
	dst := manifest(backend.Entry{Path: "a", Size: 5, ModTime: t1})

	states := map[string]FileState{"a": {Path: "a", Fingerprint: "old", ModTime: t0}}
	a := only(t, plan(t, src, dst, states, staticFP{"a": "new"}, staticFP(nil), false))
	assert.Equal(t, ActionUpdate, a.Kind)
	assert.Equal(t, "changed since last sync", a.Reason)

	states = map[string]FileState{"a": {Path: "a", ModTime: t0.Add(-2 * time.Second)}}
	a = only(t, plan(t, src, dst, states, staticFP(nil), staticFP(nil), false))
	assert.Equal(t, ActionUpdate, a.Kind)
	assert.Equal(t, "modified since last sync", a.Reason)

	// within tolerance
	states = map[string]FileState{"a": {Path: "a", ModTime: t0.Add(-900 * time.Millisecond)}}
	assert.Equal(t, ActionSkip, only(t, plan(t, src, dst, states, staticFP(nil), staticFP(nil), false)).Kind)
}

func TestIdentifyDeletions(t *testing.T) {
	synced := t0
	src := manifest()
	dst := manifest(
		backend.Entry{Path: "owned", Size: 1},
		backend.Entry{Path: "foreign", Size: 1},
		backend.Entry{Path: "pending", Size: 1},
	)
	states := map[string]FileState{
		"owned":   {Path: "owned", Status: FileSynced, LastSync: &synced},
		"pending": {Path: "pending", Status: FilePending},
		"gone":    {Path: "gone", Status: FileSynced, LastSync: &synced},
	}

	p := plan(t, src, dst, states, nil, nil, true)
	a := only(t, p)
	assert.Equal(t, ActionDelete, a.Kind)
	assert.Equal(t, "owned", a.Path)
	assert.Equal(t, []string{"gone"}, p.Stale)

	p = plan(t, src, dst, states, nil, nil, false)
	assert.Empty(t, p.Actions)
	assert.Equal(t, []string{"gone"}, p.Stale)
}

func TestCompareCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	log, _ := test.NewNullLogger()
	_, err := CompareManifests(ctx, manifest(backend.Entry{Path: "a"}), manifest(), nil, nil, nil, false, log)
	assert.ErrorIs(t, err, context.Canceled)
}
