package sync

import (
	"sort"
	"time"

	"filesyncd/internal/backend"
)

// Manifest is the file listing of one side of a sync, keyed by relative path.
type Manifest struct {
	Root  string                   `json:"root"`
	Files map[string]backend.Entry `json:"files"`
}

// NewManifest creates an empty manifest for the given root
func NewManifest(root string) *Manifest {
	return &Manifest{
		Root:  root,
		Files: make(map[string]backend.Entry),
	}
}

// Add records an entry, replacing any previous entry for the same path.
func (m *Manifest) Add(e backend.Entry) {
	m.Files[e.Path] = e
}

// HasFile checks if a path exists in the manifest
func (m *Manifest) HasFile(path string) bool {
	_, ok := m.Files[path]
	return ok
}

// GetFile retrieves an entry by path
func (m *Manifest) GetFile(path string) (backend.Entry, bool) {
	e, ok := m.Files[path]
	return e, ok
}

// Paths returns every path in sorted order.
func (m *Manifest) Paths() []string {
	out := make([]string, 0, len(m.Files))
	for p := range m.Files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// TotalSize sums the size of every entry.
func (m *Manifest) TotalSize() int64 {
	var n int64
	for _, e := range m.Files {
		n += e.Size
	}
	return n
}

// sizeChanged reports whether the two entries differ in size.
func sizeChanged(src, dst backend.Entry) bool {
	return src.Size != dst.Size
}

// newerThan reports whether src was modified after dst. Times are compared at
// second resolution since most remote stores truncate sub-second precision.
func newerThan(src, dst backend.Entry) bool {
	return src.ModTime.Unix() > dst.ModTime.Unix()
}

// mtimeDrift reports whether two timestamps disagree by more than the
// one-second tolerance used for stored state.
func mtimeDrift(a, b time.Time) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d > time.Second
}
