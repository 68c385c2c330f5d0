package sync

import (
	"context"
	"path"
	"strings"

	"filesyncd/internal/backend"
)

// Scanner enumerates one side of a sync through a backend and filters out
// hidden and ignored paths. Both sides of every run go through the same
// scanner so their manifests are directly comparable.
type Scanner struct {
	// ExcludePatterns are glob patterns matched against the relative path
	// and against each of its elements.
	ExcludePatterns []string
}

// NewScanner creates a scanner with the given ignore patterns.
func NewScanner(patterns []string) *Scanner {
	return &Scanner{ExcludePatterns: patterns}
}

// Scan lists root on b and returns the filtered manifest.
func (s *Scanner) Scan(ctx context.Context, b backend.Backend, root string) (*Manifest, error) {
	entries, err := b.List(ctx, root)
	if err != nil {
		return nil, err
	}
	m := NewManifest(root)
	for _, e := range entries {
		if backend.IsHidden(e.Path) || s.shouldExclude(e.Path) {
			continue
		}
		m.Add(e)
	}
	return m, nil
}

// Excluded reports whether rel is hidden or matches an ignore pattern.
func (s *Scanner) Excluded(rel string) bool {
	return backend.IsHidden(rel) || s.shouldExclude(rel)
}

func (s *Scanner) shouldExclude(rel string) bool {
	for _, pattern := range s.ExcludePatterns {
		if matched, _ := path.Match(pattern, rel); matched {
			return true
		}
		for _, part := range strings.Split(rel, "/") {
			if matched, _ := path.Match(pattern, part); matched {
				return true
			}
		}
	}
	return false
}
