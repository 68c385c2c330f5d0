package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"
)

// Local is a directory tree on an afero filesystem. It serves both as the
// source enumerator and as the "local" target type.
type Local struct {
	fs   afero.Fs
	root string
	opts Options
}

// NewLocal returns a Local rooted at root on opts.LocalFS.
func NewLocal(root string, opts Options) *Local {
	opts = opts.withDefaults()
	return &Local{fs: opts.LocalFS, root: filepath.Clean(root), opts: opts}
}

func openLocal(_ context.Context, settings Settings, opts Options) (Backend, error) {
	if err := settings.Require("path"); err != nil {
		return nil, err
	}
	root, err := homedir.Expand(settings["path"])
	if err != nil {
		return nil, fmt.Errorf("invalid local path: %w", err)
	}
	return NewLocal(root, opts), nil
}

// Root returns the directory this backend is rooted at.
func (l *Local) Root() string {
	return l.root
}

// Abs returns the filesystem path for a slash separated relative path.
func (l *Local) Abs(rel string) string {
	return filepath.Join(l.root, filepath.FromSlash(joinRemote("", rel)))
}

// List walks root recursively, skipping dotfiles and dot-directories.
func (l *Local) List(ctx context.Context, root string) ([]Entry, error) {
	base := l.Abs(root)
	info, err := l.fs.Stat(base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, base)
		}
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", base)
	}

	var entries []Entry
	err = afero.Walk(l.fs, base, func(p string, fi os.FileInfo, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			if os.IsNotExist(walkErr) {
				// vanished mid-walk
				return nil
			}
			return walkErr
		}
		if p == base {
			return nil
		}
		if strings.HasPrefix(fi.Name(), ".") {
			if fi.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if fi.IsDir() || !fi.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return nil
		}
		entries = append(entries, Entry{
			Path:    filepath.ToSlash(rel),
			Size:    fi.Size(),
			ModTime: fi.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", base, err)
	}
	return entries, nil
}

// Put copies localPath from Options.LocalFS to remotePath under the root.
func (l *Local) Put(ctx context.Context, localPath, remotePath string) error {
	return l.copy(ctx, l.opts.LocalFS, localPath, l.fs, l.Abs(remotePath))
}

// Get copies remotePath under the root to localPath on Options.LocalFS.
func (l *Local) Get(ctx context.Context, remotePath, localPath string) error {
	return l.copy(ctx, l.fs, l.Abs(remotePath), l.opts.LocalFS, localPath)
}

func (l *Local) copy(ctx context.Context, srcFS afero.Fs, src string, dstFS afero.Fs, dst string) error {
	return withRetry(ctx, l.opts.Logger, "copy "+src, isRetryableLocal, func() error {
		in, err := srcFS.Open(src)
		if err != nil {
			return fmt.Errorf("failed to open source file: %w", err)
		}
		defer in.Close()
		info, err := in.Stat()
		if err != nil {
			return fmt.Errorf("failed to stat source file: %w", err)
		}
		if _, err := writeAtomic(ctx, dstFS, dst, in, l.opts.Limiter); err != nil {
			return err
		}
		if l.opts.PreserveTimes {
			if err := dstFS.Chtimes(dst, info.ModTime(), info.ModTime()); err != nil {
				l.opts.Logger.WithError(err).Warnf("Failed to preserve mtime on %s", dst)
			}
		}
		return nil
	})
}

// Delete removes remotePath. A path that is already gone counts as deleted.
func (l *Local) Delete(ctx context.Context, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target := l.Abs(remotePath)
	if err := l.fs.Remove(target); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete %s: %w", target, err)
	}
	l.pruneEmptyParents(filepath.Dir(target))
	return nil
}

// pruneEmptyParents removes directories left empty by a delete, stopping at
// the root or the first non-empty directory.
func (l *Local) pruneEmptyParents(dir string) {
	for dir != l.root && strings.HasPrefix(dir, l.root) {
		names, err := afero.ReadDir(l.fs, dir)
		if err != nil || len(names) > 0 {
			return
		}
		if err := l.fs.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// EnsureContainer creates the directory p (and parents) under the root.
func (l *Local) EnsureContainer(_ context.Context, p string) error {
	if err := l.fs.MkdirAll(l.Abs(p), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", l.Abs(p), err)
	}
	return nil
}

// Fingerprint computes the md5 of the entry's file, cached by size and mtime.
func (l *Local) Fingerprint(ctx context.Context, e Entry) (string, bool, error) {
	if e.Fingerprint != "" {
		return e.Fingerprint, true, nil
	}
	sum, err := l.opts.Hashes.Sum(ctx, l.fs, l.Abs(e.Path))
	if err != nil {
		return "", false, err
	}
	return sum, true, nil
}

// Close is a no-op for local trees.
func (l *Local) Close() error {
	return nil
}

func isRetryableLocal(err error) bool {
	return !errors.Is(err, os.ErrNotExist) && !errors.Is(err, os.ErrPermission)
}
