package backend

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jlaffaye/ftp"
)

// FTP speaks plain or explicit-TLS FTP. It has no content hash, so the
// reconciler falls back to size and mtime.
type FTP struct {
	mu   sync.Mutex
	conn *ftp.ServerConn
	root string
	opts Options
}

func openFTP(ctx context.Context, settings Settings, opts Options) (Backend, error) {
	if err := settings.Require("server"); err != nil {
		return nil, err
	}
	if mode := settings.String("connection_mode", "passive"); mode != "passive" {
		return nil, fmt.Errorf("ftp connection_mode %q is not supported, only passive", mode)
	}
	host := settings["server"]
	addr := net.JoinHostPort(host, strconv.Itoa(settings.Int("port", 21)))
	dialOpts := []ftp.DialOption{
		ftp.DialWithContext(ctx),
		ftp.DialWithTimeout(30 * time.Second),
	}
	if settings.Bool("use_ssl", false) {
		dialOpts = append(dialOpts, ftp.DialWithExplicitTLS(&tls.Config{ServerName: host}))
	}
	conn, err := ftp.Dial(addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ftp %s: %w", addr, err)
	}
	user := settings.String("username", "anonymous")
	if err := conn.Login(user, settings.String("password", "anonymous")); err != nil {
		_ = conn.Quit()
		return nil, fmt.Errorf("ftp login failed for %s: %w", user, err)
	}
	return &FTP{
		conn: conn,
		root: "/" + strings.Trim(settings.String("folder", ""), "/"),
		opts: opts,
	}, nil
}

func (f *FTP) abs(rel string) string {
	return path.Join(f.root, joinRemote("", rel))
}

// List walks the tree under root.
func (f *FTP) List(ctx context.Context, root string) ([]Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	base := f.abs(root)
	var entries []Entry
	w := f.conn.Walk(base)
	for w.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := w.Err(); err != nil {
			if isFTPNotFound(err) && w.Path() == base {
				return nil, fmt.Errorf("%w: %s", ErrNotFound, base)
			}
			return nil, fmt.Errorf("failed to walk %s: %w", w.Path(), err)
		}
		st := w.Stat()
		if strings.HasPrefix(st.Name, ".") {
			if st.Type == ftp.EntryTypeFolder {
				w.SkipDir()
			}
			continue
		}
		if st.Type != ftp.EntryTypeFile {
			continue
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(w.Path(), base), "/")
		entries = append(entries, Entry{Path: rel, Size: int64(st.Size), ModTime: st.Time})
	}
	return entries, nil
}

// Put uploads localPath, creating parent directories first.
func (f *FTP) Put(ctx context.Context, localPath, remotePath string) error {
	src, err := f.opts.LocalFS.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer src.Close()

	target := f.abs(remotePath)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.mkdirAll(path.Dir(target)); err != nil {
		return err
	}
	if err := f.conn.Stor(target, newReader(ctx, src, f.opts.Limiter)); err != nil {
		return fmt.Errorf("failed to upload %s: %w", remotePath, err)
	}
	return nil
}

// Get downloads remotePath to localPath.
func (f *FTP) Get(ctx context.Context, remotePath, localPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	resp, err := f.conn.Retr(f.abs(remotePath))
	if err != nil {
		if isFTPNotFound(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, remotePath)
		}
		return fmt.Errorf("failed to download %s: %w", remotePath, err)
	}
	_, copyErr := writeAtomic(ctx, f.opts.LocalFS, localPath, resp, f.opts.Limiter)
	if cerr := resp.Close(); copyErr == nil && cerr != nil {
		copyErr = fmt.Errorf("failed to finish download of %s: %w", remotePath, cerr)
	}
	return copyErr
}

// Delete removes remotePath. A file that is already gone counts as deleted.
func (f *FTP) Delete(ctx context.Context, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.conn.Delete(f.abs(remotePath)); err != nil && !isFTPNotFound(err) {
		return fmt.Errorf("failed to delete %s: %w", remotePath, err)
	}
	return nil
}

// EnsureContainer creates directory p and its parents.
func (f *FTP) EnsureContainer(_ context.Context, p string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mkdirAll(f.abs(p))
}

func (f *FTP) mkdirAll(dir string) error {
	current := ""
	for _, part := range strings.Split(strings.Trim(dir, "/"), "/") {
		if part == "" {
			continue
		}
		current += "/" + part
		if err := f.conn.MakeDir(current); err != nil {
			// 550 also covers "already exists"; confirm by changing into it
			if cerr := f.conn.ChangeDir(current); cerr != nil {
				return fmt.Errorf("failed to create ftp directory %s: %w", current, err)
			}
		}
	}
	return nil
}

// Fingerprint is never available over FTP.
func (f *FTP) Fingerprint(context.Context, Entry) (string, bool, error) {
	return "", false, nil
}

// Close ends the session.
func (f *FTP) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conn.Quit()
}

func isFTPNotFound(err error) bool {
	var terr *textproto.Error
	return errors.As(err, &terr) && terr.Code == ftp.StatusFileUnavailable
}
