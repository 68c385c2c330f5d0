package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// SFTP stores files on an SSH server. Like FTP it has no content hash.
type SFTP struct {
	ssh    *ssh.Client
	client *sftp.Client
	root   string
	opts   Options
}

func openSFTP(ctx context.Context, settings Settings, opts Options) (Backend, error) {
	if err := settings.Require("server", "username"); err != nil {
		return nil, err
	}
	auth, err := sftpAuth(settings)
	if err != nil {
		return nil, err
	}
	hostKey, err := sftpHostKey(settings)
	if err != nil {
		return nil, err
	}
	cfg := &ssh.ClientConfig{
		User:            settings["username"],
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         30 * time.Second,
	}
	addr := net.JoinHostPort(settings["server"], strconv.Itoa(settings.Int("port", 22)))

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s failed: %w", addr, err)
	}
	sshClient := ssh.NewClient(c, chans, reqs)
	client, err := sftp.NewClient(sshClient)
	if err != nil {
		_ = sshClient.Close()
		return nil, fmt.Errorf("failed to start sftp session: %w", err)
	}
	return &SFTP{
		ssh:    sshClient,
		client: client,
		root:   path.Clean("/" + strings.Trim(settings.String("folder", ""), "/")),
		opts:   opts,
	}, nil
}

func sftpAuth(settings Settings) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if keyFile := settings.String("key_file", ""); keyFile != "" {
		keyFile, err := homedir.Expand(keyFile)
		if err != nil {
			return nil, err
		}
		pem, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("failed to parse ssh key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if pw := settings.String("password", ""); pw != "" {
		methods = append(methods, ssh.Password(pw))
	}
	if len(methods) == 0 {
		return nil, errors.New("sftp target needs password or key_file")
	}
	return methods, nil
}

func sftpHostKey(settings Settings) (ssh.HostKeyCallback, error) {
	if line := settings.String("host_key", ""); line != "" {
		pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
		if err != nil {
			return nil, fmt.Errorf("invalid host_key: %w", err)
		}
		return ssh.FixedHostKey(pub), nil
	}
	if settings.Bool("insecure_ignore_host_key", false) {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	return nil, errors.New("sftp target needs host_key (or insecure_ignore_host_key: true)")
}

func (s *SFTP) abs(rel string) string {
	return path.Join(s.root, joinRemote("", rel))
}

// List walks the tree under root.
func (s *SFTP) List(ctx context.Context, root string) ([]Entry, error) {
	base := s.abs(root)
	if _, err := s.client.Stat(base); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, base)
		}
		return nil, fmt.Errorf("failed to stat %s: %w", base, err)
	}
	var entries []Entry
	w := s.client.Walk(base)
	for w.Step() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := w.Err(); err != nil {
			return nil, fmt.Errorf("failed to walk %s: %w", w.Path(), err)
		}
		if w.Path() == base {
			continue
		}
		st := w.Stat()
		if strings.HasPrefix(st.Name(), ".") {
			if st.IsDir() {
				w.SkipDir()
			}
			continue
		}
		if !st.Mode().IsRegular() {
			continue
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(w.Path(), base), "/")
		entries = append(entries, Entry{Path: rel, Size: st.Size(), ModTime: st.ModTime()})
	}
	return entries, nil
}

// Put uploads through a hidden temp name and renames it into place.
func (s *SFTP) Put(ctx context.Context, localPath, remotePath string) error {
	src, err := s.opts.LocalFS.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer src.Close()
	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat source file: %w", err)
	}

	target := s.abs(remotePath)
	if err := s.client.MkdirAll(path.Dir(target)); err != nil {
		return fmt.Errorf("failed to create %s: %w", path.Dir(target), err)
	}
	tmp := path.Join(path.Dir(target), "."+path.Base(target)+".filesyncd.tmp")
	dst, err := s.client.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}
	_, copyErr := copyStream(ctx, dst, src, s.opts.Limiter)
	if cerr := dst.Close(); copyErr == nil {
		copyErr = cerr
	}
	if copyErr != nil {
		_ = s.client.Remove(tmp)
		return fmt.Errorf("failed to upload %s: %w", remotePath, copyErr)
	}
	if err := s.client.PosixRename(tmp, target); err != nil {
		_ = s.client.Remove(tmp)
		return fmt.Errorf("failed to move %s into place: %w", remotePath, err)
	}
	if s.opts.PreserveTimes {
		if err := s.client.Chtimes(target, info.ModTime(), info.ModTime()); err != nil {
			s.opts.Logger.WithError(err).Warnf("Failed to preserve mtime on %s", target)
		}
	}
	return nil
}

// Get downloads remotePath to localPath.
func (s *SFTP) Get(ctx context.Context, remotePath, localPath string) error {
	src, err := s.client.Open(s.abs(remotePath))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, remotePath)
		}
		return fmt.Errorf("failed to open %s: %w", remotePath, err)
	}
	defer src.Close()
	info, statErr := src.Stat()
	if _, err := writeAtomic(ctx, s.opts.LocalFS, localPath, src, s.opts.Limiter); err != nil {
		return err
	}
	if s.opts.PreserveTimes && statErr == nil {
		_ = s.opts.LocalFS.Chtimes(localPath, info.ModTime(), info.ModTime())
	}
	return nil
}

// Delete removes remotePath. A file that is already gone counts as deleted.
func (s *SFTP) Delete(ctx context.Context, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.client.Remove(s.abs(remotePath)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete %s: %w", remotePath, err)
	}
	return nil
}

// EnsureContainer creates directory p and its parents.
func (s *SFTP) EnsureContainer(_ context.Context, p string) error {
	if err := s.client.MkdirAll(s.abs(p)); err != nil {
		return fmt.Errorf("failed to create %s: %w", s.abs(p), err)
	}
	return nil
}

// Fingerprint is never available over SFTP.
func (s *SFTP) Fingerprint(context.Context, Entry) (string, bool, error) {
	return "", false, nil
}

// Close ends the sftp session and the ssh connection.
func (s *SFTP) Close() error {
	err := s.client.Close()
	if cerr := s.ssh.Close(); err == nil {
		err = cerr
	}
	return err
}
