// Package backend defines the storage contract every sync destination satisfies
// and the concrete connectors selected by a configuration's target type.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/time/rate"
)

// Target types understood by the registry.
const (
	TypeLocal   = "local"
	TypeS3      = "s3"
	TypeGDrive  = "gdrive"
	TypeFTP     = "ftp"
	TypeSFTP    = "sftp"
	TypeSMB     = "smb"
	TypeDropbox = "dropbox"
)

var (
	// ErrUnsupportedTarget is returned when no connector exists for a target type.
	ErrUnsupportedTarget = errors.New("unsupported target type")
	// ErrNotFound is returned when a listing root or object does not exist.
	ErrNotFound = errors.New("not found")
)

// Entry is one file reported by List. Path is slash separated and relative
// to the listing root.
type Entry struct {
	Path        string    `json:"path"`
	Size        int64     `json:"size"`
	ModTime     time.Time `json:"mod_time"`
	Fingerprint string    `json:"fingerprint,omitempty"`
}

// Backend is the uniform contract over every storage kind. Remote paths are
// slash separated and relative to the root the backend was opened with; local
// paths refer to Options.LocalFS.
type Backend interface {
	List(ctx context.Context, root string) ([]Entry, error)
	Put(ctx context.Context, localPath, remotePath string) error
	Get(ctx context.Context, remotePath, localPath string) error
	Delete(ctx context.Context, remotePath string) error
	EnsureContainer(ctx context.Context, p string) error
	// Fingerprint returns a content hash comparable across backends (hex md5),
	// or ok=false when this backend cannot produce one for the entry.
	Fingerprint(ctx context.Context, e Entry) (fp string, ok bool, err error)
	Close() error
}

// Options carries the dependencies shared by all connectors.
type Options struct {
	// LocalFS is the filesystem local paths passed to Put/Get refer to.
	LocalFS afero.Fs
	// Limiter throttles transfer throughput; nil means unlimited.
	Limiter *rate.Limiter
	// Hashes caches local md5 fingerprints.
	Hashes *HashCache
	// PreserveTimes copies the source mtime onto written files where supported.
	PreserveTimes bool
	Logger        logrus.FieldLogger
}

func (o Options) withDefaults() Options {
	if o.LocalFS == nil {
		o.LocalFS = afero.NewOsFs()
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	if o.Hashes == nil {
		o.Hashes = NewHashCache(DefaultHashCacheSize)
	}
	return o
}

// Settings is the backend-specific key/value bag of a configuration.
type Settings map[string]string

// UnmarshalJSON accepts numbers and booleans as well as strings, since
// settings written by hand often carry `"port": 21` or `"use_ssl": true`.
func (s *Settings) UnmarshalJSON(data []byte) error {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Settings, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case nil:
			out[k] = ""
		case string:
			out[k] = val
		case float64:
			out[k] = strconv.FormatFloat(val, 'f', -1, 64)
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	*s = out
	return nil
}

// String returns the value for key or def when unset.
func (s Settings) String(key, def string) string {
	if v, ok := s[key]; ok && v != "" {
		return v
	}
	return def
}

// Int returns the integer value for key or def when unset or malformed.
func (s Settings) Int(key string, def int) int {
	v, ok := s[key]
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Bool returns the boolean value for key or def when unset or malformed.
func (s Settings) Bool(key string, def bool) bool {
	v, ok := s[key]
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// Require returns an error naming every key that is missing or empty.
func (s Settings) Require(keys ...string) error {
	var missing []string
	for _, k := range keys {
		if s[k] == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing target settings: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Factory opens a connector for the given settings.
type Factory func(ctx context.Context, settings Settings, opts Options) (Backend, error)

// Registry maps target types to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry with every built-in connector registered.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register(TypeLocal, openLocal)
	r.Register(TypeS3, openS3)
	r.Register(TypeGDrive, openDrive)
	r.Register(TypeFTP, openFTP)
	r.Register(TypeSFTP, openSFTP)
	r.Register(TypeSMB, unsupported(TypeSMB))
	r.Register(TypeDropbox, unsupported(TypeDropbox))
	return r
}

// Register installs or replaces the factory for kind.
func (r *Registry) Register(kind string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// Kinds lists the registered target types.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Open dispatches on kind and returns a ready connector.
func (r *Registry) Open(ctx context.Context, kind string, settings Settings, opts Options) (Backend, error) {
	r.mu.RLock()
	f, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedTarget, kind)
	}
	if settings == nil {
		settings = Settings{}
	}
	return f(ctx, settings, opts.withDefaults())
}

func unsupported(kind string) Factory {
	return func(context.Context, Settings, Options) (Backend, error) {
		return nil, fmt.Errorf("%w: %s connector is not available in this build", ErrUnsupportedTarget, kind)
	}
}

// IsHidden reports whether any element of the slash separated path starts
// with a dot. Hidden entries are never enumerated or synchronized.
func IsHidden(p string) bool {
	for _, part := range strings.Split(p, "/") {
		if strings.HasPrefix(part, ".") && part != "." && part != ".." {
			return true
		}
	}
	return false
}

// joinRemote joins a backend root with a relative remote path.
func joinRemote(root, rel string) string {
	rel = strings.TrimPrefix(path.Clean("/"+rel), "/")
	if root == "" {
		return rel
	}
	if rel == "" {
		return root
	}
	return path.Join(root, rel)
}
