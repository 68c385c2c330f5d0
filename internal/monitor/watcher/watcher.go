// Package watcher turns filesystem events under watched source roots into
// one sync trigger per logically complete change.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	fsync "filesyncd/internal/sync"
)

// DefaultDebounce is the window in which a repeated (type, path) event is
// dropped.
const DefaultDebounce = 5 * time.Second

// TriggerMonitor is the trigger source recorded for monitor-driven runs.
const TriggerMonitor = "monitor"

// EventType is the normalized kind of a filesystem event.
type EventType string

const (
	Created  EventType = "created"
	Modified EventType = "modified"
	Deleted  EventType = "deleted"
	Moved    EventType = "moved"
)

// Event is one filesystem change under a watched root. Dest is only set
// for moves whose destination is known.
type Event struct {
	Type EventType
	Path string
	Dest string
}

// Store is the persistence the monitor writes pending state to.
type Store interface {
	MarkPending(ctx context.Context, configID int64, path string, mtime time.Time) error
	AddPendingMarker(ctx context.Context, configID int64, trigger, message string, at time.Time) (int64, error)
}

// TriggerFunc starts a sync for a config. The monitor calls it in its own
// goroutine and never waits for it.
type TriggerFunc func(configID int64)

// Options configures a Monitor.
type Options struct {
	Debounce time.Duration
	FS       afero.Fs
	Clock    clockwork.Clock
	Logger   logrus.FieldLogger
}

// Monitor owns one fsnotify watcher per source root.
type Monitor struct {
	store    Store
	trigger  TriggerFunc
	fs       afero.Fs
	clock    clockwork.Clock
	log      logrus.FieldLogger
	debounce time.Duration

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu       sync.Mutex
	watches  map[string]*watch
	sizes    map[string]observation
	lastSeen map[string]time.Time
}

type watch struct {
	configID int64
	root     string
	scanner  *fsync.Scanner
	fsw      *fsnotify.Watcher
	cancel   context.CancelFunc
}

// observation is the SizeObserved state of one (config, path).
type observation struct {
	w    *watch
	rel  string
	size int64
	at   time.Time
}

// New creates a monitor. Watches are added with Add.
func New(store Store, trigger TriggerFunc, opts Options) *Monitor {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.FS == nil {
		opts.FS = afero.NewOsFs()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Monitor{
		store:    store,
		trigger:  trigger,
		fs:       opts.FS,
		clock:    opts.Clock,
		log:      opts.Logger.WithField("component", "monitor"),
		debounce: opts.Debounce,
		ctx:      ctx,
		stop:     stop,
		watches:  make(map[string]*watch),
		sizes:    make(map[string]observation),
		lastSeen: make(map[string]time.Time),
	}
}

// Start re-checks files whose size was observed once but that produced no
// further event, until ctx is done. Then it closes every watch.
func (m *Monitor) Start(ctx context.Context) {
	ticker := m.clock.NewTicker(m.debounce)
	defer ticker.Stop()
	defer m.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			m.settle()
		}
	}
}

// Close stops every watch and waits for the event loops to exit.
func (m *Monitor) Close() {
	m.stop()
	m.mu.Lock()
	for root, w := range m.watches {
		m.closeWatch(w)
		delete(m.watches, root)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// Watching returns the config registered for each watched root.
func (m *Monitor) Watching() map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64, len(m.watches))
	for root, w := range m.watches {
		out[root] = w.configID
	}
	return out
}

// Add starts watching root recursively on behalf of configID. Paths
// matching ignore patterns, and dot-directories, are not watched.
func (m *Monitor) Add(configID int64, root string, ignore []string) error {
	root = filepath.Clean(root)
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	ctx, cancel := context.WithCancel(m.ctx)
	w := &watch{configID: configID, root: root, scanner: fsync.NewScanner(ignore), fsw: fsw, cancel: cancel}

	if err := m.addRecursive(w, root); err != nil {
		cancel()
		if cerr := fsw.Close(); cerr != nil {
			m.log.WithError(cerr).Warn("Failed to close file watcher")
		}
		return fmt.Errorf("failed to add watches for %s: %w", root, err)
	}

	m.mu.Lock()
	if old, ok := m.watches[root]; ok {
		m.closeWatch(old)
	}
	m.watches[root] = w
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(ctx, w)
	}()
	m.log.WithFields(logrus.Fields{"config": configID, "root": root}).Info("Watching source tree")
	return nil
}

// Remove stops watching root.
func (m *Monitor) Remove(root string) {
	root = filepath.Clean(root)
	m.mu.Lock()
	w, ok := m.watches[root]
	if ok {
		m.closeWatch(w)
		delete(m.watches, root)
		for key, obs := range m.sizes {
			if obs.w == w {
				delete(m.sizes, key)
			}
		}
	}
	m.mu.Unlock()
	if ok {
		m.log.WithFields(logrus.Fields{"config": w.configID, "root": root}).Info("Stopped watching source tree")
	}
}

func (m *Monitor) closeWatch(w *watch) {
	w.cancel()
	if err := w.fsw.Close(); err != nil {
		m.log.WithError(err).Warn("Failed to close file watcher")
	}
}

// addRecursive adds dir and every non-hidden, non-ignored directory below it.
// fsnotify doesn't watch recursively.
func (m *Monitor) addRecursive(w *watch, dir string) error {
	return afero.Walk(m.fs, dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}
		if rel, ok := fsync.RelPath(w.root, p); ok && rel != "" && w.scanner.Excluded(rel) {
			return filepath.SkipDir
		}
		return w.fsw.Add(p)
	})
}

func (m *Monitor) run(ctx context.Context, w *watch) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			m.dispatch(ctx, w, ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			m.log.WithError(err).WithField("root", w.root).Warn("Watcher error")
		}
	}
}

// dispatch maps a raw fsnotify event onto the monitor's event types. A new
// directory is watched and the files already inside it are reported.
func (m *Monitor) dispatch(ctx context.Context, w *watch, ev fsnotify.Event) {
	switch {
	case ev.Has(fsnotify.Create):
		if info, err := m.fs.Stat(ev.Name); err == nil && info.IsDir() {
			if err := m.addRecursive(w, ev.Name); err != nil {
				m.log.WithError(err).WithField("path", ev.Name).Warn("Failed to watch new directory")
			}
			_ = afero.Walk(m.fs, ev.Name, func(p string, info os.FileInfo, err error) error {
				if err == nil && !info.IsDir() {
					m.handle(ctx, w, Event{Type: Created, Path: p})
				}
				return nil
			})
			return
		}
		m.handle(ctx, w, Event{Type: Created, Path: ev.Name})
	case ev.Has(fsnotify.Write):
		m.handle(ctx, w, Event{Type: Modified, Path: ev.Name})
	case ev.Has(fsnotify.Remove):
		m.handle(ctx, w, Event{Type: Deleted, Path: ev.Name})
	case ev.Has(fsnotify.Rename):
		// fsnotify reports the old name only; the new name, if it stays in
		// a watched tree, arrives as its own Create.
		m.handle(ctx, w, Event{Type: Moved, Path: ev.Name})
	}
}

// Handle processes one event for the watch registered at root.
func (m *Monitor) Handle(ctx context.Context, root string, ev Event) {
	m.mu.Lock()
	w, ok := m.watches[filepath.Clean(root)]
	m.mu.Unlock()
	if !ok {
		m.log.WithField("root", root).Warn("Event for unwatched root dropped")
		return
	}
	m.handle(ctx, w, ev)
}

// handle contains any failure to the single event.
func (m *Monitor) handle(ctx context.Context, w *watch, ev Event) {
	log := m.log.WithFields(logrus.Fields{"config": w.configID, "event": ev.Type, "path": ev.Path})
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("Event handler panicked, event dropped")
		}
	}()
	if err := m.process(ctx, w, ev, false); err != nil {
		log.WithError(err).Warn("Event dropped")
	}
}

func (m *Monitor) debounced(ev Event, now time.Time) bool {
	key := string(ev.Type) + ":" + ev.Path
	m.mu.Lock()
	defer m.mu.Unlock()
	if last, ok := m.lastSeen[key]; ok && now.Sub(last) < m.debounce {
		return true
	}
	m.lastSeen[key] = now
	return false
}

func (m *Monitor) process(ctx context.Context, w *watch, ev Event, settling bool) error {
	now := m.clock.Now()
	if !settling && m.debounced(ev, now) {
		return nil
	}

	rel, ok := fsync.RelPath(w.root, ev.Path)
	if !ok || rel == "" {
		return nil
	}
	if w.scanner.Excluded(rel) {
		return nil
	}

	switch ev.Type {
	case Created, Modified:
		return m.observe(ctx, w, ev, rel, now)

	case Deleted:
		m.forget(w, rel)
		return m.ready(ctx, w, now, fmt.Sprintf("change detected: %s deleted", rel), pending{rel, time.Time{}})

	case Moved:
		m.forget(w, rel)
		if ev.Dest == "" {
			return m.ready(ctx, w, now, fmt.Sprintf("change detected: %s moved away", rel), pending{rel, time.Time{}})
		}
		destRel, inside := fsync.RelPath(w.root, ev.Dest)
		if !inside || destRel == "" {
			return fmt.Errorf("move destination %s is outside %s", ev.Dest, w.root)
		}
		paths := []pending{{rel, time.Time{}}}
		if !w.scanner.Excluded(destRel) {
			var mtime time.Time
			if info, err := m.fs.Stat(ev.Dest); err == nil {
				mtime = info.ModTime()
			}
			paths = append(paths, pending{destRel, mtime})
		}
		return m.ready(ctx, w, now, fmt.Sprintf("change detected: %s moved to %s", rel, destRel), paths...)
	}
	return fmt.Errorf("unknown event type %q", ev.Type)
}

// observe runs the size-stability state machine for a created or modified
// file: an empty file is ready at once; otherwise the size must be seen
// unchanged on two consecutive observations.
func (m *Monitor) observe(ctx context.Context, w *watch, ev Event, rel string, now time.Time) error {
	info, err := m.fs.Stat(ev.Path)
	if err != nil {
		m.forget(w, rel)
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("file vanished before it could be inspected: %w", err)
		}
		return err
	}
	if info.IsDir() {
		return nil
	}

	size := info.Size()
	key := sizeKey(w.configID, rel)
	msg := fmt.Sprintf("change detected: %s %s", rel, ev.Type)
	if size == 0 {
		m.forget(w, rel)
		return m.ready(ctx, w, now, msg, pending{rel, info.ModTime()})
	}

	m.mu.Lock()
	prev, seen := m.sizes[key]
	if !seen || prev.size != size {
		m.sizes[key] = observation{w: w, rel: rel, size: size, at: now}
		m.mu.Unlock()
		return nil
	}
	delete(m.sizes, key)
	m.mu.Unlock()
	return m.ready(ctx, w, now, msg, pending{rel, info.ModTime()})
}

func (m *Monitor) forget(w *watch, rel string) {
	m.mu.Lock()
	delete(m.sizes, sizeKey(w.configID, rel))
	m.mu.Unlock()
}

type pending struct {
	rel   string
	mtime time.Time
}

// ready marks paths pending, appends a pending history marker and fires
// the trigger without waiting for it.
func (m *Monitor) ready(ctx context.Context, w *watch, now time.Time, msg string, paths ...pending) error {
	var errs []error
	for _, p := range paths {
		if err := m.store.MarkPending(ctx, w.configID, p.rel, p.mtime); err != nil {
			errs = append(errs, fmt.Errorf("mark %s pending: %w", p.rel, err))
		}
	}
	if _, err := m.store.AddPendingMarker(ctx, w.configID, TriggerMonitor, msg, now); err != nil {
		errs = append(errs, err)
	}

	m.log.WithFields(logrus.Fields{"config": w.configID, "paths": len(paths)}).Info(msg)
	if m.trigger != nil {
		go m.trigger(w.configID)
	}
	return errors.Join(errs...)
}

// settle gives files observed once, and quiet for a debounce window, their
// second observation. It also drops expired debounce entries.
func (m *Monitor) settle() {
	now := m.clock.Now()
	var due []observation

	m.mu.Lock()
	for key, seen := range m.lastSeen {
		if now.Sub(seen) >= m.debounce {
			delete(m.lastSeen, key)
		}
	}
	for _, obs := range m.sizes {
		if now.Sub(obs.at) >= m.debounce {
			due = append(due, obs)
		}
	}
	m.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].rel < due[j].rel })
	for _, obs := range due {
		ev := Event{Type: Modified, Path: filepath.Join(obs.w.root, filepath.FromSlash(obs.rel))}
		if err := m.process(m.ctx, obs.w, ev, true); err != nil {
			m.log.WithError(err).WithField("path", obs.rel).Debug("Settle check dropped")
		}
	}
}

func sizeKey(configID int64, rel string) string {
	return fmt.Sprintf("%d:%s", configID, rel)
}
