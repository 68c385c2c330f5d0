package sync

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"filesyncd/internal/backend"
)

// DefaultWorkers bounds concurrent transfers within one run.
const DefaultWorkers = 4

// Options configures a Reconciler.
type Options struct {
	// Workers bounds concurrent transfers within a single run.
	Workers int
	// Backend is passed to every connector the reconciler opens.
	Backend backend.Options
	Sink    Sink
	Clock   clockwork.Clock
	Logger  logrus.FieldLogger
}

// Result summarizes one finished run.
type Result struct {
	RunID    int64     `json:"run_id"`
	ConfigID int64     `json:"config_id"`
	Status   RunStatus `json:"status"`
	Counts   Counts    `json:"counts"`
	Message  string    `json:"message"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
}

// Reconciler computes and applies the diff between a configuration's source
// and destination. At most one run per configuration executes at a time.
type Reconciler struct {
	store    Store
	registry *backend.Registry
	opts     backend.Options
	sink     Sink
	clock    clockwork.Clock
	log      logrus.FieldLogger
	workers  int

	mu      sync.Mutex
	running map[int64]struct{}
}

// NewReconciler creates a reconciler writing to store and opening targets
// through registry.
func NewReconciler(store Store, registry *backend.Registry, opts Options) *Reconciler {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Sink == nil {
		opts.Sink = Discard
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Backend.Logger == nil {
		opts.Backend.Logger = opts.Logger
	}
	if opts.Backend.Hashes == nil {
		opts.Backend.Hashes = backend.NewHashCache(backend.DefaultHashCacheSize)
	}
	return &Reconciler{
		store:    store,
		registry: registry,
		opts:     opts.Backend,
		sink:     opts.Sink,
		clock:    opts.Clock,
		log:      opts.Logger.WithField("component", "reconciler"),
		workers:  opts.Workers,
		running:  make(map[int64]struct{}),
	}
}

// Running reports whether a run for configID is executing.
func (r *Reconciler) Running(configID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.running[configID]
	return ok
}

func (r *Reconciler) acquire(configID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.running[configID]; ok {
		return false
	}
	r.running[configID] = struct{}{}
	return true
}

func (r *Reconciler) release(configID int64) {
	r.mu.Lock()
	delete(r.running, configID)
	r.mu.Unlock()
}

// session holds the opened backends of one run.
type session struct {
	target  backend.Backend
	ends    endpoints
	scanner *Scanner
}

func (s *session) Close() error {
	return s.target.Close()
}

// open connects the target and binds source and destination for the
// configuration's direction.
func (r *Reconciler) open(ctx context.Context, cfg *SyncConfig) (*session, error) {
	opts := r.opts
	opts.PreserveTimes = cfg.PreserveTimestamps
	target, err := r.registry.Open(ctx, cfg.TargetType, cfg.TargetSettings, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s target: %w", cfg.TargetType, err)
	}
	local := backend.NewLocal(cfg.SourcePath, opts)

	s := &session{target: target, scanner: NewScanner(cfg.IgnorePatterns())}
	switch cfg.Direction {
	case Pull:
		s.ends = endpoints{
			source: target,
			dest:   local,
			copy: func(ctx context.Context, rel string) error {
				return target.Get(ctx, rel, local.Abs(rel))
			},
			remove: local.Delete,
			describe: func(rel string) (string, string) {
				return cfg.TargetType + ":" + rel, local.Abs(rel)
			},
		}
	default:
		s.ends = endpoints{
			source: local,
			dest:   target,
			copy: func(ctx context.Context, rel string) error {
				return target.Put(ctx, local.Abs(rel), rel)
			},
			remove: target.Delete,
			describe: func(rel string) (string, string) {
				return local.Abs(rel), cfg.TargetType + ":" + rel
			},
		}
	}
	return s, nil
}

// plan enumerates both sides and diffs them.
func (r *Reconciler) plan(ctx context.Context, cfg *SyncConfig, s *session, log logrus.FieldLogger) (*SyncPlan, map[string]FileState, error) {
	if err := s.ends.dest.EnsureContainer(ctx, ""); err != nil {
		return nil, nil, fmt.Errorf("failed to prepare destination: %w", err)
	}
	source, err := s.scanner.Scan(ctx, s.ends.source, "")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list source: %w", err)
	}
	dest, err := s.scanner.Scan(ctx, s.ends.dest, "")
	if err != nil {
		if !errors.Is(err, backend.ErrNotFound) {
			return nil, nil, fmt.Errorf("failed to list destination: %w", err)
		}
		dest = NewManifest("")
	}
	states, err := r.store.FileStates(ctx, cfg.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load file states: %w", err)
	}
	plan, err := CompareManifests(ctx, source, dest, states, s.ends.source, s.ends.dest, cfg.DeleteMissing, log)
	if err != nil {
		return nil, nil, err
	}
	return plan, states, nil
}

// TestConnection opens the target, prepares its container and lists its
// root. It returns the number of visible entries.
func (r *Reconciler) TestConnection(ctx context.Context, cfg *SyncConfig) (int, error) {
	s, err := r.open(ctx, cfg)
	if err != nil {
		return 0, err
	}
	defer s.Close()
	if err := s.target.EnsureContainer(ctx, ""); err != nil {
		return 0, fmt.Errorf("failed to prepare target: %w", err)
	}
	m, err := s.scanner.Scan(ctx, s.target, "")
	if err != nil && !errors.Is(err, backend.ErrNotFound) {
		return 0, fmt.Errorf("failed to list target: %w", err)
	}
	if m == nil {
		return 0, nil
	}
	return len(m.Paths()), nil
}

// Preview returns the plan a run would execute without applying it.
func (r *Reconciler) Preview(ctx context.Context, cfg *SyncConfig) (*SyncPlan, error) {
	s, err := r.open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	plan, _, err := r.plan(ctx, cfg, s, r.log.WithField("config", cfg.ID))
	return plan, err
}

type runObserverKey struct{}

// WithRunObserver returns a context under which Sync reports the history id
// of the run it starts, before any backend call is made.
func WithRunObserver(ctx context.Context, fn func(runID int64)) context.Context {
	return context.WithValue(ctx, runObserverKey{}, fn)
}

// NotifyRunStarted calls the observer installed by WithRunObserver, if any.
func NotifyRunStarted(ctx context.Context, runID int64) {
	if fn, ok := ctx.Value(runObserverKey{}).(func(int64)); ok && fn != nil {
		fn(runID)
	}
}

// Sync runs one reconciliation pass for cfg and records it as a history
// row. Connection failures abort the run and are returned alongside the
// failed Result; per-file failures only show up in the counts. When ctx is
// cancelled with cause ErrRunTimeout the run is recorded as timed out.
func (r *Reconciler) Sync(ctx context.Context, cfg *SyncConfig, trigger string) (*Result, error) {
	if !cfg.IsActive {
		return nil, ErrConfigInactive
	}
	if !r.acquire(cfg.ID) {
		return nil, ErrRunInProgress
	}
	defer r.release(cfg.ID)

	log := r.log.WithFields(logrus.Fields{"config": cfg.ID, "trigger": trigger})
	started := r.clock.Now()
	runID, err := r.store.StartRun(ctx, cfg.ID, trigger, started)
	if err != nil {
		return nil, fmt.Errorf("failed to record run start: %w", err)
	}
	log = log.WithField("run", runID)
	NotifyRunStarted(ctx, runID)
	log.Infof("Starting %s sync of %s", cfg.Direction, cfg.SourcePath)
	r.sink.Publish(Event{Type: EventRunStarted, ConfigID: cfg.ID, RunID: runID, Trigger: trigger, Time: started})

	res := &Result{RunID: runID, ConfigID: cfg.ID, Started: started}
	counts, runErr := r.execute(ctx, cfg, runID, log)
	res.Counts = counts

	switch {
	case errors.Is(context.Cause(ctx), ErrRunTimeout):
		res.Status = RunTimeout
		res.Message = fmt.Sprintf("timed out after %s: %s", r.clock.Since(started).Round(time.Second), summary(counts))
	case runErr != nil:
		res.Status = RunFailed
		res.Message = runErr.Error()
	case ctx.Err() != nil:
		res.Status = RunFailed
		res.Message = fmt.Sprintf("cancelled: %s", summary(counts))
	case counts.Errors > 0:
		res.Status = RunFailed
		res.Message = summary(counts)
	default:
		res.Status = RunCompleted
		res.Message = summary(counts)
	}
	res.Finished = r.clock.Now()

	if err := r.store.FinishRun(context.WithoutCancel(ctx), runID, res.Status, counts, res.Message, res.Finished); err != nil {
		if res.Status == RunTimeout {
			// the reaper closes timed-out rows itself
			log.WithError(err).Debug("Run record already finalized")
		} else {
			log.WithError(err).Error("Failed to finalize run record")
		}
	}
	r.sink.Publish(Event{
		Type:     EventRunFinished,
		ConfigID: cfg.ID,
		RunID:    runID,
		Trigger:  trigger,
		Status:   res.Status,
		Counts:   &res.Counts,
		Error:    errString(runErr),
		Time:     res.Finished,
	})

	entry := log.WithField("status", res.Status)
	if res.Status == RunCompleted {
		entry.Info(res.Message)
	} else {
		entry.Warn(res.Message)
	}
	if runErr != nil {
		return res, runErr
	}
	return res, nil
}

func (r *Reconciler) execute(ctx context.Context, cfg *SyncConfig, runID int64, log logrus.FieldLogger) (Counts, error) {
	s, err := r.open(ctx, cfg)
	if err != nil {
		return Counts{}, err
	}
	defer func() {
		if err := s.Close(); err != nil {
			log.WithError(err).Debug("Error closing target")
		}
	}()

	plan, states, err := r.plan(ctx, cfg, s, log)
	if err != nil {
		return Counts{}, err
	}
	log.Debugf("Plan: %d create, %d update, %d delete, %d skip",
		plan.Count(ActionCreate), plan.Count(ActionUpdate), plan.Count(ActionDelete), plan.Count(ActionSkip))

	x := &executor{
		store:   r.store,
		sink:    r.sink,
		log:     log,
		now:     r.clock.Now,
		cfg:     cfg,
		runID:   runID,
		ends:    s.ends,
		states:  states,
		workers: r.workers,
	}
	return x.run(ctx, plan), nil
}

func summary(c Counts) string {
	return fmt.Sprintf("created %d, updated %d, deleted %d, skipped %d, errors %d",
		c.Created, c.Updated, c.Deleted, c.Skipped, c.Errors)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// RelPath converts an absolute path under root to the slash separated form
// used as the file state key. ok is false when p lies outside root.
func RelPath(root, p string) (string, bool) {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(p))
	if err != nil || rel == "." || rel == ".." || len(rel) >= 3 && rel[:3] == ".."+string(filepath.Separator) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}
