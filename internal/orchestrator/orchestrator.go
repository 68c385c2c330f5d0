// Package orchestrator keeps the change monitor and the scheduler in line
// with the stored configurations and is the single entry point for
// starting a sync.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"filesyncd/internal/monitor/scheduler"
	fsync "filesyncd/internal/sync"
)

// Store is the configuration source.
type Store interface {
	GetConfig(ctx context.Context, id int64) (*fsync.SyncConfig, error)
	ListConfigs(ctx context.Context, activeOnly bool) ([]*fsync.SyncConfig, error)
}

// Engine runs and previews reconciliations.
type Engine interface {
	Sync(ctx context.Context, cfg *fsync.SyncConfig, trigger string) (*fsync.Result, error)
	Preview(ctx context.Context, cfg *fsync.SyncConfig) (*fsync.SyncPlan, error)
	TestConnection(ctx context.Context, cfg *fsync.SyncConfig) (int, error)
}

// Watcher is the live watch registry of the change monitor.
type Watcher interface {
	Add(configID int64, root string, ignore []string) error
	Remove(root string)
	Watching() map[string]int64
}

// Scheduler is the live schedule registry and task queue.
type Scheduler interface {
	Register(ctx context.Context, configID int64, sched fsync.Schedule) error
	Unregister(configID int64)
	Registered() map[int64]fsync.Schedule
	Enqueue(configID int64, trigger string) (scheduler.TaskInfo, error)
}

// Options configures an Orchestrator.
type Options struct {
	// InitialSync enqueues every active config when Reload runs at startup.
	InitialSync bool
	Logger      logrus.FieldLogger
}

// Orchestrator reconciles configuration with the monitor and scheduler
// registrations.
type Orchestrator struct {
	store       Store
	engine      Engine
	initialSync bool
	log         logrus.FieldLogger

	mu      sync.Mutex
	watcher Watcher
	sched   Scheduler
	// ignores remembers the mask each root was watched with so a mask
	// change re-adds the watch.
	ignores map[string]string
}

// New creates an orchestrator. Bind must be called before Reload.
func New(store Store, engine Engine, opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Orchestrator{
		store:       store,
		engine:      engine,
		initialSync: opts.InitialSync,
		log:         opts.Logger.WithField("component", "orchestrator"),
		ignores:     make(map[string]string),
	}
}

// Bind attaches the registries. Either may be nil.
func (o *Orchestrator) Bind(w Watcher, s Scheduler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.watcher = w
	o.sched = s
}

// ReloadResult counts what a reload changed.
type ReloadResult struct {
	WatchesAdded     int `json:"watches_added"`
	WatchesRemoved   int `json:"watches_removed"`
	SchedulesAdded   int `json:"schedules_added"`
	SchedulesRemoved int `json:"schedules_removed"`
	Enqueued         int `json:"enqueued"`
}

type desiredWatch struct {
	configID int64
	ignore   string
}

// Reload diffs the desired registrations against the live ones. Unchanged
// registrations are left alone. With startup set, run_on_startup configs
// (or every active config when initial sync is enabled) are enqueued.
func (o *Orchestrator) Reload(ctx context.Context, startup bool) (ReloadResult, error) {
	var res ReloadResult
	configs, err := o.store.ListConfigs(ctx, true)
	if err != nil {
		return res, fmt.Errorf("failed to load configurations: %w", err)
	}
	sort.Slice(configs, func(i, j int) bool { return configs[i].ID < configs[j].ID })

	watches := make(map[string]desiredWatch)
	schedules := make(map[int64]fsync.Schedule)
	for _, c := range configs {
		if c.RealtimeMonitor {
			watches[filepath.Clean(c.SourcePath)] = desiredWatch{c.ID, c.IgnoreMask}
		}
		if c.Schedule.Set() {
			schedules[c.ID] = c.Schedule
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	var errs []error
	if o.watcher != nil {
		live := o.watcher.Watching()
		for root, id := range live {
			want, ok := watches[root]
			if !ok || want.configID != id || want.ignore != o.ignores[root] {
				o.watcher.Remove(root)
				delete(o.ignores, root)
				delete(live, root)
				res.WatchesRemoved++
			}
		}
		for root, want := range watches {
			if _, ok := live[root]; ok {
				continue
			}
			cfg := configByID(configs, want.configID)
			if err := o.watcher.Add(want.configID, root, cfg.IgnorePatterns()); err != nil {
				errs = append(errs, fmt.Errorf("config %d: %w", want.configID, err))
				continue
			}
			o.ignores[root] = want.ignore
			res.WatchesAdded++
		}
	}

	if o.sched != nil {
		for id, sched := range o.sched.Registered() {
			if want, ok := schedules[id]; !ok || want != sched {
				o.sched.Unregister(id)
				res.SchedulesRemoved++
			}
		}
		live := o.sched.Registered()
		for id, sched := range schedules {
			if _, ok := live[id]; ok {
				continue
			}
			if err := o.sched.Register(ctx, id, sched); err != nil {
				errs = append(errs, fmt.Errorf("config %d: %w", id, err))
				continue
			}
			res.SchedulesAdded++
		}

		if startup {
			for _, c := range configs {
				if !o.initialSync && !c.RunOnStartup {
					continue
				}
				if _, err := o.sched.Enqueue(c.ID, scheduler.TriggerStartup); err != nil {
					o.log.WithError(err).WithField("config", c.ID).Warn("Startup sync not enqueued")
					continue
				}
				res.Enqueued++
			}
		}
	}

	o.log.WithFields(logrus.Fields{
		"watches":   len(watches),
		"schedules": len(schedules),
		"added":     res.WatchesAdded + res.SchedulesAdded,
		"removed":   res.WatchesRemoved + res.SchedulesRemoved,
	}).Info("Configuration reloaded")
	return res, errors.Join(errs...)
}

func configByID(configs []*fsync.SyncConfig, id int64) *fsync.SyncConfig {
	for _, c := range configs {
		if c.ID == id {
			return c
		}
	}
	return &fsync.SyncConfig{}
}

// Trigger runs one sync for configID in the caller's goroutine. It adds no
// queueing of its own.
func (o *Orchestrator) Trigger(ctx context.Context, configID int64, trigger string) (*fsync.Result, error) {
	cfg, err := o.store.GetConfig(ctx, configID)
	if err != nil {
		return nil, err
	}
	return o.engine.Sync(ctx, cfg, trigger)
}

// TriggerAsync is the fire-and-forget form used by the change monitor.
// A run already in progress for the config swallows the trigger.
func (o *Orchestrator) TriggerAsync(ctx context.Context, trigger string) func(configID int64) {
	return func(configID int64) {
		_, err := o.Trigger(ctx, configID, trigger)
		log := o.log.WithFields(logrus.Fields{"config": configID, "trigger": trigger})
		switch {
		case err == nil:
		case errors.Is(err, fsync.ErrRunInProgress), errors.Is(err, fsync.ErrConfigInactive):
			log.WithError(err).Debug("Trigger ignored")
		default:
			log.WithError(err).Warn("Triggered sync failed")
		}
	}
}

// Preview returns the plan the next run of configID would execute.
func (o *Orchestrator) Preview(ctx context.Context, configID int64) (*fsync.SyncPlan, error) {
	cfg, err := o.store.GetConfig(ctx, configID)
	if err != nil {
		return nil, err
	}
	return o.engine.Preview(ctx, cfg)
}

// TestConnection checks that the target of configID is reachable and
// listable.
func (o *Orchestrator) TestConnection(ctx context.Context, configID int64) (int, error) {
	cfg, err := o.store.GetConfig(ctx, configID)
	if err != nil {
		return 0, err
	}
	return o.engine.TestConnection(ctx, cfg)
}
