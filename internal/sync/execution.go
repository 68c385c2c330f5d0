package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"filesyncd/internal/backend"
)

// endpoints binds the two sides of a run for one direction.
type endpoints struct {
	source backend.Backend
	dest   backend.Backend
	// copy transfers rel from source to destination.
	copy func(ctx context.Context, rel string) error
	// remove deletes rel at the destination.
	remove func(ctx context.Context, rel string) error
	// describe returns the source and target locations of rel for the
	// per-file operation log.
	describe func(rel string) (string, string)
}

// executor applies a plan with continue-on-error semantics. File state rows
// are written only after the matching backend call has succeeded.
type executor struct {
	store   Store
	sink    Sink
	log     logrus.FieldLogger
	now     func() time.Time
	cfg     *SyncConfig
	runID   int64
	ends    endpoints
	states  map[string]FileState
	workers int

	mu     sync.Mutex
	counts Counts
}

func (x *executor) run(ctx context.Context, plan *SyncPlan) Counts {
	x.executeSyncPhase(ctx, plan)
	x.executeCleanupPhase(ctx, plan)

	x.mu.Lock()
	defer x.mu.Unlock()
	return x.counts
}

func (x *executor) executeSyncPhase(ctx context.Context, plan *SyncPlan) {
	g := new(errgroup.Group)
	g.SetLimit(x.workers)
	for _, a := range plan.Actions {
		if a.Kind == ActionSkip {
			x.skip(ctx, a)
			continue
		}
		if ctx.Err() != nil {
			break
		}
		a := a
		g.Go(func() error {
			x.apply(ctx, a)
			return nil
		})
	}
	_ = g.Wait()
}

// executeCleanupPhase drops state rows for paths gone from both sides.
func (x *executor) executeCleanupPhase(ctx context.Context, plan *SyncPlan) {
	storeCtx := context.WithoutCancel(ctx)
	for _, path := range plan.Stale {
		if err := x.store.DeleteFileState(storeCtx, x.cfg.ID, path); err != nil {
			x.log.WithError(err).WithField("path", path).Warn("Failed to drop stale file state")
		}
	}
}

func (x *executor) skip(ctx context.Context, a Action) {
	x.mu.Lock()
	x.counts.Skipped++
	x.mu.Unlock()

	// a path marked pending by the monitor that turned out unchanged
	st, ok := x.states[a.Path]
	if !ok || st.Status != FilePending || !st.Owned() {
		return
	}
	now := x.now()
	st.Status = FileSynced
	st.ModTime = a.Entry.ModTime
	st.LastSync = &now
	if a.Fingerprint != "" {
		st.Fingerprint = a.Fingerprint
	}
	if err := x.store.UpsertFileState(context.WithoutCancel(ctx), st); err != nil {
		x.log.WithError(err).WithField("path", a.Path).Warn("Failed to clear pending state")
	}
}

func (x *executor) apply(ctx context.Context, a Action) {
	log := x.log.WithFields(logrus.Fields{"path": a.Path, "action": a.Kind})

	var err error
	switch a.Kind {
	case ActionCreate, ActionUpdate:
		err = x.ends.copy(ctx, a.Path)
	case ActionDelete:
		err = x.ends.remove(ctx, a.Path)
	default:
		return
	}

	// the backend call is done; bookkeeping must land even if ctx was cancelled
	storeCtx := context.WithoutCancel(ctx)
	if err == nil {
		err = x.commitState(storeCtx, a)
		if err != nil {
			err = fmt.Errorf("file state update failed: %w", err)
		}
	}
	if err != nil {
		log.WithError(err).Warn("File operation failed")
		x.reportError(storeCtx, a, err)
		return
	}

	log.Debug("Synced file")
	x.mu.Lock()
	switch a.Kind {
	case ActionCreate:
		x.counts.Created++
	case ActionUpdate:
		x.counts.Updated++
	case ActionDelete:
		x.counts.Deleted++
	}
	x.mu.Unlock()

	x.record(storeCtx, a, "success", "")
	x.sink.Publish(Event{
		Type:     EventFileSynced,
		ConfigID: x.cfg.ID,
		RunID:    x.runID,
		Path:     a.Path,
		Action:   string(opKind(a.Kind)),
		Size:     a.Entry.Size,
		Time:     x.now(),
	})
}

func (x *executor) commitState(ctx context.Context, a Action) error {
	if a.Kind == ActionDelete {
		return x.store.DeleteFileState(ctx, x.cfg.ID, a.Path)
	}
	fp := a.Fingerprint
	if fp == "" {
		if sum, ok, err := x.ends.source.Fingerprint(ctx, a.Entry); err == nil && ok {
			fp = sum
		}
	}
	now := x.now()
	return x.store.UpsertFileState(ctx, FileState{
		ConfigID:    x.cfg.ID,
		Path:        a.Path,
		Fingerprint: fp,
		ModTime:     a.Entry.ModTime,
		Status:      FileSynced,
		LastSync:    &now,
	})
}

func (x *executor) reportError(ctx context.Context, a Action, err error) {
	x.mu.Lock()
	x.counts.Errors++
	x.mu.Unlock()

	x.record(ctx, a, "error", err.Error())
	x.sink.Publish(Event{
		Type:     EventFileFailed,
		ConfigID: x.cfg.ID,
		RunID:    x.runID,
		Path:     a.Path,
		Action:   string(opKind(a.Kind)),
		Error:    err.Error(),
		Time:     x.now(),
	})
}

func (x *executor) record(ctx context.Context, a Action, status, errMsg string) {
	src, dst := x.ends.describe(a.Path)
	op := FileOperation{
		HistoryID:  x.runID,
		Kind:       opKind(a.Kind),
		Path:       a.Path,
		SourcePath: src,
		TargetPath: dst,
		Size:       a.Entry.Size,
		Status:     status,
		Error:      errMsg,
		CreatedAt:  x.now(),
	}
	if err := x.store.AddFileOperation(ctx, op); err != nil {
		x.log.WithError(err).WithField("path", a.Path).Warn("Failed to record file operation")
	}
}

func opKind(k ActionKind) OpKind {
	switch k {
	case ActionCreate:
		return OpCreated
	case ActionUpdate:
		return OpUpdated
	default:
		return OpDeleted
	}
}
