package sync

import (
	"context"

	"github.com/sirupsen/logrus"

	"filesyncd/internal/backend"
)

// ActionKind is what the executor does for one path.
type ActionKind string

const (
	ActionCreate ActionKind = "create"
	ActionUpdate ActionKind = "update"
	ActionDelete ActionKind = "delete"
	ActionSkip   ActionKind = "skip"
)

// Action is one planned step. Entry is the source entry for create, update
// and skip, and the destination entry for delete.
type Action struct {
	Kind        ActionKind    `json:"kind"`
	Path        string        `json:"path"`
	Entry       backend.Entry `json:"entry"`
	Reason      string        `json:"reason,omitempty"`
	Fingerprint string        `json:"fingerprint,omitempty"`
}

// SyncPlan describes the actions needed to bring the destination in line
// with the source.
type SyncPlan struct {
	Actions []Action `json:"actions"`
	// Stale lists tracked paths that exist on neither side any more.
	Stale []string `json:"stale,omitempty"`
}

// Count returns how many actions of kind the plan holds.
func (p *SyncPlan) Count(kind ActionKind) int {
	n := 0
	for _, a := range p.Actions {
		if a.Kind == kind {
			n++
		}
	}
	return n
}

// fingerprinter is the slice of the backend contract the planner needs.
type fingerprinter interface {
	Fingerprint(ctx context.Context, e backend.Entry) (string, bool, error)
}

// planner compares two manifests with the stored file states.
type planner struct {
	src, dst fingerprinter
	states   map[string]FileState
	log      logrus.FieldLogger
}

// CompareManifests builds the plan for one run. Source entries missing at
// the destination are created; entries present on both sides go through the
// size, mtime, fingerprint and stored-state checks in that order. Deletions
// are only planned when deleteMissing is set and the engine owns the path.
func CompareManifests(ctx context.Context, source, dest *Manifest, states map[string]FileState,
	srcFP, dstFP fingerprinter, deleteMissing bool, log logrus.FieldLogger) (*SyncPlan, error) {
	p := &planner{src: srcFP, dst: dstFP, states: states, log: log}
	plan := &SyncPlan{}

	for _, path := range source.Paths() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		srcEntry := source.Files[path]
		dstEntry, exists := dest.GetFile(path)
		if !exists {
			plan.Actions = append(plan.Actions, Action{Kind: ActionCreate, Path: path, Entry: srcEntry, Reason: "missing at destination"})
			continue
		}
		plan.Actions = append(plan.Actions, p.compare(ctx, srcEntry, dstEntry))
	}

	deletes, stale := identifyDeletions(source, dest, states, deleteMissing)
	plan.Actions = append(plan.Actions, deletes...)
	plan.Stale = stale
	return plan, nil
}

func (p *planner) compare(ctx context.Context, src, dst backend.Entry) Action {
	update := func(reason, fp string) Action {
		return Action{Kind: ActionUpdate, Path: src.Path, Entry: src, Reason: reason, Fingerprint: fp}
	}

	if sizeChanged(src, dst) {
		return update("size differs", "")
	}
	if newerThan(src, dst) {
		return update("source is newer", "")
	}

	var srcSum string
	var srcOK bool
	sourceSum := func() (string, bool) {
		if !srcOK {
			srcSum, srcOK = p.fingerprint(ctx, p.src, src)
		}
		return srcSum, srcOK
	}

	if dstSum, ok := p.fingerprint(ctx, p.dst, dst); ok {
		if sum, ok := sourceSum(); ok && sum != dstSum {
			return update("content differs", sum)
		}
	}

	if st, ok := p.states[src.Path]; ok {
		if st.Fingerprint != "" {
			if sum, ok := sourceSum(); ok && sum != st.Fingerprint {
				return update("changed since last sync", sum)
			}
		}
		if !st.ModTime.IsZero() && mtimeDrift(st.ModTime, src.ModTime) {
			sum, _ := sourceSum()
			return update("modified since last sync", sum)
		}
	}

	sum := ""
	if srcOK {
		sum = srcSum
	}
	return Action{Kind: ActionSkip, Path: src.Path, Entry: src, Fingerprint: sum}
}

// fingerprint degrades to "absent" on errors so a flaky hash never fails a run.
func (p *planner) fingerprint(ctx context.Context, f fingerprinter, e backend.Entry) (string, bool) {
	if f == nil {
		return "", false
	}
	sum, ok, err := f.Fingerprint(ctx, e)
	if err != nil {
		p.log.WithError(err).WithField("path", e.Path).Debug("Fingerprint unavailable, falling back to size and mtime")
		return "", false
	}
	return sum, ok && sum != ""
}
