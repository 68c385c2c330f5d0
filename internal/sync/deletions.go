package sync

import "sort"

// identifyDeletions plans DELETE for destination-only paths the engine owns.
// A destination path without an owned FileState row was put there by
// someone else and is never touched, whatever deleteMissing says. Tracked
// paths missing on both sides are returned as stale so their rows can go.
func identifyDeletions(source, dest *Manifest, states map[string]FileState, deleteMissing bool) ([]Action, []string) {
	var deletes []Action
	if deleteMissing {
		for _, path := range dest.Paths() {
			if source.HasFile(path) {
				continue
			}
			st, tracked := states[path]
			if !tracked || !st.Owned() {
				continue
			}
			deletes = append(deletes, Action{
				Kind:   ActionDelete,
				Path:   path,
				Entry:  dest.Files[path],
				Reason: "removed from source",
			})
		}
	}

	var stale []string
	for path := range states {
		if !source.HasFile(path) && !dest.HasFile(path) {
			stale = append(stale, path)
		}
	}
	sort.Strings(stale)
	return deletes, stale
}
