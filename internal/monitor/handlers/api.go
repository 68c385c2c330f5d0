package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"filesyncd/internal/monitor/database"
	"filesyncd/internal/orchestrator"
	fsync "filesyncd/internal/sync"
)

const (
	maxBody = 1 << 20
	// healthWindow is how many recent runs the health grade covers.
	healthWindow = 20
)

func (h *Handlers) ListConfigs(w http.ResponseWriter, r *http.Request) {
	configs, err := h.store.ListConfigs(r.Context(), r.URL.Query().Get("active") == "true")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if configs == nil {
		configs = []*fsync.SyncConfig{}
	}
	writeJSON(w, http.StatusOK, configs)
}

func (h *Handlers) GetConfig(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	c, err := h.store.GetConfig(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	grade, err := h.store.Health(r.Context(), id, healthWindow)
	if err != nil {
		h.log.WithError(err).WithField("config", id).Debug("Health grade unavailable")
		grade = "N/A"
	}
	writeJSON(w, http.StatusOK, struct {
		*fsync.SyncConfig
		Health string `json:"health"`
	}{c, grade})
}

// CreateConfig accepts a SyncConfig document. is_active and
// preserve_timestamps default to true when omitted.
func (h *Handlers) CreateConfig(w http.ResponseWriter, r *http.Request) {
	c := &fsync.SyncConfig{IsActive: true, PreserveTimestamps: true}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(c); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return
	}
	c.ID = 0
	if err := h.store.CreateConfig(r.Context(), c); err != nil {
		h.fail(w, r, err)
		return
	}
	h.log.WithField("config", c.ID).Infof("Configuration %q created", c.Name)
	h.reload(r.Context())
	writeJSON(w, http.StatusCreated, c)
}

// UpdateConfig applies the body over the stored configuration, so omitted
// fields keep their values.
func (h *Handlers) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	c, err := h.store.GetConfig(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(c); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return
	}
	c.ID = id
	if err := h.store.UpdateConfig(r.Context(), c); err != nil {
		h.fail(w, r, err)
		return
	}
	h.log.WithField("config", id).Info("Configuration updated")
	h.reload(r.Context())
	writeJSON(w, http.StatusOK, c)
}

func (h *Handlers) DeleteConfig(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.store.DeleteConfig(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	if h.health != nil {
		h.health.Forget(id)
	}
	h.log.WithField("config", id).Info("Configuration deleted")
	h.reload(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// reload re-registers watches and schedules after a configuration change.
// A failure is logged; the mutation itself already succeeded.
func (h *Handlers) reload(ctx context.Context) {
	if h.orch == nil {
		return
	}
	if _, err := h.orch.Reload(ctx, false); err != nil {
		h.log.WithError(err).Warn("Reload after configuration change incomplete")
	}
}

// SyncConfig runs a manual sync and answers with its result. The run is
// detached from the request so a dropped client does not abort it.
func (h *Handlers) SyncConfig(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := h.orch.Trigger(context.WithoutCancel(r.Context()), id, "manual")
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case res != nil:
		// the run was recorded; report its failure alongside the result
		writeJSON(w, http.StatusBadGateway, struct {
			*fsync.Result
			Error string `json:"error"`
		}{res, err.Error()})
	default:
		h.fail(w, r, err)
	}
}

func (h *Handlers) TestConnection(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	n, err := h.orch.TestConnection(r.Context(), id)
	if err != nil {
		if status := statusFor(err); status != http.StatusInternalServerError {
			writeError(w, status, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "entries": n})
}

func (h *Handlers) PendingFiles(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if _, err := h.store.GetConfig(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	files, err := h.store.PendingFiles(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if files == nil {
		files = []fsync.FileState{}
	}
	writeJSON(w, http.StatusOK, files)
}

func (h *Handlers) Preview(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	plan, err := h.orch.Preview(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		*fsync.SyncPlan
		Summary map[fsync.ActionKind]int `json:"summary"`
	}{plan, map[fsync.ActionKind]int{
		fsync.ActionCreate: plan.Count(fsync.ActionCreate),
		fsync.ActionUpdate: plan.Count(fsync.ActionUpdate),
		fsync.ActionDelete: plan.Count(fsync.ActionDelete),
		fsync.ActionSkip:   plan.Count(fsync.ActionSkip),
	}})
}

func (h *Handlers) History(w http.ResponseWriter, r *http.Request) {
	f := database.HistoryFilter{Status: fsync.RunStatus(r.URL.Query().Get("status"))}
	var err error
	if v := r.URL.Query().Get("config_id"); v != "" {
		if f.ConfigID, err = strconv.ParseInt(v, 10, 64); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid config_id"))
			return
		}
	}
	if f.Limit, err = queryInt(r, "limit", 50); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if f.Offset, err = queryInt(r, "offset", 0); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	items, total, err := h.store.ListHistory(r.Context(), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if items == nil {
		items = []fsync.History{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items, "total": total})
}

func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	run, err := h.store.GetRun(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *Handlers) Operations(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if _, err := h.store.GetRun(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	ops, err := h.store.FileOperations(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if ops == nil {
		ops = []fsync.FileOperation{}
	}
	writeJSON(w, http.StatusOK, ops)
}

func (h *Handlers) Tasks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"paused": h.sched.Paused(),
		"tasks":  h.sched.Active(),
	})
}

func (h *Handlers) Pause(w http.ResponseWriter, r *http.Request) {
	h.setPaused(w, r, true)
}

func (h *Handlers) Resume(w http.ResponseWriter, r *http.Request) {
	h.setPaused(w, r, false)
}

// setPaused flips the scheduler and persists the flag for the next start.
func (h *Handlers) setPaused(w http.ResponseWriter, r *http.Request, paused bool) {
	if paused {
		h.sched.Pause()
	} else {
		h.sched.Resume()
	}
	if err := h.store.SaveSetting(r.Context(), database.SettingSchedulerPaused, strconv.FormatBool(paused)); err != nil {
		h.log.WithError(err).Warn("Failed to persist scheduler pause state")
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": paused})
}

func (h *Handlers) Reload(w http.ResponseWriter, r *http.Request) {
	res, err := h.orch.Reload(r.Context(), false)
	if err != nil {
		writeJSON(w, http.StatusOK, struct {
			orchestrator.ReloadResult
			Error string `json:"error"`
		}{res, err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	days, err := queryInt(r, "days", 7)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	stats, err := h.store.Stats(r.Context(), days, h.now())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
