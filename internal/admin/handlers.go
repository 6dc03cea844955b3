package admin

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gobalance/corelb/internal/apierr"
	"github.com/gobalance/corelb/internal/config"
	"github.com/gobalance/corelb/internal/metrics"
	"github.com/gobalance/corelb/internal/service"
)

type serviceSummary struct {
	Hostname string `json:"hostname"`
	Pools    int    `json:"pools"`
	Backends int    `json:"backends"`
}

func (h *Handler) listServices(w http.ResponseWriter, r *http.Request) {
	out := make([]serviceSummary, 0)
	for _, host := range h.router.Services() {
		ph, ok := h.router.Get(host)
		if !ok {
			continue
		}
		inst, ok := ph.(*service.ServiceInstance)
		if !ok {
			continue
		}
		snap := inst.Snapshot()
		count := 0
		for _, p := range snap.Pools {
			count += p.Size()
		}
		out = append(out, serviceSummary{Hostname: host, Pools: len(snap.Pools), Backends: count})
	}
	apierr.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) getConfig(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.lookup(r)
	if !ok {
		apierr.WriteError(w, apierr.NotFound, "unknown service")
		return
	}
	apierr.WriteJSON(w, http.StatusOK, inst.Snapshot().Config)
}

func (h *Handler) putConfig(w http.ResponseWriter, r *http.Request) {
	host := chi.URLParam(r, "host")
	var cfg config.ServiceConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		apierr.WriteError(w, apierr.BadRequest, "malformed config body")
		return
	}
	if cfg.Hostname == "" {
		cfg.Hostname = host
	}
	if cfg.Hostname != host {
		apierr.WriteError(w, apierr.BadRequest, "hostname in body must match the path")
		return
	}
	if err := cfg.Validate(); err != nil {
		apierr.WriteError(w, apierr.BadRequest, err.Error())
		return
	}

	if inst, ok := h.lookup(r); ok {
		if err := inst.ApplyConfig(cfg); err != nil {
			apierr.WriteError(w, apierr.BadRequest, err.Error())
			return
		}
		apierr.WriteJSON(w, http.StatusOK, inst.Snapshot().Config)
		return
	}

	inst := h.factory(cfg)
	if err := inst.ApplyConfig(cfg); err != nil {
		inst.Close()
		apierr.WriteError(w, apierr.BadRequest, err.Error())
		return
	}
	h.router.Register(host, inst)
	apierr.WriteJSON(w, http.StatusCreated, inst.Snapshot().Config)
}

func (h *Handler) deleteService(w http.ResponseWriter, r *http.Request) {
	host := chi.URLParam(r, "host")
	inst, ok := h.lookup(r)
	if !ok {
		apierr.WriteError(w, apierr.NotFound, "unknown service")
		return
	}
	inst.Close()
	h.router.Unregister(host)
	if h.store != nil {
		_ = h.store.Delete(host)
	}
	apierr.WriteJSON(w, http.StatusOK, map[string]string{"hostname": host, "status": "deleted"})
}

type addBackendRequest struct {
	PoolID  string             `json:"pool_id"`
	Backend config.BackendSpec `json:"backend"`
}

func (h *Handler) addBackend(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.lookup(r)
	if !ok {
		apierr.WriteError(w, apierr.NotFound, "unknown service")
		return
	}
	var req addBackendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PoolID == "" || req.Backend.ID == "" {
		apierr.WriteError(w, apierr.BadRequest, "malformed add-backend request")
		return
	}

	cfg := cloneConfig(inst.Snapshot().Config)
	idx := findPoolIndex(cfg, req.PoolID)
	if idx < 0 {
		apierr.WriteError(w, apierr.BadRequest, "unknown pool "+req.PoolID)
		return
	}
	cfg.Pools[idx].Backends = append(cfg.Pools[idx].Backends, req.Backend)

	if err := inst.ApplyConfig(*cfg); err != nil {
		apierr.WriteError(w, apierr.BadRequest, err.Error())
		return
	}
	apierr.WriteJSON(w, http.StatusCreated, req.Backend)
}

// backendPatch is a partial update applied onto an existing
// BackendSpec; only non-nil fields are changed.
type backendPatch struct {
	URL      *string  `json:"url"`
	Weight   *int     `json:"weight"`
	Priority *int     `json:"priority"`
	Regions  []string `json:"regions"`
	Enabled  *bool    `json:"enabled"`
}

func (h *Handler) updateBackend(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.lookup(r)
	if !ok {
		apierr.WriteError(w, apierr.NotFound, "unknown service")
		return
	}
	id := chi.URLParam(r, "id")
	poolID := r.URL.Query().Get("pool_id")

	var patch backendPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		apierr.WriteError(w, apierr.BadRequest, "malformed backend patch")
		return
	}

	cfg := cloneConfig(inst.Snapshot().Config)
	bs, ok := findBackend(cfg, poolID, id)
	if !ok {
		apierr.WriteError(w, apierr.NotFound, "unknown backend")
		return
	}
	if patch.URL != nil {
		bs.URL = *patch.URL
	}
	if patch.Weight != nil {
		bs.Weight = *patch.Weight
	}
	if patch.Priority != nil {
		bs.Priority = *patch.Priority
	}
	if patch.Regions != nil {
		bs.Regions = patch.Regions
	}
	if patch.Enabled != nil {
		bs.Enabled = patch.Enabled
	}

	if err := inst.ApplyConfig(*cfg); err != nil {
		apierr.WriteError(w, apierr.BadRequest, err.Error())
		return
	}
	apierr.WriteJSON(w, http.StatusOK, bs)
}

func (h *Handler) removeBackend(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.lookup(r)
	if !ok {
		apierr.WriteError(w, apierr.NotFound, "unknown service")
		return
	}
	id := chi.URLParam(r, "id")
	poolID := r.URL.Query().Get("pool_id")

	cfg := cloneConfig(inst.Snapshot().Config)
	removed := false
	for i := range cfg.Pools {
		if poolID != "" && cfg.Pools[i].ID != poolID {
			continue
		}
		for j, b := range cfg.Pools[i].Backends {
			if b.ID == id {
				cfg.Pools[i].Backends = append(cfg.Pools[i].Backends[:j], cfg.Pools[i].Backends[j+1:]...)
				removed = true
				break
			}
		}
	}
	if !removed {
		apierr.WriteError(w, apierr.NotFound, "unknown backend")
		return
	}
	if err := inst.ApplyConfig(*cfg); err != nil {
		apierr.WriteError(w, apierr.BadRequest, err.Error())
		return
	}
	apierr.WriteJSON(w, http.StatusOK, map[string]string{"id": id, "status": "removed"})
}

func (h *Handler) enableBackend(w http.ResponseWriter, r *http.Request)  { h.setBackendEnabled(w, r, true) }
func (h *Handler) disableBackend(w http.ResponseWriter, r *http.Request) { h.setBackendEnabled(w, r, false) }

func (h *Handler) setBackendEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	inst, ok := h.lookup(r)
	if !ok {
		apierr.WriteError(w, apierr.NotFound, "unknown service")
		return
	}
	id := chi.URLParam(r, "id")
	poolID := r.URL.Query().Get("pool_id")

	cfg := cloneConfig(inst.Snapshot().Config)
	bs, ok := findBackend(cfg, poolID, id)
	if !ok {
		apierr.WriteError(w, apierr.NotFound, "unknown backend")
		return
	}
	v := enabled
	bs.Enabled = &v

	if err := inst.ApplyConfig(*cfg); err != nil {
		apierr.WriteError(w, apierr.BadRequest, err.Error())
		return
	}
	apierr.WriteJSON(w, http.StatusOK, bs)
}

func (h *Handler) resetBackendHealth(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.lookup(r)
	if !ok {
		apierr.WriteError(w, apierr.NotFound, "unknown service")
		return
	}
	id := chi.URLParam(r, "id")
	poolID := r.URL.Query().Get("pool_id")

	for _, p := range inst.Snapshot().Pools {
		if poolID != "" && p.ID != poolID {
			continue
		}
		if b, ok := p.GetBackend(id); ok {
			b.ResetHealth()
			apierr.WriteJSON(w, http.StatusOK, map[string]string{"id": id, "status": "health_reset"})
			return
		}
	}
	apierr.WriteError(w, apierr.NotFound, "unknown backend")
}

func (h *Handler) forceHealthCheck(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.lookup(r)
	if !ok {
		apierr.WriteError(w, apierr.NotFound, "unknown service")
		return
	}
	inst.RunActiveProbes(r.Context())
	apierr.WriteJSON(w, http.StatusOK, map[string]string{"status": "probed"})
}

func (h *Handler) getMetrics(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.lookup(r)
	if !ok {
		apierr.WriteError(w, apierr.NotFound, "unknown service")
		return
	}
	snap := inst.Snapshot()
	sm := metrics.Snapshot(inst.Hostname(), inst.StartedAt(), snap.Pools)
	if r.URL.Query().Get("format") == "html" {
		writeMetricsHTML(w, sm)
		return
	}
	apierr.WriteJSON(w, http.StatusOK, sm)
}

func (h *Handler) getSessions(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.lookup(r)
	if !ok {
		apierr.WriteError(w, apierr.NotFound, "unknown service")
		return
	}
	apierr.WriteJSON(w, http.StatusOK, inst.Affinity().Snapshot())
}

func (h *Handler) clearSessions(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.lookup(r)
	if !ok {
		apierr.WriteError(w, apierr.NotFound, "unknown service")
		return
	}
	inst.Affinity().Clear()
	apierr.WriteJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func cloneConfig(cfg *config.ServiceConfig) *config.ServiceConfig {
	data, _ := json.Marshal(cfg)
	var out config.ServiceConfig
	_ = json.Unmarshal(data, &out)
	return &out
}

func findPoolIndex(cfg *config.ServiceConfig, poolID string) int {
	for i, p := range cfg.Pools {
		if p.ID == poolID {
			return i
		}
	}
	return -1
}

func findBackend(cfg *config.ServiceConfig, poolID, backendID string) (*config.BackendSpec, bool) {
	for i := range cfg.Pools {
		if poolID != "" && cfg.Pools[i].ID != poolID {
			continue
		}
		for j := range cfg.Pools[i].Backends {
			if cfg.Pools[i].Backends[j].ID == backendID {
				return &cfg.Pools[i].Backends[j], true
			}
		}
	}
	return nil, false
}
