package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/AstrBotDevs/shipyard-neo/pkg/errdefs"
	"github.com/AstrBotDevs/shipyard-neo/pkg/log"
	"github.com/AstrBotDevs/shipyard-neo/pkg/manager"
	"github.com/AstrBotDevs/shipyard-neo/pkg/metrics"
	"github.com/AstrBotDevs/shipyard-neo/pkg/types"
)

// sandboxResponse is the external sandbox representation. Session internals
// stay private; clients see the computed status and session phase only.
type sandboxResponse struct {
	ID           string     `json:"id"`
	Owner        string     `json:"owner"`
	ProfileID    string     `json:"profile_id"`
	WorkspaceID  string     `json:"workspace_id"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	LastActiveAt time.Time  `json:"last_active_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	IsWarmPool   bool       `json:"is_warm_pool"`
	WarmState    string     `json:"warm_state,omitempty"`
	Session      *struct {
		ID    string `json:"id"`
		State string `json:"state"`
	} `json:"session,omitempty"`
}

func renderSandbox(v *manager.SandboxView) *sandboxResponse {
	resp := &sandboxResponse{
		ID:           v.Sandbox.ID,
		Owner:        v.Sandbox.Owner,
		ProfileID:    v.Sandbox.ProfileID,
		WorkspaceID:  v.Sandbox.WorkspaceID,
		Status:       string(v.Status),
		CreatedAt:    v.Sandbox.CreatedAt,
		LastActiveAt: v.Sandbox.LastActiveAt,
		ExpiresAt:    v.Sandbox.ExpiresAt,
		IsWarmPool:   v.Sandbox.IsWarmPool,
		WarmState:    string(v.Sandbox.WarmState),
	}
	if v.Session != nil {
		resp.Session = &struct {
			ID    string `json:"id"`
			State string `json:"state"`
		}{ID: v.Session.ID, State: string(v.Session.ObservedState)}
	}
	return resp
}

type createSandboxRequest struct {
	ProfileID   string `json:"profile_id"`
	TTLSeconds  int64  `json:"ttl_seconds,omitempty"`
	WorkspaceID string `json:"workspace_id,omitempty"`
}

func (s *Server) createSandbox(w http.ResponseWriter, r *http.Request) {
	own := owner(r)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		respondError(w, errdefs.Validation("failed to read request body: %v", err))
		return
	}

	idemKey := r.Header.Get("Idempotency-Key")
	if idemKey != "" {
		rec, err := s.idem.Check(own, idemKey, body)
		if err != nil {
			respondError(w, err)
			return
		}
		if rec != nil {
			metrics.IdempotentReplays.Inc()
			w.Header().Set("Idempotency-Replayed", "true")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(rec.ResponseStatus)
			w.Write(rec.ResponseBody)
			return
		}
	}

	var req createSandboxRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			respondError(w, errdefs.Validation("invalid request body: %v", err))
			return
		}
	}
	if req.TTLSeconds < 0 {
		respondError(w, errdefs.Validation("ttl_seconds must not be negative"))
		return
	}

	view, fromWarm, err := s.mgr.Create(r.Context(), manager.CreateRequest{
		Owner:       own,
		ProfileID:   req.ProfileID,
		TTL:         time.Duration(req.TTLSeconds) * time.Second,
		WorkspaceID: req.WorkspaceID,
	})
	if err != nil {
		respondError(w, err)
		return
	}

	// A warm miss means the pool just shrank by a would-be member; queue a
	// replacement immediately instead of waiting for the next fill cycle.
	if !fromWarm && s.queue != nil && req.WorkspaceID == "" {
		if profile, perr := s.mgr.Profile(view.Sandbox.ProfileID); perr == nil && profile.WarmPoolSize > 0 {
			if warm, werr := s.mgr.CreateWarmSandbox(r.Context(), profile); werr == nil {
				s.queue.Enqueue(warm.ID)
			} else {
				logger := log.WithComponent("api")
				logger.Warn().Err(werr).Msg("Failed to queue warm pool replacement")
			}
		}
	}

	resp := renderSandbox(view)
	if idemKey != "" {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(resp); err == nil {
			if err := s.idem.Save(own, idemKey, body, http.StatusCreated, buf.Bytes()); err != nil {
				logger := log.WithComponent("api")
				logger.Warn().Err(err).Msg("Failed to save idempotency record")
			}
		}
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) listSandboxes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	res, err := s.mgr.List(owner(r), types.SandboxStatus(q.Get("status")), limit, q.Get("cursor"))
	if err != nil {
		respondError(w, err)
		return
	}
	items := make([]*sandboxResponse, 0, len(res.Items))
	for _, v := range res.Items {
		items = append(items, renderSandbox(v))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":  items,
		"cursor": res.Cursor,
	})
}

func (s *Server) getSandbox(w http.ResponseWriter, r *http.Request) {
	view, err := s.mgr.Get(owner(r), r.PathValue("id"))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderSandbox(view))
}

func (s *Server) deleteSandbox(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.Delete(r.Context(), owner(r), r.PathValue("id"), "api"); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) startSandbox(w http.ResponseWriter, r *http.Request) {
	view, err := s.mgr.EnsureRunning(r.Context(), owner(r), r.PathValue("id"))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderSandbox(view))
}

func (s *Server) stopSandbox(w http.ResponseWriter, r *http.Request) {
	view, err := s.mgr.Stop(r.Context(), owner(r), r.PathValue("id"))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderSandbox(view))
}

func (s *Server) keepalive(w http.ResponseWriter, r *http.Request) {
	view, err := s.mgr.Keepalive(r.Context(), owner(r), r.PathValue("id"))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderSandbox(view))
}

func (s *Server) extendTTL(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ExtendBySeconds int64 `json:"extend_by_seconds"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	view, err := s.mgr.ExtendTTL(r.Context(), owner(r), r.PathValue("id"), time.Duration(req.ExtendBySeconds)*time.Second)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderSandbox(view))
}

func (s *Server) sandboxLogs(w http.ResponseWriter, r *http.Request) {
	tail, _ := strconv.Atoi(r.URL.Query().Get("tail"))
	if tail <= 0 {
		tail = 200
	}
	logs, err := s.mgr.Logs(r.Context(), owner(r), r.PathValue("id"), tail)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": logs})
}

func (s *Server) createWorkspace(w http.ResponseWriter, r *http.Request) {
	ws, err := s.mgr.CreateWorkspace(r.Context(), owner(r))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ws)
}

func (s *Server) getWorkspace(w http.ResponseWriter, r *http.Request) {
	ws, err := s.mgr.GetWorkspace(owner(r), r.PathValue("id"))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

func (s *Server) listProfiles(w http.ResponseWriter, r *http.Request) {
	type profileResponse struct {
		ID           string   `json:"id"`
		Image        string   `json:"image"`
		Capabilities []string `json:"capabilities"`
		WarmPoolSize int      `json:"warm_pool_size"`
	}
	out := make([]profileResponse, 0, len(s.cfg.Profiles))
	for _, p := range s.cfg.Profiles {
		out = append(out, profileResponse{
			ID:           p.ID,
			Image:        p.Image,
			Capabilities: p.Capabilities,
			WarmPoolSize: p.WarmPoolSize,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"profiles": out})
}

func (s *Server) warmPoolStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.mgr.WarmPoolStats()
	if err != nil {
		respondError(w, err)
		return
	}
	resp := map[string]any{"profiles": stats}
	if s.queue != nil {
		resp["queue"] = s.queue.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}
