package api

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/AstrBotDevs/shipyard-neo/pkg/errdefs"
	"github.com/AstrBotDevs/shipyard-neo/pkg/runtime"
)

type execRequest struct {
	Code      string `json:"code,omitempty"`
	Command   string `json:"command,omitempty"`
	TimeoutMs int64  `json:"timeout_ms,omitempty"`
}

func (r execRequest) timeout() time.Duration {
	return time.Duration(r.TimeoutMs) * time.Millisecond
}

func (s *Server) execPython(w http.ResponseWriter, r *http.Request) {
	var req execRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if req.Code == "" {
		respondError(w, errdefs.Validation("code is required"))
		return
	}
	res, err := s.router.ExecPython(r.Context(), owner(r), r.PathValue("id"), req.Code, req.timeout())
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) execShell(w http.ResponseWriter, r *http.Request) {
	var req execRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if req.Command == "" {
		respondError(w, errdefs.Validation("command is required"))
		return
	}
	res, err := s.router.ExecShell(r.Context(), owner(r), r.PathValue("id"), req.Command, req.timeout())
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) browserExec(w http.ResponseWriter, r *http.Request) {
	var action runtime.BrowserAction
	if err := decodeJSON(r, &action); err != nil {
		respondError(w, err)
		return
	}
	if action.Action == "" {
		respondError(w, errdefs.Validation("action is required"))
		return
	}
	out, err := s.router.BrowserExec(r.Context(), owner(r), r.PathValue("id"), action)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, json.RawMessage(out))
}

func (s *Server) browserExecBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Actions []runtime.BrowserAction `json:"actions"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if len(req.Actions) == 0 {
		respondError(w, errdefs.Validation("actions must not be empty"))
		return
	}
	out, err := s.router.BrowserExecBatch(r.Context(), owner(r), r.PathValue("id"), req.Actions)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, json.RawMessage(out))
}

type fileRequest struct {
	Path    string `json:"path"`
	Content []byte `json:"content,omitempty"`
}

func (s *Server) fsRead(w http.ResponseWriter, r *http.Request) {
	var req fileRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if err := validatePath(req.Path); err != nil {
		respondError(w, err)
		return
	}
	data, err := s.router.ReadFile(r.Context(), owner(r), r.PathValue("id"), req.Path)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": req.Path, "content": data})
}

func (s *Server) fsWrite(w http.ResponseWriter, r *http.Request) {
	var req fileRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if err := validatePath(req.Path); err != nil {
		respondError(w, err)
		return
	}
	if err := s.router.WriteFile(r.Context(), owner(r), r.PathValue("id"), req.Path, req.Content); err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": req.Path})
}

func (s *Server) fsList(w http.ResponseWriter, r *http.Request) {
	var req fileRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if req.Path == "" {
		req.Path = "."
	}
	if err := validatePath(req.Path); err != nil {
		respondError(w, err)
		return
	}
	entries, err := s.router.ListDir(r.Context(), owner(r), r.PathValue("id"), req.Path)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) fsDelete(w http.ResponseWriter, r *http.Request) {
	var req fileRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if err := validatePath(req.Path); err != nil {
		respondError(w, err)
		return
	}
	if err := s.router.DeleteFile(r.Context(), owner(r), r.PathValue("id"), req.Path); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) fsDownload(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if err := validatePath(path); err != nil {
		respondError(w, err)
		return
	}
	rc, err := s.router.Download(r.Context(), owner(r), r.PathValue("id"), path)
	if err != nil {
		respondError(w, err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := io.Copy(w, rc); err != nil {
		// Headers are gone; nothing to do but log via the middleware.
		return
	}
}

func (s *Server) fsUpload(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if err := validatePath(path); err != nil {
		respondError(w, err)
		return
	}
	if err := s.router.Upload(r.Context(), owner(r), r.PathValue("id"), path, r.Body); err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": path})
}
