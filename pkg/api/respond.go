package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/AstrBotDevs/shipyard-neo/pkg/errdefs"
	"github.com/AstrBotDevs/shipyard-neo/pkg/log"
)

// errorBody is the wire error envelope.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			logger := log.WithComponent("api")
			logger.Warn().Err(err).Msg("Failed to encode response")
		}
	}
}

func writeError(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message, Details: details}})
}

// respondError maps domain errors onto the wire envelope. Session-not-ready
// is the only condition that answers 503, with a Retry-After hint.
func respondError(w http.ResponseWriter, err error) {
	var notReady *errdefs.SessionNotReadyError
	if errors.As(err, &notReady) {
		// The header is seconds-granular; sub-second hints round up to 1.
		retryAfter := int(notReady.RetryAfter.Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
		writeError(w, http.StatusServiceUnavailable, "session_not_ready", notReady.Error(), map[string]any{
			"sandbox_id":     notReady.SandboxID,
			"retry_after_ms": notReady.RetryAfter.Milliseconds(),
		})
		return
	}

	var capErr *errdefs.CapabilityError
	if errors.As(err, &capErr) {
		writeError(w, http.StatusBadRequest, "capability_not_supported", capErr.Error(), map[string]any{
			"requested": capErr.Requested,
			"available": capErr.Available,
		})
		return
	}

	var ttlErr *errdefs.TTLError
	if errors.As(err, &ttlErr) {
		writeError(w, http.StatusConflict, ttlErr.Code, ttlErr.Error(), nil)
		return
	}

	switch {
	case errdefs.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), nil)
	case errdefs.IsConflict(err):
		writeError(w, http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, errdefs.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation", err.Error(), nil)
	case errors.Is(err, errdefs.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, "timeout", err.Error(), nil)
	case errdefs.IsTransient(err):
		writeError(w, http.StatusServiceUnavailable, "driver_error", err.Error(), nil)
	case errors.Is(err, errdefs.ErrDriver):
		writeError(w, http.StatusBadGateway, "driver_error", err.Error(), nil)
	case errors.Is(err, errdefs.ErrRuntime):
		writeError(w, http.StatusBadGateway, "runtime_error", err.Error(), nil)
	default:
		logger := log.WithComponent("api")
		logger.Error().Err(err).Msg("Internal error")
		writeError(w, http.StatusInternalServerError, "internal", "internal server error", nil)
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 32<<20))
	if err := dec.Decode(v); err != nil {
		return errdefs.Validation("invalid request body: %v", err)
	}
	return nil
}

// validatePath rejects path traversal before anything reaches the agent.
// Paths are workspace-relative: no absolute paths, no ".." segments.
func validatePath(p string) error {
	if p == "" {
		return errdefs.Validation("path is required")
	}
	if strings.HasPrefix(p, "/") {
		return errdefs.Validation("path must be relative to the workspace")
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return errdefs.Validation("path must not contain '..'")
		}
	}
	return nil
}
