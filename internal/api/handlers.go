package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/user/termlink/internal/auth"
	"github.com/user/termlink/internal/db"
	"github.com/user/termlink/internal/pty"
	"github.com/user/termlink/internal/session"
)

// Action names accepted by POST /api/actions.
const (
	ActionCreateSession = "create_session"
	ActionKillSession   = "kill_session"
	ActionListSessions  = "list_sessions"
	ActionCaptureBuffer = "capture_buffer"
	ActionResizeSession = "resize_session"
)

type pairRequest struct {
	Code  string `json:"code"`
	Label string `json:"label"`
}

// TokenResponse is returned by pairing and refresh.
type TokenResponse struct {
	Token     string    `json:"token"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ActionRequest is the body of POST /api/actions.
type ActionRequest struct {
	Action    string `json:"action"`
	SessionID string `json:"session_id,omitempty"`
	Cwd       string `json:"cwd,omitempty"`
	Shell     string `json:"shell,omitempty"`
	Cols      int    `json:"cols,omitempty"`
	Rows      int    `json:"rows,omitempty"`
}

type listSessionsResponse struct {
	Sessions []session.Info `json:"sessions"`
}

type killSessionResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// captureBufferResponse reports Available false for sessions whose backend
// keeps no scrollback.
type captureBufferResponse struct {
	SessionID string `json:"session_id"`
	Available bool   `json:"available"`
	Path      string `json:"path,omitempty"`
}

func (h *handler) pair(w http.ResponseWriter, r *http.Request) {
	var req pairRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		jsonError(w, http.StatusBadRequest, "code is required")
		return
	}

	token, err := h.auth.Pair(r.Context(), req.Code, req.Label)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidPairingCode) {
			h.logger.Warn("pairing rejected", "remote", r.RemoteAddr)
			jsonError(w, http.StatusUnauthorized, "invalid pairing code")
			return
		}
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.logger.Info("client paired", "label", req.Label, "remote", r.RemoteAddr)
	jsonResponse(w, http.StatusOK, tokenResponse(token))
}

func (h *handler) refreshToken(w http.ResponseWriter, r *http.Request) {
	token, err := h.auth.Refresh(r.Context(), tokenFrom(r.Context()))
	if err != nil {
		if errors.Is(err, auth.ErrInvalidToken) {
			jsonError(w, http.StatusUnauthorized, "token cannot be refreshed")
			return
		}
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	jsonResponse(w, http.StatusOK, tokenResponse(token))
}

func (h *handler) getState(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, h.sessions.Snapshot())
}

func (h *handler) executeAction(w http.ResponseWriter, r *http.Request) {
	var req ActionRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	switch req.Action {
	case ActionCreateSession:
		info, err := h.sessions.Create(r.Context(), session.CreateRequest{
			ID:    req.SessionID,
			Cwd:   req.Cwd,
			Shell: req.Shell,
		})
		if err != nil {
			status, msg := mapSessionError(err)
			jsonError(w, status, msg)
			return
		}
		if req.Cols > 0 && req.Rows > 0 {
			h.sessions.Resize(info.ID, req.Cols, req.Rows)
			info.Cols, info.Rows = req.Cols, req.Rows
		}
		jsonResponse(w, http.StatusCreated, info)

	case ActionKillSession:
		if req.SessionID == "" {
			jsonError(w, http.StatusBadRequest, "session_id is required")
			return
		}
		if err := h.sessions.Kill(r.Context(), req.SessionID); err != nil {
			status, msg := mapSessionError(err)
			jsonError(w, status, msg)
			return
		}
		jsonResponse(w, http.StatusOK, killSessionResponse{SessionID: req.SessionID, Status: db.SessionKilled})

	case ActionListSessions:
		jsonResponse(w, http.StatusOK, listSessionsResponse{Sessions: h.sessions.List()})

	case ActionCaptureBuffer:
		if req.SessionID == "" {
			jsonError(w, http.StatusBadRequest, "session_id is required")
			return
		}
		path, err := h.sessions.Capture(req.SessionID)
		if errors.Is(err, session.ErrCaptureUnavailable) {
			jsonResponse(w, http.StatusOK, captureBufferResponse{SessionID: req.SessionID})
			return
		}
		if err != nil {
			status, msg := mapSessionError(err)
			jsonError(w, status, msg)
			return
		}
		jsonResponse(w, http.StatusOK, captureBufferResponse{SessionID: req.SessionID, Available: true, Path: path})

	case ActionResizeSession:
		if req.SessionID == "" || req.Cols <= 0 || req.Rows <= 0 {
			jsonError(w, http.StatusBadRequest, "session_id, cols and rows are required")
			return
		}
		h.sessions.Resize(req.SessionID, req.Cols, req.Rows)
		w.WriteHeader(http.StatusNoContent)

	case "":
		jsonError(w, http.StatusBadRequest, "action is required")

	default:
		jsonError(w, http.StatusBadRequest, fmt.Sprintf("unknown action %q", req.Action))
	}
}

func mapSessionError(err error) (int, string) {
	var spawnErr *pty.SpawnError
	switch {
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.As(err, &spawnErr):
		return http.StatusUnprocessableEntity, err.Error()
	default:
		return http.StatusInternalServerError, err.Error()
	}
}

func tokenResponse(t *db.Token) TokenResponse {
	return TokenResponse{Token: t.Value, IssuedAt: t.IssuedAt, ExpiresAt: t.ExpiresAt}
}
