package handler

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/capitalize-ai/localfirst-chat/internal/middleware"
	"github.com/capitalize-ai/localfirst-chat/internal/service"
	"github.com/capitalize-ai/localfirst-chat/internal/syncer"
	"github.com/capitalize-ai/localfirst-chat/pkg/logger"
)

// Lifecycle starts and stops the engines of a signed-in user.
type Lifecycle interface {
	Start(ctx context.Context, userID string) error
	Stop()
}

// SyncStatus exposes the sync engine state.
type SyncStatus interface {
	IsOnline() bool
	Phase() syncer.Phase
	Trigger()
}

// SyncState is the sync part of a state response.
type SyncState struct {
	Online bool         `json:"online"`
	Phase  syncer.Phase `json:"phase"`
}

// StateResponse is the session state with the sync status.
type StateResponse struct {
	service.Snapshot
	Sync SyncState `json:"sync"`
}

// SessionHandler handles sign-in, sign-out and state endpoints.
type SessionHandler struct {
	lifecycle Lifecycle
	session   *service.Session
	sync      SyncStatus
	logger    *logger.Logger
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(lifecycle Lifecycle, session *service.Session, sync SyncStatus, log *logger.Logger) *SessionHandler {
	return &SessionHandler{
		lifecycle: lifecycle,
		session:   session,
		sync:      sync,
		logger:    log,
	}
}

func (h *SessionHandler) state() StateResponse {
	resp := StateResponse{Snapshot: h.session.Snapshot()}
	if h.sync != nil {
		resp.Sync = SyncState{Online: h.sync.IsOnline(), Phase: h.sync.Phase()}
	}
	return resp
}

// Start handles POST /api/v1/session
func (h *SessionHandler) Start(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if current, err := h.session.UserID(); err == nil {
		if current != userID {
			writeError(w, http.StatusConflict, "session bound to another user")
			return
		}
		writeJSON(w, http.StatusOK, h.state())
		return
	}

	// The engines outlive the request.
	if err := h.lifecycle.Start(context.WithoutCancel(r.Context()), userID); err != nil {
		h.logger.Error("failed to start session", zap.String("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start session")
		return
	}

	writeJSON(w, http.StatusCreated, h.state())
}

// Stop handles DELETE /api/v1/session
func (h *SessionHandler) Stop(w http.ResponseWriter, r *http.Request) {
	if current, err := h.session.UserID(); err == nil && current != middleware.GetUserID(r.Context()) {
		writeError(w, http.StatusConflict, "session bound to another user")
		return
	}
	h.lifecycle.Stop()
	w.WriteHeader(http.StatusNoContent)
}

// State handles GET /api/v1/state
func (h *SessionHandler) State(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.state())
}

// Sync handles POST /api/v1/sync
func (h *SessionHandler) Sync(w http.ResponseWriter, r *http.Request) {
	if h.sync == nil || !h.sync.IsOnline() {
		writeError(w, http.StatusServiceUnavailable, "offline")
		return
	}
	h.sync.Trigger()
	w.WriteHeader(http.StatusAccepted)
}

// RequireSession rejects requests whose user is not the session user.
func RequireSession(session *service.Session) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			current, err := session.UserID()
			if err != nil {
				writeError(w, http.StatusConflict, err.Error())
				return
			}
			if current != middleware.GetUserID(r.Context()) {
				writeError(w, http.StatusForbidden, "session bound to another user")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
