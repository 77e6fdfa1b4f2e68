package handler

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/capitalize-ai/localfirst-chat/internal/model"
	"github.com/capitalize-ai/localfirst-chat/internal/service"
	"github.com/capitalize-ai/localfirst-chat/pkg/logger"
)

const (
	eventsWriteTimeout = 10 * time.Second
	heartbeatInterval  = 30 * time.Second
)

// EventMessage is one frame of the events websocket.
type EventMessage struct {
	Type      string                `json:"type"`
	State     *StateResponse        `json:"state,omitempty"`
	Heartbeat *model.HeartbeatEvent `json:"heartbeat,omitempty"`
}

// EventsHandler pushes session state to the UI over a websocket.
type EventsHandler struct {
	session  *service.Session
	sync     SyncStatus
	upgrader websocket.Upgrader
	logger   *logger.Logger
}

// NewEventsHandler creates a new events handler.
func NewEventsHandler(session *service.Session, sync SyncStatus, log *logger.Logger) *EventsHandler {
	return &EventsHandler{
		session: session,
		sync:    sync,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: log,
	}
}

// Events handles GET /api/v1/events
// The current state is sent on connect and after every change.
func (h *EventsHandler) Events(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	snapshots, unsubscribe := h.session.Subscribe()
	defer unsubscribe()

	// The reader only detects the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.logger.Info("websocket closed", zap.Error(err))
				}
				return
			}
		}
	}()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		var msg EventMessage
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case snap := <-snapshots:
			state := StateResponse{Snapshot: snap}
			if h.sync != nil {
				state.Sync = SyncState{Online: h.sync.IsOnline(), Phase: h.sync.Phase()}
			}
			msg = EventMessage{Type: "state", State: &state}
		case <-heartbeat.C:
			msg = EventMessage{Type: "heartbeat", Heartbeat: &model.HeartbeatEvent{Timestamp: time.Now()}}
		}

		conn.SetWriteDeadline(time.Now().Add(eventsWriteTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			h.logger.Info("websocket write failed", zap.Error(err))
			return
		}
	}
}
