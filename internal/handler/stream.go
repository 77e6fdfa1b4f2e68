package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/capitalize-ai/localfirst-chat/internal/middleware"
	"github.com/capitalize-ai/localfirst-chat/internal/model"
	"github.com/capitalize-ai/localfirst-chat/internal/service"
	"github.com/capitalize-ai/localfirst-chat/pkg/logger"
	"github.com/capitalize-ai/localfirst-chat/pkg/metrics"
)

// StreamHandler handles SSE streaming endpoints.
type StreamHandler struct {
	service *service.ChatService
	logger  *logger.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(svc *service.ChatService, log *logger.Logger) *StreamHandler {
	return &StreamHandler{
		service: svc,
		logger:  log,
	}
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
}

// SendMessage handles POST /api/v1/chats/{id}/messages
// The chat becomes current. The reply is streamed as token events followed
// by message_complete and done, or by an error event.
func (h *StreamHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := chatID(w, r)
	if !ok {
		return
	}

	var req model.SendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateMessageContent(req.Content); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateAttachments(req.Attachments); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if h.service.Session().CurrentChatID() != id {
		if _, _, err := h.service.SelectChat(ctx, id); err != nil {
			writeServiceError(w, h.logger, "select chat", err)
			return
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	setSSEHeaders(w)

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	// send reports whether the event reached the client. Once a write fails
	// the client is gone and nothing more is written.
	send := func(event string, data interface{}) bool {
		if err := sendSSEEvent(w, flusher, event, data); err != nil {
			h.logger.Debug("failed to write SSE event",
				zap.String("chat_id", id),
				zap.String("event", event),
				zap.Error(err),
			)
			return false
		}
		return true
	}

	resp, err := h.service.SendMessage(ctx, &req, func(ev model.TokenEvent) error {
		return sendSSEEvent(w, flusher, "token", &ev)
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			h.logger.Info("SSE client disconnected", zap.String("chat_id", id))
			return
		}
		code := "stream_error"
		if resp == nil {
			code = "send_error"
		}
		if errorStatus(err) == http.StatusInternalServerError && resp == nil {
			h.logger.Error("failed to send message", zap.String("chat_id", id), zap.Error(err))
		}
		if !send("error", &model.ErrorEvent{Code: code, Message: err.Error()}) {
			return
		}
		if resp != nil && resp.AssistantMessage != nil {
			send("message_complete", &model.MessageCompleteEvent{Message: *resp.AssistantMessage})
		}
		return
	}

	if !send("user_message", resp.UserMessage) {
		return
	}
	if !send("message_complete", &model.MessageCompleteEvent{Message: *resp.AssistantMessage}) {
		return
	}
	send("done", map[string]bool{"success": true})
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	flusher.Flush()

	return nil
}
