package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/localfirst-chat/internal/middleware"
	"github.com/capitalize-ai/localfirst-chat/internal/model"
	"github.com/capitalize-ai/localfirst-chat/internal/service"
	"github.com/capitalize-ai/localfirst-chat/pkg/logger"
)

// ChatHandler handles chat endpoints.
type ChatHandler struct {
	service *service.ChatService
	logger  *logger.Logger
}

// NewChatHandler creates a new chat handler.
func NewChatHandler(svc *service.ChatService, log *logger.Logger) *ChatHandler {
	return &ChatHandler{
		service: svc,
		logger:  log,
	}
}

// chatID reads and validates the {id} URL parameter.
func chatID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateChatID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return id, true
}

// Create handles POST /api/v1/chats
func (h *ChatHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req model.CreateChatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateTitle(req.Title); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	chat, err := h.service.CreateChat(r.Context(), &req)
	if err != nil {
		writeServiceError(w, h.logger, "create chat", err)
		return
	}

	writeJSON(w, http.StatusCreated, chat)
}

// List handles GET /api/v1/chats
func (h *ChatHandler) List(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.ListChats(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, "list chats", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Select handles GET /api/v1/chats/{id}. The chat becomes current.
func (h *ChatHandler) Select(w http.ResponseWriter, r *http.Request) {
	id, ok := chatID(w, r)
	if !ok {
		return
	}

	chat, msgs, err := h.service.SelectChat(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.logger, "select chat", err)
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"chat":     chat,
		"messages": msgs,
	})
}

// Update handles PUT /api/v1/chats/{id}
func (h *ChatHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := chatID(w, r)
	if !ok {
		return
	}

	var req model.UpdateChatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "title cannot be empty")
		return
	}
	if err := middleware.ValidateTitle(req.Title); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	chat, err := h.service.UpdateChatTitle(r.Context(), id, req.Title)
	if err != nil {
		writeServiceError(w, h.logger, "update chat", err)
		return
	}

	writeJSON(w, http.StatusOK, chat)
}

// Delete handles DELETE /api/v1/chats/{id}
func (h *ChatHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := chatID(w, r)
	if !ok {
		return
	}

	if err := h.service.DeleteChat(r.Context(), id); err != nil {
		writeServiceError(w, h.logger, "delete chat", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Share handles POST /api/v1/chats/{id}/share
func (h *ChatHandler) Share(w http.ResponseWriter, r *http.Request) {
	id, ok := chatID(w, r)
	if !ok {
		return
	}

	resp, err := h.service.ShareChat(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.logger, "share chat", err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// Fork handles POST /api/v1/chats/{id}/fork
func (h *ChatHandler) Fork(w http.ResponseWriter, r *http.Request) {
	id, ok := chatID(w, r)
	if !ok {
		return
	}

	var req model.ForkChatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateMessageID(req.MessageID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	if h.service.Session().CurrentChatID() != id {
		if _, _, err := h.service.SelectChat(ctx, id); err != nil {
			writeServiceError(w, h.logger, "fork chat", err)
			return
		}
	}

	chat, err := h.service.ForkChat(ctx, req.MessageID)
	if err != nil {
		writeServiceError(w, h.logger, "fork chat", err)
		return
	}

	writeJSON(w, http.StatusCreated, chat)
}

// Shared handles GET /api/v1/shared/{token}
func (h *ChatHandler) Shared(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if err := middleware.ValidateShareToken(token); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.service.LoadSharedChat(r.Context(), token)
	if err != nil {
		writeServiceError(w, h.logger, "load shared chat", err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// Messages handles GET /api/v1/chats/{id}/messages?offset=N
func (h *ChatHandler) Messages(w http.ResponseWriter, r *http.Request) {
	id, ok := chatID(w, r)
	if !ok {
		return
	}

	offset := 0
	if o := r.URL.Query().Get("offset"); o != "" {
		parsed, err := strconv.Atoi(o)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "invalid offset")
			return
		}
		offset = parsed
	}

	resp, err := h.service.LoadMoreMessages(r.Context(), id, offset)
	if err != nil {
		writeServiceError(w, h.logger, "load messages", err)
		return
	}
	if resp.Messages == nil {
		resp.Messages = []model.Message{}
	}

	writeJSON(w, http.StatusOK, resp)
}

// Models handles GET /api/v1/models
func (h *ChatHandler) Models(w http.ResponseWriter, r *http.Request) {
	models := h.service.Models()
	if models == nil {
		models = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"models": models})
}
