package handler

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/capitalize-ai/localfirst-chat/internal/llm"
	"github.com/capitalize-ai/localfirst-chat/internal/middleware"
	"github.com/capitalize-ai/localfirst-chat/pkg/logger"
	"github.com/capitalize-ai/localfirst-chat/pkg/metrics"
)

const maxCompletionMessages = 200

// CompletionHandler serves the completion proxy endpoint consumed by
// llm.ProxyClient.
type CompletionHandler struct {
	client llm.Client
	logger *logger.Logger
}

// NewCompletionHandler creates a completion handler. client may be nil, in
// which case the endpoint reports 503.
func NewCompletionHandler(client llm.Client, log *logger.Logger) *CompletionHandler {
	return &CompletionHandler{client: client, logger: log}
}

// Complete handles POST /api/v1/completion
// Content frames are written as `data: {"content":"..."}` and the stream
// ends with `data: [DONE]`. A failure is reported as `data: {"error":"..."}`
// without the end marker.
func (h *CompletionHandler) Complete(w http.ResponseWriter, r *http.Request) {
	if h.client == nil {
		writeError(w, http.StatusServiceUnavailable, "no completion provider configured")
		return
	}

	var req llm.ProxyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Messages) == 0 || len(req.Messages) > maxCompletionMessages {
		writeError(w, http.StatusBadRequest, "messages must contain between 1 and 200 entries")
		return
	}
	for _, m := range req.Messages {
		if err := middleware.ValidateRole(m.Role); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	creq := &llm.CompletionRequest{Model: req.Model, Messages: req.Messages}
	if req.NeedsSearch {
		creq.Search = &llm.SearchDirective{Query: req.SearchQuery}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	setSSEHeaders(w)

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	_, err := h.client.CompleteStream(r.Context(), creq, func(token string, _ int) error {
		return writeDataFrame(w, flusher, llm.ProxyChunk{Content: token, Type: "content"})
	})
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		h.logger.Warn("completion failed", zap.String("model", req.Model), zap.Error(err))
		writeDataFrame(w, flusher, llm.ProxyChunk{Error: "Failed to get response"})
		return
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func writeDataFrame(w http.ResponseWriter, flusher http.Flusher, chunk llm.ProxyChunk) error {
	data, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
