package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/capitalize-ai/localfirst-chat/internal/llm"
	"github.com/capitalize-ai/localfirst-chat/internal/model"
	"github.com/capitalize-ai/localfirst-chat/pkg/metrics"
	"github.com/capitalize-ai/localfirst-chat/pkg/tracing"
)

// TokenCallback is called for each token during streaming.
type TokenCallback func(ev model.TokenEvent) error

// SendMessage sends a user message to the current chat and streams the
// assistant reply into a placeholder message.
//
// The user message and the placeholder are persisted before the completion
// starts. Every token is applied to the session immediately; store writes of
// the placeholder are coalesced to one per StreamFlushInterval. When the
// stream fails the placeholder keeps the error marker and the error is
// returned. When ctx is cancelled, the chat is left, or onToken or a store
// write fails, the stream is abandoned and the placeholder keeps the partial
// content. In every case the placeholder ends non-streaming and dirty.
func (s *ChatService) SendMessage(ctx context.Context, req *model.SendMessageRequest, onToken TokenCallback) (*model.SendMessageResponse, error) {
	userID, chat, err := s.session.active()
	if err != nil {
		return nil, err
	}
	if s.llm == nil {
		return nil, fmt.Errorf("no completion provider configured")
	}

	ctx, span := tracing.Start(ctx, "chat.send_message",
		attribute.String("chat_id", chat.ID),
		attribute.String("user_id", userID),
	)
	defer func() { tracing.End(span, err) }()

	streamCtx, stop := context.WithCancelCause(ctx)
	defer stop(nil)

	replyID := newID()
	if err = s.session.beginStreaming(ctx, chat.ID, replyID, stop); err != nil {
		return nil, err
	}
	defer s.session.endStreaming(replyID)

	history := s.session.Messages()

	ts := s.now()
	userMsg := model.Message{
		ID:          newID(),
		ChatID:      chat.ID,
		Role:        model.RoleUser,
		Content:     req.Content,
		CreatedAt:   ts,
		UpdatedAt:   ts,
		Attachments: req.Attachments,
	}
	if err = s.local.PutMessage(ctx, userMsg, dirty); err != nil {
		return nil, fmt.Errorf("failed to save user message: %w", err)
	}
	s.session.upsertMessage(userMsg)
	metrics.MessagesTotal.WithLabelValues(string(model.RoleUser)).Inc()

	ts = s.now()
	reply := model.Message{
		ID:          replyID,
		ChatID:      chat.ID,
		Role:        model.RoleAssistant,
		CreatedAt:   ts,
		UpdatedAt:   ts,
		IsStreaming: true,
	}
	if err = s.local.PutMessage(ctx, reply, dirty); err != nil {
		return nil, fmt.Errorf("failed to save assistant placeholder: %w", err)
	}
	s.session.upsertMessage(reply)
	metrics.MessagesTotal.WithLabelValues(string(model.RoleAssistant)).Inc()

	chat.UpdatedAt = s.now()
	if err = s.local.PutChat(ctx, chat, dirty); err != nil {
		return nil, fmt.Errorf("failed to touch chat: %w", err)
	}
	s.session.updateChat(chat)

	creq := &llm.CompletionRequest{
		Model:    chat.Model,
		Messages: completionMessages(chat, append(history, userMsg)),
	}
	if req.Search.Enabled {
		creq.Search = &llm.SearchDirective{Query: req.Search.Query}
	}

	// content is the reply as received, independent of what the session
	// currently shows.
	var content strings.Builder
	var abandoned error
	start := time.Now()
	lastFlush := start
	resp, streamErr := s.llm.CompleteStream(streamCtx, creq, func(token string, index int) error {
		content.WriteString(token)
		if !s.session.setStreamContent(reply.ID, content.String()) {
			abandoned = errChatLeft
			return abandoned
		}
		if time.Since(lastFlush) >= s.cfg.StreamFlushInterval {
			partial := reply
			partial.Content = content.String()
			partial.UpdatedAt = s.now()
			if err := s.local.PutMessage(streamCtx, partial, dirty); err != nil {
				abandoned = fmt.Errorf("failed to save streamed content: %w", err)
				return abandoned
			}
			lastFlush = time.Now()
		}
		if onToken != nil {
			if err := onToken(model.TokenEvent{MessageID: reply.ID, Token: token, Index: index}); err != nil {
				abandoned = err
				return err
			}
		}
		return nil
	})

	status := "success"
	switch {
	case streamErr == nil:
	case ctx.Err() != nil:
		status = "cancelled"
	case abandoned != nil || streamCtx.Err() != nil:
		status = "abandoned"
	default:
		status = "error"
	}

	final, err := s.finishReply(ctx, reply, content.String(), resp, status)
	tokensOut := 0
	if resp != nil {
		tokensOut = resp.TokensOut
	}
	metrics.RecordLLMStream(chat.Model, status, time.Since(start).Seconds(), 0, tokensOut)
	s.trigger()

	if err != nil {
		return nil, err
	}
	out := &model.SendMessageResponse{UserMessage: &userMsg, AssistantMessage: &final}
	switch status {
	case "cancelled":
		err = ctx.Err()
		return out, err
	case "abandoned":
		s.log.Info("reply abandoned",
			zap.String("chat_id", chat.ID),
			zap.String("message_id", reply.ID),
			zap.Int("length", content.Len()),
		)
		if abandoned != nil && !errors.Is(abandoned, errChatLeft) {
			err = abandoned
			return out, err
		}
		return out, nil
	case "error":
		s.log.Warn("completion stream failed", zap.String("chat_id", chat.ID), zap.Error(streamErr))
		err = fmt.Errorf("failed to get completion: %w", streamErr)
		return out, err
	}
	return out, nil
}

// finishReply writes the final state of the placeholder. The write survives
// cancellation of ctx. A placeholder whose chat was deleted meanwhile is not
// written back.
func (s *ChatService) finishReply(ctx context.Context, reply model.Message, content string, resp *llm.CompletionResponse, status string) (model.Message, error) {
	ctx = context.WithoutCancel(ctx)
	if _, err := s.local.GetChat(ctx, reply.ChatID); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			// A flush may have raced the delete.
			_ = s.local.DeleteMessage(ctx, reply.ID)
		}
		return model.Message{}, err
	}

	msg := reply
	msg.Content = content
	msg.IsStreaming = false
	msg.UpdatedAt = s.now()
	switch status {
	case "success":
		if resp != nil {
			if resp.Content != "" {
				msg.Content = resp.Content
			}
			if resp.TokensOut > 0 {
				n := resp.TokensOut
				msg.TokenCount = &n
			}
			if resp.Model != "" {
				msg.Metadata = map[string]any{"model": resp.Model}
			}
		}
	case "error":
		msg.Content = model.StreamErrorContent
	}

	if err := s.local.PutMessage(ctx, msg, dirty); err != nil {
		return model.Message{}, fmt.Errorf("failed to save assistant message: %w", err)
	}
	s.session.upsertMessage(msg)
	return msg, nil
}

// completionMessages builds the ordered role and content list sent to the
// completion provider.
func completionMessages(chat model.Chat, msgs []model.Message) []llm.ChatMessage {
	out := make([]llm.ChatMessage, 0, len(msgs)+1)
	if chat.SystemPrompt != nil && *chat.SystemPrompt != "" {
		out = append(out, llm.ChatMessage{Role: string(model.RoleSystem), Content: *chat.SystemPrompt})
	}
	for _, m := range msgs {
		if m.IsStreaming || (m.Role == model.RoleAssistant && m.Content == model.StreamErrorContent) {
			continue
		}
		out = append(out, llm.ChatMessage{Role: string(m.Role), Content: m.Content})
	}
	return out
}
