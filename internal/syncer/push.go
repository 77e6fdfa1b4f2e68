package syncer

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/capitalize-ai/localfirst-chat/internal/localstore"
	"github.com/capitalize-ai/localfirst-chat/internal/model"
	"github.com/capitalize-ai/localfirst-chat/pkg/metrics"
	"github.com/capitalize-ai/localfirst-chat/pkg/tracing"
)

type pushStats struct {
	pushed int
	failed int
}

// push drains delete intents, then dirty chats, then dirty messages. A
// failing record is logged and left for the next cycle.
func (e *Engine) push(ctx context.Context, userID string) (err error) {
	ctx, span := tracing.Start(ctx, "sync.push")
	var stats pushStats
	defer func() {
		span.SetAttributes(
			attribute.Int("sync.pushed", stats.pushed),
			attribute.Int("sync.failed", stats.failed),
		)
		tracing.End(span, err)
	}()

	if err := e.pushDeletes(ctx, userID, &stats); err != nil {
		return err
	}

	chats, err := e.local.QueryDirtyChats(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load dirty chats: %w", err)
	}
	for _, rec := range chats {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := e.pushChat(ctx, userID, rec); err != nil {
			stats.failed++
			metrics.SyncPushFailures.WithLabelValues(model.TableChats).Inc()
			e.log.Warn("failed to push chat", zap.String("chat_id", rec.Chat.ID), zap.Error(err))
			continue
		}
		stats.pushed++
		metrics.SyncRecordsPushed.WithLabelValues(model.TableChats).Inc()
	}

	msgs, err := e.local.QueryDirtyMessages(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load dirty messages: %w", err)
	}
	for _, rec := range msgs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := e.pushMessage(ctx, userID, rec); err != nil {
			stats.failed++
			metrics.SyncPushFailures.WithLabelValues(model.TableMessages).Inc()
			e.log.Warn("failed to push message",
				zap.String("message_id", rec.Message.ID),
				zap.String("chat_id", rec.Message.ChatID),
				zap.Error(err),
			)
			continue
		}
		stats.pushed++
		metrics.SyncRecordsPushed.WithLabelValues(model.TableMessages).Inc()
	}

	return nil
}

func (e *Engine) pushDeletes(ctx context.Context, userID string, stats *pushStats) error {
	intents, err := e.local.PendingDeletes(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load delete intents: %w", err)
	}

	for _, intent := range intents {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := e.remoteDelete(ctx, userID, intent); err != nil {
			stats.failed++
			metrics.SyncPushFailures.WithLabelValues(intent.Table).Inc()
			e.log.Warn("failed to push delete",
				zap.String("table", intent.Table),
				zap.String("record_id", intent.RecordID),
				zap.Int("attempts", intent.Attempts+1),
				zap.Error(err),
			)
			if err := e.local.RetryDelete(ctx, intent.ID); err != nil {
				return err
			}
			continue
		}
		if err := e.local.AckDelete(ctx, intent.ID); err != nil {
			return err
		}
		stats.pushed++
	}
	return nil
}

func (e *Engine) remoteDelete(ctx context.Context, userID string, intent model.PendingDelete) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.PushTimeout)
	defer cancel()

	switch intent.Table {
	case model.TableChats:
		return e.remote.DeleteChat(ctx, userID, intent.RecordID)
	case model.TableMessages:
		return e.remote.DeleteMessage(ctx, userID, intent.RecordID)
	default:
		return fmt.Errorf("unknown table %q", intent.Table)
	}
}

func (e *Engine) pushChat(ctx context.Context, userID string, rec localstore.ChatRecord) error {
	row, err := rec.Chat.ToRemote()
	if err != nil {
		return err
	}

	rctx, cancel := context.WithTimeout(ctx, e.cfg.PushTimeout)
	err = e.remote.UpsertChat(rctx, userID, row)
	cancel()
	if err != nil {
		return err
	}

	if _, err := e.local.MarkChatSynced(ctx, rec.Chat.ID, rec.Chat.UpdatedAt, model.Now()); err != nil {
		return err
	}
	return nil
}

func (e *Engine) pushMessage(ctx context.Context, userID string, rec localstore.MessageRecord) error {
	msg := rec.Message

	atts, changed, err := e.uploadAttachments(ctx, userID, msg)
	if err != nil {
		return err
	}
	if changed {
		if err := e.local.UpdateAttachments(ctx, msg.ID, atts); err != nil {
			return err
		}
		msg.Attachments = atts
	}

	row, err := msg.ToRemote()
	if err != nil {
		return err
	}

	rctx, cancel := context.WithTimeout(ctx, e.cfg.PushTimeout)
	err = e.remote.UpsertMessage(rctx, userID, row)
	cancel()
	if err != nil {
		return err
	}

	// Cleared only if no newer local write landed during the push.
	if _, err := e.local.MarkMessageSynced(ctx, msg.ID, msg.UpdatedAt, model.Now()); err != nil {
		return err
	}
	return nil
}
