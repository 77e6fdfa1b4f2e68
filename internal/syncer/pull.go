package syncer

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/capitalize-ai/localfirst-chat/internal/model"
	"github.com/capitalize-ai/localfirst-chat/pkg/metrics"
	"github.com/capitalize-ai/localfirst-chat/pkg/tracing"
)

// pull fetches remote rows updated after each table's watermark and merges
// them into the local store. A watermark only advances once every row of
// its table was applied.
func (e *Engine) pull(ctx context.Context, userID string) (err error) {
	ctx, span := tracing.Start(ctx, "sync.pull")
	defer func() { tracing.End(span, err) }()

	chats, err := e.pullChats(ctx, userID)
	if err != nil {
		return err
	}
	msgs, err := e.pullMessages(ctx, userID)
	if err != nil {
		return err
	}

	span.SetAttributes(attribute.Int("sync.pulled_chats", chats), attribute.Int("sync.pulled_messages", msgs))
	return nil
}

func (e *Engine) pullChats(ctx context.Context, userID string) (int, error) {
	since, err := e.local.Watermark(ctx, userID, model.TableChats)
	if err != nil {
		return 0, err
	}
	now := model.Now()

	rows, err := e.remote.ChatsUpdatedSince(ctx, userID, since)
	if err != nil {
		return 0, fmt.Errorf("failed to pull chats: %w", err)
	}

	applied := 0
	for _, row := range rows {
		c, err := row.Chat()
		if err != nil {
			return applied, err
		}
		ok, err := e.applyChat(ctx, c, now)
		if err != nil {
			return applied, err
		}
		if ok {
			applied++
			metrics.SyncRecordsPulled.WithLabelValues(model.TableChats).Inc()
			e.notify(Change{Table: model.TableChats, Type: model.ChangeUpdate, ID: c.ID, ChatID: c.ID})
		}
	}

	if err := e.local.SetWatermark(ctx, userID, model.TableChats, now); err != nil {
		return applied, err
	}
	return applied, nil
}

func (e *Engine) pullMessages(ctx context.Context, userID string) (int, error) {
	since, err := e.local.Watermark(ctx, userID, model.TableMessages)
	if err != nil {
		return 0, err
	}
	now := model.Now()

	rows, err := e.remote.MessagesUpdatedSince(ctx, userID, since)
	if err != nil {
		return 0, fmt.Errorf("failed to pull messages: %w", err)
	}

	applied := 0
	for _, row := range rows {
		m, err := row.Message()
		if err != nil {
			return applied, err
		}
		ok, err := e.applyMessage(ctx, m, now)
		if err != nil {
			return applied, err
		}
		if ok {
			applied++
			metrics.SyncRecordsPulled.WithLabelValues(model.TableMessages).Inc()
			e.notify(Change{Table: model.TableMessages, Type: model.ChangeUpdate, ID: m.ID, ChatID: m.ChatID})
		}
	}

	if err := e.local.SetWatermark(ctx, userID, model.TableMessages, now); err != nil {
		return applied, err
	}
	return applied, nil
}
