package syncer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/localfirst-chat/internal/model"
	"github.com/capitalize-ai/localfirst-chat/pkg/metrics"
)

func (e *Engine) applyChat(ctx context.Context, c model.Chat, at time.Time) (bool, error) {
	e.applyMu.Lock()
	defer e.applyMu.Unlock()
	return e.local.ApplyRemoteChat(ctx, c, at)
}

func (e *Engine) applyMessage(ctx context.Context, m model.Message, at time.Time) (bool, error) {
	e.applyMu.Lock()
	defer e.applyMu.Unlock()
	return e.local.ApplyRemoteMessage(ctx, m, at)
}

// ingestLoop keeps a realtime subscription open for userID and applies
// every event it delivers. Failed subscriptions are retried.
func (e *Engine) ingestLoop(ctx context.Context, userID string) {
	defer e.wg.Done()

	for {
		events, err := e.source.Subscribe(ctx, userID)
		if err == nil {
			e.consume(ctx, events)
			return
		}

		e.log.Warn("realtime subscription failed", zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(e.cfg.ResubscribeInterval):
		}
	}
}

func (e *Engine) consume(ctx context.Context, events <-chan model.ChangeEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := e.Apply(ctx, ev); err != nil {
				e.log.Warn("failed to apply change",
					zap.String("table", ev.Table),
					zap.String("type", string(ev.Type)),
					zap.String("record_id", ev.RecordID()),
					zap.Error(err),
				)
			}
		}
	}
}

// Apply writes one realtime change event into the local store as an
// already synced record, or deletes the record. It does not start a cycle.
func (e *Engine) Apply(ctx context.Context, ev model.ChangeEvent) error {
	e.mu.Lock()
	userID := e.userID
	e.mu.Unlock()
	if userID == "" || ev.UserID != userID {
		return nil
	}

	change, applied, err := e.applyEvent(ctx, ev)
	if err != nil {
		return err
	}
	metrics.RealtimeEventsTotal.WithLabelValues(ev.Table, string(ev.Type)).Inc()
	if applied {
		e.notify(change)
	}
	return nil
}

func (e *Engine) applyEvent(ctx context.Context, ev model.ChangeEvent) (Change, bool, error) {
	change := Change{Table: ev.Table, Type: ev.Type, ID: ev.RecordID()}
	now := model.Now()

	switch {
	case ev.Table == model.TableChats && ev.Type == model.ChangeDelete:
		change.ChatID = change.ID
		e.applyMu.Lock()
		defer e.applyMu.Unlock()
		return change, true, e.local.DeleteChat(ctx, change.ID)

	case ev.Table == model.TableMessages && ev.Type == model.ChangeDelete:
		e.applyMu.Lock()
		defer e.applyMu.Unlock()
		if rec, err := e.local.GetMessage(ctx, change.ID); err == nil {
			change.ChatID = rec.Message.ChatID
		}
		return change, true, e.local.DeleteMessage(ctx, change.ID)

	case ev.Table == model.TableChats:
		row, err := ev.RemoteChat()
		if err != nil {
			return change, false, err
		}
		c, err := row.Chat()
		if err != nil {
			return change, false, err
		}
		change.ChatID = c.ID
		ok, err := e.applyChat(ctx, c, now)
		return change, ok, err

	case ev.Table == model.TableMessages:
		row, err := ev.RemoteMessage()
		if err != nil {
			return change, false, err
		}
		m, err := row.Message()
		if err != nil {
			return change, false, err
		}
		change.ChatID = m.ChatID
		ok, err := e.applyMessage(ctx, m, now)
		return change, ok, err
	}

	return change, false, fmt.Errorf("unknown change %s on %q", ev.Type, ev.Table)
}
