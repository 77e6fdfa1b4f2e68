package nats

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/localfirst-chat/internal/model"
)

func TestChangeSubject(t *testing.T) {
	assert.Equal(t, "changes.user-1.chats.insert", ChangeSubject("user-1", model.TableChats, model.ChangeInsert))
	assert.Equal(t, "changes.a_b_c.messages.delete", ChangeSubject("a.b*c", model.TableMessages, model.ChangeDelete))
	assert.Equal(t, "changes.user-1.messages.>", TableFilter("user-1", model.TableMessages))
}

func TestLoopbackDeliversToSameUserOnly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	feed := NewLoopback()
	mine, err := feed.Subscribe(ctx, "u1")
	require.NoError(t, err)
	theirs, err := feed.Subscribe(ctx, "u2")
	require.NoError(t, err)

	require.NoError(t, feed.PublishChange(ctx, model.NewDeleteEvent(model.TableChats, "u1", "c1")))

	select {
	case ev := <-mine:
		assert.Equal(t, "c1", ev.RecordID())
		assert.EqualValues(t, 1, ev.Sequence)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	select {
	case ev := <-theirs:
		t.Fatalf("unexpected event for other user: %+v", ev)
	default:
	}
}

func TestLoopbackUnsubscribesOnCancel(t *testing.T) {
	feed := NewLoopback()
	ctx, cancel := context.WithCancel(context.Background())
	_, err := feed.Subscribe(ctx, "u1")
	require.NoError(t, err)
	cancel()

	require.Eventually(t, func() bool {
		return feed.Subscribers("u1") == 0
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, feed.PublishChange(context.Background(), model.NewDeleteEvent(model.TableChats, "u1", "c1")))
}
