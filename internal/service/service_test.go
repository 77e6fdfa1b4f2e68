package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"

	"github.com/capitalize-ai/localfirst-chat/internal/llm"
	"github.com/capitalize-ai/localfirst-chat/internal/llm/llmtest"
	"github.com/capitalize-ai/localfirst-chat/internal/localstore"
	"github.com/capitalize-ai/localfirst-chat/internal/model"
	"github.com/capitalize-ai/localfirst-chat/internal/nats"
	"github.com/capitalize-ai/localfirst-chat/internal/remotestore"
	"github.com/capitalize-ai/localfirst-chat/internal/syncer"
	"github.com/capitalize-ai/localfirst-chat/pkg/logger"
)

const testUser = "user-1"

type countingSyncer struct {
	mu       sync.Mutex
	online   bool
	triggers int
}

func (c *countingSyncer) Trigger() {
	c.mu.Lock()
	c.triggers++
	c.mu.Unlock()
}

func (c *countingSyncer) IsOnline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

func (c *countingSyncer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.triggers
}

type fixture struct {
	local   *localstore.Store
	remote  *remotestore.Store
	sync    *countingSyncer
	llm     *llmtest.Client
	session *Session
	svc     *ChatService
}

func newFixture(t *testing.T, client *llmtest.Client) *fixture {
	t.Helper()
	local, err := localstore.Open(filepath.Join(t.TempDir(), "local.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = local.Close() })

	remotePath := filepath.Join(t.TempDir(), "remote.sqlite") + "?_busy_timeout=5000"
	remote, err := remotestore.Open(sqlite.Open(remotePath), nats.NewLoopback(), logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = remote.Close() })

	session := NewSession()
	require.NoError(t, session.Init(testUser))

	sc := &countingSyncer{online: true}
	cfg := DefaultConfig()
	cfg.PageSize = 50
	svc := NewChatService(local, remote, sc, client, session, cfg, logger.NewNop())
	return &fixture{local: local, remote: remote, sync: sc, llm: client, session: session, svc: svc}
}

func TestCreateChatPersistsDirtyAndBecomesCurrent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &llmtest.Client{})

	chat, err := f.svc.CreateChat(ctx, &model.CreateChatRequest{})
	require.NoError(t, err)
	assert.Equal(t, "New Chat", chat.Title)
	assert.Equal(t, DefaultConfig().DefaultModel, chat.Model)
	assert.Equal(t, testUser, chat.UserID)

	rec, err := f.local.GetChat(ctx, chat.ID)
	require.NoError(t, err)
	assert.True(t, rec.Sync.IsDirty())
	assert.Equal(t, chat.ID, f.session.CurrentChatID())
	assert.Equal(t, 1, f.sync.count())
}

func TestCreateChatOfflineDoesNotTrigger(t *testing.T) {
	f := newFixture(t, &llmtest.Client{})
	f.sync.online = false

	_, err := f.svc.CreateChat(context.Background(), &model.CreateChatRequest{Title: "x"})
	require.NoError(t, err)
	assert.Zero(t, f.sync.count())
}

func TestOperationsRequireSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &llmtest.Client{})
	f.session.Teardown()

	_, err := f.svc.CreateChat(ctx, &model.CreateChatRequest{})
	assert.ErrorIs(t, err, model.ErrNoSession)
	_, err = f.svc.SendMessage(ctx, &model.SendMessageRequest{Content: "hi"}, nil)
	assert.ErrorIs(t, err, model.ErrNoSession)
}

func TestSendMessageWithoutChat(t *testing.T) {
	f := newFixture(t, &llmtest.Client{})
	_, err := f.svc.SendMessage(context.Background(), &model.SendMessageRequest{Content: "hi"}, nil)
	assert.ErrorIs(t, err, model.ErrNoActiveChat)
}

func TestSendMessageSuccess(t *testing.T) {
	ctx := context.Background()
	client := &llmtest.Client{Tokens: []string{"Hel", "lo", "!"}}
	f := newFixture(t, client)

	chat, err := f.svc.CreateChat(ctx, &model.CreateChatRequest{Title: "t"})
	require.NoError(t, err)

	var events []model.TokenEvent
	resp, err := f.svc.SendMessage(ctx, &model.SendMessageRequest{Content: "Hi"}, func(ev model.TokenEvent) error {
		events = append(events, ev)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, resp.AssistantMessage.ID, events[0].MessageID)

	msgs, err := f.local.QueryByChat(ctx, chat.ID, 0, -1)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
	assert.Equal(t, "Hi", msgs[0].Content)
	assert.Equal(t, model.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hello!", msgs[1].Content)
	assert.False(t, msgs[1].IsStreaming)
	assert.True(t, msgs[0].CreatedAt.Before(msgs[1].CreatedAt))

	rec, err := f.local.GetMessage(ctx, msgs[1].ID)
	require.NoError(t, err)
	assert.True(t, rec.Sync.IsDirty())

	snap := f.session.Snapshot()
	assert.Empty(t, snap.StreamingMessageID)
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, "Hello!", snap.Messages[1].Content)

	reqs := client.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, []llm.ChatMessage{{Role: "user", Content: "Hi"}}, reqs[0].Messages)
	assert.Nil(t, reqs[0].Search)
}

func TestSendMessageSendsHistoryAndSearch(t *testing.T) {
	ctx := context.Background()
	client := &llmtest.Client{Tokens: []string{"ok"}}
	f := newFixture(t, client)

	prompt := "be brief"
	_, err := f.svc.CreateChat(ctx, &model.CreateChatRequest{SystemPrompt: &prompt})
	require.NoError(t, err)
	_, err = f.svc.SendMessage(ctx, &model.SendMessageRequest{Content: "one"}, nil)
	require.NoError(t, err)
	_, err = f.svc.SendMessage(ctx, &model.SendMessageRequest{
		Content: "two",
		Search:  model.SearchOptions{Enabled: true, Query: "q"},
	}, nil)
	require.NoError(t, err)

	reqs := client.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, []llm.ChatMessage{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "one"},
		{Role: "assistant", Content: "ok"},
		{Role: "user", Content: "two"},
	}, reqs[1].Messages)
	require.NotNil(t, reqs[1].Search)
	assert.Equal(t, "q", reqs[1].Search.Query)
}

func TestSendMessageStreamErrorKeepsPlaceholder(t *testing.T) {
	ctx := context.Background()
	client := &llmtest.Client{Tokens: []string{"par", "tial"}, FailAfter: 1}
	f := newFixture(t, client)

	chat, err := f.svc.CreateChat(ctx, &model.CreateChatRequest{})
	require.NoError(t, err)
	triggers := f.sync.count()

	_, err = f.svc.SendMessage(ctx, &model.SendMessageRequest{Content: "Hi"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, llm.ErrStreamFailed)

	msgs, err := f.local.QueryByChat(ctx, chat.ID, 0, -1)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, model.StreamErrorContent, msgs[1].Content)
	assert.False(t, msgs[1].IsStreaming)
	assert.Greater(t, f.sync.count(), triggers)
}

func TestSendMessageCancelKeepsPartialContent(t *testing.T) {
	client := &llmtest.Client{Tokens: []string{"Once", " upon"}, Block: true, Sent: make(chan int, 2)}
	f := newFixture(t, client)

	chat, err := f.svc.CreateChat(context.Background(), &model.CreateChatRequest{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.svc.SendMessage(ctx, &model.SendMessageRequest{Content: "story"}, nil)
		done <- err
	}()

	<-client.Sent
	<-client.Sent
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("send did not return after cancel")
	}

	msgs, err := f.local.QueryByChat(context.Background(), chat.ID, 0, -1)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Once upon", msgs[1].Content)
	assert.False(t, msgs[1].IsStreaming)
	assert.Empty(t, f.session.Snapshot().StreamingMessageID)
}

func TestSendMessageRejectsConcurrentStream(t *testing.T) {
	client := &llmtest.Client{Tokens: []string{"a"}, Block: true, Sent: make(chan int, 1)}
	f := newFixture(t, client)
	_, err := f.svc.CreateChat(context.Background(), &model.CreateChatRequest{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = f.svc.SendMessage(ctx, &model.SendMessageRequest{Content: "first"}, nil)
	}()
	<-client.Sent

	_, err = f.svc.SendMessage(context.Background(), &model.SendMessageRequest{Content: "second"}, nil)
	assert.ErrorIs(t, err, ErrStreaming)

	cancel()
	<-done
}

func TestSendMessageLeavingChatKeepsPartialReply(t *testing.T) {
	client := &llmtest.Client{
		Tokens: []string{"Hel", "lo ", "wor", "ld"},
		Delay:  200 * time.Millisecond,
		Sent:   make(chan int, 4),
	}
	f := newFixture(t, client)
	ctx := context.Background()

	other, err := f.svc.CreateChat(ctx, &model.CreateChatRequest{Title: "other"})
	require.NoError(t, err)
	chat, err := f.svc.CreateChat(ctx, &model.CreateChatRequest{Title: "talk"})
	require.NoError(t, err)

	type result struct {
		resp *model.SendMessageResponse
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := f.svc.SendMessage(ctx, &model.SendMessageRequest{Content: "greet"}, nil)
		done <- result{resp, err}
	}()

	<-client.Sent
	<-client.Sent
	_, _, err = f.svc.SelectChat(ctx, other.ID)
	require.NoError(t, err)

	var res result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("send did not return after leaving the chat")
	}
	require.NoError(t, res.err)
	require.NotNil(t, res.resp)
	assert.Equal(t, "Hello ", res.resp.AssistantMessage.Content)

	msgs, err := f.local.QueryByChat(ctx, chat.ID, 0, -1)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hello ", msgs[1].Content)
	assert.False(t, msgs[1].IsStreaming)

	rec, err := f.local.GetMessage(ctx, msgs[1].ID)
	require.NoError(t, err)
	assert.True(t, rec.Sync.IsDirty())

	snap := f.session.Snapshot()
	assert.Equal(t, other.ID, snap.CurrentChat.ID)
	assert.Empty(t, snap.StreamingMessageID)
	assert.Empty(t, snap.Messages)
}

func TestSendMessageParallelSendsStreamOnce(t *testing.T) {
	client := &llmtest.Client{Tokens: []string{"a"}, Block: true, Sent: make(chan int, 64)}
	f := newFixture(t, client)
	_, err := f.svc.CreateChat(context.Background(), &model.CreateChatRequest{})
	require.NoError(t, err)

	for round := 0; round < 20; round++ {
		ctx, cancel := context.WithCancel(context.Background())
		results := make(chan error, 2)
		start := make(chan struct{})
		for i := 0; i < 2; i++ {
			go func() {
				<-start
				_, err := f.svc.SendMessage(ctx, &model.SendMessageRequest{Content: fmt.Sprintf("r%d", round)}, nil)
				results <- err
			}()
		}
		close(start)

		// The loser returns at once; the winner streams until cancelled.
		select {
		case err := <-results:
			require.ErrorIs(t, err, ErrStreaming, "round %d", round)
		case <-time.After(5 * time.Second):
			cancel()
			t.Fatalf("round %d: both sends streamed", round)
		}
		cancel()
		select {
		case err := <-results:
			require.ErrorIs(t, err, context.Canceled, "round %d", round)
		case <-time.After(5 * time.Second):
			t.Fatalf("round %d: streaming send did not stop", round)
		}
	}
}

func TestSendMessageChatDeletedMidStream(t *testing.T) {
	client := &llmtest.Client{Tokens: []string{"a", "b"}, Block: true, Sent: make(chan int, 2)}
	f := newFixture(t, client)
	ctx := context.Background()

	chat, err := f.svc.CreateChat(ctx, &model.CreateChatRequest{})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.SendMessage(ctx, &model.SendMessageRequest{Content: "hi"}, nil)
		done <- err
	}()
	<-client.Sent
	<-client.Sent

	require.NoError(t, f.svc.DeleteChat(ctx, chat.ID))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, model.ErrNotFound)
	case <-time.After(5 * time.Second):
		t.Fatal("send did not return after delete")
	}

	msgs, err := f.local.QueryByChat(ctx, chat.ID, 0, -1)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Empty(t, f.session.Snapshot().StreamingMessageID)
}

func TestSessionStreamingReservation(t *testing.T) {
	ctx := context.Background()
	s := NewSession()
	require.NoError(t, s.Init(testUser))
	a := model.Chat{ID: "chat-a", UserID: testUser}
	b := model.Chat{ID: "chat-b", UserID: testUser}
	s.setCurrent(a, nil)

	streamCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	require.NoError(t, s.beginStreaming(ctx, a.ID, "reply-1", cancel))
	assert.Equal(t, "reply-1", s.Snapshot().StreamingMessageID)
	assert.ErrorIs(t, s.beginStreaming(ctx, a.ID, "reply-2", func(error) {}), ErrStreaming)

	// Leaving the chat stops the reply; a send in the new chat waits for it.
	s.setCurrent(b, nil)
	assert.ErrorIs(t, context.Cause(streamCtx), errChatLeft)

	next := make(chan error, 1)
	go func() { next <- s.beginStreaming(ctx, b.ID, "reply-3", func(error) {}) }()
	select {
	case <-next:
		t.Fatal("reservation taken before the previous reply ended")
	case <-time.After(50 * time.Millisecond):
	}

	s.endStreaming("reply-1")
	require.NoError(t, <-next)
	assert.Equal(t, "reply-3", s.Snapshot().StreamingMessageID)

	s.endStreaming("reply-1")
	assert.Equal(t, "reply-3", s.Snapshot().StreamingMessageID)

	s.Teardown()
	assert.Empty(t, s.Snapshot().StreamingMessageID)
	assert.ErrorIs(t, s.beginStreaming(ctx, b.ID, "reply-4", func(error) {}), model.ErrNoSession)
}

func TestSendMessageCoalescesStoreWrites(t *testing.T) {
	ctx := context.Background()
	client := &llmtest.Client{Tokens: []string{"a", "b", "c", "d"}, Sent: make(chan int, 4)}
	f := newFixture(t, client)
	f.svc.cfg.StreamFlushInterval = time.Hour

	chat, err := f.svc.CreateChat(ctx, &model.CreateChatRequest{})
	require.NoError(t, err)

	var stored []string
	_, err = f.svc.SendMessage(ctx, &model.SendMessageRequest{Content: "x"}, func(ev model.TokenEvent) error {
		rec, err := f.local.GetMessage(ctx, ev.MessageID)
		require.NoError(t, err)
		stored = append(stored, rec.Message.Content)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"", "", "", ""}, stored)

	msgs, err := f.local.QueryByChat(ctx, chat.ID, 0, -1)
	require.NoError(t, err)
	assert.Equal(t, "abcd", msgs[1].Content)
}

func seedMessages(t *testing.T, f *fixture, chatID string, n int) []model.Message {
	t.Helper()
	base := model.Now().Add(-time.Hour)
	msgs := make([]model.Message, n)
	for i := range msgs {
		ts := base.Add(time.Duration(i) * time.Millisecond)
		msgs[i] = model.Message{
			ID:        fmt.Sprintf("m%03d", i),
			ChatID:    chatID,
			Role:      model.RoleUser,
			Content:   fmt.Sprintf("message %d", i),
			CreatedAt: ts,
			UpdatedAt: ts,
		}
	}
	require.NoError(t, f.local.PutMessages(context.Background(), msgs, model.SyncMeta{}))
	return msgs
}

func TestForkChatCopiesPrefix(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &llmtest.Client{})

	src, err := f.svc.CreateChat(ctx, &model.CreateChatRequest{Title: "Trip"})
	require.NoError(t, err)
	seeded := seedMessages(t, f, src.ID, 5)
	seeded[1].Attachments = []model.Attachment{{ID: "a1", Name: "f.txt", URL: "file:///tmp/f.txt"}}
	require.NoError(t, f.local.PutMessage(ctx, seeded[1], model.SyncMeta{}))
	_, _, err = f.svc.SelectChat(ctx, src.ID)
	require.NoError(t, err)

	fork, err := f.svc.ForkChat(ctx, seeded[2].ID)
	require.NoError(t, err)
	assert.Equal(t, "Trip (Fork)", fork.Title)
	assert.NotEqual(t, src.ID, fork.ID)
	assert.Equal(t, fork.ID, f.session.CurrentChatID())

	copies, err := f.local.QueryByChat(ctx, fork.ID, 0, -1)
	require.NoError(t, err)
	require.Len(t, copies, 3)
	for i, c := range copies {
		assert.Equal(t, seeded[i].Content, c.Content)
		assert.NotEqual(t, seeded[i].ID, c.ID)
		require.NotNil(t, c.ParentID)
		assert.Equal(t, seeded[i].ID, *c.ParentID)
		if i > 0 {
			assert.True(t, copies[i-1].CreatedAt.Before(c.CreatedAt))
		}
	}
	assert.Equal(t, seeded[1].Attachments, copies[1].Attachments)

	edited := copies[0]
	edited.Content = "changed"
	require.NoError(t, f.local.PutMessage(ctx, edited, dirty))
	orig, err := f.local.GetMessage(ctx, seeded[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "message 0", orig.Message.Content)

	rec, err := f.local.GetChat(ctx, fork.ID)
	require.NoError(t, err)
	assert.True(t, rec.Sync.IsDirty())
}

func TestForkChatUnknownMessage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &llmtest.Client{})

	a, err := f.svc.CreateChat(ctx, &model.CreateChatRequest{Title: "a"})
	require.NoError(t, err)
	seedMessages(t, f, a.ID, 2)
	other := model.Message{ID: "elsewhere", ChatID: "other-chat", Role: model.RoleUser, CreatedAt: model.Now(), UpdatedAt: model.Now()}
	require.NoError(t, f.local.PutMessage(ctx, other, dirty))

	_, err = f.svc.ForkChat(ctx, "elsewhere")
	assert.ErrorIs(t, err, model.ErrNotFound)

	chats, err := f.svc.ListChats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, chats.Total)
}

func TestLoadMoreMessagesPaginatesWithoutDuplicates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &llmtest.Client{})

	chat, err := f.svc.CreateChat(ctx, &model.CreateChatRequest{})
	require.NoError(t, err)
	seeded := seedMessages(t, f, chat.ID, 120)

	first, err := f.svc.LoadMoreMessages(ctx, chat.ID, 0)
	require.NoError(t, err)
	assert.Len(t, first.Messages, 50)
	assert.True(t, first.HasMore)
	assert.Equal(t, 50, first.NextOffset)

	second, err := f.svc.LoadMoreMessages(ctx, chat.ID, 50)
	require.NoError(t, err)
	assert.Len(t, second.Messages, 50)

	// Loading the same page again does not duplicate it.
	_, err = f.svc.LoadMoreMessages(ctx, chat.ID, 50)
	require.NoError(t, err)

	combined := f.session.Page(chat.ID)
	require.Len(t, combined, 100)
	seen := map[string]bool{}
	for i, m := range combined {
		assert.False(t, seen[m.ID], "duplicate %s", m.ID)
		seen[m.ID] = true
		assert.Equal(t, seeded[i].ID, m.ID)
	}
	assert.Len(t, f.session.Messages(), 100)

	last, err := f.svc.LoadMoreMessages(ctx, chat.ID, 100)
	require.NoError(t, err)
	assert.Len(t, last.Messages, 20)
	assert.False(t, last.HasMore)
}

func TestSelectChatLoadsOrderedMessages(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &llmtest.Client{})

	a, err := f.svc.CreateChat(ctx, &model.CreateChatRequest{Title: "a"})
	require.NoError(t, err)
	seeded := seedMessages(t, f, a.ID, 3)
	_, err = f.svc.CreateChat(ctx, &model.CreateChatRequest{Title: "b"})
	require.NoError(t, err)

	chat, msgs, err := f.svc.SelectChat(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "a", chat.Title)
	assert.Equal(t, seeded, msgs)
	assert.Equal(t, a.ID, f.session.CurrentChatID())

	_, _, err = f.svc.SelectChat(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestSelectChatOfAnotherUser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &llmtest.Client{})
	now := model.Now()
	require.NoError(t, f.local.PutChat(ctx, model.Chat{ID: "x", UserID: "someone-else", CreatedAt: now, UpdatedAt: now}, dirty))

	_, _, err := f.svc.SelectChat(ctx, "x")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestUpdateTitleAndShare(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &llmtest.Client{})

	chat, err := f.svc.CreateChat(ctx, &model.CreateChatRequest{Title: "old"})
	require.NoError(t, err)

	renamed, err := f.svc.UpdateChatTitle(ctx, chat.ID, "new")
	require.NoError(t, err)
	assert.Equal(t, "new", renamed.Title)
	assert.True(t, renamed.UpdatedAt.After(chat.UpdatedAt))
	assert.Equal(t, "new", f.session.Snapshot().CurrentChat.Title)

	share, err := f.svc.ShareChat(ctx, chat.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, share.ShareToken)

	again, err := f.svc.ShareChat(ctx, chat.ID)
	require.NoError(t, err)
	assert.Equal(t, share.ShareToken, again.ShareToken)

	rec, err := f.local.GetChat(ctx, chat.ID)
	require.NoError(t, err)
	assert.True(t, rec.Chat.IsShared)
	assert.True(t, rec.Sync.IsDirty())
}

func TestDeleteChatCascadesAndQueuesIntent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &llmtest.Client{})

	chat, err := f.svc.CreateChat(ctx, &model.CreateChatRequest{})
	require.NoError(t, err)
	seedMessages(t, f, chat.ID, 3)

	require.NoError(t, f.svc.DeleteChat(ctx, chat.ID))

	_, err = f.local.GetChat(ctx, chat.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	n, err := f.local.CountByChat(ctx, chat.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	intents, err := f.local.PendingDeletes(ctx, testUser)
	require.NoError(t, err)
	require.Len(t, intents, 1)
	assert.Equal(t, chat.ID, intents[0].RecordID)
	assert.Empty(t, f.session.CurrentChatID())

	assert.ErrorIs(t, f.svc.DeleteChat(ctx, chat.ID), model.ErrNotFound)
}

func TestLoadSharedChat(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &llmtest.Client{})

	now := model.Now()
	token := "tok-1"
	chat := model.Chat{ID: "c1", UserID: "owner", Title: "shared", CreatedAt: now, UpdatedAt: now, IsShared: true, ShareToken: &token}
	row, err := chat.ToRemote()
	require.NoError(t, err)
	require.NoError(t, f.remote.UpsertChat(ctx, "owner", row))
	for i := 0; i < 2; i++ {
		ts := now.Add(time.Duration(i) * time.Millisecond)
		m := model.Message{ID: fmt.Sprintf("m%d", i), ChatID: "c1", Role: model.RoleUser, Content: "hi", CreatedAt: ts, UpdatedAt: ts}
		mr, err := m.ToRemote()
		require.NoError(t, err)
		require.NoError(t, f.remote.UpsertMessage(ctx, "owner", mr))
	}

	resp, err := f.svc.LoadSharedChat(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "shared", resp.Chat.Title)
	require.Len(t, resp.Messages, 2)
	assert.Equal(t, "m0", resp.Messages[0].ID)

	_, err = f.svc.LoadSharedChat(ctx, "nope")
	assert.ErrorIs(t, err, model.ErrNotShared)
}

func TestHandleChangeRefreshesActiveList(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &llmtest.Client{})

	chat, err := f.svc.CreateChat(ctx, &model.CreateChatRequest{})
	require.NoError(t, err)
	seeded := seedMessages(t, f, chat.ID, 1)

	f.svc.HandleChange(syncer.Change{Table: model.TableMessages, Type: model.ChangeInsert, ID: seeded[0].ID, ChatID: chat.ID})
	assert.Len(t, f.session.Messages(), 1)

	f.svc.HandleChange(syncer.Change{Table: model.TableChats, Type: model.ChangeDelete, ID: chat.ID, ChatID: chat.ID})
	assert.Empty(t, f.session.CurrentChatID())
}

func TestSessionSubscribeReceivesLatest(t *testing.T) {
	s := NewSession()
	ch, cancel := s.Subscribe()
	defer cancel()

	first := <-ch
	assert.Empty(t, first.UserID)

	require.NoError(t, s.Init("u"))
	s.setCurrent(model.Chat{ID: "c"}, nil)

	var snap Snapshot
	require.Eventually(t, func() bool {
		select {
		case snap = <-ch:
		default:
		}
		return snap.CurrentChat != nil
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "u", snap.UserID)
	assert.Equal(t, "c", snap.CurrentChat.ID)

	assert.Error(t, s.Init("other"))
	s.Teardown()
	_, err := s.UserID()
	assert.True(t, errors.Is(err, model.ErrNoSession))
}
