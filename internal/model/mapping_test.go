package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func sampleChat() Chat {
	now := Now()
	return Chat{
		ID:           "chat-1",
		Title:        "Trip planning",
		UserID:       "user-1",
		CreatedAt:    now.Add(-time.Hour),
		UpdatedAt:    now,
		IsShared:     true,
		ShareToken:   strPtr("tok"),
		Model:        "gpt-4o",
		SystemPrompt: strPtr("be brief"),
		Metadata:     map[string]any{"pinned": true},
	}
}

func sampleMessage() Message {
	now := Now()
	count := 42
	return Message{
		ID:        "msg-1",
		ChatID:    "chat-1",
		Role:      RoleAssistant,
		Content:   "héllo\n```go\nfmt.Println()\n```",
		CreatedAt: now,
		UpdatedAt: now,
		ParentID:  strPtr("msg-0"),
		Attachments: []Attachment{
			{ID: "a1", Name: "notes.txt", Type: "text/plain", Size: 12, URL: "file:///tmp/notes.txt"},
		},
		TokenCount: &count,
	}
}

func TestChatRemoteRoundTrip(t *testing.T) {
	c := sampleChat()

	remote, err := c.ToRemote()
	require.NoError(t, err)

	back, err := remote.Chat()
	require.NoError(t, err)
	assert.Equal(t, c, back)
}

func TestMessageRemoteRoundTrip(t *testing.T) {
	m := sampleMessage()

	remote, err := m.ToRemote()
	require.NoError(t, err)

	back, err := remote.Message()
	require.NoError(t, err)
	assert.Equal(t, m, back)
}

func TestRemoteWireNames(t *testing.T) {
	remote, err := sampleMessage().ToRemote()
	require.NoError(t, err)

	b, err := json.Marshal(remote)
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(b, &wire))
	for _, key := range []string{"chat_id", "created_at", "updated_at", "parent_id", "is_streaming", "token_count", "attachments"} {
		assert.Contains(t, wire, key)
	}

	chat, err := sampleChat().ToRemote()
	require.NoError(t, err)
	b, err = json.Marshal(chat)
	require.NoError(t, err)
	wire = nil
	require.NoError(t, json.Unmarshal(b, &wire))
	for _, key := range []string{"user_id", "is_shared", "share_token", "system_prompt"} {
		assert.Contains(t, wire, key)
	}
}

func TestLocalRoundTripKeepsSyncMeta(t *testing.T) {
	synced := Now()
	row, err := sampleMessage().ToLocal(SyncMeta{Dirty: 0, LastSyncedAt: &synced})
	require.NoError(t, err)

	back, err := row.Message()
	require.NoError(t, err)
	assert.Equal(t, sampleMessage().Content, back.Content)
	assert.False(t, row.Sync().IsDirty())
	require.NotNil(t, row.Sync().LastSyncedAt)
	assert.True(t, synced.Equal(*row.Sync().LastSyncedAt))
}

func TestEmptyAttachmentsDecodeAsNil(t *testing.T) {
	m := sampleMessage()
	m.Attachments = []Attachment{}

	row, err := m.ToLocal(SyncMeta{Dirty: 1})
	require.NoError(t, err)
	assert.Nil(t, row.Attachments)

	back, err := row.Message()
	require.NoError(t, err)
	assert.Nil(t, back.Attachments)
}

func TestChangeEventDecoding(t *testing.T) {
	remote, err := sampleChat().ToRemote()
	require.NoError(t, err)

	ev, err := NewUpsertEvent(TableChats, ChangeInsert, "user-1", remote)
	require.NoError(t, err)
	assert.Equal(t, "chat-1", ev.RecordID())

	got, err := ev.RemoteChat()
	require.NoError(t, err)
	assert.Equal(t, remote.Title, got.Title)
	assert.True(t, remote.UpdatedAt.Equal(got.UpdatedAt))

	del := NewDeleteEvent(TableMessages, "user-1", "msg-9")
	assert.Equal(t, ChangeDelete, del.Type)
	assert.Equal(t, "msg-9", del.RecordID())
}

func TestSortMessagesTieBreaksByID(t *testing.T) {
	ts := Now()
	msgs := []Message{
		{ID: "b", CreatedAt: ts},
		{ID: "c", CreatedAt: ts.Add(-time.Second)},
		{ID: "a", CreatedAt: ts},
	}
	SortMessages(msgs)
	assert.Equal(t, []string{"c", "a", "b"}, []string{msgs[0].ID, msgs[1].ID, msgs[2].ID})
}
