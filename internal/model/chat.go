// Package model defines the data structures shared by the local store, the
// remote store, the sync engine and the conversation engine.
package model

import (
	"time"
)

// Chat represents a conversation thread.
type Chat struct {
	ID           string         `json:"id"`
	Title        string         `json:"title"`
	UserID       string         `json:"user_id"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	IsShared     bool           `json:"is_shared"`
	ShareToken   *string        `json:"share_token,omitempty"`
	Model        string         `json:"model"`
	SystemPrompt *string        `json:"system_prompt,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// SyncMeta is the synchronization state carried by every local record.
type SyncMeta struct {
	// Dirty is 0 when the record matches the last known remote state.
	Dirty        int        `json:"dirty"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
}

// IsDirty reports whether the record has local changes not yet pushed.
func (m SyncMeta) IsDirty() bool {
	return m.Dirty != 0
}

// CreateChatRequest is the request to create a new chat.
type CreateChatRequest struct {
	Title        string  `json:"title"`
	Model        string  `json:"model,omitempty"`
	SystemPrompt *string `json:"system_prompt,omitempty"`
}

// UpdateChatRequest is the request to rename a chat.
type UpdateChatRequest struct {
	Title string `json:"title"`
}

// ShareChatResponse is returned after a chat is shared.
type ShareChatResponse struct {
	ShareToken string `json:"share_token"`
}

// ForkChatRequest is the request to fork the current chat.
type ForkChatRequest struct {
	MessageID string `json:"message_id"`
}

// ListChatsResponse is the response for listing chats.
type ListChatsResponse struct {
	Chats []Chat `json:"chats"`
	Total int    `json:"total"`
}

// SharedChatResponse carries a shared chat together with its transcript.
type SharedChatResponse struct {
	Chat     Chat      `json:"chat"`
	Messages []Message `json:"messages"`
}

// Now returns the current time at the precision both stores persist.
func Now() time.Time {
	return Timestamp(time.Now())
}

// Timestamp normalizes t to UTC with microsecond precision.
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func timestampPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	ts := Timestamp(*t)
	return &ts
}
