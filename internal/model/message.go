package model

import (
	"sort"
	"time"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// StreamErrorContent replaces the content of an assistant message whose
// completion stream failed.
const StreamErrorContent = "Error: Failed to get response"

// Attachment describes a file attached to a message.
type Attachment struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
	Size int64  `json:"size"`
	// URL is the content locator. Local files use a file:// URL or a bare
	// path until the owning message is pushed.
	URL string `json:"url"`
}

// Message represents a chat message.
type Message struct {
	ID          string         `json:"id"`
	ChatID      string         `json:"chat_id"`
	Role        Role           `json:"role"`
	Content     string         `json:"content"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	ParentID    *string        `json:"parent_id,omitempty"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	IsStreaming bool           `json:"is_streaming"`
	TokenCount  *int           `json:"token_count,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Less orders messages by creation time, ties broken by id.
func (m Message) Less(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

// SortMessages sorts msgs into display order.
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Less(msgs[j]) })
}

// SendMessageRequest is the request to send a new message.
type SendMessageRequest struct {
	Content     string        `json:"content"`
	Attachments []Attachment  `json:"attachments,omitempty"`
	Search      SearchOptions `json:"search,omitempty"`
}

// SearchOptions asks the completion proxy to ground the reply in web results.
type SearchOptions struct {
	Enabled bool   `json:"enabled"`
	Query   string `json:"query,omitempty"`
}

// SendMessageResponse is the response after a message exchange finished.
type SendMessageResponse struct {
	UserMessage      *Message `json:"user_message,omitempty"`
	AssistantMessage *Message `json:"assistant_message,omitempty"`
}

// ListMessagesResponse is the response for a page of messages.
type ListMessagesResponse struct {
	Messages   []Message `json:"messages"`
	HasMore    bool      `json:"has_more"`
	NextOffset int       `json:"next_offset"`
}

// TokenEvent represents a streaming token event.
type TokenEvent struct {
	MessageID string `json:"message_id"`
	Token     string `json:"token"`
	Index     int    `json:"index"`
}

// MessageCompleteEvent represents a message completion event.
type MessageCompleteEvent struct {
	Message Message `json:"message"`
}

// ErrorEvent represents an error event.
type ErrorEvent struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// HeartbeatEvent represents a heartbeat event.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}
