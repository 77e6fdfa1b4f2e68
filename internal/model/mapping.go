package model

import (
	"encoding/json"
	"fmt"

	"gorm.io/datatypes"
)

// ToLocal builds the Local Store row for c with the given sync state.
func (c Chat) ToLocal(meta SyncMeta) (LocalChat, error) {
	md, err := encodeJSON(c.Metadata)
	if err != nil {
		return LocalChat{}, fmt.Errorf("failed to encode chat metadata: %w", err)
	}
	return LocalChat{
		ID:           c.ID,
		Title:        c.Title,
		UserID:       c.UserID,
		CreatedAt:    Timestamp(c.CreatedAt),
		UpdatedAt:    Timestamp(c.UpdatedAt),
		IsShared:     c.IsShared,
		ShareToken:   c.ShareToken,
		Model:        c.Model,
		SystemPrompt: c.SystemPrompt,
		Metadata:     md,
		Dirty:        meta.Dirty,
		LastSyncedAt: timestampPtr(meta.LastSyncedAt),
	}, nil
}

// Chat converts the row back to the domain type.
func (r LocalChat) Chat() (Chat, error) {
	var md map[string]any
	if err := decodeJSON(r.Metadata, &md); err != nil {
		return Chat{}, fmt.Errorf("failed to decode chat metadata: %w", err)
	}
	return Chat{
		ID:           r.ID,
		Title:        r.Title,
		UserID:       r.UserID,
		CreatedAt:    Timestamp(r.CreatedAt),
		UpdatedAt:    Timestamp(r.UpdatedAt),
		IsShared:     r.IsShared,
		ShareToken:   r.ShareToken,
		Model:        r.Model,
		SystemPrompt: r.SystemPrompt,
		Metadata:     md,
	}, nil
}

// Sync returns the row's sync state.
func (r LocalChat) Sync() SyncMeta {
	return SyncMeta{Dirty: r.Dirty, LastSyncedAt: timestampPtr(r.LastSyncedAt)}
}

// ToRemote translates c into the remote wire schema.
func (c Chat) ToRemote() (RemoteChat, error) {
	md, err := encodeJSON(c.Metadata)
	if err != nil {
		return RemoteChat{}, fmt.Errorf("failed to encode chat metadata: %w", err)
	}
	return RemoteChat{
		ID:           c.ID,
		Title:        c.Title,
		UserID:       c.UserID,
		CreatedAt:    Timestamp(c.CreatedAt),
		UpdatedAt:    Timestamp(c.UpdatedAt),
		IsShared:     c.IsShared,
		ShareToken:   c.ShareToken,
		Model:        c.Model,
		SystemPrompt: c.SystemPrompt,
		Metadata:     md,
	}, nil
}

// Chat translates the remote row back to the domain type.
func (r RemoteChat) Chat() (Chat, error) {
	var md map[string]any
	if err := decodeJSON(r.Metadata, &md); err != nil {
		return Chat{}, fmt.Errorf("failed to decode chat metadata: %w", err)
	}
	return Chat{
		ID:           r.ID,
		Title:        r.Title,
		UserID:       r.UserID,
		CreatedAt:    Timestamp(r.CreatedAt),
		UpdatedAt:    Timestamp(r.UpdatedAt),
		IsShared:     r.IsShared,
		ShareToken:   r.ShareToken,
		Model:        r.Model,
		SystemPrompt: r.SystemPrompt,
		Metadata:     md,
	}, nil
}

// ToLocal builds the Local Store row for m with the given sync state.
func (m Message) ToLocal(meta SyncMeta) (LocalMessage, error) {
	att, md, err := m.encodeColumns()
	if err != nil {
		return LocalMessage{}, err
	}
	return LocalMessage{
		ID:           m.ID,
		ChatID:       m.ChatID,
		Role:         string(m.Role),
		Content:      m.Content,
		CreatedAt:    Timestamp(m.CreatedAt),
		UpdatedAt:    Timestamp(m.UpdatedAt),
		ParentID:     m.ParentID,
		Attachments:  att,
		IsStreaming:  m.IsStreaming,
		TokenCount:   m.TokenCount,
		Metadata:     md,
		Dirty:        meta.Dirty,
		LastSyncedAt: timestampPtr(meta.LastSyncedAt),
	}, nil
}

// Message converts the row back to the domain type.
func (r LocalMessage) Message() (Message, error) {
	att, md, err := decodeColumns(r.Attachments, r.Metadata)
	if err != nil {
		return Message{}, err
	}
	return Message{
		ID:          r.ID,
		ChatID:      r.ChatID,
		Role:        Role(r.Role),
		Content:     r.Content,
		CreatedAt:   Timestamp(r.CreatedAt),
		UpdatedAt:   Timestamp(r.UpdatedAt),
		ParentID:    r.ParentID,
		Attachments: att,
		IsStreaming: r.IsStreaming,
		TokenCount:  r.TokenCount,
		Metadata:    md,
	}, nil
}

// Sync returns the row's sync state.
func (r LocalMessage) Sync() SyncMeta {
	return SyncMeta{Dirty: r.Dirty, LastSyncedAt: timestampPtr(r.LastSyncedAt)}
}

// ToRemote translates m into the remote wire schema.
func (m Message) ToRemote() (RemoteMessage, error) {
	att, md, err := m.encodeColumns()
	if err != nil {
		return RemoteMessage{}, err
	}
	return RemoteMessage{
		ID:          m.ID,
		ChatID:      m.ChatID,
		Role:        string(m.Role),
		Content:     m.Content,
		CreatedAt:   Timestamp(m.CreatedAt),
		UpdatedAt:   Timestamp(m.UpdatedAt),
		ParentID:    m.ParentID,
		Attachments: att,
		IsStreaming: m.IsStreaming,
		TokenCount:  m.TokenCount,
		Metadata:    md,
	}, nil
}

// Message translates the remote row back to the domain type.
func (r RemoteMessage) Message() (Message, error) {
	att, md, err := decodeColumns(r.Attachments, r.Metadata)
	if err != nil {
		return Message{}, err
	}
	return Message{
		ID:          r.ID,
		ChatID:      r.ChatID,
		Role:        Role(r.Role),
		Content:     r.Content,
		CreatedAt:   Timestamp(r.CreatedAt),
		UpdatedAt:   Timestamp(r.UpdatedAt),
		ParentID:    r.ParentID,
		Attachments: att,
		IsStreaming: r.IsStreaming,
		TokenCount:  r.TokenCount,
		Metadata:    md,
	}, nil
}

func (m Message) encodeColumns() (datatypes.JSON, datatypes.JSON, error) {
	var att datatypes.JSON
	if len(m.Attachments) > 0 {
		b, err := json.Marshal(m.Attachments)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to encode attachments: %w", err)
		}
		att = b
	}
	md, err := encodeJSON(m.Metadata)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode message metadata: %w", err)
	}
	return att, md, nil
}

func decodeColumns(attCol, mdCol datatypes.JSON) ([]Attachment, map[string]any, error) {
	var att []Attachment
	if err := decodeJSON(attCol, &att); err != nil {
		return nil, nil, fmt.Errorf("failed to decode attachments: %w", err)
	}
	if len(att) == 0 {
		att = nil
	}
	var md map[string]any
	if err := decodeJSON(mdCol, &md); err != nil {
		return nil, nil, fmt.Errorf("failed to decode message metadata: %w", err)
	}
	return att, md, nil
}

func encodeJSON(m map[string]any) (datatypes.JSON, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}

func decodeJSON(col datatypes.JSON, v any) error {
	if len(col) == 0 || string(col) == "null" {
		return nil
	}
	return json.Unmarshal(col, v)
}
