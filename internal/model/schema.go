package model

import (
	"time"

	"gorm.io/datatypes"
)

// Table names shared by both schemas.
const (
	TableChats    = "chats"
	TableMessages = "messages"
	TableFiles    = "chat_files"
)

// LocalChat is the Local Store row for a chat.
type LocalChat struct {
	ID           string    `gorm:"primaryKey;size:64"`
	Title        string    `gorm:"not null"`
	UserID       string    `gorm:"size:64;index"`
	CreatedAt    time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime:false;index"`
	IsShared     bool
	ShareToken   *string `gorm:"size:64"`
	Model        string
	SystemPrompt *string
	Metadata     datatypes.JSON
	Dirty        int `gorm:"not null;index"`
	LastSyncedAt *time.Time
}

// TableName overrides the gorm default.
func (LocalChat) TableName() string { return TableChats }

// LocalMessage is the Local Store row for a message.
type LocalMessage struct {
	ID           string    `gorm:"primaryKey;size:64"`
	ChatID       string    `gorm:"size:64;not null;index:idx_messages_chat_created,priority:1"`
	Role         string    `gorm:"size:16;not null"`
	Content      string    `gorm:"not null"`
	CreatedAt    time.Time `gorm:"autoCreateTime:false;index:idx_messages_chat_created,priority:2"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime:false"`
	ParentID     *string   `gorm:"size:64"`
	Attachments  datatypes.JSON
	IsStreaming  bool
	TokenCount   *int
	Metadata     datatypes.JSON
	Dirty        int `gorm:"not null;index"`
	LastSyncedAt *time.Time
}

// TableName overrides the gorm default.
func (LocalMessage) TableName() string { return TableMessages }

// Watermark records how far the pull phase has read a remote table.
type Watermark struct {
	UserID string    `gorm:"primaryKey;size:64"`
	Table  string    `gorm:"primaryKey;column:table_name;size:32"`
	Since  time.Time `gorm:"not null"`
}

// PendingDelete is a durable intent to delete a remote record.
type PendingDelete struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	UserID    string    `gorm:"size:64;index"`
	Table     string    `gorm:"column:table_name;size:32;not null"`
	RecordID  string    `gorm:"size:64;not null"`
	CreatedAt time.Time `gorm:"autoCreateTime:false"`
	Attempts  int
}

// RemoteChat is the Remote Store row for a chat. Column and JSON names are
// the remote wire format and must not change.
type RemoteChat struct {
	ID           string         `gorm:"column:id;primaryKey;size:64" json:"id"`
	Title        string         `gorm:"column:title;not null" json:"title"`
	UserID       string         `gorm:"column:user_id;size:64;not null;index" json:"user_id"`
	CreatedAt    time.Time      `gorm:"column:created_at;autoCreateTime:false" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"column:updated_at;autoUpdateTime:false;index" json:"updated_at"`
	IsShared     bool           `gorm:"column:is_shared" json:"is_shared"`
	ShareToken   *string        `gorm:"column:share_token;size:64;index" json:"share_token"`
	Model        string         `gorm:"column:model" json:"model"`
	SystemPrompt *string        `gorm:"column:system_prompt" json:"system_prompt"`
	Metadata     datatypes.JSON `gorm:"column:metadata" json:"metadata"`
}

// TableName overrides the gorm default.
func (RemoteChat) TableName() string { return TableChats }

// RemoteMessage is the Remote Store row for a message.
type RemoteMessage struct {
	ID          string         `gorm:"column:id;primaryKey;size:64" json:"id"`
	ChatID      string         `gorm:"column:chat_id;size:64;not null;index" json:"chat_id"`
	Role        string         `gorm:"column:role;size:16;not null" json:"role"`
	Content     string         `gorm:"column:content;not null" json:"content"`
	CreatedAt   time.Time      `gorm:"column:created_at;autoCreateTime:false" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"column:updated_at;autoUpdateTime:false;index" json:"updated_at"`
	ParentID    *string        `gorm:"column:parent_id;size:64" json:"parent_id"`
	Attachments datatypes.JSON `gorm:"column:attachments" json:"attachments"`
	IsStreaming bool           `gorm:"column:is_streaming" json:"is_streaming"`
	TokenCount  *int           `gorm:"column:token_count" json:"token_count"`
	Metadata    datatypes.JSON `gorm:"column:metadata" json:"metadata"`
}

// TableName overrides the gorm default.
func (RemoteMessage) TableName() string { return TableMessages }

// RemoteFile is an uploaded attachment body in remote object storage.
type RemoteFile struct {
	Path        string    `gorm:"column:path;primaryKey;size:255" json:"path"`
	UserID      string    `gorm:"column:user_id;size:64;not null;index" json:"user_id"`
	ContentType string    `gorm:"column:content_type" json:"content_type"`
	Size        int64     `gorm:"column:size" json:"size"`
	Data        []byte    `gorm:"column:data" json:"-"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime:false" json:"created_at"`
}

// TableName overrides the gorm default.
func (RemoteFile) TableName() string { return TableFiles }
