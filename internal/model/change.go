package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// ChangeType is the kind of row change carried by a realtime event.
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// ChangeKey identifies the row affected by a delete.
type ChangeKey struct {
	ID string `json:"id"`
}

// ChangeEvent is a realtime notification emitted by the Remote Store.
// New holds the row in the remote wire schema for inserts and updates.
type ChangeEvent struct {
	Table           string          `json:"table"`
	Type            ChangeType      `json:"type"`
	UserID          string          `json:"user_id"`
	New             json.RawMessage `json:"new,omitempty"`
	Old             *ChangeKey      `json:"old,omitempty"`
	CommitTimestamp time.Time       `json:"commit_timestamp"`
	Sequence        uint64          `json:"sequence,omitempty"`
}

// NewUpsertEvent builds an insert or update event carrying row.
func NewUpsertEvent(table string, typ ChangeType, userID string, row any) (ChangeEvent, error) {
	b, err := json.Marshal(row)
	if err != nil {
		return ChangeEvent{}, fmt.Errorf("failed to encode %s row: %w", table, err)
	}
	return ChangeEvent{
		Table:           table,
		Type:            typ,
		UserID:          userID,
		New:             b,
		CommitTimestamp: Now(),
	}, nil
}

// NewDeleteEvent builds a delete event for the row with the given id.
func NewDeleteEvent(table, userID, id string) ChangeEvent {
	return ChangeEvent{
		Table:           table,
		Type:            ChangeDelete,
		UserID:          userID,
		Old:             &ChangeKey{ID: id},
		CommitTimestamp: Now(),
	}
}

// RemoteChat decodes the new row of a chats event.
func (e ChangeEvent) RemoteChat() (RemoteChat, error) {
	var r RemoteChat
	if err := json.Unmarshal(e.New, &r); err != nil {
		return RemoteChat{}, fmt.Errorf("failed to decode chat row: %w", err)
	}
	return r, nil
}

// RemoteMessage decodes the new row of a messages event.
func (e ChangeEvent) RemoteMessage() (RemoteMessage, error) {
	var r RemoteMessage
	if err := json.Unmarshal(e.New, &r); err != nil {
		return RemoteMessage{}, fmt.Errorf("failed to decode message row: %w", err)
	}
	return r, nil
}

// RecordID returns the id of the affected row.
func (e ChangeEvent) RecordID() string {
	if e.Old != nil && e.Old.ID != "" {
		return e.Old.ID
	}
	var key ChangeKey
	if len(e.New) > 0 && json.Unmarshal(e.New, &key) == nil {
		return key.ID
	}
	return ""
}
