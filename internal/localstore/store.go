// Package localstore is the embedded SQLite store that holds chats and
// messages on the client together with their sync state.
package localstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/capitalize-ai/localfirst-chat/internal/model"
)

// ChatRecord is a chat together with its sync state.
type ChatRecord struct {
	Chat model.Chat
	Sync model.SyncMeta
}

// MessageRecord is a message together with its sync state.
type MessageRecord struct {
	Message model.Message
	Sync    model.SyncMeta
}

// Store provides CRUD over the local chat and message tables.
type Store struct {
	db   *gorm.DB
	path string
}

// Open opens (creating if needed) the SQLite database at path and migrates
// the schema.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn(path)), &gorm.Config{
		Logger: gormlogger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open local database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}
	// SQLite serializes writers anyway; one connection keeps transactions
	// and reads on the same view.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&model.LocalChat{},
		&model.LocalMessage{},
		&model.Watermark{},
		&model.PendingDelete{},
	); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate local schema: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

func dsn(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_busy_timeout=5000&_journal_mode=WAL"
}

// Close closes the database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks that the database is usable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func upsert(tx *gorm.DB, row any) error {
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(row).Error
}

// PutChat upserts a chat by id.
func (s *Store) PutChat(ctx context.Context, c model.Chat, meta model.SyncMeta) error {
	row, err := c.ToLocal(meta)
	if err != nil {
		return err
	}
	if err := upsert(s.db.WithContext(ctx), &row); err != nil {
		return fmt.Errorf("failed to put chat %s: %w", c.ID, err)
	}
	return nil
}

// PutMessage upserts a message by id.
func (s *Store) PutMessage(ctx context.Context, m model.Message, meta model.SyncMeta) error {
	row, err := m.ToLocal(meta)
	if err != nil {
		return err
	}
	if err := upsert(s.db.WithContext(ctx), &row); err != nil {
		return fmt.Errorf("failed to put message %s: %w", m.ID, err)
	}
	return nil
}

// PutMessages upserts messages in one transaction.
func (s *Store) PutMessages(ctx context.Context, msgs []model.Message, meta model.SyncMeta) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, m := range msgs {
			row, err := m.ToLocal(meta)
			if err != nil {
				return err
			}
			if err := upsert(tx, &row); err != nil {
				return fmt.Errorf("failed to put message %s: %w", m.ID, err)
			}
		}
		return nil
	})
}

// PutChatWithMessages upserts a chat and its messages in one transaction.
func (s *Store) PutChatWithMessages(ctx context.Context, c model.Chat, msgs []model.Message, meta model.SyncMeta) error {
	chatRow, err := c.ToLocal(meta)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := upsert(tx, &chatRow); err != nil {
			return fmt.Errorf("failed to put chat %s: %w", c.ID, err)
		}
		for _, m := range msgs {
			row, err := m.ToLocal(meta)
			if err != nil {
				return err
			}
			if err := upsert(tx, &row); err != nil {
				return fmt.Errorf("failed to put message %s: %w", m.ID, err)
			}
		}
		return nil
	})
}

// GetChat returns the chat with the given id.
func (s *Store) GetChat(ctx context.Context, id string) (ChatRecord, error) {
	var row model.LocalChat
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ChatRecord{}, fmt.Errorf("chat %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return ChatRecord{}, fmt.Errorf("failed to get chat %s: %w", id, err)
	}
	return chatRecord(row)
}

// GetMessage returns the message with the given id.
func (s *Store) GetMessage(ctx context.Context, id string) (MessageRecord, error) {
	var row model.LocalMessage
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return MessageRecord{}, fmt.Errorf("message %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return MessageRecord{}, fmt.Errorf("failed to get message %s: %w", id, err)
	}
	return messageRecord(row)
}

// ListChats returns the user's chats, most recently updated first.
func (s *Store) ListChats(ctx context.Context, userID string) ([]model.Chat, error) {
	var rows []model.LocalChat
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC").Order("id DESC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}

	chats := make([]model.Chat, 0, len(rows))
	for _, row := range rows {
		c, err := row.Chat()
		if err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, nil
}

// QueryByChat returns up to limit messages of a chat in display order,
// skipping the first offset. A negative limit returns all remaining rows.
func (s *Store) QueryByChat(ctx context.Context, chatID string, offset, limit int) ([]model.Message, error) {
	q := s.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("created_at ASC").Order("id ASC")
	if offset > 0 {
		q = q.Offset(offset)
	}
	if limit >= 0 {
		q = q.Limit(limit)
	}

	var rows []model.LocalMessage
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query messages of chat %s: %w", chatID, err)
	}

	msgs := make([]model.Message, 0, len(rows))
	for _, row := range rows {
		m, err := row.Message()
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// CountByChat returns the number of messages in a chat.
func (s *Store) CountByChat(ctx context.Context, chatID string) (int, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&model.LocalMessage{}).
		Where("chat_id = ?", chatID).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count messages of chat %s: %w", chatID, err)
	}
	return int(n), nil
}

// QueryDirtyChats returns the user's chats with unpushed changes.
func (s *Store) QueryDirtyChats(ctx context.Context, userID string) ([]ChatRecord, error) {
	var rows []model.LocalChat
	if err := s.db.WithContext(ctx).
		Where("dirty <> 0 AND user_id = ?", userID).
		Order("updated_at ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query dirty chats: %w", err)
	}

	out := make([]ChatRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := chatRecord(row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// QueryDirtyMessages returns the user's messages with unpushed changes in
// creation order.
func (s *Store) QueryDirtyMessages(ctx context.Context, userID string) ([]MessageRecord, error) {
	var rows []model.LocalMessage
	if err := s.db.WithContext(ctx).
		Joins("JOIN chats ON chats.id = messages.chat_id").
		Where("messages.dirty <> 0 AND chats.user_id = ?", userID).
		Order("messages.created_at ASC").Order("messages.id ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query dirty messages: %w", err)
	}

	out := make([]MessageRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := messageRecord(row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// MarkChatSynced clears the dirty flag of a chat if its updated_at still
// equals pushedAt. It reports whether the row was cleared.
func (s *Store) MarkChatSynced(ctx context.Context, id string, pushedAt, syncedAt time.Time) (bool, error) {
	return s.markSynced(ctx, &model.LocalChat{}, id, pushedAt, syncedAt)
}

// MarkMessageSynced clears the dirty flag of a message if its updated_at
// still equals pushedAt. It reports whether the row was cleared.
func (s *Store) MarkMessageSynced(ctx context.Context, id string, pushedAt, syncedAt time.Time) (bool, error) {
	return s.markSynced(ctx, &model.LocalMessage{}, id, pushedAt, syncedAt)
}

func (s *Store) markSynced(ctx context.Context, table any, id string, pushedAt, syncedAt time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(table).
		Where("id = ? AND updated_at = ?", id, model.Timestamp(pushedAt)).
		Updates(map[string]any{
			"dirty":          0,
			"last_synced_at": model.Timestamp(syncedAt),
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to mark %s synced: %w", id, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// ApplyRemoteChat merges a chat received from the remote store. The local
// row is kept only if it is dirty and strictly newer. It reports whether
// the remote version was written.
func (s *Store) ApplyRemoteChat(ctx context.Context, c model.Chat, syncedAt time.Time) (bool, error) {
	applied := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur model.LocalChat
		err := tx.Where("id = ?", c.ID).Take(&cur).Error
		switch {
		case err == nil:
			if localWins(cur.Dirty, cur.UpdatedAt, c.UpdatedAt) {
				return nil
			}
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		row, err := c.ToLocal(synced(syncedAt))
		if err != nil {
			return err
		}
		if err := upsert(tx, &row); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to apply remote chat %s: %w", c.ID, err)
	}
	return applied, nil
}

// ApplyRemoteMessage merges a message received from the remote store using
// the same rule as ApplyRemoteChat.
func (s *Store) ApplyRemoteMessage(ctx context.Context, m model.Message, syncedAt time.Time) (bool, error) {
	applied := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur model.LocalMessage
		err := tx.Where("id = ?", m.ID).Take(&cur).Error
		switch {
		case err == nil:
			if localWins(cur.Dirty, cur.UpdatedAt, m.UpdatedAt) {
				return nil
			}
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		row, err := m.ToLocal(synced(syncedAt))
		if err != nil {
			return err
		}
		if err := upsert(tx, &row); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to apply remote message %s: %w", m.ID, err)
	}
	return applied, nil
}

func localWins(dirty int, localUpdated, remoteUpdated time.Time) bool {
	return dirty != 0 && localUpdated.After(remoteUpdated)
}

func synced(at time.Time) model.SyncMeta {
	ts := model.Timestamp(at)
	return model.SyncMeta{Dirty: 0, LastSyncedAt: &ts}
}

// DeleteMessage removes one message.
func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Where("id = ?", id).Delete(&model.LocalMessage{}).Error; err != nil {
		return fmt.Errorf("failed to delete message %s: %w", id, err)
	}
	return nil
}

// DeleteWhere removes every message of a chat.
func (s *Store) DeleteWhere(ctx context.Context, chatID string) error {
	if err := s.db.WithContext(ctx).Where("chat_id = ?", chatID).Delete(&model.LocalMessage{}).Error; err != nil {
		return fmt.Errorf("failed to delete messages of chat %s: %w", chatID, err)
	}
	return nil
}

// DeleteChat removes a chat and its messages.
func (s *Store) DeleteChat(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return deleteChat(tx, id)
	})
}

// DeleteChatWithIntent removes a chat and its messages and records a
// durable intent to delete the chat remotely, all in one transaction.
func (s *Store) DeleteChatWithIntent(ctx context.Context, userID, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := deleteChat(tx, id); err != nil {
			return err
		}
		return enqueueDelete(tx, userID, model.TableChats, id)
	})
}

func deleteChat(tx *gorm.DB, id string) error {
	if err := tx.Where("chat_id = ?", id).Delete(&model.LocalMessage{}).Error; err != nil {
		return fmt.Errorf("failed to delete messages of chat %s: %w", id, err)
	}
	if err := tx.Where("id = ?", id).Delete(&model.LocalChat{}).Error; err != nil {
		return fmt.Errorf("failed to delete chat %s: %w", id, err)
	}
	return nil
}

// UpdateAttachments rewrites only the attachment column of a message.
func (s *Store) UpdateAttachments(ctx context.Context, id string, atts []model.Attachment) error {
	m := model.Message{Attachments: atts}
	row, err := m.ToLocal(model.SyncMeta{})
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Model(&model.LocalMessage{}).
		Where("id = ?", id).
		UpdateColumn("attachments", row.Attachments).Error; err != nil {
		return fmt.Errorf("failed to update attachments of %s: %w", id, err)
	}
	return nil
}
