// Package remotestore is the shared relational store that every session of
// a user synchronizes with. Rows are owned by user_id and every write is
// announced through a Notifier.
package remotestore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/capitalize-ai/localfirst-chat/internal/model"
	"github.com/capitalize-ai/localfirst-chat/pkg/logger"
)

// ErrForbidden is returned when a write targets a row owned by another user.
var ErrForbidden = errors.New("record owned by another user")

// Notifier publishes change events for committed writes.
type Notifier interface {
	PublishChange(ctx context.Context, ev model.ChangeEvent) error
}

// Store is the remote chat store.
type Store struct {
	db       *gorm.DB
	notifier Notifier
	log      *logger.Logger

	migrateMu sync.Mutex
	migrated  atomic.Bool
}

// OpenPostgres connects to a Postgres database.
func OpenPostgres(dsn string, notifier Notifier, log *logger.Logger) (*Store, error) {
	return Open(postgres.Open(dsn), notifier, log)
}

// Open connects through any gorm dialector. The schema is migrated right
// away when the database answers, otherwise on the first successful Ping, so
// a store opened while offline becomes usable once the database is back.
func Open(dialector gorm.Dialector, notifier Notifier, log *logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.Global()
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:               gormlogger.Discard,
		DisableAutomaticPing: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open remote database: %w", err)
	}

	s := &Store{db: db, notifier: notifier, log: log}
	if err := s.Ping(context.Background()); err != nil {
		log.Warn("remote database not reachable yet", zap.Error(err))
	}
	return s, nil
}

// migrate creates the schema once per store.
func (s *Store) migrate(ctx context.Context) error {
	if s.migrated.Load() {
		return nil
	}
	s.migrateMu.Lock()
	defer s.migrateMu.Unlock()
	if s.migrated.Load() {
		return nil
	}
	if err := s.db.WithContext(ctx).AutoMigrate(&model.RemoteChat{}, &model.RemoteMessage{}, &model.RemoteFile{}); err != nil {
		return fmt.Errorf("failed to migrate remote schema: %w", err)
	}
	s.migrated.Store(true)
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks if the remote database is reachable and its schema is in
// place.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return err
	}
	return s.migrate(ctx)
}

func (s *Store) publish(ctx context.Context, ev model.ChangeEvent) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.PublishChange(ctx, ev); err != nil {
		s.log.Warn("failed to publish change",
			zap.String("table", ev.Table),
			zap.String("type", string(ev.Type)),
			zap.String("record_id", ev.RecordID()),
			zap.Error(err),
		)
	}
}

func upsertByID(tx *gorm.DB, row any) error {
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(row).Error
}

func changeType(existed bool) model.ChangeType {
	if existed {
		return model.ChangeUpdate
	}
	return model.ChangeInsert
}

// UpsertChat inserts or replaces a chat owned by userID. A stored row with
// a strictly newer updated_at is kept and the call is a no-op.
func (s *Store) UpsertChat(ctx context.Context, userID string, c model.RemoteChat) error {
	if c.UserID != userID {
		return fmt.Errorf("chat %s: %w", c.ID, ErrForbidden)
	}

	existed, written := false, false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur model.RemoteChat
		found, err := current(tx, c.ID, &cur)
		if err != nil {
			return err
		}
		if found && cur.UserID != userID {
			return fmt.Errorf("chat %s: %w", c.ID, ErrForbidden)
		}
		existed = found
		if found && cur.UpdatedAt.After(c.UpdatedAt) {
			return nil
		}
		written = true
		return upsertByID(tx, &c)
	})
	if err != nil {
		return fmt.Errorf("failed to upsert chat: %w", err)
	}
	if !written {
		return nil
	}

	ev, err := model.NewUpsertEvent(model.TableChats, changeType(existed), userID, c)
	if err != nil {
		return err
	}
	s.publish(ctx, ev)
	return nil
}

// UpsertMessage inserts or replaces a message in a chat owned by userID.
// Like UpsertChat it keeps a stored row that is strictly newer.
func (s *Store) UpsertMessage(ctx context.Context, userID string, m model.RemoteMessage) error {
	existed, written := false, false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		owner, found, err := chatOwner(tx, m.ChatID)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("chat %s: %w", m.ChatID, model.ErrNotFound)
		}
		if owner != userID {
			return fmt.Errorf("chat %s: %w", m.ChatID, ErrForbidden)
		}

		var cur model.RemoteMessage
		found, err = current(tx, m.ID, &cur)
		if err != nil {
			return err
		}
		existed = found
		if found && cur.UpdatedAt.After(m.UpdatedAt) {
			return nil
		}
		written = true
		return upsertByID(tx, &m)
	})
	if err != nil {
		return fmt.Errorf("failed to upsert message: %w", err)
	}
	if !written {
		return nil
	}

	ev, err := model.NewUpsertEvent(model.TableMessages, changeType(existed), userID, m)
	if err != nil {
		return err
	}
	s.publish(ctx, ev)
	return nil
}

func pluckOne(tx *gorm.DB, table any, column, where string, arg any) (string, bool, error) {
	var vals []string
	if err := tx.Model(table).Where(where, arg).Limit(1).Pluck(column, &vals).Error; err != nil {
		return "", false, err
	}
	if len(vals) == 0 {
		return "", false, nil
	}
	return vals[0], true, nil
}

// current loads the stored row with the given id into dst.
func current(tx *gorm.DB, id string, dst any) (bool, error) {
	err := tx.Where("id = ?", id).Take(dst).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	return err == nil, err
}

func chatOwner(tx *gorm.DB, chatID string) (string, bool, error) {
	return pluckOne(tx, &model.RemoteChat{}, "user_id", "id = ?", chatID)
}

// ChatsUpdatedSince returns the user's chats updated strictly after since.
func (s *Store) ChatsUpdatedSince(ctx context.Context, userID string, since time.Time) ([]model.RemoteChat, error) {
	var rows []model.RemoteChat
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND updated_at > ?", userID, model.Timestamp(since)).
		Order("updated_at ASC").Order("id ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query updated chats: %w", err)
	}
	return rows, nil
}

// MessagesUpdatedSince returns messages of the user's chats updated
// strictly after since.
func (s *Store) MessagesUpdatedSince(ctx context.Context, userID string, since time.Time) ([]model.RemoteMessage, error) {
	var rows []model.RemoteMessage
	if err := s.db.WithContext(ctx).
		Joins("JOIN chats ON chats.id = messages.chat_id").
		Where("chats.user_id = ? AND messages.updated_at > ?", userID, model.Timestamp(since)).
		Order("messages.updated_at ASC").Order("messages.id ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query updated messages: %w", err)
	}
	return rows, nil
}

// DeleteChat deletes a chat, its messages and its attachment objects.
// Deleting a chat that does not exist succeeds.
func (s *Store) DeleteChat(ctx context.Context, userID, id string) error {
	var msgIDs []string
	found := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		owner, ok, err := chatOwner(tx, id)
		found = ok
		if err != nil || !found {
			return err
		}
		if owner != userID {
			return fmt.Errorf("chat %s: %w", id, ErrForbidden)
		}

		if err := tx.Model(&model.RemoteMessage{}).Where("chat_id = ?", id).Pluck("id", &msgIDs).Error; err != nil {
			return err
		}
		if err := tx.Where("chat_id = ?", id).Delete(&model.RemoteMessage{}).Error; err != nil {
			return err
		}
		if err := tx.Where("path LIKE ?", ObjectPrefix(id)+"%").Delete(&model.RemoteFile{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&model.RemoteChat{}).Error
	})
	if err != nil {
		return fmt.Errorf("failed to delete chat %s: %w", id, err)
	}
	if !found {
		return nil
	}

	for _, mid := range msgIDs {
		s.publish(ctx, model.NewDeleteEvent(model.TableMessages, userID, mid))
	}
	s.publish(ctx, model.NewDeleteEvent(model.TableChats, userID, id))
	return nil
}

// DeleteMessage deletes one message of a chat owned by userID.
func (s *Store) DeleteMessage(ctx context.Context, userID, id string) error {
	found := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		chatID, ok, err := pluckOne(tx, &model.RemoteMessage{}, "chat_id", "id = ?", id)
		if err != nil || !ok {
			return err
		}
		found = true

		owner, _, err := chatOwner(tx, chatID)
		if err != nil {
			return err
		}
		if owner != userID {
			return fmt.Errorf("message %s: %w", id, ErrForbidden)
		}
		return tx.Where("id = ?", id).Delete(&model.RemoteMessage{}).Error
	})
	if err != nil {
		return fmt.Errorf("failed to delete message %s: %w", id, err)
	}
	if found {
		s.publish(ctx, model.NewDeleteEvent(model.TableMessages, userID, id))
	}
	return nil
}

// ChatByShareToken returns the shared chat with the given token.
func (s *Store) ChatByShareToken(ctx context.Context, token string) (model.RemoteChat, error) {
	var row model.RemoteChat
	err := s.db.WithContext(ctx).
		Where("share_token = ? AND is_shared = ?", token, true).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.RemoteChat{}, model.ErrNotShared
	}
	if err != nil {
		return model.RemoteChat{}, fmt.Errorf("failed to look up shared chat: %w", err)
	}
	return row, nil
}

// MessagesForChat returns every message of a chat in display order.
func (s *Store) MessagesForChat(ctx context.Context, chatID string) ([]model.RemoteMessage, error) {
	var rows []model.RemoteMessage
	if err := s.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("created_at ASC").Order("id ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query messages of chat %s: %w", chatID, err)
	}
	return rows, nil
}
