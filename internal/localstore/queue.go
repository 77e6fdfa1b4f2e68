package localstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/capitalize-ai/localfirst-chat/internal/model"
)

// Watermark returns the pull watermark of a table for a user. The zero time
// is returned when nothing has been pulled yet.
func (s *Store) Watermark(ctx context.Context, userID, table string) (time.Time, error) {
	var wm model.Watermark
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND table_name = ?", userID, table).
		Take(&wm).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read %s watermark: %w", table, err)
	}
	return model.Timestamp(wm.Since), nil
}

// SetWatermark persists the pull watermark of a table for a user.
func (s *Store) SetWatermark(ctx context.Context, userID, table string, since time.Time) error {
	wm := model.Watermark{UserID: userID, Table: table, Since: model.Timestamp(since)}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "table_name"}},
		DoUpdates: clause.AssignmentColumns([]string{"since"}),
	}).Create(&wm).Error
	if err != nil {
		return fmt.Errorf("failed to write %s watermark: %w", table, err)
	}
	return nil
}

// EnqueueDelete records a durable intent to delete a remote record.
func (s *Store) EnqueueDelete(ctx context.Context, userID, table, recordID string) error {
	return enqueueDelete(s.db.WithContext(ctx), userID, table, recordID)
}

func enqueueDelete(tx *gorm.DB, userID, table, recordID string) error {
	intent := model.PendingDelete{
		UserID:    userID,
		Table:     table,
		RecordID:  recordID,
		CreatedAt: model.Now(),
	}
	if err := tx.Create(&intent).Error; err != nil {
		return fmt.Errorf("failed to enqueue delete of %s %s: %w", table, recordID, err)
	}
	return nil
}

// PendingDeletes returns the user's queued delete intents, oldest first.
func (s *Store) PendingDeletes(ctx context.Context, userID string) ([]model.PendingDelete, error) {
	var intents []model.PendingDelete
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id ASC").
		Find(&intents).Error; err != nil {
		return nil, fmt.Errorf("failed to list pending deletes: %w", err)
	}
	return intents, nil
}

// AckDelete removes a delete intent once the remote delete succeeded.
func (s *Store) AckDelete(ctx context.Context, id uint) error {
	if err := s.db.WithContext(ctx).Delete(&model.PendingDelete{}, id).Error; err != nil {
		return fmt.Errorf("failed to ack delete %d: %w", id, err)
	}
	return nil
}

// RetryDelete bumps the attempt counter of a delete intent that failed.
func (s *Store) RetryDelete(ctx context.Context, id uint) error {
	if err := s.db.WithContext(ctx).Model(&model.PendingDelete{}).
		Where("id = ?", id).
		UpdateColumn("attempts", gorm.Expr("attempts + 1")).Error; err != nil {
		return fmt.Errorf("failed to update delete %d: %w", id, err)
	}
	return nil
}
