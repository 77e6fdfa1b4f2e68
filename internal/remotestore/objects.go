package remotestore

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/capitalize-ai/localfirst-chat/internal/model"
)

// ObjectPrefix returns the storage prefix of a chat's attachments.
func ObjectPrefix(chatID string) string {
	return "chat-files/" + chatID + "/"
}

// ObjectPath returns the storage path of one attachment.
func ObjectPath(chatID, attachmentID string) string {
	return ObjectPrefix(chatID) + attachmentID
}

// PutObject stores an attachment body at path, replacing any previous body.
func (s *Store) PutObject(ctx context.Context, userID, path, contentType string, data []byte) error {
	obj := model.RemoteFile{
		Path:        path,
		UserID:      userID,
		ContentType: contentType,
		Size:        int64(len(data)),
		Data:        data,
		CreatedAt:   model.Now(),
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		owner, found, err := pluckOne(tx, &model.RemoteFile{}, "user_id", "path = ?", path)
		if err != nil {
			return err
		}
		if found && owner != userID {
			return fmt.Errorf("object %s: %w", path, ErrForbidden)
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "path"}},
			UpdateAll: true,
		}).Create(&obj).Error
	})
	if err != nil {
		return fmt.Errorf("failed to put object: %w", err)
	}
	return nil
}

// GetObject returns the attachment stored at path.
func (s *Store) GetObject(ctx context.Context, path string) (model.RemoteFile, error) {
	var obj model.RemoteFile
	err := s.db.WithContext(ctx).Where("path = ?", path).Take(&obj).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.RemoteFile{}, fmt.Errorf("object %s: %w", path, model.ErrNotFound)
	}
	if err != nil {
		return model.RemoteFile{}, fmt.Errorf("failed to get object %s: %w", path, err)
	}
	return obj, nil
}
