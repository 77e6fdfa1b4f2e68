package middleware

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/capitalize-ai/localfirst-chat/internal/model"
)

const maxAttachments = 10

// ValidateMessageContent validates message content.
func ValidateMessageContent(content string) error {
	if len(content) == 0 {
		return errors.New("content cannot be empty")
	}
	if len(content) > 100000 { // ~100KB limit
		return errors.New("content exceeds maximum length")
	}
	if !utf8.ValidString(content) {
		return errors.New("content must be valid UTF-8")
	}
	return nil
}

// ValidateChatID validates a chat ID.
func ValidateChatID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid chat ID format")
	}
	return nil
}

// ValidateMessageID validates a message ID.
func ValidateMessageID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid message ID format")
	}
	return nil
}

// ValidateShareToken validates a share token.
func ValidateShareToken(token string) error {
	if _, err := uuid.Parse(token); err != nil {
		return errors.New("invalid share token format")
	}
	return nil
}

// ValidateTitle validates a chat title.
func ValidateTitle(title string) error {
	if len(title) > 256 {
		return errors.New("title exceeds maximum length")
	}
	if !utf8.ValidString(title) {
		return errors.New("title must be valid UTF-8")
	}
	return nil
}

// ValidateAttachments validates the attachments of a new message.
func ValidateAttachments(atts []model.Attachment) error {
	if len(atts) > maxAttachments {
		return fmt.Errorf("at most %d attachments are allowed", maxAttachments)
	}
	for _, a := range atts {
		if a.ID == "" || a.URL == "" {
			return errors.New("attachment id and url are required")
		}
		if len(a.Name) > 256 || !utf8.ValidString(a.Name) {
			return errors.New("invalid attachment name")
		}
		if a.Size < 0 {
			return errors.New("invalid attachment size")
		}
	}
	return nil
}

// ValidateRole validates a message role.
func ValidateRole(role string) error {
	if !model.Role(role).Valid() {
		return fmt.Errorf("invalid role %q", role)
	}
	return nil
}
