package syncer

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/capitalize-ai/localfirst-chat/internal/model"
	"github.com/capitalize-ai/localfirst-chat/internal/remotestore"
)

// isLocalLocator reports whether an attachment still points at a file on
// this device.
func isLocalLocator(locator string) bool {
	if strings.HasPrefix(locator, "file://") {
		return true
	}
	return locator != "" &&
		!strings.Contains(locator, "://") &&
		!strings.HasPrefix(locator, remotestore.ObjectPrefix(""))
}

func localPath(locator string) (string, error) {
	if !strings.HasPrefix(locator, "file://") {
		return locator, nil
	}
	u, err := url.Parse(locator)
	if err != nil {
		return "", fmt.Errorf("invalid attachment locator %q: %w", locator, err)
	}
	return u.Path, nil
}

// uploadAttachments uploads the message's local attachments to remote
// object storage and returns the attachment list with rewritten locators.
func (e *Engine) uploadAttachments(ctx context.Context, userID string, msg model.Message) ([]model.Attachment, bool, error) {
	if len(msg.Attachments) == 0 {
		return msg.Attachments, false, nil
	}

	out := make([]model.Attachment, len(msg.Attachments))
	copy(out, msg.Attachments)
	changed := false

	for i, att := range out {
		if !isLocalLocator(att.URL) {
			continue
		}
		path, err := localPath(att.URL)
		if err != nil {
			return nil, false, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, false, fmt.Errorf("failed to read attachment %s: %w", att.ID, err)
		}

		objectPath := remotestore.ObjectPath(msg.ChatID, att.ID)
		rctx, cancel := context.WithTimeout(ctx, e.cfg.PushTimeout)
		err = e.remote.PutObject(rctx, userID, objectPath, att.Type, data)
		cancel()
		if err != nil {
			return nil, false, fmt.Errorf("failed to upload attachment %s: %w", att.ID, err)
		}

		out[i].URL = objectPath
		out[i].Size = int64(len(data))
		changed = true
	}

	return out, changed, nil
}
