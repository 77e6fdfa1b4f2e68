package localstore

import "github.com/capitalize-ai/localfirst-chat/internal/model"

func chatRecord(row model.LocalChat) (ChatRecord, error) {
	c, err := row.Chat()
	if err != nil {
		return ChatRecord{}, err
	}
	return ChatRecord{Chat: c, Sync: row.Sync()}, nil
}

func messageRecord(row model.LocalMessage) (MessageRecord, error) {
	m, err := row.Message()
	if err != nil {
		return MessageRecord{}, err
	}
	return MessageRecord{Message: m, Sync: row.Sync()}, nil
}
