// Package service implements the conversation engine: the user-facing chat
// operations and the live completion stream, on top of the local store.
package service

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/capitalize-ai/localfirst-chat/internal/model"
)

// Snapshot is a point-in-time copy of the session state.
type Snapshot struct {
	UserID             string          `json:"user_id"`
	CurrentChat        *model.Chat     `json:"current_chat,omitempty"`
	Messages           []model.Message `json:"messages"`
	StreamingMessageID string          `json:"streaming_message_id,omitempty"`
	Version            uint64          `json:"version"`
}

// errChatLeft stops a reply whose chat is no longer current.
var errChatLeft = errors.New("chat is no longer current")

// Session holds the state of one signed-in user: the current chat, its
// active message list, the message being streamed and the pages loaded per
// chat. It is created by the application root and lives from Init to
// Teardown.
type Session struct {
	mu          sync.RWMutex
	userID      string
	current     *model.Chat
	messages    []model.Message
	pages       map[string][]model.Message
	version     uint64

	// One reply streams at a time. streamDone is closed when it ends.
	streamingID  string
	streamChat   string
	streamDone   chan struct{}
	streamCancel context.CancelCauseFunc

	subMu   sync.Mutex
	nextSub int
	subs    map[int]chan Snapshot
}

// NewSession creates an empty session.
func NewSession() *Session {
	return &Session{
		pages: make(map[string][]model.Message),
		subs:  make(map[int]chan Snapshot),
	}
}

// Init binds the session to userID.
func (s *Session) Init(userID string) error {
	if userID == "" {
		return errors.New("user id is required")
	}
	s.mu.Lock()
	if s.userID != "" && s.userID != userID {
		s.mu.Unlock()
		return errors.New("session already bound to another user")
	}
	s.userID = userID
	s.mu.Unlock()
	s.publish()
	return nil
}

// Teardown clears all state.
func (s *Session) Teardown() {
	s.mu.Lock()
	s.userID = ""
	s.current = nil
	s.messages = nil
	s.pages = make(map[string][]model.Message)
	s.releaseStreamLocked(model.ErrNoSession)
	s.mu.Unlock()
	s.publish()
}

// UserID returns the bound user or ErrNoSession.
func (s *Session) UserID() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.userID == "" {
		return "", model.ErrNoSession
	}
	return s.userID, nil
}

// active returns the bound user and a copy of the current chat.
func (s *Session) active() (string, model.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.userID == "" {
		return "", model.Chat{}, model.ErrNoSession
	}
	if s.current == nil {
		return s.userID, model.Chat{}, model.ErrNoActiveChat
	}
	return s.userID, *s.current, nil
}

// CurrentChatID returns the id of the current chat, or "".
func (s *Session) CurrentChatID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return ""
	}
	return s.current.ID
}

// Messages returns a copy of the active message list.
func (s *Session) Messages() []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.messages)
}

// Page returns the messages loaded for chatID through pagination.
func (s *Session) Page(chatID string) []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.pages[chatID])
}

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		UserID:             s.userID,
		Messages:           slices.Clone(s.messages),
		StreamingMessageID: s.streamingID,
		Version:            s.version,
	}
	if s.current != nil {
		c := *s.current
		snap.CurrentChat = &c
	}
	if snap.Messages == nil {
		snap.Messages = []model.Message{}
	}
	return snap
}

// Subscribe returns a channel receiving the latest snapshot after every
// change and a function that cancels the subscription. A slow reader only
// misses intermediate snapshots.
func (s *Session) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	s.subMu.Lock()
	ch <- s.Snapshot()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

func (s *Session) publish() {
	s.mu.Lock()
	s.version++
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}

// setCurrent makes chat the current chat with msgs as its active list. A
// reply streaming into another chat is stopped.
func (s *Session) setCurrent(chat model.Chat, msgs []model.Message) {
	s.mu.Lock()
	next := slices.Clone(msgs)
	if s.streamChat != "" && s.streamChat != chat.ID {
		s.streamCancel(errChatLeft)
	} else if s.streamingID != "" {
		if i := slices.IndexFunc(s.messages, func(m model.Message) bool { return m.ID == s.streamingID }); i >= 0 {
			next = mergeMessages(next, []model.Message{s.messages[i]})
		}
	}
	s.current = &chat
	s.messages = next
	model.SortMessages(s.messages)
	s.mu.Unlock()
	s.publish()
}

// updateChat replaces the current chat if it has the same id.
func (s *Session) updateChat(chat model.Chat) {
	s.mu.Lock()
	if s.current == nil || s.current.ID != chat.ID {
		s.mu.Unlock()
		return
	}
	s.current = &chat
	s.mu.Unlock()
	s.publish()
}

// forgetChat drops every trace of chatID.
func (s *Session) forgetChat(chatID string) {
	s.mu.Lock()
	delete(s.pages, chatID)
	if s.current != nil && s.current.ID == chatID {
		s.current = nil
		s.messages = nil
	}
	if s.streamChat == chatID {
		s.streamCancel(errChatLeft)
	}
	s.mu.Unlock()
	s.publish()
}

// upsertMessage inserts or replaces msg in the active list if it belongs to
// the current chat.
func (s *Session) upsertMessage(msg model.Message) {
	s.mu.Lock()
	if s.current == nil || s.current.ID != msg.ChatID {
		s.mu.Unlock()
		return
	}
	s.messages = mergeMessages(s.messages, []model.Message{msg})
	s.mu.Unlock()
	s.publish()
}

// setStreamContent replaces the content of the streaming message in the
// active list. It reports false when the message is no longer shown.
func (s *Session) setStreamContent(id, content string) bool {
	s.mu.Lock()
	idx := slices.IndexFunc(s.messages, func(m model.Message) bool { return m.ID == id })
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	s.messages[idx].Content = content
	s.mu.Unlock()
	s.publish()
	return true
}

// beginStreaming reserves the session for reply id in chatID. cancel stops
// the reply when its chat is left or deleted. A reply still streaming into
// the current chat is ErrStreaming; one left behind in another chat is
// stopped and waited for.
func (s *Session) beginStreaming(ctx context.Context, chatID, id string, cancel context.CancelCauseFunc) error {
	for {
		s.mu.Lock()
		if s.userID == "" {
			s.mu.Unlock()
			return model.ErrNoSession
		}
		if s.streamingID == "" {
			s.streamingID, s.streamChat = id, chatID
			s.streamDone = make(chan struct{})
			s.streamCancel = cancel
			s.mu.Unlock()
			s.publish()
			return nil
		}
		if s.current != nil && s.current.ID == s.streamChat {
			s.mu.Unlock()
			return ErrStreaming
		}
		done := s.streamDone
		s.streamCancel(errChatLeft)
		s.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// endStreaming releases the reservation taken for reply id.
func (s *Session) endStreaming(id string) {
	s.mu.Lock()
	if s.streamingID != id {
		s.mu.Unlock()
		return
	}
	s.releaseStreamLocked(nil)
	s.mu.Unlock()
	s.publish()
}

func (s *Session) releaseStreamLocked(cause error) {
	if s.streamingID == "" {
		return
	}
	if cause != nil {
		s.streamCancel(cause)
	}
	close(s.streamDone)
	s.streamingID, s.streamChat = "", ""
	s.streamDone, s.streamCancel = nil, nil
}

// replaceMessages reloads the active list of chatID from msgs. The message
// being streamed keeps its in-memory content, which runs ahead of the store.
func (s *Session) replaceMessages(chatID string, msgs []model.Message) {
	s.mu.Lock()
	if s.current == nil || s.current.ID != chatID {
		s.mu.Unlock()
		return
	}
	next := slices.Clone(msgs)
	if s.streamingID != "" {
		if i := slices.IndexFunc(s.messages, func(m model.Message) bool { return m.ID == s.streamingID }); i >= 0 {
			next = mergeMessages(next, []model.Message{s.messages[i]})
		}
	}
	model.SortMessages(next)
	s.messages = next
	s.mu.Unlock()
	s.publish()
}

// addPage merges a loaded page into the cache of chatID and, if chatID is
// current, into the active list.
func (s *Session) addPage(chatID string, page []model.Message) []model.Message {
	s.mu.Lock()
	s.pages[chatID] = mergeMessages(s.pages[chatID], page)
	cached := slices.Clone(s.pages[chatID])
	if s.current != nil && s.current.ID == chatID {
		s.messages = mergeMessages(s.messages, page)
	}
	s.mu.Unlock()
	s.publish()
	return cached
}

// mergeMessages returns dst with src merged in by id, in display order.
func mergeMessages(dst, src []model.Message) []model.Message {
	out := slices.Clone(dst)
	for _, m := range src {
		if i := slices.IndexFunc(out, func(o model.Message) bool { return o.ID == m.ID }); i >= 0 {
			out[i] = m
			continue
		}
		out = append(out, m)
	}
	model.SortMessages(out)
	return out
}
