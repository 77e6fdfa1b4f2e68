package service

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/localfirst-chat/internal/llm"
	"github.com/capitalize-ai/localfirst-chat/internal/localstore"
	"github.com/capitalize-ai/localfirst-chat/internal/model"
	"github.com/capitalize-ai/localfirst-chat/internal/syncer"
	"github.com/capitalize-ai/localfirst-chat/pkg/logger"
	"github.com/capitalize-ai/localfirst-chat/pkg/metrics"
)

const defaultTitle = "New Chat"

// ErrStreaming is returned when a message is sent while a reply is streaming.
var ErrStreaming = errors.New("a response is already streaming")

// Syncer is the part of the sync engine the conversation engine drives.
type Syncer interface {
	Trigger()
	IsOnline() bool
}

// SharedChats resolves shared chats from the remote store.
type SharedChats interface {
	ChatByShareToken(ctx context.Context, token string) (model.RemoteChat, error)
	MessagesForChat(ctx context.Context, chatID string) ([]model.RemoteMessage, error)
}

// Config holds conversation engine settings.
type Config struct {
	DefaultModel string
	// PageSize is the number of messages per LoadMoreMessages page.
	PageSize int
	// StreamFlushInterval is the minimum time between store writes of a
	// message that is being streamed.
	StreamFlushInterval time.Duration
}

// DefaultConfig returns the default settings.
func DefaultConfig() Config {
	return Config{
		DefaultModel:        "meta-llama/llama-3.1-8b-instruct:free",
		PageSize:            50,
		StreamFlushInterval: 50 * time.Millisecond,
	}
}

// ChatService handles chat and message operations for the session user.
type ChatService struct {
	local   *localstore.Store
	shared  SharedChats
	sync    Syncer
	llm     llm.Client
	session *Session
	cfg     Config
	log     *logger.Logger

	clockMu sync.Mutex
	last    time.Time
}

// NewChatService creates a chat service. shared and engine may be nil.
func NewChatService(
	local *localstore.Store,
	shared SharedChats,
	engine Syncer,
	llmClient llm.Client,
	session *Session,
	cfg Config,
	log *logger.Logger,
) *ChatService {
	if log == nil {
		log = logger.Global()
	}
	def := DefaultConfig()
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = def.DefaultModel
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}
	if cfg.StreamFlushInterval <= 0 {
		cfg.StreamFlushInterval = def.StreamFlushInterval
	}
	return &ChatService{
		local:   local,
		shared:  shared,
		sync:    engine,
		llm:     llmClient,
		session: session,
		cfg:     cfg,
		log:     log.Named("chat"),
	}
}

// Session returns the session the service operates on.
func (s *ChatService) Session() *Session {
	return s.session
}

// Models returns the models offered by the completion provider.
func (s *ChatService) Models() []string {
	if s.llm == nil {
		return nil
	}
	return s.llm.Models()
}

// now returns a strictly increasing timestamp.
func (s *ChatService) now() time.Time {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	t := model.Now()
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return t
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

var dirty = model.SyncMeta{Dirty: 1}

func (s *ChatService) trigger() {
	if s.sync != nil && s.sync.IsOnline() {
		s.sync.Trigger()
	}
}

// ownedChat loads chat id and checks it belongs to userID.
func (s *ChatService) ownedChat(ctx context.Context, userID, id string) (model.Chat, error) {
	rec, err := s.local.GetChat(ctx, id)
	if err != nil {
		return model.Chat{}, err
	}
	if rec.Chat.UserID != userID {
		return model.Chat{}, fmt.Errorf("chat %s: %w", id, model.ErrNotFound)
	}
	return rec.Chat, nil
}

// CreateChat creates a chat, makes it current and returns it.
func (s *ChatService) CreateChat(ctx context.Context, req *model.CreateChatRequest) (*model.Chat, error) {
	userID, err := s.session.UserID()
	if err != nil {
		return nil, err
	}

	now := s.now()
	chat := model.Chat{
		ID:           newID(),
		Title:        req.Title,
		UserID:       userID,
		CreatedAt:    now,
		UpdatedAt:    now,
		Model:        req.Model,
		SystemPrompt: req.SystemPrompt,
	}
	if chat.Title == "" {
		chat.Title = defaultTitle
	}
	if chat.Model == "" {
		chat.Model = s.cfg.DefaultModel
	}

	if err := s.local.PutChat(ctx, chat, dirty); err != nil {
		return nil, fmt.Errorf("failed to create chat: %w", err)
	}
	s.session.setCurrent(chat, nil)
	metrics.ChatsTotal.WithLabelValues("new").Inc()
	s.log.Info("chat created", zap.String("chat_id", chat.ID), zap.String("user_id", userID))

	s.trigger()
	return &chat, nil
}

// SelectChat makes chat id current with all its messages.
func (s *ChatService) SelectChat(ctx context.Context, id string) (*model.Chat, []model.Message, error) {
	userID, err := s.session.UserID()
	if err != nil {
		return nil, nil, err
	}
	chat, err := s.ownedChat(ctx, userID, id)
	if err != nil {
		return nil, nil, err
	}
	msgs, err := s.local.QueryByChat(ctx, id, 0, -1)
	if err != nil {
		return nil, nil, err
	}

	s.session.setCurrent(chat, msgs)
	s.trigger()
	return &chat, msgs, nil
}

// ListChats returns the user's chats, most recently updated first.
func (s *ChatService) ListChats(ctx context.Context) (*model.ListChatsResponse, error) {
	userID, err := s.session.UserID()
	if err != nil {
		return nil, err
	}
	chats, err := s.local.ListChats(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &model.ListChatsResponse{Chats: chats, Total: len(chats)}, nil
}

// GetChat returns one of the user's chats.
func (s *ChatService) GetChat(ctx context.Context, id string) (*model.Chat, error) {
	userID, err := s.session.UserID()
	if err != nil {
		return nil, err
	}
	chat, err := s.ownedChat(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	return &chat, nil
}

// UpdateChatTitle renames a chat.
func (s *ChatService) UpdateChatTitle(ctx context.Context, id, title string) (*model.Chat, error) {
	return s.modifyChat(ctx, id, func(c *model.Chat) {
		c.Title = title
	})
}

// ShareChat marks a chat as shared and returns its share token. A chat
// that is already shared keeps its token.
func (s *ChatService) ShareChat(ctx context.Context, id string) (*model.ShareChatResponse, error) {
	chat, err := s.modifyChat(ctx, id, func(c *model.Chat) {
		c.IsShared = true
		if c.ShareToken == nil || *c.ShareToken == "" {
			token := uuid.NewString()
			c.ShareToken = &token
		}
	})
	if err != nil {
		return nil, err
	}
	return &model.ShareChatResponse{ShareToken: *chat.ShareToken}, nil
}

func (s *ChatService) modifyChat(ctx context.Context, id string, fn func(*model.Chat)) (*model.Chat, error) {
	userID, err := s.session.UserID()
	if err != nil {
		return nil, err
	}
	chat, err := s.ownedChat(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	fn(&chat)
	chat.UpdatedAt = s.now()
	if err := s.local.PutChat(ctx, chat, dirty); err != nil {
		return nil, fmt.Errorf("failed to update chat: %w", err)
	}
	s.session.updateChat(chat)

	s.trigger()
	return &chat, nil
}

// DeleteChat removes a chat and its messages locally and queues the remote
// delete for the next sync cycle.
func (s *ChatService) DeleteChat(ctx context.Context, id string) error {
	userID, err := s.session.UserID()
	if err != nil {
		return err
	}
	if _, err := s.ownedChat(ctx, userID, id); err != nil {
		return err
	}
	if err := s.local.DeleteChatWithIntent(ctx, userID, id); err != nil {
		return fmt.Errorf("failed to delete chat: %w", err)
	}
	s.session.forgetChat(id)
	s.log.Info("chat deleted", zap.String("chat_id", id), zap.String("user_id", userID))

	s.trigger()
	return nil
}

// LoadMoreMessages loads one page of chatID starting at offset into the
// page cache. If chatID is current the page is merged into the active list.
func (s *ChatService) LoadMoreMessages(ctx context.Context, chatID string, offset int) (*model.ListMessagesResponse, error) {
	userID, err := s.session.UserID()
	if err != nil {
		return nil, err
	}
	if _, err := s.ownedChat(ctx, userID, chatID); err != nil {
		return nil, err
	}
	if offset < 0 {
		offset = 0
	}

	page, err := s.local.QueryByChat(ctx, chatID, offset, s.cfg.PageSize)
	if err != nil {
		return nil, err
	}
	total, err := s.local.CountByChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	s.session.addPage(chatID, page)

	next := offset + len(page)
	return &model.ListMessagesResponse{
		Messages:   page,
		HasMore:    next < total,
		NextOffset: next,
	}, nil
}

// LoadSharedChat returns a shared chat and its transcript from the remote
// store.
func (s *ChatService) LoadSharedChat(ctx context.Context, token string) (*model.SharedChatResponse, error) {
	if s.shared == nil || token == "" {
		return nil, model.ErrNotShared
	}
	row, err := s.shared.ChatByShareToken(ctx, token)
	if err != nil {
		return nil, err
	}
	chat, err := row.Chat()
	if err != nil {
		return nil, err
	}
	rows, err := s.shared.MessagesForChat(ctx, chat.ID)
	if err != nil {
		return nil, err
	}

	msgs := make([]model.Message, 0, len(rows))
	for _, r := range rows {
		m, err := r.Message()
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	model.SortMessages(msgs)
	return &model.SharedChatResponse{Chat: chat, Messages: msgs}, nil
}

// ForkChat copies the current chat up to and including messageID into a
// new chat, which becomes current.
func (s *ChatService) ForkChat(ctx context.Context, messageID string) (*model.Chat, error) {
	userID, src, err := s.session.active()
	if err != nil {
		return nil, err
	}
	msgs, err := s.local.QueryByChat(ctx, src.ID, 0, -1)
	if err != nil {
		return nil, err
	}
	idx := slices.IndexFunc(msgs, func(m model.Message) bool { return m.ID == messageID })
	if idx < 0 {
		return nil, fmt.Errorf("failed to fork chat: message %s: %w", messageID, model.ErrNotFound)
	}

	now := s.now()
	fork := model.Chat{
		ID:           newID(),
		Title:        src.Title + " (Fork)",
		UserID:       userID,
		CreatedAt:    now,
		UpdatedAt:    now,
		Model:        src.Model,
		SystemPrompt: clonePtr(src.SystemPrompt),
		Metadata:     maps.Clone(src.Metadata),
	}

	copies := make([]model.Message, 0, idx+1)
	for _, m := range msgs[:idx+1] {
		ts := s.now()
		sourceID := m.ID
		copies = append(copies, model.Message{
			ID:          newID(),
			ChatID:      fork.ID,
			Role:        m.Role,
			Content:     m.Content,
			CreatedAt:   ts,
			UpdatedAt:   ts,
			ParentID:    &sourceID,
			Attachments: slices.Clone(m.Attachments),
			TokenCount:  clonePtr(m.TokenCount),
			Metadata:    maps.Clone(m.Metadata),
		})
	}

	if err := s.local.PutChatWithMessages(ctx, fork, copies, dirty); err != nil {
		return nil, fmt.Errorf("failed to fork chat: %w", err)
	}
	s.session.setCurrent(fork, copies)
	metrics.ChatsTotal.WithLabelValues("fork").Inc()
	s.log.Info("chat forked",
		zap.String("chat_id", fork.ID),
		zap.String("source_chat_id", src.ID),
		zap.Int("messages", len(copies)),
	)

	s.trigger()
	return &fork, nil
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// HandleChange refreshes the session after the sync engine applied a
// remote record.
func (s *ChatService) HandleChange(c syncer.Change) {
	current := s.session.CurrentChatID()
	if current == "" {
		return
	}
	ctx := context.Background()

	switch c.Table {
	case model.TableChats:
		if c.ID != current {
			return
		}
		if c.Type == model.ChangeDelete {
			s.session.forgetChat(c.ID)
			return
		}
		rec, err := s.local.GetChat(ctx, c.ID)
		if err != nil {
			s.log.Warn("failed to refresh current chat", zap.String("chat_id", c.ID), zap.Error(err))
			return
		}
		s.session.updateChat(rec.Chat)
	case model.TableMessages:
		if c.ChatID != "" && c.ChatID != current {
			return
		}
		msgs, err := s.local.QueryByChat(ctx, current, 0, -1)
		if err != nil {
			s.log.Warn("failed to refresh messages", zap.String("chat_id", current), zap.Error(err))
			return
		}
		s.session.replaceMessages(current, msgs)
	}
}
