package chat

import (
	"context"
	"sync"
	"time"

	xerrors "ChainPilot/internal/errors"
)

// MemoryStore 基于内存实现 Store，测试与缺省部署使用。
type MemoryStore struct {
	mu       sync.RWMutex
	convs    map[string]*Conversation
	messages map[string][]*Message
	seen     map[string]struct{}
}

// NewMemoryStore 创建内存对话存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		convs:    make(map[string]*Conversation),
		messages: make(map[string][]*Message),
		seen:     make(map[string]struct{}),
	}
}

// CreateConversation 保存一个新对话。
func (s *MemoryStore) CreateConversation(_ context.Context, conv *Conversation) error {
	if conv == nil || conv.ID == "" {
		return xerrors.New(xerrors.CodeStorageFailure, "对话缺少 ID")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.convs[conv.ID]; exists {
		return nil
	}
	clone := *conv
	s.convs[conv.ID] = &clone
	return nil
}

// GetConversation 返回对话的拷贝。
func (s *MemoryStore) GetConversation(_ context.Context, id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.convs[id]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "对话不存在",
			xerrors.WithMetadata("chat_id", id))
	}
	clone := *conv
	return &clone, nil
}

// SaveTurn 追加一轮消息，已保存过的消息 ID 被跳过。
func (s *MemoryStore) SaveTurn(_ context.Context, chatID string, messages []*Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[chatID]; !ok {
		return xerrors.New(xerrors.CodeNotFound, "对话不存在",
			xerrors.WithMetadata("chat_id", chatID))
	}
	for _, msg := range messages {
		if msg == nil || msg.ID == "" {
			continue
		}
		if _, dup := s.seen[msg.ID]; dup {
			continue
		}
		s.seen[msg.ID] = struct{}{}
		clone := *msg
		clone.ChatID = chatID
		clone.Parts = append([]Part(nil), msg.Parts...)
		if clone.CreatedAt.IsZero() {
			clone.CreatedAt = time.Now().UTC()
		}
		s.messages[chatID] = append(s.messages[chatID], &clone)
	}
	return nil
}

// ListMessages 按保存顺序返回消息。
func (s *MemoryStore) ListMessages(_ context.Context, chatID string) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.convs[chatID]; !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "对话不存在",
			xerrors.WithMetadata("chat_id", chatID))
	}
	msgs := s.messages[chatID]
	out := make([]*Message, 0, len(msgs))
	for _, msg := range msgs {
		clone := *msg
		clone.Parts = append([]Part(nil), msg.Parts...)
		out = append(out, &clone)
	}
	return out, nil
}

// DeleteConversation 删除对话及其消息。
func (s *MemoryStore) DeleteConversation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[id]; !ok {
		return xerrors.New(xerrors.CodeNotFound, "对话不存在",
			xerrors.WithMetadata("chat_id", id))
	}
	for _, msg := range s.messages[id] {
		delete(s.seen, msg.ID)
	}
	delete(s.convs, id)
	delete(s.messages, id)
	return nil
}

// Close 实现 Store 接口。
func (s *MemoryStore) Close() error { return nil }
