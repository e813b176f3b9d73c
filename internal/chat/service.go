package chat

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	xerrors "ChainPilot/internal/errors"
	"ChainPilot/pkg/logger"
)

// 标题取自首条用户消息，超长截断。
const maxTitleRunes = 64

// Service 在存储之上补齐所有权校验与 ID 生成，
// 客户端传入的 ID 永远不会直接成为持久化主键。
type Service struct {
	store Store
}

// NewService 构造对话服务。
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Ensure 返回可继续写入的对话：已有 ID 且归属匹配则复用，
// 否则创建一个新对话并从首条用户消息推导标题。
func (s *Service) Ensure(ctx context.Context, ownerID, chatID, firstUserText string) (*Conversation, error) {
	if chatID != "" {
		conv, err := s.store.GetConversation(ctx, chatID)
		if err == nil {
			if err := authorize(conv, ownerID); err != nil {
				return nil, err
			}
			return conv, nil
		}
		if xerrors.CodeOf(err) != xerrors.CodeNotFound {
			return nil, err
		}
		// 未知的客户端 ID 不复用，落库时换成系统生成的 ID。
	}

	conv := &Conversation{
		ID:        uuid.NewString(),
		UserID:    ownerID,
		Title:     deriveTitle(firstUserText),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return nil, err
	}
	logger.L().Info("创建对话",
		"chat_id", conv.ID,
		"owner", ownerID,
	)
	return conv, nil
}

// SaveTurn 持久化一轮消息，缺失的消息 ID 由服务端补齐。
func (s *Service) SaveTurn(ctx context.Context, ownerID, chatID string, messages []*Message) error {
	conv, err := s.store.GetConversation(ctx, chatID)
	if err != nil {
		return err
	}
	if err := authorize(conv, ownerID); err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, msg := range messages {
		if msg == nil {
			continue
		}
		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		msg.ChatID = chatID
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = now
		}
	}
	return s.store.SaveTurn(ctx, chatID, messages)
}

// History 返回对话的全部消息，写入顺序不变。
func (s *Service) History(ctx context.Context, ownerID, chatID string) ([]*Message, error) {
	conv, err := s.store.GetConversation(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if err := authorize(conv, ownerID); err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, chatID)
}

// Delete 删除对话及其消息，仅限归属者。
func (s *Service) Delete(ctx context.Context, ownerID, chatID string) error {
	conv, err := s.store.GetConversation(ctx, chatID)
	if err != nil {
		return err
	}
	if err := authorize(conv, ownerID); err != nil {
		return err
	}
	if err := s.store.DeleteConversation(ctx, chatID); err != nil {
		return err
	}
	logger.Audit().Info("删除对话",
		"chat_id", chatID,
		"owner", ownerID,
	)
	return nil
}

// authorize 校验归属；未绑定归属者的对话（钱包匿名会话）对持有 ID 者开放。
func authorize(conv *Conversation, ownerID string) error {
	if conv.UserID == "" || conv.UserID == ownerID {
		return nil
	}
	return xerrors.New(xerrors.CodeUnauthorized, "无权访问该对话",
		xerrors.WithMetadata("chat_id", conv.ID))
}

func deriveTitle(text string) string {
	title := strings.TrimSpace(text)
	title = strings.ReplaceAll(title, "\n", " ")
	if title == "" {
		return "New conversation"
	}
	if utf8.RuneCountInString(title) <= maxTitleRunes {
		return title
	}
	runes := []rune(title)
	return string(runes[:maxTitleRunes])
}
