package chat

import (
	"context"
	"time"
)

// Role 是消息角色。
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartType 区分消息内容片段的类型。
type PartType string

const (
	PartText       PartType = "text"
	PartToolCall   PartType = "tool-call"
	PartToolResult PartType = "tool-result"
)

// Part 是消息内容的一个片段。工具调用与结果通过 ToolCallID 关联。
type Part struct {
	Type       PartType `json:"type"`
	Text       string   `json:"text,omitempty"`
	ToolCallID string   `json:"tool_call_id,omitempty"`
	ToolName   string   `json:"tool_name,omitempty"`
	Payload    string   `json:"payload,omitempty"`
}

// Conversation 是一次对话。UserID 为空表示仅钱包身份。
type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id,omitempty"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// Message 是对话中的一条消息，只追加不修改。
type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chat_id"`
	Role      Role      `json:"role"`
	Parts     []Part    `json:"parts"`
	CreatedAt time.Time `json:"created_at"`
}

// Store 持久化对话与消息。SaveTurn 以消息 ID 幂等，
// 重复保存同一批消息不会产生重复记录。
type Store interface {
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	SaveTurn(ctx context.Context, chatID string, messages []*Message) error
	ListMessages(ctx context.Context, chatID string) ([]*Message, error)
	DeleteConversation(ctx context.Context, id string) error
	Close() error
}
