package llm

import "context"

// Role 是对话消息的角色。
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message 是发送给大模型的一条对话消息。
type Message struct {
	Role       Role
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
}

// ToolCall 描述模型发起的一次工具调用，Arguments 为原始 JSON 文本。
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolSpec 向模型声明一个可调用的工具。
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Request 描述一次模型调用的完整上下文。
type Request struct {
	Model    string
	System   string
	Messages []Message
	Tools    []ToolSpec
}

// EventKind 区分流式事件类型。
type EventKind string

const (
	EventTextDelta EventKind = "text-delta"
	EventToolCall  EventKind = "tool-call"
	EventFinish    EventKind = "finish"
)

// Event 是模型流返回的一个增量事件。
// TextDelta 在流式过程中逐段到达；ToolCall 与 Finish 在流结束后按序到达，
// 此时工具调用的 ID 与参数已经拼装完整。
type Event struct {
	Kind     EventKind
	Text     string
	ToolCall *ToolCall
	Finish   *FinishInfo
}

// FinishInfo 汇总整轮模型输出。
type FinishInfo struct {
	Content   string
	ToolCalls []ToolCall
}

// Stream 是一次模型调用的事件流，读尽后 Recv 返回 io.EOF。
type Stream interface {
	Recv() (Event, error)
	Close() error
}

// StreamClient 定义了调用大模型的统一接口。
type StreamClient interface {
	Stream(ctx context.Context, req Request) (Stream, error)
}
