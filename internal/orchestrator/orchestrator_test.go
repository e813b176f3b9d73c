package orchestrator

import (
	"context"
	"fmt"
	"io"
	"strings"
	"testing"

	"ChainPilot/internal/chat"
	"ChainPilot/internal/llm"
	"ChainPilot/internal/tools"
)

// scriptedStream 按脚本回放模型事件。
type scriptedStream struct {
	events []llm.Event
	pos    int
}

func (s *scriptedStream) Recv() (llm.Event, error) {
	if s.pos >= len(s.events) {
		return llm.Event{}, io.EOF
	}
	event := s.events[s.pos]
	s.pos++
	return event, nil
}

func (s *scriptedStream) Close() error { return nil }

// scriptedModel 每次 Stream 调用回放下一段脚本，超出后重复最后一段。
type scriptedModel struct {
	steps [][]llm.Event
	calls int
}

func (m *scriptedModel) Stream(_ context.Context, _ llm.Request) (llm.Stream, error) {
	idx := m.calls
	if idx >= len(m.steps) {
		idx = len(m.steps) - 1
	}
	m.calls++
	return &scriptedStream{events: m.steps[idx]}, nil
}

func textStep(text string) []llm.Event {
	return []llm.Event{
		{Kind: llm.EventTextDelta, Text: text},
		{Kind: llm.EventFinish, Finish: &llm.FinishInfo{Content: text}},
	}
}

func toolStep(id string) []llm.Event {
	return []llm.Event{
		{Kind: llm.EventToolCall, ToolCall: &llm.ToolCall{
			ID:        id,
			Name:      "stake",
			Arguments: `{"bogus":true}`,
		}},
		{Kind: llm.EventFinish, Finish: &llm.FinishInfo{}},
	}
}

func newTestOrchestrator(t *testing.T, model llm.StreamClient) (*Orchestrator, chat.Store) {
	t.Helper()
	registry, err := tools.NewRegistry(tools.Deps{}, tools.CoreSet())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	store := chat.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	return New(model, registry, chat.NewService(store)), store
}

func collect(events *[]Event) Sink {
	return func(event Event) error {
		*events = append(*events, event)
		return nil
	}
}

func TestRunStreamsTextAndPersistsOnce(t *testing.T) {
	model := &scriptedModel{steps: [][]llm.Event{textStep("ETH is trading around $3k.")}}
	orch, store := newTestOrchestrator(t, model)

	var events []Event
	result, err := orch.Run(context.Background(), TurnRequest{
		OwnerID:  "user-1",
		Messages: []TurnMessage{{Role: "user", Content: "price of ETH?"}},
	}, collect(&events))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if model.calls != 1 {
		t.Fatalf("模型调用次数 = %d, 期望 1", model.calls)
	}
	if result.Content != "ETH is trading around $3k." {
		t.Fatalf("Content = %q", result.Content)
	}

	var deltas, msgIDs int
	for _, event := range events {
		switch event.Type {
		case EventTextDelta:
			deltas++
		case EventMessageID:
			msgIDs++
			if event.ChatID != result.ChatID {
				t.Fatalf("message-id 事件 ChatID = %s, 期望 %s", event.ChatID, result.ChatID)
			}
		}
	}
	if deltas == 0 {
		t.Fatal("未收到文本增量事件")
	}
	if msgIDs != 1 {
		t.Fatalf("message-id 事件数 = %d, 期望 1", msgIDs)
	}

	msgs, err := store.ListMessages(context.Background(), result.ChatID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("落库消息数 = %d, 期望 2（用户 + 助手）", len(msgs))
	}
	if msgs[0].Role != chat.RoleUser || msgs[1].Role != chat.RoleAssistant {
		t.Fatalf("消息角色顺序错误: %s, %s", msgs[0].Role, msgs[1].Role)
	}
}

func TestRunStopsAtStepLimit(t *testing.T) {
	// 模型每一步都坚持调用工具，编排器必须在上限处停手。
	steps := make([][]llm.Event, 0, 6)
	for i := 0; i < 6; i++ {
		steps = append(steps, toolStep(fmt.Sprintf("call-%d", i)))
	}
	model := &scriptedModel{steps: steps}
	orch, store := newTestOrchestrator(t, model)

	var events []Event
	result, err := orch.Run(context.Background(), TurnRequest{
		OwnerID:  "user-1",
		Messages: []TurnMessage{{Role: "user", Content: "stake everything"}},
	}, collect(&events))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if model.calls != defaultMaxSteps {
		t.Fatalf("模型调用次数 = %d, 期望 %d", model.calls, defaultMaxSteps)
	}

	var sawLimit bool
	for _, event := range events {
		if event.Type == EventAnnotation && event.Annotation != nil && event.Annotation.Kind == "step-limit" {
			sawLimit = true
		}
	}
	if !sawLimit {
		t.Fatal("未收到步数上限注解")
	}

	// 最后一步未执行的工具调用不得落库。
	msgs, err := store.ListMessages(context.Background(), result.ChatID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	lastCall := fmt.Sprintf("call-%d", defaultMaxSteps-1)
	for _, msg := range msgs {
		for _, part := range msg.Parts {
			if part.ToolCallID == lastCall {
				t.Fatalf("超限的工具调用 %s 不应落库", lastCall)
			}
		}
	}
}

func TestRunFeedsToolErrorsBack(t *testing.T) {
	model := &scriptedModel{steps: [][]llm.Event{
		toolStep("call-1"),
		textStep("that staking request was invalid"),
	}}
	orch, store := newTestOrchestrator(t, model)

	var events []Event
	result, err := orch.Run(context.Background(), TurnRequest{
		OwnerID:  "user-1",
		Messages: []TurnMessage{{Role: "user", Content: "stake"}},
	}, collect(&events))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if model.calls != 2 {
		t.Fatalf("模型调用次数 = %d, 期望 2（错误结果也计一步）", model.calls)
	}

	// 事件顺序：tool-call 先于 tool-result，之后才是终稿文本。
	order := map[EventKind]int{}
	for i, event := range events {
		if _, seen := order[event.Type]; !seen {
			order[event.Type] = i
		}
	}
	if order[EventToolCall] > order[EventToolResult] {
		t.Fatal("tool-result 先于 tool-call 下发")
	}

	var resultPayload string
	for _, event := range events {
		if event.Type == EventToolResult && event.ToolCallID == "call-1" {
			resultPayload = fmt.Sprintf("%s", event.Payload)
		}
	}
	if !strings.Contains(resultPayload, "INVALID_ARGUMENTS") {
		t.Fatalf("工具错误结果应携带错误码, got %s", resultPayload)
	}

	msgs, err := store.ListMessages(context.Background(), result.ChatID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	// 用户 + 助手 + 工具结果各一条。
	if len(msgs) != 3 {
		t.Fatalf("落库消息数 = %d, 期望 3", len(msgs))
	}
	if msgs[2].Role != chat.RoleTool {
		t.Fatalf("末条消息角色 = %s, 期望 %s", msgs[2].Role, chat.RoleTool)
	}
}

func TestRunReusesConversation(t *testing.T) {
	model := &scriptedModel{steps: [][]llm.Event{textStep("first"), textStep("second")}}
	orch, store := newTestOrchestrator(t, model)

	first, err := orch.Run(context.Background(), TurnRequest{
		OwnerID:  "user-1",
		Messages: []TurnMessage{{Role: "user", Content: "hi"}},
	}, nil)
	if err != nil {
		t.Fatalf("Run #1: %v", err)
	}
	second, err := orch.Run(context.Background(), TurnRequest{
		OwnerID:  "user-1",
		ChatID:   first.ChatID,
		Messages: []TurnMessage{{Role: "user", Content: "hi"}, {Role: "assistant", Content: "first"}, {Role: "user", Content: "again"}},
	}, nil)
	if err != nil {
		t.Fatalf("Run #2: %v", err)
	}
	if second.ChatID != first.ChatID {
		t.Fatalf("第二轮 ChatID = %s, 期望 %s", second.ChatID, first.ChatID)
	}

	msgs, err := store.ListMessages(context.Background(), first.ChatID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 4 {
		t.Fatalf("两轮后消息数 = %d, 期望 4", len(msgs))
	}
}
