package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"ChainPilot/internal/auth"
	"ChainPilot/internal/chat"
	"ChainPilot/internal/llm"
	"ChainPilot/internal/orchestrator"
	"ChainPilot/internal/tools"
	"ChainPilot/internal/txsafe"
)

// fixedStream 回放固定的模型事件序列。
type fixedStream struct {
	events []llm.Event
	pos    int
}

func (s *fixedStream) Recv() (llm.Event, error) {
	if s.pos >= len(s.events) {
		return llm.Event{}, io.EOF
	}
	event := s.events[s.pos]
	s.pos++
	return event, nil
}

func (s *fixedStream) Close() error { return nil }

type fixedModel struct {
	events []llm.Event
}

func (m *fixedModel) Stream(_ context.Context, _ llm.Request) (llm.Stream, error) {
	return &fixedStream{events: m.events}, nil
}

func newTestServer(t *testing.T, authSvc *auth.Service) (*Server, *chat.Service) {
	t.Helper()
	registry, err := tools.NewRegistry(tools.Deps{}, tools.CoreSet())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	store := chat.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	chats := chat.NewService(store)

	model := &fixedModel{events: []llm.Event{
		{Kind: llm.EventTextDelta, Text: "hello "},
		{Kind: llm.EventTextDelta, Text: "world"},
		{Kind: llm.EventFinish, Finish: &llm.FinishInfo{Content: "hello world"}},
	}}
	orch := orchestrator.New(model, registry, chats)
	pipeline := txsafe.NewPipeline(nil, nil, txsafe.NewMemoryStore(), txsafe.NewMemoryQueue(8), txsafe.DefaultProtection())
	return NewServer("127.0.0.1:0", orch, chats, pipeline, authSvc), chats
}

func decodeNDJSON(t *testing.T, body string) []orchestrator.Event {
	t.Helper()
	var events []orchestrator.Event
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var event orchestrator.Event
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			t.Fatalf("解析 NDJSON 行失败: %v\n%s", err, line)
		}
		events = append(events, event)
	}
	return events
}

func TestChatStreamNDJSON(t *testing.T) {
	server, _ := newTestServer(t, nil)
	handler := server.Handler()

	body := `{"messages":[{"role":"user","content":"say hello"}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("状态码 = %d, 期望 200: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("Content-Type = %q", ct)
	}

	events := decodeNDJSON(t, rec.Body.String())
	var text strings.Builder
	var sawMessageID bool
	for _, event := range events {
		switch event.Type {
		case orchestrator.EventTextDelta:
			text.WriteString(event.Text)
		case orchestrator.EventMessageID:
			sawMessageID = true
			if event.ChatID == "" || event.MessageID == "" {
				t.Fatalf("message-id 事件字段不完整: %+v", event)
			}
		}
	}
	if text.String() != "hello world" {
		t.Fatalf("拼接文本 = %q", text.String())
	}
	if !sawMessageID {
		t.Fatal("未收到 message-id 事件")
	}
}

func TestChatStreamRejectsEmptyMessages(t *testing.T) {
	server, _ := newTestServer(t, nil)
	handler := server.Handler()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(`{"messages":[]}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("状态码 = %d, 期望 400", rec.Code)
	}
}

func TestChatStreamRejectsForeignConversation(t *testing.T) {
	server, chats := newTestServer(t, nil)
	handler := server.Handler()

	conv, err := chats.Ensure(context.Background(), "user-1", "", "hello")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	body := `{"conversationId":"` + conv.ID + `","messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("状态码 = %d, 期望 401: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct == "application/x-ndjson" {
		t.Fatalf("未授权请求不应进入流式响应: Content-Type = %q", ct)
	}
}

func TestChatHistory(t *testing.T) {
	authSvc, err := auth.NewService(auth.Config{Secret: "test-secret"})
	if err != nil {
		t.Fatalf("auth.NewService: %v", err)
	}
	server, chats := newTestServer(t, authSvc)
	handler := server.Handler()

	token, err := authSvc.Issue(&auth.Subject{ID: "user-1"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	conv, err := chats.Ensure(context.Background(), "user-1", "", "hello")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	turn := []*chat.Message{
		{Role: chat.RoleUser, Parts: []chat.Part{{Type: chat.PartText, Text: "hello"}}},
		{Role: chat.RoleAssistant, Parts: []chat.Part{{Type: chat.PartText, Text: "hi there"}}},
	}
	if err := chats.SaveTurn(context.Background(), "user-1", conv.ID, turn); err != nil {
		t.Fatalf("SaveTurn: %v", err)
	}

	// 无凭据返回 401。
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/chat?id="+conv.ID, nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("匿名查询状态码 = %d, 期望 401", rec.Code)
	}

	// 归属者取回完整消息列表。
	req := httptest.NewRequest(http.MethodGet, "/api/v1/chat?id="+conv.ID, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("查询状态码 = %d, 期望 200: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		ID       string          `json:"id"`
		Messages []*chat.Message `json:"messages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if resp.ID != conv.ID || len(resp.Messages) != 2 {
		t.Fatalf("历史消息 = %d 条 (id=%q), 期望 2", len(resp.Messages), resp.ID)
	}
}

func TestChatDelete(t *testing.T) {
	authSvc, err := auth.NewService(auth.Config{Secret: "test-secret"})
	if err != nil {
		t.Fatalf("auth.NewService: %v", err)
	}
	server, chats := newTestServer(t, authSvc)
	handler := server.Handler()

	token, err := authSvc.Issue(&auth.Subject{ID: "user-1"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	conv, err := chats.Ensure(context.Background(), "user-1", "", "hello")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	// 无凭据返回 401。
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/v1/chat?id="+conv.ID, nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("匿名删除状态码 = %d, 期望 401", rec.Code)
	}

	// 归属者删除成功。
	req := httptest.NewRequest(http.MethodDelete, "/api/v1/chat?id="+conv.ID, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("删除状态码 = %d, 期望 200: %s", rec.Code, rec.Body.String())
	}

	// 再次删除返回 404。
	req = httptest.NewRequest(http.MethodDelete, "/api/v1/chat?id="+conv.ID, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("重复删除状态码 = %d, 期望 404", rec.Code)
	}
}

func TestTransactionsQuery(t *testing.T) {
	server, _ := newTestServer(t, nil)
	handler := server.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/transactions", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("缺少 ID 状态码 = %d, 期望 400", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/transactions?id=missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("未知交易状态码 = %d, 期望 404", rec.Code)
	}
}
