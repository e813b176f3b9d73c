package chat

import (
	"context"
	"testing"
	"time"

	xerrors "ChainPilot/internal/errors"
)

func newConversation(t *testing.T, store Store, owner string) *Conversation {
	t.Helper()
	conv := &Conversation{
		ID:        "conv-1",
		UserID:    owner,
		Title:     "hello",
		CreatedAt: time.Now().UTC(),
	}
	if err := store.CreateConversation(context.Background(), conv); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	return conv
}

func TestMemoryStoreSaveTurnIdempotent(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	conv := newConversation(t, store, "user-1")

	msg := &Message{
		ID:     "msg-1",
		ChatID: conv.ID,
		Role:   RoleUser,
		Parts:  []Part{{Type: PartText, Text: "price of PEPE?"}},
	}
	for i := 0; i < 2; i++ {
		if err := store.SaveTurn(context.Background(), conv.ID, []*Message{msg}); err != nil {
			t.Fatalf("SaveTurn #%d: %v", i+1, err)
		}
	}

	got, err := store.ListMessages(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("重复保存后消息数 = %d, 期望 1", len(got))
	}
}

func TestMemoryStoreSaveTurnUnknownConversation(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	err := store.SaveTurn(context.Background(), "missing", []*Message{{ID: "msg-1", Role: RoleUser}})
	if xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("错误码 = %v, 期望 %v", xerrors.CodeOf(err), xerrors.CodeNotFound)
	}
}

func TestMemoryStoreListPreservesOrder(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	conv := newConversation(t, store, "user-1")

	turn := []*Message{
		{ID: "msg-1", Role: RoleUser, Parts: []Part{{Type: PartText, Text: "swap"}}},
		{ID: "msg-2", Role: RoleAssistant, Parts: []Part{{Type: PartToolCall, ToolCallID: "call-1", ToolName: "swapTokens"}}},
		{ID: "msg-3", Role: RoleTool, Parts: []Part{{Type: PartToolResult, ToolCallID: "call-1", Payload: `{"ok":true}`}}},
	}
	if err := store.SaveTurn(context.Background(), conv.ID, turn); err != nil {
		t.Fatalf("SaveTurn: %v", err)
	}

	got, err := store.ListMessages(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(got) != len(turn) {
		t.Fatalf("消息数 = %d, 期望 %d", len(got), len(turn))
	}
	for i, msg := range got {
		if msg.ID != turn[i].ID {
			t.Fatalf("第 %d 条消息 ID = %s, 期望 %s", i, msg.ID, turn[i].ID)
		}
	}
}

func TestServiceEnsureIgnoresUnknownClientID(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	svc := NewService(store)

	conv, err := svc.Ensure(context.Background(), "user-1", "client-made-up-id", "what is the price of DOGE?")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if conv.ID == "client-made-up-id" {
		t.Fatal("客户端 ID 不应成为持久化主键")
	}
	if conv.Title != "what is the price of DOGE?" {
		t.Fatalf("标题 = %q", conv.Title)
	}
}

func TestServiceEnsureReusesOwnedConversation(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	svc := NewService(store)

	created, err := svc.Ensure(context.Background(), "user-1", "", "first question")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	reused, err := svc.Ensure(context.Background(), "user-1", created.ID, "followup")
	if err != nil {
		t.Fatalf("Ensure reuse: %v", err)
	}
	if reused.ID != created.ID {
		t.Fatalf("复用对话 ID = %s, 期望 %s", reused.ID, created.ID)
	}
	if reused.Title != created.Title {
		t.Fatal("复用对话不应重写标题")
	}
}

func TestServiceOwnershipEnforced(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	svc := NewService(store)

	conv, err := svc.Ensure(context.Background(), "user-1", "", "mine")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	if _, err := svc.History(context.Background(), "user-2", conv.ID); xerrors.CodeOf(err) != xerrors.CodeUnauthorized {
		t.Fatalf("History 错误码 = %v, 期望 %v", xerrors.CodeOf(err), xerrors.CodeUnauthorized)
	}
	if err := svc.Delete(context.Background(), "user-2", conv.ID); xerrors.CodeOf(err) != xerrors.CodeUnauthorized {
		t.Fatalf("Delete 错误码 = %v, 期望 %v", xerrors.CodeOf(err), xerrors.CodeUnauthorized)
	}
	if err := svc.Delete(context.Background(), "user-1", conv.ID); err != nil {
		t.Fatalf("归属者删除失败: %v", err)
	}
	if err := svc.Delete(context.Background(), "user-1", conv.ID); xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("二次删除错误码 = %v, 期望 %v", xerrors.CodeOf(err), xerrors.CodeNotFound)
	}
}

func TestServiceSaveTurnAssignsIDs(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	svc := NewService(store)

	conv, err := svc.Ensure(context.Background(), "user-1", "", "hi")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	msg := &Message{Role: RoleUser, Parts: []Part{{Type: PartText, Text: "hi"}}}
	if err := svc.SaveTurn(context.Background(), "user-1", conv.ID, []*Message{msg}); err != nil {
		t.Fatalf("SaveTurn: %v", err)
	}
	if msg.ID == "" {
		t.Fatal("服务端应为消息补齐 ID")
	}
	if msg.ChatID != conv.ID {
		t.Fatalf("ChatID = %s, 期望 %s", msg.ChatID, conv.ID)
	}
}

func TestDeriveTitle(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", "New conversation"},
		{"  check ETH price  ", "check ETH price"},
		{"line\nbreak", "line break"},
	}
	for _, tc := range cases {
		if got := deriveTitle(tc.in); got != tc.want {
			t.Errorf("deriveTitle(%q) = %q, 期望 %q", tc.in, got, tc.want)
		}
	}

	long := make([]rune, 0, 100)
	for i := 0; i < 100; i++ {
		long = append(long, 'x')
	}
	if got := deriveTitle(string(long)); len([]rune(got)) != maxTitleRunes {
		t.Errorf("超长标题截断后长度 = %d, 期望 %d", len([]rune(got)), maxTitleRunes)
	}
}
