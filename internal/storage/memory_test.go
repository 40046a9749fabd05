package storage

import (
	"context"
	"testing"

	"conductor/internal/domain"
)

func userMsg(text string) domain.ConversationMessage {
	return domain.NewTextMessage(domain.RoleUser, text)
}

func assistantMsg(text string) domain.ConversationMessage {
	return domain.NewTextMessage(domain.RoleAssistant, text)
}

func savePair(t *testing.T, s domain.ChatStorage, agentID, userText, assistantText string) {
	t.Helper()
	ctx := context.Background()
	if _, err := s.SaveChatMessage(ctx, "u1", "s1", agentID, userMsg(userText), 0); err != nil {
		t.Fatalf("save user: %v", err)
	}
	if _, err := s.SaveChatMessage(ctx, "u1", "s1", agentID, assistantMsg(assistantText), 0); err != nil {
		t.Fatalf("save assistant: %v", err)
	}
}

func TestInMemorySuppressesConsecutiveRole(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	if _, err := s.SaveChatMessage(ctx, "u1", "s1", "a1", userMsg("hello"), 0); err != nil {
		t.Fatal(err)
	}
	history, err := s.SaveChatMessage(ctx, "u1", "s1", "a1", userMsg("hello again"), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 {
		t.Fatalf("history len = %d, want 1 (duplicate role suppressed)", len(history))
	}
	if history[0].Text() != "hello" {
		t.Errorf("kept message = %q, want the first one", history[0].Text())
	}
}

func TestInMemoryTrimKeepsPairs(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		savePair(t, s, "a1", "question", "answer")
	}

	// An odd cap rounds down to the nearest pair boundary.
	history, err := s.FetchChat(ctx, "u1", "s1", "a1", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 4 {
		t.Fatalf("history len = %d, want 4", len(history))
	}
	if history[0].Role != domain.RoleUser {
		t.Errorf("first role = %q, want user (pairs intact)", history[0].Role)
	}
	if history[len(history)-1].Role != domain.RoleAssistant {
		t.Errorf("last role = %q, want assistant", history[len(history)-1].Role)
	}
}

func TestInMemoryTrimOnSave(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := s.SaveChatMessage(ctx, "u1", "s1", "a1", userMsg("q"), 4); err != nil {
			t.Fatal(err)
		}
		history, err := s.SaveChatMessage(ctx, "u1", "s1", "a1", assistantMsg("a"), 4)
		if err != nil {
			t.Fatal(err)
		}
		if len(history) > 4 {
			t.Fatalf("history len = %d after save, want <= 4", len(history))
		}
	}
}

func TestInMemoryUnlimitedWhenZero(t *testing.T) {
	s := NewInMemory()
	for i := 0; i < 20; i++ {
		savePair(t, s, "a1", "q", "a")
	}
	history, err := s.FetchChat(context.Background(), "u1", "s1", "a1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 40 {
		t.Fatalf("history len = %d, want 40 (0 = unlimited)", len(history))
	}
}

func TestInMemoryRoundTrip(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	msg := domain.ConversationMessage{
		Role: domain.RoleAssistant,
		Content: []domain.ContentBlock{
			domain.TextBlock("let me check"),
			{
				Type:    domain.BlockToolUse,
				ToolUse: &domain.ToolUseBlock{ID: "tc1", Name: "lookup", Input: []byte(`{"q":"x"}`)},
			},
		},
	}
	if _, err := s.SaveChatMessage(ctx, "u1", "s1", "a1", userMsg("q"), 0); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SaveChatMessage(ctx, "u1", "s1", "a1", msg, 0); err != nil {
		t.Fatal(err)
	}

	history, err := s.FetchChat(ctx, "u1", "s1", "a1", 0)
	if err != nil {
		t.Fatal(err)
	}
	got := history[1]
	if got.Text() != "let me check" {
		t.Errorf("text = %q", got.Text())
	}
	uses := got.ToolUses()
	if len(uses) != 1 || uses[0].Name != "lookup" || uses[0].ID != "tc1" {
		t.Errorf("tool uses not preserved: %+v", uses)
	}
}

func TestInMemoryFetchAllChatsMergeOrder(t *testing.T) {
	s := NewInMemory()
	clock := int64(0)
	s.now = func() int64 { clock++; return clock }
	ctx := context.Background()

	savePair(t, s, "tech-agent", "wifi is down", "restart the router")
	savePair(t, s, "billing-agent", "refund please", "done")

	all, err := s.FetchAllChats(ctx, "u1", "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 {
		t.Fatalf("merged len = %d, want 4", len(all))
	}

	want := []string{
		"wifi is down",
		"[tech-agent] restart the router",
		"refund please",
		"[billing-agent] done",
	}
	for i, text := range want {
		if all[i].Text() != text {
			t.Errorf("merged[%d] = %q, want %q", i, all[i].Text(), text)
		}
	}
	// User turns keep their text unlabelled.
	if all[0].Role != domain.RoleUser || all[1].Role != domain.RoleAssistant {
		t.Error("roles not preserved through merge")
	}
}

func TestInMemoryFetchAllChatsOtherSessionExcluded(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	savePair(t, s, "a1", "q", "a")
	if _, err := s.SaveChatMessage(ctx, "u1", "other", "a1", userMsg("elsewhere"), 0); err != nil {
		t.Fatal(err)
	}

	all, err := s.FetchAllChats(ctx, "u1", "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("merged len = %d, want 2", len(all))
	}
}

func TestInMemoryBatchSuppressionInsideBatch(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	history, err := s.SaveChatMessages(ctx, "u1", "s1", "a1", []domain.ConversationMessage{
		userMsg("one"),
		userMsg("two"), // same role as previous, suppressed
		assistantMsg("reply"),
	}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Fatalf("history len = %d, want 2", len(history))
	}
	if history[0].Text() != "one" || history[1].Text() != "reply" {
		t.Errorf("unexpected history: %q, %q", history[0].Text(), history[1].Text())
	}
}

func TestInMemoryBatchTrims(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	var batch []domain.ConversationMessage
	for i := 0; i < 6; i++ {
		batch = append(batch, userMsg("q"), assistantMsg("a"))
	}
	history, err := s.SaveChatMessages(ctx, "u1", "s1", "a1", batch, 4)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 4 {
		t.Fatalf("history len = %d, want 4", len(history))
	}
}

func TestInMemoryFetchEmpty(t *testing.T) {
	s := NewInMemory()
	history, err := s.FetchChat(context.Background(), "u1", "s1", "missing", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 0 {
		t.Fatalf("history len = %d, want 0", len(history))
	}
}
