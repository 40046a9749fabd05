package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"conductor/internal/domain"
)

func echoTool(t *testing.T, name string) *Tool {
	t.Helper()
	tl, err := New(domain.ToolSpec{
		Name:        name,
		Description: "echoes its input",
		Properties: map[string]domain.PropertyDefinition{
			"text": {Type: "string"},
		},
		Required: []string{"text"},
	}, func(_ context.Context, input json.RawMessage) (string, error) {
		return string(input), nil
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tl
}

func toolUseMessage(id, name, input string) domain.ConversationMessage {
	return domain.ConversationMessage{
		Role: domain.RoleAssistant,
		Content: []domain.ContentBlock{
			{
				Type:    domain.BlockToolUse,
				ToolUse: &domain.ToolUseBlock{ID: id, Name: name, Input: []byte(input)},
			},
		},
	}
}

func TestNewRejectsEmptyName(t *testing.T) {
	_, err := New(domain.ToolSpec{}, func(context.Context, json.RawMessage) (string, error) { return "", nil })
	if !errors.Is(err, domain.ErrInvalidConfiguration) {
		t.Errorf("err = %v, want ErrInvalidConfiguration", err)
	}
}

func TestNewRejectsNilFunc(t *testing.T) {
	_, err := New(domain.ToolSpec{Name: "x"}, nil)
	if !errors.Is(err, domain.ErrInvalidConfiguration) {
		t.Errorf("err = %v, want ErrInvalidConfiguration", err)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	set, err := NewSet(echoTool(t, "echo"))
	if err != nil {
		t.Fatal(err)
	}
	if err := set.Register(echoTool(t, "echo")); !errors.Is(err, domain.ErrInvalidConfiguration) {
		t.Errorf("err = %v, want ErrInvalidConfiguration", err)
	}
}

func TestDispatchInvokesTool(t *testing.T) {
	set, err := NewSet(echoTool(t, "echo"))
	if err != nil {
		t.Fatal(err)
	}

	reply, err := set.Dispatch(context.Background(), toolUseMessage("tc1", "echo", `{"text":"hi"}`))
	if err != nil {
		t.Fatal(err)
	}
	if reply.Role != domain.RoleUser {
		t.Errorf("reply role = %q, want user", reply.Role)
	}
	if len(reply.Content) != 1 {
		t.Fatalf("reply blocks = %d, want 1", len(reply.Content))
	}
	res := reply.Content[0].ToolResult
	if res == nil || res.ToolUseID != "tc1" || res.IsError {
		t.Fatalf("unexpected result block: %+v", res)
	}
	if res.Content != `{"text":"hi"}` {
		t.Errorf("result content = %q", res.Content)
	}
}

func TestDispatchUnknownToolIsResultNotError(t *testing.T) {
	set, err := NewSet(echoTool(t, "echo"))
	if err != nil {
		t.Fatal(err)
	}

	reply, err := set.Dispatch(context.Background(), toolUseMessage("tc1", "missing", `{}`))
	if err != nil {
		t.Fatalf("unknown tool must not error the dispatch: %v", err)
	}
	res := reply.Content[0].ToolResult
	if !res.IsError {
		t.Error("unknown tool result should carry IsError")
	}
	if !strings.Contains(res.Content, "not found") {
		t.Errorf("result content = %q, want a not-found message", res.Content)
	}
}

func TestDispatchToolErrorBecomesErrorResult(t *testing.T) {
	failing, err := New(domain.ToolSpec{Name: "fail"}, func(context.Context, json.RawMessage) (string, error) {
		return "", fmt.Errorf("backend unavailable")
	})
	if err != nil {
		t.Fatal(err)
	}
	set, err := NewSet(failing)
	if err != nil {
		t.Fatal(err)
	}

	reply, err := set.Dispatch(context.Background(), toolUseMessage("tc1", "fail", `{}`))
	if err != nil {
		t.Fatal(err)
	}
	res := reply.Content[0].ToolResult
	if !res.IsError || res.Content != "backend unavailable" {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestDispatchAggregatesMultipleUses(t *testing.T) {
	set, err := NewSet(echoTool(t, "echo"))
	if err != nil {
		t.Fatal(err)
	}

	msg := domain.ConversationMessage{
		Role: domain.RoleAssistant,
		Content: []domain.ContentBlock{
			{Type: domain.BlockToolUse, ToolUse: &domain.ToolUseBlock{ID: "a", Name: "echo", Input: []byte(`1`)}},
			{Type: domain.BlockToolUse, ToolUse: &domain.ToolUseBlock{ID: "b", Name: "echo", Input: []byte(`2`)}},
		},
	}
	reply, err := set.Dispatch(context.Background(), msg)
	if err != nil {
		t.Fatal(err)
	}
	if len(reply.Content) != 2 {
		t.Fatalf("reply blocks = %d, want 2", len(reply.Content))
	}
	if reply.Content[0].ToolResult.ToolUseID != "a" || reply.Content[1].ToolResult.ToolUseID != "b" {
		t.Error("result order does not follow use order")
	}
}

func TestDispatchNoToolUses(t *testing.T) {
	set, err := NewSet(echoTool(t, "echo"))
	if err != nil {
		t.Fatal(err)
	}
	_, err = set.Dispatch(context.Background(), domain.NewTextMessage(domain.RoleAssistant, "plain text"))
	if err == nil {
		t.Error("expected error for a message without tool uses")
	}
}

func TestTypedDecodesParams(t *testing.T) {
	type params struct {
		City string `json:"city"`
	}
	fn := Typed(func(_ context.Context, p params) (string, error) {
		return "weather in " + p.City, nil
	})
	out, err := fn(context.Background(), []byte(`{"city":"Lisbon"}`))
	if err != nil {
		t.Fatal(err)
	}
	if out != "weather in Lisbon" {
		t.Errorf("out = %q", out)
	}
}

func TestTypedRejectsMalformedInput(t *testing.T) {
	type params struct{ N int }
	fn := Typed(func(_ context.Context, p params) (string, error) { return "", nil })
	if _, err := fn(context.Background(), []byte(`{not json`)); err == nil {
		t.Error("expected decode error")
	}
}

func TestSchemasAnthropicDialect(t *testing.T) {
	set, err := NewSet(echoTool(t, "echo"))
	if err != nil {
		t.Fatal(err)
	}
	schemas := set.Schemas(domain.ProviderAnthropic)
	if len(schemas) != 1 {
		t.Fatalf("schemas = %d, want 1", len(schemas))
	}
	var got map[string]any
	if err := json.Unmarshal(schemas[0].Parameters, &got); err != nil {
		t.Fatal(err)
	}
	if got["type"] != "object" {
		t.Errorf("top-level type = %v, want object", got["type"])
	}
	if _, ok := got["properties"]; !ok {
		t.Error("missing properties")
	}
}

func TestSchemasBedrockDialect(t *testing.T) {
	set, err := NewSet(echoTool(t, "echo"))
	if err != nil {
		t.Fatal(err)
	}
	schemas := set.Schemas(domain.ProviderBedrock)
	var got map[string]any
	if err := json.Unmarshal(schemas[0].Parameters, &got); err != nil {
		t.Fatal(err)
	}
	inner, ok := got["json"].(map[string]any)
	if !ok {
		t.Fatalf("bedrock schema not wrapped in json envelope: %v", got)
	}
	if inner["type"] != "object" {
		t.Errorf("inner type = %v, want object", inner["type"])
	}
}

func TestMergeDoesNotMutate(t *testing.T) {
	base, err := NewSet(echoTool(t, "one"))
	if err != nil {
		t.Fatal(err)
	}
	extra, err := NewSet(echoTool(t, "two"))
	if err != nil {
		t.Fatal(err)
	}

	merged, err := base.Merge(extra)
	if err != nil {
		t.Fatal(err)
	}
	if merged.Len() != 2 {
		t.Errorf("merged len = %d, want 2", merged.Len())
	}
	if base.Len() != 1 || extra.Len() != 1 {
		t.Error("merge mutated its inputs")
	}
}
