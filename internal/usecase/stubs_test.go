package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"conductor/internal/domain"
)

// scriptedProvider returns canned responses in order, recording every
// request it sees. Once the script runs out it repeats the last response.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []domain.ChatResponse
	requests  []domain.ChatRequest
	err       error
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Chat(_ context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if p.err != nil {
		return nil, p.err
	}
	if len(p.responses) == 0 {
		return &domain.ChatResponse{}, nil
	}
	idx := len(p.requests) - 1
	if idx >= len(p.responses) {
		idx = len(p.responses) - 1
	}
	resp := p.responses[idx]
	return &resp, nil
}

func (p *scriptedProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *scriptedProvider) request(i int) domain.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[i]
}

func textResponse(text string) domain.ChatResponse {
	return domain.ChatResponse{Message: domain.Message{Role: domain.WireRoleAssistant, Content: text}}
}

func toolCallResponse(id, name, args string) domain.ChatResponse {
	return domain.ChatResponse{Message: domain.Message{
		Role: domain.WireRoleAssistant,
		ToolCalls: []domain.ToolCall{
			{ID: id, Name: name, Arguments: json.RawMessage(args)},
		},
	}}
}

// classifierResponse builds the forced structured output the classifier
// expects from its provider.
func classifierResponse(selected string, confidence float64) domain.ChatResponse {
	args, _ := json.Marshal(map[string]any{
		"userinput":      "whatever",
		"selected_agent": selected,
		"confidence":     confidence,
	})
	return toolCallResponse("tc1", "analyzePrompt", string(args))
}

// stubAgent is a canned domain.Agent for composition tests.
type stubAgent struct {
	name      string
	desc      string
	reply     string
	err       error
	streaming bool
	saveChat  bool

	mu     sync.Mutex
	inputs []string
}

func newStubAgent(name, reply string) *stubAgent {
	return &stubAgent{name: name, desc: "stub " + name, reply: reply, saveChat: true}
}

func (a *stubAgent) ID() string          { return domain.KeyFromName(a.name) }
func (a *stubAgent) Name() string        { return a.name }
func (a *stubAgent) Description() string { return a.desc }
func (a *stubAgent) SaveChat() bool      { return a.saveChat }
func (a *stubAgent) Streaming() bool     { return a.streaming }

func (a *stubAgent) ProcessRequest(_ context.Context, req domain.Request) (*domain.ConversationMessage, error) {
	a.mu.Lock()
	a.inputs = append(a.inputs, req.Input)
	a.mu.Unlock()
	if a.err != nil {
		return nil, a.err
	}
	msg := domain.NewTextMessage(domain.RoleAssistant, a.reply)
	return &msg, nil
}

func (a *stubAgent) seenInputs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.inputs...)
}

// stubStreamAgent streams its reply one rune at a time.
type stubStreamAgent struct {
	*stubAgent
}

func newStubStreamAgent(name, reply string) *stubStreamAgent {
	inner := newStubAgent(name, reply)
	inner.streaming = true
	return &stubStreamAgent{stubAgent: inner}
}

func (a *stubStreamAgent) ProcessStream(_ context.Context, req domain.Request) (<-chan domain.StreamChunk, error) {
	a.mu.Lock()
	a.inputs = append(a.inputs, req.Input)
	a.mu.Unlock()
	if a.err != nil {
		return nil, a.err
	}
	out := make(chan domain.StreamChunk)
	go func() {
		defer close(out)
		for _, r := range a.reply {
			out <- domain.StreamChunk{Text: string(r)}
		}
		final := domain.NewTextMessage(domain.RoleAssistant, a.reply)
		out <- domain.StreamChunk{Done: true, Final: &final}
	}()
	return out, nil
}

// stubClassifier returns a fixed result or error.
type stubClassifier struct {
	mu     sync.Mutex
	result domain.ClassifierResult
	err    error
	agents map[string]domain.Agent
}

func (c *stubClassifier) Classify(context.Context, string, []domain.ConversationMessage) (domain.ClassifierResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return domain.ClassifierResult{}, c.err
	}
	return c.result, nil
}

func (c *stubClassifier) SetAgents(agents map[string]domain.Agent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agents = agents
}

// recordingBus captures every published event for inspection.
type recordingBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *recordingBus) Publish(_ context.Context, event domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

func (b *recordingBus) Subscribe(domain.EventType, domain.EventHandler) func() { return func() {} }
func (b *recordingBus) SubscribeAll(domain.EventHandler) func()                { return func() {} }
func (b *recordingBus) Close()                                                 {}

func (b *recordingBus) ofType(typ domain.EventType) []domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.Event
	for _, e := range b.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// failingStorage wraps a working store and fails writes on demand.
type failingStorage struct {
	domain.ChatStorage
	failSaves bool
}

func (s *failingStorage) SaveChatMessage(ctx context.Context, userID, sessionID, agentID string, msg domain.ConversationMessage, maxHistorySize int) ([]domain.ConversationMessage, error) {
	if s.failSaves {
		return nil, fmt.Errorf("%w: disk full", domain.ErrStorage)
	}
	return s.ChatStorage.SaveChatMessage(ctx, userID, sessionID, agentID, msg, maxHistorySize)
}

func (s *failingStorage) SaveChatMessages(ctx context.Context, userID, sessionID, agentID string, msgs []domain.ConversationMessage, maxHistorySize int) ([]domain.ConversationMessage, error) {
	if s.failSaves {
		return nil, fmt.Errorf("%w: disk full", domain.ErrStorage)
	}
	return s.ChatStorage.SaveChatMessages(ctx, userID, sessionID, agentID, msgs, maxHistorySize)
}
