package usecase

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"conductor/internal/adapter/tool"
	"conductor/internal/domain"
	"conductor/internal/infra/tracer"
)

const (
	defaultMaxRecursions = 5

	// maxToolCallsPerTurn bounds how many tool calls a single model turn may
	// accumulate, so a misbehaving stream cannot grow without bound.
	maxToolCallsPerTurn = 16
)

// LLMAgent is the leaf agent: one LLM behind a system prompt, optionally
// armed with tools. It implements domain.Agent and domain.StreamingAgent.
type LLMAgent struct {
	id           string
	name         string
	description  string
	systemPrompt string

	provider      domain.LLMProvider
	model         string
	tools         *tool.Set
	toolKind      domain.ProviderKind
	maxRecursions int
	saveChat      bool
	streaming     bool

	logger *slog.Logger
	bus    domain.EventBus
}

// LLMAgentOptions configures an LLMAgent. Name, Description and Provider
// are required; everything else has a working default.
type LLMAgentOptions struct {
	Name         string
	Description  string
	SystemPrompt string

	Provider domain.LLMProvider
	Model    string
	Tools    *tool.Set
	// ToolKind selects the schema dialect sent to the provider.
	ToolKind      domain.ProviderKind
	MaxRecursions int // 0 = defaultMaxRecursions
	// DisableChatSave opts this agent out of history persistence.
	DisableChatSave bool
	Streaming       bool

	Logger *slog.Logger
	Bus    domain.EventBus
}

// NewLLMAgent validates options and builds the agent. The id is derived
// from the name and never changes afterwards.
func NewLLMAgent(opts LLMAgentOptions) (*LLMAgent, error) {
	if opts.Name == "" {
		return nil, domain.NewDomainError("NewLLMAgent", domain.ErrInvalidConfiguration, "agent name must not be empty")
	}
	if opts.Description == "" {
		return nil, domain.NewDomainError("NewLLMAgent", domain.ErrInvalidConfiguration, "agent description must not be empty")
	}
	if opts.Provider == nil {
		return nil, domain.NewDomainError("NewLLMAgent", domain.ErrInvalidConfiguration, "provider must not be nil")
	}
	if opts.MaxRecursions <= 0 {
		opts.MaxRecursions = defaultMaxRecursions
	}
	if opts.ToolKind == "" {
		opts.ToolKind = domain.ProviderAnthropic
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &LLMAgent{
		id:            domain.KeyFromName(opts.Name),
		name:          opts.Name,
		description:   opts.Description,
		systemPrompt:  opts.SystemPrompt,
		provider:      opts.Provider,
		model:         opts.Model,
		tools:         opts.Tools,
		toolKind:      opts.ToolKind,
		maxRecursions: opts.MaxRecursions,
		saveChat:      !opts.DisableChatSave,
		streaming:     opts.Streaming,
		logger:        opts.Logger.With("agent", domain.KeyFromName(opts.Name)),
		bus:           opts.Bus,
	}, nil
}

func (a *LLMAgent) ID() string          { return a.id }
func (a *LLMAgent) Name() string        { return a.name }
func (a *LLMAgent) Description() string { return a.description }
func (a *LLMAgent) SaveChat() bool      { return a.saveChat }
func (a *LLMAgent) Streaming() bool     { return a.streaming }

// HasTools reports whether the agent carries any tool descriptors.
func (a *LLMAgent) HasTools() bool { return a.tools != nil && a.tools.Len() > 0 }

// CallOverrides replaces parts of the agent's configuration for a single
// call. Everything here is request-scoped so one agent instance can serve
// concurrent callers with different prompts and tool sets.
type CallOverrides struct {
	SystemPrompt  string
	Tools         *tool.Set
	MaxRecursions int
}

// ProcessRequest implements domain.Agent.
func (a *LLMAgent) ProcessRequest(ctx context.Context, req domain.Request) (*domain.ConversationMessage, error) {
	return a.ProcessWithOverrides(ctx, req, CallOverrides{})
}

// ProcessWithOverrides runs one request with per-call configuration
// substituted. Zero-value fields fall back to the agent's own settings.
func (a *LLMAgent) ProcessWithOverrides(ctx context.Context, req domain.Request, ov CallOverrides) (*domain.ConversationMessage, error) {
	ctx, span := tracer.StartSpan(ctx, tracer.SpanAgent, tracer.Agent(a.id))
	defer span.End()

	system, tools, budget := a.effective(ov)

	wire := buildWireMessages(system, req.History, req.Input)
	var schemas []domain.ToolSchema
	if tools != nil && tools.Len() > 0 {
		schemas = tools.Schemas(a.toolKind)
	}

	var last domain.ConversationMessage
	for turn := 0; turn < budget; turn++ {
		resp, err := a.provider.Chat(ctx, domain.ChatRequest{
			Model:    a.model,
			Messages: wire,
			Tools:    schemas,
		})
		if err != nil {
			tracer.RecordError(span, err)
			return nil, domain.WrapOp("LLMAgent.ProcessRequest", err)
		}

		msg := fromWire(resp.Message)
		last = msg
		if tools == nil || !msg.HasToolUse() {
			tracer.SetOK(span)
			return &msg, nil
		}

		a.publishToolEvents(ctx, domain.EventToolCallStarted, req.SessionID, msg)
		result, err := tools.Dispatch(ctx, msg)
		if err != nil {
			tracer.RecordError(span, err)
			return nil, domain.WrapOp("LLMAgent.ProcessRequest", err)
		}
		a.publishToolEvents(ctx, domain.EventToolCallCompleted, req.SessionID, msg)
		wire = append(wire, toWire(msg)...)
		wire = append(wire, toWire(*result)...)
	}

	// Budget exhausted mid tool loop. Surface whatever text the model
	// produced last rather than failing the whole request.
	a.logger.Warn("tool recursion budget exhausted", "budget", budget)
	partial := domain.NewTextMessage(domain.RoleAssistant, last.Text())
	tracer.SetOK(span)
	return &partial, nil
}

// ProcessStream implements domain.StreamingAgent. Tool turns are resolved
// inside the stream: text deltas are forwarded as they arrive, tool calls
// accumulate silently and trigger another model turn, and the terminal
// chunk carries the reassembled final message.
func (a *LLMAgent) ProcessStream(ctx context.Context, req domain.Request) (<-chan domain.StreamChunk, error) {
	streamer, ok := a.provider.(domain.StreamingLLMProvider)
	if !ok {
		return nil, domain.NewDomainError("LLMAgent.ProcessStream", domain.ErrInvalidConfiguration,
			"provider "+a.provider.Name()+" does not support streaming")
	}

	system, tools, budget := a.effective(CallOverrides{})
	wire := buildWireMessages(system, req.History, req.Input)
	var schemas []domain.ToolSchema
	if tools != nil && tools.Len() > 0 {
		schemas = tools.Schemas(a.toolKind)
	}

	out := make(chan domain.StreamChunk)
	go func() {
		defer close(out)
		for turn := 0; turn < budget; turn++ {
			deltas, err := streamer.ChatStream(ctx, domain.ChatRequest{
				Model:    a.model,
				Messages: wire,
				Tools:    schemas,
				Stream:   true,
			})
			if err != nil {
				emit(ctx, out, domain.StreamChunk{Done: true, Err: domain.WrapOp("LLMAgent.ProcessStream", err)})
				return
			}

			acc := newStreamAccumulator()
			for delta := range deltas {
				if delta.Content != "" {
					if !emit(ctx, out, domain.StreamChunk{Text: delta.Content}) {
						return
					}
					a.publishStreamDelta(ctx, req.SessionID, delta.Content)
				}
				acc.add(delta)
			}

			msg := acc.message()
			if tools == nil || !msg.HasToolUse() {
				final := msg
				emit(ctx, out, domain.StreamChunk{Done: true, Final: &final})
				a.publish(ctx, domain.EventStreamCompleted, req.SessionID, nil)
				return
			}

			a.publishToolEvents(ctx, domain.EventToolCallStarted, req.SessionID, msg)
			result, err := tools.Dispatch(ctx, msg)
			if err != nil {
				emit(ctx, out, domain.StreamChunk{Done: true, Err: domain.WrapOp("LLMAgent.ProcessStream", err)})
				return
			}
			a.publishToolEvents(ctx, domain.EventToolCallCompleted, req.SessionID, msg)
			wire = append(wire, toWire(msg)...)
			wire = append(wire, toWire(*result)...)
		}
		emit(ctx, out, domain.StreamChunk{Done: true, Err: domain.NewDomainError(
			"LLMAgent.ProcessStream", domain.ErrMaxRecursions, "tool recursion budget exhausted")})
	}()
	return out, nil
}

func (a *LLMAgent) effective(ov CallOverrides) (system string, tools *tool.Set, budget int) {
	system = a.systemPrompt
	if ov.SystemPrompt != "" {
		system = ov.SystemPrompt
	}
	tools = a.tools
	if ov.Tools != nil {
		tools = ov.Tools
	}
	budget = a.maxRecursions
	if ov.MaxRecursions > 0 {
		budget = ov.MaxRecursions
	}
	return system, tools, budget
}

func (a *LLMAgent) publishToolEvents(ctx context.Context, typ domain.EventType, sessionID string, msg domain.ConversationMessage) {
	for _, use := range msg.ToolUses() {
		a.publish(ctx, typ, sessionID, map[string]string{"tool": use.Name})
	}
}

func (a *LLMAgent) publishStreamDelta(ctx context.Context, sessionID, text string) {
	a.publish(ctx, domain.EventStreamDelta, sessionID, map[string]string{"text": text})
}

func (a *LLMAgent) publish(ctx context.Context, typ domain.EventType, sessionID string, payload any) {
	if a.bus == nil {
		return
	}
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	a.bus.Publish(ctx, domain.Event{
		Type:      typ,
		Timestamp: time.Now(),
		SessionID: sessionID,
		AgentID:   a.id,
		Payload:   raw,
	})
}

// emit sends a chunk unless the consumer is gone. Returns false when the
// context was cancelled, signalling the producer to stop.
func emit(ctx context.Context, out chan<- domain.StreamChunk, chunk domain.StreamChunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// buildWireMessages flattens (system prompt, history, new input) into the
// provider wire shape.
func buildWireMessages(system string, history []domain.ConversationMessage, input string) []domain.Message {
	wire := make([]domain.Message, 0, len(history)+2)
	if system != "" {
		wire = append(wire, domain.Message{Role: domain.WireRoleSystem, Content: system})
	}
	for _, msg := range history {
		wire = append(wire, toWire(msg)...)
	}
	wire = append(wire, domain.Message{Role: domain.WireRoleUser, Content: input})
	return wire
}

// toWire converts one content-block message into its wire form. A message
// whose blocks are tool results expands into one tool-role message per
// result, matching how OpenAI-compatible endpoints expect them back.
func toWire(msg domain.ConversationMessage) []domain.Message {
	var (
		text    string
		calls   []domain.ToolCall
		results []domain.Message
	)
	for _, b := range msg.Content {
		switch b.Type {
		case domain.BlockText:
			text += b.Text
		case domain.BlockToolUse:
			if b.ToolUse != nil {
				calls = append(calls, domain.ToolCall{ID: b.ToolUse.ID, Name: b.ToolUse.Name, Arguments: b.ToolUse.Input})
			}
		case domain.BlockToolResult:
			if b.ToolResult != nil {
				results = append(results, domain.Message{
					Role:       domain.WireRoleTool,
					Content:    b.ToolResult.Content,
					ToolCallID: b.ToolResult.ToolUseID,
				})
			}
		}
	}
	if len(results) > 0 {
		return results
	}
	role := domain.WireRoleUser
	if msg.Role == domain.RoleAssistant {
		role = domain.WireRoleAssistant
	}
	return []domain.Message{{Role: role, Content: text, ToolCalls: calls}}
}

// fromWire converts a provider response message into content-block form.
func fromWire(msg domain.Message) domain.ConversationMessage {
	var blocks []domain.ContentBlock
	if msg.Content != "" {
		blocks = append(blocks, domain.TextBlock(msg.Content))
	}
	for _, call := range msg.ToolCalls {
		call := call
		blocks = append(blocks, domain.ContentBlock{
			Type:    domain.BlockToolUse,
			ToolUse: &domain.ToolUseBlock{ID: call.ID, Name: call.Name, Input: call.Arguments},
		})
	}
	return domain.ConversationMessage{Role: domain.RoleAssistant, Content: blocks}
}

// streamAccumulator reassembles a complete assistant message from
// incremental deltas. Tool call fragments are merged positionally by their
// wire index: the first fragment for a slot carries the id and name,
// continuation fragments append argument bytes.
type streamAccumulator struct {
	text  []byte
	calls []domain.ToolCall // one slot per wire index
}

func newStreamAccumulator() *streamAccumulator {
	return &streamAccumulator{}
}

func (s *streamAccumulator) add(delta domain.StreamDelta) {
	s.text = append(s.text, delta.Content...)
	for _, frag := range delta.ToolCalls {
		if frag.Index < 0 || frag.Index >= maxToolCallsPerTurn {
			continue
		}
		for len(s.calls) <= frag.Index {
			s.calls = append(s.calls, domain.ToolCall{})
		}
		call := &s.calls[frag.Index]
		if frag.ID != "" {
			call.ID = frag.ID
		}
		if frag.Name != "" {
			call.Name = frag.Name
		}
		call.Arguments = append(call.Arguments, frag.Arguments...)
	}
}

func (s *streamAccumulator) message() domain.ConversationMessage {
	msg := domain.Message{Role: domain.WireRoleAssistant, Content: string(s.text)}
	for _, call := range s.calls {
		if call.ID == "" && call.Name == "" && len(call.Arguments) == 0 {
			continue
		}
		msg.ToolCalls = append(msg.ToolCalls, call)
	}
	return fromWire(msg)
}
