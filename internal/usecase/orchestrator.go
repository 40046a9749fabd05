package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"conductor/internal/domain"
	"conductor/internal/infra/tracer"
)

// Canned replies for failures the caller should see as chat text rather
// than errors.
const (
	defaultClassificationErrorMessage = "I'm sorry, an error occurred while processing your request. Please try again later."
	defaultNoAgentMessage             = "I'm sorry, I couldn't determine how to handle your request. Could you please rephrase it?"
	defaultDispatchErrorMessage       = "I'm sorry, an error occurred while processing your request with the selected agent. Please try again later."
)

// OrchestratorOptions configures an Orchestrator. Classifier and Storage
// are required.
type OrchestratorOptions struct {
	Classifier domain.Classifier
	Storage    domain.ChatStorage
	// UseDefaultAgentOnNone substitutes the default agent (confidence 0)
	// when classification selects nobody.
	UseDefaultAgentOnNone bool
	// MaxMessagePairs bounds persisted history per agent, in
	// user/assistant pairs. 0 = unlimited.
	MaxMessagePairs int

	ClassificationErrorMessage string
	NoAgentMessage             string
	DispatchErrorMessage       string

	Logger *slog.Logger
	Bus    domain.EventBus
}

// Orchestrator routes each incoming request to an agent via the classifier
// and manages per-agent conversation persistence. It is the outermost
// boundary of the system: RouteRequest always produces a usable response,
// converting every internal failure into a canned chat message.
type Orchestrator struct {
	mu           sync.RWMutex
	agents       map[string]domain.Agent
	defaultAgent domain.Agent

	classifier domain.Classifier
	storage    domain.ChatStorage
	opts       OrchestratorOptions

	timingMu sync.Mutex
	timings  map[string]time.Duration

	logger *slog.Logger
	bus    domain.EventBus
}

func NewOrchestrator(opts OrchestratorOptions) (*Orchestrator, error) {
	if opts.Classifier == nil {
		return nil, domain.NewDomainError("NewOrchestrator", domain.ErrInvalidConfiguration, "classifier must not be nil")
	}
	if opts.Storage == nil {
		return nil, domain.NewDomainError("NewOrchestrator", domain.ErrInvalidConfiguration, "storage must not be nil")
	}
	if opts.ClassificationErrorMessage == "" {
		opts.ClassificationErrorMessage = defaultClassificationErrorMessage
	}
	if opts.NoAgentMessage == "" {
		opts.NoAgentMessage = defaultNoAgentMessage
	}
	if opts.DispatchErrorMessage == "" {
		opts.DispatchErrorMessage = defaultDispatchErrorMessage
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Orchestrator{
		agents:     make(map[string]domain.Agent),
		classifier: opts.Classifier,
		storage:    opts.Storage,
		opts:       opts,
		timings:    make(map[string]time.Duration),
		logger:     opts.Logger,
		bus:        opts.Bus,
	}, nil
}

// AddAgent registers an agent under its derived id and refreshes the
// classifier's view of the registry.
func (o *Orchestrator) AddAgent(agent domain.Agent) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := agent.ID()
	if _, exists := o.agents[id]; exists {
		return domain.NewDomainError("Orchestrator.AddAgent", domain.ErrDuplicateAgent,
			fmt.Sprintf("agent %q already registered", id))
	}
	o.agents[id] = agent
	o.classifier.SetAgents(o.snapshot())
	return nil
}

// SetDefaultAgent names the fallback used when classification selects
// nobody and UseDefaultAgentOnNone is enabled.
func (o *Orchestrator) SetDefaultAgent(agent domain.Agent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.defaultAgent = agent
}

// Agents returns a snapshot of the registry.
func (o *Orchestrator) Agents() map[string]domain.Agent {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.snapshot()
}

func (o *Orchestrator) snapshot() map[string]domain.Agent {
	agents := make(map[string]domain.Agent, len(o.agents))
	for id, a := range o.agents {
		agents[id] = a
	}
	return agents
}

// ExecutionTimes returns the phase timings of the most recent RouteRequest.
func (o *Orchestrator) ExecutionTimes() map[string]time.Duration {
	o.timingMu.Lock()
	defer o.timingMu.Unlock()
	out := make(map[string]time.Duration, len(o.timings))
	for k, v := range o.timings {
		out[k] = v
	}
	return out
}

// RouteRequest classifies the input, dispatches it to the selected agent,
// persists the exchange, and returns the response. It never returns an
// error: failures surface as canned messages, and a post-success storage
// failure lands in AgentResponse.SaveError.
func (o *Orchestrator) RouteRequest(ctx context.Context, input, userID, sessionID string, params map[string]string) domain.AgentResponse {
	ctx, span := tracer.StartSpan(ctx, tracer.SpanRoute)
	defer span.End()

	o.timingMu.Lock()
	o.timings = make(map[string]time.Duration)
	o.timingMu.Unlock()

	o.publish(ctx, domain.EventRequestReceived, sessionID, "", map[string]string{"input": input})

	var result domain.ClassifierResult
	err := o.measure("classification", func() error {
		history, herr := o.storage.FetchAllChats(ctx, userID, sessionID)
		if herr != nil {
			o.logger.Warn("fetching session history failed", "error", herr)
			history = nil
		}
		var cerr error
		result, cerr = o.classifier.Classify(ctx, input, history)
		return cerr
	})
	if err != nil {
		o.logger.Error("classification failed", "error", err)
		tracer.RecordError(span, err)
		o.publish(ctx, domain.EventClassifierError, sessionID, "", map[string]string{"error": err.Error()})
		return o.cannedResponse(input, userID, sessionID, o.opts.ClassificationErrorMessage)
	}

	selected := result.SelectedAgent
	confidence := result.Confidence
	if selected == nil {
		o.mu.RLock()
		fallback := o.defaultAgent
		o.mu.RUnlock()
		if !o.opts.UseDefaultAgentOnNone || fallback == nil {
			o.logger.Info("no agent selected", "input", input)
			return o.cannedResponse(input, userID, sessionID, o.opts.NoAgentMessage)
		}
		selected = fallback
		confidence = 0
	}
	o.publish(ctx, domain.EventClassified, sessionID, selected.ID(),
		map[string]any{"confidence": confidence})

	metadata := domain.AgentProcessingResult{
		UserInput:        input,
		AgentID:          selected.ID(),
		AgentName:        selected.Name(),
		UserID:           userID,
		SessionID:        sessionID,
		Confidence:       confidence,
		AdditionalParams: params,
	}

	var response domain.AgentResponse
	err = o.measure("dispatch", func() error {
		var derr error
		response, derr = o.dispatch(ctx, selected, metadata, params)
		return derr
	})
	if err != nil {
		o.logger.Error("agent dispatch failed", "agent", selected.ID(), "error", err)
		tracer.RecordError(span, err)
		o.publish(ctx, domain.EventAgentError, sessionID, selected.ID(), map[string]string{"error": err.Error()})
		return o.cannedResponse(input, userID, sessionID, o.opts.DispatchErrorMessage)
	}

	tracer.SetOK(span)
	return response
}

func (o *Orchestrator) dispatch(ctx context.Context, agent domain.Agent, meta domain.AgentProcessingResult, params map[string]string) (domain.AgentResponse, error) {
	maxHistory := o.opts.MaxMessagePairs * 2
	history, err := o.storage.FetchChat(ctx, meta.UserID, meta.SessionID, meta.AgentID, maxHistory)
	if err != nil {
		o.logger.Warn("fetching agent history failed", "agent", meta.AgentID, "error", err)
		history = nil
	}

	req := domain.Request{
		Input:            meta.UserInput,
		UserID:           meta.UserID,
		SessionID:        meta.SessionID,
		History:          history,
		AdditionalParams: params,
	}
	o.publish(ctx, domain.EventAgentDispatched, meta.SessionID, meta.AgentID, nil)

	if streamer, ok := agent.(domain.StreamingAgent); ok && agent.Streaming() {
		stream, err := streamer.ProcessStream(ctx, req)
		if err != nil {
			return domain.AgentResponse{}, err
		}
		resp := domain.AgentResponse{Metadata: meta, Stream: stream, Streaming: true}
		// Only the user turn can be persisted here; the assistant turn is
		// not realized until the consumer drains the stream.
		if agent.SaveChat() {
			resp.SaveError = o.save(ctx, meta, []domain.ConversationMessage{
				domain.NewTextMessage(domain.RoleUser, meta.UserInput),
			}, maxHistory)
		}
		return resp, nil
	}

	out, err := agent.ProcessRequest(ctx, req)
	if err != nil {
		return domain.AgentResponse{}, err
	}
	if out == nil {
		empty := domain.NewTextMessage(domain.RoleAssistant, "")
		out = &empty
	}

	resp := domain.AgentResponse{Metadata: meta, Output: out}
	if agent.SaveChat() {
		resp.SaveError = o.save(ctx, meta, []domain.ConversationMessage{
			domain.NewTextMessage(domain.RoleUser, meta.UserInput),
			*out,
		}, maxHistory)
	}
	return resp, nil
}

func (o *Orchestrator) save(ctx context.Context, meta domain.AgentProcessingResult, msgs []domain.ConversationMessage, maxHistory int) error {
	_, err := o.storage.SaveChatMessages(ctx, meta.UserID, meta.SessionID, meta.AgentID, msgs, maxHistory)
	if err != nil {
		o.logger.Error("persisting exchange failed", "agent", meta.AgentID, "error", err)
		return domain.WrapOp("Orchestrator.save", err)
	}
	o.publish(ctx, domain.EventChatSaved, meta.SessionID, meta.AgentID, nil)
	return nil
}

// cannedResponse wraps a fixed message as a normal assistant reply with no
// agent attribution.
func (o *Orchestrator) cannedResponse(input, userID, sessionID, text string) domain.AgentResponse {
	msg := domain.NewTextMessage(domain.RoleAssistant, text)
	return domain.AgentResponse{
		Metadata: domain.AgentProcessingResult{
			UserInput: input,
			AgentID:   "no-agent-selected",
			AgentName: "No Agent",
			UserID:    userID,
			SessionID: sessionID,
		},
		Output: &msg,
	}
}

// measure times one routing phase. The elapsed time is recorded even when
// the phase fails.
func (o *Orchestrator) measure(phase string, fn func() error) error {
	start := time.Now()
	defer func() {
		o.timingMu.Lock()
		o.timings[phase] = time.Since(start)
		o.timingMu.Unlock()
	}()
	return fn()
}

func (o *Orchestrator) publish(ctx context.Context, typ domain.EventType, sessionID, agentID string, payload any) {
	if o.bus == nil {
		return
	}
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	o.bus.Publish(ctx, domain.Event{
		Type:      typ,
		Timestamp: time.Now(),
		SessionID: sessionID,
		AgentID:   agentID,
		Payload:   raw,
	})
}
