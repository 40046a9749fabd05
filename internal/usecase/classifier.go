package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"conductor/internal/adapter/tool"
	"conductor/internal/domain"
	"conductor/internal/infra/tracer"
)

// classifierToolName is the forced structured-output tool the model must call.
const classifierToolName = "analyzePrompt"

// defaultClassifierPrompt is the routing prompt. {{AGENT_DESCRIPTIONS}} and
// {{HISTORY}} are substituted before every call.
const defaultClassifierPrompt = `You are AgentMatcher, an intelligent assistant that routes user queries to
the most suitable agent. Match each query to the agent whose description
best covers it, considering the conversation history for context on
follow-up questions.

Available agents:
{{AGENT_DESCRIPTIONS}}

Conversation history:
{{HISTORY}}

Analyze the user input and respond with the selected agent and your
confidence via the ` + classifierToolName + ` tool.`

// classifierOutput is the structured shape the model is forced to produce.
type classifierOutput struct {
	UserInput     string  `json:"userinput"`
	SelectedAgent string  `json:"selected_agent"`
	Confidence    float64 `json:"confidence"`
}

// LLMClassifier implements domain.Classifier with an LLM call that forces a
// structured tool output of shape {userinput, selected_agent, confidence}.
type LLMClassifier struct {
	mu             sync.RWMutex
	provider       domain.LLMProvider
	model          string
	promptTemplate string
	agents         map[string]domain.Agent
	descriptions   string
	logger         *slog.Logger
}

// LLMClassifierOptions configures an LLMClassifier.
type LLMClassifierOptions struct {
	Provider       domain.LLMProvider
	Model          string
	PromptTemplate string // empty = defaultClassifierPrompt
	Logger         *slog.Logger
}

// NewLLMClassifier creates a classifier backed by the given provider.
func NewLLMClassifier(opts LLMClassifierOptions) (*LLMClassifier, error) {
	if opts.Provider == nil {
		return nil, domain.NewDomainError("NewLLMClassifier", domain.ErrInvalidConfiguration, "provider must not be nil")
	}
	if opts.PromptTemplate == "" {
		opts.PromptTemplate = defaultClassifierPrompt
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &LLMClassifier{
		provider:       opts.Provider,
		model:          opts.Model,
		promptTemplate: opts.PromptTemplate,
		agents:         make(map[string]domain.Agent),
		logger:         opts.Logger,
	}, nil
}

// SetAgents implements domain.Classifier. It rebuilds the agent-description
// block substituted into the prompt.
func (c *LLMClassifier) SetAgents(agents map[string]domain.Agent) {
	ids := make([]string, 0, len(agents))
	for id := range agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var sb strings.Builder
	for _, id := range ids {
		fmt.Fprintf(&sb, "%s: %s\n", id, agents[id].Description())
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.agents = agents
	c.descriptions = sb.String()
}

// Classify implements domain.Classifier.
func (c *LLMClassifier) Classify(ctx context.Context, input string, history []domain.ConversationMessage) (domain.ClassifierResult, error) {
	ctx, span := tracer.StartSpan(ctx, tracer.SpanClassify)
	defer span.End()

	c.mu.RLock()
	descriptions := c.descriptions
	agents := c.agents
	c.mu.RUnlock()

	system := strings.ReplaceAll(c.promptTemplate, "{{AGENT_DESCRIPTIONS}}", descriptions)
	system = strings.ReplaceAll(system, "{{HISTORY}}", formatTranscript(history))

	req := domain.ChatRequest{
		Model: c.model,
		Messages: []domain.Message{
			{Role: domain.WireRoleSystem, Content: system},
			{Role: domain.WireRoleUser, Content: input},
		},
		Tools:      classifierToolSchemas(),
		ToolChoice: classifierToolName,
	}

	resp, err := c.provider.Chat(ctx, req)
	if err != nil {
		tracer.RecordError(span, err)
		return domain.ClassifierResult{}, domain.NewDomainError("LLMClassifier.Classify", domain.ErrClassificationFailed, err.Error())
	}

	out, err := parseClassifierOutput(resp.Message)
	if err != nil {
		tracer.RecordError(span, err)
		return domain.ClassifierResult{}, err
	}

	confidence := out.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	selected := resolveAgent(agents, out.SelectedAgent)
	if selected != nil {
		span.SetAttributes(tracer.Selected(selected.ID()))
	}
	c.logger.Debug("classification complete",
		"selected", out.SelectedAgent,
		"confidence", confidence,
	)
	tracer.SetOK(span)
	return domain.ClassifierResult{SelectedAgent: selected, Confidence: confidence}, nil
}

// parseClassifierOutput extracts the structured tool call from the model
// response. Failure to parse is a classification error, never a guess.
func parseClassifierOutput(msg domain.Message) (classifierOutput, error) {
	for _, call := range msg.ToolCalls {
		if call.Name != classifierToolName {
			continue
		}
		var out classifierOutput
		if err := json.Unmarshal(call.Arguments, &out); err != nil {
			return classifierOutput{}, domain.NewDomainError("LLMClassifier.Classify", domain.ErrClassificationFailed,
				fmt.Sprintf("malformed %s arguments: %v", classifierToolName, err))
		}
		return out, nil
	}
	return classifierOutput{}, domain.NewDomainError("LLMClassifier.Classify", domain.ErrClassificationFailed,
		"model response carried no "+classifierToolName+" tool call")
}

// resolveAgent matches the model's free-text agent identifier against the
// registry: case-insensitive, and trailing extra words are tolerated (the
// first whitespace-delimited token is the true id).
func resolveAgent(agents map[string]domain.Agent, identifier string) domain.Agent {
	token := strings.ToLower(strings.TrimSpace(identifier))
	if token == "" {
		return nil
	}
	if idx := strings.IndexAny(token, " \t"); idx >= 0 {
		token = token[:idx]
	}
	for id, agent := range agents {
		if strings.ToLower(id) == token {
			return agent
		}
	}
	return nil
}

// classifierToolSchemas renders the forced-output tool descriptor.
func classifierToolSchemas() []domain.ToolSchema {
	t, err := tool.New(domain.ToolSpec{
		Name:        classifierToolName,
		Description: "Analyze the user input and select the best agent.",
		Properties: map[string]domain.PropertyDefinition{
			"userinput":      {Type: "string", Description: "The original user input"},
			"selected_agent": {Type: "string", Description: "The id of the selected agent"},
			"confidence":     {Type: "number", Description: "Confidence in the selection, 0 to 1"},
		},
		Required: []string{"userinput", "selected_agent", "confidence"},
	}, func(context.Context, json.RawMessage) (string, error) { return "", nil })
	if err != nil {
		panic(err) // static spec, cannot fail
	}
	set, err := tool.NewSet(t)
	if err != nil {
		panic(err)
	}
	return set.Schemas(domain.ProviderAnthropic)
}

// formatTranscript flattens history into "role: text" lines for prompt
// substitution.
func formatTranscript(history []domain.ConversationMessage) string {
	var sb strings.Builder
	for _, msg := range history {
		text := msg.Text()
		if text == "" {
			continue
		}
		fmt.Fprintf(&sb, "%s: %s\n", msg.Role, text)
	}
	return sb.String()
}
