package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"conductor/internal/adapter/tool"
	"conductor/internal/domain"
	"conductor/internal/infra/tracer"
)

const (
	supervisorMaxRecursions  = 40
	supervisorMaxConcurrency = 5

	teamMemoryPlaceholder = "{{TEAM_MEMORY}}"
	sendMessagesToolName  = "send_messages"
)

// defaultSupervisorPrompt frames the lead model as a coordinator. {{TEAM}}
// and {{TEAM_MEMORY}} are substituted per call.
const defaultSupervisorPrompt = `You are a supervisor coordinating a team of agents. Delegate work by
sending messages to team members with the ` + sendMessagesToolName + ` tool, then
synthesize their answers into a single response for the user.

Team members:
{{TEAM}}

Shared conversation memory:
` + teamMemoryPlaceholder + `

Always message the relevant team members before answering. Never invent a
team member's answer.`

// SupervisorAgent pairs a lead LLM agent with a team of member agents. The
// lead receives a send_messages tool scoped to the current request, so one
// supervisor instance can serve concurrent sessions without shared state.
type SupervisorAgent struct {
	id          string
	name        string
	description string

	lead           *LLMAgent
	team           []domain.Agent
	teamByID       map[string]domain.Agent
	storage        domain.ChatStorage
	extraTools     *tool.Set
	promptTemplate string
	maxRecursions  int
	maxConcurrency int
	saveChat       bool

	logger *slog.Logger
	bus    domain.EventBus
}

type SupervisorAgentOptions struct {
	Name        string
	Description string
	// Lead must not carry its own tools; the supervisor owns the lead's
	// tool surface.
	Lead    *LLMAgent
	Team    []domain.Agent
	Storage domain.ChatStorage
	// ExtraTools are merged alongside send_messages.
	ExtraTools      *tool.Set
	PromptTemplate  string
	MaxRecursions   int // 0 = supervisorMaxRecursions
	MaxConcurrency  int // 0 = supervisorMaxConcurrency
	DisableChatSave bool
	Logger          *slog.Logger
	Bus             domain.EventBus
}

func NewSupervisorAgent(opts SupervisorAgentOptions) (*SupervisorAgent, error) {
	if opts.Name == "" {
		return nil, domain.NewDomainError("NewSupervisorAgent", domain.ErrInvalidConfiguration, "agent name must not be empty")
	}
	if opts.Lead == nil {
		return nil, domain.NewDomainError("NewSupervisorAgent", domain.ErrInvalidConfiguration, "lead agent must not be nil")
	}
	if opts.Lead.HasTools() {
		return nil, domain.NewDomainError("NewSupervisorAgent", domain.ErrInvalidConfiguration,
			"lead agent must not carry its own tools")
	}
	if len(opts.Team) == 0 {
		return nil, domain.NewDomainError("NewSupervisorAgent", domain.ErrInvalidConfiguration, "team must not be empty")
	}
	if opts.Storage == nil {
		return nil, domain.NewDomainError("NewSupervisorAgent", domain.ErrInvalidConfiguration, "storage must not be nil")
	}
	if opts.PromptTemplate == "" {
		opts.PromptTemplate = defaultSupervisorPrompt
	}
	if opts.MaxRecursions <= 0 {
		opts.MaxRecursions = supervisorMaxRecursions
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = supervisorMaxConcurrency
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	byID := make(map[string]domain.Agent, len(opts.Team))
	for _, member := range opts.Team {
		if _, exists := byID[member.ID()]; exists {
			return nil, domain.NewDomainError("NewSupervisorAgent", domain.ErrInvalidConfiguration,
				fmt.Sprintf("duplicate team member %q", member.ID()))
		}
		byID[member.ID()] = member
	}

	return &SupervisorAgent{
		id:             domain.KeyFromName(opts.Name),
		name:           opts.Name,
		description:    opts.Description,
		lead:           opts.Lead,
		team:           opts.Team,
		teamByID:       byID,
		storage:        opts.Storage,
		extraTools:     opts.ExtraTools,
		promptTemplate: opts.PromptTemplate,
		maxRecursions:  opts.MaxRecursions,
		maxConcurrency: opts.MaxConcurrency,
		saveChat:       !opts.DisableChatSave,
		logger:         opts.Logger.With("agent", domain.KeyFromName(opts.Name)),
		bus:            opts.Bus,
	}, nil
}

func (a *SupervisorAgent) ID() string          { return a.id }
func (a *SupervisorAgent) Name() string        { return a.name }
func (a *SupervisorAgent) Description() string { return a.description }
func (a *SupervisorAgent) SaveChat() bool      { return a.saveChat }
func (a *SupervisorAgent) Streaming() bool     { return false }

// ProcessRequest implements domain.Agent. The lead runs with a per-call
// system prompt (team roster plus shared memory) and a per-call tool set,
// both assembled here.
func (a *SupervisorAgent) ProcessRequest(ctx context.Context, req domain.Request) (*domain.ConversationMessage, error) {
	ctx, span := tracer.StartSpan(ctx, tracer.SpanSupervisor, tracer.Agent(a.id))
	defer span.End()

	memory, err := a.teamMemory(ctx, req.UserID, req.SessionID)
	if err != nil {
		// Memory is advisory. Proceed without it rather than failing.
		a.logger.Warn("loading team memory failed", "error", err)
		memory = ""
	}

	system := a.buildSystemPrompt(memory)
	tools, err := a.buildToolSet(ctx, req)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, domain.WrapOp("SupervisorAgent.ProcessRequest", err)
	}

	out, err := a.lead.ProcessWithOverrides(ctx, req, CallOverrides{
		SystemPrompt:  system,
		Tools:         tools,
		MaxRecursions: a.maxRecursions,
	})
	if err != nil {
		tracer.RecordError(span, err)
		return nil, domain.WrapOp("SupervisorAgent.ProcessRequest", err)
	}
	tracer.SetOK(span)
	return out, nil
}

// teamMemory renders the session's cross-agent timeline, dropping lines the
// supervisor itself authored so the lead does not re-read its own words.
func (a *SupervisorAgent) teamMemory(ctx context.Context, userID, sessionID string) (string, error) {
	history, err := a.storage.FetchAllChats(ctx, userID, sessionID)
	if err != nil {
		return "", err
	}
	ownTag := "[" + a.id + "]"
	var sb strings.Builder
	for _, msg := range history {
		line := msg.Text()
		if line == "" || strings.Contains(line, ownTag) {
			continue
		}
		fmt.Fprintf(&sb, "%s: %s\n", msg.Role, line)
	}
	return sb.String(), nil
}

func (a *SupervisorAgent) buildSystemPrompt(memory string) string {
	var roster strings.Builder
	for _, member := range a.team {
		fmt.Fprintf(&roster, "%s: %s\n", member.ID(), member.Description())
	}
	system := strings.ReplaceAll(a.promptTemplate, "{{TEAM}}", roster.String())
	if !strings.Contains(system, teamMemoryPlaceholder) {
		system += "\n\nShared conversation memory:\n" + teamMemoryPlaceholder
	}
	if memory == "" {
		memory = "(empty)"
	}
	return strings.ReplaceAll(system, teamMemoryPlaceholder, memory)
}

// sendMessagesParams is the structured input of the send_messages tool.
type sendMessagesParams struct {
	Messages []teamMessage `json:"messages"`
}

type teamMessage struct {
	Recipient string `json:"recipient"`
	Content   string `json:"content"`
}

// buildToolSet assembles the lead's per-call tools: the request-scoped
// send_messages closure plus any configured extras.
func (a *SupervisorAgent) buildToolSet(ctx context.Context, req domain.Request) (*tool.Set, error) {
	sendTool, err := tool.New(domain.ToolSpec{
		Name:        sendMessagesToolName,
		Description: "Send one or more messages to team members and collect their replies.",
		Properties: map[string]domain.PropertyDefinition{
			"messages": {
				Type:        "array",
				Description: `Messages to deliver, each {"recipient": "<member id>", "content": "<message>"}.`,
			},
		},
		Required: []string{"messages"},
	}, tool.Typed(func(ctx context.Context, p sendMessagesParams) (string, error) {
		return a.sendMessages(ctx, req.UserID, req.SessionID, p)
	}))
	if err != nil {
		return nil, err
	}

	set, err := tool.NewSet(sendTool)
	if err != nil {
		return nil, err
	}
	return set.Merge(a.extraTools)
}

// sendMessages fans the lead's outgoing messages out to team members with a
// bounded worker pool. Per-member failures become lines in the reply rather
// than failing the whole batch, so one slow or broken member cannot erase
// the others' answers.
func (a *SupervisorAgent) sendMessages(ctx context.Context, userID, sessionID string, p sendMessagesParams) (string, error) {
	if len(p.Messages) == 0 {
		return "", domain.NewDomainError("SupervisorAgent.sendMessages", domain.ErrInvalidConfiguration,
			"messages must not be empty")
	}

	lines := make([]string, len(p.Messages))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.maxConcurrency)
	for i, msg := range p.Messages {
		i, msg := i, msg
		g.Go(func() error {
			line := a.deliver(gctx, userID, sessionID, msg)
			mu.Lock()
			lines[i] = line
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return strings.Join(lines, "\n"), nil
}

func (a *SupervisorAgent) deliver(ctx context.Context, userID, sessionID string, msg teamMessage) string {
	member, ok := a.teamByID[domain.KeyFromName(msg.Recipient)]
	if !ok {
		return fmt.Sprintf("%s: unknown team member", msg.Recipient)
	}

	history, err := a.storage.FetchChat(ctx, userID, sessionID, member.ID(), 0)
	if err != nil {
		a.logger.Warn("fetching member history failed", "member", member.ID(), "error", err)
		history = nil
	}

	reply, err := member.ProcessRequest(ctx, domain.Request{
		Input:     msg.Content,
		UserID:    userID,
		SessionID: sessionID,
		History:   history,
	})
	if err != nil {
		a.logger.Error("team member failed", "member", member.ID(), "error", err)
		return fmt.Sprintf("%s: error: %v", member.Name(), err)
	}

	text := ""
	if reply != nil {
		text = reply.Text()
	}

	if member.SaveChat() {
		_, err := a.storage.SaveChatMessages(ctx, userID, sessionID, member.ID(), []domain.ConversationMessage{
			domain.NewTextMessage(domain.RoleUser, msg.Content),
			domain.NewTextMessage(domain.RoleAssistant, text),
		}, 0)
		if err != nil {
			a.logger.Warn("persisting team exchange failed", "member", member.ID(), "error", err)
		}
	}

	a.publishTeamMessage(ctx, sessionID, member.ID(), msg.Content)
	return fmt.Sprintf("%s: %s", member.Name(), text)
}

func (a *SupervisorAgent) publishTeamMessage(ctx context.Context, sessionID, memberID, content string) {
	if a.bus == nil {
		return
	}
	payload, _ := json.Marshal(map[string]string{"member": memberID, "content": content})
	a.bus.Publish(ctx, domain.Event{
		Type:      domain.EventTeamMessageSent,
		Timestamp: time.Now(),
		SessionID: sessionID,
		AgentID:   a.id,
		Payload:   payload,
	})
}
