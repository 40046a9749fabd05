package usecase

import (
	"context"
	"log/slog"

	"conductor/internal/domain"
	"conductor/internal/infra/tracer"
)

// chainDefaultOutput stands in when an intermediate member yields nothing
// usable to pipe forward.
const chainDefaultOutput = "No output generated from the chain"

// ChainAgent runs its members sequentially, piping each member's text
// output into the next member's input. Composite: implements domain.Agent
// so chains can nest inside other composites.
type ChainAgent struct {
	id          string
	name        string
	description string
	members     []domain.Agent
	defaultOut  string
	saveChat    bool
	logger      *slog.Logger
}

// ChainAgentOptions configures a ChainAgent. At least one member is
// required.
type ChainAgentOptions struct {
	Name        string
	Description string
	Members     []domain.Agent
	// DefaultOutput replaces a member's missing output. Empty uses the
	// built-in placeholder.
	DefaultOutput   string
	DisableChatSave bool
	Logger          *slog.Logger
}

func NewChainAgent(opts ChainAgentOptions) (*ChainAgent, error) {
	if opts.Name == "" {
		return nil, domain.NewDomainError("NewChainAgent", domain.ErrInvalidConfiguration, "agent name must not be empty")
	}
	if len(opts.Members) == 0 {
		return nil, domain.NewDomainError("NewChainAgent", domain.ErrInvalidConfiguration, "chain requires at least one member")
	}
	if opts.DefaultOutput == "" {
		opts.DefaultOutput = chainDefaultOutput
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &ChainAgent{
		id:          domain.KeyFromName(opts.Name),
		name:        opts.Name,
		description: opts.Description,
		members:     opts.Members,
		defaultOut:  opts.DefaultOutput,
		saveChat:    !opts.DisableChatSave,
		logger:      opts.Logger.With("agent", domain.KeyFromName(opts.Name)),
	}, nil
}

func (a *ChainAgent) ID() string          { return a.id }
func (a *ChainAgent) Name() string        { return a.name }
func (a *ChainAgent) Description() string { return a.description }
func (a *ChainAgent) SaveChat() bool      { return a.saveChat }

// Streaming reports whether the final member streams. Only the last link
// may stream, because every other link's output must be fully realized
// before it can be piped forward.
func (a *ChainAgent) Streaming() bool {
	return a.members[len(a.members)-1].Streaming()
}

// ProcessRequest implements domain.Agent. A member error aborts the chain.
func (a *ChainAgent) ProcessRequest(ctx context.Context, req domain.Request) (*domain.ConversationMessage, error) {
	ctx, span := tracer.StartSpan(ctx, tracer.SpanChain, tracer.Agent(a.id))
	defer span.End()

	input := req.Input
	var final *domain.ConversationMessage
	for i, member := range a.members {
		out, err := member.ProcessRequest(ctx, domain.Request{
			Input:            input,
			UserID:           req.UserID,
			SessionID:        req.SessionID,
			History:          req.History,
			AdditionalParams: req.AdditionalParams,
		})
		if err != nil {
			tracer.RecordError(span, err)
			return nil, domain.WrapOp("ChainAgent.ProcessRequest", err)
		}
		final = out

		if i == len(a.members)-1 {
			break
		}
		// A streaming member cannot feed the next link synchronously, and a
		// member without text output has nothing to pipe. Either way the
		// chain is misconfigured: stop here and answer with the default
		// output instead of running the remaining members.
		if member.Streaming() || out == nil || out.Text() == "" {
			a.logger.Warn("chain stopped: member produced no pipeable output", "member", member.ID())
			fallback := domain.NewTextMessage(domain.RoleAssistant, a.defaultOut)
			tracer.SetOK(span)
			return &fallback, nil
		}
		input = out.Text()
	}

	if final == nil {
		fallback := domain.NewTextMessage(domain.RoleAssistant, a.defaultOut)
		final = &fallback
	}
	tracer.SetOK(span)
	return final, nil
}

// ProcessStream delegates the last link to a streaming member after running
// every earlier link synchronously.
func (a *ChainAgent) ProcessStream(ctx context.Context, req domain.Request) (<-chan domain.StreamChunk, error) {
	last := a.members[len(a.members)-1]
	streamer, ok := last.(domain.StreamingAgent)
	if !ok || !last.Streaming() {
		return nil, domain.NewDomainError("ChainAgent.ProcessStream", domain.ErrInvalidConfiguration,
			"final chain member does not stream")
	}

	input := req.Input
	for _, member := range a.members[:len(a.members)-1] {
		out, err := member.ProcessRequest(ctx, domain.Request{
			Input:            input,
			UserID:           req.UserID,
			SessionID:        req.SessionID,
			History:          req.History,
			AdditionalParams: req.AdditionalParams,
		})
		if err != nil {
			return nil, domain.WrapOp("ChainAgent.ProcessStream", err)
		}
		if member.Streaming() || out == nil || out.Text() == "" {
			a.logger.Warn("chain stopped: member produced no pipeable output", "member", member.ID())
			return a.defaultStream(), nil
		}
		input = out.Text()
	}

	return streamer.ProcessStream(ctx, domain.Request{
		Input:            input,
		UserID:           req.UserID,
		SessionID:        req.SessionID,
		History:          req.History,
		AdditionalParams: req.AdditionalParams,
	})
}

// defaultStream is the streaming form of the short-circuit answer: one text
// chunk carrying the default output, then the terminal chunk.
func (a *ChainAgent) defaultStream() <-chan domain.StreamChunk {
	final := domain.NewTextMessage(domain.RoleAssistant, a.defaultOut)
	ch := make(chan domain.StreamChunk, 2)
	ch <- domain.StreamChunk{Text: a.defaultOut}
	ch <- domain.StreamChunk{Done: true, Final: &final}
	close(ch)
	return ch
}
