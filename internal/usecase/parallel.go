package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"conductor/internal/domain"
	"conductor/internal/infra/tracer"
)

// ParallelAgent fans the same input out to every member concurrently and
// aggregates their outputs into one labelled message. Output order follows
// member registration order regardless of completion order.
type ParallelAgent struct {
	id          string
	name        string
	description string
	members     []domain.Agent
	saveChat    bool
	logger      *slog.Logger
}

type ParallelAgentOptions struct {
	Name            string
	Description     string
	Members         []domain.Agent
	DisableChatSave bool
	Logger          *slog.Logger
}

func NewParallelAgent(opts ParallelAgentOptions) (*ParallelAgent, error) {
	if opts.Name == "" {
		return nil, domain.NewDomainError("NewParallelAgent", domain.ErrInvalidConfiguration, "agent name must not be empty")
	}
	if len(opts.Members) == 0 {
		return nil, domain.NewDomainError("NewParallelAgent", domain.ErrInvalidConfiguration, "parallel group requires at least one member")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &ParallelAgent{
		id:          domain.KeyFromName(opts.Name),
		name:        opts.Name,
		description: opts.Description,
		members:     opts.Members,
		saveChat:    !opts.DisableChatSave,
		logger:      opts.Logger.With("agent", domain.KeyFromName(opts.Name)),
	}, nil
}

func (a *ParallelAgent) ID() string          { return a.id }
func (a *ParallelAgent) Name() string        { return a.name }
func (a *ParallelAgent) Description() string { return a.description }
func (a *ParallelAgent) SaveChat() bool      { return a.saveChat }
func (a *ParallelAgent) Streaming() bool     { return false }

// ProcessRequest implements domain.Agent. Any member error fails the whole
// group; the first error wins and cancels the rest.
func (a *ParallelAgent) ProcessRequest(ctx context.Context, req domain.Request) (*domain.ConversationMessage, error) {
	ctx, span := tracer.StartSpan(ctx, tracer.SpanParallel, tracer.Agent(a.id), tracer.Count("members", len(a.members)))
	defer span.End()

	outputs := make([]*domain.ConversationMessage, len(a.members))
	g, gctx := errgroup.WithContext(ctx)
	for i, member := range a.members {
		i, member := i, member
		g.Go(func() error {
			out, err := member.ProcessRequest(gctx, domain.Request{
				Input:            req.Input,
				UserID:           req.UserID,
				SessionID:        req.SessionID,
				History:          req.History,
				AdditionalParams: req.AdditionalParams,
			})
			if err != nil {
				return fmt.Errorf("%s: %w", member.ID(), err)
			}
			outputs[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		tracer.RecordError(span, err)
		return nil, domain.WrapOp("ParallelAgent.ProcessRequest", err)
	}

	var sb strings.Builder
	for i, out := range outputs {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		text := ""
		if out != nil {
			text = out.Text()
		}
		fmt.Fprintf(&sb, "%s: %s", a.members[i].Name(), text)
	}
	msg := domain.NewTextMessage(domain.RoleAssistant, sb.String())
	tracer.SetOK(span)
	return &msg, nil
}
