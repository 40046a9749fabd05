package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"conductor/internal/domain"
)

// Set owns an ordered list of tool descriptors. It is the single place that
// knows how to render them into a provider's wire format and how to route an
// incoming tool-use block to the matching callable.
type Set struct {
	ordered []*Tool
	byName  map[string]*Tool
}

// NewSet creates a tool set. Duplicate names are a configuration error.
func NewSet(tools ...*Tool) (*Set, error) {
	s := &Set{byName: make(map[string]*Tool, len(tools))}
	for _, t := range tools {
		if err := s.Register(t); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Register appends a tool. Returns a configuration error on duplicate names.
func (s *Set) Register(t *Tool) error {
	name := t.Spec.Name
	if _, exists := s.byName[name]; exists {
		return domain.NewDomainError("tool.Set.Register", domain.ErrInvalidConfiguration,
			fmt.Sprintf("tool %q already registered", name))
	}
	s.ordered = append(s.ordered, t)
	s.byName[name] = t
	return nil
}

// Len returns the number of registered tools.
func (s *Set) Len() int { return len(s.ordered) }

// Merge returns a new Set containing the receiver's tools plus extra ones.
// Neither input is modified.
func (s *Set) Merge(extra *Set) (*Set, error) {
	merged, err := NewSet(s.ordered...)
	if err != nil {
		return nil, err
	}
	if extra != nil {
		for _, t := range extra.ordered {
			if err := merged.Register(t); err != nil {
				return nil, err
			}
		}
	}
	return merged, nil
}

// Schemas projects the descriptor set into the given provider's JSON-schema
// dialect. Pure and deterministic; no side effects.
func (s *Set) Schemas(kind domain.ProviderKind) []domain.ToolSchema {
	out := make([]domain.ToolSchema, 0, len(s.ordered))
	for _, t := range s.ordered {
		out = append(out, projectSchema(kind, t.Spec))
	}
	return out
}

// Dispatch scans response's content blocks for tool-use requests, invokes
// each matching callable with the block's structured input, and aggregates
// every result into one user-role reply message (tool results are
// environment responses fed back to the model). A name with no matching
// descriptor yields a textual "not found" result block rather than an
// error, keeping the recursion loop alive.
func (s *Set) Dispatch(ctx context.Context, response domain.ConversationMessage) (*domain.ConversationMessage, error) {
	uses := response.ToolUses()
	if len(uses) == 0 {
		return nil, domain.NewDomainError("tool.Set.Dispatch", domain.ErrInvalidConfiguration,
			"response contains no tool-use blocks")
	}

	blocks := make([]domain.ContentBlock, 0, len(uses))
	for _, use := range uses {
		blocks = append(blocks, domain.ContentBlock{
			Type:       domain.BlockToolResult,
			ToolResult: s.invoke(ctx, use),
		})
	}
	reply := domain.ConversationMessage{Role: domain.RoleUser, Content: blocks}
	return &reply, nil
}

func (s *Set) invoke(ctx context.Context, use domain.ToolUseBlock) *domain.ToolResultBlock {
	t, ok := s.byName[use.Name]
	if !ok {
		return &domain.ToolResultBlock{
			ToolUseID: use.ID,
			Content:   fmt.Sprintf("tool %q not found", use.Name),
			IsError:   true,
		}
	}
	result, err := t.Fn(ctx, use.Input)
	if err != nil {
		return &domain.ToolResultBlock{ToolUseID: use.ID, Content: err.Error(), IsError: true}
	}
	return &domain.ToolResultBlock{ToolUseID: use.ID, Content: result}
}

// projectSchema renders one spec into the provider dialect. ProviderKind is
// a closed set; the switch is the single place dialects are told apart.
func projectSchema(kind domain.ProviderKind, spec domain.ToolSpec) domain.ToolSchema {
	properties := spec.Properties
	if properties == nil {
		properties = map[string]domain.PropertyDefinition{}
	}
	required := spec.Required
	if required == nil {
		required = []string{}
	}
	inputSchema := map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}

	var params any
	switch kind {
	case domain.ProviderBedrock:
		params = map[string]any{"json": inputSchema}
	case domain.ProviderAnthropic:
		params = inputSchema
	default:
		params = inputSchema
	}

	raw, _ := json.Marshal(params)
	return domain.ToolSchema{
		Name:        spec.Name,
		Description: spec.Description,
		Parameters:  raw,
	}
}
