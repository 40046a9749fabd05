// Package tool implements the function-calling subsystem: declarative tool
// descriptors, per-provider schema projection, and dispatch of tool-use
// blocks to Go callables.
package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"conductor/internal/domain"
)

// Tool binds an immutable descriptor to its callable.
type Tool struct {
	Spec domain.ToolSpec
	Fn   domain.ToolFunc
}

// New creates a tool from a declarative spec. This is the primary
// construction path; Typed adds a convenience layer on top.
func New(spec domain.ToolSpec, fn domain.ToolFunc) (*Tool, error) {
	if spec.Name == "" {
		return nil, domain.NewDomainError("tool.New", domain.ErrInvalidConfiguration, "tool name must not be empty")
	}
	if fn == nil {
		return nil, domain.NewDomainError("tool.New", domain.ErrInvalidConfiguration, "tool function must not be nil")
	}
	return &Tool{Spec: spec, Fn: fn}, nil
}

// Typed wraps a strongly-typed handler as a ToolFunc: the raw structured
// input is unmarshalled into P before the handler runs.
func Typed[P any](fn func(ctx context.Context, p P) (string, error)) domain.ToolFunc {
	return func(ctx context.Context, input json.RawMessage) (string, error) {
		var p P
		if len(input) > 0 {
			if err := json.Unmarshal(input, &p); err != nil {
				return "", fmt.Errorf("decode tool input: %w", err)
			}
		}
		return fn(ctx, p)
	}
}
