package domain

import (
	"context"
	"encoding/json"
)

// ProviderKind is the closed set of tool wire dialects the dispatch layer
// can render. Switches over ProviderKind must be exhaustive.
type ProviderKind string

const (
	ProviderAnthropic ProviderKind = "anthropic"
	ProviderBedrock   ProviderKind = "bedrock"
)

// PropertyDefinition describes one tool parameter.
type PropertyDefinition struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
}

// ToolSpec is a provider-agnostic tool descriptor: built once at
// construction time, immutable thereafter.
type ToolSpec struct {
	Name        string
	Description string
	Properties  map[string]PropertyDefinition
	Required    []string
}

// ToolFunc is the callable behind a tool descriptor. Input is the raw
// structured input from the model's tool-use block.
type ToolFunc func(ctx context.Context, input json.RawMessage) (string, error)

// ToolSchema is a tool rendered into one provider's JSON-schema dialect.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolDispatcher turns a model response containing tool-use blocks into a
// single aggregated tool-result message. An unknown tool name yields a
// textual "not found" result block, never an error, so the recursion loop
// keeps going.
type ToolDispatcher interface {
	Schemas(kind ProviderKind) []ToolSchema
	Dispatch(ctx context.Context, response ConversationMessage) (*ConversationMessage, error)
}
