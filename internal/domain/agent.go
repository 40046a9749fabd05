package domain

import (
	"context"
	"regexp"
	"strings"
)

// Request carries everything an agent needs for one call. All per-request
// state travels here rather than on agent instances, so a single agent can
// serve concurrent requests safely.
type Request struct {
	Input            string
	UserID           string
	SessionID        string
	History          []ConversationMessage
	AdditionalParams map[string]string
}

// Agent is a unit of work: given input text plus history it produces a
// complete message. Composite agents (chain, parallel, supervisor)
// implement the same interface and recursively drive other Agents.
type Agent interface {
	// ID is derived from Name via KeyFromName and is stable for the
	// lifetime of the process.
	ID() string
	Name() string
	// Description is used verbatim inside classifier and supervisor prompts.
	Description() string
	// SaveChat reports whether exchanges with this agent persist to storage.
	SaveChat() bool
	// Streaming reports whether ProcessStream should be preferred.
	Streaming() bool
	ProcessRequest(ctx context.Context, req Request) (*ConversationMessage, error)
}

// StreamingAgent is implemented by agents that can produce a lazy sequence
// of chunks instead of one complete message.
type StreamingAgent interface {
	Agent
	ProcessStream(ctx context.Context, req Request) (<-chan StreamChunk, error)
}

// AgentProcessingResult is the metadata envelope created once per routed
// request.
type AgentProcessingResult struct {
	UserInput        string            `json:"user_input"`
	AgentID          string            `json:"agent_id"`
	AgentName        string            `json:"agent_name"`
	UserID           string            `json:"user_id"`
	SessionID        string            `json:"session_id"`
	// Confidence is the classifier's confidence in the agent selection,
	// in [0,1]. Exactly 0 when the default agent was substituted.
	Confidence       float64           `json:"confidence"`
	AdditionalParams map[string]string `json:"additional_params,omitempty"`
}

// AgentResponse is what RouteRequest returns to the caller. Exactly one of
// Output and Stream is set; Streaming says which.
type AgentResponse struct {
	Metadata  AgentProcessingResult
	Output    *ConversationMessage
	Stream    <-chan StreamChunk
	Streaming bool
	// SaveError is non-nil when the agent produced a response but persisting
	// the exchange failed. The response is still usable; callers that care
	// about durability must check it.
	SaveError error
}

// OutputText returns the textual content of a non-streaming response.
func (r AgentResponse) OutputText() string {
	if r.Output == nil {
		return ""
	}
	return r.Output.Text()
}

var (
	keyStripRe = regexp.MustCompile(`[^a-z0-9\s-]+`)
	keySpaceRe = regexp.MustCompile(`\s+`)
)

// KeyFromName derives a stable agent id from a display name: lowercase,
// characters outside [a-z0-9 -] removed, leading whitespace dropped, and
// every remaining whitespace run collapsed to a single hyphen.
// "Tech Agent" becomes "tech-agent". Idempotent.
func KeyFromName(name string) string {
	key := strings.ToLower(name)
	key = keyStripRe.ReplaceAllString(key, "")
	key = strings.TrimLeft(key, " \t\r\n")
	key = keySpaceRe.ReplaceAllString(key, "-")
	return key
}
