package domain

import "context"

// ClassifierResult is the outcome of routing classification.
// SelectedAgent == nil is a meaningful state: no agent matched the input.
// It is distinct from the orchestrator's default-agent fallback, which sets
// a concrete agent with Confidence 0.
type ClassifierResult struct {
	SelectedAgent Agent
	Confidence    float64
}

// Classifier maps (input text, chat history) to the agent that should
// handle the request.
type Classifier interface {
	Classify(ctx context.Context, input string, history []ConversationMessage) (ClassifierResult, error)
	// SetAgents rebuilds the agent-description block used in the prompt.
	// Must be called whenever the orchestrator's registry changes.
	SetAgents(agents map[string]Agent)
}
