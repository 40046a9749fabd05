package domain

import "context"

// ChatStorage persists per-(user, session, agent) conversation history.
//
// Implementations must uphold three invariants:
//   - consecutive-role suppression: saving a message whose role equals the
//     currently-last stored message's role is a no-op returning the existing
//     history unchanged;
//   - front trimming: when maxHistorySize > 0 the history is trimmed
//     oldest-first to an even count (odd sizes round down), keeping
//     user/assistant pairs intact;
//   - serialized writes: the read-modify-write save sequence must be safe
//     under concurrent writers to the same key.
//
// A maxHistorySize of 0 means unlimited. Returned histories are oldest-first
// with timestamps stripped. Storage failures propagate unmodified.
type ChatStorage interface {
	SaveChatMessage(ctx context.Context, userID, sessionID, agentID string, msg ConversationMessage, maxHistorySize int) ([]ConversationMessage, error)
	// SaveChatMessages applies a batch of messages atomically: either every
	// message is run through the suppression/trim/persist sequence or none is.
	SaveChatMessages(ctx context.Context, userID, sessionID, agentID string, msgs []ConversationMessage, maxHistorySize int) ([]ConversationMessage, error)
	FetchChat(ctx context.Context, userID, sessionID, agentID string, maxHistorySize int) ([]ConversationMessage, error)
	// FetchAllChats merges every agent's history for the session into one
	// timestamp-ordered timeline. Assistant-authored text is prefixed with
	// "[agent_id] " so consumers can tell which agent produced which line.
	FetchAllChats(ctx context.Context, userID, sessionID string) ([]ConversationMessage, error)
}
