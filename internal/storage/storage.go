// Package storage provides ChatStorage backends: an in-memory reference
// implementation and a SQLite-backed one. Both share the suppression and
// trimming rules defined here.
package storage

import (
	"strings"

	"conductor/internal/domain"
)

// compositeKey joins the history key parts. Agent ids cannot contain "#"
// (KeyFromName strips it), so the join is unambiguous.
func compositeKey(userID, sessionID, agentID string) string {
	return userID + "#" + sessionID + "#" + agentID
}

// sessionPrefix is the key prefix shared by every agent of one session.
func sessionPrefix(userID, sessionID string) string {
	return userID + "#" + sessionID + "#"
}

// agentIDFromKey extracts the agent id back out of a composite key.
func agentIDFromKey(key string) string {
	idx := strings.LastIndexByte(key, '#')
	if idx < 0 {
		return key
	}
	return key[idx+1:]
}

// suppressed reports whether appending msg would violate the
// consecutive-role invariant: the save is a no-op when the last stored
// message has the same role.
func suppressed(history []domain.TimestampedMessage, msg domain.ConversationMessage) bool {
	if len(history) == 0 {
		return false
	}
	return history[len(history)-1].Role == msg.Role
}

// trimToPairs trims the history from the front so that at most an even
// number of messages remains. An odd max rounds down; max <= 0 means
// unlimited.
func trimToPairs(history []domain.TimestampedMessage, max int) []domain.TimestampedMessage {
	if max <= 0 {
		return history
	}
	adjusted := max - max%2
	if len(history) <= adjusted {
		return history
	}
	return history[len(history)-adjusted:]
}

// stripTimestamps converts stored records to plain ConversationMessages.
func stripTimestamps(history []domain.TimestampedMessage) []domain.ConversationMessage {
	out := make([]domain.ConversationMessage, len(history))
	for i, m := range history {
		out[i] = m.ConversationMessage
	}
	return out
}

// labelAssistant rewrites an assistant message so its text carries the
// originating agent id as a "[agent_id] " prefix. The message is rebuilt
// as a single text block, so tool-use and tool-result blocks do not
// survive the merge; user messages pass through unchanged.
func labelAssistant(msg domain.ConversationMessage, agentID string) domain.ConversationMessage {
	if msg.Role != domain.RoleAssistant {
		return msg
	}
	return domain.NewTextMessage(domain.RoleAssistant, "["+agentID+"] "+msg.Text())
}
