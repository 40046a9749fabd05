package domain

import (
	"encoding/json"
	"strings"
)

// Role identifies who authored a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockType tags the variants of a ContentBlock.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ToolUseBlock is a model request to invoke a named tool.
type ToolUseBlock struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResultBlock carries the outcome of a tool invocation back to the model.
type ToolResultBlock struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

// ContentBlock is one element of a message body. Exactly one of the
// variant fields is set, indicated by Type.
type ContentBlock struct {
	Type       BlockType        `json:"type"`
	Text       string           `json:"text,omitempty"`
	ToolUse    *ToolUseBlock    `json:"tool_use,omitempty"`
	ToolResult *ToolResultBlock `json:"tool_result,omitempty"`
}

// TextBlock builds a plain text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ConversationMessage is one turn in a conversation: a role plus an
// ordered sequence of content blocks. Treated as immutable once built.
type ConversationMessage struct {
	Role    Role           `json:"role"`
	Content []ContentBlock `json:"content"`
}

// NewTextMessage builds a single-block text message.
func NewTextMessage(role Role, text string) ConversationMessage {
	return ConversationMessage{Role: role, Content: []ContentBlock{TextBlock(text)}}
}

// Text concatenates all text blocks of the message.
func (m ConversationMessage) Text() string {
	var sb strings.Builder
	for _, b := range m.Content {
		if b.Type == BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// ToolUses returns the tool-use blocks of the message, in order.
func (m ConversationMessage) ToolUses() []ToolUseBlock {
	var uses []ToolUseBlock
	for _, b := range m.Content {
		if b.Type == BlockToolUse && b.ToolUse != nil {
			uses = append(uses, *b.ToolUse)
		}
	}
	return uses
}

// HasToolUse reports whether any content block is a tool-use request.
func (m ConversationMessage) HasToolUse() bool {
	for _, b := range m.Content {
		if b.Type == BlockToolUse {
			return true
		}
	}
	return false
}

// TimestampedMessage extends ConversationMessage with a storage-ordering
// timestamp in milliseconds since epoch. The timestamp never reaches agents;
// FetchChat and FetchAllChats strip it.
type TimestampedMessage struct {
	ConversationMessage
	Timestamp int64 `json:"timestamp"`
}
