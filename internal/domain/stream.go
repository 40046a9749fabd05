package domain

// StreamChunk is one element of a lazy agent response. Intermediate chunks
// carry Text; the terminal chunk has Done set and carries either the
// reassembled Final message or Err. Consumers may stop iterating early, in
// which case the producer must notice context cancellation and stop.
type StreamChunk struct {
	Text  string
	Done  bool
	Final *ConversationMessage
	Err   error
}
