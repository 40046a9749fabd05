package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"conductor/internal/domain"
)

// record pairs a stored message with an insertion sequence number so that
// the cross-agent merge stays deterministic when timestamps collide.
type record struct {
	domain.TimestampedMessage
	seq uint64
}

// InMemory is the reference ChatStorage. A single mutex serializes the
// read-modify-write save sequence across concurrent writers.
type InMemory struct {
	mu   sync.Mutex
	data map[string][]record
	seq  uint64
	now  func() int64 // milliseconds since epoch; swappable for tests
}

// NewInMemory creates an empty in-memory chat storage.
func NewInMemory() *InMemory {
	return &InMemory{
		data: make(map[string][]record),
		now:  func() int64 { return time.Now().UnixMilli() },
	}
}

func (s *InMemory) stamp(key string, msg domain.ConversationMessage) record {
	ts := s.now()
	if hist := s.data[key]; len(hist) > 0 && hist[len(hist)-1].Timestamp > ts {
		// Keep timestamps non-decreasing even if the clock steps back.
		ts = hist[len(hist)-1].Timestamp
	}
	s.seq++
	return record{
		TimestampedMessage: domain.TimestampedMessage{ConversationMessage: msg, Timestamp: ts},
		seq:                s.seq,
	}
}

// SaveChatMessage implements domain.ChatStorage.
func (s *InMemory) SaveChatMessage(_ context.Context, userID, sessionID, agentID string, msg domain.ConversationMessage, maxHistorySize int) ([]domain.ConversationMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := compositeKey(userID, sessionID, agentID)
	history := s.data[key]
	if suppressedRecords(history, msg) {
		return strippedRecords(history), nil
	}
	history = append(history, s.stamp(key, msg))
	history = trimRecords(history, maxHistorySize)
	s.data[key] = history
	return strippedRecords(history), nil
}

// SaveChatMessages implements domain.ChatStorage. The batch applies to a
// working copy first, so a caller never observes partial application.
func (s *InMemory) SaveChatMessages(_ context.Context, userID, sessionID, agentID string, msgs []domain.ConversationMessage, maxHistorySize int) ([]domain.ConversationMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := compositeKey(userID, sessionID, agentID)
	history := append([]record(nil), s.data[key]...)
	for _, msg := range msgs {
		if suppressedRecords(history, msg) {
			continue
		}
		history = append(history, s.stamp(key, msg))
		// stamp reads s.data for the non-decreasing check; keep it current.
		s.data[key] = history
	}
	history = trimRecords(history, maxHistorySize)
	s.data[key] = history
	return strippedRecords(history), nil
}

// FetchChat implements domain.ChatStorage.
func (s *InMemory) FetchChat(_ context.Context, userID, sessionID, agentID string, maxHistorySize int) ([]domain.ConversationMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := s.data[compositeKey(userID, sessionID, agentID)]
	return strippedRecords(trimRecords(history, maxHistorySize)), nil
}

// FetchAllChats implements domain.ChatStorage.
func (s *InMemory) FetchAllChats(_ context.Context, userID, sessionID string) ([]domain.ConversationMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := sessionPrefix(userID, sessionID)
	type labelled struct {
		record
		agentID string
	}
	var all []labelled
	for key, history := range s.data {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		agentID := agentIDFromKey(key)
		for _, rec := range history {
			all = append(all, labelled{record: rec, agentID: agentID})
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Timestamp != all[j].Timestamp {
			return all[i].Timestamp < all[j].Timestamp
		}
		return all[i].seq < all[j].seq
	})

	out := make([]domain.ConversationMessage, len(all))
	for i, rec := range all {
		out[i] = labelAssistant(rec.ConversationMessage, rec.agentID)
	}
	return out, nil
}

func suppressedRecords(history []record, msg domain.ConversationMessage) bool {
	if len(history) == 0 {
		return false
	}
	return history[len(history)-1].Role == msg.Role
}

func trimRecords(history []record, max int) []record {
	if max <= 0 {
		return history
	}
	adjusted := max - max%2
	if len(history) <= adjusted {
		return history
	}
	return history[len(history)-adjusted:]
}

func strippedRecords(history []record) []domain.ConversationMessage {
	out := make([]domain.ConversationMessage, len(history))
	for i, rec := range history {
		out[i] = rec.ConversationMessage
	}
	return out
}
