package store

import (
	"go.uber.org/zap"

	"github.com/mbenaiss/campus-chat/metrics"
	"github.com/mbenaiss/campus-chat/models"
)

// MergeIncoming appends a push-delivered message to the tail of its
// conversation unless a message with the same id is already stored. It never
// re-sorts. It reports whether the message was added.
func (s *Store) MergeIncoming(message models.Message) bool {
	if message.ID == "" || message.ConversationID == "" {
		s.logger.Warn("ignoring message without identity",
			zap.String("message_id", message.ID),
			zap.String("conversation_id", message.ConversationID))
		return false
	}

	s.mu.Lock()
	t := s.threads[message.ConversationID]
	if t == nil {
		t = newThread()
		s.threads[message.ConversationID] = t
	}
	if _, dup := t.ids[message.ID]; dup {
		s.mu.Unlock()
		metrics.DuplicatesAbsorbed.Inc()
		s.logger.Debug("duplicate delivery absorbed", zap.String("message_id", message.ID))
		return false
	}

	stored := message.Clone()
	t.ids[stored.ID] = struct{}{}
	t.messages = append(t.messages, stored)

	if i := s.indexOf(message.ConversationID); i >= 0 {
		conv := &s.conversations[i]
		conv.LastMessage = stored.Summary()
		if !stored.CreatedAt.IsZero() {
			conv.LastActivityAt = stored.CreatedAt
		}
	}
	s.mu.Unlock()

	metrics.MessagesMerged.Inc()
	s.emit(Change{Kind: MessageMerged, ConversationID: message.ConversationID, Messages: []models.Message{stored.Clone()}})
	return true
}

// ReplaceReactions swaps a stored message's reaction aggregate for the one
// the server pushed. Counts are never combined with the previous list.
// Unknown message ids are ignored.
func (s *Store) ReplaceReactions(messageID string, aggregate []models.Reaction) bool {
	s.mu.Lock()
	m := s.findMessage(messageID)
	if m == nil {
		s.mu.Unlock()
		return false
	}
	m.Reactions = models.CloneReactions(aggregate)
	if m.Reactions == nil {
		m.Reactions = []models.Reaction{}
	}
	for i := range m.Reactions {
		m.Reactions[i].MessageID = messageID
	}
	updated := m.Clone()
	s.mu.Unlock()

	s.emit(Change{Kind: ReactionsReplaced, ConversationID: updated.ConversationID, Messages: []models.Message{updated}})
	return true
}
