package services

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/mbenaiss/campus-chat/models"
	"github.com/mbenaiss/campus-chat/subscriptions"
	"github.com/mbenaiss/campus-chat/transport"
)

// Open starts a conversation view: its message and typing topics are
// subscribed, the newest page is loaded and its messages' reactions are
// tracked. Opening an open conversation only restores missing topics.
// Subscriptions that fail because the broker is down are retried on the
// next connect.
func (s *service) Open(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	_, already := s.open[conversationID]
	s.open[conversationID] = struct{}{}
	s.mu.Unlock()

	s.subscribeTopics(conversationID)
	if already {
		return nil
	}

	if err := s.loadLatest(ctx, conversationID); err != nil {
		return err
	}
	s.logger.Debug("conversation opened", zap.String("conversation_id", conversationID))
	return nil
}

// Close ends a conversation view and releases everything it owned
func (s *service) Close(conversationID string) {
	s.viewMu.Lock()
	s.mu.Lock()
	delete(s.open, conversationID)
	delete(s.outbox, conversationID)
	s.mu.Unlock()
	s.viewMu.Unlock()

	s.registry.UnsubscribeAll(subscriptions.ConversationPrefix(conversationID))
	s.typing.Stop(conversationID)
	s.typing.Clear(conversationID)
	s.reactions.Untrack(conversationID)
	s.attachments.ReleaseConversation(conversationID)
	s.store.Discard(conversationID)
}

// Resync re-fetches the newest page. Gaps left by a reconnect are closed
// only this way.
func (s *service) Resync(ctx context.Context, conversationID string) error {
	return s.loadLatest(ctx, conversationID)
}

// LoadOlder prepends the next older page
func (s *service) LoadOlder(ctx context.Context, conversationID string) (int, bool, error) {
	added, hasMore, err := s.store.LoadOlder(ctx, conversationID)
	if err != nil {
		return 0, false, err
	}
	s.trackReactions(conversationID)
	return added, hasMore, nil
}

func (s *service) loadLatest(ctx context.Context, conversationID string) error {
	if _, _, err := s.store.LoadMessagePage(ctx, conversationID, 0, s.pageSize); err != nil {
		return err
	}
	s.trackReactions(conversationID)
	return nil
}

func (s *service) subscribeTopics(conversationID string) {
	s.viewMu.Lock()
	defer s.viewMu.Unlock()
	if !s.isOpen(conversationID) {
		return
	}

	topics := []struct {
		key, destination string
		handler          transport.Handler
	}{
		{subscriptions.MessagesKey(conversationID), subscriptions.MessagesTopic(conversationID), s.messageHandler(conversationID)},
		{subscriptions.TypingKey(conversationID), subscriptions.TypingTopic(conversationID), s.typingHandler(conversationID)},
	}
	for _, topic := range topics {
		if s.registry.Has(topic.key) {
			continue
		}
		if err := s.registry.Subscribe(topic.key, topic.destination, topic.handler); err != nil && !errors.Is(err, transport.ErrNotConnected) {
			s.logger.Error("subscribe topic", zap.String("key", topic.key), zap.Error(err))
		}
	}
}

func (s *service) trackReactions(conversationID string) {
	s.viewMu.Lock()
	defer s.viewMu.Unlock()
	if !s.isOpen(conversationID) {
		return
	}
	messages := s.store.Messages(conversationID)
	ids := make([]string, len(messages))
	for i, m := range messages {
		ids[i] = m.ID
	}
	if err := s.reactions.TrackAll(conversationID, ids); err != nil && !errors.Is(err, transport.ErrNotConnected) {
		s.logger.Warn("track reactions", zap.String("conversation_id", conversationID), zap.Error(err))
	}
}

// onConnectionChange restores what the registry cannot replay: topics of
// conversations opened while disconnected and reaction topics that never
// got subscribed. Missed messages are not backfilled.
func (s *service) onConnectionChange(connected bool) {
	if !connected {
		return
	}
	for _, id := range s.openConversations() {
		s.subscribeTopics(id)
		s.trackReactions(id)
	}
}

func (s *service) messageHandler(conversationID string) transport.Handler {
	return func(msg transport.Message) {
		s.ingestMessage(conversationID, msg.Body)
	}
}

func (s *service) typingHandler(conversationID string) transport.Handler {
	return func(msg transport.Message) {
		s.ingestTyping(conversationID, msg.Body)
	}
}

// ingestMessage is the single entry point for pushed messages
func (s *service) ingestMessage(conversationID string, body []byte) {
	var message models.Message
	if err := json.Unmarshal(body, &message); err != nil {
		s.logger.Warn("dropping malformed message push", zap.String("conversation_id", conversationID), zap.Error(err))
		return
	}
	if message.ConversationID == "" {
		message.ConversationID = conversationID
	}

	s.viewMu.Lock()
	defer s.viewMu.Unlock()
	if message.ConversationID != conversationID || !s.isOpen(conversationID) {
		s.logger.Debug("dropping message push for another view",
			zap.String("topic_conversation_id", conversationID),
			zap.String("message_conversation_id", message.ConversationID))
		return
	}

	if !s.store.MergeIncoming(message) {
		return
	}
	if message.SenderID == s.userID {
		s.settleOutbox(message)
	}
	if err := s.reactions.Track(conversationID, message.ID); err != nil && !errors.Is(err, transport.ErrNotConnected) {
		s.logger.Warn("track reactions", zap.String("message_id", message.ID), zap.Error(err))
	}
}

// ingestTyping is the single entry point for pushed typing events
func (s *service) ingestTyping(conversationID string, body []byte) {
	var indicator models.TypingIndicator
	if err := json.Unmarshal(body, &indicator); err != nil {
		s.logger.Warn("dropping malformed typing push", zap.String("conversation_id", conversationID), zap.Error(err))
		return
	}
	if indicator.ConversationID == "" {
		indicator.ConversationID = conversationID
	}

	s.viewMu.Lock()
	defer s.viewMu.Unlock()
	if !s.isOpen(conversationID) {
		return
	}
	s.typing.Receive(indicator)
}
