package services

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mbenaiss/campus-chat/models"
	"github.com/mbenaiss/campus-chat/store"
)

const archiveTimeout = 5 * time.Second

// archiveItem pairs a store change with the conversation summaries it
// touched, read when the change happened
type archiveItem struct {
	change        store.Change
	conversations []models.Conversation
}

func (s *service) enqueue(change store.Change) {
	item := archiveItem{change: change}
	switch change.Kind {
	case store.ConversationsLoaded:
		item.conversations = s.store.Conversations()
	case store.MessageMerged, store.ConversationUpdated, store.ConversationRead:
		if conversation, ok := s.store.Conversation(change.ConversationID); ok {
			item.conversations = []models.Conversation{conversation}
		}
	}

	select {
	case s.changes <- item:
	case <-s.done:
	}
}

// archiveChanges mirrors store changes into the archive until shutdown,
// then drains what is already queued
func (s *service) archiveChanges() {
	defer close(s.drained)
	for {
		select {
		case item := <-s.changes:
			s.archive(item)
		case <-s.done:
			for {
				select {
				case item := <-s.changes:
					s.archive(item)
				default:
					return
				}
			}
		}
	}
}

func (s *service) archive(item archiveItem) {
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()

	for _, conversation := range item.conversations {
		if err := s.archiveDB.StoreConversation(ctx, conversation); err != nil {
			s.logger.Error("Error storing conversation", zap.String("conversation_id", conversation.ID), zap.Error(err))
		}
	}
	for _, msg := range item.change.Messages {
		if err := s.archiveDB.StoreMessage(ctx, msg); err != nil {
			s.logger.Error("Error storing message", zap.String("message_id", msg.ID), zap.Error(err))
		}
	}
}
