package store

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mbenaiss/campus-chat/models"
)

// LoadConversations replaces the conversation list with the server snapshot,
// keeping the server's order.
func (s *Store) LoadConversations(ctx context.Context) error {
	s.mu.Lock()
	epoch := s.epoch
	s.mu.Unlock()

	conversations, err := s.api.ListConversations(ctx)
	if err != nil {
		return fmt.Errorf("load conversations: %w", err)
	}

	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		return nil
	}
	s.conversations = make([]models.Conversation, len(conversations))
	for i, c := range conversations {
		s.conversations[i] = c.Clone()
	}
	s.mu.Unlock()

	s.logger.Debug("conversations loaded", zap.Int("count", len(conversations)))
	s.emit(Change{Kind: ConversationsLoaded})
	return nil
}

// LoadMessagePage fetches one newest-first page and stores it oldest-first.
// Page 0 replaces the conversation's messages; later pages are prepended,
// skipping ids already stored. It returns the number of messages added and
// whether older pages are likely available. A result that arrives after the
// conversation was discarded is dropped.
func (s *Store) LoadMessagePage(ctx context.Context, conversationID string, page, size int) (added int, hasMore bool, err error) {
	if page < 0 || size <= 0 {
		return 0, false, fmt.Errorf("load messages of %s: invalid page %d size %d", conversationID, page, size)
	}

	s.mu.Lock()
	snap := s.snapshotLocked(conversationID)
	s.mu.Unlock()

	newestFirst, err := s.api.ListMessages(ctx, conversationID, page, size)
	if err != nil {
		return 0, false, fmt.Errorf("load messages of %s: %w", conversationID, err)
	}
	chronological := make([]models.Message, 0, len(newestFirst))
	for i := len(newestFirst) - 1; i >= 0; i-- {
		chronological = append(chronological, newestFirst[i].Clone())
	}
	hasMore = len(newestFirst) == size

	s.mu.Lock()
	if s.staleLocked(conversationID, snap) {
		s.mu.Unlock()
		s.logger.Debug("dropping stale message page",
			zap.String("conversation_id", conversationID),
			zap.Int("page", page))
		return 0, false, nil
	}

	var stored []models.Message
	if page == 0 {
		stored = s.replaceLocked(conversationID, chronological)
	} else {
		stored = s.prependLocked(conversationID, chronological, page)
	}
	t := s.threads[conversationID]
	t.hasMore = hasMore
	s.mu.Unlock()

	s.emit(Change{Kind: MessagesLoaded, ConversationID: conversationID, Messages: stored})
	return len(stored), hasMore, nil
}

// replaceLocked installs page 0. Messages merged from push while the page
// was in flight and missing from it are kept after the page; an empty page
// keeps all of them.
func (s *Store) replaceLocked(conversationID string, chronological []models.Message) []models.Message {
	old := s.threads[conversationID]
	t := newThread()
	t.nextPage = 1

	var stored []models.Message
	for _, m := range chronological {
		if _, dup := t.ids[m.ID]; dup {
			continue
		}
		t.ids[m.ID] = struct{}{}
		t.messages = append(t.messages, m)
		stored = append(stored, m.Clone())
	}

	if old != nil {
		var newest time.Time
		if len(t.messages) > 0 {
			newest = t.messages[len(t.messages)-1].CreatedAt
		}
		for _, m := range old.messages {
			if _, ok := t.ids[m.ID]; ok || m.CreatedAt.Before(newest) {
				continue
			}
			t.ids[m.ID] = struct{}{}
			t.messages = append(t.messages, m)
		}
	}

	s.threads[conversationID] = t
	return stored
}

func (s *Store) prependLocked(conversationID string, chronological []models.Message, page int) []models.Message {
	t := s.threads[conversationID]
	if t == nil {
		t = newThread()
		s.threads[conversationID] = t
	}

	older := make([]models.Message, 0, len(chronological))
	for _, m := range chronological {
		if _, dup := t.ids[m.ID]; dup {
			continue
		}
		t.ids[m.ID] = struct{}{}
		older = append(older, m)
	}
	t.messages = append(older, t.messages...)
	if page+1 > t.nextPage {
		t.nextPage = page + 1
	}

	stored := make([]models.Message, len(older))
	for i, m := range older {
		stored[i] = m.Clone()
	}
	return stored
}

// LoadOlder requests the next older page of a conversation and prepends it.
// An unloaded conversation loads page 0. Nothing is requested once the
// server has returned a short page.
func (s *Store) LoadOlder(ctx context.Context, conversationID string) (added int, hasMore bool, err error) {
	s.mu.Lock()
	page := 0
	if t := s.threads[conversationID]; t != nil {
		if !t.hasMore {
			s.mu.Unlock()
			return 0, false, nil
		}
		page = t.nextPage
	}
	s.mu.Unlock()

	return s.LoadMessagePage(ctx, conversationID, page, s.pageSize)
}

// MarkRead acknowledges a conversation as read. The unread counter is zeroed
// only after the server accepted the acknowledgment.
func (s *Store) MarkRead(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	epoch := s.epoch
	s.mu.Unlock()

	if err := s.api.MarkRead(ctx, conversationID); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}

	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		return nil
	}
	if i := s.indexOf(conversationID); i >= 0 {
		s.conversations[i].UnreadCount = 0
	}
	s.mu.Unlock()

	s.emit(Change{Kind: ConversationRead, ConversationID: conversationID})
	return nil
}

// RefreshConversation re-fetches one conversation summary and replaces it in
// place, or appends it when unknown.
func (s *Store) RefreshConversation(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	epoch := s.epoch
	s.mu.Unlock()

	conv, err := s.api.GetConversation(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("refresh conversation: %w", err)
	}

	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		return nil
	}
	if i := s.indexOf(conv.ID); i >= 0 {
		s.conversations[i] = conv.Clone()
	} else {
		s.conversations = append(s.conversations, conv.Clone())
	}
	s.mu.Unlock()

	s.emit(Change{Kind: ConversationUpdated, ConversationID: conv.ID})
	return nil
}

// CreateConversation creates a conversation on the server and puts it at the
// head of the list.
func (s *Store) CreateConversation(ctx context.Context, request models.CreateConversationRequest) (models.Conversation, error) {
	conv, err := s.api.CreateConversation(ctx, request)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}

	s.mu.Lock()
	if i := s.indexOf(conv.ID); i >= 0 {
		s.conversations = append(s.conversations[:i], s.conversations[i+1:]...)
	}
	s.conversations = append([]models.Conversation{conv.Clone()}, s.conversations...)
	s.mu.Unlock()

	s.emit(Change{Kind: ConversationUpdated, ConversationID: conv.ID})
	return conv.Clone(), nil
}
