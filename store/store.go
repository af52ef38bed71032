// Package store holds the authoritative in-memory conversations and their
// message lists. It is the single writer of that state: REST snapshots and
// push deliveries are folded in through its operations, and every mutation
// is announced on a change feed.
package store

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/mbenaiss/campus-chat/logger"
	"github.com/mbenaiss/campus-chat/models"
)

// DefaultPageSize is used when Config.PageSize is zero
const DefaultPageSize = 50

// API is the part of the messaging REST API the store reads from
type API interface {
	ListConversations(ctx context.Context) ([]models.Conversation, error)
	GetConversation(ctx context.Context, conversationID string) (*models.Conversation, error)
	CreateConversation(ctx context.Context, request models.CreateConversationRequest) (*models.Conversation, error)
	ListMessages(ctx context.Context, conversationID string, page, size int) ([]models.Message, error)
	MarkRead(ctx context.Context, conversationID string) error
}

// ChangeKind names a store mutation
type ChangeKind string

const (
	ConversationsLoaded ChangeKind = "conversations-loaded"
	MessagesLoaded      ChangeKind = "messages-loaded"
	MessageMerged       ChangeKind = "message-merged"
	ConversationRead    ChangeKind = "read"
	ReactionsReplaced   ChangeKind = "reactions-replaced"
	ConversationUpdated ChangeKind = "conversation-updated"
	Discarded           ChangeKind = "discarded"
)

// Change is delivered to watchers after a mutation is applied. Messages holds
// copies of the messages the change added or touched.
type Change struct {
	Kind           ChangeKind
	ConversationID string
	Messages       []models.Message
}

// Config configures a Store
type Config struct {
	API      API
	PageSize int
	Logger   *zap.Logger
}

type thread struct {
	messages []models.Message
	ids      map[string]struct{}
	nextPage int
	hasMore  bool
}

func newThread() *thread {
	return &thread{ids: make(map[string]struct{}), hasMore: true}
}

// Store is the conversation store
type Store struct {
	api      API
	pageSize int
	logger   *zap.Logger

	mu            sync.Mutex
	conversations []models.Conversation
	threads       map[string]*thread
	// generation per conversation; bumped by Discard so late REST results
	// for a closed view are dropped
	generations map[string]uint64
	// epoch is bumped by Reset
	epoch    uint64
	watchers map[int]func(Change)
	nextID   int
}

// New creates an empty store
func New(cfg Config) (*Store, error) {
	if cfg.API == nil {
		return nil, fmt.Errorf("store: API is required")
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Store{
		api:         cfg.API,
		pageSize:    pageSize,
		logger:      logger.OrNop(cfg.Logger).Named("store"),
		threads:     make(map[string]*thread),
		generations: make(map[string]uint64),
		watchers:    make(map[int]func(Change)),
	}, nil
}

// PageSize returns the page size used by LoadOlder
func (s *Store) PageSize() int {
	return s.pageSize
}

// Watch registers fn for every change. fn runs on the goroutine that made the
// change, after the store lock is released. The returned func unregisters it.
func (s *Store) Watch(fn func(Change)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.watchers, id)
	}
}

func (s *Store) emit(change Change) {
	s.mu.Lock()
	fns := make([]func(Change), 0, len(s.watchers))
	for _, fn := range s.watchers {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(change)
	}
}

// Conversations returns a copy of the conversation list in server order
func (s *Store) Conversations() []models.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Conversation, len(s.conversations))
	for i, c := range s.conversations {
		out[i] = c.Clone()
	}
	return out
}

// Conversation returns a copy of one conversation summary
func (s *Store) Conversation(conversationID string) (models.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexOf(conversationID); i >= 0 {
		return s.conversations[i].Clone(), true
	}
	return models.Conversation{}, false
}

// Messages returns a copy of a conversation's messages, oldest first
func (s *Store) Messages(conversationID string) []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.threads[conversationID]
	if t == nil {
		return nil
	}
	out := make([]models.Message, len(t.messages))
	for i, m := range t.messages {
		out[i] = m.Clone()
	}
	return out
}

// Message looks a message up by id across loaded conversations
func (s *Store) Message(messageID string) (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.findMessage(messageID); m != nil {
		return m.Clone(), true
	}
	return models.Message{}, false
}

// HasMore reports whether older pages are likely available
func (s *Store) HasMore(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.threads[conversationID]
	return t == nil || t.hasMore
}

// Discard drops a conversation's message list and paging cursor. REST
// results requested before the discard are ignored when they arrive.
func (s *Store) Discard(conversationID string) {
	s.mu.Lock()
	s.generations[conversationID]++
	_, had := s.threads[conversationID]
	delete(s.threads, conversationID)
	s.mu.Unlock()

	if had {
		s.emit(Change{Kind: Discarded, ConversationID: conversationID})
	}
}

// Reset drops every conversation and message, at session end
func (s *Store) Reset() {
	s.mu.Lock()
	s.epoch++
	s.conversations = nil
	s.threads = make(map[string]*thread)
	s.generations = make(map[string]uint64)
	s.mu.Unlock()
}

// snapshot identifies the state a REST request was issued against
type snapshot struct {
	epoch      uint64
	generation uint64
}

func (s *Store) snapshotLocked(conversationID string) snapshot {
	return snapshot{epoch: s.epoch, generation: s.generations[conversationID]}
}

func (s *Store) staleLocked(conversationID string, snap snapshot) bool {
	return snap.epoch != s.epoch || snap.generation != s.generations[conversationID]
}

func (s *Store) indexOf(conversationID string) int {
	for i := range s.conversations {
		if s.conversations[i].ID == conversationID {
			return i
		}
	}
	return -1
}

func (s *Store) findMessage(messageID string) *models.Message {
	for _, t := range s.threads {
		if _, ok := t.ids[messageID]; !ok {
			continue
		}
		for i := range t.messages {
			if t.messages[i].ID == messageID {
				return &t.messages[i]
			}
		}
	}
	return nil
}
