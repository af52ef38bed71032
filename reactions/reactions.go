// Package reactions sends reaction toggles over REST and applies the
// aggregates the server pushes back per message. Counts are never changed
// locally.
package reactions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/mbenaiss/campus-chat/logger"
	"github.com/mbenaiss/campus-chat/models"
	"github.com/mbenaiss/campus-chat/subscriptions"
	"github.com/mbenaiss/campus-chat/transport"
)

// API toggles reactions on the server
type API interface {
	ToggleReaction(ctx context.Context, messageID, emoji string) error
}

// Registry holds the per-message push subscriptions
type Registry interface {
	Subscribe(key, destination string, handler transport.Handler) error
	Unsubscribe(key string)
}

// Store receives pushed aggregates
type Store interface {
	ReplaceReactions(messageID string, aggregate []models.Reaction) bool
}

// Config configures a Synchronizer
type Config struct {
	API      API
	Registry Registry
	Store    Store
	Logger   *zap.Logger
}

// Synchronizer is the reaction synchronizer
type Synchronizer struct {
	api      API
	registry Registry
	store    Store
	logger   *zap.Logger

	mu sync.Mutex
	// tracked message ids per conversation
	tracked map[string]map[string]struct{}
}

// New creates a Synchronizer
func New(cfg Config) (*Synchronizer, error) {
	if cfg.API == nil || cfg.Registry == nil || cfg.Store == nil {
		return nil, fmt.Errorf("reactions: API, Registry and Store are required")
	}
	return &Synchronizer{
		api:      cfg.API,
		registry: cfg.Registry,
		store:    cfg.Store,
		logger:   logger.OrNop(cfg.Logger).Named("reactions"),
		tracked:  make(map[string]map[string]struct{}),
	}, nil
}

// Toggle asks the server to add or remove the user's emoji on a message.
// Local state is untouched; the new aggregate arrives by push.
func (s *Synchronizer) Toggle(ctx context.Context, messageID, emoji string) error {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return &models.ValidationError{Field: "emoji", Reason: "emoji is required"}
	}
	if err := s.api.ToggleReaction(ctx, messageID, emoji); err != nil {
		return err
	}
	return nil
}

// Track subscribes to a message's reaction topic, once per message. The
// subscription lives under the conversation's key prefix so closing the
// conversation releases it. A failed subscribe leaves the message untracked
// so a later Track retries it.
func (s *Synchronizer) Track(conversationID, messageID string) error {
	s.mu.Lock()
	ids := s.tracked[conversationID]
	if ids == nil {
		ids = make(map[string]struct{})
		s.tracked[conversationID] = ids
	}
	if _, ok := ids[messageID]; ok {
		s.mu.Unlock()
		return nil
	}
	ids[messageID] = struct{}{}
	s.mu.Unlock()

	key := subscriptions.ReactionsKey(conversationID, messageID)
	err := s.registry.Subscribe(key, subscriptions.ReactionsTopic(messageID), func(msg transport.Message) {
		s.receive(messageID, msg.Body)
	})

	s.mu.Lock()
	current := s.tracked[conversationID]
	stillTracked := current != nil
	if stillTracked {
		_, stillTracked = current[messageID]
	}
	if err != nil && stillTracked {
		delete(current, messageID)
	}
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("track reactions of %s: %w", messageID, err)
	}
	if !stillTracked {
		// untracked while subscribing
		s.registry.Unsubscribe(key)
	}
	return nil
}

// TrackAll tracks every message id and returns the first error
func (s *Synchronizer) TrackAll(conversationID string, messageIDs []string) error {
	var first error
	for _, id := range messageIDs {
		if err := s.Track(conversationID, id); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Untrack forgets a conversation's tracked messages. Their subscriptions are
// released by the registry's prefix teardown.
func (s *Synchronizer) Untrack(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tracked, conversationID)
}

// Tracked returns the tracked message ids of a conversation, sorted
func (s *Synchronizer) Tracked(conversationID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.tracked[conversationID]))
	for id := range s.tracked[conversationID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// receive applies a pushed aggregate body for a message
func (s *Synchronizer) receive(messageID string, body []byte) {
	aggregate, err := DecodeAggregate(body)
	if err != nil {
		s.logger.Warn("dropping malformed reaction push", zap.String("message_id", messageID), zap.Error(err))
		return
	}
	if !s.store.ReplaceReactions(messageID, aggregate) {
		s.logger.Debug("reaction push for a message not in the store", zap.String("message_id", messageID))
	}
}

// DecodeAggregate accepts either a bare aggregate list or an object with a
// "reactions" list.
func DecodeAggregate(body []byte) ([]models.Reaction, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var wrapped struct {
			Reactions []models.Reaction `json:"reactions"`
		}
		if err := json.Unmarshal(trimmed, &wrapped); err != nil {
			return nil, fmt.Errorf("decode reactions: %w", err)
		}
		return wrapped.Reactions, nil
	}
	var aggregate []models.Reaction
	if err := json.Unmarshal(trimmed, &aggregate); err != nil {
		return nil, fmt.Errorf("decode reactions: %w", err)
	}
	return aggregate, nil
}
