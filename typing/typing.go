// Package typing broadcasts the local user's typing state with a trailing
// debounce and tracks what remote participants last reported.
package typing

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mbenaiss/campus-chat/clock"
	"github.com/mbenaiss/campus-chat/logger"
	"github.com/mbenaiss/campus-chat/models"
	"github.com/mbenaiss/campus-chat/subscriptions"
)

// DefaultDebounce is the input inactivity after which typing stops
const DefaultDebounce = 2 * time.Second

// Publisher sends a realtime frame; false means nothing was sent
type Publisher interface {
	Publish(destination string, body []byte) bool
}

// Config configures a Coordinator
type Config struct {
	Publisher Publisher
	// SelfID filters the local user's own events out of Receive
	SelfID   string
	Debounce time.Duration
	Clock    clock.Clock
	Logger   *zap.Logger
}

type local struct {
	timer clock.Timer
	// seq identifies the armed timer so a stale expiry is ignored
	seq uint64
}

// Coordinator is the per-conversation typing state machine. A conversation
// with an entry in local is in the typing state; absent means idle.
type Coordinator struct {
	publisher Publisher
	selfID    string
	debounce  time.Duration
	clock     clock.Clock
	logger    *zap.Logger

	mu     sync.Mutex
	local  map[string]*local
	seq    uint64
	remote map[string]map[string]models.TypingIndicator
}

// New creates a Coordinator
func New(cfg Config) (*Coordinator, error) {
	if cfg.Publisher == nil {
		return nil, fmt.Errorf("typing: Publisher is required")
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &Coordinator{
		publisher: cfg.Publisher,
		selfID:    cfg.SelfID,
		debounce:  debounce,
		clock:     clk,
		logger:    logger.OrNop(cfg.Logger).Named("typing"),
		local:     make(map[string]*local),
		remote:    make(map[string]map[string]models.TypingIndicator),
	}, nil
}

// Input records a content-input event. Idle conversations switch to typing
// and publish true; every input re-arms the debounce timer.
func (c *Coordinator) Input(conversationID string) {
	c.mu.Lock()
	st, typing := c.local[conversationID]
	if typing {
		st.timer.Stop()
	} else {
		st = &local{}
		c.local[conversationID] = st
	}
	c.seq++
	seq := c.seq
	st.seq = seq
	st.timer = c.clock.AfterFunc(c.debounce, func() { c.expire(conversationID, seq) })
	c.mu.Unlock()

	if !typing {
		c.publish(conversationID, true)
	}
}

func (c *Coordinator) expire(conversationID string, seq uint64) {
	c.mu.Lock()
	st, ok := c.local[conversationID]
	if !ok || st.seq != seq {
		c.mu.Unlock()
		return
	}
	delete(c.local, conversationID)
	c.mu.Unlock()

	c.publish(conversationID, false)
}

// Stop cancels the debounce timer and, if the conversation was typing,
// publishes false so the partner's indicator clears.
func (c *Coordinator) Stop(conversationID string) {
	c.mu.Lock()
	st, ok := c.local[conversationID]
	if ok {
		st.timer.Stop()
		delete(c.local, conversationID)
	}
	c.mu.Unlock()

	if ok {
		c.publish(conversationID, false)
	}
}

// StopAll stops every typing conversation, at session end
func (c *Coordinator) StopAll() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.local))
	for id := range c.local {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	sort.Strings(ids)
	for _, id := range ids {
		c.Stop(id)
	}
}

// IsTyping reports the local state of a conversation
func (c *Coordinator) IsTyping(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.local[conversationID]
	return ok
}

func (c *Coordinator) publish(conversationID string, isTyping bool) {
	body, err := json.Marshal(models.TypingPayload{IsTyping: isTyping})
	if err != nil {
		c.logger.Error("encode typing payload", zap.Error(err))
		return
	}
	if !c.publisher.Publish(subscriptions.TypingDestination(conversationID), body) {
		c.logger.Debug("typing state not sent, disconnected",
			zap.String("conversation_id", conversationID),
			zap.Bool("is_typing", isTyping))
	}
}

// Receive applies a remote typing event. The event overwrites the previous
// state for the same user; there is no receive-side timeout. Events from
// self are ignored. It reports whether the event was applied.
func (c *Coordinator) Receive(indicator models.TypingIndicator) bool {
	if indicator.UserID == "" || indicator.UserID == c.selfID {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	users := c.remote[indicator.ConversationID]
	if users == nil {
		users = make(map[string]models.TypingIndicator)
		c.remote[indicator.ConversationID] = users
	}
	users[indicator.UserID] = indicator
	return true
}

// Remote returns the remote users currently typing in a conversation,
// ordered by user id.
func (c *Coordinator) Remote(conversationID string) []models.TypingIndicator {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.TypingIndicator
	for _, ind := range c.remote[conversationID] {
		if ind.IsTyping {
			out = append(out, ind)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Clear forgets remote state for a conversation whose view closed
func (c *Coordinator) Clear(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.remote, conversationID)
}
