package typing

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbenaiss/campus-chat/clock"
	"github.com/mbenaiss/campus-chat/models"
)

type published struct {
	destination string
	isTyping    bool
}

type fakePublisher struct {
	mu        sync.Mutex
	connected bool
	sent      []published
}

func (p *fakePublisher) Publish(destination string, body []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return false
	}
	var payload models.TypingPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		panic(err)
	}
	p.sent = append(p.sent, published{destination, payload.IsTyping})
	return true
}

func (p *fakePublisher) states() []bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]bool, len(p.sent))
	for i, s := range p.sent {
		out[i] = s.isTyping
	}
	return out
}

func newCoordinator(t *testing.T) (*Coordinator, *fakePublisher, *clock.FakeClock) {
	t.Helper()
	pub := &fakePublisher{connected: true}
	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c, err := New(Config{Publisher: pub, SelfID: "me", Clock: clk})
	require.NoError(t, err)
	return c, pub, clk
}

func TestNewRequiresPublisher(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestContinuousInputPublishesOnePair(t *testing.T) {
	c, pub, clk := newCoordinator(t)

	for i := 0; i < 10; i++ {
		c.Input("c1")
		clk.Advance(500 * time.Millisecond)
	}
	assert.Equal(t, []bool{true}, pub.states())
	assert.True(t, c.IsTyping("c1"))

	// the last input was 500ms ago
	clk.Advance(1499 * time.Millisecond)
	assert.Equal(t, []bool{true}, pub.states(), "the debounce resets on input, it is not additive")

	clk.Advance(time.Millisecond)
	assert.Equal(t, []bool{true, false}, pub.states())
	assert.False(t, c.IsTyping("c1"))
	assert.Zero(t, clk.Pending())
}

func TestPauseProducesTwoPairs(t *testing.T) {
	c, pub, clk := newCoordinator(t)

	c.Input("c1")
	clk.Advance(2100 * time.Millisecond)
	c.Input("c1")
	clk.Advance(2100 * time.Millisecond)

	assert.Equal(t, []bool{true, false, true, false}, pub.states())
	pub.mu.Lock()
	for _, s := range pub.sent {
		assert.Equal(t, "/app/typing/c1", s.destination)
	}
	pub.mu.Unlock()
}

func TestConversationsAreIndependent(t *testing.T) {
	c, pub, clk := newCoordinator(t)

	c.Input("c1")
	clk.Advance(time.Second)
	c.Input("c2")
	clk.Advance(time.Second)

	assert.False(t, c.IsTyping("c1"))
	assert.True(t, c.IsTyping("c2"))
	assert.Equal(t, []bool{true, true, false}, pub.states())
}

func TestStopPublishesFalseOnce(t *testing.T) {
	c, pub, clk := newCoordinator(t)

	c.Input("c1")
	c.Stop("c1")
	c.Stop("c1")
	assert.Equal(t, []bool{true, false}, pub.states())
	assert.Zero(t, clk.Pending())

	clk.Advance(time.Minute)
	assert.Equal(t, []bool{true, false}, pub.states())
}

func TestStopAll(t *testing.T) {
	c, pub, clk := newCoordinator(t)
	c.Input("c1")
	c.Input("c2")

	c.StopAll()

	assert.Equal(t, []bool{true, true, false, false}, pub.states())
	assert.Zero(t, clk.Pending())
}

func TestInputWhileDisconnectedStillDebounces(t *testing.T) {
	c, pub, clk := newCoordinator(t)
	pub.connected = false

	c.Input("c1")
	assert.True(t, c.IsTyping("c1"))
	clk.Advance(2 * time.Second)
	assert.False(t, c.IsTyping("c1"))
	assert.Empty(t, pub.states())
}

func TestReceive(t *testing.T) {
	c, _, _ := newCoordinator(t)

	assert.False(t, c.Receive(models.TypingIndicator{ConversationID: "c1", UserID: "me", IsTyping: true}))
	assert.Empty(t, c.Remote("c1"), "self events are never shown")

	require.True(t, c.Receive(models.TypingIndicator{ConversationID: "c1", UserID: "u3", DisplayName: "Linus", IsTyping: true}))
	require.True(t, c.Receive(models.TypingIndicator{ConversationID: "c1", UserID: "u2", DisplayName: "Ada", IsTyping: true}))

	remote := c.Remote("c1")
	require.Len(t, remote, 2)
	assert.Equal(t, "u2", remote[0].UserID)
	assert.Equal(t, "Ada", remote[0].DisplayName)

	require.True(t, c.Receive(models.TypingIndicator{ConversationID: "c1", UserID: "u2", IsTyping: false}))
	remote = c.Remote("c1")
	require.Len(t, remote, 1)
	assert.Equal(t, "u3", remote[0].UserID)

	c.Clear("c1")
	assert.Empty(t, c.Remote("c1"))
}
