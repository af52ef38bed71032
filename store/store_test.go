package store

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbenaiss/campus-chat/messagingapi"
	"github.com/mbenaiss/campus-chat/messagingapi/apitest"
	"github.com/mbenaiss/campus-chat/models"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

var base = time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T, pageSize int) (*Store, *apitest.Server) {
	t.Helper()
	server := apitest.New(t)
	client, err := messagingapi.NewClient(messagingapi.ClientConfig{BaseURL: server.URL(), Token: apitest.Token})
	require.NoError(t, err)
	s, err := New(Config{API: client, PageSize: pageSize})
	require.NoError(t, err)
	return s, server
}

func msg(conversationID string, n int) models.Message {
	return models.Message{
		ID:             fmt.Sprintf("m%d", n),
		ConversationID: conversationID,
		SenderID:       "u2",
		Content:        fmt.Sprintf("message %d", n),
		MessageType:    models.MessageText,
		Status:         models.StatusSent,
		CreatedAt:      base.Add(time.Duration(n) * time.Minute),
	}
}

func seed(server *apitest.Server, conversationID string, count int) {
	for i := 1; i <= count; i++ {
		server.AddMessages(conversationID, msg(conversationID, i))
	}
}

func ids(messages []models.Message) []string {
	out := make([]string, len(messages))
	for i, m := range messages {
		out[i] = m.ID
	}
	return out
}

func idRange(from, to int) []string {
	var out []string
	for i := from; i <= to; i++ {
		out = append(out, fmt.Sprintf("m%d", i))
	}
	return out
}

func TestNewRequiresAPI(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestLoadConversationsKeepsServerOrder(t *testing.T) {
	s, server := newTestStore(t, 50)
	server.AddConversation(models.Conversation{ID: "c2", LastActivityAt: base.Add(time.Hour)})
	server.AddConversation(models.Conversation{ID: "c1", LastActivityAt: base})

	require.NoError(t, s.LoadConversations(context.Background()))

	conversations := s.Conversations()
	require.Len(t, conversations, 2)
	assert.Equal(t, "c2", conversations[0].ID)
	assert.Equal(t, "c1", conversations[1].ID)
}

func TestLoadMessagePageReversesToChronological(t *testing.T) {
	s, server := newTestStore(t, 50)
	seed(server, "c1", 50)

	added, hasMore, err := s.LoadMessagePage(context.Background(), "c1", 0, 50)
	require.NoError(t, err)
	assert.Equal(t, 50, added)
	assert.True(t, hasMore)

	stored := s.Messages("c1")
	assert.Equal(t, idRange(1, 50), ids(stored))
	for i := 1; i < len(stored); i++ {
		assert.False(t, stored[i].CreatedAt.Before(stored[i-1].CreatedAt))
	}
}

func TestMergeIncomingIsIdempotent(t *testing.T) {
	s, server := newTestStore(t, 50)
	server.AddConversation(models.Conversation{ID: "c1"})
	seed(server, "c1", 50)
	require.NoError(t, s.LoadConversations(context.Background()))
	_, _, err := s.LoadMessagePage(context.Background(), "c1", 0, 50)
	require.NoError(t, err)

	m51 := msg("c1", 51)
	assert.True(t, s.MergeIncoming(m51))
	assert.False(t, s.MergeIncoming(m51))
	assert.False(t, s.MergeIncoming(msg("c1", 20)), "an id from the loaded page is a duplicate too")

	stored := s.Messages("c1")
	assert.Len(t, stored, 51)
	assert.Equal(t, "m51", stored[50].ID)

	conv, ok := s.Conversation("c1")
	require.True(t, ok)
	require.NotNil(t, conv.LastMessage)
	assert.Equal(t, "m51", conv.LastMessage.ID)
	assert.Equal(t, m51.CreatedAt, conv.LastActivityAt)
	assert.Zero(t, conv.UnreadCount, "pushes never touch the unread counter")
}

func TestMergeIncomingAppendsWithoutSorting(t *testing.T) {
	s, _ := newTestStore(t, 50)

	late := msg("c1", 9)
	early := msg("c1", 3)
	require.True(t, s.MergeIncoming(late))
	require.True(t, s.MergeIncoming(early))

	assert.Equal(t, []string{"m9", "m3"}, ids(s.Messages("c1")))
}

func TestMergeIncomingRejectsMissingIdentity(t *testing.T) {
	s, _ := newTestStore(t, 50)
	assert.False(t, s.MergeIncoming(models.Message{ConversationID: "c1"}))
	assert.False(t, s.MergeIncoming(models.Message{ID: "m1"}))
}

func TestLoadOlderPrependsAndSkipsOverlap(t *testing.T) {
	s, server := newTestStore(t, 20)
	seed(server, "c1", 45)
	ctx := context.Background()

	added, hasMore, err := s.LoadOlder(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 20, added)
	assert.True(t, hasMore)
	assert.Equal(t, idRange(26, 45), ids(s.Messages("c1")))

	// two new messages shift the server's pages by two
	server.AddMessages("c1", msg("c1", 46), msg("c1", 47))
	require.True(t, s.MergeIncoming(msg("c1", 46)))
	require.True(t, s.MergeIncoming(msg("c1", 47)))

	added, hasMore, err = s.LoadOlder(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 18, added, "m27 and m26 overlap with the first page")
	assert.True(t, hasMore)

	added, hasMore, err = s.LoadOlder(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 7, added)
	assert.False(t, hasMore)
	assert.Equal(t, idRange(1, 47), ids(s.Messages("c1")))

	before := server.Count(apitest.OpListMessages)
	added, hasMore, err = s.LoadOlder(ctx, "c1")
	require.NoError(t, err)
	assert.Zero(t, added)
	assert.False(t, hasMore)
	assert.Equal(t, before, server.Count(apitest.OpListMessages), "no request after the last page")
}

func TestPageZeroKeepsMessagesPushedInFlight(t *testing.T) {
	s, server := newTestStore(t, 50)
	seed(server, "c1", 3)

	release := server.Hold(apitest.OpListMessages)
	done := make(chan error, 1)
	go func() {
		_, _, err := s.LoadMessagePage(context.Background(), "c1", 0, 50)
		done <- err
	}()
	require.Eventually(t, func() bool { return server.Count(apitest.OpListMessages) == 1 }, waitFor, tick)

	require.True(t, s.MergeIncoming(msg("c1", 4)))
	release()
	require.NoError(t, <-done)

	assert.Equal(t, idRange(1, 4), ids(s.Messages("c1")))
}

func TestEmptyPageZeroKeepsMessagesPushedInFlight(t *testing.T) {
	s, server := newTestStore(t, 50)

	release := server.Hold(apitest.OpListMessages)
	done := make(chan error, 1)
	go func() {
		_, _, err := s.LoadMessagePage(context.Background(), "c1", 0, 50)
		done <- err
	}()
	require.Eventually(t, func() bool { return server.Count(apitest.OpListMessages) == 1 }, waitFor, tick)

	require.True(t, s.MergeIncoming(msg("c1", 1)))
	release()
	require.NoError(t, <-done)

	assert.Equal(t, []string{"m1"}, ids(s.Messages("c1")))
	assert.False(t, s.HasMore("c1"))
}

func TestMarkReadIsNeverOptimistic(t *testing.T) {
	s, server := newTestStore(t, 50)
	server.AddConversation(models.Conversation{ID: "c1", UnreadCount: 4})
	require.NoError(t, s.LoadConversations(context.Background()))

	server.Fail(apitest.OpMarkRead, http.StatusServiceUnavailable)
	err := s.MarkRead(context.Background(), "c1")
	require.Error(t, err)
	assert.True(t, messagingapi.IsStatus(err, http.StatusServiceUnavailable))
	conv, _ := s.Conversation("c1")
	assert.Equal(t, 4, conv.UnreadCount)

	server.Fail(apitest.OpMarkRead, 0)
	release := server.Hold(apitest.OpMarkRead)
	done := make(chan error, 1)
	go func() { done <- s.MarkRead(context.Background(), "c1") }()
	require.Eventually(t, func() bool { return server.Count(apitest.OpMarkRead) == 2 }, waitFor, tick)

	conv, _ = s.Conversation("c1")
	assert.Equal(t, 4, conv.UnreadCount, "unchanged while the acknowledgment is in flight")

	release()
	require.NoError(t, <-done)
	conv, _ = s.Conversation("c1")
	assert.Zero(t, conv.UnreadCount)
}

func TestDiscardDropsLateResults(t *testing.T) {
	s, server := newTestStore(t, 50)
	seed(server, "c1", 10)

	release := server.Hold(apitest.OpListMessages)
	type result struct {
		added int
		err   error
	}
	done := make(chan result, 1)
	go func() {
		added, _, err := s.LoadMessagePage(context.Background(), "c1", 0, 50)
		done <- result{added, err}
	}()
	require.Eventually(t, func() bool { return server.Count(apitest.OpListMessages) == 1 }, waitFor, tick)

	s.Discard("c1")
	release()

	r := <-done
	require.NoError(t, r.err)
	assert.Zero(t, r.added)
	assert.Empty(t, s.Messages("c1"))

	added, _, err := s.LoadMessagePage(context.Background(), "c1", 0, 50)
	require.NoError(t, err)
	assert.Equal(t, 10, added, "a fresh load after the discard applies")
}

func TestResetDropsLateConversationList(t *testing.T) {
	s, server := newTestStore(t, 50)
	server.AddConversation(models.Conversation{ID: "c1"})

	release := server.Hold(apitest.OpListConversations)
	done := make(chan error, 1)
	go func() { done <- s.LoadConversations(context.Background()) }()
	require.Eventually(t, func() bool { return server.Count(apitest.OpListConversations) == 1 }, waitFor, tick)

	s.Reset()
	release()
	require.NoError(t, <-done)
	assert.Empty(t, s.Conversations())
}

func TestReplaceReactionsReplacesWholesale(t *testing.T) {
	s, _ := newTestStore(t, 50)
	require.True(t, s.MergeIncoming(msg("c1", 1)))

	require.True(t, s.ReplaceReactions("m1", []models.Reaction{{Emoji: "👍", Count: 1, UserNames: []string{"Ada"}}}))
	require.True(t, s.ReplaceReactions("m1", []models.Reaction{{Emoji: "👍", Count: 1, UserNames: []string{"Grace"}}}))

	stored, ok := s.Message("m1")
	require.True(t, ok)
	require.Len(t, stored.Reactions, 1)
	assert.Equal(t, 1, stored.Reactions[0].Count, "the last aggregate wins, counts are not summed")
	assert.Equal(t, []string{"Grace"}, stored.Reactions[0].UserNames)
	assert.Equal(t, "m1", stored.Reactions[0].MessageID)

	require.True(t, s.ReplaceReactions("m1", nil))
	stored, _ = s.Message("m1")
	assert.Empty(t, stored.Reactions)

	assert.False(t, s.ReplaceReactions("unknown", nil))
}

func TestReadsReturnCopies(t *testing.T) {
	s, _ := newTestStore(t, 50)
	require.True(t, s.MergeIncoming(msg("c1", 1)))
	require.True(t, s.ReplaceReactions("m1", []models.Reaction{{Emoji: "🎉", Count: 1, UserNames: []string{"Ada"}}}))

	messages := s.Messages("c1")
	messages[0].Content = "mutated"
	messages[0].Reactions[0].UserNames[0] = "mutated"

	stored, _ := s.Message("m1")
	assert.Equal(t, "message 1", stored.Content)
	assert.Equal(t, "Ada", stored.Reactions[0].UserNames[0])
}

func TestCreateConversationPrepends(t *testing.T) {
	s, server := newTestStore(t, 50)
	server.AddConversation(models.Conversation{ID: "c1"})
	require.NoError(t, s.LoadConversations(context.Background()))

	conv, err := s.CreateConversation(context.Background(), models.CreateConversationRequest{
		Type:           models.ConversationDirect,
		ParticipantIDs: []string{"u3"},
	})
	require.NoError(t, err)

	conversations := s.Conversations()
	require.Len(t, conversations, 2)
	assert.Equal(t, conv.ID, conversations[0].ID)
}

func TestRefreshConversation(t *testing.T) {
	s, server := newTestStore(t, 50)
	server.AddConversation(models.Conversation{ID: "c1", Participants: []models.Participant{{UserID: "u2"}}})
	require.NoError(t, s.LoadConversations(context.Background()))

	server.AddConversation(models.Conversation{ID: "c1", Participants: []models.Participant{{UserID: "u2", Online: true}}})
	require.NoError(t, s.RefreshConversation(context.Background(), "c1"))

	conv, ok := s.Conversation("c1")
	require.True(t, ok)
	assert.True(t, conv.Participants[0].Online)
	assert.Len(t, s.Conversations(), 1)

	err := s.RefreshConversation(context.Background(), "missing")
	assert.True(t, messagingapi.IsNotFound(err))
}

func TestWatchReceivesChanges(t *testing.T) {
	s, server := newTestStore(t, 50)
	seed(server, "c1", 2)

	var mu sync.Mutex
	var kinds []ChangeKind
	cancel := s.Watch(func(c Change) {
		mu.Lock()
		kinds = append(kinds, c.Kind)
		mu.Unlock()
	})

	_, _, err := s.LoadMessagePage(context.Background(), "c1", 0, 50)
	require.NoError(t, err)
	s.MergeIncoming(msg("c1", 3))
	s.MergeIncoming(msg("c1", 3))
	s.ReplaceReactions("m3", nil)
	s.Discard("c1")
	s.Discard("c1")

	cancel()
	s.MergeIncoming(msg("c1", 4))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []ChangeKind{MessagesLoaded, MessageMerged, ReactionsReplaced, Discarded}, kinds)
}
