package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbenaiss/campus-chat/models"
)

var base = time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) DB {
	t.Helper()
	archive, err := NewDB(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { archive.Close() })
	return archive
}

func TestStoreAndListConversations(t *testing.T) {
	archive := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, archive.StoreConversation(ctx, models.Conversation{
		ID:             "c1",
		Type:           models.ConversationGroup,
		Title:          "Linear Algebra",
		Participants:   []models.Participant{{UserID: "u2", DisplayName: "Ada"}},
		LastActivityAt: base,
	}))
	require.NoError(t, archive.StoreConversation(ctx, models.Conversation{
		ID:             "c2",
		Type:           models.ConversationDirect,
		Participants:   []models.Participant{{UserID: "u3", DisplayName: "Grace"}},
		UnreadCount:    2,
		LastMessage:    &models.MessageSummary{ID: "m9", Content: "see you"},
		LastActivityAt: base.Add(time.Hour),
	}))

	conversations, err := archive.ListConversations(ctx, "", 0, 0)
	require.NoError(t, err)
	require.Len(t, conversations, 2)
	assert.Equal(t, "c2", conversations[0].ID, "most recent activity first")
	assert.Equal(t, 2, conversations[0].UnreadCount)
	require.NotNil(t, conversations[0].LastMessage)
	assert.Equal(t, "see you", conversations[0].LastMessage.Content)
	assert.Equal(t, "Grace", conversations[0].Participants[0].DisplayName)

	byTitle, err := archive.ListConversations(ctx, "algebra", 10, 0)
	require.NoError(t, err)
	require.Len(t, byTitle, 1)
	assert.Equal(t, "c1", byTitle[0].ID)

	byParticipant, err := archive.ListConversations(ctx, "Grace", 10, 0)
	require.NoError(t, err)
	require.Len(t, byParticipant, 1)
	assert.Equal(t, "c2", byParticipant[0].ID)

	second, err := archive.ListConversations(ctx, "", 1, 1)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, "c1", second[0].ID)
}

func TestGetConversation(t *testing.T) {
	archive := newTestDB(t)
	ctx := context.Background()

	missing, err := archive.GetConversation(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, archive.StoreConversation(ctx, models.Conversation{ID: "c1", Type: models.ConversationDirect, UnreadCount: 5}))
	require.NoError(t, archive.StoreConversation(ctx, models.Conversation{ID: "c1", Type: models.ConversationDirect}))

	conversation, err := archive.GetConversation(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, conversation)
	assert.Zero(t, conversation.UnreadCount, "the latest summary replaces the stored one")
}

func TestStoreAndListMessages(t *testing.T) {
	archive := newTestDB(t)
	ctx := context.Background()

	for i, content := range []string{"hello", "the quiz is tomorrow", "ok"} {
		require.NoError(t, archive.StoreMessage(ctx, models.Message{
			ID:             []string{"m1", "m2", "m3"}[i],
			ConversationID: "c1",
			SenderID:       "u2",
			Content:        content,
			MessageType:    models.MessageText,
			Status:         models.StatusSent,
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, archive.StoreMessage(ctx, models.Message{
		ID:             "m4",
		ConversationID: "c2",
		MessageType:    models.MessageFile,
		Attachment:     models.Attachment{FileURL: "/files/1", FileName: "quiz-notes.pdf", FileSize: 2048},
		CreatedAt:      base,
	}))

	messages, err := archive.ListMessages(ctx, "c1", "", 0, 0)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.Equal(t, "m3", messages[0].ID, "newest first")
	assert.Equal(t, models.StatusSent, messages[0].Status)
	assert.Equal(t, base.Add(2*time.Minute), messages[0].CreatedAt.UTC())

	found, err := archive.ListMessages(ctx, "", "quiz", 10, 0)
	require.NoError(t, err)
	require.Len(t, found, 2, "content and file names are searched across conversations")

	page, err := archive.ListMessages(ctx, "c1", "", 2, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "m1", page[0].ID)

	file, err := archive.GetMessage(ctx, "m4")
	require.NoError(t, err)
	require.NotNil(t, file)
	assert.Equal(t, "quiz-notes.pdf", file.FileName)
	assert.Equal(t, int64(2048), file.FileSize)
}

func TestStoreMessageReplacesReactions(t *testing.T) {
	archive := newTestDB(t)
	ctx := context.Background()
	msg := models.Message{ID: "m1", ConversationID: "c1", Content: "hi", CreatedAt: base}

	require.NoError(t, archive.StoreMessage(ctx, msg))
	msg.Reactions = []models.Reaction{{Emoji: "👍", Count: 2, UserNames: []string{"Ada", "Grace"}}}
	require.NoError(t, archive.StoreMessage(ctx, msg))

	stored, err := archive.GetMessage(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	require.Len(t, stored.Reactions, 1)
	assert.Equal(t, 2, stored.Reactions[0].Count)

	missing, err := archive.GetMessage(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStoreMessageSkipsMessagesWithoutIdentity(t *testing.T) {
	archive := newTestDB(t)
	require.NoError(t, archive.StoreMessage(context.Background(), models.Message{Content: "orphan"}))

	messages, err := archive.ListMessages(context.Background(), "", "", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, messages)
}
