package messagingapi_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbenaiss/campus-chat/messagingapi"
	"github.com/mbenaiss/campus-chat/messagingapi/apitest"
	"github.com/mbenaiss/campus-chat/models"
)

func newClient(t *testing.T, token string) (*messagingapi.Client, *apitest.Server) {
	t.Helper()
	server := apitest.New(t)
	client, err := messagingapi.NewClient(messagingapi.ClientConfig{BaseURL: server.URL(), Token: token})
	require.NoError(t, err)
	return client, server
}

func message(conversationID, id string, at time.Time) models.Message {
	return models.Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       "u2",
		Content:        "body " + id,
		MessageType:    models.MessageText,
		Status:         models.StatusSent,
		CreatedAt:      at,
	}
}

func TestNewClientValidation(t *testing.T) {
	_, err := messagingapi.NewClient(messagingapi.ClientConfig{})
	assert.Error(t, err)
}

func TestListConversations(t *testing.T) {
	client, server := newClient(t, apitest.Token)
	server.AddConversation(models.Conversation{ID: "c1", Type: models.ConversationDirect, UnreadCount: 3})
	server.AddConversation(models.Conversation{ID: "c2", Type: models.ConversationGroup, Title: "Algebra"})

	conversations, err := client.ListConversations(context.Background())
	require.NoError(t, err)
	require.Len(t, conversations, 2)
	assert.Equal(t, "c1", conversations[0].ID)
	assert.Equal(t, 3, conversations[0].UnreadCount)
	assert.Equal(t, "Algebra", conversations[1].Title)
}

func TestUnauthorized(t *testing.T) {
	client, _ := newClient(t, "wrong")

	_, err := client.ListConversations(context.Background())
	require.Error(t, err)

	var apiErr *messagingapi.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, "invalid token", apiErr.Message)
	assert.True(t, messagingapi.IsStatus(err, http.StatusUnauthorized))
}

func TestGetConversationNotFound(t *testing.T) {
	client, _ := newClient(t, apitest.Token)

	_, err := client.GetConversation(context.Background(), "missing")
	assert.True(t, messagingapi.IsNotFound(err))
}

func TestCreateConversation(t *testing.T) {
	client, _ := newClient(t, apitest.Token)

	conv, err := client.CreateConversation(context.Background(), models.CreateConversationRequest{
		Type:           models.ConversationGroup,
		Title:          "Study group",
		ParticipantIDs: []string{"u2", "u3"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, conv.ID)
	assert.Equal(t, "Study group", conv.Title)
	assert.Len(t, conv.Participants, 2)
}

func TestListMessagesPagesNewestFirst(t *testing.T) {
	client, server := newClient(t, apitest.Token)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 1; i <= 5; i++ {
		server.AddMessages("c1", message("c1", "m"+string(rune('0'+i)), base.Add(time.Duration(i)*time.Minute)))
	}

	page0, err := client.ListMessages(context.Background(), "c1", 0, 3)
	require.NoError(t, err)
	require.Len(t, page0, 3)
	assert.Equal(t, []string{"m5", "m4", "m3"}, ids(page0))

	page1, err := client.ListMessages(context.Background(), "c1", 1, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"m2", "m1"}, ids(page1))

	page2, err := client.ListMessages(context.Background(), "c1", 2, 3)
	require.NoError(t, err)
	assert.Empty(t, page2)
}

func TestMarkReadFailure(t *testing.T) {
	client, server := newClient(t, apitest.Token)
	server.Fail(apitest.OpMarkRead, http.StatusInternalServerError)

	err := client.MarkRead(context.Background(), "c1")
	var apiErr *messagingapi.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	assert.Empty(t, server.MarkedRead())

	server.Fail(apitest.OpMarkRead, 0)
	require.NoError(t, client.MarkRead(context.Background(), "c1"))
	assert.Equal(t, []string{"c1"}, server.MarkedRead())
}

func TestUploadAndDownload(t *testing.T) {
	client, server := newClient(t, apitest.Token)
	content := []byte("%PDF-1.4 lecture notes")

	ref, err := client.UploadFile(context.Background(), "notes.pdf", bytes.NewReader(content))
	require.NoError(t, err)
	assert.Equal(t, "notes.pdf", ref.FileName)
	assert.Equal(t, int64(len(content)), ref.FileSize)
	assert.NotEmpty(t, ref.FileURL)

	uploads := server.Uploads()
	require.Len(t, uploads, 1)
	assert.Equal(t, content, uploads[0].Data)

	download, err := client.Download(context.Background(), ref.FileURL)
	require.NoError(t, err)
	assert.Equal(t, content, download.Data)
	assert.NotEmpty(t, download.ContentType)
}

func TestDownloadSendsTokenOnlyToAPIHost(t *testing.T) {
	client, server := newClient(t, apitest.Token)

	gin.SetMode(gin.TestMode)
	headers := make(chan http.Header, 1)
	router := gin.New()
	router.GET("/cdn/voice.webm", func(c *gin.Context) {
		headers <- c.Request.Header.Clone()
		c.Data(http.StatusOK, "audio/webm", []byte("ogg"))
	})
	foreign := httptest.NewServer(router)
	defer foreign.Close()

	download, err := client.Download(context.Background(), foreign.URL+"/cdn/voice.webm")
	require.NoError(t, err)
	assert.Equal(t, []byte("ogg"), download.Data)
	received := <-headers
	assert.Empty(t, received.Get("Authorization"))
	assert.Empty(t, received.Get("Accept"))

	// the API's own file URLs still authenticate
	fileURL := server.PutFile([]byte("notes"), "text/plain")
	download, err = client.Download(context.Background(), server.URL()+"/"+strings.TrimLeft(fileURL, "/"))
	require.NoError(t, err)
	assert.Equal(t, []byte("notes"), download.Data)
}

func TestDownloadTooLarge(t *testing.T) {
	server := apitest.New(t)
	client, err := messagingapi.NewClient(messagingapi.ClientConfig{
		BaseURL:          server.URL(),
		Token:            apitest.Token,
		MaxDownloadBytes: 4,
	})
	require.NoError(t, err)

	fileURL := server.PutFile([]byte("0123456789"), "application/octet-stream")
	_, err = client.Download(context.Background(), fileURL)
	assert.ErrorContains(t, err, "exceeds")
}

func TestToggleReaction(t *testing.T) {
	client, server := newClient(t, apitest.Token)

	require.NoError(t, client.ToggleReaction(context.Background(), "m1", "👍"))
	assert.Equal(t, []apitest.Toggle{{MessageID: "m1", Emoji: "👍"}}, server.Toggles())
}

func ids(messages []models.Message) []string {
	out := make([]string, len(messages))
	for i, m := range messages {
		out[i] = m.ID
	}
	return out
}
