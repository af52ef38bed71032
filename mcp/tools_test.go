package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbenaiss/campus-chat/db"
	"github.com/mbenaiss/campus-chat/models"
)

func newArchive(t *testing.T) db.DB {
	t.Helper()
	ctx := context.Background()
	archive, err := db.NewDB(ctx, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { archive.Close() })

	at := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, archive.StoreConversation(ctx, models.Conversation{
		ID:             "c1",
		Type:           models.ConversationDirect,
		Participants:   []models.Participant{{UserID: "u2", DisplayName: "Grace"}},
		LastActivityAt: at,
	}))
	for i, content := range []string{"lab report due friday", "thanks!"} {
		require.NoError(t, archive.StoreMessage(ctx, models.Message{
			ID:             []string{"m1", "m2"}[i],
			ConversationID: "c1",
			SenderID:       "u2",
			Content:        content,
			MessageType:    models.MessageText,
			CreatedAt:      at.Add(time.Duration(i) * time.Minute),
		}))
	}
	return archive
}

func call(args map[string]interface{}) mcp.CallToolRequest {
	var request mcp.CallToolRequest
	request.Params.Arguments = args
	return request
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, result)
	raw, err := json.Marshal(result)
	require.NoError(t, err)
	var decoded struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Len(t, decoded.Content, 1)
	return decoded.Content[0].Text
}

func TestListConversationsNamesDirectChats(t *testing.T) {
	tools := NewTools(newArchive(t), "http://unused", nil)

	views, err := tools.ListConversations(context.Background(), "grace", 0, 0)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, "Grace", views[0].Title)
	assert.Equal(t, []string{"Grace"}, views[0].Participants)

	result, err := tools.listConversationsHandler(context.Background(), call(map[string]interface{}{"query": "nobody"}))
	require.NoError(t, err)
	assert.Equal(t, "[]", resultText(t, result))
}

func TestListMessagesHandler(t *testing.T) {
	tools := NewTools(newArchive(t), "http://unused", nil)

	result, err := tools.listMessagesHandler(context.Background(), call(map[string]interface{}{
		"conversation_id": "c1",
		"limit":           float64(1),
	}))
	require.NoError(t, err)

	var messages []models.Message
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &messages))
	require.Len(t, messages, 1)
	assert.Equal(t, "m2", messages[0].ID)

	found, err := tools.ListMessages(context.Background(), "", "report", 10, 0)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "m1", found[0].ID)
}

func TestGetHandlersRequireIDs(t *testing.T) {
	tools := NewTools(newArchive(t), "http://unused", nil)

	_, err := tools.getConversationHandler(context.Background(), call(map[string]interface{}{}))
	assert.Error(t, err)
	_, err = tools.getMessageHandler(context.Background(), call(map[string]interface{}{"message_id": "missing"}))
	assert.Error(t, err)

	msg, err := tools.GetMessage(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, "lab report due friday", msg.Content)
}

func TestSendMessageForwardsToBridge(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var got struct {
		conversation string
		content      string
	}
	router := gin.New()
	router.POST("/api/conversations/:id/messages", func(c *gin.Context) {
		if c.Param("id") == "offline" {
			c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "message": "Failed to send message: transport: not connected"})
			return
		}
		var body struct {
			Content string `json:"content"`
		}
		assert.NoError(t, c.ShouldBindJSON(&body))
		got.conversation, got.content = c.Param("id"), body.Content
		c.JSON(http.StatusAccepted, gin.H{"success": true, "message": "Message sent successfully"})
	})
	bridge := httptest.NewServer(router)
	defer bridge.Close()

	tools := NewTools(nil, bridge.URL+"/", nil)

	success, message := tools.SendMessage(context.Background(), "c1", "on my way")
	assert.True(t, success)
	assert.Equal(t, "Message sent successfully", message)
	assert.Equal(t, "c1", got.conversation)
	assert.Equal(t, "on my way", got.content)

	success, message = tools.SendMessage(context.Background(), "offline", "hello")
	assert.False(t, success)
	assert.Contains(t, message, "not connected")

	result, err := tools.sendMessageHandler(context.Background(), call(map[string]interface{}{"conversation_id": "c1"}))
	assert.Error(t, err)
	assert.Nil(t, result)
}
