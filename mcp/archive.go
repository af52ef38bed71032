package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mbenaiss/campus-chat/db"
	"github.com/mbenaiss/campus-chat/logger"
	"github.com/mbenaiss/campus-chat/models"
)

// Tools answers MCP tool calls from the bridge's archive and forwards sends
// to a running bridge
type Tools struct {
	archive    db.DB
	bridgeURL  string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewTools creates the tool backend. bridgeURL is the bridge root, e.g.
// http://localhost:8080.
func NewTools(archive db.DB, bridgeURL string, log *zap.Logger) *Tools {
	return &Tools{
		archive:    archive,
		bridgeURL:  strings.TrimSuffix(bridgeURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger.OrNop(log).Named("mcp"),
	}
}

// ConversationView is a conversation as shown to the model
type ConversationView struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	Title          string    `json:"title"`
	Participants   []string  `json:"participants"`
	UnreadCount    int       `json:"unreadCount"`
	LastMessage    string    `json:"lastMessage,omitempty"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

func conversationView(c models.Conversation) ConversationView {
	view := ConversationView{
		ID:             c.ID,
		Type:           string(c.Type),
		Title:          c.Title,
		Participants:   make([]string, 0, len(c.Participants)),
		UnreadCount:    c.UnreadCount,
		LastActivityAt: c.LastActivityAt,
	}
	for _, p := range c.Participants {
		name := p.DisplayName
		if name == "" {
			name = p.UserID
		}
		view.Participants = append(view.Participants, name)
	}
	if view.Title == "" {
		view.Title = strings.Join(view.Participants, ", ")
	}
	if c.LastMessage != nil {
		view.LastMessage = c.LastMessage.Content
	}
	return view
}

// ListConversations searches archived conversations by title or participant
func (t *Tools) ListConversations(ctx context.Context, query string, limit, page int) ([]ConversationView, error) {
	conversations, err := t.archive.ListConversations(ctx, query, limit, page)
	if err != nil {
		return nil, err
	}
	views := make([]ConversationView, 0, len(conversations))
	for _, c := range conversations {
		views = append(views, conversationView(c))
	}
	return views, nil
}

// GetConversation returns one archived conversation
func (t *Tools) GetConversation(ctx context.Context, id string) (*ConversationView, error) {
	conversation, err := t.archive.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if conversation == nil {
		return nil, fmt.Errorf("conversation %s not found", id)
	}
	view := conversationView(*conversation)
	return &view, nil
}

// ListMessages searches archived messages, newest first. An empty
// conversationID searches every conversation.
func (t *Tools) ListMessages(ctx context.Context, conversationID, query string, limit, page int) ([]models.Message, error) {
	messages, err := t.archive.ListMessages(ctx, conversationID, query, limit, page)
	if err != nil {
		return nil, err
	}
	if messages == nil {
		messages = []models.Message{}
	}
	return messages, nil
}

// GetMessage returns one archived message
func (t *Tools) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	msg, err := t.archive.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, fmt.Errorf("message %s not found", id)
	}
	return msg, nil
}

// SendMessage asks the bridge to publish a text message. It reports the
// bridge's verdict rather than failing the tool call.
func (t *Tools) SendMessage(ctx context.Context, conversationID, message string) (bool, string) {
	payload, err := json.Marshal(map[string]string{"content": message})
	if err != nil {
		return false, fmt.Sprintf("Error marshaling JSON: %v", err)
	}

	endpoint := t.bridgeURL + "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return false, fmt.Sprintf("Error building request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		t.logger.Warn("bridge unreachable", zap.String("url", endpoint), zap.Error(err))
		return false, fmt.Sprintf("Request error: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return false, fmt.Sprintf("Error reading response: %v", err)
	}

	var result struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return false, fmt.Sprintf("Error parsing response: %s", string(body))
	}
	if resp.StatusCode >= http.StatusBadRequest && result.Message == "" {
		result.Message = fmt.Sprintf("Error: HTTP %d", resp.StatusCode)
	}
	return result.Success, result.Message
}
