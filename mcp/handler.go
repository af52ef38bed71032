package mcp

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/mark3labs/mcp-go/mcp"
)

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}

func paging(request mcp.CallToolRequest) (limit, page int) {
	limit = 20
	if l, ok := request.Params.Arguments["limit"].(float64); ok {
		limit = int(l)
	}
	if p, ok := request.Params.Arguments["page"].(float64); ok {
		page = int(p)
	}
	return limit, page
}

func (t *Tools) listConversationsHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, _ := request.Params.Arguments["query"].(string)
	limit, page := paging(request)

	conversations, err := t.ListConversations(ctx, query, limit, page)
	if err != nil {
		return nil, err
	}
	return jsonResult(conversations)
}

func (t *Tools) getConversationHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, ok := request.Params.Arguments["conversation_id"].(string)
	if !ok {
		return nil, errors.New("conversation_id must be a string")
	}

	conversation, err := t.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	return jsonResult(conversation)
}

func (t *Tools) listMessagesHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	conversationID, _ := request.Params.Arguments["conversation_id"].(string)
	query, _ := request.Params.Arguments["query"].(string)
	limit, page := paging(request)

	messages, err := t.ListMessages(ctx, conversationID, query, limit, page)
	if err != nil {
		return nil, err
	}
	return jsonResult(messages)
}

func (t *Tools) getMessageHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, ok := request.Params.Arguments["message_id"].(string)
	if !ok {
		return nil, errors.New("message_id must be a string")
	}

	message, err := t.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	return jsonResult(message)
}

func (t *Tools) sendMessageHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	conversationID, ok := request.Params.Arguments["conversation_id"].(string)
	if !ok {
		return nil, errors.New("conversation_id must be a string")
	}

	message, ok := request.Params.Arguments["message"].(string)
	if !ok {
		return nil, errors.New("message must be a string")
	}

	success, statusMessage := t.SendMessage(ctx, conversationID, message)

	return jsonResult(map[string]any{
		"success": success,
		"message": statusMessage,
	})
}
