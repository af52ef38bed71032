package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a new MCP server exposing tools
func NewMCPServer(name string, version string, tools *Tools) *server.MCPServer {
	s := server.NewMCPServer(
		name,
		version,
	)

	listConversationsTool := mcp.NewTool("list_conversations",
		mcp.WithDescription("Retrieve archived conversations, most recently active first"),
		mcp.WithString("query",
			mcp.Description("Optional search term matched against titles and participant names"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of conversations to return (default 20)"),
		),
		mcp.WithNumber("page",
			mcp.Description("Page number for pagination (default 0)"),
		),
	)

	getConversationTool := mcp.NewTool("get_conversation",
		mcp.WithDescription("Retrieve one archived conversation by id"),
		mcp.WithString("conversation_id",
			mcp.Required(),
			mcp.Description("ID of the conversation to retrieve"),
		),
	)

	listMessagesTool := mcp.NewTool("list_messages",
		mcp.WithDescription("Retrieve archived messages, newest first"),
		mcp.WithString("conversation_id",
			mcp.Description("Optional conversation id; all conversations are searched when omitted"),
		),
		mcp.WithString("query",
			mcp.Description("Optional search term matched against message text and file names"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of messages to return (default 20)"),
		),
		mcp.WithNumber("page",
			mcp.Description("Page number for pagination (default 0)"),
		),
	)

	getMessageTool := mcp.NewTool("get_message",
		mcp.WithDescription("Retrieve one archived message by id"),
		mcp.WithString("message_id",
			mcp.Required(),
			mcp.Description("ID of the message to retrieve"),
		),
	)

	sendMessageTool := mcp.NewTool("send_message",
		mcp.WithDescription("Send a text message to a conversation through the running bridge"),
		mcp.WithString("conversation_id",
			mcp.Required(),
			mcp.Description("ID of the conversation to post in"),
		),
		mcp.WithString("message",
			mcp.Required(),
			mcp.Description("The text of the message to send"),
		),
	)

	s.AddTool(listConversationsTool, tools.listConversationsHandler)
	s.AddTool(getConversationTool, tools.getConversationHandler)
	s.AddTool(listMessagesTool, tools.listMessagesHandler)
	s.AddTool(getMessageTool, tools.getMessageHandler)
	s.AddTool(sendMessageTool, tools.sendMessageHandler)

	return s
}

// StartMCPServer starts the MCP server
func StartMCPServer(s *server.MCPServer) error {
	return server.ServeStdio(s)
}
