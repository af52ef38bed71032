package subscriptions

// Topic keys group every stream of a conversation under one prefix so a
// closed conversation can be released with a single UnsubscribeAll.

// ConversationPrefix is the key prefix shared by all topics of a conversation
func ConversationPrefix(conversationID string) string {
	return "conversation/" + conversationID + "/"
}

// MessagesKey is the topic key of a conversation's message stream
func MessagesKey(conversationID string) string {
	return ConversationPrefix(conversationID) + "messages"
}

// TypingKey is the topic key of a conversation's typing stream
func TypingKey(conversationID string) string {
	return ConversationPrefix(conversationID) + "typing"
}

// ReactionsKey is the topic key of one message's reaction stream, scoped to
// its conversation
func ReactionsKey(conversationID, messageID string) string {
	return ConversationPrefix(conversationID) + "reactions/" + messageID
}

// MessagesTopic is the broker destination pushing new messages
func MessagesTopic(conversationID string) string {
	return "/topic/conversation/" + conversationID
}

// TypingTopic is the broker destination pushing typing indicators
func TypingTopic(conversationID string) string {
	return "/topic/conversation/" + conversationID + "/typing"
}

// ReactionsTopic is the broker destination pushing a message's aggregate
func ReactionsTopic(messageID string) string {
	return "/topic/message/" + messageID + "/reactions"
}

// ChatDestination is where outgoing messages are published
func ChatDestination(conversationID string) string {
	return "/app/chat/" + conversationID
}

// TypingDestination is where local typing state is published
func TypingDestination(conversationID string) string {
	return "/app/typing/" + conversationID
}
