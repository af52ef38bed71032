package models

import "time"

// ConversationType distinguishes one-to-one from group conversations
type ConversationType string

const (
	ConversationDirect ConversationType = "direct"
	ConversationGroup  ConversationType = "group"
)

// MessageType is the kind of content a message carries
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageFile  MessageType = "file"
	MessageImage MessageType = "image"
	MessageVoice MessageType = "voice"
	MessageEmoji MessageType = "emoji"
)

// HasAttachment reports whether messages of this type carry a file reference
func (t MessageType) HasAttachment() bool {
	return t == MessageFile || t == MessageImage || t == MessageVoice
}

// DeliveryStatus tracks a message from local send to remote read
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
)

// Participant represents a member of a conversation
type Participant struct {
	UserID      string     `json:"userId"`
	DisplayName string     `json:"displayName"`
	Online      bool       `json:"online"`
	LastReadAt  *time.Time `json:"lastReadAt,omitempty"`
}

// MessageSummary is the last-message preview shown in conversation lists
type MessageSummary struct {
	ID          string      `json:"id"`
	SenderID    string      `json:"senderId"`
	SenderName  string      `json:"senderName,omitempty"`
	Content     string      `json:"content"`
	MessageType MessageType `json:"messageType"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// Conversation represents a direct or group chat
type Conversation struct {
	ID             string           `json:"id"`
	Type           ConversationType `json:"type"`
	Title          string           `json:"title,omitempty"`
	Participants   []Participant    `json:"participants"`
	LastMessage    *MessageSummary  `json:"lastMessage,omitempty"`
	UnreadCount    int              `json:"unreadCount"`
	CreatedAt      time.Time        `json:"createdAt"`
	LastActivityAt time.Time        `json:"lastActivityAt"`
}

// Clone returns a deep copy of the conversation
func (c Conversation) Clone() Conversation {
	out := c
	out.Participants = append([]Participant(nil), c.Participants...)
	if c.LastMessage != nil {
		last := *c.LastMessage
		out.LastMessage = &last
	}
	return out
}

// Attachment is the durable reference a message carries for file, image and
// voice content
type Attachment struct {
	FileURL       string `json:"fileUrl,omitempty"`
	FileName      string `json:"fileName,omitempty"`
	FileSize      int64  `json:"fileSize,omitempty"`
	VoiceDuration int    `json:"voiceDuration,omitempty"`
}

// Reaction is the server-authoritative aggregate for one emoji on one message
type Reaction struct {
	MessageID string   `json:"messageId,omitempty"`
	Emoji     string   `json:"emoji"`
	Count     int      `json:"count"`
	UserNames []string `json:"userNames"`
}

// Message represents a chat message
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversationId"`
	SenderID       string         `json:"senderId"`
	SenderName     string         `json:"senderName,omitempty"`
	Content        string         `json:"content"`
	MessageType    MessageType    `json:"messageType"`
	Attachment
	Edited    bool           `json:"edited"`
	Status    DeliveryStatus `json:"status"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	Reactions []Reaction     `json:"reactions"`
}

// Clone returns a deep copy of the message
func (m Message) Clone() Message {
	out := m
	out.Reactions = CloneReactions(m.Reactions)
	return out
}

// Summary builds the conversation-list preview of the message
func (m Message) Summary() *MessageSummary {
	return &MessageSummary{
		ID:          m.ID,
		SenderID:    m.SenderID,
		SenderName:  m.SenderName,
		Content:     m.Content,
		MessageType: m.MessageType,
		CreatedAt:   m.CreatedAt,
	}
}

// CloneReactions deep-copies a reaction aggregate list
func CloneReactions(in []Reaction) []Reaction {
	if in == nil {
		return nil
	}
	out := make([]Reaction, len(in))
	for i, r := range in {
		r.UserNames = append([]string(nil), r.UserNames...)
		out[i] = r
	}
	return out
}

// MessagePayload is what the client publishes to /app/chat/{conversationId}.
// The server assigns identity, sender and timestamps on receipt.
type MessagePayload struct {
	Content       string      `json:"content"`
	MessageType   MessageType `json:"messageType"`
	FileURL       string      `json:"fileUrl,omitempty"`
	FileName      string      `json:"fileName,omitempty"`
	FileSize      int64       `json:"fileSize,omitempty"`
	VoiceDuration int         `json:"voiceDuration,omitempty"`
}

// TypingIndicator is an ephemeral typing state for one user in one conversation
type TypingIndicator struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	DisplayName    string `json:"userName"`
	IsTyping       bool   `json:"isTyping"`
}

// TypingPayload is what the client publishes to /app/typing/{conversationId}
type TypingPayload struct {
	IsTyping bool `json:"isTyping"`
}

// CreateConversationRequest is the body of POST /conversations
type CreateConversationRequest struct {
	Type           ConversationType `json:"type"`
	Title          string           `json:"title,omitempty"`
	ParticipantIDs []string         `json:"participantIds"`
}

// PendingMessage is a locally composed message not yet echoed by the server
type PendingMessage struct {
	LocalID        string         `json:"localId"`
	ConversationID string         `json:"conversationId"`
	Payload        MessagePayload `json:"payload"`
	Status         DeliveryStatus `json:"status"`
	QueuedAt       time.Time      `json:"queuedAt"`
}

// Status represents the status of the chat engine
type Status struct {
	Connected         bool     `json:"connected"`
	UserID            string   `json:"userId"`
	OpenConversations []string `json:"openConversations"`
}
