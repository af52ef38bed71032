package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"github.com/mbenaiss/campus-chat/attachments"
	"github.com/mbenaiss/campus-chat/models"
	"github.com/mbenaiss/campus-chat/subscriptions"
	"github.com/mbenaiss/campus-chat/transport"
)

// SendText publishes a text message. The returned pending entry stays in the
// outbox until the server echoes the message back.
func (s *service) SendText(conversationID, content string) (models.PendingMessage, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return models.PendingMessage{}, &ValidationError{Field: "content", Reason: "message is empty"}
	}

	payload := models.MessagePayload{Content: content, MessageType: models.MessageText}
	if isEmojiOnly(content) {
		payload.MessageType = models.MessageEmoji
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return models.PendingMessage{}, fmt.Errorf("encode message payload: %w", err)
	}
	if !s.transport.Publish(subscriptions.ChatDestination(conversationID), body) {
		return models.PendingMessage{}, transport.ErrNotConnected
	}

	pending := models.PendingMessage{
		LocalID:        uuid.NewString(),
		ConversationID: conversationID,
		Payload:        payload,
		Status:         models.StatusPending,
		QueuedAt:       s.clock.Now(),
	}
	s.mu.Lock()
	s.outbox[conversationID] = append(s.outbox[conversationID], pending)
	s.mu.Unlock()

	s.typing.Stop(conversationID)
	return pending, nil
}

// Outbox returns the messages sent from this session and not yet echoed
func (s *service) Outbox(conversationID string) []models.PendingMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.PendingMessage(nil), s.outbox[conversationID]...)
}

// settleOutbox drops the oldest pending entry matching a self echo
func (s *service) settleOutbox(message models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := s.outbox[message.ConversationID]
	for i, p := range pending {
		if p.Payload.Content == message.Content && p.Payload.MessageType == message.MessageType {
			s.outbox[message.ConversationID] = append(pending[:i:i], pending[i+1:]...)
			return
		}
	}
}

// SendAttachment selects, uploads and publishes a file in one step. A failed
// upload leaves the selection in the composer for a retry.
func (s *service) SendAttachment(ctx context.Context, conversationID, fileName string, data []byte, caption string) (models.Attachment, error) {
	if _, err := s.attachments.Select(conversationID, fileName, data); err != nil {
		return models.Attachment{}, err
	}
	return s.attachments.SendSelected(ctx, conversationID, caption)
}

func (s *service) Compose(conversationID string) (attachments.ComposeState, bool) {
	return s.attachments.Compose(conversationID)
}

func (s *service) StartRecording(conversationID string) error {
	return s.attachments.Recorder(conversationID).Start()
}

func (s *service) WriteRecording(conversationID string, chunk []byte) error {
	_, err := s.attachments.Recorder(conversationID).Write(chunk)
	return err
}

func (s *service) StopRecording(conversationID string) (attachments.Recording, error) {
	return s.attachments.Recorder(conversationID).Stop()
}

func (s *service) CancelRecording(conversationID string) {
	s.attachments.Recorder(conversationID).Cancel()
}

func (s *service) SendRecording(ctx context.Context, conversationID string) (models.Attachment, error) {
	return s.attachments.SendRecording(ctx, conversationID)
}

// Display returns an object URL for a stored message's attachment
func (s *service) Display(ctx context.Context, messageID string) (string, error) {
	message, ok := s.store.Message(messageID)
	if !ok {
		return "", ErrUnknownMessage
	}
	return s.attachments.Display(ctx, message)
}

func (s *service) ReleaseDisplay(messageID string) {
	s.attachments.ReleaseMessage(messageID)
}

func (s *service) Blob(id string) (attachments.Blob, bool) {
	return s.attachments.Blobs().Resolve(id)
}

// isEmojiOnly reports whether content is made of emoji and joiners only
func isEmojiOnly(content string) bool {
	sawSymbol := false
	for _, r := range content {
		switch {
		case unicode.IsSpace(r):
		case r == '\u200d' || (r >= '\ufe00' && r <= '\ufe0f') || (r >= 0x1f3fb && r <= 0x1f3ff):
			// joiners, variation selectors and skin tones
		case unicode.Is(unicode.So, r) || (r >= 0x1f1e6 && r <= 0x1f1ff):
			sawSymbol = true
		default:
			return false
		}
	}
	return sawSymbol
}
