package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mbenaiss/campus-chat/attachments"
	"github.com/mbenaiss/campus-chat/messagingapi"
	"github.com/mbenaiss/campus-chat/models"
	"github.com/mbenaiss/campus-chat/services"
	"github.com/mbenaiss/campus-chat/transport"
)

// SendMessageRequest represents the request body for sending messages
type SendMessageRequest struct {
	Content string `json:"content"`
}

// TypingRequest reports local typing activity
type TypingRequest struct {
	IsTyping bool `json:"isTyping"`
}

// ReactionRequest toggles the caller's reaction on a message
type ReactionRequest struct {
	Emoji string `json:"emoji"`
}

// MessagesResponse is a conversation's loaded history plus unconfirmed sends
type MessagesResponse struct {
	Messages []models.Message        `json:"messages"`
	Pending  []models.PendingMessage `json:"pending"`
	HasMore  bool                    `json:"hasMore"`
}

// fail maps service errors onto HTTP statuses
func (s *Server) fail(c *gin.Context, err error, action string) {
	var (
		validation *services.ValidationError
		apiErr     *messagingapi.APIError
	)
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &validation):
		status = http.StatusBadRequest
	case errors.Is(err, transport.ErrNotConnected), errors.Is(err, services.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, services.ErrUnknownMessage):
		status = http.StatusNotFound
	case errors.Is(err, attachments.ErrNoAttachment), errors.Is(err, attachments.ErrNotRecording),
		errors.Is(err, attachments.ErrRecordingActive), errors.Is(err, attachments.ErrNoRecording):
		status = http.StatusConflict
	case messagingapi.IsNotFound(err):
		status = http.StatusNotFound
	case errors.As(err, &apiErr):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		s.logger.Error(action, zap.Error(err))
	}

	c.JSON(status, Response{
		Success: false,
		Message: fmt.Sprintf("Failed to %s: %v", action, err),
	})
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Response{Success: true, Data: data})
}

func done(c *gin.Context, message string) {
	c.JSON(http.StatusOK, Response{Success: true, Message: message})
}

func (s *Server) handleStatus(c *gin.Context) {
	ok(c, s.service.Status())
}

func (s *Server) handleGetConversations(c *gin.Context) {
	if c.Query("refresh") == "true" {
		if err := s.service.RefreshConversations(c.Request.Context()); err != nil {
			s.fail(c, err, "refresh conversations")
			return
		}
	}
	ok(c, s.service.Conversations())
}

func (s *Server) handleCreateConversation(c *gin.Context) {
	var req models.CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Response{
			Success: false,
			Message: "Invalid request body",
		})
		return
	}

	conversation, err := s.service.CreateConversation(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err, "create conversation")
		return
	}

	c.JSON(http.StatusCreated, Response{
		Success: true,
		Data:    conversation,
	})
}

func (s *Server) handleGetConversation(c *gin.Context) {
	conversation, found := s.service.Conversation(c.Param("id"))
	if !found {
		c.JSON(http.StatusNotFound, Response{
			Success: false,
			Message: "Conversation not found",
		})
		return
	}
	ok(c, conversation)
}

func (s *Server) handleOpen(c *gin.Context) {
	if err := s.service.Open(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err, "open conversation")
		return
	}
	done(c, "Conversation opened")
}

func (s *Server) handleClose(c *gin.Context) {
	s.service.Close(c.Param("id"))
	done(c, "Conversation closed")
}

func (s *Server) handleResync(c *gin.Context) {
	if err := s.service.Resync(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err, "resync conversation")
		return
	}
	done(c, "Conversation resynced")
}

func (s *Server) handleGetMessages(c *gin.Context) {
	id := c.Param("id")
	messages := s.service.Messages(id)
	if messages == nil {
		messages = []models.Message{}
	}
	pending := s.service.Outbox(id)
	if pending == nil {
		pending = []models.PendingMessage{}
	}
	ok(c, MessagesResponse{Messages: messages, Pending: pending, HasMore: s.service.HasMore(id)})
}

func (s *Server) handleSendMessage(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Response{
			Success: false,
			Message: "Invalid request body",
		})
		return
	}

	pending, err := s.service.SendText(c.Param("id"), req.Content)
	if err != nil {
		s.fail(c, err, "send message")
		return
	}

	c.JSON(http.StatusAccepted, Response{
		Success: true,
		Message: "Message sent successfully",
		Data:    pending,
	})
}

func (s *Server) handleLoadOlder(c *gin.Context) {
	added, hasMore, err := s.service.LoadOlder(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err, "load older messages")
		return
	}
	ok(c, gin.H{"added": added, "hasMore": hasMore})
}

func (s *Server) handleMarkRead(c *gin.Context) {
	if err := s.service.MarkRead(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err, "mark conversation read")
		return
	}
	done(c, "Conversation marked read")
}

func (s *Server) handleGetTyping(c *gin.Context) {
	typing := s.service.RemoteTyping(c.Param("id"))
	if typing == nil {
		typing = []models.TypingIndicator{}
	}
	ok(c, typing)
}

func (s *Server) handleTyping(c *gin.Context) {
	req := TypingRequest{IsTyping: true}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, Response{
				Success: false,
				Message: "Invalid request body",
			})
			return
		}
	}

	if req.IsTyping {
		s.service.Typing(c.Param("id"))
	} else {
		s.service.StopTyping(c.Param("id"))
	}
	done(c, "Typing state updated")
}

func (s *Server) handleGetCompose(c *gin.Context) {
	state, found := s.service.Compose(c.Param("id"))
	if !found {
		c.JSON(http.StatusNotFound, Response{
			Success: false,
			Message: "No attachment selected",
		})
		return
	}
	ok(c, state)
}

func (s *Server) handleSendAttachment(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxUploadBytes)
	header, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, Response{
			Success: false,
			Message: "Missing file part",
		})
		return
	}
	file, err := header.Open()
	if err != nil {
		s.fail(c, err, "read attachment")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		s.fail(c, err, "read attachment")
		return
	}

	ref, err := s.service.SendAttachment(c.Request.Context(), c.Param("id"), header.Filename, data, c.PostForm("caption"))
	if err != nil {
		s.fail(c, err, "send attachment")
		return
	}

	c.JSON(http.StatusAccepted, Response{
		Success: true,
		Message: "Attachment sent successfully",
		Data:    ref,
	})
}

func (s *Server) handleVoiceStart(c *gin.Context) {
	if err := s.service.StartRecording(c.Param("id")); err != nil {
		s.fail(c, err, "start recording")
		return
	}
	done(c, "Recording started")
}

func (s *Server) handleVoiceChunk(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxUploadBytes)
	chunk, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, Response{
			Success: false,
			Message: "Invalid audio chunk",
		})
		return
	}
	if err := s.service.WriteRecording(c.Param("id"), chunk); err != nil {
		s.fail(c, err, "write recording")
		return
	}
	done(c, "Chunk recorded")
}

func (s *Server) handleVoiceStop(c *gin.Context) {
	recording, err := s.service.StopRecording(c.Param("id"))
	if err != nil {
		s.fail(c, err, "stop recording")
		return
	}
	ok(c, gin.H{
		"contentType": recording.ContentType,
		"previewUrl":  recording.PreviewURL,
		"seconds":     recording.Seconds(),
		"size":        len(recording.Data),
	})
}

func (s *Server) handleVoiceCancel(c *gin.Context) {
	s.service.CancelRecording(c.Param("id"))
	done(c, "Recording discarded")
}

func (s *Server) handleVoiceSend(c *gin.Context) {
	ref, err := s.service.SendRecording(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err, "send voice message")
		return
	}

	c.JSON(http.StatusAccepted, Response{
		Success: true,
		Message: "Voice message sent successfully",
		Data:    ref,
	})
}

func (s *Server) handleToggleReaction(c *gin.Context) {
	var req ReactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Response{
			Success: false,
			Message: "Invalid request body",
		})
		return
	}

	if err := s.service.ToggleReaction(c.Request.Context(), c.Param("id"), req.Emoji); err != nil {
		s.fail(c, err, "toggle reaction")
		return
	}
	done(c, "Reaction toggled")
}

func (s *Server) handleDisplay(c *gin.Context) {
	url, err := s.service.Display(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err, "display attachment")
		return
	}
	ok(c, gin.H{"url": url, "blob": "/api/blobs/" + attachments.BlobID(url)})
}

func (s *Server) handleReleaseDisplay(c *gin.Context) {
	s.service.ReleaseDisplay(c.Param("id"))
	done(c, "Attachment released")
}

func (s *Server) handleBlob(c *gin.Context) {
	blob, found := s.service.Blob(c.Param("id"))
	if !found {
		c.JSON(http.StatusNotFound, Response{
			Success: false,
			Message: "Blob not found",
		})
		return
	}
	c.Data(http.StatusOK, blob.ContentType, blob.Data)
}
