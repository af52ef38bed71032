// Package apitest is an in-process fake of the messaging REST API, backed by
// gin and httptest. Message history is kept oldest-first and served in
// newest-first pages, as the real server does.
package apitest

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mbenaiss/campus-chat/models"
)

// Token is the only bearer token the fake accepts
const Token = "test-token"

// Operation names used with Fail, Hold and Count
const (
	OpListConversations  = "list-conversations"
	OpGetConversation    = "get-conversation"
	OpCreateConversation = "create-conversation"
	OpListMessages       = "list-messages"
	OpMarkRead           = "mark-read"
	OpUpload             = "upload"
	OpDownload           = "download"
	OpToggleReaction     = "toggle-reaction"
)

// Upload is one file received by the upload endpoint
type Upload struct {
	Name string
	Data []byte
}

// Toggle is one reaction toggle request
type Toggle struct {
	MessageID string
	Emoji     string
}

type storedFile struct {
	data        []byte
	contentType string
}

// Server is a fake messaging API
type Server struct {
	server *httptest.Server

	mu            sync.Mutex
	conversations []models.Conversation
	messages      map[string][]models.Message
	files         map[string]storedFile
	uploads       []Upload
	toggles       []Toggle
	markedRead    []string
	failures      map[string]int
	holds         map[string]chan struct{}
	counts        map[string]int
}

// New starts a fake API; it is closed with the test
func New(tb interface{ Cleanup(func()) }) *Server {
	gin.SetMode(gin.TestMode)
	s := &Server{
		messages: make(map[string][]models.Message),
		files:    make(map[string]storedFile),
		failures: make(map[string]int),
		holds:    make(map[string]chan struct{}),
		counts:   make(map[string]int),
	}

	router := gin.New()
	api := router.Group("/api", s.authenticate)
	api.GET("/conversations", s.op(OpListConversations, s.listConversations))
	api.POST("/conversations", s.op(OpCreateConversation, s.createConversation))
	api.GET("/conversations/:id", s.op(OpGetConversation, s.getConversation))
	api.GET("/conversations/:id/messages", s.op(OpListMessages, s.listMessages))
	api.POST("/conversations/:id/mark-read", s.op(OpMarkRead, s.markRead))
	api.POST("/files/upload", s.op(OpUpload, s.upload))
	api.GET("/files/:id", s.op(OpDownload, s.download))
	api.POST("/messages/:id/reactions", s.op(OpToggleReaction, s.toggleReaction))

	s.server = httptest.NewServer(router)
	tb.Cleanup(s.Close)
	return s
}

// URL returns the API root, ending in /api
func (s *Server) URL() string {
	return s.server.URL + "/api"
}

// Close releases held requests and stops the server
func (s *Server) Close() {
	s.mu.Lock()
	for op, ch := range s.holds {
		close(ch)
		delete(s.holds, op)
	}
	s.mu.Unlock()
	s.server.Close()
}

// AddConversation appends a conversation to the list endpoint
func (s *Server) AddConversation(c models.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.conversations {
		if s.conversations[i].ID == c.ID {
			s.conversations[i] = c
			return
		}
	}
	s.conversations = append(s.conversations, c)
}

// AddMessages appends messages, oldest first, to a conversation's history
func (s *Server) AddMessages(conversationID string, messages ...models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[conversationID] = append(s.messages[conversationID], messages...)
}

// PutFile stores a downloadable file and returns its relative fileUrl
func (s *Server) PutFile(data []byte, contentType string) string {
	id := uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[id] = storedFile{data: data, contentType: contentType}
	return "/files/" + id
}

// Fail makes every following request of op answer with status until
// Fail(op, 0) is called.
func (s *Server) Fail(op string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == 0 {
		delete(s.failures, op)
		return
	}
	s.failures[op] = status
}

// Hold blocks requests of op until the returned release func is called
func (s *Server) Hold(op string) (release func()) {
	ch := make(chan struct{})
	s.mu.Lock()
	s.holds[op] = ch
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.holds[op] == ch {
				delete(s.holds, op)
				close(ch)
			}
			s.mu.Unlock()
		})
	}
}

// Count returns how many requests of op reached the fake
func (s *Server) Count(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[op]
}

// Uploads returns every received upload
func (s *Server) Uploads() []Upload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Upload(nil), s.uploads...)
}

// Toggles returns every reaction toggle request
func (s *Server) Toggles() []Toggle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Toggle(nil), s.toggles...)
}

// MarkedRead returns the conversation ids acknowledged as read
func (s *Server) MarkedRead() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.markedRead...)
}

func (s *Server) authenticate(c *gin.Context) {
	if c.GetHeader("Authorization") != "Bearer "+Token {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized", "message": "invalid token"})
		return
	}
	c.Next()
}

func (s *Server) op(name string, handler gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		s.mu.Lock()
		s.counts[name]++
		status := s.failures[name]
		hold := s.holds[name]
		s.mu.Unlock()

		if hold != nil {
			select {
			case <-hold:
			case <-c.Request.Context().Done():
				return
			}
		}
		if status != 0 {
			c.JSON(status, gin.H{"error": http.StatusText(status), "message": name + " failed"})
			return
		}
		handler(c)
	}
}

func (s *Server) listConversations(c *gin.Context) {
	s.mu.Lock()
	out := make([]models.Conversation, len(s.conversations))
	copy(out, s.conversations)
	s.mu.Unlock()
	c.JSON(http.StatusOK, out)
}

func (s *Server) getConversation(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conv := range s.conversations {
		if conv.ID == c.Param("id") {
			c.JSON(http.StatusOK, conv)
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "Not Found", "message": "conversation not found"})
}

func (s *Server) createConversation(c *gin.Context) {
	var request models.CreateConversationRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	now := time.Now().UTC()
	conv := models.Conversation{
		ID:             uuid.NewString(),
		Type:           request.Type,
		Title:          request.Title,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	for _, id := range request.ParticipantIDs {
		conv.Participants = append(conv.Participants, models.Participant{UserID: id, DisplayName: id})
	}

	s.mu.Lock()
	s.conversations = append([]models.Conversation{conv}, s.conversations...)
	s.mu.Unlock()
	c.JSON(http.StatusCreated, gin.H{"data": conv})
}

func (s *Server) listMessages(c *gin.Context) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "0"))
	if err != nil || page < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid page"})
		return
	}
	size, err := strconv.Atoi(c.DefaultQuery("size", "50"))
	if err != nil || size <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid size"})
		return
	}

	s.mu.Lock()
	history := s.messages[c.Param("id")]
	newestFirst := make([]models.Message, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		newestFirst = append(newestFirst, history[i].Clone())
	}
	s.mu.Unlock()

	start := min(page*size, len(newestFirst))
	end := min(start+size, len(newestFirst))
	c.JSON(http.StatusOK, gin.H{
		"content": newestFirst[start:end],
		"number":  page,
		"size":    size,
		"last":    end == len(newestFirst),
	})
}

func (s *Server) markRead(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := c.Param("id")
	s.markedRead = append(s.markedRead, id)
	for i := range s.conversations {
		if s.conversations[i].ID == id {
			s.conversations[i].UnreadCount = 0
		}
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) upload(c *gin.Context) {
	header, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "missing file part"})
		return
	}
	file, err := header.Open()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	}

	contentType := http.DetectContentType(data)
	fileURL := s.PutFile(data, contentType)

	s.mu.Lock()
	s.uploads = append(s.uploads, Upload{Name: header.Filename, Data: data})
	s.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{
		"fileUrl":  fileURL,
		"fileName": header.Filename,
		"fileSize": len(data),
	})
}

func (s *Server) download(c *gin.Context) {
	s.mu.Lock()
	file, ok := s.files[c.Param("id")]
	s.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"message": "file not found"})
		return
	}
	c.Data(http.StatusOK, file.contentType, file.data)
}

func (s *Server) toggleReaction(c *gin.Context) {
	var request struct {
		Emoji string `json:"emoji"`
	}
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Emoji) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"message": "emoji is required"})
		return
	}
	s.mu.Lock()
	s.toggles = append(s.toggles, Toggle{MessageID: c.Param("id"), Emoji: request.Emoji})
	s.mu.Unlock()
	c.Status(http.StatusOK)
}
