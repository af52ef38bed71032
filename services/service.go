package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mbenaiss/campus-chat/attachments"
	"github.com/mbenaiss/campus-chat/clock"
	"github.com/mbenaiss/campus-chat/db"
	"github.com/mbenaiss/campus-chat/logger"
	"github.com/mbenaiss/campus-chat/messagingapi"
	"github.com/mbenaiss/campus-chat/models"
	"github.com/mbenaiss/campus-chat/reactions"
	"github.com/mbenaiss/campus-chat/store"
	"github.com/mbenaiss/campus-chat/subscriptions"
	"github.com/mbenaiss/campus-chat/transport"
	"github.com/mbenaiss/campus-chat/typing"
)

// ValidationError rejects input before any network call
type ValidationError = models.ValidationError

// ErrUnknownMessage is returned for message ids not held by the store
var ErrUnknownMessage = errors.New("services: unknown message")

// ErrClosed is returned once the service has been shut down
var ErrClosed = errors.New("services: shut down")

// Service is the chat engine driven by the bridge API
type Service interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
	Status() models.Status
	IsConnected() bool

	Conversations() []models.Conversation
	Conversation(id string) (models.Conversation, bool)
	RefreshConversations(ctx context.Context) error
	CreateConversation(ctx context.Context, request models.CreateConversationRequest) (models.Conversation, error)

	Open(ctx context.Context, conversationID string) error
	Close(conversationID string)
	Resync(ctx context.Context, conversationID string) error
	Messages(conversationID string) []models.Message
	HasMore(conversationID string) bool
	LoadOlder(ctx context.Context, conversationID string) (added int, hasMore bool, err error)
	MarkRead(ctx context.Context, conversationID string) error

	SendText(conversationID, content string) (models.PendingMessage, error)
	Outbox(conversationID string) []models.PendingMessage
	Typing(conversationID string)
	StopTyping(conversationID string)
	RemoteTyping(conversationID string) []models.TypingIndicator
	ToggleReaction(ctx context.Context, messageID, emoji string) error

	SendAttachment(ctx context.Context, conversationID, fileName string, data []byte, caption string) (models.Attachment, error)
	Compose(conversationID string) (attachments.ComposeState, bool)
	StartRecording(conversationID string) error
	WriteRecording(conversationID string, chunk []byte) error
	StopRecording(conversationID string) (attachments.Recording, error)
	CancelRecording(conversationID string)
	SendRecording(ctx context.Context, conversationID string) (models.Attachment, error)
	Display(ctx context.Context, messageID string) (string, error)
	ReleaseDisplay(messageID string)
	Blob(id string) (attachments.Blob, bool)
}

// Transport is the realtime session the service drives
type Transport interface {
	subscriptions.Broker
	Connect(ctx context.Context, credentials transport.Credentials) error
	Disconnect()
	IsConnected() bool
	Publish(destination string, body []byte) bool
}

// Config wires the service to its collaborators
type Config struct {
	UserID    string
	Token     string
	Transport Transport
	API       *messagingapi.Client
	// Archive is optional
	Archive db.DB

	PageSize       int
	TypingDebounce time.Duration
	MaxUploadSize  int64
	MaxRecording   time.Duration
	Clock          clock.Clock
	Logger         *zap.Logger
}

type service struct {
	userID    string
	token     string
	pageSize  int
	transport Transport
	archiveDB db.DB
	clock     clock.Clock
	logger    *zap.Logger

	registry    *subscriptions.Registry
	store       *store.Store
	typing      *typing.Coordinator
	attachments *attachments.Pipeline
	reactions   *reactions.Synchronizer

	unwatch []func()
	changes chan archiveItem
	done    chan struct{}
	drained chan struct{}

	// viewMu is held from the open check through the subscribe or merge that
	// depends on it; Close and Shutdown take it to unmark a conversation
	viewMu sync.Mutex

	mu     sync.Mutex
	open   map[string]struct{}
	outbox map[string][]models.PendingMessage
	closed bool
}

// NewService builds the chat engine on top of a transport session and the
// messaging API
func NewService(cfg Config) (Service, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("services: Transport is required")
	}
	if cfg.API == nil {
		return nil, fmt.Errorf("services: API is required")
	}
	log := logger.OrNop(cfg.Logger)
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}

	st, err := store.New(store.Config{API: cfg.API, PageSize: cfg.PageSize, Logger: log})
	if err != nil {
		return nil, err
	}
	coordinator, err := typing.New(typing.Config{
		Publisher: cfg.Transport,
		SelfID:    cfg.UserID,
		Debounce:  cfg.TypingDebounce,
		Clock:     clk,
		Logger:    log,
	})
	if err != nil {
		return nil, err
	}
	pipeline, err := attachments.New(attachments.Config{
		API:           cfg.API,
		Publisher:     cfg.Transport,
		MaxUploadSize: cfg.MaxUploadSize,
		MaxRecording:  cfg.MaxRecording,
		Clock:         clk,
		Logger:        log,
	})
	if err != nil {
		return nil, err
	}
	registry := subscriptions.NewRegistry(cfg.Transport, log)
	synchronizer, err := reactions.New(reactions.Config{API: cfg.API, Registry: registry, Store: st, Logger: log})
	if err != nil {
		registry.Close()
		return nil, err
	}

	s := &service{
		userID:      cfg.UserID,
		token:       cfg.Token,
		pageSize:    st.PageSize(),
		transport:   cfg.Transport,
		archiveDB:   cfg.Archive,
		clock:       clk,
		logger:      log.Named("service"),
		registry:    registry,
		store:       st,
		typing:      coordinator,
		attachments: pipeline,
		reactions:   synchronizer,
		changes:     make(chan archiveItem, 256),
		done:        make(chan struct{}),
		drained:     make(chan struct{}),
		open:        make(map[string]struct{}),
		outbox:      make(map[string][]models.PendingMessage),
	}

	s.unwatch = append(s.unwatch, cfg.Transport.Watch(s.onConnectionChange))
	if s.archiveDB != nil {
		s.unwatch = append(s.unwatch, st.Watch(s.enqueue))
		go s.archiveChanges()
	} else {
		close(s.drained)
	}

	return s, nil
}

// Start loads the conversation list and connects to the broker. Both are
// best effort: a failed list load is logged and the transport keeps retrying
// the connection on its own.
func (s *service) Start(ctx context.Context) error {
	if err := s.store.LoadConversations(ctx); err != nil {
		s.logger.Warn("initial conversation load failed", zap.Error(err))
	}
	if err := s.transport.Connect(ctx, transport.Credentials{Token: s.token}); err != nil {
		s.logger.Warn("broker connect failed, retrying in background", zap.Error(err))
	}
	return nil
}

// Shutdown stops typing, releases every object URL, disconnects and drops
// all state. The archive feed is drained before it returns.
func (s *service) Shutdown(ctx context.Context) error {
	s.viewMu.Lock()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.viewMu.Unlock()
		return nil
	}
	s.closed = true
	s.open = make(map[string]struct{})
	s.outbox = make(map[string][]models.PendingMessage)
	s.mu.Unlock()
	s.viewMu.Unlock()

	s.typing.StopAll()
	s.attachments.ReleaseAll()
	for _, unwatch := range s.unwatch {
		unwatch()
	}
	s.registry.Close()
	s.transport.Disconnect()
	s.store.Reset()

	close(s.done)
	select {
	case <-s.drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("archive drain: %w", ctx.Err())
	}
}

// Status returns the current status of the chat engine
func (s *service) Status() models.Status {
	return models.Status{
		Connected:         s.transport.IsConnected(),
		UserID:            s.userID,
		OpenConversations: s.openConversations(),
	}
}

// IsConnected checks if the broker session is connected
func (s *service) IsConnected() bool {
	return s.transport.IsConnected()
}

func (s *service) Conversations() []models.Conversation {
	return s.store.Conversations()
}

func (s *service) Conversation(id string) (models.Conversation, bool) {
	return s.store.Conversation(id)
}

// RefreshConversations reloads the conversation list
func (s *service) RefreshConversations(ctx context.Context) error {
	return s.store.LoadConversations(ctx)
}

func (s *service) CreateConversation(ctx context.Context, request models.CreateConversationRequest) (models.Conversation, error) {
	if request.Type != models.ConversationDirect && request.Type != models.ConversationGroup {
		return models.Conversation{}, &ValidationError{Field: "type", Reason: "must be direct or group"}
	}
	if len(request.ParticipantIDs) == 0 {
		return models.Conversation{}, &ValidationError{Field: "participantIds", Reason: "at least one participant is required"}
	}
	return s.store.CreateConversation(ctx, request)
}

func (s *service) Messages(conversationID string) []models.Message {
	return s.store.Messages(conversationID)
}

// HasMore reports whether older pages remain on the server
func (s *service) HasMore(conversationID string) bool {
	return s.store.HasMore(conversationID)
}

// MarkRead acknowledges a conversation; unread drops to zero only once the
// server accepted it
func (s *service) MarkRead(ctx context.Context, conversationID string) error {
	return s.store.MarkRead(ctx, conversationID)
}

func (s *service) ToggleReaction(ctx context.Context, messageID, emoji string) error {
	return s.reactions.Toggle(ctx, messageID, emoji)
}

func (s *service) Typing(conversationID string) {
	s.typing.Input(conversationID)
}

func (s *service) StopTyping(conversationID string) {
	s.typing.Stop(conversationID)
}

func (s *service) RemoteTyping(conversationID string) []models.TypingIndicator {
	return s.typing.Remote(conversationID)
}

func (s *service) isOpen(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.open[conversationID]
	return ok
}

func (s *service) openConversations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.open))
	for id := range s.open {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
