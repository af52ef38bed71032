// Package attachments moves files between the REST upload protocol and the
// realtime message channel. It owns every object URL it creates: compose
// previews, display copies of received attachments, and voice recordings.
package attachments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/mbenaiss/campus-chat/clock"
	"github.com/mbenaiss/campus-chat/logger"
	"github.com/mbenaiss/campus-chat/messagingapi"
	"github.com/mbenaiss/campus-chat/metrics"
	"github.com/mbenaiss/campus-chat/models"
	"github.com/mbenaiss/campus-chat/subscriptions"
	"github.com/mbenaiss/campus-chat/transport"
)

const (
	// DefaultMaxUploadSize is the attachment ceiling, 10 MiB as browser
	// clients count it
	DefaultMaxUploadSize = 10 << 20
	// DefaultMaxRecording is the voice capture cap
	DefaultMaxRecording = 5 * time.Minute
)

var (
	// ErrNoAttachment is returned when a conversation has no selected file
	ErrNoAttachment = errors.New("attachments: no file selected")
	// ErrReleased is returned when the owner of a pending result was torn
	// down before it arrived
	ErrReleased = errors.New("attachments: owner released")
)

// API is the REST side the pipeline uses
type API interface {
	UploadFile(ctx context.Context, fileName string, content io.Reader) (*messagingapi.UploadResult, error)
	Download(ctx context.Context, fileURL string) (*messagingapi.Download, error)
}

// Publisher sends a realtime frame; false means nothing was sent
type Publisher interface {
	Publish(destination string, body []byte) bool
}

// UploadState is the outcome of the compose slot's upload
type UploadState string

const (
	UploadIdle      UploadState = "idle"
	UploadUploading UploadState = "uploading"
	UploadDone      UploadState = "uploaded"
	UploadFailed    UploadState = "failed"
)

// ComposeState describes the file selected in a conversation's composer
type ComposeState struct {
	FileName    string             `json:"fileName"`
	FileSize    int64              `json:"fileSize"`
	ContentType string             `json:"contentType"`
	Kind        models.MessageType `json:"kind"`
	PreviewURL  string             `json:"previewUrl,omitempty"`
	State       UploadState        `json:"state"`
	Reference   *models.Attachment `json:"reference,omitempty"`
	Error       string             `json:"error,omitempty"`
}

type slot struct {
	name        string
	data        []byte
	contentType string
	kind        models.MessageType
	previewURL  string
	state       UploadState
	reference   *models.Attachment
	err         error
}

func (s *slot) view() ComposeState {
	out := ComposeState{
		FileName:    s.name,
		FileSize:    int64(len(s.data)),
		ContentType: s.contentType,
		Kind:        s.kind,
		PreviewURL:  s.previewURL,
		State:       s.state,
	}
	if s.reference != nil {
		ref := *s.reference
		out.Reference = &ref
	}
	if s.err != nil {
		out.Error = s.err.Error()
	}
	return out
}

// Config configures a Pipeline
type Config struct {
	API       API
	Publisher Publisher
	// Blobs is shared with whatever serves object URLs. If nil a private
	// registry is created.
	Blobs *Blobs
	// MaxUploadSize is the largest accepted file in bytes. Zero means 10 MiB.
	MaxUploadSize int64
	// MaxRecording caps voice capture. Zero means 5 minutes.
	MaxRecording time.Duration
	Clock        clock.Clock
	Logger       *zap.Logger
}

type displayEntry struct {
	conversationID string
	url            string
	// ready is closed once url or err is set
	ready chan struct{}
	err   error
}

// Pipeline is the attachment pipeline
type Pipeline struct {
	api          API
	publisher    Publisher
	blobs        *Blobs
	maxSize      int64
	maxRecording time.Duration
	clock        clock.Clock
	logger       *zap.Logger

	mu        sync.Mutex
	slots     map[string]*slot
	display   map[string]*displayEntry
	recorders map[string]*Recorder
}

// New creates a Pipeline
func New(cfg Config) (*Pipeline, error) {
	if cfg.API == nil {
		return nil, fmt.Errorf("attachments: API is required")
	}
	if cfg.Publisher == nil {
		return nil, fmt.Errorf("attachments: Publisher is required")
	}
	blobs := cfg.Blobs
	if blobs == nil {
		blobs = NewBlobs()
	}
	maxSize := cfg.MaxUploadSize
	if maxSize <= 0 {
		maxSize = DefaultMaxUploadSize
	}
	maxRecording := cfg.MaxRecording
	if maxRecording <= 0 {
		maxRecording = DefaultMaxRecording
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &Pipeline{
		api:          cfg.API,
		publisher:    cfg.Publisher,
		blobs:        blobs,
		maxSize:      maxSize,
		maxRecording: maxRecording,
		clock:        clk,
		logger:       logger.OrNop(cfg.Logger).Named("attachments"),
		slots:        make(map[string]*slot),
		display:      make(map[string]*displayEntry),
		recorders:    make(map[string]*Recorder),
	}, nil
}

// Blobs returns the object URL registry
func (p *Pipeline) Blobs() *Blobs {
	return p.blobs
}

// Validate rejects files over the upload ceiling
func (p *Pipeline) Validate(size int64) error {
	if size > p.maxSize {
		return &models.ValidationError{
			Field: "file",
			Reason: fmt.Sprintf("%s exceeds the %s limit",
				humanize.IBytes(uint64(size)), humanize.IBytes(uint64(p.maxSize))),
		}
	}
	if size == 0 {
		return &models.ValidationError{Field: "file", Reason: "file is empty"}
	}
	return nil
}

// DetectKind maps sniffed content to a message type
func DetectKind(data []byte) (models.MessageType, string) {
	mtype := mimetype.Detect(data)
	contentType := mtype.String()
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return models.MessageImage, contentType
	case strings.HasPrefix(contentType, "audio/"), strings.HasPrefix(contentType, "video/webm"):
		return models.MessageVoice, contentType
	default:
		return models.MessageFile, contentType
	}
}

// Select puts a file in a conversation's composer, replacing any previous
// selection. Images get a preview object URL right away.
func (p *Pipeline) Select(conversationID, fileName string, data []byte) (ComposeState, error) {
	if err := p.Validate(int64(len(data))); err != nil {
		return ComposeState{}, err
	}
	kind, contentType := DetectKind(data)
	// voice notes come from the recorder; a picked audio file is a file
	if kind == models.MessageVoice {
		kind = models.MessageFile
	}

	s := &slot{
		name:        fileName,
		data:        data,
		contentType: contentType,
		kind:        kind,
		state:       UploadIdle,
	}
	if kind == models.MessageImage {
		s.previewURL = p.blobs.Create(data, contentType)
	}

	p.mu.Lock()
	old := p.slots[conversationID]
	p.slots[conversationID] = s
	view := s.view()
	p.mu.Unlock()

	if old != nil {
		p.blobs.Revoke(old.previewURL)
	}
	return view, nil
}

// Compose returns the composer state of a conversation
func (p *Pipeline) Compose(conversationID string) (ComposeState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.slots[conversationID]
	if !ok {
		return ComposeState{}, false
	}
	return s.view(), true
}

// ClearCompose drops the selected file and revokes its preview
func (p *Pipeline) ClearCompose(conversationID string) {
	p.mu.Lock()
	s := p.slots[conversationID]
	delete(p.slots, conversationID)
	p.mu.Unlock()

	if s != nil {
		p.blobs.Revoke(s.previewURL)
	}
}

// Upload sends the conversation's selected file and returns its durable
// reference. On failure the selection and preview are left intact so the
// upload can be retried.
func (p *Pipeline) Upload(ctx context.Context, conversationID string) (models.Attachment, error) {
	p.mu.Lock()
	s := p.slots[conversationID]
	if s == nil {
		p.mu.Unlock()
		return models.Attachment{}, ErrNoAttachment
	}
	if s.state == UploadDone && s.reference != nil {
		ref := *s.reference
		p.mu.Unlock()
		return ref, nil
	}
	s.state = UploadUploading
	s.err = nil
	name, data := s.name, s.data
	p.mu.Unlock()

	ref, err := p.upload(ctx, name, data)

	p.mu.Lock()
	current := p.slots[conversationID] == s
	if current {
		if err != nil {
			s.state = UploadFailed
			s.err = err
		} else {
			s.state = UploadDone
			s.reference = &ref
		}
	}
	p.mu.Unlock()

	if err != nil {
		return models.Attachment{}, err
	}
	if !current {
		return models.Attachment{}, ErrReleased
	}
	return ref, nil
}

func (p *Pipeline) upload(ctx context.Context, fileName string, data []byte) (models.Attachment, error) {
	if err := p.Validate(int64(len(data))); err != nil {
		metrics.Uploads.WithLabelValues("rejected").Inc()
		return models.Attachment{}, err
	}

	result, err := p.api.UploadFile(ctx, fileName, bytes.NewReader(data))
	if err != nil {
		metrics.Uploads.WithLabelValues("failed").Inc()
		p.logger.Warn("upload failed", zap.String("file_name", fileName), zap.Error(err))
		return models.Attachment{}, err
	}
	metrics.Uploads.WithLabelValues("uploaded").Inc()
	return models.Attachment{
		FileURL:  result.FileURL,
		FileName: result.FileName,
		FileSize: result.FileSize,
	}, nil
}

// SendWithAttachment publishes a message carrying an uploaded reference and
// clears the conversation's composer. It returns transport.ErrNotConnected
// when the publish was a no-op; the composer is then kept.
func (p *Pipeline) SendWithAttachment(conversationID string, ref models.Attachment, caption string, kind models.MessageType, voiceDuration int) error {
	if !kind.HasAttachment() {
		return &models.ValidationError{Field: "messageType", Reason: fmt.Sprintf("%q does not carry an attachment", kind)}
	}
	if ref.FileURL == "" {
		return &models.ValidationError{Field: "fileUrl", Reason: "attachment was not uploaded"}
	}

	payload := models.MessagePayload{
		Content:     strings.TrimSpace(caption),
		MessageType: kind,
		FileURL:     ref.FileURL,
		FileName:    ref.FileName,
		FileSize:    ref.FileSize,
	}
	if kind == models.MessageVoice {
		payload.VoiceDuration = voiceDuration
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode message payload: %w", err)
	}
	if !p.publisher.Publish(subscriptions.ChatDestination(conversationID), body) {
		return transport.ErrNotConnected
	}

	if kind != models.MessageVoice {
		p.ClearCompose(conversationID)
	}
	return nil
}

// SendSelected uploads the composer's file and publishes it with caption
func (p *Pipeline) SendSelected(ctx context.Context, conversationID, caption string) (models.Attachment, error) {
	p.mu.Lock()
	s := p.slots[conversationID]
	p.mu.Unlock()
	if s == nil {
		return models.Attachment{}, ErrNoAttachment
	}

	ref, err := p.Upload(ctx, conversationID)
	if err != nil {
		return models.Attachment{}, err
	}
	if err := p.SendWithAttachment(conversationID, ref, caption, s.kind, 0); err != nil {
		return models.Attachment{}, err
	}
	return ref, nil
}

// Display returns an object URL for a received attachment, downloading it
// once per message id. Concurrent callers share one download.
func (p *Pipeline) Display(ctx context.Context, message models.Message) (string, error) {
	if !message.MessageType.HasAttachment() || message.FileURL == "" {
		return "", &models.ValidationError{Field: "message", Reason: "message has no attachment"}
	}

	p.mu.Lock()
	if e, ok := p.display[message.ID]; ok {
		p.mu.Unlock()
		select {
		case <-e.ready:
			return e.url, e.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	e := &displayEntry{conversationID: message.ConversationID, ready: make(chan struct{})}
	p.display[message.ID] = e
	p.mu.Unlock()

	download, err := p.api.Download(ctx, message.FileURL)

	p.mu.Lock()
	owned := p.display[message.ID] == e
	switch {
	case err != nil:
		e.err = err
		if owned {
			delete(p.display, message.ID)
		}
	case !owned:
		e.err = ErrReleased
	default:
		contentType := download.ContentType
		if contentType == "" || strings.HasPrefix(contentType, "application/octet-stream") {
			contentType = mimetype.Detect(download.Data).String()
		}
		e.url = p.blobs.Create(download.Data, contentType)
	}
	close(e.ready)
	p.mu.Unlock()

	if e.err != nil {
		return "", e.err
	}
	return e.url, nil
}

// ReleaseMessage revokes the display URL of one message
func (p *Pipeline) ReleaseMessage(messageID string) {
	p.mu.Lock()
	e := p.display[messageID]
	delete(p.display, messageID)
	p.mu.Unlock()

	p.revokeEntry(e)
}

// ReleaseConversation revokes every object URL owned by a conversation's
// view: display copies, the compose preview and any recording.
func (p *Pipeline) ReleaseConversation(conversationID string) {
	p.mu.Lock()
	var entries []*displayEntry
	for id, e := range p.display {
		if e.conversationID == conversationID {
			entries = append(entries, e)
			delete(p.display, id)
		}
	}
	rec := p.recorders[conversationID]
	delete(p.recorders, conversationID)
	p.mu.Unlock()

	for _, e := range entries {
		p.revokeEntry(e)
	}
	p.ClearCompose(conversationID)
	if rec != nil {
		rec.Cancel()
	}
}

// ReleaseAll revokes every object URL the pipeline created, at session end
func (p *Pipeline) ReleaseAll() {
	p.mu.Lock()
	conversations := make(map[string]struct{})
	for _, e := range p.display {
		conversations[e.conversationID] = struct{}{}
	}
	for id := range p.slots {
		conversations[id] = struct{}{}
	}
	for id := range p.recorders {
		conversations[id] = struct{}{}
	}
	p.mu.Unlock()

	for id := range conversations {
		p.ReleaseConversation(id)
	}
}

// revokeEntry revokes a settled entry. A download still in flight finds
// itself unowned when it lands and never creates its URL.
func (p *Pipeline) revokeEntry(e *displayEntry) {
	if e == nil {
		return
	}
	select {
	case <-e.ready:
		p.blobs.Revoke(e.url)
	default:
	}
}
