package attachments

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/mbenaiss/campus-chat/clock"
	"github.com/mbenaiss/campus-chat/models"
)

var (
	// ErrNotRecording is returned by Write and Stop outside a recording
	ErrNotRecording = errors.New("attachments: not recording")
	// ErrRecordingActive is returned by Start while already recording
	ErrRecordingActive = errors.New("attachments: already recording")
	// ErrNoRecording is returned when no stopped recording is ready to send
	ErrNoRecording = errors.New("attachments: no recording ready")
)

// RecorderState is the voice capture state
type RecorderState string

const (
	RecorderIdle      RecorderState = "idle"
	RecorderRecording RecorderState = "recording"
	RecorderReady     RecorderState = "ready"
)

// Recording is a stopped voice capture
type Recording struct {
	Data        []byte        `json:"-"`
	ContentType string        `json:"contentType"`
	Duration    time.Duration `json:"duration"`
	PreviewURL  string        `json:"previewUrl"`
}

// Seconds is the duration carried as voiceDuration, rounded up
func (r Recording) Seconds() int {
	return int(math.Ceil(r.Duration.Seconds()))
}

// Recorder buffers one voice capture. It moves idle → recording → ready on
// Stop, or back to idle on Cancel. Recording stops by itself once the cap
// elapses.
type Recorder struct {
	clock  clock.Clock
	blobs  *Blobs
	max    time.Duration
	logger *zap.Logger

	mu        sync.Mutex
	state     RecorderState
	buf       bytes.Buffer
	startedAt time.Time
	timer     clock.Timer
	seq       uint64
	recording Recording
}

func newRecorder(clk clock.Clock, blobs *Blobs, max time.Duration, log *zap.Logger) *Recorder {
	return &Recorder{clock: clk, blobs: blobs, max: max, logger: log, state: RecorderIdle}
}

// State returns the current state
func (r *Recorder) State() RecorderState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Start begins a capture. A ready recording that was never sent is
// discarded.
func (r *Recorder) Start() error {
	r.mu.Lock()
	if r.state == RecorderRecording {
		r.mu.Unlock()
		return ErrRecordingActive
	}
	stale := r.recording.PreviewURL
	r.recording = Recording{}
	r.buf.Reset()
	r.state = RecorderRecording
	r.startedAt = r.clock.Now()
	r.seq++
	seq := r.seq
	r.timer = r.clock.AfterFunc(r.max, func() { r.autoStop(seq) })
	r.mu.Unlock()

	r.blobs.Revoke(stale)
	return nil
}

// Write appends captured audio
func (r *Recorder) Write(chunk []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != RecorderRecording {
		return 0, ErrNotRecording
	}
	return r.buf.Write(chunk)
}

// Stop ends the capture and makes it ready to send, with a preview URL
func (r *Recorder) Stop() (Recording, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != RecorderRecording {
		return Recording{}, ErrNotRecording
	}
	r.timer.Stop()
	r.finishLocked(r.clock.Now().Sub(r.startedAt))
	return r.recording, nil
}

func (r *Recorder) autoStop(seq uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != RecorderRecording || r.seq != seq {
		return
	}
	r.finishLocked(r.max)
	r.logger.Info("recording reached its cap and stopped", zap.Duration("max", r.max))
}

func (r *Recorder) finishLocked(elapsed time.Duration) {
	if elapsed > r.max {
		elapsed = r.max
	}
	data := append([]byte(nil), r.buf.Bytes()...)
	r.buf.Reset()
	contentType := mimetype.Detect(data).String()
	r.recording = Recording{
		Data:        data,
		ContentType: contentType,
		Duration:    elapsed,
		PreviewURL:  r.blobs.Create(data, contentType),
	}
	r.state = RecorderReady
}

// Cancel discards captured audio and revokes the preview URL
func (r *Recorder) Cancel() {
	r.mu.Lock()
	if r.timer != nil {
		r.timer.Stop()
	}
	preview := r.recording.PreviewURL
	r.recording = Recording{}
	r.buf.Reset()
	r.state = RecorderIdle
	r.mu.Unlock()

	r.blobs.Revoke(preview)
}

// Take returns the ready recording without consuming it
func (r *Recorder) Take() (Recording, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != RecorderReady {
		return Recording{}, false
	}
	return r.recording, true
}

// Recorder returns the voice recorder of a conversation, creating it on
// first use.
func (p *Pipeline) Recorder(conversationID string) *Recorder {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.recorders[conversationID]
	if !ok {
		rec = newRecorder(p.clock, p.blobs, p.maxRecording, p.logger.With(zap.String("conversation_id", conversationID)))
		p.recorders[conversationID] = rec
	}
	return rec
}

// SendRecording uploads the conversation's ready recording and publishes it
// as a voice message. On failure the recording stays ready for a retry.
func (p *Pipeline) SendRecording(ctx context.Context, conversationID string) (models.Attachment, error) {
	rec := p.Recorder(conversationID)
	recording, ok := rec.Take()
	if !ok {
		return models.Attachment{}, ErrNoRecording
	}

	extension := mimetype.Detect(recording.Data).Extension()
	name := fmt.Sprintf("voice-%d%s", p.clock.Now().Unix(), extension)
	ref, err := p.upload(ctx, name, recording.Data)
	if err != nil {
		return models.Attachment{}, err
	}
	ref.VoiceDuration = recording.Seconds()

	if err := p.SendWithAttachment(conversationID, ref, "", models.MessageVoice, ref.VoiceDuration); err != nil {
		return models.Attachment{}, err
	}
	rec.Cancel()
	return ref, nil
}
