package attachments

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbenaiss/campus-chat/clock"
	"github.com/mbenaiss/campus-chat/messagingapi"
	"github.com/mbenaiss/campus-chat/messagingapi/apitest"
	"github.com/mbenaiss/campus-chat/models"
	"github.com/mbenaiss/campus-chat/transport"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")

type sentFrame struct {
	destination string
	payload     models.MessagePayload
}

type fakePublisher struct {
	mu           sync.Mutex
	disconnected bool
	sent         []sentFrame
}

func (p *fakePublisher) Publish(destination string, body []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disconnected {
		return false
	}
	var payload models.MessagePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		panic(err)
	}
	p.sent = append(p.sent, sentFrame{destination, payload})
	return true
}

func (p *fakePublisher) frames() []sentFrame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]sentFrame(nil), p.sent...)
}

type fixture struct {
	pipeline  *Pipeline
	server    *apitest.Server
	publisher *fakePublisher
	clock     *clock.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	server := apitest.New(t)
	client, err := messagingapi.NewClient(messagingapi.ClientConfig{BaseURL: server.URL(), Token: apitest.Token})
	require.NoError(t, err)

	pub := &fakePublisher{}
	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	p, err := New(Config{API: client, Publisher: pub, Clock: clk})
	require.NoError(t, err)
	return &fixture{pipeline: p, server: server, publisher: pub, clock: clk}
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
	_, err = New(Config{API: &messagingapi.Client{}})
	assert.Error(t, err)
}

func TestOversizedFileNeverReachesTheNetwork(t *testing.T) {
	f := newFixture(t)

	assert.NoError(t, f.pipeline.Validate(DefaultMaxUploadSize))
	assert.NoError(t, f.pipeline.Validate(10_000_001), "the ceiling is binary megabytes")

	_, err := f.pipeline.Select("c1", "huge.bin", make([]byte, DefaultMaxUploadSize+1))
	var validation *models.ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Contains(t, validation.Reason, "10 MiB")

	_, ok := f.pipeline.Compose("c1")
	assert.False(t, ok)
	_, err = f.pipeline.Upload(context.Background(), "c1")
	assert.ErrorIs(t, err, ErrNoAttachment)
	assert.Zero(t, f.server.Count(apitest.OpUpload))
}

func TestDetectKind(t *testing.T) {
	kind, contentType := DetectKind(pngHeader)
	assert.Equal(t, models.MessageImage, kind)
	assert.Equal(t, "image/png", contentType)

	kind, _ = DetectKind([]byte("%PDF-1.7\n"))
	assert.Equal(t, models.MessageFile, kind)
}

func TestSelectImageCreatesPreview(t *testing.T) {
	f := newFixture(t)
	blobs := f.pipeline.Blobs()

	first, err := f.pipeline.Select("c1", "diagram.png", pngHeader)
	require.NoError(t, err)
	assert.Equal(t, models.MessageImage, first.Kind)
	assert.Equal(t, UploadIdle, first.State)
	require.NotEmpty(t, first.PreviewURL)
	blob, ok := blobs.Resolve(first.PreviewURL)
	require.True(t, ok)
	assert.Equal(t, "image/png", blob.ContentType)

	second, err := f.pipeline.Select("c1", "notes.pdf", []byte("%PDF-1.7\n"))
	require.NoError(t, err)
	assert.Empty(t, second.PreviewURL, "only images get an eager preview")
	_, ok = blobs.Resolve(first.PreviewURL)
	assert.False(t, ok, "replacing the selection revokes the old preview")
	assert.Zero(t, blobs.Len())
}

func TestUploadFailureKeepsCompose(t *testing.T) {
	f := newFixture(t)
	selected, err := f.pipeline.Select("c1", "diagram.png", pngHeader)
	require.NoError(t, err)

	f.server.Fail(apitest.OpUpload, http.StatusInternalServerError)
	_, err = f.pipeline.Upload(context.Background(), "c1")
	require.Error(t, err)

	state, ok := f.pipeline.Compose("c1")
	require.True(t, ok)
	assert.Equal(t, UploadFailed, state.State)
	assert.NotEmpty(t, state.Error)
	assert.Equal(t, selected.PreviewURL, state.PreviewURL)
	_, ok = f.pipeline.Blobs().Resolve(selected.PreviewURL)
	assert.True(t, ok)

	f.server.Fail(apitest.OpUpload, 0)
	ref, err := f.pipeline.Upload(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "diagram.png", ref.FileName)
	assert.Equal(t, int64(len(pngHeader)), ref.FileSize)

	state, _ = f.pipeline.Compose("c1")
	assert.Equal(t, UploadDone, state.State)
	require.NotNil(t, state.Reference)
	assert.Equal(t, ref.FileURL, state.Reference.FileURL)
}

func TestSendSelectedPublishesReference(t *testing.T) {
	f := newFixture(t)
	_, err := f.pipeline.Select("c1", "diagram.png", pngHeader)
	require.NoError(t, err)

	ref, err := f.pipeline.SendSelected(context.Background(), "c1", "  see attached  ")
	require.NoError(t, err)

	frames := f.publisher.frames()
	require.Len(t, frames, 1)
	assert.Equal(t, "/app/chat/c1", frames[0].destination)
	assert.Equal(t, models.MessagePayload{
		Content:     "see attached",
		MessageType: models.MessageImage,
		FileURL:     ref.FileURL,
		FileName:    "diagram.png",
		FileSize:    int64(len(pngHeader)),
	}, frames[0].payload)

	_, ok := f.pipeline.Compose("c1")
	assert.False(t, ok)
	assert.Zero(t, f.pipeline.Blobs().Len())
}

func TestSendWhileDisconnectedKeepsCompose(t *testing.T) {
	f := newFixture(t)
	_, err := f.pipeline.Select("c1", "diagram.png", pngHeader)
	require.NoError(t, err)
	ref, err := f.pipeline.Upload(context.Background(), "c1")
	require.NoError(t, err)

	f.publisher.disconnected = true
	err = f.pipeline.SendWithAttachment("c1", ref, "", models.MessageImage, 0)
	assert.ErrorIs(t, err, transport.ErrNotConnected)
	_, ok := f.pipeline.Compose("c1")
	assert.True(t, ok)

	f.publisher.disconnected = false
	require.NoError(t, f.pipeline.SendWithAttachment("c1", ref, "", models.MessageImage, 0))
	assert.Equal(t, 1, f.server.Count(apitest.OpUpload), "the reference is reused, not re-uploaded")
}

func TestSendWithAttachmentValidation(t *testing.T) {
	f := newFixture(t)
	var validation *models.ValidationError

	err := f.pipeline.SendWithAttachment("c1", models.Attachment{FileURL: "/files/x"}, "", models.MessageText, 0)
	assert.ErrorAs(t, err, &validation)
	err = f.pipeline.SendWithAttachment("c1", models.Attachment{}, "", models.MessageFile, 0)
	assert.ErrorAs(t, err, &validation)
	assert.Empty(t, f.publisher.frames())
}

func TestDisplayDownloadsOnce(t *testing.T) {
	f := newFixture(t)
	fileURL := f.server.PutFile(pngHeader, "image/png")
	message := models.Message{ID: "m1", ConversationID: "c1", MessageType: models.MessageImage, Attachment: models.Attachment{FileURL: fileURL}}

	first, err := f.pipeline.Display(context.Background(), message)
	require.NoError(t, err)
	second, err := f.pipeline.Display(context.Background(), message)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, f.server.Count(apitest.OpDownload))

	blob, ok := f.pipeline.Blobs().Resolve(first)
	require.True(t, ok)
	assert.True(t, bytes.Equal(pngHeader, blob.Data))

	f.pipeline.ReleaseMessage("m1")
	_, ok = f.pipeline.Blobs().Resolve(first)
	assert.False(t, ok)
}

func TestDisplayRejectsMessagesWithoutAttachment(t *testing.T) {
	f := newFixture(t)
	_, err := f.pipeline.Display(context.Background(), models.Message{ID: "m1", MessageType: models.MessageText})
	var validation *models.ValidationError
	assert.ErrorAs(t, err, &validation)
}

func TestDisplayReleasedInFlight(t *testing.T) {
	f := newFixture(t)
	fileURL := f.server.PutFile(pngHeader, "image/png")
	message := models.Message{ID: "m1", ConversationID: "c1", MessageType: models.MessageImage, Attachment: models.Attachment{FileURL: fileURL}}

	release := f.server.Hold(apitest.OpDownload)
	done := make(chan error, 1)
	go func() {
		_, err := f.pipeline.Display(context.Background(), message)
		done <- err
	}()
	require.Eventually(t, func() bool { return f.server.Count(apitest.OpDownload) == 1 }, waitFor, tick)

	f.pipeline.ReleaseConversation("c1")
	release()

	assert.ErrorIs(t, <-done, ErrReleased)
	assert.Zero(t, f.pipeline.Blobs().Len())
}

func TestReleaseAll(t *testing.T) {
	f := newFixture(t)
	fileURL := f.server.PutFile(pngHeader, "image/png")

	_, err := f.pipeline.Select("c1", "a.png", pngHeader)
	require.NoError(t, err)
	_, err = f.pipeline.Display(context.Background(), models.Message{ID: "m9", ConversationID: "c2", MessageType: models.MessageImage, Attachment: models.Attachment{FileURL: fileURL}})
	require.NoError(t, err)
	rec := f.pipeline.Recorder("c3")
	require.NoError(t, rec.Start())
	_, err = rec.Write([]byte("OggS audio"))
	require.NoError(t, err)
	_, err = rec.Stop()
	require.NoError(t, err)
	require.Equal(t, 3, f.pipeline.Blobs().Len())

	f.pipeline.ReleaseAll()

	assert.Zero(t, f.pipeline.Blobs().Len())
	assert.Zero(t, f.clock.Pending())
}
