package attachments

import (
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/mbenaiss/campus-chat/metrics"
)

const blobScheme = "blob:"

// Blob is the content behind an object URL
type Blob struct {
	Data        []byte
	ContentType string
}

// Blobs mints object URLs ("blob:<uuid>") for bytes held in memory. Every
// URL stays resolvable until it is revoked.
type Blobs struct {
	mu    sync.RWMutex
	blobs map[string]Blob
}

// NewBlobs returns an empty registry
func NewBlobs() *Blobs {
	return &Blobs{blobs: make(map[string]Blob)}
}

// Create stores data and returns its object URL
func (b *Blobs) Create(data []byte, contentType string) string {
	id := uuid.NewString()
	b.mu.Lock()
	b.blobs[id] = Blob{Data: data, ContentType: contentType}
	b.mu.Unlock()
	metrics.ObjectURLs.Inc()
	return blobScheme + id
}

// Resolve returns the blob behind an object URL or a bare blob id
func (b *Blobs) Resolve(url string) (Blob, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	blob, ok := b.blobs[strings.TrimPrefix(url, blobScheme)]
	return blob, ok
}

// Revoke releases an object URL. Revoking an unknown or empty URL is a no-op.
func (b *Blobs) Revoke(url string) bool {
	if url == "" {
		return false
	}
	id := strings.TrimPrefix(url, blobScheme)
	b.mu.Lock()
	_, ok := b.blobs[id]
	delete(b.blobs, id)
	b.mu.Unlock()
	if ok {
		metrics.ObjectURLs.Dec()
	}
	return ok
}

// Len returns the number of live object URLs
func (b *Blobs) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.blobs)
}

// BlobID returns the id part of an object URL
func BlobID(url string) string {
	return strings.TrimPrefix(url, blobScheme)
}
