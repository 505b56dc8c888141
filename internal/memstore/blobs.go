package memstore

import (
	"context"
	"fmt"
	"io"
	"sync"

	"taxdesk/internal/store"
	"taxdesk/pkg/types"
)

// Blobs is an in-memory blob store.
type Blobs struct {
	mu        sync.Mutex
	objects   map[string][]byte
	uploadErr error
	deleteErr error
}

var _ store.BlobStore = (*Blobs)(nil)

func NewBlobs() *Blobs {
	return &Blobs{objects: make(map[string][]byte)}
}

func (b *Blobs) FailUploads(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.uploadErr = err
}

func (b *Blobs) FailDeletes(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleteErr = err
}

func (b *Blobs) UploadBlob(ctx context.Context, path string, body io.Reader, size int64, contentType string) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("failed to read upload body: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.uploadErr != nil {
		return "", b.uploadErr
	}
	b.objects[path] = data
	return "memory://" + path, nil
}

func (b *Blobs) DeleteBlob(ctx context.Context, path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.deleteErr != nil {
		return b.deleteErr
	}
	if _, ok := b.objects[path]; !ok {
		return fmt.Errorf("blob %s: %w", path, types.ErrNotFound)
	}
	delete(b.objects, path)
	return nil
}

// Object returns a stored blob.
func (b *Blobs) Object(path string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[path]
	return data, ok
}

func (b *Blobs) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.objects)
}
