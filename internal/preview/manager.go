// Package preview issues revocable handles that reference in-memory image
// bytes for rendering, and guarantees each handle is released at most once.
package preview

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif" // Register GIF decoder
	"image/jpeg"
	_ "image/png" // Register PNG decoder
	"io"
	"sync"

	"github.com/nfnt/resize"
	"github.com/scribescope/backend/internal/models"
	"github.com/scribescope/backend/internal/storage"
	"github.com/sirupsen/logrus"
)

// DefaultThumbnailSize is the bounding box used for thumbnails.
const DefaultThumbnailSize uint = 128

// ErrHandleReleased is returned for handles that are unknown or already released.
var ErrHandleReleased = errors.New("preview handle released")

// Stats counts handle activity over the manager's lifetime.
type Stats struct {
	Acquired    int64 `json:"acquired"`
	Released    int64 `json:"released"`
	Outstanding int   `json:"outstanding"`
}

// Manager hands out preview handles backed by a storage.Store.
type Manager struct {
	mu       sync.Mutex
	store    storage.Store
	live     map[string]struct{}
	acquired int64
	released int64
}

// NewManager creates a preview manager on top of store.
func NewManager(store storage.Store) *Manager {
	return &Manager{
		store: store,
		live:  make(map[string]struct{}),
	}
}

// Acquire stores the bytes of r and returns a new handle for them.
func (m *Manager) Acquire(name, contentType string, r io.Reader) (string, error) {
	info, err := m.store.Save(name, contentType, r)
	if err != nil {
		return "", fmt.Errorf("acquiring preview for %s: %w", name, err)
	}

	m.mu.Lock()
	m.live[info.ID] = struct{}{}
	m.acquired++
	m.mu.Unlock()

	return info.ID, nil
}

// Release invalidates the handle and frees its bytes.
func (m *Manager) Release(handle string) error {
	m.mu.Lock()
	if _, ok := m.live[handle]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrHandleReleased, handle)
	}
	delete(m.live, handle)
	m.released++
	m.mu.Unlock()

	if err := m.store.Delete(handle); err != nil {
		logrus.WithFields(logrus.Fields{
			"handle": handle,
			"err":    err.Error(),
		}).Warn("failed to delete preview bytes")
	}
	return nil
}

// Open returns the bytes behind a live handle.
func (m *Manager) Open(handle string) (io.ReadCloser, *models.FileInfo, error) {
	if !m.IsLive(handle) {
		return nil, nil, fmt.Errorf("%w: %s", ErrHandleReleased, handle)
	}

	info, err := m.store.Get(handle)
	if err != nil {
		return nil, nil, err
	}
	rc, err := m.store.Open(handle)
	if err != nil {
		return nil, nil, err
	}
	return rc, info, nil
}

// Thumbnail decodes the image behind handle and downsizes it to fit within
// maxDim x maxDim, encoded as JPEG.
func (m *Manager) Thumbnail(handle string, maxDim uint) ([]byte, error) {
	rc, _, err := m.Open(handle)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	img, _, err := image.Decode(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	var resized image.Image
	if img.Bounds().Dy() > img.Bounds().Dx() {
		resized = resize.Resize(0, maxDim, img, resize.Lanczos3)
	} else {
		resized = resize.Resize(maxDim, 0, img, resize.Lanczos3)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, resized, &jpeg.Options{Quality: 75}); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// IsLive reports whether handle has been acquired and not yet released.
func (m *Manager) IsLive(handle string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.live[handle]
	return ok
}

// Outstanding returns the number of live handles.
func (m *Manager) Outstanding() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// Stats returns a snapshot of the handle counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Acquired:    m.acquired,
		Released:    m.released,
		Outstanding: len(m.live),
	}
}
