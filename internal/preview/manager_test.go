package preview

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"strings"
	"testing"

	"github.com/scribescope/backend/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestAcquireRelease(t *testing.T) {
	store := storage.NewMemoryStore()
	m := NewManager(store)

	h, err := m.Acquire("cat.png", "image/png", strings.NewReader("meow"))
	require.NoError(t, err)
	assert.NotEmpty(t, h)
	assert.True(t, m.IsLive(h))
	assert.Equal(t, 1, m.Outstanding())

	rc, info, err := m.Open(h)
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "meow", string(data))
	assert.Equal(t, "cat.png", info.Name)

	require.NoError(t, m.Release(h))
	assert.False(t, m.IsLive(h))
	assert.Equal(t, 0, m.Outstanding())
	assert.Equal(t, 0, store.Len())

	_, _, err = m.Open(h)
	assert.ErrorIs(t, err, ErrHandleReleased)
}

func TestReleaseExactlyOnce(t *testing.T) {
	m := NewManager(storage.NewMemoryStore())

	h, err := m.Acquire("a.png", "", strings.NewReader("a"))
	require.NoError(t, err)

	require.NoError(t, m.Release(h))
	assert.ErrorIs(t, m.Release(h), ErrHandleReleased)
	assert.ErrorIs(t, m.Release("never-issued"), ErrHandleReleased)

	stats := m.Stats()
	assert.Equal(t, int64(1), stats.Acquired)
	assert.Equal(t, int64(1), stats.Released)
	assert.Equal(t, 0, stats.Outstanding)
}

func TestThumbnail(t *testing.T) {
	m := NewManager(storage.NewMemoryStore())

	h, err := m.Acquire("wide.png", "image/png", bytes.NewReader(pngBytes(t, 400, 200)))
	require.NoError(t, err)

	thumb, err := m.Thumbnail(h, 100)
	require.NoError(t, err)

	img, err := jpeg.Decode(bytes.NewReader(thumb))
	require.NoError(t, err)
	assert.Equal(t, 100, img.Bounds().Dx())
	assert.Equal(t, 50, img.Bounds().Dy())
}

func TestThumbnailRejectsNonImage(t *testing.T) {
	m := NewManager(storage.NewMemoryStore())

	h, err := m.Acquire("notes.png", "image/png", strings.NewReader("not an image"))
	require.NoError(t, err)

	_, err = m.Thumbnail(h, 64)
	assert.Error(t, err)
}
