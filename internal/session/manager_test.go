package session

import (
	"testing"
	"time"

	"github.com/scribescope/backend/internal/batch"
	"github.com/scribescope/backend/internal/preview"
	"github.com/scribescope/backend/internal/storage"
	"github.com/scribescope/backend/internal/testutil"
	"github.com/scribescope/backend/internal/upload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, *preview.Manager, *testutil.SearchServer) {
	t.Helper()
	srv := testutil.NewSearchServer(t)
	previews := preview.NewManager(storage.NewMemoryStore())
	runner := batch.NewRunner(upload.NewExecutor(upload.Config{Endpoint: srv.URL}), nil)
	m := NewManager(previews, runner)
	t.Cleanup(m.Shutdown)
	return m, previews, srv
}

func TestSessionManager(t *testing.T) {
	m, previews, _ := newTestManager(t)

	s, err := m.Create()
	require.NoError(t, err)

	got, ok := m.Get(s.ID)
	require.True(t, ok)
	assert.Same(t, s, got)

	_, err = s.Submit(uploads("a.png"))
	require.NoError(t, err)
	waitDone(t, s)
	assert.Equal(t, 1, previews.Outstanding())

	require.NoError(t, m.Close(s.ID))
	assert.Equal(t, 0, previews.Outstanding())
	_, ok = m.Get(s.ID)
	assert.False(t, ok)
	assert.ErrorIs(t, m.Close(s.ID), ErrSessionNotFound)
}

func TestManager_EvictsOldestIdleAtCapacity(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.SetMaxSessions(2)

	first, err := m.Create()
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	second, err := m.Create()
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	m.Get(first.ID)

	third, err := m.Create()
	require.NoError(t, err)

	assert.Equal(t, 2, m.Len())
	_, ok := m.Get(second.ID)
	assert.False(t, ok, "least recently used session is evicted")
	_, ok = m.Get(first.ID)
	assert.True(t, ok)
	_, ok = m.Get(third.ID)
	assert.True(t, ok)
}

func TestManager_RefusesWhenAllProcessing(t *testing.T) {
	m, _, srv := newTestManager(t)
	m.SetMaxSessions(1)
	srv.Default.Delay = 100 * time.Millisecond

	s, err := m.Create()
	require.NoError(t, err)
	_, err = s.Submit(uploads("slow.png"))
	require.NoError(t, err)

	_, err = m.Create()
	assert.ErrorIs(t, err, ErrTooManySessions)
	waitDone(t, s)
}

func TestManager_CleanupOldSessions(t *testing.T) {
	m, previews, _ := newTestManager(t)

	stale, err := m.Create()
	require.NoError(t, err)
	_, err = stale.Submit(uploads("a.png"))
	require.NoError(t, err)
	waitDone(t, stale)

	fresh, err := m.Create()
	require.NoError(t, err)

	stale.mu.Lock()
	stale.lastAccessed = time.Now().Add(-time.Hour)
	stale.mu.Unlock()

	removed := m.CleanupOldSessions(30 * time.Minute)
	assert.Equal(t, 1, removed)
	_, ok := m.Get(stale.ID)
	assert.False(t, ok)
	_, ok = m.Get(fresh.ID)
	assert.True(t, ok)
	assert.Equal(t, 0, previews.Outstanding())
}
