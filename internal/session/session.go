package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/scribescope/backend/internal/batch"
	"github.com/scribescope/backend/internal/models"
	"github.com/scribescope/backend/internal/preview"
	"github.com/scribescope/backend/internal/upload"
	"github.com/sirupsen/logrus"
)

var (
	// ErrBusy is returned when an operation is not allowed while a batch runs.
	ErrBusy = errors.New("a batch is already processing")
	// ErrNotIdle is returned by Submit when results are still shown.
	ErrNotIdle = errors.New("session must be reset before a new batch")
	// ErrClosed is returned for operations on a closed session.
	ErrClosed = errors.New("session closed")
	// ErrResultNotFound is returned by UpdateNote for unknown result ids.
	ErrResultNotFound = errors.New("result not found")
)

// Upload is one file handed to Submit.
type Upload struct {
	Name        string
	ContentType string
	Body        io.Reader
}

// Snapshot is a consistent, deep copy of a session for rendering.
type Snapshot struct {
	ID             string                `json:"id"`
	State          models.SessionState   `json:"state"`
	Files          []models.TrackedFile  `json:"files"`
	Results        []models.SearchResult `json:"results"`
	PendingNotices int                   `json:"pendingNotices"`
	UpdatedAt      time.Time             `json:"updatedAt"`
}

// Session owns the state of one client: the view state, the tracked files
// of the current batch and the published results.
type Session struct {
	ID string

	mu           sync.RWMutex
	state        models.SessionState
	order        []string
	tracked      map[string]*models.TrackedFile
	results      []models.SearchResult
	notices      []models.Notice
	createdAt    time.Time
	updatedAt    time.Time
	lastAccessed time.Time
	closed       bool
	done         chan struct{}
	watchers     map[chan struct{}]struct{}

	previews *preview.Manager
	runner   *batch.Runner
	ctx      context.Context
	cancel   context.CancelFunc
}

// New creates an idle session.
func New(previews *preview.Manager, runner *batch.Runner) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	close(done)
	now := time.Now()
	return &Session{
		ID:           uuid.New().String(),
		state:        models.SessionStateIdle,
		tracked:      make(map[string]*models.TrackedFile),
		results:      make([]models.SearchResult, 0),
		createdAt:    now,
		updatedAt:    now,
		lastAccessed: now,
		done:         done,
		watchers:     make(map[chan struct{}]struct{}),
		previews:     previews,
		runner:       runner,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Submit starts a batch over files. An empty list is a no-op and returns
// false. The bytes of every file are captured behind a preview handle
// before the batch starts.
func (s *Session) Submit(files []Upload) (bool, error) {
	if len(files) == 0 {
		return false, nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, ErrClosed
	}
	switch s.state {
	case models.SessionStateProcessing:
		s.mu.Unlock()
		return false, ErrBusy
	case models.SessionStateResults:
		s.mu.Unlock()
		return false, ErrNotIdle
	}
	// Claim the session before doing any I/O so a concurrent Submit fails.
	s.state = models.SessionStateProcessing
	s.done = make(chan struct{})
	s.mu.Unlock()

	entries, inputs, err := s.acquire(files)
	if err != nil {
		s.mu.Lock()
		s.state = models.SessionStateIdle
		close(s.done)
		s.mu.Unlock()
		s.notify()
		return false, err
	}

	s.mu.Lock()
	s.order = make([]string, 0, len(entries))
	s.tracked = make(map[string]*models.TrackedFile, len(entries))
	for _, e := range entries {
		s.order = append(s.order, e.ID)
		s.tracked[e.ID] = e
	}
	s.updatedAt = time.Now()
	s.mu.Unlock()
	s.notify()

	logrus.WithFields(logrus.Fields{
		"session": s.ID[:8],
		"files":   len(inputs),
	}).Info("batch started")

	go s.run(inputs)
	return true, nil
}

// acquire stores every upload behind a preview handle. On failure the
// handles acquired so far are released.
func (s *Session) acquire(files []Upload) ([]*models.TrackedFile, []upload.File, error) {
	entries := make([]*models.TrackedFile, 0, len(files))
	inputs := make([]upload.File, 0, len(files))

	for _, f := range files {
		handle, err := s.previews.Acquire(f.Name, f.ContentType, f.Body)
		if err != nil {
			for _, e := range entries {
				s.previews.Release(e.PreviewHandle)
			}
			return nil, nil, fmt.Errorf("capturing %s: %w", f.Name, err)
		}

		var size int64
		if rc, info, err := s.previews.Open(handle); err == nil {
			size = info.Size
			rc.Close()
		}

		entry := models.NewTrackedFile(uuid.New().String(), f.Name, size, f.ContentType, handle)
		entries = append(entries, entry)
		inputs = append(inputs, upload.File{
			ID:          entry.ID,
			Name:        entry.Name,
			ContentType: entry.ContentType,
			Handle:      handle,
			Open: func() (io.ReadCloser, error) {
				rc, _, err := s.previews.Open(handle)
				return rc, err
			},
		})

		logrus.WithFields(logrus.Fields{
			"session": s.ID[:8],
			"file":    f.Name,
			"size":    humanize.Bytes(uint64(size)),
		}).Debug("file captured")
	}

	return entries, inputs, nil
}

func (s *Session) run(inputs []upload.File) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"session": s.ID[:8],
				"panic":   fmt.Sprint(r),
			}).Error("batch panicked")
			s.complete(nil)
		}
	}()

	results := s.runner.Run(s.ctx, inputs, s)
	s.complete(results)

	logrus.WithFields(logrus.Fields{
		"session":   s.ID[:8],
		"files":     len(inputs),
		"succeeded": len(results),
		"elapsed":   time.Since(start).Round(time.Millisecond),
	}).Info("batch complete")
}

// complete publishes the batch results and moves to the results state in
// one step.
func (s *Session) complete(results []models.SearchResult) {
	s.mu.Lock()
	if s.state != models.SessionStateProcessing {
		s.mu.Unlock()
		return
	}
	s.results = append(s.results, results...)
	s.state = models.SessionStateResults
	s.updatedAt = time.Now()
	close(s.done)
	s.mu.Unlock()
	s.notify()
}

// UpdateFile applies one status transition to a tracked file.
func (s *Session) UpdateFile(fileID string, status models.FileStatus, progress int, errMsg string) {
	s.mu.Lock()
	entry, ok := s.tracked[fileID]
	if !ok {
		s.mu.Unlock()
		return
	}
	entry.Status = status
	entry.Progress = progress
	if status == models.FileStatusError {
		entry.Error = errMsg
	} else {
		entry.Error = ""
	}
	s.updatedAt = time.Now()
	s.mu.Unlock()
	s.notify()
}

// Notify queues a failure notice for one-time delivery.
func (s *Session) Notify(n models.Notice) {
	s.mu.Lock()
	s.notices = append(s.notices, n)
	s.mu.Unlock()
	s.notify()
}

// DrainNotices returns the queued notices and forgets them.
func (s *Session) DrainNotices() []models.Notice {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.notices
	s.notices = nil
	if out == nil {
		out = []models.Notice{}
	}
	return out
}

// UpdateNote replaces the notes of one result.
func (s *Session) UpdateNote(resultID, text string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	found := false
	for i := range s.results {
		if s.results[i].ID == resultID {
			s.results[i].Notes = text
			s.updatedAt = time.Now()
			found = true
			break
		}
	}
	s.mu.Unlock()

	if !found {
		return fmt.Errorf("%w: %s", ErrResultNotFound, resultID)
	}
	s.notify()
	return nil
}

// Reset releases every preview handle, clears the batch state and returns
// to idle. It is refused while a batch is processing.
func (s *Session) Reset() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state == models.SessionStateProcessing {
		s.mu.Unlock()
		return ErrBusy
	}
	handles := s.clearLocked()
	s.state = models.SessionStateIdle
	s.updatedAt = time.Now()
	s.mu.Unlock()

	s.release(handles)
	s.notify()
	return nil
}

// clearLocked empties tracked files and results and returns the distinct
// handles they referenced. A handle moved from a tracked file to its
// result appears once.
func (s *Session) clearLocked() []string {
	seen := make(map[string]struct{})
	handles := make([]string, 0, len(s.tracked)+len(s.results))
	add := func(h string) {
		if h == "" {
			return
		}
		if _, ok := seen[h]; ok {
			return
		}
		seen[h] = struct{}{}
		handles = append(handles, h)
	}
	for _, r := range s.results {
		add(r.PreviewHandle)
	}
	for _, id := range s.order {
		add(s.tracked[id].PreviewHandle)
	}

	s.order = nil
	s.tracked = make(map[string]*models.TrackedFile)
	s.results = make([]models.SearchResult, 0)
	s.notices = nil
	return handles
}

func (s *Session) release(handles []string) {
	for _, h := range handles {
		if err := s.previews.Release(h); err != nil {
			logrus.WithFields(logrus.Fields{
				"session": s.ID[:8],
				"handle":  h,
				"err":     err.Error(),
			}).Error("preview handle release failed")
		}
	}
}

// Close stops an in-flight batch, waits for it and releases every handle.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	done := s.done
	s.mu.Unlock()

	s.cancel()
	<-done

	s.mu.Lock()
	handles := s.clearLocked()
	s.state = models.SessionStateIdle
	s.mu.Unlock()

	s.release(handles)
	s.notify()

	s.mu.Lock()
	for ch := range s.watchers {
		close(ch)
		delete(s.watchers, ch)
	}
	s.mu.Unlock()
}

// Wait blocks until no batch is processing or ctx is done.
func (s *Session) Wait(ctx context.Context) error {
	s.mu.RLock()
	done := s.done
	s.mu.RUnlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current view state.
func (s *Session) State() models.SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Results returns a copy of the result collection.
func (s *Session) Results() []models.SearchResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneResults(s.results)
}

// Snapshot returns a deep copy of the session taken under one lock.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	files := make([]models.TrackedFile, 0, len(s.order))
	for _, id := range s.order {
		files = append(files, *s.tracked[id])
	}

	return Snapshot{
		ID:             s.ID,
		State:          s.state,
		Files:          files,
		Results:        cloneResults(s.results),
		PendingNotices: len(s.notices),
		UpdatedAt:      s.updatedAt,
	}
}

// Watch returns a channel that receives a signal whenever the session
// changes. The channel is closed when the session closes or stop is called.
func (s *Session) Watch() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	s.watchers[ch] = struct{}{}
	s.mu.Unlock()

	stop := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.watchers[ch]; ok {
			delete(s.watchers, ch)
			close(ch)
		}
	}
	return ch, stop
}

func (s *Session) notify() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastAccessed = time.Now()
	s.mu.Unlock()
}

func (s *Session) idleSince() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastAccessed, s.state != models.SessionStateProcessing
}

func cloneResults(in []models.SearchResult) []models.SearchResult {
	out := make([]models.SearchResult, 0, len(in))
	for _, r := range in {
		out = append(out, r.Clone())
	}
	return out
}
