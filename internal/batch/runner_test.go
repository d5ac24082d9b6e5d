package batch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/scribescope/backend/internal/models"
	"github.com/scribescope/backend/internal/testutil"
	"github.com/scribescope/backend/internal/upload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type update struct {
	fileID   string
	status   models.FileStatus
	progress int
	msg      string
}

type recordingSink struct {
	mu      sync.Mutex
	updates []update
	notices []models.Notice
}

func (s *recordingSink) UpdateFile(fileID string, status models.FileStatus, progress int, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, update{fileID, status, progress, errMsg})
}

func (s *recordingSink) Notify(n models.Notice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notices = append(s.notices, n)
}

func (s *recordingSink) statuses(fileID string) []models.FileStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.FileStatus
	for _, u := range s.updates {
		if u.fileID == fileID {
			out = append(out, u.status)
		}
	}
	return out
}

type countingObserver struct {
	mu     sync.Mutex
	counts map[models.FileStatus]int
}

func (o *countingObserver) ObserveFile(status models.FileStatus, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.counts == nil {
		o.counts = make(map[models.FileStatus]int)
	}
	o.counts[status]++
}

func files(names ...string) []upload.File {
	out := make([]upload.File, 0, len(names))
	for _, name := range names {
		out = append(out, upload.File{
			ID:          "id-" + name,
			Name:        name,
			ContentType: "image/png",
			Handle:      "h-" + name,
			Open: func() (io.ReadCloser, error) {
				return io.NopCloser(strings.NewReader("bytes")), nil
			},
		})
	}
	return out
}

func TestRun_AllSucceedInInputOrder(t *testing.T) {
	srv := testutil.NewSearchServer(t)
	obs := &countingObserver{}
	r := NewRunner(upload.NewExecutor(upload.Config{Endpoint: srv.URL}), obs)
	sink := &recordingSink{}

	results := r.Run(context.Background(), files("a.png", "b.png", "c.png"), sink)

	require.Len(t, results, 3)
	assert.Equal(t, "a.png", results[0].FileName)
	assert.Equal(t, "b.png", results[1].FileName)
	assert.Equal(t, "c.png", results[2].FileName)
	assert.Empty(t, sink.notices)
	assert.Equal(t, 3, obs.counts[models.FileStatusDone])

	for _, id := range []string{"id-a.png", "id-b.png", "id-c.png"} {
		assert.Equal(t, []models.FileStatus{
			models.FileStatusUploading, models.FileStatusSearching, models.FileStatusDone,
		}, sink.statuses(id))
	}
}

func TestRun_FailureDoesNotAbortBatch(t *testing.T) {
	srv := testutil.NewSearchServer(t)
	srv.Respond("first.png", testutil.Response{Status: http.StatusInternalServerError, Body: `{"error":"rate limited"}`})
	obs := &countingObserver{}
	r := NewRunner(upload.NewExecutor(upload.Config{Endpoint: srv.URL}), obs)
	sink := &recordingSink{}

	results := r.Run(context.Background(), files("first.png", "second.png"), sink)

	require.Len(t, results, 1)
	assert.Equal(t, "second.png", results[0].FileName)

	assert.Equal(t, []models.FileStatus{models.FileStatusUploading, models.FileStatusError}, sink.statuses("id-first.png"))
	require.Len(t, sink.notices, 1)
	assert.Equal(t, "Failed to process first.png", sink.notices[0].Title)
	assert.Equal(t, "rate limited", sink.notices[0].Message)
	assert.Equal(t, 1, obs.counts[models.FileStatusError])
	assert.Equal(t, 1, obs.counts[models.FileStatusDone])
}

func TestRun_OneRequestInFlight(t *testing.T) {
	srv := testutil.NewSearchServer(t)
	srv.Default.Delay = 20 * time.Millisecond
	r := NewRunner(upload.NewExecutor(upload.Config{Endpoint: srv.URL}), nil)

	results := r.Run(context.Background(), files("1.png", "2.png", "3.png", "4.png"), &recordingSink{})

	assert.Len(t, results, 4)
	assert.Equal(t, 1, srv.MaxInFlight())

	var order []string
	for _, req := range srv.Requests() {
		order = append(order, req.FileName)
	}
	assert.Equal(t, []string{"1.png", "2.png", "3.png", "4.png"}, order)
}

// misbehavingProcessor reports a transition that skips a state.
type misbehavingProcessor struct{}

func (misbehavingProcessor) Process(_ context.Context, f upload.File, report upload.Reporter) (*models.SearchResult, error) {
	report(models.FileStatusDone, 100, "")
	report(models.FileStatusUploading, 25, "")
	report(models.FileStatusSearching, 75, "")
	report(models.FileStatusDone, 100, "")
	report(models.FileStatusError, 0, "late")
	return upload.MapResponse(f.Name, f.Handle, models.SearchResponse{}), nil
}

func TestRun_DropsOutOfOrderReports(t *testing.T) {
	r := NewRunner(misbehavingProcessor{}, nil)
	sink := &recordingSink{}

	results := r.Run(context.Background(), files("x.png"), sink)

	assert.Len(t, results, 1)
	assert.Equal(t, []models.FileStatus{
		models.FileStatusUploading, models.FileStatusSearching, models.FileStatusDone,
	}, sink.statuses("id-x.png"))
}

func TestRun_CancelledContextStopsBeforeNextFile(t *testing.T) {
	srv := testutil.NewSearchServer(t)
	r := NewRunner(upload.NewExecutor(upload.Config{Endpoint: srv.URL}), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := r.Run(ctx, files("a.png", "b.png"), &recordingSink{})
	assert.Empty(t, results)
	assert.Empty(t, srv.Requests())
}

// silentFailProcessor fails without reporting any status.
type silentFailProcessor struct{}

func (silentFailProcessor) Process(context.Context, upload.File, upload.Reporter) (*models.SearchResult, error) {
	return nil, &upload.NetworkError{Err: errors.New("dial refused")}
}

func TestRun_FailureBeforeFirstReportIsRecorded(t *testing.T) {
	r := NewRunner(silentFailProcessor{}, nil)
	sink := &recordingSink{}

	results := r.Run(context.Background(), files("quiet.png"), sink)

	assert.Empty(t, results)
	assert.Equal(t, []models.FileStatus{
		models.FileStatusUploading, models.FileStatusError,
	}, sink.statuses("id-quiet.png"))
	require.Len(t, sink.notices, 1)
	assert.Equal(t, "dial refused", sink.notices[0].Message)

	last := sink.updates[len(sink.updates)-1]
	assert.Equal(t, "dial refused", last.msg)
	assert.Equal(t, models.ProgressPending, last.progress)
}
