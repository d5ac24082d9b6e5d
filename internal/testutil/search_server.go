// search_server.go - Fake reverse-image-search endpoint for testing
package testutil

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// Response describes how the fake endpoint answers for one file name.
type Response struct {
	Status int
	Body   string
	Delay  time.Duration
}

// Request records what the fake endpoint received.
type Request struct {
	FileName  string
	Field     string
	Size      int
	Auth      string
	UserAgent string
}

// SearchServer is an httptest server that speaks the search endpoint protocol.
type SearchServer struct {
	*httptest.Server

	mu        sync.Mutex
	responses map[string]Response
	requests  []Request

	// Default is used for file names without a registered response.
	Default Response

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

// NewSearchServer starts a fake endpoint that is closed when the test ends.
func NewSearchServer(t testing.TB) *SearchServer {
	s := &SearchServer{
		responses: make(map[string]Response),
		Default: Response{
			Status: http.StatusOK,
			Body:   `{"mainSourceUrl":"https://example.com/source.jpg","otherUrls":["https://mirror.example.org/a.jpg"],"domain":"example.com","author":"Jane Doe","license":"CC-BY-4.0"}`,
		},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

// Respond registers the answer for a file name.
func (s *SearchServer) Respond(fileName string, r Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[fileName] = r
}

// Requests returns the received requests in arrival order.
func (s *SearchServer) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// MaxInFlight returns the highest number of concurrent requests observed.
func (s *SearchServer) MaxInFlight() int {
	return int(s.maxInFlight.Load())
}

func (s *SearchServer) handle(w http.ResponseWriter, r *http.Request) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		max := s.maxInFlight.Load()
		if n <= max || s.maxInFlight.CompareAndSwap(max, n) {
			break
		}
	}

	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	req := Request{Auth: r.Header.Get("Authorization"), UserAgent: r.Header.Get("User-Agent")}
	if err := r.ParseMultipartForm(32 << 20); err == nil {
		for field, headers := range r.MultipartForm.File {
			req.Field = field
			if len(headers) > 0 {
				req.FileName = headers[0].Filename
				if f, err := headers[0].Open(); err == nil {
					data, _ := io.ReadAll(f)
					f.Close()
					req.Size = len(data)
				}
			}
		}
	}

	s.mu.Lock()
	s.requests = append(s.requests, req)
	resp, ok := s.responses[req.FileName]
	if !ok {
		resp = s.Default
	}
	s.mu.Unlock()

	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Status)
	io.WriteString(w, resp.Body)
}
