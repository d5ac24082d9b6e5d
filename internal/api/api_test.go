package api

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/scribescope/backend/internal/batch"
	"github.com/scribescope/backend/internal/preview"
	"github.com/scribescope/backend/internal/session"
	"github.com/scribescope/backend/internal/storage"
	"github.com/scribescope/backend/internal/testutil"
	"github.com/scribescope/backend/internal/upload"
	"github.com/stretchr/testify/require"
)

type apiFixture struct {
	e        *echo.Echo
	srv      *testutil.SearchServer
	mgr      *session.Manager
	previews *preview.Manager
	handlers *Handlers
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	srv := testutil.NewSearchServer(t)
	previews := preview.NewManager(storage.NewMemoryStore())
	runner := batch.NewRunner(upload.NewExecutor(upload.Config{Endpoint: srv.URL}), nil)
	mgr := session.NewManager(previews, runner)
	t.Cleanup(mgr.Shutdown)

	e := echo.New()
	e.HTTPErrorHandler = NewErrorHandler(true)
	handlers := NewHandlers(&Dependencies{
		SessionMgr: mgr,
		Previews:   previews,
		Limits:     DefaultUploadLimits(),
		Version:    "test",
	})
	RegisterRoutes(e, handlers)

	return &apiFixture{e: e, srv: srv, mgr: mgr, previews: previews, handlers: handlers}
}

func (f *apiFixture) do(method, path string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set(echo.HeaderContentType, contentType)
	}
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) createSession(t *testing.T) *session.Session {
	t.Helper()
	rec := f.do(http.MethodPost, "/api/sessions", nil, "")
	require.Equal(t, http.StatusCreated, rec.Code)

	var snap session.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	s, ok := f.mgr.Get(snap.ID)
	require.True(t, ok)
	return s
}

func (f *apiFixture) submit(t *testing.T, s *session.Session, files map[string][]byte, order ...string) *httptest.ResponseRecorder {
	t.Helper()
	body, ct := multipartBody(t, files, order...)
	return f.do(http.MethodPost, "/api/sessions/"+s.ID+"/files", body, ct)
}

func waitIdle(t *testing.T, s *session.Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
}

func multipartBody(t *testing.T, files map[string][]byte, order ...string) (*bytes.Buffer, string) {
	t.Helper()
	body := new(bytes.Buffer)
	writer := multipart.NewWriter(body)
	for _, name := range order {
		part, err := writer.CreateFormFile(FilesField, name)
		require.NoError(t, err)
		_, err = part.Write(files[name])
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())
	return body, writer.FormDataContentType()
}

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
