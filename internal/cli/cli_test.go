package cli

import (
	"bytes"
	"context"
	"encoding/csv"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/scribescope/backend/internal/config"
	"github.com/scribescope/backend/internal/export"
	"github.com/scribescope/backend/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeImages(t *testing.T, names ...string) []string {
	t.Helper()
	dir := t.TempDir()
	paths := make([]string, 0, len(names))
	for _, n := range names {
		p := filepath.Join(dir, n)
		require.NoError(t, os.WriteFile(p, []byte("bytes of "+n), 0644))
		paths = append(paths, p)
	}
	return paths
}

func TestRunSearch(t *testing.T) {
	srv := testutil.NewSearchServer(t)
	srv.Respond("broken.jpg", testutil.Response{Status: http.StatusInternalServerError, Body: `{"error":"no match"}`})
	paths := writeImages(t, "one.png", "broken.jpg", "two.webp")
	csvPath := filepath.Join(t.TempDir(), export.CSVFileName)

	var out bytes.Buffer
	err := runSearch(context.Background(), &out, searchOptions{
		endpoint: srv.URL,
		timeout:  5 * time.Second,
		csvPath:  csvPath,
		allowed:  config.DefaultConfig().AllowedExtensions(),
		files:    paths,
	})
	require.NoError(t, err)

	assert.Contains(t, out.String(), "one.png")
	assert.Contains(t, out.String(), "no match")
	assert.Contains(t, out.String(), "https://example.com/source.jpg")
	assert.Len(t, srv.Requests(), 3)

	f, err := os.Open(csvPath)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, export.Header, rows[0])
	assert.Equal(t, "one.png", rows[1][1])
	assert.Equal(t, paths[0], rows[1][2])
	assert.Equal(t, "two.webp", rows[2][1])
	assert.Equal(t, paths[2], rows[2][2])
}

func TestRunSearch_AllFailed(t *testing.T) {
	srv := testutil.NewSearchServer(t)
	srv.Default = testutil.Response{Status: http.StatusServiceUnavailable, Body: `down`}

	err := runSearch(context.Background(), &bytes.Buffer{}, searchOptions{
		endpoint: srv.URL,
		allowed:  config.DefaultConfig().AllowedExtensions(),
		files:    writeImages(t, "a.png"),
	})
	assert.ErrorIs(t, err, ErrNoResults)
}

func TestRunSearch_RejectsBadInput(t *testing.T) {
	allowed := config.DefaultConfig().AllowedExtensions()
	tests := []struct {
		name  string
		files []string
	}{
		{"unsupported type", writeImages(t, "notes.txt")},
		{"missing file", []string{filepath.Join(t.TempDir(), "gone.png")}},
		{"directory", []string{t.TempDir() + "/dir.png"}},
	}
	require.NoError(t, os.Mkdir(tests[2].files[0], 0755))

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := testutil.NewSearchServer(t)
			err := runSearch(context.Background(), &bytes.Buffer{}, searchOptions{
				endpoint: srv.URL,
				allowed:  allowed,
				files:    tt.files,
			})
			assert.Error(t, err)
			assert.Empty(t, srv.Requests())
		})
	}
}

func TestNewServer(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.InMemory = true
	cfg.Storage.DataDirectory = t.TempDir()
	cfg.Advanced.EnableRequestLogging = false

	srv, err := newServer(cfg, BuildInfo{Version: "1.2.3"})
	require.NoError(t, err)
	t.Cleanup(srv.sessions.Shutdown)

	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"version":"1.2.3"`)

	rec = httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/sessions", nil))
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "scribescope_sessions 1")

	rec = httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ScribeScope")
}

func TestNewServer_InvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Search.Endpoint = "nowhere"
	_, err := newServer(cfg, BuildInfo{})
	assert.Error(t, err)
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand(BuildInfo{Version: "test"})
	cmd.SetArgs([]string{"search"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	assert.Error(t, cmd.Execute(), "search requires at least one file")

	names := make([]string, 0)
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"serve", "search"}, names)
}
