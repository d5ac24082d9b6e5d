// Package upload runs a single file through the remote reverse-image-search
// endpoint and maps the response into a SearchResult.
package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/scribescope/backend/internal/models"
)

// FormField is the multipart field that carries the image bytes.
const FormField = "image"

// maxErrorBody bounds how much of a failed response is read.
const maxErrorBody = 64 * 1024

// File is one input to the executor.
type File struct {
	ID          string
	Name        string
	ContentType string
	Handle      string
	Open        func() (io.ReadCloser, error)
}

// Reporter receives status transitions for the file being processed.
type Reporter func(status models.FileStatus, progress int, errMsg string)

// Config configures an Executor.
type Config struct {
	Endpoint  string
	Token     string
	UserAgent string
	Timeout   time.Duration
}

// Executor performs the search round trip for one file at a time.
type Executor struct {
	endpoint  string
	token     string
	userAgent string
	client    *http.Client
}

// NewExecutor creates an Executor. A zero Timeout leaves the transport
// without a deadline.
func NewExecutor(cfg Config) *Executor {
	return &Executor{
		endpoint:  cfg.Endpoint,
		token:     cfg.Token,
		userAgent: cfg.UserAgent,
		client:    &http.Client{Timeout: cfg.Timeout},
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (e *Executor) WithHTTPClient(c *http.Client) *Executor {
	e.client = c
	return e
}

// Process uploads f and returns the mapped result. Every failure is
// reported as an error transition before it is returned.
func (e *Executor) Process(ctx context.Context, f File, report Reporter) (*models.SearchResult, error) {
	if report == nil {
		report = func(models.FileStatus, int, string) {}
	}

	report(models.FileStatusUploading, models.ProgressUploading, "")

	result, err := e.process(ctx, f, report)
	if err != nil {
		report(models.FileStatusError, models.ProgressPending, Message(err))
		return nil, err
	}

	report(models.FileStatusDone, models.ProgressDone, "")
	return result, nil
}

func (e *Executor) process(ctx context.Context, f File, report Reporter) (*models.SearchResult, error) {
	body, contentType, err := e.buildBody(f)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, body)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	if e.userAgent != "" {
		req.Header.Set("User-Agent", e.userAgent)
	}
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, httpError(resp)
	}

	report(models.FileStatusSearching, models.ProgressSearching, "")

	raw, err := decodeSearchResponse(resp.Body)
	if err != nil {
		return nil, &ParseError{Err: fmt.Errorf("invalid search response: %w", err)}
	}

	return MapResponse(f.Name, f.Handle, *raw), nil
}

// decodeSearchResponse reads exactly one JSON object. A null body or data
// after the object is rejected.
func decodeSearchResponse(r io.Reader) (*models.SearchResponse, error) {
	dec := json.NewDecoder(r)
	var raw *models.SearchResponse
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, errors.New("empty response body")
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("unexpected data after response object")
	}
	return raw, nil
}

func (e *Executor) buildBody(f File) (io.Reader, string, error) {
	if f.Open == nil {
		return nil, "", fmt.Errorf("no content for %s", f.Name)
	}
	src, err := f.Open()
	if err != nil {
		return nil, "", fmt.Errorf("reading %s: %w", f.Name, err)
	}
	defer src.Close()

	buf := new(bytes.Buffer)
	w := multipart.NewWriter(buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, FormField, f.Name))
	ct := f.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	h.Set("Content-Type", ct)

	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, src); err != nil {
		return nil, "", fmt.Errorf("reading %s: %w", f.Name, err)
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf, w.FormDataContentType(), nil
}

// httpError builds the error for a non-2xx response. A body that is not
// JSON yields MsgUploadFailed; JSON without an error field falls back to
// the status code.
func httpError(resp *http.Response) *HTTPError {
	herr := &HTTPError{Status: resp.StatusCode}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		herr.Message = MsgUploadFailed
		return herr
	}

	var body models.ErrorResponse
	if err := json.Unmarshal(data, &body); err != nil {
		herr.Message = MsgUploadFailed
		return herr
	}
	herr.Message = errorText(body.Error)
	return herr
}

// errorText renders the error field of a failed response. Falsy values
// (null, false, 0, "") yield "" so the caller falls back to the status.
func errorText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return ""
	}
	return valueText(v)
}

func valueText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return ""
	case float64:
		if t == 0 || math.IsNaN(t) {
			return ""
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case []any:
		parts := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				parts = append(parts, s)
				continue
			}
			parts = append(parts, valueText(e))
		}
		return strings.Join(parts, ",")
	default:
		return "[object Object]"
	}
}

// MapResponse normalizes a raw response. Absent fields become empty values.
func MapResponse(fileName, handle string, raw models.SearchResponse) *models.SearchResult {
	otherURLs := make([]string, 0, len(raw.OtherURLs))
	otherURLs = append(otherURLs, raw.OtherURLs...)

	return &models.SearchResult{
		ID:            uuid.New().String(),
		FileName:      fileName,
		PreviewHandle: handle,
		MainSourceURL: deref(raw.MainSourceURL),
		OtherURLs:     otherURLs,
		Domain:        deref(raw.Domain),
		Author:        deref(raw.Author),
		License:       deref(raw.License),
		Notes:         "",
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
