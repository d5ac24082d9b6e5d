// handlers_session.go - Session lifecycle and batch handlers
package api

import (
	"bytes"
	"fmt"
	"mime"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"
	"github.com/scribescope/backend/internal/export"
	"github.com/scribescope/backend/internal/models"
	"github.com/scribescope/backend/internal/session"
	"github.com/sirupsen/logrus"
)

// FilesField is the multipart field carrying submitted images.
const FilesField = "files"

// UploadLimits restricts what HandleSubmitFiles accepts.
type UploadLimits struct {
	AllowedExtensions []string
	MaxFileSize       int64
}

// DefaultUploadLimits accepts the image types of the drop zone.
func DefaultUploadLimits() UploadLimits {
	return UploadLimits{
		AllowedExtensions: []string{".jpeg", ".jpg", ".png", ".gif", ".webp"},
		MaxFileSize:       25 * 1000 * 1000,
	}
}

// check returns why fh is not accepted, or "" when it is.
func (l UploadLimits) check(fh *multipart.FileHeader) string {
	ext := strings.ToLower(filepath.Ext(fh.Filename))
	allowed := false
	for _, a := range l.AllowedExtensions {
		if ext == a {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Sprintf("%s: unsupported file type %q", fh.Filename, ext)
	}
	if l.MaxFileSize > 0 && fh.Size > l.MaxFileSize {
		return fmt.Sprintf("%s: %s exceeds the %s limit",
			fh.Filename, humanize.Bytes(uint64(fh.Size)), humanize.Bytes(uint64(l.MaxFileSize)))
	}
	return ""
}

// rejectedFile is a submitted file that failed the upload limits.
type rejectedFile struct {
	name   string
	reason string
}

// SessionHandlerImpl implements the SessionHandler interface
type SessionHandlerImpl struct {
	sessionMgr SessionManager
	limits     UploadLimits
}

// NewSessionHandler creates a new session handler instance
func NewSessionHandler(sessionMgr SessionManager, limits UploadLimits) SessionHandler {
	return &SessionHandlerImpl{
		sessionMgr: sessionMgr,
		limits:     limits,
	}
}

func (h *SessionHandlerImpl) lookup(c echo.Context) (*session.Session, error) {
	id := c.Param("id")
	if id == "" {
		return nil, NewValidationError("id", "")
	}
	sess, ok := h.sessionMgr.Get(id)
	if !ok {
		return nil, NewNotFoundError("session", id)
	}
	return sess, nil
}

// HandleCreateSession starts a new idle session
func (h *SessionHandlerImpl) HandleCreateSession(c echo.Context) error {
	sess, err := h.sessionMgr.Create()
	if err != nil {
		return fromDomainError(err, "session", "")
	}
	return c.JSON(http.StatusCreated, sess.Snapshot())
}

// HandleGetSession returns a snapshot of the session
func (h *SessionHandlerImpl) HandleGetSession(c echo.Context) error {
	sess, err := h.lookup(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sess.Snapshot())
}

// HandleDeleteSession closes the session and releases its previews
func (h *SessionHandlerImpl) HandleDeleteSession(c echo.Context) error {
	id := c.Param("id")
	if err := h.sessionMgr.Close(id); err != nil {
		return fromDomainError(err, "session", id)
	}
	return c.NoContent(http.StatusNoContent)
}

// HandleSubmitFiles starts a batch over the uploaded images. A request
// without files leaves the session untouched. Files outside the upload
// limits are skipped and reported as notices; the request fails only when
// every file is rejected.
func (h *SessionHandlerImpl) HandleSubmitFiles(c echo.Context) error {
	sess, err := h.lookup(c)
	if err != nil {
		return err
	}

	form, err := c.MultipartForm()
	if err != nil {
		return NewBadRequestError("invalid multipart form", err)
	}
	var headers []*multipart.FileHeader
	var rejected []rejectedFile
	for _, fh := range form.File[FilesField] {
		if reason := h.limits.check(fh); reason != "" {
			rejected = append(rejected, rejectedFile{name: fh.Filename, reason: reason})
			continue
		}
		headers = append(headers, fh)
	}
	if len(headers) == 0 && len(rejected) > 0 {
		return NewValidationError(FilesField, rejected[0].reason)
	}

	uploads := make([]session.Upload, 0, len(headers))
	opened := make([]multipart.File, 0, len(headers))
	defer func() {
		for _, f := range opened {
			f.Close()
		}
	}()
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			return NewBadRequestError("failed to read "+fh.Filename, err)
		}
		opened = append(opened, f)
		uploads = append(uploads, session.Upload{
			Name:        fh.Filename,
			ContentType: contentTypeOf(fh),
			Body:        f,
		})
	}

	started, err := sess.Submit(uploads)
	if err != nil {
		return fromDomainError(err, "submit", sess.ID)
	}
	if !started {
		return c.JSON(http.StatusOK, sess.Snapshot())
	}

	for _, r := range rejected {
		sess.Notify(models.Notice{
			FileName: r.name,
			Title:    "Skipped " + r.name,
			Message:  r.reason,
		})
	}

	logrus.WithFields(logrus.Fields{
		"session":  sess.ID[:8],
		"files":    len(uploads),
		"rejected": len(rejected),
		"remote":   c.RealIP(),
	}).Info("files submitted")
	return c.JSON(http.StatusAccepted, sess.Snapshot())
}

func contentTypeOf(fh *multipart.FileHeader) string {
	if ct := fh.Header.Get(echo.HeaderContentType); ct != "" && ct != echo.MIMEOctetStream {
		return ct
	}
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(fh.Filename))); ct != "" {
		return ct
	}
	return echo.MIMEOctetStream
}

// HandleUpdateNote replaces the notes of one result
func (h *SessionHandlerImpl) HandleUpdateNote(c echo.Context) error {
	sess, err := h.lookup(c)
	if err != nil {
		return err
	}

	var req updateNoteRequest
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid JSON body", err)
	}

	resultID := c.Param("resultId")
	if err := sess.UpdateNote(resultID, req.Notes); err != nil {
		return fromDomainError(err, "note", resultID)
	}
	return c.NoContent(http.StatusNoContent)
}

// HandleReset releases every preview and returns the session to idle
func (h *SessionHandlerImpl) HandleReset(c echo.Context) error {
	sess, err := h.lookup(c)
	if err != nil {
		return err
	}
	if err := sess.Reset(); err != nil {
		return fromDomainError(err, "reset", sess.ID)
	}
	return c.JSON(http.StatusOK, sess.Snapshot())
}

// HandleNotices returns pending failure notices. Each notice is returned once.
func (h *SessionHandlerImpl) HandleNotices(c echo.Context) error {
	sess, err := h.lookup(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sess.DrainNotices())
}

// HandleExportCSV downloads the results as CSV
func (h *SessionHandlerImpl) HandleExportCSV(c echo.Context) error {
	sess, err := h.lookup(c)
	if err != nil {
		return err
	}

	base := fmt.Sprintf("%s://%s/api/previews/", c.Scheme(), c.Request().Host)
	var buf bytes.Buffer
	if err := export.WriteCSV(&buf, sess.Results(), func(handle string) string {
		if handle == "" {
			return ""
		}
		return base + handle
	}); err != nil {
		return NewInternalError("failed to export results", err)
	}

	c.Response().Header().Set(echo.HeaderContentDisposition,
		fmt.Sprintf("attachment; filename=%q", export.CSVFileName))
	return c.Blob(http.StatusOK, "text/csv; charset=utf-8", buf.Bytes())
}

// HandleResultsMsgpack returns the results in MessagePack format
func (h *SessionHandlerImpl) HandleResultsMsgpack(c echo.Context) error {
	sess, err := h.lookup(c)
	if err != nil {
		return err
	}
	data, err := export.MarshalMsgpack(sess.Results())
	if err != nil {
		return NewInternalError("failed to encode msgpack", err)
	}
	return c.Blob(http.StatusOK, "application/msgpack", data)
}

type updateNoteRequest struct {
	Notes string `json:"notes"`
}
