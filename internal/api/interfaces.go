// interfaces.go - Handler interface definitions for clean separation of concerns
package api

import (
	"github.com/labstack/echo/v4"
	"github.com/scribescope/backend/internal/session"
)

// HealthHandler handles health check operations
type HealthHandler interface {
	HandleHealth(c echo.Context) error
}

// SessionHandler handles the lifecycle and batch operations of a session
type SessionHandler interface {
	HandleCreateSession(c echo.Context) error
	HandleGetSession(c echo.Context) error
	HandleDeleteSession(c echo.Context) error
	HandleSubmitFiles(c echo.Context) error
	HandleUpdateNote(c echo.Context) error
	HandleReset(c echo.Context) error
	HandleNotices(c echo.Context) error
	HandleExportCSV(c echo.Context) error
	HandleResultsMsgpack(c echo.Context) error
	HandleProgressStream(c echo.Context) error
}

// PreviewHandler serves preview bytes and thumbnails
type PreviewHandler interface {
	HandleGetPreview(c echo.Context) error
}

// SessionManager defines the interface for session management
// This allows mocking in tests
type SessionManager interface {
	Create() (*session.Session, error)
	Get(id string) (*session.Session, bool)
	Close(id string) error
	Len() int
}
