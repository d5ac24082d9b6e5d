// routes.go - Route registration helpers
package api

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/scribescope/backend/internal/preview"
)

// NoteBodyLimit bounds the request body of a note update.
const NoteBodyLimit = "1M"

// Dependencies holds all handler dependencies
type Dependencies struct {
	SessionMgr SessionManager
	Previews   *preview.Manager
	Limits     UploadLimits
	ThumbSize  uint
	Version    string
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
}

// Handlers holds all handler instances
type Handlers struct {
	Health    HealthHandler
	Session   SessionHandler
	Preview   PreviewHandler
	WebSocket *WebSocketHandler
	Metrics   http.Handler
}

// NewHandlers creates all handler instances
func NewHandlers(deps *Dependencies) *Handlers {
	return &Handlers{
		Health:    NewHealthHandler(deps.Version, deps.SessionMgr, deps.Previews),
		Session:   NewSessionHandler(deps.SessionMgr, deps.Limits),
		Preview:   NewPreviewHandler(deps.Previews, deps.ThumbSize),
		WebSocket: NewWebSocketHandler(deps.SessionMgr),
		Metrics:   deps.Metrics,
	}
}

// RegisterRoutes registers all API routes with the Echo instance
func RegisterRoutes(e *echo.Echo, handlers *Handlers) {
	api := e.Group("/api")
	api.GET("/health", handlers.Health.HandleHealth)

	sessions := api.Group("/sessions")
	sessions.POST("", handlers.Session.HandleCreateSession)
	sessions.GET("/:id", handlers.Session.HandleGetSession)
	sessions.DELETE("/:id", handlers.Session.HandleDeleteSession)
	sessions.POST("/:id/files", handlers.Session.HandleSubmitFiles)
	sessions.PUT("/:id/results/:resultId/notes", handlers.Session.HandleUpdateNote,
		middleware.BodyLimit(NoteBodyLimit))
	sessions.POST("/:id/reset", handlers.Session.HandleReset)
	sessions.GET("/:id/notices", handlers.Session.HandleNotices)
	sessions.GET("/:id/export.csv", handlers.Session.HandleExportCSV)
	sessions.GET("/:id/results/msgpack", handlers.Session.HandleResultsMsgpack)
	sessions.GET("/:id/progress", handlers.Session.HandleProgressStream)

	api.GET("/previews/:handle", handlers.Preview.HandleGetPreview)
	api.GET("/ws/sessions/:id", handlers.WebSocket.HandleWebSocket)

	if handlers.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(handlers.Metrics))
	}
}

// IsStreamingPath reports whether a request path is long-lived and should
// bypass request timeouts, compression and access logging.
func IsStreamingPath(path string) bool {
	return strings.HasSuffix(path, "/progress") || strings.HasPrefix(path, "/api/ws/")
}
