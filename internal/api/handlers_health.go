// handlers_health.go - Health check handlers
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/scribescope/backend/internal/preview"
)

// HealthHandlerImpl implements the HealthHandler interface
type HealthHandlerImpl struct {
	version    string
	sessionMgr SessionManager
	previews   *preview.Manager
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(version string, sessionMgr SessionManager, previews *preview.Manager) HealthHandler {
	return &HealthHandlerImpl{
		version:    version,
		sessionMgr: sessionMgr,
		previews:   previews,
	}
}

// HandleHealth returns server health status
func (h *HealthHandlerImpl) HandleHealth(c echo.Context) error {
	body := map[string]interface{}{
		"status":  "ok",
		"version": h.version,
	}
	if h.sessionMgr != nil {
		body["sessions"] = h.sessionMgr.Len()
	}
	if h.previews != nil {
		body["previews"] = h.previews.Stats()
	}
	return c.JSON(http.StatusOK, body)
}
