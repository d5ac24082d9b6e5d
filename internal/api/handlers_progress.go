// handlers_progress.go - Server-sent progress stream
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/scribescope/backend/internal/models"
)

// progressStreamTimeout bounds a single SSE connection.
const progressStreamTimeout = 10 * time.Minute

// HandleProgressStream streams session snapshots via SSE until the session
// is no longer processing
func (h *SessionHandlerImpl) HandleProgressStream(c echo.Context) error {
	sess, err := h.lookup(c)
	if err != nil {
		return err
	}

	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)

	changes, stop := sess.Watch()
	defer stop()

	snap := sess.Snapshot()
	sendSSEData(c, "snapshot", snap)
	if snap.State != models.SessionStateProcessing {
		return nil
	}

	timeout := time.NewTimer(progressStreamTimeout)
	defer timeout.Stop()

	for {
		select {
		case _, ok := <-changes:
			if !ok {
				sendSSEError(c, "session closed")
				return nil
			}
			snap := sess.Snapshot()
			sendSSEData(c, "snapshot", snap)
			if snap.State != models.SessionStateProcessing {
				return nil
			}

		case <-timeout.C:
			sendSSEError(c, "stream timeout")
			return nil

		case <-c.Request().Context().Done():
			return nil
		}
	}
}

func sendSSEData(c echo.Context, event string, data interface{}) {
	jsonData, _ := json.Marshal(data)
	fmt.Fprintf(c.Response(), "event: %s\ndata: %s\n\n", event, jsonData)
	c.Response().Flush()
}

func sendSSEError(c echo.Context, message string) {
	sendSSEData(c, "error", map[string]string{"error": message})
}
