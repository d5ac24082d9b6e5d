// handlers_preview.go - Preview image handlers
package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/scribescope/backend/internal/preview"
	"github.com/sirupsen/logrus"
)

// PreviewHandlerImpl implements the PreviewHandler interface
type PreviewHandlerImpl struct {
	previews  *preview.Manager
	thumbSize uint
}

// NewPreviewHandler creates a new preview handler
func NewPreviewHandler(previews *preview.Manager, thumbSize uint) PreviewHandler {
	if thumbSize == 0 {
		thumbSize = preview.DefaultThumbnailSize
	}
	return &PreviewHandlerImpl{
		previews:  previews,
		thumbSize: thumbSize,
	}
}

// HandleGetPreview serves the bytes behind a live preview handle. With
// ?thumb=1 a downsized JPEG is served instead; images that cannot be
// decoded fall back to the original bytes.
func (h *PreviewHandlerImpl) HandleGetPreview(c echo.Context) error {
	handle := c.Param("handle")
	if handle == "" {
		return NewValidationError("handle", "")
	}

	if thumb, _ := strconv.ParseBool(c.QueryParam("thumb")); thumb {
		data, err := h.previews.Thumbnail(handle, h.thumbSize)
		if err == nil {
			c.Response().Header().Set("Cache-Control", "private, max-age=300")
			return c.Blob(http.StatusOK, "image/jpeg", data)
		}
		if !h.previews.IsLive(handle) {
			return fromDomainError(err, "preview", handle)
		}
		logrus.WithFields(logrus.Fields{
			"handle": handle,
			"err":    err.Error(),
		}).Debug("thumbnail unavailable, serving original")
	}

	rc, info, err := h.previews.Open(handle)
	if err != nil {
		return fromDomainError(err, "preview", handle)
	}
	defer rc.Close()

	c.Response().Header().Set("Cache-Control", "private, max-age=300")
	return c.Stream(http.StatusOK, info.ContentType, rc)
}
