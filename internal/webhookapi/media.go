package webhookapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/waxline/waxline/internal/media"
)

// getMedia resolves a message's media reference. Query params: `hint` is an
// optional source reference the caller already holds, `type` the media type
// used for mime fallback.
func (s *Server) getMedia(c echo.Context) error {
	messageID := c.Param("messageId")
	if messageID == "" {
		return fail(c, http.StatusBadRequest, "MISSING_FIELDS", "messageId required", nil)
	}

	res, err := s.resolver.Resolve(c.Request().Context(), messageID,
		c.QueryParam("hint"), c.QueryParam("type"))
	if errors.Is(err, media.ErrUnavailable) {
		return fail(c, http.StatusNotFound, "MEDIA_UNAVAILABLE", "No resolvable media source", nil)
	}
	if err != nil {
		return fail(c, http.StatusInternalServerError, "RESOLVE_FAILED", "Media resolution failed", err.Error())
	}
	return ok(c, res)
}
