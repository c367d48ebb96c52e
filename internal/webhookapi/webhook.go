package webhookapi

import (
	"io"
	"net/http"

	jsoniter "github.com/json-iterator/go"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/waxline/waxline/internal/ingest"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// postWebhook is the runtime's event sink. It always answers 200 with
// {received:true}: a non-200 would make the sender requeue and retry-storm,
// and a malformed event is its problem, not a transport failure.
func (s *Server) postWebhook(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, 1<<20))
	if err != nil {
		zap.L().Warn("webhook body read failed", zap.Error(err))
		return c.JSON(http.StatusOK, echo.Map{"received": true})
	}

	var ev ingest.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		zap.L().Warn("webhook body unparseable",
			zap.Error(err), zap.Int("size", len(body)))
		return c.JSON(http.StatusOK, echo.Map{"received": true})
	}

	s.ingestor.Apply(c.Request().Context(), ev)
	return c.JSON(http.StatusOK, echo.Map{"received": true})
}
