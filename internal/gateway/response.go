package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"labgate/internal/apperr"
)

// envelope is the JSON body of every API response.
type envelope struct {
	Data  interface{}   `json:"data,omitempty"`
	Error *apperr.Error `json:"error,omitempty"`
}

func respond(c *gin.Context, status int, data interface{}) {
	c.Header("Cache-Control", "no-store")
	c.JSON(status, envelope{Data: data})
}

func respondError(c *gin.Context, err error) {
	appErr := apperr.FromError(err)
	c.Header("Cache-Control", "no-store")
	c.JSON(appErr.Status, envelope{Error: appErr})
}

// fail renders err and logs the cause of server-side failures. Causes are
// never part of the response body.
func (s *Server) fail(c *gin.Context, err error) {
	appErr := apperr.FromError(err)
	if appErr.Status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("code", appErr.Code),
			zap.Error(err))
	}
	respondError(c, appErr)
}
