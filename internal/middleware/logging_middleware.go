// internal/middleware/logging_middleware.go
package middleware

import (
	"slices"
	"time"

	"github.com/gin-gonic/gin"

	"board-service/internal/utils"
)

// LoggingMiddleware logs every request except the probes in skipPaths
func LoggingMiddleware(logger *utils.ServiceLogger, skipPaths ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		c.Next()

		if slices.Contains(skipPaths, c.FullPath()) {
			return
		}

		logger.LogAPIRequest(
			c.GetString("request_id"),
			c.Request.Method,
			c.Request.URL.Path,
			c.Request.UserAgent(),
			c.ClientIP(),
			c.Writer.Status(),
			time.Since(startTime),
		)
	}
}
