package httpmw

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/issuepilot/issuepilot/internal/common/logger"
)

// probePaths are polled by load balancers and scrapers; their logs stay
// at debug so steady-state output is not dominated by health checks.
var probePaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// RequestLogger logs one line per request after the handler chain
// completes. Server errors log at error, client errors at warn,
// everything else at info (or debug for probe endpoints).
func RequestLogger(log *logger.Logger, serverName string) gin.HandlerFunc {
	base := log.WithFields(zap.String("server", serverName))
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		c.Next()

		status := c.Writer.Status()
		size := c.Writer.Size()
		if size < 0 {
			size = 0
		}
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("client_ip", c.ClientIP()),
			zap.Int("status", status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.Int("bytes", size),
		}

		switch {
		case status >= 500:
			base.Error("http request", fields...)
		case status >= 400:
			base.Warn("http request", fields...)
		case probePaths[path]:
			base.Debug("http request", fields...)
		default:
			base.Info("http request", fields...)
		}
	}
}
