package admin

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"
)

func RequestLogger(logger logr.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		kv := []any{
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"bytes", c.Writer.Size(),
		}
		if c.Writer.Status() >= 500 {
			logger.Info("http request failed", kv...)
			return
		}
		logger.V(1).Info("http request", kv...)
	}
}
