package api

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// quietPaths are polled often; successful hits are logged at debug level.
var quietPaths = map[string]struct{}{
	"/healthz":     {},
	"/api/v1/jobs": {},
}

// ZerologLogger is a Gin middleware that logs requests using zerolog.
func ZerologLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		status := c.Writer.Status()
		var evt *zerolog.Event
		switch {
		case status >= http.StatusInternalServerError:
			evt = log.Error()
		case status >= http.StatusBadRequest:
			evt = log.Warn()
		default:
			if _, quiet := quietPaths[path]; quiet {
				evt = log.Debug()
			} else {
				evt = log.Info()
			}
		}
		if raw != "" {
			path = path + "?" + raw
		}
		evt.
			Int("status", status).
			Str("method", c.Request.Method).
			Str("path", path).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Int("bytes", c.Writer.Size()).
			Msg("http request completed")
	}
}

// ZerologRecovery turns handler panics into 500 responses and logs the stack.
func ZerologRecovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Str("path", c.Request.URL.Path).Msg("handler panicked")
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			}
		}()
		c.Next()
	}
}

// NewRouter returns a gin engine with the logging middleware and the API routes.
func NewRouter(a *API) *gin.Engine {
	router := gin.New()
	router.Use(ZerologRecovery(), ZerologLogger())
	a.RegisterRoutes(router)
	return router
}
