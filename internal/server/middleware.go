package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"rotacam/internal/access"
)

// SessionCookie carries the shared credential.
const SessionCookie = "session"

// credential returns the credential the request carries, or "".
func credential(c *gin.Context) string {
	v, err := c.Cookie(SessionCookie)
	if err != nil {
		return ""
	}
	return v
}

// gate admits a request to op or redirects it.
func (s *Server) gate(op access.Operation) gin.HandlerFunc {
	return func(c *gin.Context) {
		outcome := s.deps.Gate.Decide(op, credential(c))
		if outcome == access.Allow {
			c.Next()
			return
		}
		s.logger.Debug("request redirected",
			zap.String("op", string(op)),
			zap.String("outcome", outcome.String()))
		redirect(c, outcome.Location())
		c.Abort()
	}
}

// redirect answers with 302, or 303 for non-GET requests so the browser
// follows with a GET.
func redirect(c *gin.Context, location string) {
	code := http.StatusFound
	if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
		code = http.StatusSeeOther
	}
	c.Redirect(code, location)
}

func (s *Server) setSession(c *gin.Context, value string) {
	maxAge := int(s.cfg.Server.CookieMaxAge / time.Second)
	if value == "" {
		maxAge = -1
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(SessionCookie, value, maxAge, "/", "", false, true)
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client", c.ClientIP()))
	}
}

// recovery turns a handler panic into the generic error page.
func recovery(logger *zap.Logger) gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(nil, func(c *gin.Context, err any) {
		logger.Error("handler panic", zap.String("path", c.Request.URL.Path), zap.Any("error", err))
		internalError(c)
	})
}

func internalError(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "The device could not complete the request.",
	})
}
