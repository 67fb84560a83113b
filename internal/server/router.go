package server

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/developingchet/guestbookd/internal/guestbook"
	"github.com/developingchet/guestbookd/internal/identity"
	"github.com/developingchet/guestbookd/internal/storage"
)

const (
	cookieName   = "ownerToken"
	maxBodyBytes = 16 << 10

	callerKey = "guestbook.caller"
)

func init() {
	gin.SetMode(gin.ReleaseMode)
}

func (s *Server) newRouter() *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true

	r.Use(s.withCaller(), requestLogger(), recovery())
	if origins := s.cfg.AllowedOrigins(); len(origins) > 0 {
		r.Use(corsMiddleware(origins))
	}

	r.GET("/poll", s.handlePoll)
	r.POST("/api", limitBody(maxBodyBytes), s.handleAPI)

	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.GET("/readyz", func(c *gin.Context) {
		if err := s.Healthy(c.Request.Context()); err != nil {
			c.String(http.StatusServiceUnavailable, err.Error())
			return
		}
		c.String(http.StatusOK, "ok")
	})

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": "not_found"})
	})
	r.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"ok": false, "error": "method_not_allowed"})
	})
	return r
}

// withCaller resolves the client identity once per request.
func (s *Server) withCaller() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := guestbook.Caller{IP: identity.ClientIP(c.Request, s.cfg.TrustForwardedHeaders)}
		if tok, err := c.Cookie(cookieName); err == nil && storage.ValidToken(tok) {
			caller.Token = tok
		}
		c.Set(callerKey, caller)
		c.Next()
	}
}

func callerFrom(c *gin.Context) guestbook.Caller {
	v, _ := c.Get(callerKey)
	caller, _ := v.(guestbook.Caller)
	return caller
}

// requestLogger emits one line per request. Failures are logged above debug
// so they show at the default level.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		level := zerolog.DebugLevel
		switch {
		case status >= http.StatusInternalServerError:
			level = zerolog.ErrorLevel
		case status >= http.StatusBadRequest:
			level = zerolog.InfoLevel
		}
		log.WithLevel(level).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("ip", callerFrom(c).IP).
			Msg("request")
	}
}

func recovery() gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(nil, func(c *gin.Context, err any) {
		log.Error().Interface("panic", err).Str("path", c.Request.URL.Path).Msg("handler panic")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"ok": false, "error": guestbook.CodeWriteFailed})
	})
}

func limitBody(n int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		c.Next()
	}
}

// corsMiddleware allows the page origins to call the API with credentials so
// the owner token cookie travels. A "*" entry allows any origin without
// credentials.
func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost},
		AllowHeaders:     []string{"Content-Type"},
		AllowOrigins:     origins,
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	for _, o := range origins {
		if o == "*" {
			cfg.AllowOrigins = nil
			cfg.AllowCredentials = false
			cfg.AllowAllOrigins = true
			break
		}
	}
	return cors.New(cfg)
}
