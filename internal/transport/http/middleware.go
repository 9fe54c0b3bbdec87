package http

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-sync/internal/auth"
	"github.com/vovakirdan/wirechat-sync/internal/metrics"
	"github.com/vovakirdan/wirechat-sync/internal/proto"
)

const (
	// ContextKeyUserID is the context key for storing the caller's user id.
	ContextKeyUserID = "user_id"

	queryUser  = "user"
	queryToken = "token"
)

var errNoCredentials = errors.New("missing credentials")

// identify returns the caller's user id. With a JWT secret configured the
// id is the subject of a bearer token; otherwise it is taken from the user
// header. Both fall back to the query string for browser websocket clients
// that cannot set headers.
func identify(r *http.Request, jwtCfg *auth.Config) (string, error) {
	if jwtCfg.Enabled() {
		token := strings.TrimSpace(r.URL.Query().Get(queryToken))
		if bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
			token = strings.TrimSpace(bearer)
		}
		if token == "" {
			return "", errNoCredentials
		}
		return auth.ValidateToken(jwtCfg, token)
	}

	if user := strings.TrimSpace(r.Header.Get(proto.HeaderUser)); user != "" {
		return user, nil
	}
	if user := strings.TrimSpace(r.URL.Query().Get(queryUser)); user != "" {
		return user, nil
	}
	return "", errNoCredentials
}

// UserMiddleware requires a caller identity and stores it in the context.
func UserMiddleware(jwtCfg *auth.Config, logger *zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := identify(c.Request, jwtCfg)
		if err != nil {
			logger.Debug().Err(err).Str("path", c.Request.URL.Path).Msg("unauthenticated request")
			c.AbortWithStatusJSON(http.StatusUnauthorized, proto.ErrorResponse{Error: err.Error()})
			return
		}
		c.Set(ContextKeyUserID, user)
		c.Next()
	}
}

// LoggerMiddleware creates a middleware that logs HTTP requests.
func LoggerMiddleware(logger *zerolog.Logger, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		// Process request
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.HTTPRequest(route, c.Request.Method, c.Writer.Status())

		// Log after request
		logger.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("http request")
	}
}

func currentUser(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}
