package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/tOgg1/parley/internal/auth"
	"github.com/tOgg1/parley/internal/logging"
	"github.com/tOgg1/parley/internal/models"
)

// accessLog writes one zerolog line per request.
func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Request = c.Request.WithContext(logging.WithContext(c.Request.Context(), s.logger))
		c.Next()

		logger := logging.FromContext(c.Request.Context())
		status := c.Writer.Status()
		var event *zerolog.Event
		switch {
		case status >= http.StatusInternalServerError:
			event = logger.Error()
		case status >= http.StatusBadRequest:
			event = logger.Warn()
		default:
			event = logger.Debug()
		}
		if len(c.Errors) > 0 {
			event = event.Str("error", logging.Redact(c.Errors.String()))
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Str("query", logging.Redact(c.Request.URL.RawQuery)).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Msg("request")
	}
}

// authenticate resolves the caller identity from a bearer token, or from
// ParticipantHeader when no authenticator is configured. Browsers cannot
// set headers on WebSocket upgrades, so the token may also arrive in the
// access_token query parameter.
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.deps.Auth == nil {
			id, err := models.NormalizeParticipantID(c.GetHeader(ParticipantHeader))
			if err != nil {
				abortWithStatus(c, http.StatusUnauthorized, "unauthenticated", "missing or invalid "+ParticipantHeader)
				return
			}
			setParticipant(c, id)
			c.Set(agentKey, hasRole(c.GetHeader(RoleHeader), auth.RoleAgent))
			c.Next()
			return
		}

		token, ok := auth.BearerToken(c.GetHeader("Authorization"))
		if !ok {
			token = c.Query("access_token")
		}
		if token == "" {
			abortWithStatus(c, http.StatusUnauthorized, "unauthenticated", "missing bearer token")
			return
		}
		claims, err := s.deps.Auth.ValidateToken(token)
		if err != nil {
			abortWithStatus(c, http.StatusUnauthorized, "unauthenticated", err.Error())
			return
		}
		setParticipant(c, claims.ParticipantID())
		c.Set(agentKey, claims.HasRole(auth.RoleAgent))
		c.Next()
	}
}

// setParticipant records the caller and scopes the request logger to it.
func setParticipant(c *gin.Context, id string) {
	c.Set(participantKey, id)
	ctx := c.Request.Context()
	c.Request = c.Request.WithContext(logging.WithContext(ctx, logging.WithParticipant(logging.FromContext(ctx), id)))
}

// rateLimit throttles sends per participant.
func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Allow(c.GetString(participantKey)) {
			s.deps.Metrics.ObserveRateLimited()
			c.Header("Retry-After", "1")
			abortWithStatus(c, http.StatusTooManyRequests, "rate_limited", "too many messages, slow down")
			return
		}
		c.Next()
	}
}

func participant(c *gin.Context) string {
	return c.GetString(participantKey)
}

func isAgent(c *gin.Context) bool {
	return c.GetBool(agentKey)
}

func hasRole(header, role string) bool {
	for _, r := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(r), role) {
			return true
		}
	}
	return false
}
