package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

const (
	requestIDHeader = "X-Request-Id"
	userIDHeader    = "X-User-ID"

	ctxRequestID = "request_id"
	ctxUserID    = "user_id"
)

// RequestID injects an X-Request-Id header when missing and exposes it to
// handlers and the access log.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
			c.Request.Header.Set(requestIDHeader, requestID)
		}
		c.Writer.Header().Set(requestIDHeader, requestID)
		c.Set(ctxRequestID, requestID)
		c.Next()
	}
}

func Logging(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		ev := logger.Info()
		if status >= 500 {
			ev = logger.Error()
		} else if status >= 400 {
			ev = logger.Warn()
		}

		span := trace.SpanFromContext(c.Request.Context())
		if span.SpanContext().IsValid() {
			ev = ev.Str("trace_id", span.SpanContext().TraceID().String())
		}
		if requestID := c.GetString(ctxRequestID); requestID != "" {
			ev = ev.Str("request_id", requestID)
		}
		if userID := c.GetString(ctxUserID); userID != "" {
			ev = ev.Str("user_id", userID)
		}
		if errs := c.Errors.String(); errs != "" {
			ev = ev.Str("errors", errs)
		}

		ev.Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("http request")
	}
}

func CORS(allowOrigin string) gin.HandlerFunc {
	if allowOrigin == "" {
		allowOrigin = "*"
	}
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", allowOrigin)
		h.Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-Id, X-User-ID")
		h.Set("Access-Control-Expose-Headers", "X-Request-Id")
		h.Set("Access-Control-Max-Age", "3600")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// Auth resolves the caller's id. With a secret, a HS256 bearer token is
// required and its subject is the user id. Without one the service trusts
// the X-User-ID header set by the fronting gateway.
func Auth(secret string, logger zerolog.Logger) gin.HandlerFunc {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
	key := []byte(secret)

	return func(c *gin.Context) {
		var userID string
		if secret == "" {
			userID = strings.TrimSpace(c.GetHeader(userIDHeader))
		} else {
			sub, err := subjectFromBearer(c.GetHeader("Authorization"), parser, key)
			if err != nil {
				logger.Warn().Err(err).Str("path", c.FullPath()).Msg("rejected bearer token")
			}
			userID = sub
		}
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		c.Set(ctxUserID, userID)
		c.Next()
	}
}

func subjectFromBearer(header string, parser *jwt.Parser, key []byte) (string, error) {
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return "", errors.New("missing bearer token")
	}
	token, err := parser.ParseWithClaims(strings.TrimSpace(raw), &jwt.RegisteredClaims{}, func(*jwt.Token) (any, error) {
		return key, nil
	})
	if err != nil {
		return "", err
	}
	sub, err := token.Claims.GetSubject()
	if err != nil {
		return "", err
	}
	if sub == "" {
		return "", errors.New("token has no subject")
	}
	return sub, nil
}

func ownerID(c *gin.Context) string {
	return c.GetString(ctxUserID)
}
