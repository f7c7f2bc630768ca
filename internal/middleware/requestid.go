// Package middleware holds the gin middleware chain: request ids, rate
// limiting, authentication, space-action authorization, and request
// auditing.
package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// RequestIDHeader propagates the request identifier.
	RequestIDHeader = "X-Request-ID"

	// RequestIDKey is the gin.Context key holding the request id.
	RequestIDKey = "request_id"
)

// RequestID ensures every request carries an X-Request-ID. An inbound
// header from an upstream proxy is reused unchanged; otherwise a UUID is
// generated. The id is stored in the context and echoed in the response
// so clients can correlate with server-side logs. Register it first so
// the rest of the chain sees the id.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(RequestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// RequestIDFromContext returns the request id set by RequestID, or "".
func RequestIDFromContext(c *gin.Context) string {
	return c.GetString(RequestIDKey)
}
