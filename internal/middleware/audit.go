package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ugoite/ugoite-server/internal/audit"
	"github.com/ugoite/ugoite-server/internal/safego"
)

// Audit records the outcome of every mutating space request in the
// space's audit log. Read requests are not recorded; the domain services
// already append fine-grained events for their own mutations, so this
// middleware only covers the request envelope. Appends run off the
// request goroutine so a slow chain write never delays the response.
func Audit(log *audit.Log, logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		c.Next()

		switch c.Request.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		default:
			return
		}
		spaceID := c.Param("space")
		if spaceID == "" {
			return
		}

		actor := "anonymous"
		if identity, ok := IdentityFromContext(c); ok {
			actor = identity.UserID
		}

		status := c.Writer.Status()
		outcome := audit.OutcomeSuccess
		switch {
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			outcome = audit.OutcomeDeny
		case status >= 400:
			outcome = audit.OutcomeError
		}

		input := audit.EventInput{
			Action:        "http.request",
			ActorUserID:   actor,
			Outcome:       outcome,
			RequestMethod: c.Request.Method,
			RequestPath:   c.Request.URL.Path,
			RequestID:     RequestIDFromContext(c),
			Metadata:      map[string]string{"status": strconv.Itoa(status)},
		}
		// The request context is canceled once the response is written;
		// the append must outlive it.
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		safego.Go("request-audit", func() {
			defer cancel()
			if _, err := log.Append(ctx, spaceID, input); err != nil {
				logger.Warn("request audit append failed",
					"space_id", spaceID, "path", input.RequestPath, "error", err)
			}
		})
	}
}
