package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ugoite/ugoite-server/internal/auth"
	"github.com/ugoite/ugoite-server/internal/authz"
	"github.com/ugoite/ugoite-server/internal/store"
	"github.com/ugoite/ugoite-server/internal/telemetry"
)

// IdentityKey is the gin.Context key holding the authenticated
// auth.RequestIdentity.
const IdentityKey = "identity"

// IdentityFromContext returns the identity stored by Auth.
func IdentityFromContext(c *gin.Context) (auth.RequestIdentity, bool) {
	value, ok := c.Get(IdentityKey)
	if !ok {
		return auth.RequestIdentity{}, false
	}
	identity, ok := value.(auth.RequestIdentity)
	return identity, ok
}

// Auth authenticates every request through the auth.Manager and stores
// the resolved identity in the context. Routes carrying a :space param
// additionally get the space-scoped service-account API-key fallback.
// Failures answer with the manager's stable machine-readable code.
func Auth(manager *auth.Manager, metrics *telemetry.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		meta := auth.KeyUseMetadata{
			RequestMethod: c.Request.Method,
			RequestPath:   c.Request.URL.Path,
			RequestID:     RequestIDFromContext(c),
		}
		identity, err := manager.AuthenticateRequest(c.Request.Context(), c.Request.Header, c.Param("space"), meta)
		if err != nil {
			authErr := auth.AsError(err)
			if authErr == nil {
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"code": "internal_error", "detail": "Authentication failed",
				})
				return
			}
			if metrics != nil {
				metrics.AuthAttempts.WithLabelValues(presentedMethod(c), authErr.Code).Inc()
			}
			c.AbortWithStatusJSON(authErr.Status, gin.H{
				"code":   authErr.Code,
				"detail": authErr.Detail,
			})
			return
		}

		if metrics != nil {
			metrics.AuthAttempts.WithLabelValues(string(identity.AuthMethod), "ok").Inc()
		}
		c.Set(IdentityKey, identity)
		c.Next()
	}
}

// presentedMethod labels failed attempts by the credential kind the
// request carried.
func presentedMethod(c *gin.Context) string {
	if c.GetHeader("Authorization") != "" {
		return "bearer"
	}
	if c.GetHeader("X-API-Key") != "" {
		return "api_key"
	}
	return "none"
}

// RequireSpaceAction gates a route on one space-level action: scope
// check first for scope-enforced service identities, then the role
// table. Must run after Auth on a route with a :space param.
func RequireSpaceAction(engine *authz.Engine, action authz.Action, metrics *telemetry.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := IdentityFromContext(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code": "missing_credentials", "detail": "Authentication required",
			})
			return
		}
		spaceID := c.Param("space")

		if err := auth.RequireScope(identity, string(action)); err != nil {
			authErr := auth.AsError(err)
			if metrics != nil {
				metrics.AuthzDenials.WithLabelValues(string(action)).Inc()
			}
			c.AbortWithStatusJSON(authErr.Status, gin.H{
				"code":   authErr.Code,
				"detail": authErr.Detail,
			})
			return
		}

		if _, err := engine.RequireSpaceAction(c.Request.Context(), spaceID, identity, action); err != nil {
			abortAuthz(c, err, metrics)
			return
		}
		c.Next()
	}
}

// abortAuthz writes the response for an authorization failure,
// translating store errors into their HTTP statuses.
func abortAuthz(c *gin.Context, err error, metrics *telemetry.Metrics) {
	var denied *authz.Error
	switch {
	case errors.As(err, &denied):
		if metrics != nil {
			metrics.AuthzDenials.WithLabelValues(string(denied.Action)).Inc()
		}
		c.AbortWithStatusJSON(denied.Status, gin.H{
			"code":   denied.Code,
			"detail": denied.Detail,
			"action": denied.Action,
		})
	case errors.Is(err, store.ErrSpaceNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{
			"code": "space_not_found", "detail": err.Error(),
		})
	case errors.Is(err, store.ErrInvalidSpaceID):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"code": "invalid_space_id", "detail": err.Error(),
		})
	default:
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"code": "internal_error", "detail": "Authorization failed",
		})
	}
}
