package api

import (
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/ugoite/ugoite-server/internal/audit"
	"github.com/ugoite/ugoite-server/internal/auth"
	"github.com/ugoite/ugoite-server/internal/authz"
	"github.com/ugoite/ugoite-server/internal/membership"
	"github.com/ugoite/ugoite-server/internal/middleware"
	"github.com/ugoite/ugoite-server/internal/serviceaccounts"
	"github.com/ugoite/ugoite-server/internal/telemetry"
)

// Dependencies bundles everything the router needs.
type Dependencies struct {
	AuthManager     *auth.Manager
	Engine          *authz.Engine
	Members         *membership.Service
	ServiceAccounts *serviceaccounts.Manager
	AuditLog        *audit.Log
	Metrics         *telemetry.Metrics
	RateLimiter     middleware.Limiter
	Logger          *slog.Logger
}

// NewRouter assembles the gin engine: global middleware chain, then the
// space-scoped routes. Space-admin operations (member and service
// account mutation, audit reads) require the space_admin action;
// listing members needs space_read; accepting an invitation only needs
// authentication since the token itself is the capability.
func NewRouter(deps Dependencies) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestID())
	if deps.RateLimiter != nil {
		router.Use(middleware.RateLimit(deps.RateLimiter, deps.Metrics, deps.Logger))
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	members := NewMemberHandlers(deps.Members)
	accounts := NewServiceAccountHandlers(deps.ServiceAccounts)
	auditAPI := NewAuditHandlers(deps.AuditLog)

	space := router.Group("/spaces/:space",
		middleware.Auth(deps.AuthManager, deps.Metrics),
		middleware.Audit(deps.AuditLog, deps.Logger),
	)

	admin := func(c ...gin.HandlerFunc) []gin.HandlerFunc {
		return append([]gin.HandlerFunc{
			middleware.RequireSpaceAction(deps.Engine, authz.ActionSpaceAdmin, deps.Metrics),
		}, c...)
	}

	space.GET("/members",
		middleware.RequireSpaceAction(deps.Engine, authz.ActionSpaceRead, deps.Metrics),
		members.ListHandler())
	space.POST("/members/invitations", admin(members.InviteHandler())...)
	space.POST("/members/invitations/accept", members.AcceptHandler())
	space.PUT("/members/:user/role", admin(members.UpdateRoleHandler())...)
	space.DELETE("/members/:user", admin(members.RevokeHandler())...)

	space.GET("/service-accounts", admin(accounts.ListHandler())...)
	space.POST("/service-accounts", admin(accounts.CreateHandler())...)
	space.POST("/service-accounts/:account/keys", admin(accounts.CreateKeyHandler())...)
	space.POST("/service-accounts/:account/keys/:key/rotate", admin(accounts.RotateKeyHandler())...)
	space.DELETE("/service-accounts/:account/keys/:key", admin(accounts.RevokeKeyHandler())...)

	space.GET("/audit", admin(auditAPI.ListHandler())...)

	return router
}
