// Package api exposes the membership, service-account, and audit
// operations over HTTP. Handlers are thin: bind, call the domain
// service, map domain errors to statuses.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ugoite/ugoite-server/internal/membership"
	"github.com/ugoite/ugoite-server/internal/middleware"
	"github.com/ugoite/ugoite-server/internal/store"
)

// MemberHandlers handles membership lifecycle endpoints.
type MemberHandlers struct {
	members *membership.Service
}

// NewMemberHandlers creates a MemberHandlers instance.
func NewMemberHandlers(members *membership.Service) *MemberHandlers {
	return &MemberHandlers{members: members}
}

// ListHandler lists the member records of a space.
// GET /spaces/:space/members
func (h *MemberHandlers) ListHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		members, err := h.members.ListMembers(c.Request.Context(), c.Param("space"))
		if err != nil {
			abortMembership(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"members": members})
	}
}

type createInvitationRequest struct {
	UserID     string `json:"user_id" binding:"required"`
	Role       string `json:"role" binding:"required"`
	Email      string `json:"email"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// InviteHandler creates an invitation and returns its one-time token.
// POST /spaces/:space/members/invitations
func (h *MemberHandlers) InviteHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createInvitationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_request", "detail": err.Error()})
			return
		}

		result, err := h.members.CreateInvitation(c.Request.Context(), c.Param("space"), membership.CreateInvitationInput{
			UserID:    req.UserID,
			Role:      req.Role,
			Email:     req.Email,
			InvitedBy: actorUserID(c),
			TTL:       time.Duration(req.TTLSeconds) * time.Second,
		})
		if err != nil {
			abortMembership(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"invitation": result.Invitation,
			"token":      result.Token,
		})
	}
}

type acceptInvitationRequest struct {
	Token string `json:"token" binding:"required"`
}

// AcceptHandler redeems an invitation token for the authenticated user.
// POST /spaces/:space/members/invitations/accept
func (h *MemberHandlers) AcceptHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req acceptInvitationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_request", "detail": err.Error()})
			return
		}

		result, err := h.members.AcceptInvitation(c.Request.Context(), c.Param("space"), membership.AcceptInvitationInput{
			Token:      req.Token,
			AcceptedBy: actorUserID(c),
		})
		if err != nil {
			abortMembership(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"member": result.Member})
	}
}

type updateRoleRequest struct {
	Role string `json:"role" binding:"required"`
}

// UpdateRoleHandler changes a member's role.
// PUT /spaces/:space/members/:user/role
func (h *MemberHandlers) UpdateRoleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req updateRoleRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_request", "detail": err.Error()})
			return
		}

		result, err := h.members.UpdateMemberRole(c.Request.Context(), c.Param("space"), membership.UpdateMemberRoleInput{
			UserID:    c.Param("user"),
			Role:      req.Role,
			ChangedBy: actorUserID(c),
		})
		if err != nil {
			abortMembership(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"member": result.Member})
	}
}

// RevokeHandler revokes a member's access.
// DELETE /spaces/:space/members/:user
func (h *MemberHandlers) RevokeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := h.members.RevokeMember(c.Request.Context(), c.Param("space"), membership.RevokeMemberInput{
			UserID:    c.Param("user"),
			RevokedBy: actorUserID(c),
		})
		if err != nil {
			abortMembership(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"member": result.Member})
	}
}

func actorUserID(c *gin.Context) string {
	identity, _ := middleware.IdentityFromContext(c)
	return identity.UserID
}

// abortMembership maps membership domain errors onto HTTP statuses.
func abortMembership(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, membership.ErrInvalidRole):
		status, code = http.StatusBadRequest, "invalid_role"
	case errors.Is(err, membership.ErrMemberNotFound):
		status, code = http.StatusNotFound, "member_not_found"
	case errors.Is(err, membership.ErrMemberAlreadyActive):
		status, code = http.StatusConflict, "member_already_active"
	case errors.Is(err, membership.ErrMemberRevoked):
		status, code = http.StatusConflict, "member_revoked"
	case errors.Is(err, membership.ErrOwnerImmutable):
		status, code = http.StatusConflict, "owner_immutable"
	case errors.Is(err, membership.ErrInvitationNotFound):
		status, code = http.StatusNotFound, "invitation_not_found"
	case errors.Is(err, membership.ErrInvitationNotPending):
		status, code = http.StatusConflict, "invitation_not_pending"
	case errors.Is(err, membership.ErrInvitationExpired):
		status, code = http.StatusGone, "invitation_expired"
	case errors.Is(err, membership.ErrInvitationWrongUser):
		status, code = http.StatusForbidden, "invitation_wrong_user"
	case errors.Is(err, store.ErrSpaceNotFound):
		status, code = http.StatusNotFound, "space_not_found"
	case errors.Is(err, store.ErrInvalidSpaceID):
		status, code = http.StatusBadRequest, "invalid_space_id"
	}
	c.JSON(status, gin.H{"code": code, "detail": err.Error()})
}
