package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ugoite/ugoite-server/internal/audit"
	"github.com/ugoite/ugoite-server/internal/store"
)

// AuditHandlers handles the audit log read endpoint.
type AuditHandlers struct {
	log *audit.Log
}

// NewAuditHandlers creates an AuditHandlers instance.
func NewAuditHandlers(log *audit.Log) *AuditHandlers {
	return &AuditHandlers{log: log}
}

// ListHandler lists verified audit events, newest first.
// GET /spaces/:space/audit?action=&actor=&outcome=&offset=&limit=
func (h *AuditHandlers) ListHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
		if err != nil || offset < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_request", "detail": "offset must be a non-negative integer"})
			return
		}
		limit, err := strconv.Atoi(c.DefaultQuery("limit", "0"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_request", "detail": "limit must be an integer"})
			return
		}

		result, err := h.log.List(c.Request.Context(), c.Param("space"), audit.ListFilter{
			Offset:      offset,
			Limit:       limit,
			Action:      c.Query("action"),
			ActorUserID: c.Query("actor"),
			Outcome:     c.Query("outcome"),
		})
		if err != nil {
			switch {
			case errors.Is(err, audit.ErrIntegrity):
				c.JSON(http.StatusInternalServerError, gin.H{"code": "audit_integrity_violation", "detail": err.Error()})
			case errors.Is(err, store.ErrInvalidSpaceID):
				c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_space_id", "detail": err.Error()})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"code": "internal_error", "detail": err.Error()})
			}
			return
		}
		c.JSON(http.StatusOK, result)
	}
}
