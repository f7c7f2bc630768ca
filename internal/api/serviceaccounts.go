package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ugoite/ugoite-server/internal/serviceaccounts"
	"github.com/ugoite/ugoite-server/internal/store"
)

// ServiceAccountHandlers handles service-account and key endpoints.
type ServiceAccountHandlers struct {
	accounts *serviceaccounts.Manager
}

// NewServiceAccountHandlers creates a ServiceAccountHandlers instance.
func NewServiceAccountHandlers(accounts *serviceaccounts.Manager) *ServiceAccountHandlers {
	return &ServiceAccountHandlers{accounts: accounts}
}

// ListHandler lists public service-account views.
// GET /spaces/:space/service-accounts
func (h *ServiceAccountHandlers) ListHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		accounts, err := h.accounts.ListAccounts(c.Request.Context(), c.Param("space"))
		if err != nil {
			abortServiceAccounts(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"service_accounts": accounts})
	}
}

type createAccountRequest struct {
	DisplayName string   `json:"display_name" binding:"required"`
	Scopes      []string `json:"scopes" binding:"required"`
}

// CreateHandler registers a service account.
// POST /spaces/:space/service-accounts
func (h *ServiceAccountHandlers) CreateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createAccountRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_request", "detail": err.Error()})
			return
		}

		result, err := h.accounts.CreateAccount(c.Request.Context(), c.Param("space"), serviceaccounts.CreateAccountInput{
			DisplayName: req.DisplayName,
			Scopes:      req.Scopes,
			CreatedBy:   actorUserID(c),
		})
		if err != nil {
			abortServiceAccounts(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"service_account": result.Account})
	}
}

type createKeyRequest struct {
	Name string `json:"name"`
}

// CreateKeyHandler mints a key; the secret appears only in this response.
// POST /spaces/:space/service-accounts/:account/keys
func (h *ServiceAccountHandlers) CreateKeyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		// The body is optional; a missing one means an unnamed key.
		var req createKeyRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_request", "detail": err.Error()})
				return
			}
		}

		result, err := h.accounts.CreateKey(c.Request.Context(), c.Param("space"), serviceaccounts.CreateKeyInput{
			AccountID: c.Param("account"),
			KeyName:   req.Name,
			CreatedBy: actorUserID(c),
		})
		if err != nil {
			abortServiceAccounts(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"key": result.Key, "secret": result.Secret})
	}
}

// RotateKeyHandler replaces a key and returns the new one-time secret.
// POST /spaces/:space/service-accounts/:account/keys/:key/rotate
func (h *ServiceAccountHandlers) RotateKeyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := h.accounts.RotateKey(c.Request.Context(), c.Param("space"), serviceaccounts.RotateKeyInput{
			AccountID: c.Param("account"),
			KeyID:     c.Param("key"),
			RotatedBy: actorUserID(c),
		})
		if err != nil {
			abortServiceAccounts(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"key": result.Key, "secret": result.Secret})
	}
}

// RevokeKeyHandler revokes a key.
// DELETE /spaces/:space/service-accounts/:account/keys/:key
func (h *ServiceAccountHandlers) RevokeKeyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := h.accounts.RevokeKey(c.Request.Context(), c.Param("space"), serviceaccounts.RevokeKeyInput{
			AccountID: c.Param("account"),
			KeyID:     c.Param("key"),
			RevokedBy: actorUserID(c),
		})
		if err != nil {
			abortServiceAccounts(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"key": result.Key})
	}
}

// abortServiceAccounts maps service-account domain errors onto HTTP
// statuses. Unmatched validation errors surface as 400s via
// serviceaccounts' descriptive messages only when recognized; anything
// else is a 500.
func abortServiceAccounts(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, serviceaccounts.ErrAccountNotFound):
		status, code = http.StatusNotFound, "service_account_not_found"
	case errors.Is(err, serviceaccounts.ErrKeyNotFound):
		status, code = http.StatusNotFound, "service_account_key_not_found"
	case errors.Is(err, serviceaccounts.ErrEmptyScopes),
		errors.Is(err, serviceaccounts.ErrInvalidScope):
		status, code = http.StatusBadRequest, "invalid_scopes"
	case errors.Is(err, store.ErrSpaceNotFound):
		status, code = http.StatusNotFound, "space_not_found"
	case errors.Is(err, store.ErrInvalidSpaceID):
		status, code = http.StatusBadRequest, "invalid_space_id"
	}
	c.JSON(status, gin.H{"code": code, "detail": err.Error()})
}
