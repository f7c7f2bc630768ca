package auth

import "net/http"

// PrincipalType distinguishes human users from automation principals.
type PrincipalType string

const (
	PrincipalUser    PrincipalType = "user"
	PrincipalService PrincipalType = "service"
)

// AuthMethod records which credential kind authenticated a request.
type AuthMethod string

const (
	MethodBearer AuthMethod = "bearer"
	MethodAPIKey AuthMethod = "api_key"
)

// ScopeSet is a set of action scope names.
type ScopeSet map[string]struct{}

// NewScopeSet builds a set from a slice, dropping empty entries.
func NewScopeSet(scopes []string) ScopeSet {
	set := make(ScopeSet, len(scopes))
	for _, scope := range scopes {
		if scope != "" {
			set[scope] = struct{}{}
		}
	}
	return set
}

// Has reports whether the scope is in the set.
func (s ScopeSet) Has(scope string) bool {
	_, ok := s[scope]
	return ok
}

// RequestIdentity is the resolved identity for one request. ScopeEnforced
// is true only for service-account API keys; user and static credentials
// are unscoped and governed entirely by role checks.
type RequestIdentity struct {
	UserID           string
	AuthMethod       AuthMethod
	PrincipalType    PrincipalType
	DisplayName      string
	KeyID            string
	Scopes           ScopeSet
	ScopeEnforced    bool
	ServiceAccountID string
}

// IsService reports whether the identity is an automation principal.
func (id RequestIdentity) IsService() bool {
	return id.PrincipalType == PrincipalService
}

// RequireScope enforces scope narrowing for scope-enforced identities.
// Unscoped identities pass through to role-based checks.
func RequireScope(identity RequestIdentity, action string) error {
	if !identity.ScopeEnforced {
		return nil
	}
	if identity.Scopes.Has(action) {
		return nil
	}
	return &Error{
		Code:   CodeInsufficientScope,
		Detail: "API key scope does not allow '" + action + "'",
		Status: http.StatusForbidden,
	}
}
