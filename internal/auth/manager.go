package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// KeyUseMetadata carries request attribution recorded alongside
// service-account key usage.
type KeyUseMetadata struct {
	RequestMethod string
	RequestPath   string
	RequestID     string
}

// ServiceKeyIdentity is the resolved identity behind a space-scoped
// service-account API key.
type ServiceKeyIdentity struct {
	UserID           string
	ServiceAccountID string
	DisplayName      string
	KeyID            string
	Scopes           []string
}

// Sentinel errors a ServiceKeyResolver reports; the Manager translates
// them into stable authentication error codes.
var (
	ErrServiceKeyNotFound = errors.New("service api key not found")
	ErrServiceKeyRevoked  = errors.New("service api key has been revoked")
)

// ServiceKeyResolver resolves space-scoped service-account API keys.
// Implemented by the service-account manager.
type ServiceKeyResolver interface {
	ResolveServiceKey(ctx context.Context, spaceID, secret string, meta KeyUseMetadata) (ServiceKeyIdentity, error)
}

// Manager resolves request identities from headers. It holds a swappable
// credential set so configuration reloads never tear down in-flight
// requests.
type Manager struct {
	mu       sync.RWMutex
	creds    *Credentials
	resolver ServiceKeyResolver
	logger   *slog.Logger
	now      func() time.Time
}

// NewManager creates a Manager over an initial credential set.
func NewManager(creds *Credentials, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{creds: creds, logger: logger, now: time.Now}
}

// SetServiceKeyResolver wires the space-scoped API-key fallback.
func (m *Manager) SetServiceKeyResolver(resolver ServiceKeyResolver) {
	m.mu.Lock()
	m.resolver = resolver
	m.mu.Unlock()
}

// Reload swaps in a rebuilt credential set.
func (m *Manager) Reload(creds *Credentials) {
	m.mu.Lock()
	m.creds = creds
	m.mu.Unlock()
	m.logger.Info("authentication credentials reloaded")
}

func (m *Manager) credentials() *Credentials {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.creds
}

// AuthenticateHeaders resolves an identity from request headers using
// bearer then API-key credentials.
func (m *Manager) AuthenticateHeaders(ctx context.Context, headers http.Header) (RequestIdentity, error) {
	identity, _, err := m.authenticate(ctx, headers)
	return identity, err
}

// AuthenticateRequest is AuthenticateHeaders plus a space-scoped
// service-account API-key fallback for X-API-Key values no static
// credential matches.
func (m *Manager) AuthenticateRequest(ctx context.Context, headers http.Header, spaceID string, meta KeyUseMetadata) (RequestIdentity, error) {
	identity, apiKey, err := m.authenticate(ctx, headers)
	if err == nil {
		return identity, nil
	}

	authErr := AsError(err)
	if apiKey == "" || authErr == nil || authErr.Code != CodeInvalidCredentials {
		return RequestIdentity{}, err
	}

	m.mu.RLock()
	resolver := m.resolver
	m.mu.RUnlock()
	if resolver == nil {
		return RequestIdentity{}, err
	}

	resolved, resolveErr := resolver.ResolveServiceKey(ctx, spaceID, apiKey, meta)
	switch {
	case resolveErr == nil:
	case errors.Is(resolveErr, ErrServiceKeyRevoked):
		return RequestIdentity{}, newError(CodeRevokedKey, "API key has been revoked")
	case errors.Is(resolveErr, ErrServiceKeyNotFound):
		return RequestIdentity{}, newError(CodeInvalidCredentials, "Invalid API key")
	default:
		return RequestIdentity{}, resolveErr
	}

	return RequestIdentity{
		UserID:           resolved.UserID,
		AuthMethod:       MethodAPIKey,
		PrincipalType:    PrincipalService,
		DisplayName:      resolved.DisplayName,
		KeyID:            resolved.KeyID,
		Scopes:           NewScopeSet(resolved.Scopes),
		ScopeEnforced:    true,
		ServiceAccountID: resolved.ServiceAccountID,
	}, nil
}

// authenticate returns the resolved identity, plus the presented API key
// (if any) so AuthenticateRequest can run the service-account fallback.
func (m *Manager) authenticate(_ context.Context, headers http.Header) (RequestIdentity, string, error) {
	creds := m.credentials()

	if authorization := strings.TrimSpace(headers.Get("Authorization")); authorization != "" {
		scheme, token, ok := strings.Cut(authorization, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			return RequestIdentity{}, "", newError(CodeInvalidCredentials, "Authorization header must use Bearer scheme")
		}
		identity, err := m.authenticateBearer(creds, token)
		return identity, "", err
	}

	if apiKey := strings.TrimSpace(headers.Get("X-API-Key")); apiKey != "" {
		identity, err := m.authenticateAPIKey(creds, apiKey)
		return identity, apiKey, err
	}

	return RequestIdentity{}, "", newError(CodeMissingCredentials,
		"Authentication required. Provide Authorization: Bearer <token> or X-API-Key.")
}

func (m *Manager) authenticateBearer(creds *Credentials, token string) (RequestIdentity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return RequestIdentity{}, newError(CodeMissingCredentials, "Missing bearer token")
	}

	if strings.HasPrefix(token, signedTokenPrefix) {
		return creds.verifySignedToken(token, m.now())
	}

	record, ok := creds.staticTokens[token]
	if !ok {
		return RequestIdentity{}, newError(CodeInvalidCredentials, "Invalid bearer token")
	}
	if creds.keyRevoked(record.KeyID) {
		return RequestIdentity{}, newError(CodeRevokedKey, "Bearer token has been revoked")
	}
	if record.Disabled {
		return RequestIdentity{}, newError(CodeDisabledIdentity, "Principal is disabled")
	}
	return record.identity(MethodBearer), nil
}

func (m *Manager) authenticateAPIKey(creds *Credentials, apiKey string) (RequestIdentity, error) {
	record, ok := creds.apiKeys[apiKey]
	if !ok {
		return RequestIdentity{}, newError(CodeInvalidCredentials, "Invalid API key")
	}
	if creds.keyRevoked(record.KeyID) {
		return RequestIdentity{}, newError(CodeRevokedKey, "API key has been revoked")
	}
	if record.Disabled {
		return RequestIdentity{}, newError(CodeDisabledIdentity, "Principal is disabled")
	}
	return record.identity(MethodAPIKey), nil
}

func (r CredentialRecord) identity(method AuthMethod) RequestIdentity {
	return RequestIdentity{
		UserID:        r.UserID,
		AuthMethod:    method,
		PrincipalType: r.PrincipalType,
		DisplayName:   r.DisplayName,
		KeyID:         r.KeyID,
		Scopes:        r.Scopes,
		ScopeEnforced: r.ScopeEnforced,
	}
}
