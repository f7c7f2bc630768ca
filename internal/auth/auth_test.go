package auth

import (
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func buildCreds(t *testing.T, cfg Config) *Credentials {
	t.Helper()
	creds, err := BuildCredentials(cfg, discardLogger())
	require.NoError(t, err)
	return creds
}

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	return NewManager(buildCreds(t, cfg), discardLogger())
}

func headersWith(name, value string) http.Header {
	h := http.Header{}
	h.Set(name, value)
	return h
}

func assertAuthCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	authErr := AsError(err)
	require.NotNil(t, authErr, "expected auth error, got %v", err)
	assert.Equal(t, code, authErr.Code)
}

func TestAuthenticateMissingCredentials(t *testing.T) {
	m := newTestManager(t, Config{BootstrapToken: "boot"})
	_, err := m.AuthenticateHeaders(context.Background(), http.Header{})
	assertAuthCode(t, err, CodeMissingCredentials)
}

func TestAuthenticateRejectsNonBearerScheme(t *testing.T) {
	m := newTestManager(t, Config{BootstrapToken: "boot"})
	_, err := m.AuthenticateHeaders(context.Background(), headersWith("Authorization", "Basic abc"))
	assertAuthCode(t, err, CodeInvalidCredentials)
}

func TestStaticBearerToken(t *testing.T) {
	m := newTestManager(t, Config{
		BearerTokensJSON: `{"tok-1":{"user_id":"alice","display_name":"Alice"}}`,
	})

	identity, err := m.AuthenticateHeaders(context.Background(), headersWith("Authorization", "Bearer tok-1"))
	require.NoError(t, err)
	assert.Equal(t, "alice", identity.UserID)
	assert.Equal(t, MethodBearer, identity.AuthMethod)
	assert.Equal(t, PrincipalUser, identity.PrincipalType)
	assert.False(t, identity.ScopeEnforced)

	_, err = m.AuthenticateHeaders(context.Background(), headersWith("Authorization", "Bearer nope"))
	assertAuthCode(t, err, CodeInvalidCredentials)
}

func TestStaticBearerTokenRevokedAndDisabled(t *testing.T) {
	m := newTestManager(t, Config{
		BearerTokensJSON: `{
			"tok-rev":{"user_id":"bob","key_id":"k1"},
			"tok-off":{"user_id":"carol","disabled":true}
		}`,
		RevokedKeyIDs: "k1",
	})

	_, err := m.AuthenticateHeaders(context.Background(), headersWith("Authorization", "Bearer tok-rev"))
	assertAuthCode(t, err, CodeRevokedKey)

	_, err = m.AuthenticateHeaders(context.Background(), headersWith("Authorization", "Bearer tok-off"))
	assertAuthCode(t, err, CodeDisabledIdentity)
}

func TestBootstrapFingerprintOnly(t *testing.T) {
	creds := buildCreds(t, Config{BootstrapUserID: "ops"})
	fp := creds.BootstrapFingerprint()
	require.NotEmpty(t, fp)
	assert.Len(t, fp, 12)
}

func TestBuildCredentialsRejectsMalformedEntries(t *testing.T) {
	_, err := BuildCredentials(Config{BearerTokensJSON: `{"t":{"user_id":""}}`}, discardLogger())
	assert.Error(t, err)

	_, err = BuildCredentials(Config{APIKeysJSON: `{"k":{"user_id":"x","principal_type":"robot"}}`}, discardLogger())
	assert.Error(t, err)

	_, err = BuildCredentials(Config{BearerTokensJSON: `not json`}, discardLogger())
	assert.Error(t, err)
}

func TestSignedToken(t *testing.T) {
	cfg := Config{
		BootstrapToken: "boot",
		BearerSecrets:  "k1:topsecret",
		ActiveKeyIDs:   "k1",
	}
	m := newTestManager(t, cfg)

	token, err := SignToken("topsecret", TokenClaims{
		Kid:         "k1",
		Subject:     "alice",
		ExpiresAt:   time.Now().Add(time.Hour),
		DisplayName: "Alice",
		Scopes:      []string{"entry_read"},
	})
	require.NoError(t, err)

	identity, err := m.AuthenticateHeaders(context.Background(), headersWith("Authorization", "Bearer "+token))
	require.NoError(t, err)
	assert.Equal(t, "alice", identity.UserID)
	assert.Equal(t, "k1", identity.KeyID)
	assert.Equal(t, "Alice", identity.DisplayName)
	assert.True(t, identity.Scopes.Has("entry_read"))
	assert.False(t, identity.ScopeEnforced)
}

func TestSignedTokenBitFlip(t *testing.T) {
	m := newTestManager(t, Config{BootstrapToken: "boot", BearerSecrets: "k1:topsecret"})

	token, err := SignToken("topsecret", TokenClaims{
		Kid: "k1", Subject: "alice", ExpiresAt: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	require.NoError(t, err)

	// Flip one byte inside the payload without re-signing.
	tampered := []byte(strings.Replace(string(payload), `"alice"`, `"mallory"`, 1))
	parts[1] = base64.RawURLEncoding.EncodeToString(tampered)

	_, err = m.AuthenticateHeaders(context.Background(),
		headersWith("Authorization", "Bearer "+strings.Join(parts, ".")))
	assertAuthCode(t, err, CodeInvalidSignature)
}

func TestSignedTokenFailureCodes(t *testing.T) {
	m := newTestManager(t, Config{
		BootstrapToken: "boot",
		BearerSecrets:  "k1:topsecret,k2:other",
		ActiveKeyIDs:   "k1",
		RevokedKeyIDs:  "k3",
	})
	ctx := context.Background()

	sign := func(secret string, claims TokenClaims) string {
		token, err := SignToken(secret, claims)
		require.NoError(t, err)
		return token
	}
	authenticate := func(token string) error {
		_, err := m.AuthenticateHeaders(ctx, headersWith("Authorization", "Bearer "+token))
		return err
	}

	t.Run("malformed", func(t *testing.T) {
		assertAuthCode(t, authenticate("v1.only-two-parts"), CodeInvalidSignature)
		assertAuthCode(t, authenticate("v1.!!!.!!!"), CodeInvalidSignature)
	})

	t.Run("non-object payload", func(t *testing.T) {
		segment := base64.RawURLEncoding.EncodeToString([]byte(`[1,2]`))
		assertAuthCode(t, authenticate("v1."+segment+"."+segment), CodeInvalidSignature)
	})

	t.Run("inactive kid", func(t *testing.T) {
		token := sign("other", TokenClaims{Kid: "k2", Subject: "a", ExpiresAt: time.Now().Add(time.Hour)})
		assertAuthCode(t, authenticate(token), CodeRevokedKey)
	})

	t.Run("expired", func(t *testing.T) {
		token := sign("topsecret", TokenClaims{Kid: "k1", Subject: "a", ExpiresAt: time.Now().Add(-time.Minute)})
		assertAuthCode(t, authenticate(token), CodeExpiredToken)
	})

	t.Run("wrong secret", func(t *testing.T) {
		token := sign("wrong", TokenClaims{Kid: "k1", Subject: "a", ExpiresAt: time.Now().Add(time.Hour)})
		assertAuthCode(t, authenticate(token), CodeInvalidSignature)
	})
}

func TestStaticAPIKeys(t *testing.T) {
	m := newTestManager(t, Config{
		BootstrapToken: "boot",
		APIKeys:        "ci-key:ci-bot",
	})

	identity, err := m.AuthenticateHeaders(context.Background(), headersWith("X-API-Key", "ci-key"))
	require.NoError(t, err)
	assert.Equal(t, "ci-bot", identity.UserID)
	assert.Equal(t, MethodAPIKey, identity.AuthMethod)
	assert.Equal(t, PrincipalService, identity.PrincipalType)

	_, err = m.AuthenticateHeaders(context.Background(), headersWith("X-API-Key", "nope"))
	assertAuthCode(t, err, CodeInvalidCredentials)
}

type stubResolver struct {
	identity ServiceKeyIdentity
	err      error
	spaceID  string
	secret   string
}

func (s *stubResolver) ResolveServiceKey(_ context.Context, spaceID, secret string, _ KeyUseMetadata) (ServiceKeyIdentity, error) {
	s.spaceID = spaceID
	s.secret = secret
	if s.err != nil {
		return ServiceKeyIdentity{}, s.err
	}
	return s.identity, nil
}

func TestAuthenticateRequestServiceKeyFallback(t *testing.T) {
	m := newTestManager(t, Config{BootstrapToken: "boot"})
	resolver := &stubResolver{identity: ServiceKeyIdentity{
		UserID:           "service:s1:svc-1",
		ServiceAccountID: "svc-1",
		DisplayName:      "Deploy Bot",
		KeyID:            "sak-1",
		Scopes:           []string{"entry_read", "entry_write"},
	}}
	m.SetServiceKeyResolver(resolver)

	identity, err := m.AuthenticateRequest(context.Background(),
		headersWith("X-API-Key", "ugsk_abc"), "s1", KeyUseMetadata{RequestMethod: "GET"})
	require.NoError(t, err)
	assert.Equal(t, "s1", resolver.spaceID)
	assert.Equal(t, "ugsk_abc", resolver.secret)
	assert.Equal(t, "service:s1:svc-1", identity.UserID)
	assert.Equal(t, PrincipalService, identity.PrincipalType)
	assert.True(t, identity.ScopeEnforced)
	assert.True(t, identity.Scopes.Has("entry_write"))
	assert.Equal(t, "svc-1", identity.ServiceAccountID)
}

func TestAuthenticateRequestServiceKeyErrors(t *testing.T) {
	m := newTestManager(t, Config{BootstrapToken: "boot"})

	m.SetServiceKeyResolver(&stubResolver{err: ErrServiceKeyRevoked})
	_, err := m.AuthenticateRequest(context.Background(), headersWith("X-API-Key", "ugsk_x"), "s1", KeyUseMetadata{})
	assertAuthCode(t, err, CodeRevokedKey)

	m.SetServiceKeyResolver(&stubResolver{err: ErrServiceKeyNotFound})
	_, err = m.AuthenticateRequest(context.Background(), headersWith("X-API-Key", "ugsk_x"), "s1", KeyUseMetadata{})
	assertAuthCode(t, err, CodeInvalidCredentials)
}

func TestRequireScope(t *testing.T) {
	unscoped := RequestIdentity{UserID: "alice"}
	assert.NoError(t, RequireScope(unscoped, "space_admin"))

	scoped := RequestIdentity{
		UserID:        "service:s1:svc-1",
		ScopeEnforced: true,
		Scopes:        NewScopeSet([]string{"entry_read"}),
	}
	assert.NoError(t, RequireScope(scoped, "entry_read"))

	err := RequireScope(scoped, "entry_write")
	require.Error(t, err)
	authErr := AsError(err)
	require.NotNil(t, authErr)
	assert.Equal(t, CodeInsufficientScope, authErr.Code)
	assert.Equal(t, http.StatusForbidden, authErr.Status)
}

func TestReloadSwapsCredentials(t *testing.T) {
	m := newTestManager(t, Config{BearerTokensJSON: `{"old":{"user_id":"alice"}}`})
	ctx := context.Background()

	_, err := m.AuthenticateHeaders(ctx, headersWith("Authorization", "Bearer old"))
	require.NoError(t, err)

	m.Reload(buildCreds(t, Config{BearerTokensJSON: `{"new":{"user_id":"bob"}}`}))

	_, err = m.AuthenticateHeaders(ctx, headersWith("Authorization", "Bearer old"))
	assertAuthCode(t, err, CodeInvalidCredentials)

	identity, err := m.AuthenticateHeaders(ctx, headersWith("Authorization", "Bearer new"))
	require.NoError(t, err)
	assert.Equal(t, "bob", identity.UserID)
}
