package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"
)

const signedTokenPrefix = "v1."

// signedPayload is the claims object inside a v1 signed bearer token.
// Exp is a pointer so a missing claim is distinguishable from zero.
type signedPayload struct {
	Kid              string   `json:"kid"`
	Sub              string   `json:"sub"`
	Exp              *float64 `json:"exp"`
	Disabled         bool     `json:"disabled"`
	PrincipalType    string   `json:"principal_type"`
	DisplayName      string   `json:"display_name"`
	Scopes           []string `json:"scopes"`
	ScopeEnforced    bool     `json:"scope_enforced"`
	ServiceAccountID string   `json:"service_account_id"`
}

// verifySignedToken validates a v1.<payload>.<signature> bearer token and
// returns the identity it asserts. Checks run in a fixed order so each
// failure maps to one stable error code: token shape, base64 segments,
// payload decode, key id state, signature, expiry, disabled flag.
func (c *Credentials) verifySignedToken(token string, now time.Time) (RequestIdentity, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return RequestIdentity{}, newError(CodeInvalidSignature, "Malformed signed bearer token")
	}
	payloadSegment, signatureSegment := parts[1], parts[2]

	payloadBytes, err := urlsafeDecode(payloadSegment)
	if err != nil {
		return RequestIdentity{}, newError(CodeInvalidSignature, "Malformed signed bearer token")
	}
	signature, err := urlsafeDecode(signatureSegment)
	if err != nil {
		return RequestIdentity{}, newError(CodeInvalidSignature, "Malformed signed bearer token")
	}

	var payload signedPayload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return RequestIdentity{}, newError(CodeInvalidSignature, "Invalid signed token payload")
	}

	if payload.Kid == "" {
		return RequestIdentity{}, newError(CodeInvalidSignature, "Signed token missing key id")
	}
	if len(c.activeKeyIDs) > 0 {
		if _, ok := c.activeKeyIDs[payload.Kid]; !ok {
			return RequestIdentity{}, newError(CodeRevokedKey, "Token signed by inactive key")
		}
	}
	if _, ok := c.revokedKeyIDs[payload.Kid]; ok {
		return RequestIdentity{}, newError(CodeRevokedKey, "Token key id has been revoked")
	}
	secret, ok := c.signingSecrets[payload.Kid]
	if !ok {
		return RequestIdentity{}, newError(CodeInvalidSignature, "Unknown token signing key")
	}

	expected := signSegment(secret, payloadSegment)
	if !hmac.Equal(expected, signature) {
		return RequestIdentity{}, newError(CodeInvalidSignature, "Invalid bearer token signature")
	}

	if payload.Exp == nil {
		return RequestIdentity{}, newError(CodeInvalidCredentials, "Signed token missing exp")
	}
	if *payload.Exp < float64(now.Unix()) {
		return RequestIdentity{}, newError(CodeExpiredToken, "Bearer token has expired")
	}

	if payload.Sub == "" {
		return RequestIdentity{}, newError(CodeInvalidCredentials, "Signed token missing subject")
	}
	if payload.Disabled {
		return RequestIdentity{}, newError(CodeDisabledIdentity, "Principal is disabled")
	}

	principalType := PrincipalType(payload.PrincipalType)
	if payload.PrincipalType == "" {
		principalType = PrincipalUser
	}
	if principalType != PrincipalUser && principalType != PrincipalService {
		return RequestIdentity{}, newError(CodeInvalidCredentials, "Invalid principal type")
	}

	return RequestIdentity{
		UserID:           payload.Sub,
		AuthMethod:       MethodBearer,
		PrincipalType:    principalType,
		DisplayName:      payload.DisplayName,
		KeyID:            payload.Kid,
		Scopes:           NewScopeSet(payload.Scopes),
		ScopeEnforced:    payload.ScopeEnforced,
		ServiceAccountID: payload.ServiceAccountID,
	}, nil
}

// TokenClaims describes a signed token to mint.
type TokenClaims struct {
	Kid           string
	Subject       string
	ExpiresAt     time.Time
	PrincipalType PrincipalType
	DisplayName   string
	Scopes        []string
	ScopeEnforced bool
}

// SignToken mints a v1 signed bearer token for the given signing secret.
func SignToken(secret string, claims TokenClaims) (string, error) {
	exp := float64(claims.ExpiresAt.Unix())
	payload := signedPayload{
		Kid:           claims.Kid,
		Sub:           claims.Subject,
		Exp:           &exp,
		PrincipalType: string(claims.PrincipalType),
		DisplayName:   claims.DisplayName,
		Scopes:        claims.Scopes,
		ScopeEnforced: claims.ScopeEnforced,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	payloadSegment := base64.RawURLEncoding.EncodeToString(raw)
	signature := base64.RawURLEncoding.EncodeToString(signSegment(secret, payloadSegment))
	return signedTokenPrefix + payloadSegment + "." + signature, nil
}

func signSegment(secret, payloadSegment string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payloadSegment))
	return mac.Sum(nil)
}

// urlsafeDecode accepts url-safe base64 with or without padding.
func urlsafeDecode(segment string) ([]byte, error) {
	if decoded, err := base64.RawURLEncoding.DecodeString(segment); err == nil {
		return decoded, nil
	}
	return base64.URLEncoding.DecodeString(segment)
}
