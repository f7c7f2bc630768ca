package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// Config is the raw credential configuration surface. All fields are
// optional; an empty config yields a bootstrap-only credential set.
type Config struct {
	// BearerTokensJSON is a JSON map of token -> credential record.
	BearerTokensJSON string
	// APIKeysJSON is a JSON map of key -> credential record.
	APIKeysJSON string
	// APIKeys is a comma list of key:user_id pairs, registered as
	// service principals.
	APIKeys string
	// BearerSecrets is a comma list of kid:secret signing pairs.
	BearerSecrets string
	// ActiveKeyIDs and RevokedKeyIDs are comma-separated id sets.
	ActiveKeyIDs  string
	RevokedKeyIDs string
	// BootstrapToken pins the bootstrap bearer token for deterministic
	// startups; BootstrapUserID names its principal.
	BootstrapToken  string
	BootstrapUserID string
}

// CredentialRecord is a parsed, validated credential definition.
type CredentialRecord struct {
	UserID        string
	PrincipalType PrincipalType
	DisplayName   string
	KeyID         string
	Disabled      bool
	Scopes        ScopeSet
	ScopeEnforced bool
}

type rawCredentialRecord struct {
	UserID           string   `json:"user_id"`
	PrincipalType    string   `json:"principal_type"`
	DisplayName      string   `json:"display_name"`
	KeyID            string   `json:"key_id"`
	Disabled         bool     `json:"disabled"`
	Scopes           []string `json:"scopes"`
	ScopeEnforced    bool     `json:"scope_enforced"`
	ServiceAccountID string   `json:"service_account_id"`
}

// Credentials is an immutable, fully parsed credential set. Rebuild and
// swap a new value into the Manager on configuration change.
type Credentials struct {
	staticTokens   map[string]CredentialRecord
	apiKeys        map[string]CredentialRecord
	signingSecrets map[string]string
	activeKeyIDs   map[string]struct{}
	revokedKeyIDs  map[string]struct{}

	bootstrapFingerprint string
}

// BuildCredentials parses cfg into typed records, rejecting malformed
// entries at load time rather than at request time. When no bearer
// credential is configured it installs a bootstrap token (configured or
// random) and logs only a truncated fingerprint of it.
func BuildCredentials(cfg Config, logger *slog.Logger) (*Credentials, error) {
	if logger == nil {
		logger = slog.Default()
	}

	staticTokens, err := parseRecordMap(cfg.BearerTokensJSON, "bearer token")
	if err != nil {
		return nil, err
	}
	apiKeys, err := parseRecordMap(cfg.APIKeysJSON, "api key")
	if err != nil {
		return nil, err
	}
	for key, userID := range parseKeyValueList(cfg.APIKeys) {
		apiKeys[key] = CredentialRecord{
			UserID:        userID,
			PrincipalType: PrincipalService,
		}
	}

	creds := &Credentials{
		staticTokens:   staticTokens,
		apiKeys:        apiKeys,
		signingSecrets: parseKeyValueList(cfg.BearerSecrets),
		activeKeyIDs:   parseStringSet(cfg.ActiveKeyIDs),
		revokedKeyIDs:  parseStringSet(cfg.RevokedKeyIDs),
	}

	if len(creds.staticTokens) == 0 {
		token := cfg.BootstrapToken
		if token == "" {
			token, err = randomURLSafeToken(32)
			if err != nil {
				return nil, fmt.Errorf("auth: generate bootstrap token: %w", err)
			}
		}
		userID := cfg.BootstrapUserID
		if userID == "" {
			userID = "bootstrap-user"
		}
		creds.staticTokens[token] = CredentialRecord{
			UserID:        userID,
			PrincipalType: PrincipalUser,
			DisplayName:   "Local Bootstrap User",
			KeyID:         "bootstrap",
		}
		creds.bootstrapFingerprint = Fingerprint(token)
		logger.Warn("no bearer credentials configured, installed bootstrap token",
			"user_id", userID,
			"token_fingerprint", creds.bootstrapFingerprint)
	}

	return creds, nil
}

// BootstrapFingerprint returns the truncated hash of the bootstrap token,
// or "" when explicit bearer credentials were configured.
func (c *Credentials) BootstrapFingerprint() string {
	return c.bootstrapFingerprint
}

func (c *Credentials) keyRevoked(keyID string) bool {
	_, ok := c.revokedKeyIDs[keyID]
	return keyID != "" && ok
}

// Fingerprint returns a short hex digest suitable for logging a secret
// without revealing it.
func Fingerprint(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])[:12]
}

func randomURLSafeToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func parseRecordMap(raw, kind string) (map[string]CredentialRecord, error) {
	records := make(map[string]CredentialRecord)
	if strings.TrimSpace(raw) == "" {
		return records, nil
	}
	var parsed map[string]rawCredentialRecord
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("auth: malformed %s configuration: %w", kind, err)
	}
	for credential, data := range parsed {
		if credential == "" {
			continue
		}
		if data.UserID == "" {
			return nil, fmt.Errorf("auth: %s entry is missing user_id", kind)
		}
		principalType := PrincipalType(data.PrincipalType)
		if data.PrincipalType == "" {
			principalType = PrincipalUser
		}
		if principalType != PrincipalUser && principalType != PrincipalService {
			return nil, fmt.Errorf("auth: %s entry for %q has invalid principal_type %q", kind, data.UserID, data.PrincipalType)
		}
		records[credential] = CredentialRecord{
			UserID:        data.UserID,
			PrincipalType: principalType,
			DisplayName:   data.DisplayName,
			KeyID:         data.KeyID,
			Disabled:      data.Disabled,
			Scopes:        NewScopeSet(data.Scopes),
			ScopeEnforced: data.ScopeEnforced,
		}
	}
	return records, nil
}

func parseKeyValueList(raw string) map[string]string {
	result := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, ok := strings.Cut(pair, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key != "" && value != "" {
			result[key] = value
		}
	}
	return result
}

func parseStringSet(raw string) map[string]struct{} {
	result := make(map[string]struct{})
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			result[item] = struct{}{}
		}
	}
	return result
}
