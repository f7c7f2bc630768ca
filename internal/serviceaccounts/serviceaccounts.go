// Package serviceaccounts issues, verifies, rotates, and revokes scoped
// API-key credentials for automation principals. Key secrets are shown
// exactly once at creation; only a PBKDF2 hash is persisted.
package serviceaccounts

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/ugoite/ugoite-server/internal/authz"
)

// HashAlgorithm tags stored key hashes so the derivation can evolve
// without invalidating existing keys.
const HashAlgorithm = "pbkdf2_sha256_v1"

const (
	hashIterations = 240_000
	hashKeyLength  = 32
	secretPrefix   = "ugsk_"
	prefixLength   = 12
)

// Domain errors.
var (
	ErrAccountNotFound = errors.New("service account not found")
	ErrKeyNotFound     = errors.New("service account key not found")
	ErrEmptyScopes     = errors.New("service account scopes must not be empty")
	ErrInvalidScope    = errors.New("invalid service account scope")
)

// Account is a stored service account. Keys are keyed by key id.
type Account struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	DisplayName string          `json:"display_name"`
	Disabled    bool            `json:"disabled"`
	Scopes      []string        `json:"scopes"`
	CreatedAt   string          `json:"created_at"`
	CreatedBy   string          `json:"created_by_user_id"`
	Keys        map[string]*Key `json:"keys"`
}

// Key is a stored API key. SecretHash/SecretSalt never leave the store.
type Key struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Prefix        string `json:"prefix"`
	SecretHash    string `json:"secret_hash"`
	SecretSalt    string `json:"secret_salt"`
	HashAlgorithm string `json:"hash_algorithm"`
	CreatedAt     string `json:"created_at"`
	CreatedBy     string `json:"created_by_user_id"`
	RevokedAt     string `json:"revoked_at,omitempty"`
	RotatedFrom   string `json:"rotated_from,omitempty"`
	LastUsedAt    string `json:"last_used_at,omitempty"`
	UsageCount    int    `json:"usage_count"`
}

// Revoked reports whether the key has been revoked.
func (k *Key) Revoked() bool {
	return k.RevokedAt != ""
}

// KeyView is the public projection of a key, with secret material
// stripped.
type KeyView struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Prefix      string `json:"prefix"`
	CreatedAt   string `json:"created_at"`
	CreatedBy   string `json:"created_by_user_id"`
	RevokedAt   string `json:"revoked_at,omitempty"`
	RotatedFrom string `json:"rotated_from,omitempty"`
	LastUsedAt  string `json:"last_used_at,omitempty"`
	UsageCount  int    `json:"usage_count"`
}

// AccountView is the public projection of an account, keys newest first.
type AccountView struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Disabled    bool      `json:"disabled"`
	Scopes      []string  `json:"scopes"`
	CreatedAt   string    `json:"created_at"`
	CreatedBy   string    `json:"created_by_user_id"`
	Keys        []KeyView `json:"keys"`
}

func (k *Key) view() KeyView {
	return KeyView{
		ID:          k.ID,
		Name:        k.Name,
		Prefix:      k.Prefix,
		CreatedAt:   k.CreatedAt,
		CreatedBy:   k.CreatedBy,
		RevokedAt:   k.RevokedAt,
		RotatedFrom: k.RotatedFrom,
		LastUsedAt:  k.LastUsedAt,
		UsageCount:  k.UsageCount,
	}
}

func (a *Account) view() AccountView {
	keys := make([]KeyView, 0, len(a.Keys))
	for _, key := range a.Keys {
		if key != nil {
			keys = append(keys, key.view())
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].CreatedAt > keys[j].CreatedAt })
	return AccountView{
		ID:          a.ID,
		UserID:      a.UserID,
		DisplayName: a.DisplayName,
		Disabled:    a.Disabled,
		Scopes:      a.Scopes,
		CreatedAt:   a.CreatedAt,
		CreatedBy:   a.CreatedBy,
		Keys:        keys,
	}
}

// normalizeScopes trims, dedups, sorts, and validates scopes against the
// action whitelist.
func normalizeScopes(scopes []string) ([]string, error) {
	set := map[string]struct{}{}
	for _, scope := range scopes {
		scope = strings.TrimSpace(scope)
		if scope != "" {
			set[scope] = struct{}{}
		}
	}
	if len(set) == 0 {
		return nil, ErrEmptyScopes
	}
	normalized := make([]string, 0, len(set))
	var invalid []string
	for scope := range set {
		if !authz.ValidAction(scope) {
			invalid = append(invalid, scope)
			continue
		}
		normalized = append(normalized, scope)
	}
	if len(invalid) > 0 {
		sort.Strings(invalid)
		return nil, fmt.Errorf("%w: %s", ErrInvalidScope, strings.Join(invalid, ", "))
	}
	sort.Strings(normalized)
	return normalized, nil
}

// hashSecret derives the stored hash for a secret+salt pair with
// PBKDF2-HMAC-SHA256.
func hashSecret(secret, salt string) string {
	derived := pbkdf2.Key([]byte(secret), []byte(salt), hashIterations, hashKeyLength, sha256.New)
	return base64.URLEncoding.EncodeToString(derived)
}

// verifySecret recomputes the key's hash and compares in constant time.
func verifySecret(key *Key, secret string) bool {
	if key.HashAlgorithm != HashAlgorithm || key.SecretSalt == "" || key.SecretHash == "" {
		return false
	}
	expected := hashSecret(secret, key.SecretSalt)
	return subtle.ConstantTimeCompare([]byte(key.SecretHash), []byte(expected)) == 1
}

func newAccountID() (string, error) {
	suffix, err := randomHex(8)
	return "svc-" + suffix, err
}

func newKeyID() (string, error) {
	suffix, err := randomHex(8)
	return "sak-" + suffix, err
}

func newSecret() (string, error) {
	raw, err := randomURLSafe(32)
	return secretPrefix + raw, err
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func randomURLSafe(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
