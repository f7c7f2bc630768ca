package serviceaccounts

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ugoite/ugoite-server/internal/audit"
	"github.com/ugoite/ugoite-server/internal/auth"
	"github.com/ugoite/ugoite-server/internal/store"
	"github.com/ugoite/ugoite-server/internal/telemetry"
)

const timeLayout = "2006-01-02T15:04:05.000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// Manager owns the service-account slice of each space document. Like
// the membership service it appends audit events only after the space
// lock is released.
type Manager struct {
	store   store.SpaceStore
	locks   *store.Locks
	audit   *audit.Log
	metrics *telemetry.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewManager creates a Manager. The audit log and metrics may be nil.
func NewManager(st store.SpaceStore, locks *store.Locks, auditLog *audit.Log, metrics *telemetry.Metrics, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: st, locks: locks, audit: auditLog, metrics: metrics, logger: logger, now: time.Now}
}

// accountState is the service_accounts slice of a space document. The
// settings map is carried whole so keys owned by other subsystems
// survive the read-modify-write.
type accountState struct {
	settings map[string]any
	accounts map[string]*Account
}

func (m *Manager) loadState(ctx context.Context, spaceID string) (*accountState, error) {
	doc, err := m.store.GetSpace(ctx, spaceID)
	if err != nil {
		return nil, err
	}
	settings, _ := doc["settings"].(map[string]any)
	if settings == nil {
		settings = map[string]any{}
	}

	state := &accountState{settings: settings, accounts: map[string]*Account{}}
	if raw, ok := settings["service_accounts"]; ok {
		if err := store.Reencode(raw, &state.accounts); err != nil {
			return nil, fmt.Errorf("serviceaccounts: space %s service accounts are malformed: %w", spaceID, err)
		}
	}
	return state, nil
}

func (m *Manager) persist(ctx context.Context, spaceID string, state *accountState) error {
	state.settings["service_accounts"] = state.accounts
	return m.store.PatchSpace(ctx, spaceID, store.Document{"settings": state.settings})
}

func (m *Manager) record(ctx context.Context, spaceID string, input audit.EventInput) *audit.Event {
	if m.audit == nil {
		return nil
	}
	event, err := m.audit.Append(ctx, spaceID, input)
	if err != nil {
		m.logger.Error("service account audit append failed",
			"space_id", spaceID, "action", input.Action, "error", err)
		return nil
	}
	return event
}

// CreateAccountInput describes a new service account.
type CreateAccountInput struct {
	DisplayName string
	Scopes      []string
	CreatedBy   string
}

// CreateAccountResult is the created account's public view.
type CreateAccountResult struct {
	Account    AccountView
	AuditEvent *audit.Event
}

// CreateAccount registers a service account with a normalized scope
// set. The synthetic user id it authenticates as embeds the space and
// account ids.
func (m *Manager) CreateAccount(ctx context.Context, spaceID string, input CreateAccountInput) (*CreateAccountResult, error) {
	displayName := strings.TrimSpace(input.DisplayName)
	if displayName == "" {
		return nil, fmt.Errorf("serviceaccounts: display name must not be empty")
	}
	createdBy := strings.TrimSpace(input.CreatedBy)
	if createdBy == "" {
		return nil, fmt.Errorf("serviceaccounts: creator user id must not be empty")
	}
	scopes, err := normalizeScopes(input.Scopes)
	if err != nil {
		return nil, fmt.Errorf("serviceaccounts: %w", err)
	}

	accountID, err := newAccountID()
	if err != nil {
		return nil, fmt.Errorf("serviceaccounts: generate account id: %w", err)
	}

	account := &Account{
		ID:          accountID,
		UserID:      fmt.Sprintf("service:%s:%s", spaceID, accountID),
		DisplayName: displayName,
		Scopes:      scopes,
		CreatedAt:   formatTime(m.now()),
		CreatedBy:   createdBy,
		Keys:        map[string]*Key{},
	}

	if err := m.storeAccountLocked(ctx, spaceID, account); err != nil {
		return nil, err
	}

	event := m.record(ctx, spaceID, audit.EventInput{
		Action:      "service_account.create",
		ActorUserID: createdBy,
		Outcome:     audit.OutcomeSuccess,
		TargetType:  "service_account",
		TargetID:    accountID,
		Metadata: map[string]string{
			"display_name": displayName,
			"scopes":       strings.Join(scopes, ","),
		},
	})
	return &CreateAccountResult{Account: account.view(), AuditEvent: event}, nil
}

func (m *Manager) storeAccountLocked(ctx context.Context, spaceID string, account *Account) error {
	mu := m.locks.ForSpace(spaceID)
	mu.Lock()
	defer mu.Unlock()

	state, err := m.loadState(ctx, spaceID)
	if err != nil {
		return err
	}
	state.accounts[account.ID] = account
	return m.persist(ctx, spaceID, state)
}

// ListAccounts returns public views of every service account, newest
// first.
func (m *Manager) ListAccounts(ctx context.Context, spaceID string) ([]AccountView, error) {
	state, err := m.loadState(ctx, spaceID)
	if err != nil {
		return nil, err
	}
	views := make([]AccountView, 0, len(state.accounts))
	for id, account := range state.accounts {
		if account == nil {
			continue
		}
		if account.ID == "" {
			account.ID = id
		}
		views = append(views, account.view())
	}
	sort.Slice(views, func(i, j int) bool { return views[i].CreatedAt > views[j].CreatedAt })
	return views, nil
}

// CreateKeyInput mints a new API key for an account.
type CreateKeyInput struct {
	AccountID string
	KeyName   string
	CreatedBy string
}

// CreateKeyResult carries the one-time secret. Only its PBKDF2 hash is
// persisted; the secret cannot be recovered later.
type CreateKeyResult struct {
	Key        KeyView
	Secret     string
	AuditEvent *audit.Event
}

// CreateKey mints an API key for the account and returns the secret
// exactly once.
func (m *Manager) CreateKey(ctx context.Context, spaceID string, input CreateKeyInput) (*CreateKeyResult, error) {
	return m.createKey(ctx, spaceID, input, "")
}

func (m *Manager) createKey(ctx context.Context, spaceID string, input CreateKeyInput, rotatedFrom string) (*CreateKeyResult, error) {
	if strings.TrimSpace(input.AccountID) == "" {
		return nil, fmt.Errorf("serviceaccounts: account id must not be empty")
	}

	secret, err := newSecret()
	if err != nil {
		return nil, fmt.Errorf("serviceaccounts: generate key secret: %w", err)
	}
	salt, err := randomURLSafe(16)
	if err != nil {
		return nil, fmt.Errorf("serviceaccounts: generate key salt: %w", err)
	}
	keyID, err := newKeyID()
	if err != nil {
		return nil, fmt.Errorf("serviceaccounts: generate key id: %w", err)
	}

	key := &Key{
		ID:            keyID,
		Name:          strings.TrimSpace(input.KeyName),
		Prefix:        secret[:prefixLength],
		SecretHash:    hashSecret(secret, salt),
		SecretSalt:    salt,
		HashAlgorithm: HashAlgorithm,
		CreatedAt:     formatTime(m.now()),
		CreatedBy:     strings.TrimSpace(input.CreatedBy),
		RotatedFrom:   rotatedFrom,
	}

	if err := m.storeKeyLocked(ctx, spaceID, input.AccountID, key); err != nil {
		return nil, err
	}

	event := m.record(ctx, spaceID, audit.EventInput{
		Action:      "service_account.key.create",
		ActorUserID: key.CreatedBy,
		Outcome:     audit.OutcomeSuccess,
		TargetType:  "service_account_key",
		TargetID:    keyID,
		Metadata:    map[string]string{"service_account_id": input.AccountID, "prefix": key.Prefix},
	})
	return &CreateKeyResult{Key: key.view(), Secret: secret, AuditEvent: event}, nil
}

func (m *Manager) storeKeyLocked(ctx context.Context, spaceID, accountID string, key *Key) error {
	mu := m.locks.ForSpace(spaceID)
	mu.Lock()
	defer mu.Unlock()

	state, err := m.loadState(ctx, spaceID)
	if err != nil {
		return err
	}
	account := state.accounts[accountID]
	if account == nil {
		return fmt.Errorf("serviceaccounts: %w: %s", ErrAccountNotFound, accountID)
	}
	if account.Keys == nil {
		account.Keys = map[string]*Key{}
	}
	account.Keys[key.ID] = key
	return m.persist(ctx, spaceID, state)
}

// RevokeKeyInput revokes an API key.
type RevokeKeyInput struct {
	AccountID string
	KeyID     string
	RevokedBy string
}

// RevokeKeyResult is the revoked key's public view.
type RevokeKeyResult struct {
	Key        KeyView
	AuditEvent *audit.Event
}

// RevokeKey revokes the key. Revoking an already-revoked key is a
// no-op that keeps the original revocation timestamp.
func (m *Manager) RevokeKey(ctx context.Context, spaceID string, input RevokeKeyInput) (*RevokeKeyResult, error) {
	key, err := m.revokeKeyLocked(ctx, spaceID, input)
	if err != nil {
		return nil, err
	}

	event := m.record(ctx, spaceID, audit.EventInput{
		Action:      "service_account.key.revoke",
		ActorUserID: input.RevokedBy,
		Outcome:     audit.OutcomeSuccess,
		TargetType:  "service_account_key",
		TargetID:    input.KeyID,
		Metadata:    map[string]string{"service_account_id": input.AccountID},
	})
	return &RevokeKeyResult{Key: key, AuditEvent: event}, nil
}

func (m *Manager) revokeKeyLocked(ctx context.Context, spaceID string, input RevokeKeyInput) (KeyView, error) {
	mu := m.locks.ForSpace(spaceID)
	mu.Lock()
	defer mu.Unlock()

	state, err := m.loadState(ctx, spaceID)
	if err != nil {
		return KeyView{}, err
	}
	account := state.accounts[input.AccountID]
	if account == nil {
		return KeyView{}, fmt.Errorf("serviceaccounts: %w: %s", ErrAccountNotFound, input.AccountID)
	}
	key := account.Keys[input.KeyID]
	if key == nil {
		return KeyView{}, fmt.Errorf("serviceaccounts: %w: %s", ErrKeyNotFound, input.KeyID)
	}
	if !key.Revoked() {
		key.RevokedAt = formatTime(m.now())
		if err := m.persist(ctx, spaceID, state); err != nil {
			return KeyView{}, err
		}
	}
	return key.view(), nil
}

// RotateKeyInput replaces an API key with a fresh one.
type RotateKeyInput struct {
	AccountID string
	KeyID     string
	KeyName   string
	RotatedBy string
}

// RotateKeyResult carries the replacement key's one-time secret.
type RotateKeyResult struct {
	Key        KeyView
	Secret     string
	AuditEvent *audit.Event
}

// RotateKey revokes the old key and mints a replacement that records
// its lineage in rotated_from.
func (m *Manager) RotateKey(ctx context.Context, spaceID string, input RotateKeyInput) (*RotateKeyResult, error) {
	if _, err := m.revokeKeyLocked(ctx, spaceID, RevokeKeyInput{
		AccountID: input.AccountID,
		KeyID:     input.KeyID,
		RevokedBy: input.RotatedBy,
	}); err != nil {
		return nil, err
	}

	keyName := strings.TrimSpace(input.KeyName)
	if keyName == "" {
		keyName = "rotated-" + input.KeyID
	}
	created, err := m.createKey(ctx, spaceID, CreateKeyInput{
		AccountID: input.AccountID,
		KeyName:   keyName,
		CreatedBy: input.RotatedBy,
	}, input.KeyID)
	if err != nil {
		return nil, err
	}

	event := m.record(ctx, spaceID, audit.EventInput{
		Action:      "service_account.key.rotate",
		ActorUserID: input.RotatedBy,
		Outcome:     audit.OutcomeSuccess,
		TargetType:  "service_account_key",
		TargetID:    input.KeyID,
		Metadata: map[string]string{
			"service_account_id": input.AccountID,
			"replacement_key_id": created.Key.ID,
		},
	})
	return &RotateKeyResult{Key: created.Key, Secret: created.Secret, AuditEvent: event}, nil
}

// ResolveServiceKey authenticates a presented key secret against every
// enabled account in the space. A hash match on a revoked key is
// reported distinctly from no match at all; a successful match bumps
// the key's usage counters before the identity is returned.
func (m *Manager) ResolveServiceKey(ctx context.Context, spaceID, secret string, meta auth.KeyUseMetadata) (auth.ServiceKeyIdentity, error) {
	identity, usageCount, err := m.resolveLocked(ctx, spaceID, secret)
	if err != nil {
		return auth.ServiceKeyIdentity{}, err
	}

	if m.metrics != nil {
		m.metrics.ServiceKeyUses.Inc()
	}
	m.record(ctx, spaceID, audit.EventInput{
		Action:      "service_account.key.use",
		ActorUserID: identity.UserID,
		Outcome:     audit.OutcomeSuccess,
		TargetType:  "service_account_key",
		TargetID:    identity.KeyID,
		Metadata: map[string]string{
			"service_account_id": identity.ServiceAccountID,
			"usage_count":        strconv.Itoa(usageCount),
			"request_method":     meta.RequestMethod,
			"request_path":       meta.RequestPath,
			"request_id":         meta.RequestID,
		},
	})
	return identity, nil
}

func (m *Manager) resolveLocked(ctx context.Context, spaceID, secret string) (auth.ServiceKeyIdentity, int, error) {
	if secret == "" {
		return auth.ServiceKeyIdentity{}, 0, auth.ErrServiceKeyNotFound
	}

	mu := m.locks.ForSpace(spaceID)
	mu.Lock()
	defer mu.Unlock()

	state, err := m.loadState(ctx, spaceID)
	if err != nil {
		return auth.ServiceKeyIdentity{}, 0, err
	}

	for _, account := range state.accounts {
		if account == nil || account.Disabled {
			continue
		}
		for _, key := range account.Keys {
			if key == nil || !verifySecret(key, secret) {
				continue
			}
			if key.Revoked() {
				return auth.ServiceKeyIdentity{}, 0, auth.ErrServiceKeyRevoked
			}

			key.UsageCount++
			key.LastUsedAt = formatTime(m.now())
			if err := m.persist(ctx, spaceID, state); err != nil {
				return auth.ServiceKeyIdentity{}, 0, err
			}

			return auth.ServiceKeyIdentity{
				UserID:           account.UserID,
				ServiceAccountID: account.ID,
				DisplayName:      account.DisplayName,
				KeyID:            key.ID,
				Scopes:           append([]string(nil), account.Scopes...),
			}, key.UsageCount, nil
		}
	}
	return auth.ServiceKeyIdentity{}, 0, auth.ErrServiceKeyNotFound
}
