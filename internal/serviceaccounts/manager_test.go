package serviceaccounts

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ugoite/ugoite-server/internal/audit"
	"github.com/ugoite/ugoite-server/internal/auth"
	"github.com/ugoite/ugoite-server/internal/store"
	"github.com/ugoite/ugoite-server/internal/store/local"
)

func newTestManager(t *testing.T) (*Manager, *audit.Log, store.SpaceStore) {
	t.Helper()
	st, err := local.New(t.TempDir())
	require.NoError(t, err)
	locks := &store.Locks{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	auditLog := audit.NewLog(st, locks, audit.Options{Logger: logger})
	mgr := NewManager(st, locks, auditLog, nil, logger)

	require.NoError(t, st.PatchSpace(context.Background(), "s1", store.Document{
		"title":         "Space One",
		"owner_user_id": "alice",
	}))
	return mgr, auditLog, st
}

func createAccount(t *testing.T, mgr *Manager, scopes ...string) AccountView {
	t.Helper()
	created, err := mgr.CreateAccount(context.Background(), "s1", CreateAccountInput{
		DisplayName: "CI Bot",
		Scopes:      scopes,
		CreatedBy:   "alice",
	})
	require.NoError(t, err)
	return created.Account
}

func TestCreateAccountNormalizesScopes(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	account := createAccount(t, mgr, " entry_read ", "entry_write", "entry_read", "")
	assert.Equal(t, []string{"entry_read", "entry_write"}, account.Scopes)
	assert.True(t, strings.HasPrefix(account.ID, "svc-"))
	assert.Equal(t, "service:s1:"+account.ID, account.UserID)
	assert.Empty(t, account.Keys)
}

func TestCreateAccountValidation(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := mgr.CreateAccount(ctx, "s1", CreateAccountInput{
		DisplayName: "  ",
		Scopes:      []string{"entry_read"},
		CreatedBy:   "alice",
	})
	assert.ErrorContains(t, err, "display name")

	_, err = mgr.CreateAccount(ctx, "s1", CreateAccountInput{
		DisplayName: "bot",
		Scopes:      []string{"  ", ""},
		CreatedBy:   "alice",
	})
	assert.ErrorIs(t, err, ErrEmptyScopes)

	_, err = mgr.CreateAccount(ctx, "s1", CreateAccountInput{
		DisplayName: "bot",
		Scopes:      []string{"entry_read", "launch_missiles"},
		CreatedBy:   "alice",
	})
	assert.ErrorContains(t, err, "launch_missiles")
}

func TestCreateKeyReturnsSecretOnce(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()
	account := createAccount(t, mgr, "entry_read")

	created, err := mgr.CreateKey(ctx, "s1", CreateKeyInput{
		AccountID: account.ID,
		KeyName:   "ci",
		CreatedBy: "alice",
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(created.Secret, "ugsk_"))
	assert.True(t, strings.HasPrefix(created.Key.ID, "sak-"))
	assert.Equal(t, created.Secret[:prefixLength], created.Key.Prefix)
	assert.Zero(t, created.Key.UsageCount)

	// The stored record holds a hash, never the secret itself.
	views, err := mgr.ListAccounts(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, views, 1)
	require.Len(t, views[0].Keys, 1)
	assert.Equal(t, created.Key.ID, views[0].Keys[0].ID)

	doc, err := mgr.store.GetSpace(ctx, "s1")
	require.NoError(t, err)
	var accounts map[string]*Account
	settings := doc["settings"].(map[string]any)
	require.NoError(t, store.Reencode(settings["service_accounts"], &accounts))
	stored := accounts[account.ID].Keys[created.Key.ID]
	assert.NotEmpty(t, stored.SecretHash)
	assert.NotEmpty(t, stored.SecretSalt)
	assert.Equal(t, HashAlgorithm, stored.HashAlgorithm)
	assert.NotContains(t, stored.SecretHash, created.Secret)
}

func TestHashSecretDeterministic(t *testing.T) {
	first := hashSecret("ugsk_example", "salt-a")
	second := hashSecret("ugsk_example", "salt-a")
	assert.Equal(t, first, second)
	assert.NotEqual(t, first, hashSecret("ugsk_example", "salt-b"))
	assert.NotEqual(t, first, hashSecret("ugsk_other", "salt-a"))
}

func TestResolveServiceKey(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()
	account := createAccount(t, mgr, "entry_read", "entry_write")
	created, err := mgr.CreateKey(ctx, "s1", CreateKeyInput{AccountID: account.ID, CreatedBy: "alice"})
	require.NoError(t, err)

	meta := auth.KeyUseMetadata{RequestMethod: "GET", RequestPath: "/spaces/s1/entries", RequestID: "req-1"}
	identity, err := mgr.ResolveServiceKey(ctx, "s1", created.Secret, meta)
	require.NoError(t, err)
	assert.Equal(t, account.UserID, identity.UserID)
	assert.Equal(t, account.ID, identity.ServiceAccountID)
	assert.Equal(t, created.Key.ID, identity.KeyID)
	assert.Equal(t, []string{"entry_read", "entry_write"}, identity.Scopes)

	// Usage accounting survives the round trip.
	views, err := mgr.ListAccounts(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, views[0].Keys[0].UsageCount)
	assert.NotEmpty(t, views[0].Keys[0].LastUsedAt)

	_, err = mgr.ResolveServiceKey(ctx, "s1", created.Secret, meta)
	require.NoError(t, err)
	views, err = mgr.ListAccounts(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, views[0].Keys[0].UsageCount)
}

func TestResolveServiceKeyFailures(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()
	account := createAccount(t, mgr, "entry_read")
	created, err := mgr.CreateKey(ctx, "s1", CreateKeyInput{AccountID: account.ID, CreatedBy: "alice"})
	require.NoError(t, err)
	meta := auth.KeyUseMetadata{}

	_, err = mgr.ResolveServiceKey(ctx, "s1", "ugsk_not-a-real-secret", meta)
	assert.ErrorIs(t, err, auth.ErrServiceKeyNotFound)

	_, err = mgr.ResolveServiceKey(ctx, "s1", "", meta)
	assert.ErrorIs(t, err, auth.ErrServiceKeyNotFound)

	// A revoked key is reported distinctly from an unknown one.
	_, err = mgr.RevokeKey(ctx, "s1", RevokeKeyInput{AccountID: account.ID, KeyID: created.Key.ID, RevokedBy: "alice"})
	require.NoError(t, err)
	_, err = mgr.ResolveServiceKey(ctx, "s1", created.Secret, meta)
	assert.ErrorIs(t, err, auth.ErrServiceKeyRevoked)
}

func TestResolveServiceKeySkipsDisabledAccounts(t *testing.T) {
	mgr, _, st := newTestManager(t)
	ctx := context.Background()
	account := createAccount(t, mgr, "entry_read")
	created, err := mgr.CreateKey(ctx, "s1", CreateKeyInput{AccountID: account.ID, CreatedBy: "alice"})
	require.NoError(t, err)

	doc, err := st.GetSpace(ctx, "s1")
	require.NoError(t, err)
	settings := doc["settings"].(map[string]any)
	accounts := settings["service_accounts"].(map[string]any)
	accounts[account.ID].(map[string]any)["disabled"] = true
	require.NoError(t, st.PatchSpace(ctx, "s1", store.Document{"settings": settings}))

	_, err = mgr.ResolveServiceKey(ctx, "s1", created.Secret, auth.KeyUseMetadata{})
	assert.ErrorIs(t, err, auth.ErrServiceKeyNotFound)
}

func TestRevokeKeyIdempotent(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()
	account := createAccount(t, mgr, "entry_read")
	created, err := mgr.CreateKey(ctx, "s1", CreateKeyInput{AccountID: account.ID, CreatedBy: "alice"})
	require.NoError(t, err)

	first, err := mgr.RevokeKey(ctx, "s1", RevokeKeyInput{AccountID: account.ID, KeyID: created.Key.ID, RevokedBy: "alice"})
	require.NoError(t, err)
	require.NotEmpty(t, first.Key.RevokedAt)

	second, err := mgr.RevokeKey(ctx, "s1", RevokeKeyInput{AccountID: account.ID, KeyID: created.Key.ID, RevokedBy: "alice"})
	require.NoError(t, err)
	assert.Equal(t, first.Key.RevokedAt, second.Key.RevokedAt)

	_, err = mgr.RevokeKey(ctx, "s1", RevokeKeyInput{AccountID: account.ID, KeyID: "sak-missing", RevokedBy: "alice"})
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestRotateKey(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()
	account := createAccount(t, mgr, "entry_read")
	created, err := mgr.CreateKey(ctx, "s1", CreateKeyInput{AccountID: account.ID, KeyName: "ci", CreatedBy: "alice"})
	require.NoError(t, err)

	rotated, err := mgr.RotateKey(ctx, "s1", RotateKeyInput{
		AccountID: account.ID,
		KeyID:     created.Key.ID,
		RotatedBy: "alice",
	})
	require.NoError(t, err)
	assert.NotEqual(t, created.Key.ID, rotated.Key.ID)
	assert.NotEqual(t, created.Secret, rotated.Secret)
	assert.Equal(t, created.Key.ID, rotated.Key.RotatedFrom)
	assert.Equal(t, "rotated-"+created.Key.ID, rotated.Key.Name)

	// Old secret stops working as revoked; new one authenticates.
	_, err = mgr.ResolveServiceKey(ctx, "s1", created.Secret, auth.KeyUseMetadata{})
	assert.ErrorIs(t, err, auth.ErrServiceKeyRevoked)
	identity, err := mgr.ResolveServiceKey(ctx, "s1", rotated.Secret, auth.KeyUseMetadata{})
	require.NoError(t, err)
	assert.Equal(t, rotated.Key.ID, identity.KeyID)
}

func TestListAccountsRedactsSecrets(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()
	mgr.now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	first := createAccount(t, mgr, "entry_read")
	mgr.now = func() time.Time { return time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC) }
	second := createAccount(t, mgr, "entry_write")
	_, err := mgr.CreateKey(ctx, "s1", CreateKeyInput{AccountID: first.ID, CreatedBy: "alice"})
	require.NoError(t, err)

	views, err := mgr.ListAccounts(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, views, 2)
	// Newest account first.
	assert.Equal(t, second.ID, views[0].ID)
	assert.Equal(t, first.ID, views[1].ID)
	require.Len(t, views[1].Keys, 1)
	assert.NotEmpty(t, views[1].Keys[0].Prefix)
}

func TestAuditTrail(t *testing.T) {
	mgr, auditLog, _ := newTestManager(t)
	ctx := context.Background()
	account := createAccount(t, mgr, "entry_read")
	created, err := mgr.CreateKey(ctx, "s1", CreateKeyInput{AccountID: account.ID, CreatedBy: "alice"})
	require.NoError(t, err)
	_, err = mgr.ResolveServiceKey(ctx, "s1", created.Secret, auth.KeyUseMetadata{RequestID: "req-9"})
	require.NoError(t, err)
	_, err = mgr.RotateKey(ctx, "s1", RotateKeyInput{AccountID: account.ID, KeyID: created.Key.ID, RotatedBy: "alice"})
	require.NoError(t, err)

	result, err := auditLog.List(ctx, "s1", audit.ListFilter{})
	require.NoError(t, err)
	actions := map[string]int{}
	for _, event := range result.Items {
		actions[event.Action]++
	}
	assert.Equal(t, 1, actions["service_account.create"])
	assert.Equal(t, 2, actions["service_account.key.create"])
	assert.Equal(t, 1, actions["service_account.key.use"])
	assert.Equal(t, 1, actions["service_account.key.revoke"])
	assert.Equal(t, 1, actions["service_account.key.rotate"])
}
