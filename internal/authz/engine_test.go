package authz

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ugoite/ugoite-server/internal/auth"
	"github.com/ugoite/ugoite-server/internal/store"
)

type fakeStore struct {
	docs map[string]store.Document
}

func (f *fakeStore) GetSpace(_ context.Context, spaceID string) (store.Document, error) {
	doc, ok := f.docs[spaceID]
	if !ok {
		return nil, store.ErrSpaceNotFound
	}
	return doc, nil
}

func (f *fakeStore) PatchSpace(_ context.Context, spaceID string, patch store.Document) error {
	doc, ok := f.docs[spaceID]
	if !ok {
		doc = store.Document{}
		f.docs[spaceID] = doc
	}
	for k, v := range patch {
		doc[k] = v
	}
	return nil
}

func (f *fakeStore) ReadChain(_ context.Context, _ string) (store.Chain, error) {
	return store.Chain{Anchor: store.ChainAnchorRoot}, nil
}

func (f *fakeStore) ReplaceChain(_ context.Context, _ string, _ store.Chain) error {
	return nil
}

// docFromJSON round-trips through encoding/json so nested values carry
// the map[string]any / []any shapes the store produces.
func docFromJSON(t *testing.T, raw string) store.Document {
	t.Helper()
	var doc store.Document
	require.NoError(t, json.Unmarshal([]byte(raw), &doc))
	return doc
}

func user(userID string) auth.RequestIdentity {
	return auth.RequestIdentity{UserID: userID, PrincipalType: auth.PrincipalUser}
}

func newTestEngine(t *testing.T, spaceJSON string, cfg Config) *Engine {
	t.Helper()
	return NewEngine(&fakeStore{docs: map[string]store.Document{
		"s1": docFromJSON(t, spaceJSON),
	}}, cfg)
}

func TestRoleResolutionPrecedence(t *testing.T) {
	// alice is simultaneously owner, admin-listed, and member-mapped:
	// owner must win.
	engine := newTestEngine(t, `{
		"owner_user_id": "alice",
		"admin_user_ids": ["alice", "bob"],
		"member_roles": {"alice": "viewer", "carol": "viewer"}
	}`, Config{})
	ctx := context.Background()

	tests := []struct {
		identity auth.RequestIdentity
		want     Role
	}{
		{user("alice"), RoleOwner},
		{user("bob"), RoleAdmin},
		{user("carol"), RoleViewer},
		{user("dave"), RoleEditor},
		{auth.RequestIdentity{UserID: "service:s1:svc-1", PrincipalType: auth.PrincipalService}, RoleService},
	}
	for _, tc := range tests {
		access, err := engine.ResolveAccessContext(ctx, "s1", tc.identity)
		require.NoError(t, err)
		assert.Equal(t, tc.want, access.Role, tc.identity.UserID)
	}
}

func TestRoleResolutionSettingsFallback(t *testing.T) {
	engine := newTestEngine(t, `{
		"settings": {
			"owner_user_id": "alice",
			"admin_user_ids": ["bob"],
			"member_roles": {"carol": "viewer"}
		}
	}`, Config{DefaultUserRole: RoleViewer})
	ctx := context.Background()

	for userID, want := range map[string]Role{
		"alice": RoleOwner,
		"bob":   RoleAdmin,
		"carol": RoleViewer,
		"dave":  RoleViewer,
	} {
		access, err := engine.ResolveAccessContext(ctx, "s1", user(userID))
		require.NoError(t, err)
		assert.Equal(t, want, access.Role, userID)
	}
}

func TestGroupsUnion(t *testing.T) {
	engine := newTestEngine(t, `{
		"user_groups": {"bob": ["doc-reviewers"]},
		"settings": {"user_groups": {"bob": ["qa"]}}
	}`, Config{
		UserGroups: map[string]map[string][]string{
			"s1": {"bob": {"ops"}},
		},
	})

	access, err := engine.ResolveAccessContext(context.Background(), "s1", user("bob"))
	require.NoError(t, err)
	assert.True(t, access.HasGroup("doc-reviewers"))
	assert.True(t, access.HasGroup("qa"))
	assert.True(t, access.HasGroup("ops"))
	assert.False(t, access.HasGroup("other"))
}

func TestRequireSpaceActionMatrix(t *testing.T) {
	engine := newTestEngine(t, `{
		"owner_user_id": "alice",
		"admin_user_ids": ["bob"],
		"member_roles": {"carol": "editor", "dave": "viewer"}
	}`, Config{})
	ctx := context.Background()
	service := auth.RequestIdentity{UserID: "service:s1:x", PrincipalType: auth.PrincipalService}

	allowed := []struct {
		identity auth.RequestIdentity
		action   Action
	}{
		{user("alice"), ActionSpaceAdmin},
		{user("bob"), ActionFormWrite},
		{user("carol"), ActionEntryWrite},
		{user("carol"), ActionFormWrite},
		{user("dave"), ActionEntryRead},
		{service, ActionEntryWrite},
		{service, ActionSQLWrite},
	}
	for _, tc := range allowed {
		_, err := engine.RequireSpaceAction(ctx, "s1", tc.identity, tc.action)
		assert.NoError(t, err, "%s %s", tc.identity.UserID, tc.action)
	}

	denied := []struct {
		identity auth.RequestIdentity
		action   Action
	}{
		{user("carol"), ActionSpaceAdmin},
		{user("dave"), ActionEntryWrite},
		{user("dave"), ActionSpaceAdmin},
		{service, ActionSpaceAdmin},
		{service, ActionFormWrite},
	}
	for _, tc := range denied {
		_, err := engine.RequireSpaceAction(ctx, "s1", tc.identity, tc.action)
		require.Error(t, err, "%s %s", tc.identity.UserID, tc.action)
		var authzErr *Error
		require.ErrorAs(t, err, &authzErr)
		assert.Equal(t, "forbidden", authzErr.Code)
		assert.Equal(t, tc.action, authzErr.Action)
	}
}

type fakeForms struct {
	forms map[string]map[string]any
}

func (f *fakeForms) GetForm(_ context.Context, _, formName string) (map[string]any, error) {
	form, ok := f.forms[formName]
	if !ok {
		return nil, nil
	}
	return form, nil
}

func formsFromJSON(t *testing.T, raw string) *fakeForms {
	t.Helper()
	var forms map[string]map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &forms))
	return &fakeForms{forms: forms}
}

func TestFormACLOverlay(t *testing.T) {
	engine := newTestEngine(t, `{
		"owner_user_id": "alice",
		"admin_user_ids": ["bob"],
		"member_roles": {"carol": "editor", "dave": "viewer", "erin": "viewer"},
		"user_groups": {"erin": ["reviewers"]}
	}`, Config{})
	engine.SetFormSource(formsFromJSON(t, `{
		"secret-report": {
			"name": "secret-report",
			"read_principals": [
				{"kind": "user", "id": "dave"},
				{"kind": "user_group", "id": "reviewers"}
			],
			"write_principals": [
				{"kind": "user", "id": "carol"}
			]
		},
		"open-notes": {"name": "open-notes"}
	}`))
	ctx := context.Background()

	t.Run("listed user reads", func(t *testing.T) {
		_, err := engine.RequireFormRead(ctx, "s1", user("dave"), "secret-report")
		assert.NoError(t, err)
	})

	t.Run("group member reads", func(t *testing.T) {
		_, err := engine.RequireFormRead(ctx, "s1", user("erin"), "secret-report")
		assert.NoError(t, err)
	})

	t.Run("unlisted editor denied despite form_read role", func(t *testing.T) {
		_, err := engine.RequireFormRead(ctx, "s1", user("carol"), "secret-report")
		var authzErr *Error
		require.ErrorAs(t, err, &authzErr)
		assert.Equal(t, ActionFormRead, authzErr.Action)
	})

	t.Run("owner and admin bypass ACLs", func(t *testing.T) {
		_, err := engine.RequireFormRead(ctx, "s1", user("alice"), "secret-report")
		assert.NoError(t, err)
		_, err = engine.RequireFormWrite(ctx, "s1", user("bob"), "secret-report")
		assert.NoError(t, err)
	})

	t.Run("write ACL", func(t *testing.T) {
		_, err := engine.RequireFormWrite(ctx, "s1", user("carol"), "secret-report")
		assert.NoError(t, err)
		_, err = engine.RequireFormWrite(ctx, "s1", user("erin"), "secret-report")
		assert.Error(t, err)
	})

	t.Run("absent ACL means role check only", func(t *testing.T) {
		_, err := engine.RequireFormRead(ctx, "s1", user("dave"), "open-notes")
		assert.NoError(t, err)
	})

	t.Run("baseline role still enforced", func(t *testing.T) {
		// dave is a viewer: entry_write baseline fails before any ACL.
		_, err := engine.RequireFormWrite(ctx, "s1", user("dave"), "open-notes")
		var authzErr *Error
		require.ErrorAs(t, err, &authzErr)
		assert.Equal(t, ActionEntryWrite, authzErr.Action)
	})
}

func TestFormACLSettingsFallback(t *testing.T) {
	engine := newTestEngine(t, `{
		"member_roles": {"dave": "viewer", "frank": "viewer"},
		"settings": {
			"form_acls": {
				"ledger": {"read_principals": [{"kind": "user", "id": "dave"}]}
			}
		}
	}`, Config{})
	ctx := context.Background()

	_, err := engine.RequireFormRead(ctx, "s1", user("dave"), "ledger")
	assert.NoError(t, err)

	_, err = engine.RequireFormRead(ctx, "s1", user("frank"), "ledger")
	assert.Error(t, err)
}

func TestFormNameFromEntry(t *testing.T) {
	tests := []struct {
		name  string
		entry string
		want  string
	}{
		{"direct field", `{"form": "report"}`, "report"},
		{"properties", `{"properties": {"form": "report"}}`, "report"},
		{"markdown front matter", `{"markdown": "---\nform: report\ntitle: x\n---\nbody"}`, "report"},
		{"content front matter", `{"content": "---\nform: report\n---\n"}`, "report"},
		{"no form", `{"title": "plain"}`, ""},
		{"front matter without form", `{"markdown": "---\ntitle: x\n---\n"}`, ""},
		{"no front matter", `{"markdown": "# heading"}`, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var entry map[string]any
			require.NoError(t, json.Unmarshal([]byte(tc.entry), &entry))
			assert.Equal(t, tc.want, FormNameFromEntry(entry))
		})
	}
}

func TestFilterReadableEntries(t *testing.T) {
	engine := newTestEngine(t, `{
		"member_roles": {"dave": "viewer"}
	}`, Config{})
	engine.SetFormSource(formsFromJSON(t, `{
		"restricted": {
			"read_principals": [{"kind": "user", "id": "someone-else"}]
		}
	}`))

	entries := []map[string]any{
		{"id": "e1", "form": "restricted"},
		{"id": "e2"},
		{"id": "e3", "form": "unrestricted"},
	}
	filtered := engine.FilterReadableEntries(context.Background(), "s1", user("dave"), entries)
	require.Len(t, filtered, 2)
	assert.Equal(t, "e2", filtered[0]["id"])
	assert.Equal(t, "e3", filtered[1]["id"])
}
