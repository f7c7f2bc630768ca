package authz

// Role is the coarse permission tier of a principal within a space.
type Role string

const (
	RoleOwner   Role = "owner"
	RoleAdmin   Role = "admin"
	RoleEditor  Role = "editor"
	RoleViewer  Role = "viewer"
	RoleService Role = "service"
)

// Action is a named space-scoped permission unit.
type Action string

const (
	ActionSpaceList  Action = "space_list"
	ActionSpaceRead  Action = "space_read"
	ActionSpaceAdmin Action = "space_admin"
	ActionEntryRead  Action = "entry_read"
	ActionEntryWrite Action = "entry_write"
	ActionFormRead   Action = "form_read"
	ActionFormWrite  Action = "form_write"
	ActionAssetRead  Action = "asset_read"
	ActionAssetWrite Action = "asset_write"
	ActionSQLRead    Action = "sql_read"
	ActionSQLWrite   Action = "sql_write"
)

// AllActions lists every recognized action; it doubles as the scope
// whitelist for service-account keys.
var AllActions = []Action{
	ActionSpaceList,
	ActionSpaceRead,
	ActionSpaceAdmin,
	ActionEntryRead,
	ActionEntryWrite,
	ActionFormRead,
	ActionFormWrite,
	ActionAssetRead,
	ActionAssetWrite,
	ActionSQLRead,
	ActionSQLWrite,
}

// ValidAction reports whether name is a recognized action.
func ValidAction(name string) bool {
	for _, action := range AllActions {
		if string(action) == name {
			return true
		}
	}
	return false
}

// ValidRole reports whether name is a recognized role.
func ValidRole(name string) bool {
	switch Role(name) {
	case RoleOwner, RoleAdmin, RoleEditor, RoleViewer, RoleService:
		return true
	}
	return false
}

var rolePermissions = map[Role]map[Action]struct{}{
	RoleOwner: actionSet(AllActions...),
	RoleAdmin: actionSet(AllActions...),
	RoleEditor: actionSet(
		ActionSpaceList, ActionSpaceRead,
		ActionEntryRead, ActionEntryWrite,
		ActionFormRead, ActionFormWrite,
		ActionAssetRead, ActionAssetWrite,
		ActionSQLRead, ActionSQLWrite,
	),
	RoleViewer: actionSet(
		ActionSpaceList, ActionSpaceRead,
		ActionEntryRead, ActionFormRead,
		ActionAssetRead, ActionSQLRead,
	),
	RoleService: actionSet(
		ActionSpaceList, ActionSpaceRead,
		ActionEntryRead, ActionEntryWrite,
		ActionFormRead,
		ActionAssetRead, ActionAssetWrite,
		ActionSQLRead, ActionSQLWrite,
	),
}

func actionSet(actions ...Action) map[Action]struct{} {
	set := make(map[Action]struct{}, len(actions))
	for _, action := range actions {
		set[action] = struct{}{}
	}
	return set
}

// RoleAllows reports whether role grants action.
func RoleAllows(role Role, action Action) bool {
	_, ok := rolePermissions[role][action]
	return ok
}
