// Package authz evaluates role- and ACL-based authorization for
// space-scoped actions. Role resolution reads the per-space metadata
// document; form-level ACLs overlay the role check for read/write access
// to entries governed by a form definition.
package authz

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/ugoite/ugoite-server/internal/auth"
	"github.com/ugoite/ugoite-server/internal/store"
)

// Error is an authorization denial. Code is always "forbidden"; Action
// names the denied permission.
type Error struct {
	Code   string
	Detail string
	Action Action
	Status int
}

func (e *Error) Error() string {
	return e.Detail
}

func deny(action Action, detail string) *Error {
	return &Error{
		Code:   "forbidden",
		Detail: detail,
		Action: action,
		Status: http.StatusForbidden,
	}
}

// AccessContext is the resolved authorization context for one principal
// in one space.
type AccessContext struct {
	SpaceID  string
	UserID   string
	Role     Role
	Groups   map[string]struct{}
	FormACLs map[string]map[string]any
}

// HasGroup reports group membership.
func (a AccessContext) HasGroup(group string) bool {
	_, ok := a.Groups[group]
	return ok
}

// Config tunes role defaults and group overrides.
type Config struct {
	DefaultUserRole    Role
	DefaultServiceRole Role
	// UserGroups maps space id -> user id -> extra group names, merged
	// on top of the groups stored in the space document.
	UserGroups map[string]map[string][]string
}

// FormSource looks up a form definition by name. The entry/form storage
// engine provides the real implementation; a nil or not-found result
// means ACLs fall back to the space-settings overrides alone.
type FormSource interface {
	GetForm(ctx context.Context, spaceID, formName string) (map[string]any, error)
}

// Engine resolves access contexts and enforces action permissions.
type Engine struct {
	store store.SpaceStore
	forms FormSource
	cfg   Config
}

// NewEngine creates an Engine over the space store.
func NewEngine(st store.SpaceStore, cfg Config) *Engine {
	if !ValidRole(string(cfg.DefaultUserRole)) {
		cfg.DefaultUserRole = RoleEditor
	}
	if !ValidRole(string(cfg.DefaultServiceRole)) {
		cfg.DefaultServiceRole = RoleService
	}
	return &Engine{store: st, cfg: cfg}
}

// SetFormSource wires the form-definition lookup used by ACL checks.
func (e *Engine) SetFormSource(forms FormSource) {
	e.forms = forms
}

// ResolveAccessContext computes role, groups, and form ACLs for the
// identity in the space.
func (e *Engine) ResolveAccessContext(ctx context.Context, spaceID string, identity auth.RequestIdentity) (AccessContext, error) {
	doc, err := e.store.GetSpace(ctx, spaceID)
	if err != nil {
		return AccessContext{}, fmt.Errorf("authz: load space %s: %w", spaceID, err)
	}
	settings := asMap(doc["settings"])

	return AccessContext{
		SpaceID:  spaceID,
		UserID:   identity.UserID,
		Role:     e.resolveRole(doc, settings, identity),
		Groups:   e.resolveGroups(spaceID, identity.UserID, doc, settings),
		FormACLs: formACLs(settings),
	}, nil
}

// resolveRole applies strict precedence: service principal, space owner,
// admin list, explicit member role, configured default.
func (e *Engine) resolveRole(doc store.Document, settings map[string]any, identity auth.RequestIdentity) Role {
	if identity.PrincipalType == auth.PrincipalService {
		return e.cfg.DefaultServiceRole
	}

	owner := asString(doc["owner_user_id"])
	if owner == "" {
		owner = asString(settings["owner_user_id"])
	}
	if owner != "" && owner == identity.UserID {
		return RoleOwner
	}

	admins := asStringList(doc["admin_user_ids"])
	if admins == nil {
		admins = asStringList(settings["admin_user_ids"])
	}
	for _, adminID := range admins {
		if adminID == identity.UserID {
			return RoleAdmin
		}
	}

	for _, roles := range []any{doc["member_roles"], settings["member_roles"]} {
		if explicit := asString(asMap(roles)[identity.UserID]); ValidRole(explicit) {
			return Role(explicit)
		}
	}

	return e.cfg.DefaultUserRole
}

func (e *Engine) resolveGroups(spaceID, userID string, doc store.Document, settings map[string]any) map[string]struct{} {
	groups := make(map[string]struct{})
	for _, source := range []any{doc["user_groups"], settings["user_groups"]} {
		for _, group := range asStringList(asMap(source)[userID]) {
			groups[group] = struct{}{}
		}
	}
	for _, group := range e.cfg.UserGroups[spaceID][userID] {
		if group != "" {
			groups[group] = struct{}{}
		}
	}
	return groups
}

func formACLs(settings map[string]any) map[string]map[string]any {
	acls := make(map[string]map[string]any)
	for name, value := range asMap(settings["form_acls"]) {
		if acl := asMap(value); acl != nil {
			acls[name] = acl
		}
	}
	return acls
}

// RequireSpaceAction denies unless the resolved role grants the action.
func (e *Engine) RequireSpaceAction(ctx context.Context, spaceID string, identity auth.RequestIdentity, action Action) (AccessContext, error) {
	access, err := e.ResolveAccessContext(ctx, spaceID, identity)
	if err != nil {
		return AccessContext{}, err
	}
	if RoleAllows(access.Role, action) {
		return access, nil
	}
	return AccessContext{}, deny(action, fmt.Sprintf(
		"Principal '%s' with role '%s' is not allowed to perform '%s' in space '%s'.",
		identity.UserID, access.Role, action, spaceID))
}

// RequireFormRead enforces the baseline form_read action plus the form's
// read_principals ACL.
func (e *Engine) RequireFormRead(ctx context.Context, spaceID string, identity auth.RequestIdentity, formName string) (AccessContext, error) {
	return e.requireFormAccess(ctx, spaceID, identity, formName, ActionFormRead, "read_principals")
}

// RequireFormWrite enforces the baseline entry_write action plus the
// form's write_principals ACL.
func (e *Engine) RequireFormWrite(ctx context.Context, spaceID string, identity auth.RequestIdentity, formName string) (AccessContext, error) {
	return e.requireFormAccess(ctx, spaceID, identity, formName, ActionEntryWrite, "write_principals")
}

func (e *Engine) requireFormAccess(ctx context.Context, spaceID string, identity auth.RequestIdentity, formName string, baseline Action, aclField string) (AccessContext, error) {
	access, err := e.RequireSpaceAction(ctx, spaceID, identity, baseline)
	if err != nil {
		return AccessContext{}, err
	}

	formDef := e.lookupForm(ctx, spaceID, formName)
	if _, declared := formDef[aclField]; !declared {
		if acl, ok := access.FormACLs[formName]; ok {
			if override, ok := acl[aclField]; ok {
				formDef[aclField] = override
			}
		}
	}

	if err := checkFormACL(formDef, formName, aclField, identity, access, baseline); err != nil {
		return AccessContext{}, err
	}
	return access, nil
}

// lookupForm returns the form definition, or an empty one when no form
// source is wired or the form cannot be loaded; settings-level ACL
// overrides still apply in that case.
func (e *Engine) lookupForm(ctx context.Context, spaceID, formName string) map[string]any {
	if e.forms == nil {
		return map[string]any{}
	}
	formDef, err := e.forms.GetForm(ctx, spaceID, formName)
	if err != nil || formDef == nil {
		return map[string]any{}
	}
	return formDef
}

func checkFormACL(formDef map[string]any, formName, aclField string, identity auth.RequestIdentity, access AccessContext, action Action) error {
	raw, declared := formDef[aclField]
	if !declared || raw == nil {
		return nil
	}
	if access.Role == RoleOwner || access.Role == RoleAdmin {
		return nil
	}
	principals, ok := raw.([]any)
	if !ok {
		return nil
	}
	for _, entry := range principals {
		if principalMatches(asMap(entry), identity, access) {
			return nil
		}
	}
	return deny(action, fmt.Sprintf(
		"Principal '%s' is not allowed by '%s' for form '%s'.",
		identity.UserID, aclField, formName))
}

func principalMatches(principal map[string]any, identity auth.RequestIdentity, access AccessContext) bool {
	kind := asString(principal["kind"])
	id := asString(principal["id"])
	if id == "" {
		return false
	}
	switch kind {
	case "user":
		return id == identity.UserID
	case "user_group":
		return access.HasGroup(id)
	}
	return false
}

// RequireEntryRead enforces read access for an entry, delegating to the
// form ACL when the entry declares a governing form.
func (e *Engine) RequireEntryRead(ctx context.Context, spaceID string, identity auth.RequestIdentity, entry map[string]any) (AccessContext, error) {
	if formName := FormNameFromEntry(entry); formName != "" {
		return e.RequireFormRead(ctx, spaceID, identity, formName)
	}
	return e.RequireSpaceAction(ctx, spaceID, identity, ActionEntryRead)
}

// RequireEntryWrite enforces write access for an entry, delegating to the
// form ACL when the entry declares a governing form.
func (e *Engine) RequireEntryWrite(ctx context.Context, spaceID string, identity auth.RequestIdentity, entry map[string]any) (AccessContext, error) {
	if formName := FormNameFromEntry(entry); formName != "" {
		return e.RequireFormWrite(ctx, spaceID, identity, formName)
	}
	return e.RequireSpaceAction(ctx, spaceID, identity, ActionEntryWrite)
}

// RequireMarkdownWrite enforces write access for a markdown payload based
// on its front-matter form declaration.
func (e *Engine) RequireMarkdownWrite(ctx context.Context, spaceID string, identity auth.RequestIdentity, markdown string) (AccessContext, error) {
	if formName := formNameFromMarkdown(markdown); formName != "" {
		return e.RequireFormWrite(ctx, spaceID, identity, formName)
	}
	return e.RequireSpaceAction(ctx, spaceID, identity, ActionEntryWrite)
}

// FilterReadableEntries drops entries the identity cannot read. Denials
// and lookup errors both result in the entry being omitted; nothing is
// reported to the caller.
func (e *Engine) FilterReadableEntries(ctx context.Context, spaceID string, identity auth.RequestIdentity, entries []map[string]any) []map[string]any {
	filtered := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		if _, err := e.RequireEntryRead(ctx, spaceID, identity, entry); err != nil {
			continue
		}
		filtered = append(filtered, entry)
	}
	return filtered
}

// FormNameFromEntry resolves the governing form name from an entry
// payload: the form field, then properties.form, then the markdown or
// content front matter.
func FormNameFromEntry(entry map[string]any) string {
	if form := strings.TrimSpace(asString(entry["form"])); form != "" {
		return form
	}
	if form := strings.TrimSpace(asString(asMap(entry["properties"])["form"])); form != "" {
		return form
	}
	for _, field := range []string{"markdown", "content"} {
		if body := asString(entry[field]); strings.TrimSpace(body) != "" {
			return formNameFromMarkdown(body)
		}
	}
	return ""
}

// formNameFromMarkdown extracts the form property from a leading
// front-matter block delimited by "---" lines.
func formNameFromMarkdown(markdown string) string {
	lines := strings.Split(markdown, "\n")
	start := 0
	for start < len(lines) && strings.TrimSpace(lines[start]) == "" {
		start++
	}
	if start >= len(lines) || strings.TrimSpace(lines[start]) != "---" {
		return ""
	}
	for _, line := range lines[start+1:] {
		trimmed := strings.TrimSpace(line)
		if trimmed == "---" {
			return ""
		}
		key, value, ok := strings.Cut(trimmed, ":")
		if ok && strings.TrimSpace(key) == "form" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

func asMap(value any) map[string]any {
	m, _ := value.(map[string]any)
	return m
}

func asString(value any) string {
	s, _ := value.(string)
	return s
}

func asStringList(value any) []string {
	raw, ok := value.([]any)
	if !ok {
		return nil
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok && s != "" {
			result = append(result, s)
		}
	}
	return result
}
