package membership

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ugoite/ugoite-server/internal/audit"
	"github.com/ugoite/ugoite-server/internal/store"
)

// DefaultInvitationTTL applies when no expiry is requested.
const DefaultInvitationTTL = 7 * 24 * time.Hour

// MinInvitationTTL is the floor for requested expiries.
const MinInvitationTTL = time.Minute

// Service runs the membership lifecycle over the space store. Audit
// events are appended after the space lock is released; the lock guards
// only the document read-modify-write.
type Service struct {
	store  store.SpaceStore
	locks  *store.Locks
	audit  *audit.Log
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a Service. The audit log may be nil in contexts
// that record events themselves; every mutation still returns its audit
// payload.
func NewService(st store.SpaceStore, locks *store.Locks, auditLog *audit.Log, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, locks: locks, audit: auditLog, logger: logger, now: time.Now}
}

// spaceState is the mutable membership slice of a space document. The
// settings map is carried whole so keys owned by other subsystems
// survive the read-modify-write.
type spaceState struct {
	doc         store.Document
	settings    map[string]any
	members     map[string]*Member
	invitations map[string]*Invitation
}

func (s *Service) loadState(ctx context.Context, spaceID string) (*spaceState, error) {
	doc, err := s.store.GetSpace(ctx, spaceID)
	if err != nil {
		return nil, err
	}
	settings, _ := doc["settings"].(map[string]any)
	if settings == nil {
		settings = map[string]any{}
	}

	state := &spaceState{
		doc:         doc,
		settings:    settings,
		members:     map[string]*Member{},
		invitations: map[string]*Invitation{},
	}
	if raw, ok := settings["members"]; ok {
		if err := store.Reencode(raw, &state.members); err != nil {
			return nil, fmt.Errorf("membership: space %s members are malformed: %w", spaceID, err)
		}
	}
	if raw, ok := settings["invitations"]; ok {
		if err := store.Reencode(raw, &state.invitations); err != nil {
			return nil, fmt.Errorf("membership: space %s invitations are malformed: %w", spaceID, err)
		}
	}
	return state, nil
}

// persist writes the mutated membership state back, bumping
// membership_version and recomputing the flattened role maps the
// authorization engine reads.
func (s *Service) persist(ctx context.Context, spaceID string, state *spaceState) error {
	version := 0
	if raw, ok := state.settings["membership_version"].(float64); ok {
		version = int(raw)
	}
	state.settings["membership_version"] = version + 1
	state.settings["members"] = state.members
	state.settings["invitations"] = state.invitations

	owner, admins, memberRoles := legacyMaps(state)
	state.settings["admin_user_ids"] = admins
	state.settings["member_roles"] = memberRoles
	if owner != "" {
		state.settings["owner_user_id"] = owner
	}

	patch := store.Document{
		"settings":       state.settings,
		"admin_user_ids": admins,
		"member_roles":   memberRoles,
	}
	if owner != "" {
		patch["owner_user_id"] = owner
	}
	return s.store.PatchSpace(ctx, spaceID, patch)
}

// legacyMaps flattens lifecycle state into the owner/admin/member-role
// maps role resolution consumes.
func legacyMaps(state *spaceState) (owner string, admins []string, memberRoles map[string]string) {
	owner, _ = state.doc["owner_user_id"].(string)
	if owner == "" {
		owner, _ = state.settings["owner_user_id"].(string)
	}

	adminSet := map[string]struct{}{}
	if existing, ok := state.settings["admin_user_ids"].([]any); ok {
		for _, item := range existing {
			if id, ok := item.(string); ok {
				adminSet[id] = struct{}{}
			}
		}
	}

	memberRoles = map[string]string{}
	for userID, member := range state.members {
		if member == nil || member.State != MemberActive {
			continue
		}
		switch member.Role {
		case "admin":
			adminSet[userID] = struct{}{}
			memberRoles[userID] = member.Role
		case "editor", "viewer":
			memberRoles[userID] = member.Role
		}
	}

	if owner != "" {
		adminSet[owner] = struct{}{}
	}
	admins = make([]string, 0, len(adminSet))
	for id := range adminSet {
		admins = append(admins, id)
	}
	sort.Strings(admins)
	return owner, admins, memberRoles
}

func (s *Service) record(ctx context.Context, spaceID string, input audit.EventInput) *audit.Event {
	if s.audit == nil {
		return nil
	}
	event, err := s.audit.Append(ctx, spaceID, input)
	if err != nil {
		s.logger.Error("membership audit append failed",
			"space_id", spaceID, "action", input.Action, "error", err)
		return nil
	}
	return event
}

// ListMembers returns every member record for the space, sorted by user
// id.
func (s *Service) ListMembers(ctx context.Context, spaceID string) ([]*Member, error) {
	state, err := s.loadState(ctx, spaceID)
	if err != nil {
		return nil, err
	}
	members := make([]*Member, 0, len(state.members))
	for userID, member := range state.members {
		if member == nil {
			continue
		}
		if member.UserID == "" {
			member.UserID = userID
		}
		members = append(members, member)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].UserID < members[j].UserID })
	return members, nil
}

// CreateInvitationInput describes a new invitation.
type CreateInvitationInput struct {
	UserID    string
	Role      string
	InvitedBy string
	Email     string
	// TTL bounds the invitation lifetime; zero means DefaultInvitationTTL
	// and anything below MinInvitationTTL is raised to it.
	TTL time.Duration
}

// CreateInvitationResult carries the one-time token. The token is not
// persisted anywhere; only its hash is.
type CreateInvitationResult struct {
	Invitation Invitation
	Token      string
	AuditEvent *audit.Event
}

// CreateInvitation invites a user and moves their member record to the
// invited state.
func (s *Service) CreateInvitation(ctx context.Context, spaceID string, input CreateInvitationInput) (*CreateInvitationResult, error) {
	if input.UserID == "" {
		return nil, fmt.Errorf("membership: invited user id must not be empty")
	}
	if !mutableRole(input.Role) {
		return nil, fmt.Errorf("membership: %w", ErrInvalidRole)
	}

	token, err := randomToken(24)
	if err != nil {
		return nil, fmt.Errorf("membership: generate invitation token: %w", err)
	}

	invitation, err := s.createInvitationLocked(ctx, spaceID, input, token)
	if err != nil {
		return nil, err
	}

	event := s.record(ctx, spaceID, audit.EventInput{
		Action:      "member.invite",
		ActorUserID: input.InvitedBy,
		Outcome:     audit.OutcomeSuccess,
		TargetType:  "member",
		TargetID:    input.UserID,
		Metadata:    map[string]string{"role": input.Role},
	})
	return &CreateInvitationResult{Invitation: invitation, Token: token, AuditEvent: event}, nil
}

func (s *Service) createInvitationLocked(ctx context.Context, spaceID string, input CreateInvitationInput, token string) (Invitation, error) {
	ttl := input.TTL
	if ttl == 0 {
		ttl = DefaultInvitationTTL
	}
	if ttl < MinInvitationTTL {
		ttl = MinInvitationTTL
	}

	mu := s.locks.ForSpace(spaceID)
	mu.Lock()
	defer mu.Unlock()

	state, err := s.loadState(ctx, spaceID)
	if err != nil {
		return Invitation{}, err
	}
	if current := state.members[input.UserID]; current != nil && current.State == MemberActive {
		return Invitation{}, fmt.Errorf("membership: %w: %s", ErrMemberAlreadyActive, input.UserID)
	}

	now := s.now()
	invitation := Invitation{
		ID:        uuid.NewString(),
		TokenHash: hashToken(token),
		UserID:    input.UserID,
		Role:      input.Role,
		Email:     input.Email,
		State:     InvitationPending,
		InvitedBy: input.InvitedBy,
		InvitedAt: formatTime(now),
		ExpiresAt: formatTime(now.Add(ttl)),
	}
	state.invitations[invitation.ID] = &invitation
	state.members[input.UserID] = &Member{
		UserID:    input.UserID,
		Role:      input.Role,
		State:     MemberInvited,
		InvitedBy: input.InvitedBy,
		InvitedAt: invitation.InvitedAt,
	}

	if err := s.persist(ctx, spaceID, state); err != nil {
		return Invitation{}, err
	}
	return invitation, nil
}

// AcceptInvitationInput redeems a one-time invitation token.
type AcceptInvitationInput struct {
	Token      string
	AcceptedBy string
}

// AcceptInvitationResult is the activated member.
type AcceptInvitationResult struct {
	Member     Member
	AuditEvent *audit.Event
}

// AcceptInvitation activates the invited member. The token must match a
// pending invitation for exactly the accepting user; an expired token
// settles the invitation as expired without activating anyone.
func (s *Service) AcceptInvitation(ctx context.Context, spaceID string, input AcceptInvitationInput) (*AcceptInvitationResult, error) {
	if input.Token == "" {
		return nil, fmt.Errorf("membership: token must not be empty")
	}

	member, role, err := s.acceptInvitationLocked(ctx, spaceID, input)
	if err != nil {
		return nil, err
	}

	event := s.record(ctx, spaceID, audit.EventInput{
		Action:      "member.accept",
		ActorUserID: input.AcceptedBy,
		Outcome:     audit.OutcomeSuccess,
		TargetType:  "member",
		TargetID:    input.AcceptedBy,
		Metadata:    map[string]string{"role": role},
	})
	return &AcceptInvitationResult{Member: member, AuditEvent: event}, nil
}

func (s *Service) acceptInvitationLocked(ctx context.Context, spaceID string, input AcceptInvitationInput) (Member, string, error) {
	mu := s.locks.ForSpace(spaceID)
	mu.Lock()
	defer mu.Unlock()

	state, err := s.loadState(ctx, spaceID)
	if err != nil {
		return Member{}, "", err
	}

	tokenHash := hashToken(input.Token)
	var invitation *Invitation
	for _, candidate := range state.invitations {
		if candidate != nil && candidate.TokenHash == tokenHash {
			invitation = candidate
			break
		}
	}
	if invitation == nil {
		return Member{}, "", fmt.Errorf("membership: %w", ErrInvitationNotFound)
	}
	if invitation.State != InvitationPending {
		return Member{}, "", fmt.Errorf("membership: %w", ErrInvitationNotPending)
	}
	if invitation.UserID != input.AcceptedBy {
		return Member{}, "", fmt.Errorf("membership: %w", ErrInvitationWrongUser)
	}

	now := s.now()
	expiry, parseErr := time.Parse(timeLayout, invitation.ExpiresAt)
	if parseErr != nil {
		return Member{}, "", fmt.Errorf("membership: invitation expiry is malformed: %w", parseErr)
	}
	if expiry.Before(now) {
		invitation.State = InvitationExpired
		if err := s.persist(ctx, spaceID, state); err != nil {
			return Member{}, "", err
		}
		return Member{}, "", fmt.Errorf("membership: %w", ErrInvitationExpired)
	}

	nowStamp := formatTime(now)
	invitation.State = InvitationAccepted
	invitation.AcceptedAt = nowStamp
	invitation.AcceptedBy = input.AcceptedBy

	member := &Member{
		UserID:      input.AcceptedBy,
		Role:        invitation.Role,
		State:       MemberActive,
		InvitedBy:   invitation.InvitedBy,
		InvitedAt:   invitation.InvitedAt,
		ActivatedAt: nowStamp,
	}
	state.members[input.AcceptedBy] = member

	if err := s.persist(ctx, spaceID, state); err != nil {
		return Member{}, "", err
	}
	return *member, invitation.Role, nil
}

// UpdateMemberRoleInput changes a member's role.
type UpdateMemberRoleInput struct {
	UserID    string
	Role      string
	ChangedBy string
}

// UpdateMemberRoleResult is the updated member.
type UpdateMemberRoleResult struct {
	Member     Member
	AuditEvent *audit.Event
}

// UpdateMemberRole changes the role of an invited or active member.
func (s *Service) UpdateMemberRole(ctx context.Context, spaceID string, input UpdateMemberRoleInput) (*UpdateMemberRoleResult, error) {
	if !mutableRole(input.Role) {
		return nil, fmt.Errorf("membership: %w", ErrInvalidRole)
	}

	member, err := s.updateMemberRoleLocked(ctx, spaceID, input)
	if err != nil {
		return nil, err
	}

	event := s.record(ctx, spaceID, audit.EventInput{
		Action:      "member.role_change",
		ActorUserID: input.ChangedBy,
		Outcome:     audit.OutcomeSuccess,
		TargetType:  "member",
		TargetID:    input.UserID,
		Metadata:    map[string]string{"role": input.Role},
	})
	return &UpdateMemberRoleResult{Member: member, AuditEvent: event}, nil
}

func (s *Service) updateMemberRoleLocked(ctx context.Context, spaceID string, input UpdateMemberRoleInput) (Member, error) {
	mu := s.locks.ForSpace(spaceID)
	mu.Lock()
	defer mu.Unlock()

	state, err := s.loadState(ctx, spaceID)
	if err != nil {
		return Member{}, err
	}
	member := state.members[input.UserID]
	if member == nil {
		return Member{}, fmt.Errorf("membership: %w: %s", ErrMemberNotFound, input.UserID)
	}
	if member.State == MemberRevoked {
		return Member{}, fmt.Errorf("membership: %w: %s", ErrMemberRevoked, input.UserID)
	}

	member.Role = input.Role
	member.UpdatedAt = formatTime(s.now())

	if err := s.persist(ctx, spaceID, state); err != nil {
		return Member{}, err
	}
	return *member, nil
}

// RevokeMemberInput revokes a member's access.
type RevokeMemberInput struct {
	UserID    string
	RevokedBy string
}

// RevokeMemberResult is the revoked member.
type RevokeMemberResult struct {
	Member     Member
	AuditEvent *audit.Event
}

// RevokeMember revokes member access and cascades to any still-pending
// invitation for the same user. The space owner can never be revoked.
func (s *Service) RevokeMember(ctx context.Context, spaceID string, input RevokeMemberInput) (*RevokeMemberResult, error) {
	member, err := s.revokeMemberLocked(ctx, spaceID, input)
	if err != nil {
		return nil, err
	}

	event := s.record(ctx, spaceID, audit.EventInput{
		Action:      "member.revoke",
		ActorUserID: input.RevokedBy,
		Outcome:     audit.OutcomeSuccess,
		TargetType:  "member",
		TargetID:    input.UserID,
	})
	return &RevokeMemberResult{Member: member, AuditEvent: event}, nil
}

func (s *Service) revokeMemberLocked(ctx context.Context, spaceID string, input RevokeMemberInput) (Member, error) {
	mu := s.locks.ForSpace(spaceID)
	mu.Lock()
	defer mu.Unlock()

	state, err := s.loadState(ctx, spaceID)
	if err != nil {
		return Member{}, err
	}

	owner, _, _ := legacyMaps(state)
	if owner != "" && input.UserID == owner {
		return Member{}, fmt.Errorf("membership: %w", ErrOwnerImmutable)
	}

	member := state.members[input.UserID]
	if member == nil {
		return Member{}, fmt.Errorf("membership: %w: %s", ErrMemberNotFound, input.UserID)
	}

	revokedAt := formatTime(s.now())
	member.State = MemberRevoked
	member.RevokedAt = revokedAt

	for _, invitation := range state.invitations {
		if invitation != nil && invitation.UserID == input.UserID && invitation.State == InvitationPending {
			invitation.State = InvitationRevoked
			invitation.RevokedAt = revokedAt
			invitation.RevokedBy = input.RevokedBy
		}
	}

	if err := s.persist(ctx, spaceID, state); err != nil {
		return Member{}, err
	}
	return *member, nil
}

// IsActiveMember reports whether the user is an active member by
// lifecycle state.
func (s *Service) IsActiveMember(ctx context.Context, spaceID, userID string) (bool, error) {
	state, err := s.loadState(ctx, spaceID)
	if err != nil {
		return false, err
	}
	member := state.members[userID]
	return member != nil && member.State == MemberActive, nil
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
