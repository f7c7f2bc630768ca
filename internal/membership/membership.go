// Package membership manages the invitation, activation, role-change,
// and revocation lifecycle for space members. All mutations run under
// the space lock as a read-modify-write of the space settings document,
// bump the membership_version staleness counter, and record an audit
// event.
package membership

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// Member lifecycle states.
const (
	MemberInvited = "invited"
	MemberActive  = "active"
	MemberRevoked = "revoked"
)

// Invitation lifecycle states.
const (
	InvitationPending  = "pending"
	InvitationAccepted = "accepted"
	InvitationExpired  = "expired"
	InvitationRevoked  = "revoked"
)

// Domain errors, classified by callers into user-facing responses.
var (
	ErrInvalidRole          = errors.New("role must be one of admin/editor/viewer")
	ErrMemberNotFound       = errors.New("member not found")
	ErrMemberAlreadyActive  = errors.New("member already active")
	ErrMemberRevoked        = errors.New("member is revoked")
	ErrOwnerImmutable       = errors.New("owner cannot be revoked")
	ErrInvitationNotFound   = errors.New("invitation token not found")
	ErrInvitationNotPending = errors.New("invitation token is not pending")
	ErrInvitationExpired    = errors.New("invitation token expired")
	ErrInvitationWrongUser  = errors.New("invitation token is not valid for this user")
)

// Member is one user's membership record within a space.
type Member struct {
	UserID      string `json:"user_id"`
	Role        string `json:"role"`
	State       string `json:"state"`
	InvitedBy   string `json:"invited_by"`
	InvitedAt   string `json:"invited_at"`
	ActivatedAt string `json:"activated_at,omitempty"`
	RevokedAt   string `json:"revoked_at,omitempty"`
	UpdatedAt   string `json:"updated_at,omitempty"`
}

// Invitation is a pending or settled membership invitation. Only the
// SHA-256 hash of the one-time token is ever persisted.
type Invitation struct {
	ID         string `json:"id"`
	TokenHash  string `json:"token_hash"`
	UserID     string `json:"user_id"`
	Role       string `json:"role"`
	Email      string `json:"email,omitempty"`
	State      string `json:"state"`
	InvitedBy  string `json:"invited_by"`
	InvitedAt  string `json:"invited_at"`
	ExpiresAt  string `json:"expires_at"`
	AcceptedAt string `json:"accepted_at,omitempty"`
	AcceptedBy string `json:"accepted_by,omitempty"`
	RevokedAt  string `json:"revoked_at,omitempty"`
	RevokedBy  string `json:"revoked_by,omitempty"`
}

// mutableRole reports whether role may be assigned through the
// lifecycle API. Owner is excluded: ownership never changes here.
func mutableRole(role string) bool {
	switch role {
	case "admin", "editor", "viewer":
		return true
	}
	return false
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

const timeLayout = "2006-01-02T15:04:05.000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
