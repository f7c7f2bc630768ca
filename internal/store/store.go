// Package store defines the per-space metadata and audit-chain storage
// contract consumed by the identity core, plus the lock registry that
// serializes read-modify-write cycles against a space.
//
// The backing engines offer only whole-document semantics: a space's mutable
// state (members, invitations, service accounts, ACL overrides) is one JSON
// document that is read, modified in memory, and written back as a unit.
// Callers MUST hold the space's mutex (see Locks) around any
// GetSpace → PatchSpace or ReadChain → ReplaceChain cycle; the store itself
// performs no field-level transactions.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

// ChainAnchorRoot is the sentinel hash the audit chain starts from. After a
// retention trim the anchor advances to the event_hash of the last trimmed
// event so the retained suffix stays verifiable.
const ChainAnchorRoot = "root"

// Document is a space metadata document. Top-level keys are merged on patch;
// the value of a patched key replaces the stored value wholesale.
type Document = map[string]any

// Chain is a space's audit event log together with its verification anchor.
// Events are stored in append order as raw JSON so the audit layer can
// re-verify hashes against the exact persisted bytes' field set.
type Chain struct {
	Anchor string
	Events []json.RawMessage
}

// SpaceStore is the storage contract for per-space metadata documents and
// append-only audit chains.
type SpaceStore interface {
	// GetSpace returns the space's metadata document. A space that has never
	// been written returns ErrSpaceNotFound.
	GetSpace(ctx context.Context, spaceID string) (Document, error)

	// PatchSpace merges the patch into the space's document (creating the
	// space if absent) and persists the result atomically. Top-level keys in
	// the patch replace the stored keys.
	PatchSpace(ctx context.Context, spaceID string, patch Document) error

	// ReadChain returns the space's audit chain. A space with no events yet
	// returns an empty chain anchored at ChainAnchorRoot.
	ReadChain(ctx context.Context, spaceID string) (Chain, error)

	// ReplaceChain atomically replaces the space's audit chain.
	ReplaceChain(ctx context.Context, spaceID string, chain Chain) error
}

// ErrSpaceNotFound is returned by GetSpace for spaces that were never written.
var ErrSpaceNotFound = errors.New("space not found")

// ErrInvalidSpaceID is returned for space identifiers that are empty or could
// escape the per-space namespace (path separators, dot segments).
var ErrInvalidSpaceID = errors.New("invalid space id")

var spaceIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateSpaceID rejects identifiers that are empty, overlong, or contain
// characters that could traverse outside the space's storage namespace.
// It runs before any I/O so a bad id never touches the backend.
func ValidateSpaceID(spaceID string) error {
	if !spaceIDPattern.MatchString(spaceID) || spaceID == "." || spaceID == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidSpaceID, spaceID)
	}
	return nil
}

// Reencode copies src into dst through a JSON round trip. The space document
// is schemaless (map[string]any); services use Reencode to project a
// sub-section into their typed records and back without disturbing keys they
// do not own.
func Reencode(src, dst any) error {
	raw, err := json.Marshal(src)
	if err != nil {
		return fmt.Errorf("reencode marshal: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("reencode unmarshal: %w", err)
	}
	return nil
}
