// Package audit maintains a hash-chained, tamper-evident event log per
// space. Every event binds to its predecessor's hash; verification
// recomputes the whole chain from the stored anchor and fails loudly on
// any mismatch. The log is never repaired automatically.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrIntegrity wraps every chain verification failure.
var ErrIntegrity = errors.New("audit chain integrity violation")

// Recognized outcomes. Anything else normalizes to OutcomeSuccess.
const (
	OutcomeSuccess = "success"
	OutcomeDeny    = "deny"
	OutcomeError   = "error"
)

// Event is a persisted audit record. Optional fields serialize as null
// in the canonical form so recorded hashes stay stable.
type Event struct {
	ID            string            `json:"id"`
	Timestamp     string            `json:"timestamp"`
	SpaceID       string            `json:"space_id"`
	Action        string            `json:"action"`
	ActorUserID   string            `json:"actor_user_id"`
	Outcome       string            `json:"outcome"`
	TargetType    string            `json:"target_type,omitempty"`
	TargetID      string            `json:"target_id,omitempty"`
	RequestMethod string            `json:"request_method,omitempty"`
	RequestPath   string            `json:"request_path,omitempty"`
	RequestID     string            `json:"request_id,omitempty"`
	Metadata      map[string]string `json:"metadata"`
	PrevHash      string            `json:"prev_hash"`
	EventHash     string            `json:"event_hash"`
}

// EventInput is the caller-supplied portion of an event.
type EventInput struct {
	Action        string
	ActorUserID   string
	Outcome       string
	TargetType    string
	TargetID      string
	RequestMethod string
	RequestPath   string
	RequestID     string
	Metadata      map[string]string
}

// eventHash computes SHA256(prevHash ":" canonicalJSON(payload)) where
// payload excludes the event_hash field. Canonical JSON is compact with
// lexicographically sorted keys, which json.Marshal produces for maps.
func eventHash(payload map[string]any, prevHash string) (string, error) {
	canonical, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("audit: canonicalize event: %w", err)
	}
	sum := sha256.Sum256(append([]byte(prevHash+":"), canonical...))
	return hex.EncodeToString(sum[:]), nil
}

// verifyChain walks raw stored events from the anchor, recomputing every
// hash and checking prev_hash linkage. It returns the parsed events and
// the hash of the final one (the anchor for an empty chain).
func verifyChain(rawEvents []json.RawMessage, anchor string) ([]map[string]any, string, error) {
	prevHash := anchor
	events := make([]map[string]any, 0, len(rawEvents))
	for i, raw := range rawEvents {
		var event map[string]any
		if err := json.Unmarshal(raw, &event); err != nil {
			return nil, "", fmt.Errorf("%w: event %d is malformed JSON", ErrIntegrity, i)
		}

		storedHash, ok := event["event_hash"].(string)
		if !ok || storedHash == "" {
			return nil, "", fmt.Errorf("%w: event %d is missing event_hash", ErrIntegrity, i)
		}
		storedPrev, _ := event["prev_hash"].(string)
		if storedPrev != prevHash {
			return nil, "", fmt.Errorf("%w: event %d prev_hash mismatch", ErrIntegrity, i)
		}

		payload := make(map[string]any, len(event))
		for key, value := range event {
			if key != "event_hash" {
				payload[key] = value
			}
		}
		computed, err := eventHash(payload, prevHash)
		if err != nil {
			return nil, "", err
		}
		if computed != storedHash {
			return nil, "", fmt.Errorf("%w: event %d hash mismatch", ErrIntegrity, i)
		}

		events = append(events, event)
		prevHash = storedHash
	}
	return events, prevHash, nil
}

func nullable(value string) any {
	if value == "" {
		return nil
	}
	return value
}

// NormalizeOutcome maps arbitrary input to a recognized outcome.
func NormalizeOutcome(outcome string) string {
	switch normalized := strings.ToLower(strings.TrimSpace(outcome)); normalized {
	case OutcomeSuccess, OutcomeDeny, OutcomeError:
		return normalized
	}
	return OutcomeSuccess
}
