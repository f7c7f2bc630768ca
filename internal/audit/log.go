package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ugoite/ugoite-server/internal/safego"
	"github.com/ugoite/ugoite-server/internal/store"
	"github.com/ugoite/ugoite-server/internal/telemetry"
)

const (
	// DefaultRetention is the event count each space's log keeps when no
	// override is configured; MinRetention is the floor for overrides.
	DefaultRetention = 5000
	MinRetention     = 100

	defaultListLimit = 100
	maxListLimit     = 500
)

// Log appends to and verifies the per-space hash-chained event log.
type Log struct {
	store     store.SpaceStore
	locks     *store.Locks
	retention int
	shipper   Shipper
	metrics   *telemetry.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// Options tunes a Log beyond its required dependencies.
type Options struct {
	// Retention is the per-space event ceiling, clamped to MinRetention.
	// Zero means DefaultRetention.
	Retention int
	// Shipper receives every appended event, best effort.
	Shipper Shipper
	Metrics *telemetry.Metrics
	Logger  *slog.Logger
}

// NewLog creates an audit log over the space store. Mutations serialize
// on the per-space locks shared with the other space-state writers.
func NewLog(st store.SpaceStore, locks *store.Locks, opts Options) *Log {
	retention := opts.Retention
	if retention == 0 {
		retention = DefaultRetention
	}
	if retention < MinRetention {
		retention = MinRetention
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{
		store:     st,
		locks:     locks,
		retention: retention,
		shipper:   opts.Shipper,
		metrics:   opts.Metrics,
		logger:    logger,
		now:       time.Now,
	}
}

// Append verifies the existing chain, links a new event onto it, trims
// to retention, and atomically replaces the stored log. Trimming
// advances the chain anchor to the hash of the last trimmed event so
// verification stays valid from the new genesis.
func (l *Log) Append(ctx context.Context, spaceID string, input EventInput) (*Event, error) {
	action := strings.TrimSpace(input.Action)
	if action == "" {
		return nil, fmt.Errorf("audit: action must not be empty")
	}
	actor := strings.TrimSpace(input.ActorUserID)
	if actor == "" {
		return nil, fmt.Errorf("audit: actor_user_id must not be empty")
	}
	if err := store.ValidateSpaceID(spaceID); err != nil {
		return nil, err
	}

	mu := l.locks.ForSpace(spaceID)
	mu.Lock()
	defer mu.Unlock()

	chain, err := l.store.ReadChain(ctx, spaceID)
	if err != nil {
		return nil, err
	}
	_, prevHash, err := verifyChain(chain.Events, chain.Anchor)
	if err != nil {
		l.countIntegrityFailure()
		return nil, err
	}

	metadata := input.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	payload := map[string]any{
		"id":             uuid.NewString(),
		"timestamp":      l.now().UTC().Format("2006-01-02T15:04:05.000000Z"),
		"space_id":       spaceID,
		"action":         action,
		"actor_user_id":  actor,
		"outcome":        NormalizeOutcome(input.Outcome),
		"target_type":    nullable(input.TargetType),
		"target_id":      nullable(input.TargetID),
		"request_method": nullable(input.RequestMethod),
		"request_path":   nullable(input.RequestPath),
		"request_id":     nullable(input.RequestID),
		"metadata":       metadata,
		"prev_hash":      prevHash,
	}
	hash, err := eventHash(payload, prevHash)
	if err != nil {
		return nil, err
	}
	payload["event_hash"] = hash

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("audit: marshal event: %w", err)
	}
	chain.Events = append(chain.Events, raw)

	if trimmed := len(chain.Events) - l.retention; trimmed > 0 {
		// The newest trimmed event's hash becomes the new genesis.
		var last map[string]any
		if err := json.Unmarshal(chain.Events[trimmed-1], &last); err != nil {
			return nil, fmt.Errorf("audit: reread trimmed event: %w", err)
		}
		anchor, _ := last["event_hash"].(string)
		chain.Anchor = anchor
		chain.Events = chain.Events[trimmed:]
	}

	if err := l.store.ReplaceChain(ctx, spaceID, chain); err != nil {
		return nil, err
	}

	var event Event
	if err := store.Reencode(payload, &event); err != nil {
		return nil, err
	}
	if l.metrics != nil {
		l.metrics.AuditAppends.WithLabelValues(event.Outcome).Inc()
	}
	l.ship(&event)
	return &event, nil
}

func (l *Log) ship(event *Event) {
	if l.shipper == nil {
		return
	}
	shipper, logger := l.shipper, l.logger
	shipped := *event
	safego.Go("audit-ship", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := shipper.Ship(ctx, &shipped); err != nil {
			logger.Warn("audit event shipping failed",
				"space_id", shipped.SpaceID,
				"event_id", shipped.ID,
				"error", err)
		}
	})
}

func (l *Log) countIntegrityFailure() {
	if l.metrics != nil {
		l.metrics.AuditIntegrityFailures.Inc()
	}
}

// ListFilter selects and paginates events.
type ListFilter struct {
	Offset      int
	Limit       int
	Action      string
	ActorUserID string
	Outcome     string
}

// ListResult is the pagination envelope returned by List.
type ListResult struct {
	Items  []*Event `json:"items"`
	Total  int      `json:"total"`
	Offset int      `json:"offset"`
	Limit  int      `json:"limit"`
}

// List fully re-verifies the chain, then filters, sorts newest first,
// and paginates. Any integrity violation aborts the listing.
func (l *Log) List(ctx context.Context, spaceID string, filter ListFilter) (*ListResult, error) {
	if err := store.ValidateSpaceID(spaceID); err != nil {
		return nil, err
	}

	mu := l.locks.ForSpace(spaceID)
	mu.Lock()
	chain, err := l.store.ReadChain(ctx, spaceID)
	if err != nil {
		mu.Unlock()
		return nil, err
	}
	parsed, _, err := verifyChain(chain.Events, chain.Anchor)
	mu.Unlock()
	if err != nil {
		l.countIntegrityFailure()
		return nil, err
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	action := strings.TrimSpace(filter.Action)
	actor := strings.TrimSpace(filter.ActorUserID)
	outcome := strings.ToLower(strings.TrimSpace(filter.Outcome))

	events := make([]*Event, 0, len(parsed))
	for _, raw := range parsed {
		var event Event
		if err := store.Reencode(raw, &event); err != nil {
			return nil, err
		}
		if action != "" && event.Action != action {
			continue
		}
		if actor != "" && event.ActorUserID != actor {
			continue
		}
		if outcome != "" && event.Outcome != outcome {
			continue
		}
		events = append(events, &event)
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp > events[j].Timestamp
	})

	total := len(events)
	start := offset
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}

	return &ListResult{
		Items:  events[start:end],
		Total:  total,
		Offset: offset,
		Limit:  limit,
	}, nil
}
