package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Shipper forwards appended audit events to an external destination.
// Shipping is best effort: the chained log on the space store is the
// source of truth, shippers are for external collection (SIEM, files).
type Shipper interface {
	Ship(ctx context.Context, event *Event) error
}

// FileShipper appends events as JSON lines to a single file.
type FileShipper struct {
	mu   sync.Mutex
	path string
}

// NewFileShipper creates the parent directory if needed.
func NewFileShipper(path string) (*FileShipper, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("audit: create shipper directory: %w", err)
	}
	return &FileShipper{path: path}, nil
}

// Ship implements Shipper.
func (s *FileShipper) Ship(_ context.Context, event *Event) error {
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("audit: marshal shipped event: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("audit: open shipper file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit: write shipped event: %w", err)
	}
	return nil
}

// WebhookShipper POSTs each event as JSON to a collector endpoint.
type WebhookShipper struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhookShipper creates a shipper for the given endpoint. Extra
// headers (authorization, routing) are sent with every delivery.
func NewWebhookShipper(url string, headers map[string]string) *WebhookShipper {
	return &WebhookShipper{
		url:     url,
		headers: headers,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Ship implements Shipper.
func (s *WebhookShipper) Ship(ctx context.Context, event *Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("audit: marshal shipped event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("audit: build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for name, value := range s.headers {
		req.Header.Set(name, value)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("audit: deliver webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("audit: webhook responded %d", resp.StatusCode)
	}
	return nil
}

// MultiShipper fans one event out to every configured shipper and
// aggregates failures.
type MultiShipper []Shipper

// Ship implements Shipper.
func (m MultiShipper) Ship(ctx context.Context, event *Event) error {
	var errs []error
	for _, shipper := range m {
		if err := shipper.Ship(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
