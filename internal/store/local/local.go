// Package local implements the space store on the local filesystem.
//
// Layout under the base path:
//
//	spaces/<id>/space.json          metadata document
//	spaces/<id>/audit/events.jsonl  audit chain, one event per line
//	spaces/<id>/audit/anchor        chain verification anchor
//
// All writes go through a temp file in the same directory followed by a
// rename, so readers never observe a partially written document or chain.
package local

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ugoite/ugoite-server/internal/store"
)

// Store is a filesystem-backed store.SpaceStore rooted at BasePath.
type Store struct {
	basePath string
}

// New creates a local store rooted at basePath, creating the directory if
// needed.
func New(basePath string) (*Store, error) {
	if basePath == "" {
		return nil, fmt.Errorf("local store: base path is required")
	}
	if err := os.MkdirAll(basePath, 0o700); err != nil {
		return nil, fmt.Errorf("local store: create base path: %w", err)
	}
	return &Store{basePath: basePath}, nil
}

func (s *Store) spaceDir(spaceID string) string {
	return filepath.Join(s.basePath, "spaces", spaceID)
}

func (s *Store) documentPath(spaceID string) string {
	return filepath.Join(s.spaceDir(spaceID), "space.json")
}

func (s *Store) eventsPath(spaceID string) string {
	return filepath.Join(s.spaceDir(spaceID), "audit", "events.jsonl")
}

func (s *Store) anchorPath(spaceID string) string {
	return filepath.Join(s.spaceDir(spaceID), "audit", "anchor")
}

// GetSpace implements store.SpaceStore.
func (s *Store) GetSpace(ctx context.Context, spaceID string) (store.Document, error) {
	if err := store.ValidateSpaceID(spaceID); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(s.documentPath(spaceID))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", store.ErrSpaceNotFound, spaceID)
	}
	if err != nil {
		return nil, fmt.Errorf("local store: read space %s: %w", spaceID, err)
	}
	var doc store.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("local store: space %s document is malformed: %w", spaceID, err)
	}
	return doc, nil
}

// PatchSpace implements store.SpaceStore. The patch's top-level keys replace
// the stored keys; the space is created when absent.
func (s *Store) PatchSpace(ctx context.Context, spaceID string, patch store.Document) error {
	if err := store.ValidateSpaceID(spaceID); err != nil {
		return err
	}
	doc, err := s.GetSpace(ctx, spaceID)
	if err != nil {
		if !errors.Is(err, store.ErrSpaceNotFound) {
			return err
		}
		doc = store.Document{}
	}
	for key, value := range patch {
		doc[key] = value
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("local store: marshal space %s: %w", spaceID, err)
	}
	return s.atomicWrite(s.documentPath(spaceID), raw)
}

// ReadChain implements store.SpaceStore.
func (s *Store) ReadChain(ctx context.Context, spaceID string) (store.Chain, error) {
	if err := store.ValidateSpaceID(spaceID); err != nil {
		return store.Chain{}, err
	}
	chain := store.Chain{Anchor: store.ChainAnchorRoot}

	if raw, err := os.ReadFile(s.anchorPath(spaceID)); err == nil {
		if anchor := strings.TrimSpace(string(raw)); anchor != "" {
			chain.Anchor = anchor
		}
	} else if !os.IsNotExist(err) {
		return store.Chain{}, fmt.Errorf("local store: read anchor for %s: %w", spaceID, err)
	}

	raw, err := os.ReadFile(s.eventsPath(spaceID))
	if os.IsNotExist(err) {
		return chain, nil
	}
	if err != nil {
		return store.Chain{}, fmt.Errorf("local store: read events for %s: %w", spaceID, err)
	}
	for _, line := range bytes.Split(raw, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		chain.Events = append(chain.Events, json.RawMessage(bytes.Clone(line)))
	}
	return chain, nil
}

// ReplaceChain implements store.SpaceStore. The anchor is written before the
// events so a crash between the two writes leaves a chain that fails
// verification rather than one that silently verifies against a stale anchor.
func (s *Store) ReplaceChain(ctx context.Context, spaceID string, chain store.Chain) error {
	if err := store.ValidateSpaceID(spaceID); err != nil {
		return err
	}
	anchor := chain.Anchor
	if anchor == "" {
		anchor = store.ChainAnchorRoot
	}
	if err := s.atomicWrite(s.anchorPath(spaceID), []byte(anchor+"\n")); err != nil {
		return err
	}

	var buf bytes.Buffer
	for _, event := range chain.Events {
		buf.Write(bytes.TrimSpace(event))
		buf.WriteByte('\n')
	}
	return s.atomicWrite(s.eventsPath(spaceID), buf.Bytes())
}

// atomicWrite writes data to path via a sibling temp file and rename.
func (s *Store) atomicWrite(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("local store: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("local store: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("local store: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("local store: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("local store: rename temp file: %w", err)
	}
	return nil
}
