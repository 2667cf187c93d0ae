// Package memconfig implements contracts.ConfigStore in memory, for
// tests and for deployments that don't need durable config persistence.
package memconfig

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/technosupport/videocore/internal/contracts"
)

// ErrRecordNotFound mirrors pgconfig's sentinel for callers that branch on it.
var ErrRecordNotFound = errors.New("memconfig: record not found")

// Store implements contracts.ConfigStore with an in-process map,
// guarded by a single RWMutex.
type Store struct {
	mu      sync.RWMutex
	entries map[string]map[string]string
	cameras map[contracts.CameraID]contracts.CameraConfigDoc
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		entries: make(map[string]map[string]string),
		cameras: make(map[contracts.CameraID]contracts.CameraConfigDoc),
	}
}

// Get returns the namespaced key's value, or def if absent.
func (s *Store) Get(ctx context.Context, namespace, key, def string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ns, ok := s.entries[namespace]
	if !ok {
		return def, nil
	}
	v, ok := ns[key]
	if !ok {
		return def, nil
	}
	return v, nil
}

// Put upserts a namespaced key/value pair.
func (s *Store) Put(ctx context.Context, namespace, key, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, ok := s.entries[namespace]
	if !ok {
		ns = make(map[string]string)
		s.entries[namespace] = ns
	}
	_, existed := ns[key]
	ns[key] = value
	return !existed, nil
}

// List returns a copy of every key/value pair under namespace.
func (s *Store) List(ctx context.Context, namespace string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string)
	for k, v := range s.entries[namespace] {
		out[k] = v
	}
	return out, nil
}

// Delete removes a namespaced key, reporting whether it existed.
func (s *Store) Delete(ctx context.Context, namespace, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, ok := s.entries[namespace]
	if !ok {
		return false, nil
	}
	_, existed := ns[key]
	delete(ns, key)
	return existed, nil
}

// GetCameraConfig returns a copy of one camera's document.
func (s *Store) GetCameraConfig(ctx context.Context, id contracts.CameraID) (contracts.CameraConfigDoc, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.cameras[id]
	if !ok || doc.DeletedAt != nil {
		return contracts.CameraConfigDoc{}, false, nil
	}
	return doc, true, nil
}

// SaveCameraConfig stores a camera's document, stamping UpdatedAt.
func (s *Store) SaveCameraConfig(ctx context.Context, id contracts.CameraID, doc contracts.CameraConfigDoc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc.UpdatedAt = time.Now()
	doc.DeletedAt = nil
	s.cameras[id] = doc
	return nil
}

// ListCameraIDs returns every non-deleted camera id, sorted.
func (s *Store) ListCameraIDs(ctx context.Context) ([]contracts.CameraID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]contracts.CameraID, 0, len(s.cameras))
	for id, doc := range s.cameras {
		if doc.DeletedAt == nil {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// SoftDeleteCamera marks a camera document deleted.
func (s *Store) SoftDeleteCamera(ctx context.Context, id contracts.CameraID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.cameras[id]
	if !ok || doc.DeletedAt != nil {
		return ErrRecordNotFound
	}
	now := time.Now()
	doc.DeletedAt = &now
	s.cameras[id] = doc
	return nil
}
