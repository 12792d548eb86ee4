// Package memory keeps blobs in a map.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"photo-processor/internal/storage"
)

type object struct {
	data        []byte
	contentType string
}

type Store struct {
	mu      sync.RWMutex
	prefix  string
	objects map[string]object
}

// New returns a store whose URLs are prefix + key, for example "blob://".
func New(prefix string) *Store {
	return &Store{prefix: prefix, objects: make(map[string]object)}
}

func (s *Store) Put(_ context.Context, key string, data []byte, contentType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = object{data: append([]byte(nil), data...), contentType: contentType}
	return s.prefix + key, nil
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, key)
	}
	return append([]byte(nil), obj.data...), nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

// KeyForURL reverses the prefix + key URLs returned by Put.
func (s *Store) KeyForURL(rawURL string) (string, bool) {
	key, ok := strings.CutPrefix(rawURL, s.prefix)
	if !ok || key == "" {
		return "", false
	}
	return key, true
}

// ContentType reports the type an object was stored with.
func (s *Store) ContentType(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.objects[key].contentType
}

// Keys lists stored keys in no particular order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	return keys
}

var (
	_ storage.Store       = (*Store)(nil)
	_ storage.KeyResolver = (*Store)(nil)
)
