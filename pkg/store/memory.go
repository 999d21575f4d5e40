package store

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// InMemoryStore is a Store kept entirely in memory. It mirrors the semantics
// of the sqlite store so callers behave the same against either.
type InMemoryStore struct {
	mu   sync.Mutex
	docs map[string][]byte

	// FailSaves makes every Save return an error, for degradation tests.
	FailSaves bool
}

var _ Store = &InMemoryStore{}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{docs: map[string][]byte{}}
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) Save(_ context.Context, key string, doc []byte) error {
	if key == "" {
		return errors.New("in-memory store: key is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailSaves {
		return errors.New("in-memory store: saves disabled")
	}
	s.docs[key] = append([]byte(nil), doc...)
	return nil
}

func (s *InMemoryStore) Load(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), doc...), true, nil
}

func (s *InMemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, key)
	return nil
}
