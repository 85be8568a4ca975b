package event

import (
	"context"
	"sync"

	apperrors "st_trading/pkg/errors"
)

// MemoryStore is an in-memory Store with the same bounded semantics as
// the SQLite store. Used in tests and available via configuration.
type MemoryStore struct {
	mu        sync.RWMutex
	events    []Event
	maxEvents int
	closed    bool
}

// NewMemoryStore creates an in-memory store. maxEvents <= 0 selects the
// default cap.
func NewMemoryStore(maxEvents int) *MemoryStore {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	return &MemoryStore{maxEvents: maxEvents}
}

func (s *MemoryStore) Insert(ctx context.Context, evt Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return apperrors.ErrStoreClosed
	}

	s.events = append(s.events, evt)
	if excess := len(s.events) - s.maxEvents; excess > 0 {
		s.events = s.events[excess:]
	}
	return nil
}

func (s *MemoryStore) GetRecent(ctx context.Context, limit int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, apperrors.ErrStoreClosed
	}

	out := make([]Event, 0, limit)
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.events[i])
	}
	return out, nil
}

func (s *MemoryStore) GetBySubject(ctx context.Context, pattern string, limit int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, apperrors.ErrStoreClosed
	}

	out := make([]Event, 0, limit)
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		if MatchSubject(pattern, s.events[i].Subject) {
			out = append(out, s.events[i])
		}
	}
	return out, nil
}

func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, apperrors.ErrStoreClosed
	}
	return len(s.events), nil
}

func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return apperrors.ErrStoreClosed
	}
	s.events = nil
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
