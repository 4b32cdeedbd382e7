package store

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MemoryFingerprintStore implements FingerprintStore with a process-local map
type MemoryFingerprintStore struct {
	entries    map[string]time.Time
	mu         sync.Mutex
	maxEntries int
	logger     *zap.Logger
}

// NewMemoryFingerprintStore creates a fingerprint table bounded by maxEntries
func NewMemoryFingerprintStore(maxEntries int, logger *zap.Logger) *MemoryFingerprintStore {
	return &MemoryFingerprintStore{
		entries:    make(map[string]time.Time),
		maxEntries: maxEntries,
		logger:     logger,
	}
}

// CheckAndRecord reports a duplicate when fingerprint was seen within window
func (s *MemoryFingerprintStore) CheckAndRecord(ctx context.Context, fingerprint string, now time.Time, window time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if seenAt, ok := s.entries[fingerprint]; ok && now.Sub(seenAt) < window {
		return true, nil
	}

	if _, ok := s.entries[fingerprint]; !ok && s.maxEntries > 0 && len(s.entries) >= s.maxEntries {
		s.logger.Warn("Fingerprint table reached hard limit, clearing",
			zap.Int("entries", len(s.entries)),
			zap.Int("max_entries", s.maxEntries))
		s.entries = make(map[string]time.Time)
	}

	s.entries[fingerprint] = now
	return false, nil
}

// Forget removes a fingerprint
func (s *MemoryFingerprintStore) Forget(ctx context.Context, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, fingerprint)
	return nil
}

// Sweep removes entries older than retention and returns how many were removed
func (s *MemoryFingerprintStore) Sweep(now time.Time, retention time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for fp, seenAt := range s.entries {
		if now.Sub(seenAt) > retention {
			delete(s.entries, fp)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked fingerprints
func (s *MemoryFingerprintStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Ping always succeeds
func (s *MemoryFingerprintStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op
func (s *MemoryFingerprintStore) Close() error {
	return nil
}
