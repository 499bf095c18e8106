package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps records in process memory only. Used by tests and
// by deployments that accept losing dedup history across restarts.
type MemoryStore struct {
	mu      sync.Mutex
	now     func() time.Time
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:     time.Now,
		records: make(map[string]Record),
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	return rec, ok, nil
}

func (s *MemoryStore) IsSent(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	return ok && rec.Status == StatusSent, nil
}

func (s *MemoryStore) IsQueued(_ context.Context, key string, stale time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	return ok && rec.Status == StatusQueued && s.now().Sub(rec.CreatedAt) < stale, nil
}

func (s *MemoryStore) Upsert(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked(rec)
	return nil
}

func (s *MemoryStore) MarkSent(_ context.Context, key, providerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked(Record{Key: key, Status: StatusSent, ProviderMessageID: providerID, SentAt: s.now()})
	return nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, key, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked(Record{Key: key, Status: StatusFailed, Error: reason})
	return nil
}

func (s *MemoryStore) MarkSkipped(_ context.Context, key, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked(Record{Key: key, Status: StatusSkipped, Error: reason})
	return nil
}

func (s *MemoryStore) Cleanup(_ context.Context, maxAge time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-maxAge)
	removed := 0
	for key, rec := range s.records {
		if ageAnchor(rec).Before(cutoff) {
			delete(s.records, key)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) DeleteByInstance(_ context.Context, name string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, rec := range s.records {
		if rec.InstanceName == name {
			delete(s.records, key)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) Count(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records), nil
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) applyLocked(rec Record) {
	now := s.now()
	if existing, ok := s.records[rec.Key]; ok {
		s.records[rec.Key] = merge(existing, rec, now)
	} else {
		s.records[rec.Key] = newRecord(rec, now)
	}
}
