// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/michaelasham/wa-hub-sub000/internal/log"
)

// FileStore persists records as a single JSON array on disk. The file
// is read once, lazily, and re-written with a debounce after changes.
// Disk failures never surface to callers: the in-memory map stays
// authoritative for the life of the process and the next successful
// save catches the file up.
type FileStore struct {
	mu            sync.Mutex
	path          string
	flushDebounce time.Duration
	logger        zerolog.Logger
	now           func() time.Time

	loaded  bool
	records map[string]Record
	dirty   bool
	timer   *time.Timer
	closed  bool
}

func NewFileStore(path string, flushDebounce time.Duration) *FileStore {
	if flushDebounce <= 0 {
		flushDebounce = 500 * time.Millisecond
	}
	return &FileStore{
		path:          path,
		flushDebounce: flushDebounce,
		logger:        log.WithComponent("idempotency"),
		now:           time.Now,
		records:       make(map[string]Record),
	}
}

func (s *FileStore) Get(_ context.Context, key string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()
	rec, ok := s.records[key]
	return rec, ok, nil
}

func (s *FileStore) IsSent(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()
	rec, ok := s.records[key]
	return ok && rec.Status == StatusSent, nil
}

func (s *FileStore) IsQueued(_ context.Context, key string, stale time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()
	rec, ok := s.records[key]
	return ok && rec.Status == StatusQueued && s.now().Sub(rec.CreatedAt) < stale, nil
}

func (s *FileStore) Upsert(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()
	s.applyLocked(rec)
	return nil
}

func (s *FileStore) MarkSent(_ context.Context, key, providerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()
	s.applyLocked(Record{Key: key, Status: StatusSent, ProviderMessageID: providerID, SentAt: s.now()})
	return nil
}

func (s *FileStore) MarkFailed(_ context.Context, key, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()
	s.applyLocked(Record{Key: key, Status: StatusFailed, Error: reason})
	return nil
}

func (s *FileStore) MarkSkipped(_ context.Context, key, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()
	s.applyLocked(Record{Key: key, Status: StatusSkipped, Error: reason})
	return nil
}

func (s *FileStore) Cleanup(_ context.Context, maxAge time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()
	cutoff := s.now().Add(-maxAge)
	removed := 0
	for key, rec := range s.records {
		if ageAnchor(rec).Before(cutoff) {
			delete(s.records, key)
			removed++
		}
	}
	if removed > 0 {
		s.scheduleFlushLocked()
	}
	return removed, nil
}

func (s *FileStore) DeleteByInstance(_ context.Context, name string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()
	removed := 0
	for key, rec := range s.records {
		if rec.InstanceName == name {
			delete(s.records, key)
			removed++
		}
	}
	if removed > 0 {
		s.scheduleFlushLocked()
	}
	return removed, nil
}

func (s *FileStore) Count(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()
	return len(s.records), nil
}

// Close stops the flush timer and writes any pending changes out
// synchronously.
func (s *FileStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	dirty := s.dirty
	s.dirty = false
	var data []byte
	var err error
	if dirty {
		data, err = json.MarshalIndent(s.snapshotLocked(), "", "  ")
	}
	s.mu.Unlock()

	if !dirty {
		return nil
	}
	if err != nil {
		return fmt.Errorf("encode idempotency snapshot: %w", err)
	}
	if err := renameio.WriteFile(s.path, data, 0o600); err != nil {
		s.logger.Error().Err(err).Str(log.FieldPath, s.path).Msg("final idempotency save failed")
		return err
	}
	return nil
}

func (s *FileStore) applyLocked(rec Record) {
	now := s.now()
	if existing, ok := s.records[rec.Key]; ok {
		s.records[rec.Key] = merge(existing, rec, now)
	} else {
		s.records[rec.Key] = newRecord(rec, now)
	}
	s.scheduleFlushLocked()
}

// ensureLoaded reads the file on first touch. A corrupted file is moved
// aside so a human can inspect it and the store starts empty.
func (s *FileStore) ensureLoaded() {
	if s.loaded {
		return
	}
	s.loaded = true
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err != nil {
		s.logger.Warn().Err(err).Str(log.FieldPath, s.path).Msg("idempotency file unreadable, starting empty")
		return
	}
	var list []Record
	if err := json.Unmarshal(data, &list); err != nil {
		s.quarantine(err)
		return
	}
	for _, rec := range list {
		s.records[rec.Key] = rec
	}
	s.logger.Debug().Int("records", len(list)).Str(log.FieldPath, s.path).Msg("idempotency history loaded")
}

func (s *FileStore) quarantine(cause error) {
	dest := fmt.Sprintf("%s.corrupted.%d", s.path, s.now().Unix())
	if err := os.Rename(s.path, dest); err != nil {
		s.logger.Error().Err(err).Str(log.FieldPath, s.path).Msg("failed to move corrupted idempotency file aside")
		return
	}
	s.logger.Warn().Err(cause).Str(log.FieldPath, dest).Msg("idempotency file corrupted, moved aside and starting empty")
}

func (s *FileStore) scheduleFlushLocked() {
	s.dirty = true
	if s.closed {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.flushDebounce, s.flush)
}

func (s *FileStore) flush() {
	s.mu.Lock()
	if s.closed || !s.dirty {
		s.mu.Unlock()
		return
	}
	s.dirty = false
	data, err := json.MarshalIndent(s.snapshotLocked(), "", "  ")
	s.mu.Unlock()

	if err != nil {
		s.logger.Error().Err(err).Msg("encode idempotency snapshot failed")
		return
	}
	if err := renameio.WriteFile(s.path, data, 0o600); err != nil {
		s.logger.Warn().Err(err).Str(log.FieldPath, s.path).Msg("idempotency save failed, will retry on next change")
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
	}
}

// snapshotLocked returns the records sorted by key so the on-disk file
// diffs cleanly between saves.
func (s *FileStore) snapshotLocked() []Record {
	list := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		list = append(list, rec)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Key < list[j].Key })
	return list
}
