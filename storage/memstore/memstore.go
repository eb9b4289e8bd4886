// Package memstore is an in-process Store for tests and single-node setups.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/overtonx/inbox/storage"
)

type MemStore struct {
	mu      sync.RWMutex
	records map[string]storage.EventRecord
}

func New() *MemStore {
	return &MemStore{records: make(map[string]storage.EventRecord)}
}

func (s *MemStore) Get(_ context.Context, fingerprint string) (storage.EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[fingerprint]
	if !ok {
		return storage.EventRecord{}, storage.ErrNotFound
	}
	return clone(rec), nil
}

func (s *MemStore) InsertIfAbsent(_ context.Context, record storage.EventRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[record.Fingerprint]; exists {
		return false, nil
	}
	s.records[record.Fingerprint] = clone(record)
	return true, nil
}

func (s *MemStore) CompareAndSwap(_ context.Context, expected storage.Version, next storage.EventRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.records[next.Fingerprint]
	if !ok || current.Version() != expected {
		return false, nil
	}
	s.records[next.Fingerprint] = clone(next)
	return true, nil
}

func (s *MemStore) FetchDueForRetry(_ context.Context, now time.Time, batchSize int) ([]string, error) {
	s.mu.RLock()
	due := make([]storage.EventRecord, 0)
	for _, rec := range s.records {
		if rec.IsDue(now) {
			due = append(due, rec)
		}
	}
	s.mu.RUnlock()

	sort.Slice(due, func(i, j int) bool {
		a, b := *due[i].NextAttemptAt, *due[j].NextAttemptAt
		if a.Equal(b) {
			return due[i].Fingerprint < due[j].Fingerprint
		}
		return a.Before(b)
	})
	if len(due) > batchSize {
		due = due[:batchSize]
	}

	fingerprints := make([]string, len(due))
	for i, rec := range due {
		fingerprints[i] = rec.Fingerprint
	}
	return fingerprints, nil
}

func (s *MemStore) FetchStale(_ context.Context, updatedBefore time.Time, batchSize int) ([]string, error) {
	s.mu.RLock()
	stale := make([]storage.EventRecord, 0)
	for _, rec := range s.records {
		if rec.Status == storage.StatusReceived && rec.UpdatedAt.Before(updatedBefore) {
			stale = append(stale, rec)
		}
	}
	s.mu.RUnlock()

	sort.Slice(stale, func(i, j int) bool {
		if stale[i].UpdatedAt.Equal(stale[j].UpdatedAt) {
			return stale[i].Fingerprint < stale[j].Fingerprint
		}
		return stale[i].UpdatedAt.Before(stale[j].UpdatedAt)
	})
	if len(stale) > batchSize {
		stale = stale[:batchSize]
	}

	fingerprints := make([]string, len(stale))
	for i, rec := range stale {
		fingerprints[i] = rec.Fingerprint
	}
	return fingerprints, nil
}

func (s *MemStore) DeleteFinished(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for fp, rec := range s.records {
		if (rec.Status == storage.StatusProcessed || rec.Status == storage.StatusRejected) && rec.ReceivedAt.Before(before) {
			delete(s.records, fp)
			deleted++
		}
	}
	return deleted, nil
}

func (s *MemStore) EnsureTables(context.Context) error { return nil }

// Len returns the number of stored records.
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func clone(rec storage.EventRecord) storage.EventRecord {
	if rec.Payload != nil {
		rec.Payload = append([]byte(nil), rec.Payload...)
	}
	if rec.NextAttemptAt != nil {
		t := *rec.NextAttemptAt
		rec.NextAttemptAt = &t
	}
	if rec.ProcessedAt != nil {
		t := *rec.ProcessedAt
		rec.ProcessedAt = &t
	}
	return rec
}
