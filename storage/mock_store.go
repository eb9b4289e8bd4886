package storage

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

// MockStore is a mock implementation of the Store interface for testing.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) Get(ctx context.Context, fingerprint string) (EventRecord, error) {
	args := m.Called(ctx, fingerprint)
	return args.Get(0).(EventRecord), args.Error(1)
}

func (m *MockStore) InsertIfAbsent(ctx context.Context, record EventRecord) (bool, error) {
	args := m.Called(ctx, record)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) CompareAndSwap(ctx context.Context, expected Version, next EventRecord) (bool, error) {
	args := m.Called(ctx, expected, next)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) FetchDueForRetry(ctx context.Context, now time.Time, batchSize int) ([]string, error) {
	args := m.Called(ctx, now, batchSize)
	fingerprints, _ := args.Get(0).([]string)
	return fingerprints, args.Error(1)
}

func (m *MockStore) FetchStale(ctx context.Context, updatedBefore time.Time, batchSize int) ([]string, error) {
	args := m.Called(ctx, updatedBefore, batchSize)
	fingerprints, _ := args.Get(0).([]string)
	return fingerprints, args.Error(1)
}

func (m *MockStore) DeleteFinished(ctx context.Context, before time.Time) (int64, error) {
	args := m.Called(ctx, before)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) EnsureTables(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
