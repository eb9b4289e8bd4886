package inbox

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/overtonx/inbox/storage"
	"github.com/overtonx/inbox/storage/memstore"
)

// recordingTxManager counts transactions and reports the error each ended with.
type recordingTxManager struct {
	calls  int32
	errors []error
}

func (m *recordingTxManager) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	atomic.AddInt32(&m.calls, 1)
	err := fn(ctx)
	m.errors = append(m.errors, err)
	return err
}

func TestProcessor_Ingest_Success(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	var handled []storage.EventRecord
	registry := NewRegistry(nil).RegisterFunc("sms", func(_ context.Context, rec storage.EventRecord) error {
		handled = append(handled, rec)
		return nil
	})
	txm := &recordingTxManager{}
	p := NewProcessor(store, registry, WithTxManager(txm))

	event := InboundEvent{Fingerprint: "evt-1", EventType: "sms", Payload: []byte(`{"text":"hi"}`)}
	res, err := p.Ingest(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, DecisionAccepted, res.Decision)
	assert.Equal(t, StatusProcessed, res.Status)
	assert.Equal(t, 0, res.Attempts)
	require.Len(t, handled, 1)
	assert.Equal(t, event.Payload, handled[0].Payload)
	assert.Equal(t, int32(1), atomic.LoadInt32(&txm.calls))

	res, err = p.Ingest(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, DecisionDuplicate, res.Decision)
	assert.Equal(t, StatusProcessed, res.Status)
	assert.Len(t, handled, 1, "duplicates are not dispatched")
}

func TestProcessor_Ingest_HandlerFailure(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	registry := NewRegistry(nil).RegisterFunc("fax", func(context.Context, storage.EventRecord) error {
		return errors.New("fax gateway down")
	})
	txm := &recordingTxManager{}
	p := NewProcessor(store, registry, WithTxManager(txm), WithMaxAttempts(3), fixedClock(now))

	res, err := p.Ingest(ctx, InboundEvent{Fingerprint: "evt-1", EventType: "fax"})
	require.NoError(t, err, "handler failures are recorded, not returned")
	assert.Equal(t, DecisionAccepted, res.Decision)
	assert.Equal(t, StatusPendingRetry, res.Status)
	assert.Equal(t, 1, res.Attempts)
	require.NotNil(t, res.NextAttemptAt)
	assert.Equal(t, now.Add(5*time.Minute), *res.NextAttemptAt)

	require.Len(t, txm.errors, 1)
	assert.Error(t, txm.errors[0], "the transaction is rolled back on handler failure")

	rec, err := p.Get(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, "fax gateway down", rec.LastError)
}

func TestProcessor_Ingest_HandlerPanic(t *testing.T) {
	registry := NewRegistry(nil).RegisterFunc("sms", func(context.Context, storage.EventRecord) error {
		panic("nil map")
	})
	p := NewProcessor(memstore.New(), registry)

	res, err := p.Ingest(context.Background(), InboundEvent{Fingerprint: "evt-1", EventType: "sms"})
	require.NoError(t, err)
	assert.Equal(t, StatusPendingRetry, res.Status)

	rec, err := p.Get(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.Contains(t, rec.LastError, "handler panic: nil map")
}

func TestProcessor_Ingest_UnknownTypeSucceeds(t *testing.T) {
	p := NewProcessor(memstore.New(), nil)

	res, err := p.Ingest(context.Background(), InboundEvent{Fingerprint: "evt-1", EventType: "meeting"})
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, res.Status)
}

func TestProcessor_Ingest_StorageError(t *testing.T) {
	mockStore := new(storage.MockStore)
	mockStore.On("InsertIfAbsent", mock.Anything, mock.Anything).Return(false, errors.New("read-only replica")).Once()

	_, err := NewProcessor(mockStore, nil).Ingest(context.Background(), InboundEvent{Fingerprint: "evt-1"})
	assert.ErrorIs(t, err, ErrStorage)
	mockStore.AssertExpectations(t)
}

func TestProcessor_Reject(t *testing.T) {
	ctx := context.Background()
	p := NewProcessor(memstore.New(), nil)
	event := InboundEvent{Fingerprint: "evt-1", EventType: "sms"}

	decision, err := p.Reject(ctx, event, "ip not allowed")
	require.NoError(t, err)
	assert.Equal(t, DecisionAccepted, decision)

	res, err := p.Ingest(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, DecisionDuplicate, res.Decision)
	assert.Equal(t, StatusRejected, res.Status)
}

func TestProcessor_Get_NotFound(t *testing.T) {
	_, err := NewProcessor(memstore.New(), nil).Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrEventNotFound)
}

func TestProcessor_RetryNow(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	var failing atomic.Bool
	failing.Store(true)
	var calls atomic.Int32
	registry := NewRegistry(nil).RegisterFunc("sms", func(context.Context, storage.EventRecord) error {
		calls.Add(1)
		if failing.Load() {
			return errors.New("carrier timeout")
		}
		return nil
	})
	p := NewProcessor(store, registry, WithMaxAttempts(3), fixedClock(now))

	res, err := p.Ingest(ctx, InboundEvent{Fingerprint: "evt-1", EventType: "sms"})
	require.NoError(t, err)
	require.Equal(t, StatusPendingRetry, res.Status)
	require.True(t, res.NextAttemptAt.After(now), "the scheduled retry is not due yet")

	failing.Store(false)
	res, err = p.RetryNow(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, res.Status)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, int32(2), calls.Load())

	_, err = p.RetryNow(ctx, "evt-1")
	assert.ErrorIs(t, err, ErrEventTerminal)
	assert.Equal(t, int32(2), calls.Load(), "terminal events are not dispatched")
}

func TestProcessor_RetryNow_FailureKeepsBudget(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry(nil).RegisterFunc("sms", func(context.Context, storage.EventRecord) error {
		return errors.New("carrier timeout")
	})
	p := NewProcessor(memstore.New(), registry, WithMaxAttempts(2))

	_, err := p.Ingest(ctx, InboundEvent{Fingerprint: "evt-1", EventType: "sms"})
	require.NoError(t, err)

	res, err := p.RetryNow(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, 2, res.Attempts)
}

func TestProcessor_RetryNow_Rejections(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	p := NewProcessor(store, nil)

	_, err := p.RetryNow(ctx, "missing")
	assert.ErrorIs(t, err, ErrEventNotFound)

	_, err = p.RetryNow(ctx, "")
	assert.ErrorIs(t, err, ErrEmptyFingerprint)

	admitted(t, store, "in-flight")
	_, err = p.RetryNow(ctx, "in-flight")
	assert.ErrorIs(t, err, ErrEventNotPending)

	_, err = p.Reject(ctx, InboundEvent{Fingerprint: "bad-sig"}, "Invalid signature")
	require.NoError(t, err)
	_, err = p.RetryNow(ctx, "bad-sig")
	assert.ErrorIs(t, err, ErrEventTerminal)
}

func TestProcessor_Ingest_LostSwapInsideTransaction(t *testing.T) {
	rec := storage.EventRecord{Fingerprint: "evt-1", EventType: "sms", Status: storage.StatusReceived, MaxAttempts: 3}
	mockStore := new(storage.MockStore)
	mockStore.On("InsertIfAbsent", mock.Anything, mock.Anything).Return(true, nil).Once()
	mockStore.On("Get", mock.Anything, "evt-1").Return(rec, nil)
	mockStore.On("CompareAndSwap", mock.Anything, rec.Version(), mock.Anything).Return(false, nil)

	var calls atomic.Int32
	registry := NewRegistry(nil).RegisterFunc("sms", func(context.Context, storage.EventRecord) error {
		calls.Add(1)
		return nil
	})
	txm := &recordingTxManager{}
	p := NewProcessor(mockStore, registry, WithTxManager(txm))

	_, err := p.Ingest(context.Background(), InboundEvent{Fingerprint: "evt-1", EventType: "sms"})
	assert.ErrorIs(t, err, ErrConcurrentUpdate)
	assert.Equal(t, int32(1), calls.Load())
	mockStore.AssertNumberOfCalls(t, "CompareAndSwap", 1)

	require.Len(t, txm.errors, 1)
	assert.ErrorIs(t, txm.errors[0], ErrConcurrentUpdate, "the handler's transaction is rolled back")
}

func TestProcessor_ProcessDue(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	clock := &steppingClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}

	var failing atomic.Bool
	failing.Store(true)
	var calls atomic.Int32
	registry := NewRegistry(nil).RegisterFunc("sms", func(context.Context, storage.EventRecord) error {
		calls.Add(1)
		if failing.Load() {
			return errors.New("unavailable")
		}
		return nil
	})
	p := NewProcessor(store, registry, WithClock(clock.Now), WithConcurrency(2), WithBatchSize(10))

	for _, fp := range []string{"a", "b", "c"} {
		res, err := p.Ingest(ctx, InboundEvent{Fingerprint: fp, EventType: "sms"})
		require.NoError(t, err)
		require.Equal(t, StatusPendingRetry, res.Status)
	}
	require.Equal(t, int32(3), calls.Load())

	// Not yet due.
	require.NoError(t, p.ProcessDue(ctx))
	assert.Equal(t, int32(3), calls.Load())

	clock.mu.Lock()
	clock.now = clock.now.Add(time.Hour)
	clock.mu.Unlock()
	failing.Store(false)

	require.NoError(t, p.ProcessDue(ctx))
	assert.Equal(t, int32(6), calls.Load())

	for _, fp := range []string{"a", "b", "c"} {
		rec, err := store.Get(ctx, fp)
		require.NoError(t, err)
		assert.Equal(t, StatusProcessed, rec.Status)
		assert.Equal(t, 1, rec.AttemptCount)
	}

	due, err := p.RetryScheduler().DueForRetry(ctx, clock.Now().Add(24*time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestProcessor_ProcessDue_FetchError(t *testing.T) {
	mockStore := new(storage.MockStore)
	mockStore.On("FetchDueForRetry", mock.Anything, mock.Anything, defaultBatchSize).Return(nil, errors.New("gone")).Once()

	err := NewProcessor(mockStore, nil).ProcessDue(context.Background())
	assert.ErrorIs(t, err, ErrStorage)
}
