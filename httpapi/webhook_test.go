package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/overtonx/inbox"
	"github.com/overtonx/inbox/storage"
	"github.com/overtonx/inbox/storage/memstore"
)

const smsNotification = `{"uuid":"evt-1","event":"/restapi/v1.0/account/~/extension/~/message-store","body":{"type":"SMS","id":"42"}}`

func newTestServer(t *testing.T, handler inbox.HandlerFunc, opts ...RouterOption) (*httptest.Server, *memstore.MemStore) {
	t.Helper()
	store := memstore.New()
	registry := inbox.NewRegistry(nil)
	if handler != nil {
		registry.Register(EventTypeSMS, handler)
	}
	processor := inbox.NewProcessor(store, registry, inbox.WithMaxAttempts(2))
	srv := httptest.NewServer(NewRouter(processor, opts...))
	t.Cleanup(srv.Close)
	return srv, store
}

func post(t *testing.T, srv *httptest.Server, body string, headers map[string]string) (*http.Response, map[string]string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/webhook", strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	decoded := map[string]string{}
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestWebhook_ValidationTokenHeader(t *testing.T) {
	srv, store := newTestServer(t, nil)

	resp, _ := post(t, srv, "", map[string]string{ValidationTokenHeader: "tok-123"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "tok-123", resp.Header.Get(ValidationTokenHeader))
	assert.Equal(t, 0, store.Len())
}

func TestWebhook_ValidationTokenBody(t *testing.T) {
	srv, store := newTestServer(t, nil)

	resp, body := post(t, srv, `{"validation_token":"tok-456"}`, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "tok-456", body["validation_token"])
	assert.Equal(t, 0, store.Len())
}

func TestWebhook_ProcessesOnceAndDeduplicates(t *testing.T) {
	var calls atomic.Int32
	srv, store := newTestServer(t, func(_ context.Context, rec storage.EventRecord) error {
		calls.Add(1)
		assert.Equal(t, EventTypeSMS, rec.EventType)
		return nil
	})

	for i := 0; i < 3; i++ {
		resp, body := post(t, srv, smsNotification, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "ok", body["status"])
	}
	assert.Equal(t, int32(1), calls.Load())

	rec, err := store.Get(context.Background(), inbox.Fingerprint("evt-1", nil))
	require.NoError(t, err)
	assert.Equal(t, storage.StatusProcessed, rec.Status)
}

func TestWebhook_HandlerFailureIsQueued(t *testing.T) {
	srv, store := newTestServer(t, func(context.Context, storage.EventRecord) error {
		return errors.New("crm unavailable")
	})

	resp, body := post(t, srv, smsNotification, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "queued", body["status"])

	rec, err := store.Get(context.Background(), "id:evt-1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPendingRetry, rec.Status)
	assert.Equal(t, 1, rec.AttemptCount)
	assert.Equal(t, "crm unavailable", rec.LastError)

	// The provider redelivering the same event is a duplicate, not a new attempt.
	_, body = post(t, srv, smsNotification, nil)
	assert.Equal(t, "ok", body["status"])
	rec, err = store.Get(context.Background(), "id:evt-1")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.AttemptCount)
}

func TestWebhook_FingerprintsBodyWithoutProviderID(t *testing.T) {
	srv, store := newTestServer(t, nil)
	payload := `{"event":"/restapi/v1.0/account/~/presence","body":{"extensionId":7}}`

	resp, _ := post(t, srv, payload, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	rec, err := store.Get(context.Background(), inbox.Fingerprint("", []byte(payload)))
	require.NoError(t, err)
	assert.Equal(t, EventTypePresence, rec.EventType)
	assert.Equal(t, storage.StatusProcessed, rec.Status)
}

func TestWebhook_ProductionModeSignature(t *testing.T) {
	var calls atomic.Int32
	srv, store := newTestServer(t, func(context.Context, storage.EventRecord) error {
		calls.Add(1)
		return nil
	}, WithWebhookConfig(WebhookConfig{Secret: "s3cret", ProductionMode: true}))

	resp, body := post(t, srv, smsNotification, map[string]string{DefaultSignatureHeader: "deadbeef"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "Invalid signature", body["message"])

	rejected, err := store.Get(context.Background(), inbox.Fingerprint("", []byte(smsNotification)))
	require.NoError(t, err)
	assert.Equal(t, storage.StatusRejected, rejected.Status)
	assert.Equal(t, "Invalid signature", rejected.LastError)

	// A rejected forgery must not block the genuine delivery of the same id.
	sig := strings.ToUpper(Sign("s3cret", []byte(smsNotification)))
	resp, body = post(t, srv, smsNotification, map[string]string{DefaultSignatureHeader: sig})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, int32(1), calls.Load())
}

func TestWebhook_ProductionModeWithoutSecret(t *testing.T) {
	srv, store := newTestServer(t, nil, WithWebhookConfig(WebhookConfig{ProductionMode: true}))

	resp, body := post(t, srv, smsNotification, nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "Configuration error", body["message"])
	assert.Equal(t, 0, store.Len())
}

func TestWebhook_SignatureOptionalOutsideProduction(t *testing.T) {
	srv, store := newTestServer(t, nil, WithWebhookConfig(WebhookConfig{Secret: "s3cret"}))

	resp, _ := post(t, srv, smsNotification, map[string]string{DefaultSignatureHeader: "bad"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 0, store.Len(), "outside production mode bad signatures are not stored")

	resp, _ = post(t, srv, smsNotification, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, store.Len())
}

func TestWebhook_IPAllowlist(t *testing.T) {
	cfg := WebhookConfig{
		Secret:         "s3cret",
		ProductionMode: true,
		AllowedIPs:     []netip.Prefix{netip.MustParsePrefix("104.146.0.0/16")},
	}
	srv, store := newTestServer(t, nil, WithWebhookConfig(cfg))
	sig := Sign("s3cret", []byte(smsNotification))

	resp, body := post(t, srv, smsNotification, map[string]string{
		"X-Forwarded-For":      "10.0.0.1, 104.146.1.1",
		DefaultSignatureHeader: sig,
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "Unauthorized", body["message"])

	rec, err := store.Get(context.Background(), inbox.Fingerprint("", []byte(smsNotification)))
	require.NoError(t, err)
	assert.Equal(t, storage.StatusRejected, rec.Status)
	assert.Equal(t, "Unauthorized IP", rec.LastError)

	resp, _ = post(t, srv, smsNotification, map[string]string{
		"X-Real-IP":            "104.146.20.3",
		DefaultSignatureHeader: sig,
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGetEvent(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	post(t, srv, smsNotification, nil)

	resp, err := srv.Client().Get(srv.URL + "/events/id:evt-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var view eventView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	assert.Equal(t, "id:evt-1", view.Fingerprint)
	assert.Equal(t, "processed", view.Status)
	assert.NotNil(t, view.ProcessedAt)

	missing, err := srv.Client().Get(srv.URL + "/events/id:nope")
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestRetryEvent(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)
	var calls atomic.Int32
	srv, _ := newTestServer(t, func(context.Context, storage.EventRecord) error {
		calls.Add(1)
		if failing.Load() {
			return errors.New("downstream unavailable")
		}
		return nil
	})

	resp, body := post(t, srv, smsNotification, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "queued", body["status"])

	retry := func(fingerprint string) (*http.Response, retryResponse) {
		t.Helper()
		resp, err := srv.Client().Post(srv.URL+"/events/"+fingerprint+"/retry", "application/json", nil)
		require.NoError(t, err)
		defer resp.Body.Close()
		var view retryResponse
		_ = json.NewDecoder(resp.Body).Decode(&view)
		return resp, view
	}

	failing.Store(false)
	resp, view := retry("id:evt-1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", view.Status)
	assert.Equal(t, "processed", view.EventStatus)
	assert.Equal(t, 1, view.AttemptCount)
	assert.Equal(t, int32(2), calls.Load())

	resp, _ = retry("id:evt-1")
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "processed events cannot be retried")
	assert.Equal(t, int32(2), calls.Load())

	resp, _ = retry("id:unknown")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRetryEvent_NotPending(t *testing.T) {
	srv, store := newTestServer(t, nil)
	_, err := inbox.NewDeduplicator(store).Admit(context.Background(), "id:in-flight", []byte("{}"))
	require.NoError(t, err)

	resp, err := srv.Client().Post(srv.URL+"/events/id:in-flight/retry", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestWebhook_BodyTooLarge(t *testing.T) {
	srv, store := newTestServer(t, nil, WithWebhookConfig(WebhookConfig{MaxBodyBytes: 16}))

	resp, body := post(t, srv, smsNotification, nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Equal(t, "Body too large", body["message"])
	assert.Equal(t, 0, store.Len())
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("connection reset by peer") }

func TestWebhook_BodyReadError(t *testing.T) {
	store := memstore.New()
	router := NewRouter(inbox.NewProcessor(store, nil))

	req := httptest.NewRequest(http.MethodPost, "/webhook", failingReader{})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "Invalid body", body["message"])
	assert.Equal(t, 0, store.Len())
}

func TestNewRouter_WarnsOnOpenProductionAllowlist(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	processor := inbox.NewProcessor(memstore.New(), nil)

	NewRouter(processor, WithRouterLogger(zap.New(core)),
		WithWebhookConfig(WebhookConfig{Secret: "s3cret", ProductionMode: true}))
	assert.Equal(t, 1, logs.FilterMessageSnippet("without an IP allowlist").Len())

	NewRouter(processor, WithRouterLogger(zap.New(core)), WithWebhookConfig(WebhookConfig{
		Secret:         "s3cret",
		ProductionMode: true,
		AllowedIPs:     []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")},
	}))
	assert.Equal(t, 1, logs.FilterMessageSnippet("without an IP allowlist").Len())
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, nil,
		WithVersion("test"),
		WithWorkerNames(func() []string { return []string{"retry", "cleanup"} }))

	resp, err := srv.Client().Get(srv.URL + "/webhook/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status  string   `json:"status"`
		Version string   `json:"version"`
		Workers []string `json:"workers"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "test", body.Version)
	assert.Equal(t, []string{"retry", "cleanup"}, body.Workers)
}

func TestResponseStatus(t *testing.T) {
	assert.Equal(t, "ok", responseStatus(inbox.Result{Decision: inbox.DecisionAccepted, Status: inbox.StatusProcessed}))
	assert.Equal(t, "queued", responseStatus(inbox.Result{Decision: inbox.DecisionAccepted, Status: inbox.StatusPendingRetry}))
	assert.Equal(t, "queued", responseStatus(inbox.Result{Decision: inbox.DecisionAccepted, Status: inbox.StatusFailed}))
	assert.Equal(t, "ok", responseStatus(inbox.Result{Decision: inbox.DecisionDuplicate, Status: inbox.StatusFailed}))
}
