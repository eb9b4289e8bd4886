// Package httpapi exposes the inbox over HTTP: the webhook endpoint that
// feeds inbox.Processor, a health check, event lookup, manual retry and
// metrics.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type RouterOption func(*routerOptions)

type routerOptions struct {
	logger         *zap.Logger
	webhook        WebhookConfig
	workerNames    func() []string
	metricsHandler http.Handler
	version        string
}

func WithRouterLogger(logger *zap.Logger) RouterOption {
	return func(o *routerOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithWebhookConfig(cfg WebhookConfig) RouterOption {
	return func(o *routerOptions) {
		o.webhook = cfg
	}
}

// WithWorkerNames reports the running background workers in the health check.
func WithWorkerNames(names func() []string) RouterOption {
	return func(o *routerOptions) {
		o.workerNames = names
	}
}

// WithMetricsHandler replaces the default promhttp handler served on /metrics.
func WithMetricsHandler(handler http.Handler) RouterOption {
	return func(o *routerOptions) {
		if handler != nil {
			o.metricsHandler = handler
		}
	}
}

func WithVersion(version string) RouterOption {
	return func(o *routerOptions) {
		o.version = version
	}
}

func NewRouter(ingester Ingester, opts ...RouterOption) http.Handler {
	o := routerOptions{
		logger:         zap.NewNop(),
		metricsHandler: promhttp.Handler(),
		workerNames:    func() []string { return nil },
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.webhook.SignatureHeader == "" {
		o.webhook.SignatureHeader = DefaultSignatureHeader
	}
	if o.webhook.MaxBodyBytes <= 0 {
		o.webhook.MaxBodyBytes = defaultMaxBodyBytes
	}
	if o.webhook.ProductionMode && len(o.webhook.AllowedIPs) == 0 {
		o.logger.Warn("Production mode without an IP allowlist accepts webhooks from any address")
	}

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(requestLogger(o.logger))
	r.Use(chimiddleware.Recoverer)

	r.Method(http.MethodPost, "/webhook", &webhookHandler{ingester: ingester, cfg: o.webhook, logger: o.logger})
	r.Get("/webhook/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"version":   o.version,
			"workers":   o.workerNames(),
		})
	})
	r.Get("/events/{fingerprint}", getEvent(ingester, o.logger))
	r.Post("/events/{fingerprint}/retry", retryEvent(ingester, o.logger))
	r.Handle("/metrics", o.metricsHandler)

	o.logger.Info("Registered routes",
		zap.Strings("routes", []string{"POST /webhook", "GET /webhook/health", "GET /events/{fingerprint}", "POST /events/{fingerprint}/retry", "GET /metrics"}))

	return r
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Debug("HTTP request",
					zap.String("request_id", chimiddleware.GetReqID(r.Context())),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("elapsed", time.Since(start)),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
