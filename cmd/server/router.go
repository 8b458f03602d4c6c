package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lexiqai/asr-gateway/internal/bus"
	"github.com/lexiqai/asr-gateway/internal/config"
	"github.com/lexiqai/asr-gateway/internal/observability"
	"github.com/lexiqai/asr-gateway/internal/relay"
	"github.com/lexiqai/asr-gateway/internal/resilience"
	"github.com/lexiqai/asr-gateway/internal/stt"
)

const readinessTimeout = 10 * time.Second

// newRouter wires the relay, health, readiness and metrics endpoints.
// publisher may be nil when transcript fan-out is disabled.
func newRouter(cfg *config.Config, publisher *bus.Publisher) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	var sink relay.TranscriptPublisher
	if publisher != nil {
		sink = publisher
	}
	r.Get("/streams/asr", relay.NewServer(cfg, sink).HandleASRStream())

	r.Get("/health", observability.HealthCheckHandler())

	// Readiness: the recognition service must accept a session
	checks := map[string]observability.HealthCheckFunc{
		"asr": func(ctx context.Context) (bool, error) {
			err := resilience.Retry(ctx, func(ctx context.Context) error {
				return probeSession(ctx, cfg)
			}, cfg.Retry(), resilience.IsRetryableNetworkError)
			return err == nil, err
		},
	}
	if publisher != nil {
		checks["nats"] = func(ctx context.Context) (bool, error) {
			if !publisher.Healthy() {
				return false, errors.New("not connected")
			}
			return true, nil
		}
	}
	r.Get("/ready", observability.ReadinessHandler(checks, readinessTimeout))

	if cfg.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

// probeSession opens and closes a session without sending audio
func probeSession(ctx context.Context, cfg *config.Config) error {
	session, err := stt.Open(ctx, cfg.Session(), nil,
		stt.WithLogger(observability.Component("readiness")))
	if err != nil {
		return err
	}
	return session.Close(ctx)
}
