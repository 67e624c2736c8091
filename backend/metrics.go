// Copyright 2026 MedFlow Clinic
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus instruments of the record API.
type Metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	records  *prometheus.CounterVec
}

// NewMetrics registers the record API metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medflow_record_api_requests_total",
			Help: "Record API requests by method, route and status code.",
		}, []string{"method", "route", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "medflow_record_api_request_seconds",
			Help:    "Record API request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medflow_record_mutations_total",
			Help: "Record mutations by entity type and operation.",
		}, []string{"entity_type", "op"}),
	}
	reg.MustRegister(m.requests, m.duration, m.records)
	return m
}

// ObserveMutation counts one applied record mutation.
func (m *Metrics) ObserveMutation(entityType, op string) {
	m.records.WithLabelValues(entityType, op).Inc()
}

// Middleware instruments every request with count and latency, labeled
// by chi route pattern rather than raw path to bound cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		m.requests.WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).Inc()
		m.duration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
