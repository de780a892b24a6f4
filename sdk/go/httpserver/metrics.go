// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Instrument returns a handler that passes requests through to next
// and tracks request counts and durations in registry.
//
// If registry is nil, a new registry is created.
func Instrument(registry *prometheus.Registry, next http.Handler) http.Handler {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	reqDuration := prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Namespace: "autotest",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Summary of request duration.",
	}, []string{"code", "method"})
	reqCount := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "autotest",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Number of requests handled.",
	}, []string{"code", "method"})
	registry.MustRegister(reqDuration, reqCount)
	return promhttp.InstrumentHandlerDuration(reqDuration,
		promhttp.InstrumentHandlerCounter(reqCount, next))
}

// MetricsHandler serves the metrics in registry in the Prometheus
// text format.
func MetricsHandler(registry *prometheus.Registry, logger logrus.FieldLogger) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		ErrorLog: logger,
	})
}
