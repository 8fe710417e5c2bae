// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package instrument exports the swarmsync prometheus metrics.
package instrument

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/op/go-logging.v1"
)

// Push outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeSkipped = "skipped"
	OutcomePanic   = "panic"
)

var (
	pushAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swarmsync_push_attempts_total",
			Help: "Number of push attempts per scope kind and outcome",
		},
		[]string{"scope", "outcome"},
	)
	pushDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "swarmsync_push_duration_seconds",
			Help:    "Duration of a scope push attempt",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"scope"},
	)
	pushReruns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swarmsync_push_reruns_total",
			Help: "Number of notifications folded into a push already in flight",
		},
		[]string{"scope"},
	)
	storeRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swarmsync_store_requests_total",
			Help: "Number of swarm store requests per namespace and outcome",
		},
		[]string{"namespace", "outcome"},
	)
	deleteFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swarmsync_delete_failures_total",
			Help: "Number of failed obsolete hash deletions per namespace",
		},
		[]string{"namespace"},
	)
	pushNotifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swarmsync_push_notifications_total",
			Help: "Number of incoming push notifications per format and outcome",
		},
		[]string{"format", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(pushAttempts)
	prometheus.MustRegister(pushDuration)
	prometheus.MustRegister(pushReruns)
	prometheus.MustRegister(storeRequests)
	prometheus.MustRegister(deleteFailures)
	prometheus.MustRegister(pushNotifications)
}

// PushAttempt records the outcome and duration of one scope push.
func PushAttempt(scope, outcome string, d time.Duration) {
	pushAttempts.WithLabelValues(scope, outcome).Inc()
	pushDuration.WithLabelValues(scope).Observe(d.Seconds())
}

// PushRerun increments the counter of notifications folded into a rerun.
func PushRerun(scope string) {
	pushReruns.WithLabelValues(scope).Inc()
}

// StoreRequest increments the counter of store requests.
func StoreRequest(namespace string, ok bool) {
	storeRequests.WithLabelValues(namespace, outcome(ok)).Inc()
}

// DeleteFailed increments the counter of failed obsolete hash deletions.
func DeleteFailed(namespace string) {
	deleteFailures.WithLabelValues(namespace).Inc()
}

// PushNotification increments the counter of decoded push notifications.
func PushNotification(format string, ok bool) {
	pushNotifications.WithLabelValues(format, outcome(ok)).Inc()
}

func outcome(ok bool) string {
	if ok {
		return OutcomeSuccess
	}
	return OutcomeFailure
}

// StartPrometheusListener serves the registered metrics on addr under
// /metrics. The returned server is shut down by the caller.
func StartPrometheusListener(log *logging.Logger, addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Prometheus listener on %v failed: %v", addr, err)
		}
	}()
	log.Noticef("Serving metrics on http://%v/metrics", addr)
	return srv
}
