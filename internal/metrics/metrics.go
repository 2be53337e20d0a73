// Package metrics объявляет счётчики и гистограммы Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LifecycleTransitions считает переходы машины состояний по типу.
	LifecycleTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "membership_lifecycle_transitions_total",
		Help: "Billing lifecycle transitions by kind.",
	}, []string{"transition"})

	// NotificationsSent считает успешно доставленные уведомления по каналу.
	NotificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "membership_notifications_sent_total",
		Help: "Notifications delivered successfully, by channel.",
	}, []string{"channel"})

	// NotificationsFailed считает сбои доставки. Ключ каденции при этом
	// всё равно записывается, повторной отправки не будет.
	NotificationsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "membership_notifications_failed_total",
		Help: "Notification delivery failures, by channel.",
	}, []string{"channel"})

	// DriftIssuesFound считает находки сверки по типу.
	DriftIssuesFound = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "membership_drift_issues_total",
		Help: "Drift issues found by reconciliation, by type.",
	}, []string{"type"})

	// DriftIssuesFixed считает исправленные находки.
	DriftIssuesFixed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "membership_drift_issues_fixed_total",
		Help: "Drift issues fixed automatically.",
	})

	// PollTickDuration — длительность одного тика поллера.
	PollTickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "membership_poll_tick_duration_seconds",
		Help:    "Duration of one billing poll tick.",
		Buckets: prometheus.DefBuckets,
	})
)
