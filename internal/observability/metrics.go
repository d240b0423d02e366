package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	sessionsLive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "heartline",
		Subsystem: "sessions",
		Name:      "live",
		Help:      "Registered sessions.",
	})
	usersOnline = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "heartline",
		Subsystem: "presence",
		Name:      "users_online",
		Help:      "Users with at least one live session.",
	})
	sessionsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "heartline",
			Subsystem: "sessions",
			Name:      "closed_total",
			Help:      "Closed sessions by reason.",
		},
		[]string{"reason"},
	)
	callsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "heartline",
			Subsystem: "calls",
			Name:      "finished_total",
			Help:      "Invitations reaching a terminal state.",
		},
		[]string{"state", "kind"},
	)
	callsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "heartline",
			Subsystem: "calls",
			Name:      "failed_total",
			Help:      "Call operations rejected by the router.",
		},
		[]string{"reason"},
	)
	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "heartline",
			Subsystem: "notifications",
			Name:      "dispatched_total",
			Help:      "Notification dispatches by outcome.",
		},
		[]string{"kind", "outcome"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(sessionsLive, usersOnline, sessionsClosed, callsFinished, callsFailed, notifications)
	})
}

func SetLive(sessions, users int) {
	sessionsLive.Set(float64(sessions))
	usersOnline.Set(float64(users))
}

func RecordSessionClosed(reason string) {
	sessionsClosed.WithLabelValues(reason).Inc()
}

func RecordCallFinished(state, kind string) {
	callsFinished.WithLabelValues(state, kind).Inc()
}

func RecordCallFailed(reason string) {
	callsFailed.WithLabelValues(reason).Inc()
}

// RecordNotification outcome is one of pushed, queued, failed.
func RecordNotification(kind, outcome string) {
	notifications.WithLabelValues(kind, outcome).Inc()
}
