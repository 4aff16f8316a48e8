package plane

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warden_sessions_created_total",
		Help: "Sessions successfully created.",
	})

	metricSessionsReplayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warden_sessions_replayed_total",
		Help: "Create requests answered from the idempotency journal.",
	})

	metricCreatesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_creates_rejected_total",
		Help: "Create requests rejected, by reason.",
	}, []string{"reason"})

	metricBudgetRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warden_budget_rejections_total",
		Help: "Reservations refused by the budget ledger.",
	})

	metricReconciliations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_reconciliations_total",
		Help: "Reservation finalizations, by outcome.",
	}, []string{"outcome"})

	metricSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "warden_sessions_active",
		Help: "Tracked sessions not yet observed terminal.",
	})

	metricWatchPolls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warden_watch_polls_total",
		Help: "Provider polls issued by watch streams.",
	})

	metricTransferBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_transfer_bytes_total",
		Help: "Sandbox file bytes moved, by direction.",
	}, []string{"direction"})
)
