// Package observability exposes Prometheus metrics for the economy
// engine. Counters are registered once via promauto; services record
// into them directly and the daemon serves them on /metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LedgerEntries counts applied journal entries by type.
	LedgerEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tomoyo",
		Subsystem: "ledger",
		Name:      "entries_total",
		Help:      "Ledger entries applied, by entry type.",
	}, []string{"entry_type"})

	// SweepSettlements counts rows settled by the deadline sweeps.
	SweepSettlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tomoyo",
		Subsystem: "scheduler",
		Name:      "sweep_settlements_total",
		Help:      "Deadline settlements performed, by sweep.",
	}, []string{"sweep"})

	// SweepErrors counts sweep runs that returned an error.
	SweepErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tomoyo",
		Subsystem: "scheduler",
		Name:      "sweep_errors_total",
		Help:      "Sweep runs that failed, by sweep.",
	}, []string{"sweep"})

	// MembersBanned counts members settled into the banned state.
	MembersBanned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tomoyo",
		Subsystem: "lifecycle",
		Name:      "members_banned_total",
		Help:      "Members banned after their countdown expired.",
	})

	// FreezeActivations counts freeze activations by result kind.
	FreezeActivations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tomoyo",
		Subsystem: "lifecycle",
		Name:      "freeze_activations_total",
		Help:      "Freeze activation attempts, by result.",
	}, []string{"result"})

	// ReviewOutcomes counts closed review sessions by terminal stage.
	ReviewOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tomoyo",
		Subsystem: "review",
		Name:      "outcomes_total",
		Help:      "Review sessions closed, by terminal stage.",
	}, []string{"stage"})

	// StorageBusy counts transactions that exhausted their contention
	// retries.
	StorageBusy = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tomoyo",
		Subsystem: "storage",
		Name:      "busy_total",
		Help:      "Transactions abandoned after bounded busy retries.",
	})

	// HTTPRequests counts API requests by route and status class.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tomoyo",
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "API requests served, by route and status class.",
	}, []string{"route", "status"})
)
