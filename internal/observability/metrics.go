package observability

import "github.com/prometheus/client_golang/prometheus"

// Domain collectors. HTTP-level metrics live in the middleware package; these
// count ledger and task lifecycle events with bounded label sets.
var (
	// CreditsConsumed counts credits taken from lots, by source type.
	CreditsConsumed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credits_consumed_total",
			Help: "Total credits consumed from credit lots.",
		},
		[]string{"source_type"},
	)

	// CreditsGranted counts credits added through new lots, by trans type.
	CreditsGranted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credits_granted_total",
			Help: "Total credits granted through new credit lots.",
		},
		[]string{"trans_type"},
	)

	// InsufficientCredits counts rejected consumptions.
	InsufficientCredits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "credits_insufficient_total",
			Help: "Number of consume attempts rejected for insufficient balance.",
		},
	)

	// TaskTransitions counts applied task status changes by target status and
	// the channel that applied them (create, start, poll, webhook).
	TaskTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "task_transitions_total",
			Help: "Applied task status transitions.",
		},
		[]string{"status", "channel"},
	)

	// TransitionConflicts counts conditional writes that lost a race.
	TransitionConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "task_transition_conflicts_total",
			Help: "Task transitions that found the status already changed.",
		},
		[]string{"channel"},
	)

	// ProviderCalls counts provider adapter calls by operation and outcome.
	ProviderCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_calls_total",
			Help: "Generation provider calls.",
		},
		[]string{"op", "outcome"},
	)

	// WebhookDeliveries counts webhook deliveries by processing result.
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_deliveries_total",
			Help: "Provider webhook deliveries by processing result.",
		},
		[]string{"result"},
	)

	// GuestGrants counts guest gate decisions.
	GuestGrants = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guest_credit_grants_total",
			Help: "Guest credit gate decisions.",
		},
		[]string{"granted"},
	)

	// OrphanedJobs counts provider jobs recorded as orphaned.
	OrphanedJobs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orphaned_jobs_total",
			Help: "Provider jobs accepted but not committed.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		CreditsConsumed,
		CreditsGranted,
		InsufficientCredits,
		TaskTransitions,
		TransitionConflicts,
		ProviderCalls,
		WebhookDeliveries,
		GuestGrants,
		OrphanedJobs,
	)
}
