package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection metrics
var (
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "twmailer_connections_total",
			Help: "Total number of connections established",
		},
		[]string{"protocol"},
	)

	ConnectionsCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "twmailer_connections_current",
			Help: "Current number of active connections",
		},
		[]string{"protocol"},
	)

	AuthenticatedConnectionsCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "twmailer_authenticated_connections_current",
			Help: "Current number of authenticated connections",
		},
		[]string{"protocol"},
	)

	ConnectionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "twmailer_connection_duration_seconds",
			Help:    "Duration of connections in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"protocol"},
	)

	ConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "twmailer_connections_rejected_total",
			Help: "Connections refused by the connection limiter",
		},
		[]string{"protocol", "reason"},
	)

	// result is one of success, failure, error, blacklisted
	AuthenticationAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "twmailer_authentication_attempts_total",
			Help: "Total number of authentication attempts",
		},
		[]string{"protocol", "result"},
	)
)

// Protocol metrics
var (
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "twmailer_commands_total",
			Help: "Total number of protocol commands processed",
		},
		[]string{"protocol", "command", "status"},
	)

	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "twmailer_command_duration_seconds",
			Help:    "Time spent handling a protocol command",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
		[]string{"protocol", "command"},
	)

	FramingErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "twmailer_framing_errors_total",
			Help: "Requests rejected because of malformed or oversized framing",
		},
		[]string{"protocol", "reason"},
	)
)

// Blacklist metrics
var (
	BlacklistAdditions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "twmailer_blacklist_additions_total",
			Help: "Number of times a source address was added to the blacklist",
		},
	)

	BlacklistRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "twmailer_blacklist_rejections_total",
			Help: "Login attempts refused because the source address was blacklisted",
		},
		[]string{"protocol"},
	)

	BlacklistEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "twmailer_blacklist_entries",
			Help: "Active blacklist entries as of the last sweep",
		},
	)

	BlacklistSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "twmailer_blacklist_swept_total",
			Help: "Expired blacklist entries removed by sweeping",
		},
	)
)

// Mail store metrics
var (
	MailstoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "twmailer_mailstore_operations_total",
			Help: "Mailbox store operations by outcome",
		},
		[]string{"operation", "status"},
	)

	MailstoreOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "twmailer_mailstore_operation_duration_seconds",
			Help:    "Duration of mailbox store operations, lock wait included",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		},
		[]string{"operation"},
	)

	MailstoreLockWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "twmailer_mailstore_lock_wait_seconds",
			Help:    "Time spent waiting for the store-wide lock",
			Buckets: []float64{0.00001, 0.0001, 0.001, 0.01, 0.1, 1.0},
		},
	)

	MessagesDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "twmailer_messages_delivered_total",
			Help: "Messages written to a mailbox, by ingestion path",
		},
		[]string{"source"},
	)

	MessageSizeBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "twmailer_message_size_bytes",
			Help:    "Size of delivered message bodies",
			Buckets: prometheus.ExponentialBuckets(64, 4, 8),
		},
		[]string{"source"},
	)
)

// Authentication backend metrics
var (
	AuthBackendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "twmailer_auth_backend_duration_seconds",
			Help:    "Time spent in the credential backend per login",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
		[]string{"backend"},
	)

	AuthCacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "twmailer_auth_cache_hits_total",
			Help: "Logins answered from the authentication cache",
		},
	)

	AuthCacheMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "twmailer_auth_cache_misses_total",
			Help: "Logins that had to reach the credential backend",
		},
	)

	AuthCacheEntriesTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "twmailer_auth_cache_entries",
			Help: "Entries currently held by the authentication cache",
		},
	)

	AuthCircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "twmailer_auth_circuit_breaker_state",
			Help: "Circuit breaker state per credential backend (0=closed, 1=half-open, 2=open)",
		},
		[]string{"backend"},
	)
)
