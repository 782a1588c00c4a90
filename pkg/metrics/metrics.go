package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for monitoring
var (
	QuickPayRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayer_quickpay_requests_total",
		Help: "The total number of quickpay submissions by outcome",
	}, []string{"outcome"})

	QuickPayDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relayer_quickpay_duration_seconds",
		Help:    "Time taken to settle a quickpay request",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
	})

	SignatureVerifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayer_signature_verifications_total",
		Help: "Off-chain session signature checks by result",
	}, []string{"result"})

	NonceMismatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayer_nonce_mismatches_total",
		Help: "Requests whose nonce did not advance the session's last seen nonce",
	}, []string{"mode"})

	GasUsed = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relayer_gas_used",
		Help:    "Gas used by settlement transactions",
		Buckets: prometheus.ExponentialBuckets(21000, 2, 10), // Start at 21000 with 10 buckets doubling in size
	}, []string{"kind"})

	GasPrice = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relayer_gas_price_gwei",
		Help: "Current gas price in gwei",
	})

	RetryQueueSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relayer_retry_queue_size",
		Help: "Current size of the retry queue",
	})

	PaymentsQueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relayer_payments_queued_total",
		Help: "Payments handed to the retry queue after a failed quickpay",
	})

	Batches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayer_batches_total",
		Help: "Batch settlement attempts by status",
	}, []string{"status"})

	BatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relayer_batch_size",
		Help:    "Number of payments per settlement batch",
		Buckets: prometheus.LinearBuckets(1, 1, 10),
	})

	RetriesExecuted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relayer_retries_executed_total",
		Help: "Number of queued payments whose retry counter was incremented",
	})

	TerminalFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayer_terminal_failures_total",
		Help: "Payments marked failed with no further retries",
	}, []string{"reason"})

	SkippedTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayer_skipped_ticks_total",
		Help: "Batch scheduler ticks that did not run",
	}, []string{"reason"})

	Distributions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayer_commission_distributions_total",
		Help: "Commission distribution calls by status",
	}, []string{"status"})

	RelayerBalance = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relayer_balance_wei",
		Help: "Native balance of the relayer account at the last check",
	})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayer_http_requests_total",
		Help: "HTTP requests by route and status code",
	}, []string{"route", "code"})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relayer_http_request_duration_seconds",
		Help:    "HTTP request latency by route",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
)
