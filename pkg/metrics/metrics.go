// Package metrics defines the prometheus instrumentation for the control
// plane and the /metrics handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "decloud_nodes_total",
			Help: "Total number of nodes by status",
		},
		[]string{"status"},
	)

	VMsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "decloud_vms_total",
			Help: "Total number of VMs by status and type",
		},
		[]string{"status", "type"},
	)

	// Command bus metrics
	CommandsQueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decloud_commands_queued_total",
			Help: "Total commands enqueued by type",
		},
		[]string{"type"},
	)

	CommandsDeliveredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decloud_commands_delivered_total",
			Help: "Total commands delivered by path (push or pull)",
		},
		[]string{"path"},
	)

	CommandsAckedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decloud_commands_acked_total",
			Help: "Total command acknowledgments by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	// Billing metrics
	BillingCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "decloud_billing_cycles_total",
			Help: "Total billing ticker cycles",
		},
	)

	UsageRecordedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "decloud_usage_records_total",
			Help: "Total usage records created",
		},
	)

	UsageSkippedAttestation = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "decloud_usage_skipped_attestation_total",
			Help: "Billing intervals skipped because attestation was paused",
		},
	)

	// Settlement metrics
	SettlementsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decloud_settlements_submitted_total",
			Help: "Settlement transactions submitted by mode (single or batch)",
		},
		[]string{"mode"},
	)

	SettlementsConfirmedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "decloud_settlements_confirmed_total",
			Help: "Settlement transactions confirmed on chain",
		},
	)

	SettlementsFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "decloud_settlements_failed_total",
			Help: "Settlement transactions that reverted or failed permanently",
		},
	)

	// Deposit monitor metrics
	DepositScanHeight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "decloud_deposit_scan_height",
			Help: "Last block processed by the deposit monitor",
		},
	)

	PendingDepositsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "decloud_pending_deposits_total",
			Help: "Deposits currently below the confirmation threshold",
		},
	)

	// Scheduler metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "decloud_scheduling_latency_seconds",
			Help:    "Time taken to produce a candidate list",
			Buckets: prometheus.DefBuckets,
		},
	)

	SchedulingFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "decloud_scheduling_failures_total",
			Help: "Placement requests with no eligible node",
		},
	)

	// Obligation reconciler metrics
	ObligationsByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "decloud_obligations_total",
			Help: "Obligations by state",
		},
		[]string{"state"},
	)

	ObligationDispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decloud_obligation_dispatch_total",
			Help: "Obligation handler dispatches by type and result",
		},
		[]string{"type", "result"},
	)

	// Proxy metrics
	ProxyRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decloud_proxy_requests_total",
			Help: "Proxy requests by kind (http, terminal, sftp) and status",
		},
		[]string{"kind", "status"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decloud_api_requests_total",
			Help: "API requests by route and status",
		},
		[]string{"route", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		NodesTotal,
		VMsTotal,
		CommandsQueuedTotal,
		CommandsDeliveredTotal,
		CommandsAckedTotal,
		BillingCyclesTotal,
		UsageRecordedTotal,
		UsageSkippedAttestation,
		SettlementsSubmittedTotal,
		SettlementsConfirmedTotal,
		SettlementsFailedTotal,
		DepositScanHeight,
		PendingDepositsTotal,
		SchedulingLatency,
		SchedulingFailuresTotal,
		ObligationsByState,
		ObligationDispatchTotal,
		ProxyRequestsTotal,
		APIRequestsTotal,
	)
}

// Handler returns the HTTP handler serving the prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
