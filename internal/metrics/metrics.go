// Package metrics provides Prometheus metrics for the orchestrator service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CampaignsTotal counts campaign runs by kind and final status.
	CampaignsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agenteval",
			Subsystem: "orchestrator",
			Name:      "campaigns_total",
			Help:      "Total number of campaign runs by kind and final status",
		},
		[]string{"kind", "status"}, // kind: "campaign", "battle", "red_teaming"
	)

	// CampaignsActive tracks currently executing campaigns.
	CampaignsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "agenteval",
			Subsystem: "orchestrator",
			Name:      "campaigns_active",
			Help:      "Number of currently executing campaigns",
		},
	)

	// CampaignDuration tracks campaign execution duration.
	CampaignDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "agenteval",
			Subsystem: "orchestrator",
			Name:      "campaign_duration_seconds",
			Help:      "Campaign execution duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"kind", "status"},
	)

	// NodesTotal counts node executions by category and outcome.
	NodesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agenteval",
			Subsystem: "orchestrator",
			Name:      "nodes_total",
			Help:      "Total number of nodes executed by category and outcome",
		},
		[]string{"category", "outcome"}, // outcome: "ok", "error"
	)

	// NodeDuration tracks node execution duration by category.
	NodeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "agenteval",
			Subsystem: "orchestrator",
			Name:      "node_duration_seconds",
			Help:      "Node execution duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"category"},
	)

	// RendezvousTimeouts counts rendezvous waits that expired.
	RendezvousTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agenteval",
			Subsystem: "orchestrator",
			Name:      "rendezvous_timeouts_total",
			Help:      "Total number of rendezvous waits that timed out",
		},
		[]string{"topic"},
	)

	// DispatchesTotal counts jobs published to the message bus.
	DispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agenteval",
			Subsystem: "orchestrator",
			Name:      "dispatches_total",
			Help:      "Total number of jobs published to the message bus",
		},
		[]string{"topic", "result"}, // result: "success", "error"
	)

	// CheckpointsTotal counts checkpoint saves.
	CheckpointsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agenteval",
			Subsystem: "orchestrator",
			Name:      "checkpoints_total",
			Help:      "Total number of checkpoints saved",
		},
		[]string{"namespace"},
	)

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agenteval",
			Subsystem: "orchestrator",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "agenteval",
			Subsystem: "orchestrator",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// QuotaRejections counts campaign creations rejected by the billing quota.
	QuotaRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "agenteval",
			Subsystem: "orchestrator",
			Name:      "quota_rejections_total",
			Help:      "Total number of campaign creations rejected by quota",
		},
	)
)
