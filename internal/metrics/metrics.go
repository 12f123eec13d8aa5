// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LockAcquireRetries counts ExecuteStep messages re-enqueued because
	// the run lock was held. A hot loop here means a run is jammed on a
	// long step; operators watch this rather than the engine changing
	// the re-enqueue behavior.
	LockAcquireRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hookflow_lock_acquire_retries_total",
		Help: "ExecuteStep messages re-enqueued because the run lock was held.",
	})

	// StepsExecuted counts handler invocations by step type and outcome.
	StepsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hookflow_steps_executed_total",
		Help: "Step handler invocations by type and terminal status.",
	}, []string{"type", "status"})

	// QueueDepth tracks the ready-list length per queue.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hookflow_queue_depth",
		Help: "Messages waiting in each queue's ready list.",
	}, []string{"queue"})

	// WebhooksReceived counts admission outcomes.
	WebhooksReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hookflow_webhooks_received_total",
		Help: "Webhook deliveries by admission outcome.",
	}, []string{"outcome"})
)
