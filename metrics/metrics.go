// Package metrics holds the orchestrator's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SandboxesLive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gamebattle_sandboxes_live",
		Help: "Sandboxes started and not yet torn down.",
	})

	SandboxLaunchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gamebattle_sandbox_launch_failures_total",
		Help: "Sandbox launches that did not produce a running sandbox.",
	}, []string{"reason"})

	SessionsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gamebattle_sessions_started_total",
		Help: "Sessions created, by game.",
	}, []string{"game"})

	SessionsTerminated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gamebattle_sessions_terminated_total",
		Help: "Sessions that reached the terminated state, by end signal.",
	}, []string{"end"})

	SessionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gamebattle_sessions_rejected_total",
		Help: "Session creations refused, by cause.",
	}, []string{"cause"})

	BridgeDroppedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gamebattle_bridge_dropped_bytes_total",
		Help: "Sandbox output bytes overwritten before a client received them.",
	})

	BridgeRejectedInput = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gamebattle_bridge_rejected_input_total",
		Help: "Client input frames refused because the sandbox input queue was full.",
	})

	CompetitionScored = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gamebattle_competition_scored_total",
		Help: "Sessions scored by the competition engine, by result.",
	}, []string{"result"})

	WebhookFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gamebattle_webhook_failures_total",
		Help: "Webhook deliveries abandoned after retries.",
	}, []string{"kind"})

	StoreRetriesExhausted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gamebattle_store_retries_exhausted_total",
		Help: "Store operations that failed after the retry budget.",
	}, []string{"op"})
)
