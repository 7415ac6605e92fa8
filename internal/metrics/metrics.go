// Pelorus - Onboard Vessel Telemetry Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pelorus

// Package metrics provides Prometheus instrumentation for the relay:
// state store throughput, per-transport subscriber counts, send/drop
// volumes, hub link health, and producer fetch failures. Exposed on the
// direct endpoint at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// State store metrics.
	PatchesApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pelorus_patches_applied_total",
		Help: "Total number of patches accepted by the state store",
	})

	PatchesRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pelorus_patches_rejected_total",
		Help: "Total number of patches rejected for invariant violations",
	})

	StoreVersion = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pelorus_store_version",
		Help: "Current state document version",
	})

	// Fan-out metrics.
	Subscribers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pelorus_subscribers",
		Help: "Connected subscribers per transport",
	}, []string{"transport"})

	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pelorus_messages_sent_total",
		Help: "Messages sent to subscribers per transport",
	}, []string{"transport", "type"})

	MessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pelorus_messages_dropped_total",
		Help: "Messages evicted from subscriber queues under backpressure",
	}, []string{"transport"})

	CoalescedFlushes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pelorus_coalesced_flushes_total",
		Help: "Coalesced patch buffers flushed by the sync orchestrator",
	})

	// Hub link metrics.
	HubReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pelorus_hub_reconnects_total",
		Help: "Reconnect attempts to the rendezvous hub",
	})

	HubLatencyMs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pelorus_hub_latency_ms",
		Help: "Smoothed hub link round-trip latency in milliseconds",
	})

	HubRemoteClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pelorus_hub_remote_clients",
		Help: "Remote client count reported by the hub",
	})

	HubBufferedMessages = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pelorus_hub_buffered_messages",
		Help: "Messages buffered while the hub link is down",
	})

	// Producer metrics.
	ProducerEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pelorus_producer_events_total",
		Help: "Domain events published by producers",
	}, []string{"topic"})

	FetchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pelorus_fetch_errors_total",
		Help: "External fetch failures after retry exhaustion",
	}, []string{"producer"})

	RuleAlerts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pelorus_rule_alerts_total",
		Help: "Alerts raised by the rule engine",
	}, []string{"trigger"})
)
