// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package metrics exposes the engine's operational counters and gauges.
//
// The core packages (covalue, peer, sync) never import Prometheus directly;
// they depend only on the Sink interface defined here, so tests can supply
// a no-op or recording sink without pulling in the metrics registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "covalue"

// Sink is the metrics collaborator the engine's core packages depend on.
// LoadingState label values are one of {unknown, loading, available,
// unavailable}; LoadOutcome values are {available, unavailable}; Direction
// values are {in, out}.
type Sink interface {
	// SetLoadingState moves one CoValueCore's contribution to the
	// covalue_loading_state gauge from "from" to "to". The first transition
	// out of "no core" passes from == "" and only increments "to".
	SetLoadingState(from, to string)
	// IncLoadAttempt records a load attempt resolving with outcome.
	IncLoadAttempt(outcome string)
	// IncPeerMessage records one wire message for peerRole/action/direction.
	IncPeerMessage(peerRole, action, direction string)
	// SetPeerQueueDepth reports the current outbound queue depth for peerID.
	SetPeerQueueDepth(peerID string, depth int)
	// SetInflightLoads reports the current occupancy of the SyncManager's
	// maxInFlightLoads semaphore.
	SetInflightLoads(n int)
}

// Prometheus is the concrete Sink backed by prometheus/client_golang,
// registered via promauto on construction.
type Prometheus struct {
	loadingState   *prometheus.GaugeVec
	loadAttempts   *prometheus.CounterVec
	peerMessages   *prometheus.CounterVec
	peerQueueDepth *prometheus.GaugeVec
	inflightLoads  prometheus.Gauge
}

// NewPrometheus constructs and registers the engine's metric series against
// reg. Passing nil creates the series without registering them anywhere.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	factory := promauto.With(reg)
	return &Prometheus{
		loadingState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "loading_state",
			Help:      "Population of CoValueCores per lifecycle state.",
		}, []string{"state"}),

		loadAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "load_attempts_total",
			Help:      "Count of load attempts resolved, by outcome.",
		}, []string{"outcome"}),

		peerMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_messages_total",
			Help:      "Wire message counts in/out per peer role and action.",
		}, []string{"peer_role", "action", "direction"}),

		peerQueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peer_queue_depth",
			Help:      "Current outbound queue depth per peer.",
		}, []string{"peer_id"}),

		inflightLoads: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_inflight_loads",
			Help:      "Current semaphore occupancy for maxInFlightLoads.",
		}),
	}
}

func (p *Prometheus) SetLoadingState(from, to string) {
	if from != "" {
		p.loadingState.WithLabelValues(from).Dec()
	}
	p.loadingState.WithLabelValues(to).Inc()
}

func (p *Prometheus) IncLoadAttempt(outcome string) {
	p.loadAttempts.WithLabelValues(outcome).Inc()
}

func (p *Prometheus) IncPeerMessage(peerRole, action, direction string) {
	p.peerMessages.WithLabelValues(peerRole, action, direction).Inc()
}

func (p *Prometheus) SetPeerQueueDepth(peerID string, depth int) {
	p.peerQueueDepth.WithLabelValues(peerID).Set(float64(depth))
}

func (p *Prometheus) SetInflightLoads(n int) {
	p.inflightLoads.Set(float64(n))
}

// noop discards every call; used where tests don't care about metrics.
type noop struct{}

// Noop returns a Sink that does nothing, for tests and call sites that have
// not wired a real Sink.
func Noop() Sink { return noop{} }

func (noop) SetLoadingState(string, string)          {}
func (noop) IncLoadAttempt(string)                   {}
func (noop) IncPeerMessage(string, string, string)   {}
func (noop) SetPeerQueueDepth(string, int)           {}
func (noop) SetInflightLoads(int)                    {}
