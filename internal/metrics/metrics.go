// Package metrics provides Prometheus metrics for the engine host and its front-end.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CallsTotal counts dispatched calls by collection, function and result code.
	CallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "enginehost_rpc_calls_total",
		Help: "Total number of dispatched remote calls, by collection, function and error code.",
	}, []string{"collection", "function", "code"})

	// ConnectionEventsTotal counts connect, disconnect and refused events seen by the server.
	ConnectionEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "enginehost_connection_events_total",
		Help: "Total number of client connection events, by event.",
	}, []string{"event"})

	// ConnectedClients tracks the current number of attached clients.
	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "enginehost_connected_clients",
		Help: "Current number of connected clients.",
	})

	// SignalsQueuedTotal counts signals queued by the engine, by output type.
	SignalsQueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "enginehost_signals_queued_total",
		Help: "Total number of output signals queued for polling, by output type.",
	}, []string{"output_type"})

	// SignalsDroppedTotal counts signals discarded because the queue was full or disabled.
	SignalsDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "enginehost_signals_dropped_total",
		Help: "Total number of output signals dropped, by reason.",
	}, []string{"reason"})

	// PollCyclesTotal counts front-end poll cycles by outcome.
	PollCyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "enginehost_poll_cycles_total",
		Help: "Total number of signal poll cycles, by outcome (signal, empty, no_connection, error).",
	}, []string{"outcome"})

	// SignalsDeliveredTotal counts signals handed to the registered callback.
	SignalsDeliveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "enginehost_signals_delivered_total",
		Help: "Total number of signals delivered to the front-end callback.",
	})

	// ShutdownsTotal counts engine shutdowns by reason and handshake outcome.
	ShutdownsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "enginehost_shutdowns_total",
		Help: "Total number of engine shutdowns, by reason and crash handshake outcome.",
	}, []string{"reason", "handshake"})
)
