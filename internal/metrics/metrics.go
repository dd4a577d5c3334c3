package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	spawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kithost",
			Subsystem: "process",
			Name:      "spawns_total",
			Help:      "Number of children started, by process type.",
		}, []string{"type"},
	)
	spawnFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kithost",
			Subsystem: "process",
			Name:      "spawn_failures_total",
			Help:      "Number of children that failed to start.",
		}, []string{"type"},
	)
	exits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kithost",
			Subsystem: "process",
			Name:      "exits_total",
			Help:      "Number of reaped children.",
		}, []string{"type"},
	)
	timeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kithost",
			Subsystem: "process",
			Name:      "timeouts_total",
			Help:      "Number of children killed by the lifetime timeout.",
		}, []string{"type"},
	)
	removals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kithost",
			Subsystem: "process",
			Name:      "removals_total",
			Help:      "Number of explicit removals (terminate and forget).",
		}, []string{"type"},
	)
	live = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "kithost",
			Subsystem: "process",
			Name:      "live",
			Help:      "Registered children by process type.",
		}, []string{"type"},
	)
	routed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kithost",
			Subsystem: "router",
			Name:      "messages_total",
			Help:      "Messages dispatched by channel.",
		}, []string{"channel"},
	)
	unknownChannels = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "kithost",
			Subsystem: "router",
			Name:      "unknown_channel_total",
			Help:      "Messages dropped because their channel has no handler.",
		},
	)
	rejectedChoices = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "kithost",
			Subsystem: "router",
			Name:      "rejected_choices_total",
			Help:      "Choice batches rejected for missing name or value.",
		},
	)
	backgroundStarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "kithost",
			Subsystem: "background",
			Name:      "starts_total",
			Help:      "Number of background task starts.",
		},
	)
	backgroundStops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "kithost",
			Subsystem: "background",
			Name:      "stops_total",
			Help:      "Number of background task stops.",
		},
	)
	scheduleRuns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "kithost",
			Subsystem: "schedule",
			Name:      "runs_total",
			Help:      "Number of scheduled script runs triggered.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		spawns, spawnFailures, exits, timeouts, removals, live,
		routed, unknownChannels, rejectedChoices,
		backgroundStarts, backgroundStops, scheduleRuns,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncSpawn(typ string) {
	if regOK.Load() {
		spawns.WithLabelValues(typ).Inc()
		live.WithLabelValues(typ).Inc()
	}
}

func IncSpawnFailure(typ string) {
	if regOK.Load() {
		spawnFailures.WithLabelValues(typ).Inc()
	}
}

// IncExit records a registry entry leaving, by exit or removal.
func IncExit(typ string) {
	if regOK.Load() {
		exits.WithLabelValues(typ).Inc()
		live.WithLabelValues(typ).Dec()
	}
}

func IncTimeout(typ string) {
	if regOK.Load() {
		timeouts.WithLabelValues(typ).Inc()
	}
}

func IncRemoval(typ string) {
	if regOK.Load() {
		removals.WithLabelValues(typ).Inc()
	}
}

func IncRouted(channel string) {
	if regOK.Load() {
		routed.WithLabelValues(channel).Inc()
	}
}

func IncUnknownChannel() {
	if regOK.Load() {
		unknownChannels.Inc()
	}
}

func IncRejectedChoices() {
	if regOK.Load() {
		rejectedChoices.Inc()
	}
}

func IncBackgroundStart() {
	if regOK.Load() {
		backgroundStarts.Inc()
	}
}

func IncBackgroundStop() {
	if regOK.Load() {
		backgroundStops.Inc()
	}
}

func IncScheduleRun() {
	if regOK.Load() {
		scheduleRuns.Inc()
	}
}
