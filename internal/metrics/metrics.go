// Package metrics exposes the Prometheus collectors for the approval engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TransitionsTotal counts workflow transitions by action and outcome.
	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "doc_approvals",
		Name:      "transitions_total",
		Help:      "Workflow transitions processed, by action and outcome.",
	}, []string{"action", "outcome"})

	// ActiveInstances tracks the number of RUNNING workflow instances.
	ActiveInstances = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "doc_approvals",
		Name:      "active_instances",
		Help:      "Workflow instances currently in the RUNNING state.",
	})

	// EventsPublished counts notification events handed to the dispatcher.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "doc_approvals",
		Name:      "events_published_total",
		Help:      "Notification events published, by event type and result.",
	}, []string{"event_type", "result"})
)
