package agent

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	refreshFaults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "airquality_agent",
		Name:      "refresh_faults_total",
		Help:      "Object refreshes that failed or panicked.",
	}, []string{"oid"})

	loopIterations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "airquality_agent",
		Name:      "loop_iterations_total",
		Help:      "Readiness loop iterations.",
	})

	servedSockets = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "airquality_agent",
		Name:      "served_total",
		Help:      "Ready sockets handed to the protocol engine.",
	})
)
