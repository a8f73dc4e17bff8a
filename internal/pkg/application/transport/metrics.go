package transport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	framesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "integration_uav",
		Subsystem: "telemetry",
		Name:      "frames_received_total",
		Help:      "Total frames received on the telemetry stream",
	})

	reconnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "integration_uav",
		Subsystem: "telemetry",
		Name:      "reconnect_attempts_total",
		Help:      "Total number of scheduled reconnect attempts",
	})

	linkUp = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "integration_uav",
		Subsystem: "telemetry",
		Name:      "link_up",
		Help:      "1 while the telemetry stream is connected",
	})
)
