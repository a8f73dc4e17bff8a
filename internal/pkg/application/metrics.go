package application

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var framesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "integration_uav",
	Name:      "frames_dropped_total",
	Help:      "Frames that could not be decoded, by link",
}, []string{"link"})
