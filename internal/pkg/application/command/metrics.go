package command

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	commandsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "integration_uav",
		Subsystem: "command",
		Name:      "commands_total",
		Help:      "Commands passed to device command channels, by result",
	}, []string{"result"})

	openChannels = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "integration_uav",
		Subsystem: "command",
		Name:      "open_channels",
		Help:      "Number of open device command channels",
	})
)
