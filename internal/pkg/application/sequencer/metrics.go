package sequencer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var taskRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "integration_uav",
	Subsystem: "sequencer",
	Name:      "task_runs_total",
	Help:      "Finished task runs by terminal status",
}, []string{"status"})
