package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	groupsByState = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fixd",
		Subsystem: "scheduler",
		Name:      "groups_total",
		Help:      "Task groups by terminal state.",
	}, []string{"state"})

	workerPoolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fixd",
		Subsystem: "scheduler",
		Name:      "worker_pool_size",
		Help:      "Worker pool size of the current run.",
	})
)
