package pim

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	scatterTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pim_scatter_total",
		Help: "Total number of host-to-unit scatter transfers",
	})

	gatherTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pim_gather_total",
		Help: "Total number of unit-to-host gather transfers",
	})

	transferBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pim_transfer_bytes_total",
		Help: "Total bytes moved between host and unit memory",
	}, []string{"direction"})

	execTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pim_exec_total",
		Help: "Total number of kernel launches across all units",
	})

	execDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pim_exec_duration_seconds",
		Help:    "Wall time of the all-units execution barrier",
		Buckets: prometheus.DefBuckets,
	})

	allocatedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pim_allocated_bytes",
		Help: "Bytes currently allocated per unit (uniform across units)",
	})
)
