package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pageorder_jobs_active",
		Help: "Jobs currently running",
	})

	jobsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pageorder_jobs_finished_total",
			Help: "Finished jobs, by status",
		},
		[]string{"status"},
	)
)
