package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "classtrack_jobs_processed_total",
		Help: "Jobs finished terminally, by queue and status.",
	}, []string{"queue", "status"})

	jobRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "classtrack_job_retries_total",
		Help: "Job attempts that failed on an infrastructure error and were retried.",
	}, []string{"queue"})
)
