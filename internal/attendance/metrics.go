package attendance

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	submissionsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rollcall_submissions_accepted_total",
		Help: "Accepted attendance submissions.",
	})
	submissionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rollcall_submissions_rejected_total",
		Help: "Rejected attendance submissions by reason.",
	}, []string{"reason"})
)
