package challenge

import (
	"math"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TimeTaken = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "aegis_time_taken",
		Help:    "The time taken for a client to solve a challenge (milliseconds)",
		Buckets: prometheus.ExponentialBucketsRange(1, math.Pow(2, 20), 20),
	}, []string{"method"})

	challengesIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aegis_challenges_issued",
		Help: "The total number of challenges issued",
	}, []string{"method"})

	challengesValidated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aegis_challenges_validated",
		Help: "The total number of challenges validated",
	}, []string{"method"})

	failedValidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aegis_failed_validations",
		Help: "The total number of failed validations by reason",
	}, []string{"method", "reason"})
)
