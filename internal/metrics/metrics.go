// Package metrics holds the gateway's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ChallengesIssued counts challenges generated.
	ChallengesIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "challengegate_challenges_issued_total",
		Help: "Number of human-verification challenges generated.",
	})

	// Verifications counts verification attempts by outcome.
	Verifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "challengegate_verifications_total",
		Help: "Number of verification attempts by outcome.",
	}, []string{"outcome"})
)
