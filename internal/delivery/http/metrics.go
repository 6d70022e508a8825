package http

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var generationRequestsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "narrative_generation_requests_total",
		Help: "Segment generation requests by outcome.",
	},
	[]string{"outcome"},
)
