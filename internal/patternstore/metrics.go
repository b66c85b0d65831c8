package patternstore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rulesByTier = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fixd",
		Subsystem: "patternstore",
		Name:      "rules",
		Help:      "Active rules by tier.",
	}, []string{"tier"})

	deactivatedRules = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fixd",
		Subsystem: "patternstore",
		Name:      "deactivated_rules",
		Help:      "Rules deactivated for sustained failure.",
	})

	recordOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fixd",
		Subsystem: "patternstore",
		Name:      "outcomes_total",
		Help:      "Recorded rule outcomes by result.",
	}, []string{"outcome"})

	tierTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fixd",
		Subsystem: "patternstore",
		Name:      "tier_transitions_total",
		Help:      "Rule promotions, demotions, and deactivations.",
	}, []string{"transition"})
)
