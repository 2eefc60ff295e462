package keeper

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	promDuePositions = promauto.NewGauge(prometheus.GaugeOpts{
		Subsystem: "stakeledger",
		Name:      "keeper_due_positions",
	})
	promUpkeeps = promauto.NewCounter(prometheus.CounterOpts{
		Subsystem: "stakeledger",
		Name:      "keeper_upkeeps_total",
	})
	promMinted = promauto.NewCounter(prometheus.CounterOpts{
		Subsystem: "stakeledger",
		Name:      "keeper_artifacts_minted_total",
	})
	promMintFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "stakeledger",
		Name:      "keeper_mint_failures_total",
	}, []string{"reason"})
)
