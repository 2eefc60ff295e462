package ledger

import (
	"math/big"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	promPositionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Subsystem: "stakeledger",
		Name:      "positions_open",
	})
	promStakedTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Subsystem: "stakeledger",
		Name:      "staked_total",
	})
	promVouchersIssued = promauto.NewCounter(prometheus.CounterOpts{
		Subsystem: "stakeledger",
		Name:      "vouchers_issued_total",
	})
	promVouchersRedeemed = promauto.NewCounter(prometheus.CounterOpts{
		Subsystem: "stakeledger",
		Name:      "vouchers_redeemed_total",
	})
	promRedeemRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "stakeledger",
		Name:      "voucher_redeem_rejected_total",
	}, []string{"reason"})
)

func amountFloat(a *uint256.Int) float64 {
	f, _ := new(big.Float).SetInt(a.ToBig()).Float64()
	return f
}
