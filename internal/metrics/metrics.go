package metrics

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SignalsClaimed = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "signals_claimed_total", Help: "Signals claimed for execution"},
	)
	SignalsReconciled = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "signals_reconciled_total", Help: "Signals moved to a terminal state by reconciliation"},
		[]string{"status"},
	)
	LiveWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "live_workers", Help: "Workers currently bound to a slot"},
	)
	SlotExhausted = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "slot_exhausted_total", Help: "Dispatch cycles cut short because every slot was busy"},
	)
	TradesPlaced = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "trades_placed_total", Help: "Trades placed per ladder level"},
		[]string{"level"},
	)
	LaddersFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ladder_finished_total", Help: "Ladders finished per terminal status"},
		[]string{"status"},
	)
	TradeFireSkew = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "trade_fire_skew_ms",
			Help:    "Milliseconds between a trade deadline and the moment the trade was fired",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		},
	)
)

func init() {
	prometheus.MustRegister(
		SignalsClaimed,
		SignalsReconciled,
		LiveWorkers,
		SlotExhausted,
		TradesPlaced,
		LaddersFinished,
		TradeFireSkew,
	)
}

// TradePlaced counts a trade at ladder level (0 is the entry).
func TradePlaced(level int) {
	TradesPlaced.WithLabelValues(strconv.Itoa(level)).Inc()
}

// Handler serves the default registry.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
