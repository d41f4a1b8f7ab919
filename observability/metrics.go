package observability

import (
	"math/big"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics records engine activity for the RPC layer: operation counts by
// outcome and the cumulative liquidation volumes.
type EngineMetrics struct {
	operations        *prometheus.CounterVec
	liquidationDebt   prometheus.Counter
	liquidationSeized prometheus.Counter
}

var (
	engineMetricsOnce sync.Once
	engineRegistry    *EngineMetrics
)

// Metrics returns the lazily-initialised engine metrics registry.
func Metrics() *EngineMetrics {
	engineMetricsOnce.Do(func() {
		engineRegistry = &EngineMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stablemint",
				Subsystem: "engine",
				Name:      "operations_total",
				Help:      "Engine operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			liquidationDebt: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "stablemint",
				Subsystem: "engine",
				Name:      "liquidation_debt_covered_wei_total",
				Help:      "Cumulative pegged-token debt covered by liquidations.",
			}),
			liquidationSeized: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "stablemint",
				Subsystem: "engine",
				Name:      "liquidation_collateral_seized_wei_total",
				Help:      "Cumulative collateral seized by liquidations, bonus included.",
			}),
		}
		prometheus.MustRegister(
			engineRegistry.operations,
			engineRegistry.liquidationDebt,
			engineRegistry.liquidationSeized,
		)
	})
	return engineRegistry
}

// ObserveOperation counts one engine operation with its outcome label.
func (m *EngineMetrics) ObserveOperation(operation string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
}

// ObserveLiquidation accumulates the covered debt and seized collateral of a
// completed liquidation. Values are rounded through float64.
func (m *EngineMetrics) ObserveLiquidation(debtCovered, collateralSeized *big.Int) {
	if m == nil {
		return
	}
	if debtCovered != nil {
		debt, _ := new(big.Float).SetInt(debtCovered).Float64()
		m.liquidationDebt.Add(debt)
	}
	if collateralSeized != nil {
		seized, _ := new(big.Float).SetInt(collateralSeized).Float64()
		m.liquidationSeized.Add(seized)
	}
}
