package risk

// Failing-metric tokens carried by every rejection. They are stable and
// safe to match on downstream.
const (
	MetricHalted                = "HALTED"
	MetricNoAction              = "NO_ACTION"
	MetricInvalidAction         = "INVALID_ACTION"
	MetricDataError             = "DATA_ERROR"
	MetricDrawdownHalt          = "DRAWDOWN_HALT"
	MetricDailyLoss             = "DAILY_LOSS"
	MetricLowLiquidity          = "LOW_LIQUIDITY"
	MetricEarningsBlackout      = "EARNINGS_BLACKOUT"
	MetricVIXCeiling            = "VIX_CEILING"
	MetricValuationExtreme      = "VALUATION_EXTREME"
	MetricDividendRisk          = "DIVIDEND_RISK"
	MetricPositionConcentration = "POSITION_CONCENTRATION"
	MetricSectorConcentration   = "SECTOR_CONCENTRATION"
	MetricMaxPositions          = "MAX_POSITIONS"
	MetricBuyingPower           = "BUYING_POWER"
	MetricTinyRisk              = "TINY_RISK"
	MetricNoPosition            = "NO_POSITION"
	MetricSystemError           = "SYSTEM_ERROR"
)

// violation is a gate failure. A nil *violation means the gate passed.
type violation struct {
	Metric string
	Reason string
}

func reject(metric, reason string) *violation {
	return &violation{Metric: metric, Reason: reason}
}
