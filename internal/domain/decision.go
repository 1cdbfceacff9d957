package domain

import "time"

// Mode selects one of the two gate pipelines.
type Mode string

const (
	ModeShortHorizon Mode = "SHORT_HORIZON"
	ModeLongHorizon  Mode = "LONG_HORIZON"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeShortHorizon || m == ModeLongHorizon
}

// RiskMetrics records the numbers behind an approval.
type RiskMetrics struct {
	RiskDollars  float64 `json:"risk_dollars,omitempty"`
	StopDistance float64 `json:"stop_distance,omitempty"`
	Allocation   float64 `json:"allocation,omitempty"`
	RawShares    int64   `json:"raw_shares"`
	Capped       bool    `json:"capped"`
	Notional     float64 `json:"notional"`
	PositionPct  float64 `json:"position_pct"`
	DrawdownPct  float64 `json:"drawdown_pct"`
	DailyLossPct float64 `json:"daily_loss_pct"`
}

// Approval is an executable, fully bounded order decision.
type Approval struct {
	DecisionID string      `json:"decision_id"`
	SignalID   string      `json:"signal_id"`
	Ticker     string      `json:"ticker"`
	Sector     string      `json:"sector,omitempty"`
	Action     Action      `json:"action"`
	Quantity   int64       `json:"quantity"`
	LimitPrice float64     `json:"limit_price"`
	Mode       Mode        `json:"mode"`
	Timestamp  time.Time   `json:"timestamp"`
	Metrics    RiskMetrics `json:"risk_metrics"`
}

// Rejection names the gate metric that stopped a signal.
type Rejection struct {
	Ticker        string    `json:"ticker"`
	SignalID      string    `json:"signal_id"`
	FailingMetric string    `json:"failing_metric"`
	Reason        string    `json:"reason"`
	Timestamp     time.Time `json:"timestamp"`
}

// RiskDecision holds exactly one of Approved or Rejected.
type RiskDecision struct {
	Approved *Approval  `json:"approved,omitempty"`
	Rejected *Rejection `json:"rejected,omitempty"`
}

// IsApproved reports whether the decision carries an approval.
func (d RiskDecision) IsApproved() bool { return d.Approved != nil }

// Metric returns the failing metric of a rejection, or "" when approved.
func (d RiskDecision) Metric() string {
	if d.Rejected == nil {
		return ""
	}
	return d.Rejected.FailingMetric
}

// Order types and time-in-force values.
const (
	OrderTypeLimit = "LIMIT"
	TimeInForceDay = "DAY"
)

// Order status values reported by brokers.
const (
	OrderStatusAccepted        = "ACCEPTED"
	OrderStatusPartiallyFilled = "PARTIALLY_FILLED"
	OrderStatusFilled          = "FILLED"
	OrderStatusRejected        = "REJECTED"
	OrderStatusCanceled        = "CANCELED"
)

// OrderRequest is one logical broker submission.
type OrderRequest struct {
	InternalOrderID string  `json:"internal_order_id"`
	IdempotencyKey  string  `json:"idempotency_key"`
	Ticker          string  `json:"ticker"`
	Side            Action  `json:"side"`
	Quantity        int64   `json:"quantity"`
	OrderType       string  `json:"order_type"`
	LimitPrice      float64 `json:"limit_price"`
	TimeInForce     string  `json:"time_in_force"`
}

// SignedQuantity is positive for buys and negative for sells.
func (r OrderRequest) SignedQuantity() int64 {
	if r.Side == ActionSell {
		return -r.Quantity
	}
	return r.Quantity
}

// OrderResponseStatus is the broker ack for an OrderRequest.
type OrderResponseStatus struct {
	BrokerOrderID   string    `json:"broker_order_id"`
	InternalOrderID string    `json:"internal_order_id"`
	IdempotencyKey  string    `json:"idempotency_key"`
	Status          string    `json:"status"`
	FilledQty       int64     `json:"filled_qty"`
	FilledAvgPrice  float64   `json:"filled_avg_price"`
	SubmittedAt     time.Time `json:"submitted_at"`
}

// BrokerAccount is the broker account summary.
type BrokerAccount struct {
	BuyingPower    float64 `json:"buying_power"`
	TotalEquity    float64 `json:"total_equity"`
	TradingBlocked bool    `json:"trading_blocked"`
}

// BrokerPosition is the broker's authoritative view of one holding.
type BrokerPosition struct {
	Ticker        string  `json:"ticker"`
	Quantity      int64   `json:"quantity"`
	MarketValue   float64 `json:"market_value"`
	AvgEntryPrice float64 `json:"avg_entry_price"`
}
