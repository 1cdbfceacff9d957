package broker

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/Rajchodisetti/tradeguard/internal/domain"
	"github.com/Rajchodisetti/tradeguard/internal/observ"
)

// AlpacaConfig configures the REST client.
type AlpacaConfig struct {
	BaseURL           string
	AllowLive         bool
	RequestsPerMinute int
	Timeout           time.Duration
}

// Alpaca talks to the Alpaca trading REST API. Orders are LIMIT/DAY and
// carry the idempotency key as client_order_id, so a resubmission after a
// lost response is deduplicated by the broker.
type Alpaca struct {
	http      *resty.Client
	limiter   *rate.Limiter
	allowLive bool
	baseURL   string
	creds     atomic.Pointer[Credentials]
}

var errDuplicateClientOrderID = stderrors.New("duplicate client_order_id")

func NewAlpaca(cfg AlpacaConfig) *Alpaca {
	base := strings.TrimSuffix(cfg.BaseURL, "/")
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 180
	}
	return &Alpaca{
		http: resty.New().
			SetBaseURL(base).
			SetTimeout(timeout).
			SetHeader("Accept", "application/json"),
		limiter:   rate.NewLimiter(rate.Limit(float64(rpm)/60.0), max(1, rpm/60)),
		allowLive: cfg.AllowLive,
		baseURL:   base,
	}
}

func (a *Alpaca) isLive() bool {
	return !strings.Contains(a.baseURL, "paper")
}

type alpacaAccount struct {
	BuyingPower    decimal.Decimal `json:"buying_power"`
	Equity         decimal.Decimal `json:"equity"`
	TradingBlocked bool            `json:"trading_blocked"`
	AccountBlocked bool            `json:"account_blocked"`
}

type alpacaPosition struct {
	Symbol        string          `json:"symbol"`
	Qty           decimal.Decimal `json:"qty"`
	MarketValue   decimal.Decimal `json:"market_value"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
}

type alpacaOrderRequest struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	TimeInForce   string `json:"time_in_force"`
	LimitPrice    string `json:"limit_price,omitempty"`
	ClientOrderID string `json:"client_order_id"`
}

type alpacaOrder struct {
	ID             string          `json:"id"`
	ClientOrderID  string          `json:"client_order_id"`
	Status         string          `json:"status"`
	FilledQty      decimal.Decimal `json:"filled_qty"`
	FilledAvgPrice decimal.Decimal `json:"filled_avg_price"`
	SubmittedAt    time.Time       `json:"submitted_at"`
}

type alpacaError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Authenticate stores the credentials and verifies them with an account
// read. Live environments are refused unless explicitly allowed.
func (a *Alpaca) Authenticate(ctx context.Context, creds Credentials) (bool, error) {
	if (creds.Env == "live" || a.isLive()) && !a.allowLive {
		return false, errors.Wrapf(ErrLiveNotAllowed, "alpaca %s", a.baseURL)
	}
	if creds.Key == "" || creds.Secret == "" {
		return false, errors.Wrap(ErrUnauthorized, "alpaca credentials missing")
	}
	a.creds.Store(&creds)

	if _, err := a.GetAccount(ctx); err != nil {
		if stderrors.Is(err, ErrUnauthorized) {
			a.creds.Store(nil)
		}
		return false, err
	}
	observ.Log("broker_authenticated", map[string]any{"broker": "alpaca", "env": creds.Env, "base_url": a.baseURL})
	return true, nil
}

func (a *Alpaca) request(ctx context.Context) (*resty.Request, error) {
	c := a.creds.Load()
	if c == nil {
		return nil, errors.Wrap(ErrUnauthorized, "alpaca client not authenticated")
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(ErrRateLimited, err.Error())
	}
	return a.http.R().
		SetContext(ctx).
		SetHeader("APCA-API-KEY-ID", c.Key).
		SetHeader("APCA-API-SECRET-KEY", c.Secret).
		SetError(&alpacaError{}), nil
}

func (a *Alpaca) GetAccount(ctx context.Context) (domain.BrokerAccount, error) {
	r, err := a.request(ctx)
	if err != nil {
		return domain.BrokerAccount{}, err
	}
	var out alpacaAccount
	resp, err := r.SetResult(&out).Get("/v2/account")
	if err := a.check(ctx, "get_account", resp, err); err != nil {
		return domain.BrokerAccount{}, err
	}
	return domain.BrokerAccount{
		BuyingPower:    out.BuyingPower.InexactFloat64(),
		TotalEquity:    out.Equity.InexactFloat64(),
		TradingBlocked: out.TradingBlocked || out.AccountBlocked,
	}, nil
}

func (a *Alpaca) GetPositions(ctx context.Context) ([]domain.BrokerPosition, error) {
	r, err := a.request(ctx)
	if err != nil {
		return nil, err
	}
	var out []alpacaPosition
	resp, err := r.SetResult(&out).Get("/v2/positions")
	if err := a.check(ctx, "get_positions", resp, err); err != nil {
		return nil, err
	}
	positions := make([]domain.BrokerPosition, 0, len(out))
	for _, p := range out {
		positions = append(positions, domain.BrokerPosition{
			Ticker:        strings.ToUpper(p.Symbol),
			Quantity:      p.Qty.IntPart(),
			MarketValue:   p.MarketValue.InexactFloat64(),
			AvgEntryPrice: p.AvgEntryPrice.InexactFloat64(),
		})
	}
	return positions, nil
}

// PlaceOrder submits a LIMIT/DAY order. If the broker already holds an
// order with the same client_order_id, that order is returned instead.
func (a *Alpaca) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResponseStatus, error) {
	r, err := a.request(ctx)
	if err != nil {
		return domain.OrderResponseStatus{}, err
	}
	body := alpacaOrderRequest{
		Symbol:        req.Ticker,
		Qty:           fmt.Sprintf("%d", req.Quantity),
		Side:          strings.ToLower(string(req.Side)),
		Type:          strings.ToLower(req.OrderType),
		TimeInForce:   strings.ToLower(req.TimeInForce),
		ClientOrderID: req.IdempotencyKey,
	}
	if req.LimitPrice > 0 {
		body.LimitPrice = decimal.NewFromFloat(req.LimitPrice).StringFixed(2)
	}

	var out alpacaOrder
	resp, err := r.SetBody(body).SetResult(&out).Post("/v2/orders")
	if err := a.check(ctx, "place_order", resp, err); err != nil {
		if stderrors.Is(err, errDuplicateClientOrderID) {
			return a.orderByClientID(ctx, req)
		}
		return domain.OrderResponseStatus{}, err
	}
	return toStatus(req, out), nil
}

func (a *Alpaca) orderByClientID(ctx context.Context, req domain.OrderRequest) (domain.OrderResponseStatus, error) {
	r, err := a.request(ctx)
	if err != nil {
		return domain.OrderResponseStatus{}, err
	}
	var out alpacaOrder
	resp, err := r.SetQueryParam("client_order_id", req.IdempotencyKey).
		SetResult(&out).
		Get("/v2/orders:by_client_order_id")
	if err := a.check(ctx, "get_order_by_client_id", resp, err); err != nil {
		return domain.OrderResponseStatus{}, err
	}
	observ.Log("broker_duplicate_order_recovered", map[string]any{
		"ticker":          req.Ticker,
		"idempotency_key": req.IdempotencyKey,
		"broker_order_id": out.ID,
	})
	return toStatus(req, out), nil
}

func (a *Alpaca) CancelOrder(ctx context.Context, brokerOrderID string) (bool, error) {
	r, err := a.request(ctx)
	if err != nil {
		return false, err
	}
	resp, err := r.SetPathParam("id", brokerOrderID).Delete("/v2/orders/{id}")
	if err := a.check(ctx, "cancel_order", resp, err); err != nil {
		return false, err
	}
	return resp.StatusCode() == http.StatusNoContent || resp.StatusCode() == http.StatusOK, nil
}

func toStatus(req domain.OrderRequest, o alpacaOrder) domain.OrderResponseStatus {
	submitted := o.SubmittedAt
	if submitted.IsZero() {
		submitted = time.Now().UTC()
	}
	return domain.OrderResponseStatus{
		BrokerOrderID:   o.ID,
		InternalOrderID: req.InternalOrderID,
		IdempotencyKey:  req.IdempotencyKey,
		Status:          normaliseStatus(o.Status),
		FilledQty:       o.FilledQty.IntPart(),
		FilledAvgPrice:  o.FilledAvgPrice.InexactFloat64(),
		SubmittedAt:     submitted,
	}
}

func normaliseStatus(s string) string {
	switch strings.ToLower(s) {
	case "filled":
		return domain.OrderStatusFilled
	case "partially_filled":
		return domain.OrderStatusPartiallyFilled
	case "canceled", "expired", "done_for_day":
		return domain.OrderStatusCanceled
	case "rejected":
		return domain.OrderStatusRejected
	}
	return domain.OrderStatusAccepted
}

// check maps a transport error or HTTP status onto the broker sentinels.
func (a *Alpaca) check(ctx context.Context, op string, resp *resty.Response, err error) error {
	if err != nil {
		if stderrors.Is(ctx.Err(), context.Canceled) {
			return errors.Wrapf(ctx.Err(), "alpaca %s", op)
		}
		observ.IncCounter("broker_errors_total", map[string]string{"class": ClassNetwork.String()})
		return errors.Wrapf(ErrNetwork, "alpaca %s: %v", op, err)
	}
	if !resp.IsError() {
		return nil
	}

	msg := ""
	if e, ok := resp.Error().(*alpacaError); ok && e != nil {
		msg = e.Message
	}
	lower := strings.ToLower(msg)
	code := resp.StatusCode()

	var sentinel error
	switch {
	case code == http.StatusTooManyRequests:
		sentinel = ErrRateLimited
	case code == http.StatusUnauthorized:
		sentinel = ErrUnauthorized
	case code == http.StatusForbidden:
		if strings.Contains(lower, "buying power") || strings.Contains(lower, "insufficient") {
			sentinel = ErrInsufficientFunds
		} else {
			sentinel = ErrUnauthorized
		}
	case code == http.StatusUnprocessableEntity:
		switch {
		case strings.Contains(lower, "client_order_id"):
			return errDuplicateClientOrderID
		case strings.Contains(lower, "market") && strings.Contains(lower, "closed"):
			sentinel = ErrMarketClosed
		case strings.Contains(lower, "symbol"), strings.Contains(lower, "asset"):
			sentinel = ErrInvalidTicker
		}
	case code == http.StatusNotFound && op == "place_order":
		sentinel = ErrInvalidTicker
	case code >= 500:
		sentinel = ErrNetwork
	}
	if sentinel == nil {
		sentinel = fmt.Errorf("alpaca http %d", code)
	}

	observ.IncCounter("broker_errors_total", map[string]string{"class": Classify(sentinel).String()})
	return errors.Wrapf(sentinel, "alpaca %s: HTTP %d %s", op, code, msg)
}
