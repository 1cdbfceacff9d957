package broker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/tradeguard/internal/domain"
)

type paperPosition struct {
	qty      int64
	avgEntry decimal.Decimal
}

// Paper is an in-process broker. Limit orders fill immediately against
// the price feed when marketable, orders are deduplicated by idempotency
// key, and faults can be injected for tests and drills.
type Paper struct {
	mu         sync.Mutex
	cash       decimal.Decimal
	prices     map[string]decimal.Decimal
	positions  map[string]*paperPosition
	orders     map[string]domain.OrderResponseStatus // by idempotency key
	marketOpen bool
	fillRatio  float64
	blocked    bool

	placeErrs []error // consumed one per PlaceOrder call
	readErr   error
	dropNext  int // orders executed whose ack is then "lost"

	placeCalls int
	now        func() time.Time
}

func NewPaper(cash float64) *Paper {
	return &Paper{
		cash:       decimal.NewFromFloat(cash),
		prices:     map[string]decimal.Decimal{},
		positions:  map[string]*paperPosition{},
		orders:     map[string]domain.OrderResponseStatus{},
		marketOpen: true,
		fillRatio:  1,
		now:        time.Now,
	}
}

// SetPrice feeds the last trade price for ticker.
func (p *Paper) SetPrice(ticker string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[strings.ToUpper(ticker)] = decimal.NewFromFloat(price)
}

// SetPosition overwrites the broker-side holding, as a corporate action or
// an out-of-band trade would.
func (p *Paper) SetPosition(ticker string, qty int64, avgEntry float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t := strings.ToUpper(ticker)
	if qty == 0 {
		delete(p.positions, t)
		return
	}
	p.positions[t] = &paperPosition{qty: qty, avgEntry: decimal.NewFromFloat(avgEntry)}
}

func (p *Paper) SetMarketOpen(open bool) {
	p.mu.Lock()
	p.marketOpen = open
	p.mu.Unlock()
}

// SetFillRatio makes orders fill only partially. 0 leaves orders resting.
func (p *Paper) SetFillRatio(r float64) {
	p.mu.Lock()
	p.fillRatio = r
	p.mu.Unlock()
}

func (p *Paper) SetTradingBlocked(b bool) {
	p.mu.Lock()
	p.blocked = b
	p.mu.Unlock()
}

// FailPlace queues errors returned by successive PlaceOrder calls before
// normal processing resumes.
func (p *Paper) FailPlace(errs ...error) {
	p.mu.Lock()
	p.placeErrs = append(p.placeErrs, errs...)
	p.mu.Unlock()
}

// FailReads makes account and position reads fail until cleared with nil.
func (p *Paper) FailReads(err error) {
	p.mu.Lock()
	p.readErr = err
	p.mu.Unlock()
}

// DropResponses executes the next n orders but reports a network error,
// as if the ack was lost on the wire.
func (p *Paper) DropResponses(n int) {
	p.mu.Lock()
	p.dropNext += n
	p.mu.Unlock()
}

// PlaceCalls counts PlaceOrder invocations, including failed ones.
func (p *Paper) PlaceCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.placeCalls
}

// Orders returns the distinct orders the broker accepted.
func (p *Paper) Orders() []domain.OrderResponseStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.OrderResponseStatus, 0, len(p.orders))
	for _, o := range p.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out
}

func (p *Paper) Authenticate(ctx context.Context, creds Credentials) (bool, error) {
	return true, nil
}

func (p *Paper) GetAccount(ctx context.Context) (domain.BrokerAccount, error) {
	if err := ctx.Err(); err != nil {
		return domain.BrokerAccount{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.readErr != nil {
		return domain.BrokerAccount{}, p.readErr
	}
	equity := p.cash
	for t, pos := range p.positions {
		equity = equity.Add(p.markLocked(t, pos).Mul(decimal.NewFromInt(pos.qty)))
	}
	bp := p.cash
	if bp.IsNegative() {
		bp = decimal.Zero
	}
	return domain.BrokerAccount{
		BuyingPower:    bp.InexactFloat64(),
		TotalEquity:    equity.InexactFloat64(),
		TradingBlocked: p.blocked,
	}, nil
}

func (p *Paper) GetPositions(ctx context.Context) ([]domain.BrokerPosition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.readErr != nil {
		return nil, p.readErr
	}
	out := make([]domain.BrokerPosition, 0, len(p.positions))
	for t, pos := range p.positions {
		mark := p.markLocked(t, pos)
		out = append(out, domain.BrokerPosition{
			Ticker:        t,
			Quantity:      pos.qty,
			MarketValue:   mark.Mul(decimal.NewFromInt(pos.qty)).InexactFloat64(),
			AvgEntryPrice: pos.avgEntry.InexactFloat64(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticker < out[j].Ticker })
	return out, nil
}

func (p *Paper) markLocked(ticker string, pos *paperPosition) decimal.Decimal {
	if px, ok := p.prices[ticker]; ok {
		return px
	}
	return pos.avgEntry
}

func (p *Paper) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResponseStatus, error) {
	if err := ctx.Err(); err != nil {
		return domain.OrderResponseStatus{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.placeCalls++

	if len(p.placeErrs) > 0 {
		err := p.placeErrs[0]
		p.placeErrs = p.placeErrs[1:]
		return domain.OrderResponseStatus{}, err
	}

	if prior, ok := p.orders[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return prior, nil
	}

	ack, err := p.executeLocked(req)
	if err != nil {
		return domain.OrderResponseStatus{}, err
	}
	p.orders[req.IdempotencyKey] = ack

	if p.dropNext > 0 {
		p.dropNext--
		return domain.OrderResponseStatus{}, errors.Wrap(ErrNetwork, "paper: response lost")
	}
	return ack, nil
}

func (p *Paper) executeLocked(req domain.OrderRequest) (domain.OrderResponseStatus, error) {
	ticker := strings.ToUpper(req.Ticker)
	if !p.marketOpen {
		return domain.OrderResponseStatus{}, errors.Wrapf(ErrMarketClosed, "paper: %s", ticker)
	}
	last, ok := p.prices[ticker]
	if !ok {
		return domain.OrderResponseStatus{}, errors.Wrapf(ErrInvalidTicker, "paper: no price for %s", ticker)
	}
	if req.Quantity <= 0 {
		return domain.OrderResponseStatus{}, fmt.Errorf("paper: quantity %d must be positive", req.Quantity)
	}

	limit := decimal.NewFromFloat(req.LimitPrice)
	ack := domain.OrderResponseStatus{
		BrokerOrderID:   uuid.NewString(),
		InternalOrderID: req.InternalOrderID,
		IdempotencyKey:  req.IdempotencyKey,
		Status:          domain.OrderStatusAccepted,
		SubmittedAt:     p.now().UTC(),
	}

	fillQty := decimal.NewFromInt(req.Quantity).Mul(decimal.NewFromFloat(p.fillRatio)).Floor().IntPart()
	var px decimal.Decimal
	switch req.Side {
	case domain.ActionBuy:
		if limit.IsPositive() && last.GreaterThan(limit) {
			fillQty = 0
		}
		px = decimal.Min(last, limit)
		if !limit.IsPositive() {
			px = last
		}
		cost := px.Mul(decimal.NewFromInt(req.Quantity))
		if cost.GreaterThan(p.cash) {
			return domain.OrderResponseStatus{}, errors.Wrapf(ErrInsufficientFunds, "paper: need %s have %s", cost.StringFixed(2), p.cash.StringFixed(2))
		}
	case domain.ActionSell:
		held := int64(0)
		if pos := p.positions[ticker]; pos != nil {
			held = pos.qty
		}
		if held < req.Quantity {
			return domain.OrderResponseStatus{}, fmt.Errorf("paper: sell %d %s exceeds holding %d", req.Quantity, ticker, held)
		}
		if limit.IsPositive() && last.LessThan(limit) {
			fillQty = 0
		}
		px = decimal.Max(last, limit)
	default:
		return domain.OrderResponseStatus{}, fmt.Errorf("paper: unsupported side %q", req.Side)
	}

	if fillQty > 0 {
		p.applyFillLocked(ticker, req.Side, fillQty, px)
		ack.FilledQty = fillQty
		ack.FilledAvgPrice = px.InexactFloat64()
		ack.Status = domain.OrderStatusPartiallyFilled
		if fillQty == req.Quantity {
			ack.Status = domain.OrderStatusFilled
		}
	}
	return ack, nil
}

func (p *Paper) applyFillLocked(ticker string, side domain.Action, qty int64, px decimal.Decimal) {
	q := decimal.NewFromInt(qty)
	pos := p.positions[ticker]
	if side == domain.ActionBuy {
		p.cash = p.cash.Sub(px.Mul(q))
		if pos == nil {
			p.positions[ticker] = &paperPosition{qty: qty, avgEntry: px}
			return
		}
		total := pos.avgEntry.Mul(decimal.NewFromInt(pos.qty)).Add(px.Mul(q))
		pos.qty += qty
		pos.avgEntry = total.Div(decimal.NewFromInt(pos.qty))
		return
	}
	p.cash = p.cash.Add(px.Mul(q))
	pos.qty -= qty
	if pos.qty == 0 {
		delete(p.positions, ticker)
	}
}

func (p *Paper) CancelOrder(ctx context.Context, brokerOrderID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, o := range p.orders {
		if o.BrokerOrderID != brokerOrderID {
			continue
		}
		if o.Status == domain.OrderStatusFilled || o.Status == domain.OrderStatusCanceled {
			return false, nil
		}
		o.Status = domain.OrderStatusCanceled
		p.orders[k] = o
		return true, nil
	}
	return false, nil
}
