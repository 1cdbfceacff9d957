package broker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/tradeguard/internal/domain"
)

func order(key, ticker string, side domain.Action, qty int64, limit float64) domain.OrderRequest {
	return domain.OrderRequest{
		InternalOrderID: "int-" + key,
		IdempotencyKey:  key,
		Ticker:          ticker,
		Side:            side,
		Quantity:        qty,
		OrderType:       domain.OrderTypeLimit,
		LimitPrice:      limit,
		TimeInForce:     domain.TimeInForceDay,
	}
}

func TestPaperFillsAndDedupes(t *testing.T) {
	ctx := context.Background()
	p := NewPaper(10_000)
	p.SetPrice("KO", 49.5)

	ack, err := p.PlaceOrder(ctx, order("k1", "KO", domain.ActionBuy, 60, 49.75))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, ack.Status)
	assert.Equal(t, int64(60), ack.FilledQty)
	assert.Equal(t, 49.5, ack.FilledAvgPrice)

	again, err := p.PlaceOrder(ctx, order("k1", "KO", domain.ActionBuy, 60, 49.75))
	require.NoError(t, err)
	assert.Equal(t, ack.BrokerOrderID, again.BrokerOrderID)
	assert.Len(t, p.Orders(), 1)

	pos, err := p.GetPositions(ctx)
	require.NoError(t, err)
	require.Len(t, pos, 1)
	assert.Equal(t, int64(60), pos[0].Quantity)
	assert.Equal(t, 2970.0, pos[0].MarketValue)

	acct, err := p.GetAccount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7030.0, acct.BuyingPower)
	assert.Equal(t, 10_000.0, acct.TotalEquity)
}

func TestPaperLimitBelowMarketRests(t *testing.T) {
	p := NewPaper(10_000)
	p.SetPrice("KO", 51)
	ack, err := p.PlaceOrder(context.Background(), order("k1", "KO", domain.ActionBuy, 10, 49.75))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusAccepted, ack.Status)
	assert.Zero(t, ack.FilledQty)

	ok, err := p.CancelOrder(context.Background(), ack.BrokerOrderID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPaperBusinessErrors(t *testing.T) {
	ctx := context.Background()
	p := NewPaper(1_000)
	p.SetPrice("KO", 50)

	_, err := p.PlaceOrder(ctx, order("a", "KO", domain.ActionBuy, 100, 50))
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	_, err = p.PlaceOrder(ctx, order("b", "NOPE", domain.ActionBuy, 1, 50))
	assert.ErrorIs(t, err, ErrInvalidTicker)

	p.SetMarketOpen(false)
	_, err = p.PlaceOrder(ctx, order("c", "KO", domain.ActionBuy, 1, 50))
	assert.ErrorIs(t, err, ErrMarketClosed)
}

func TestPaperDroppedResponseStillExecutes(t *testing.T) {
	ctx := context.Background()
	p := NewPaper(10_000)
	p.SetPrice("KO", 50)
	p.DropResponses(1)

	_, err := p.PlaceOrder(ctx, order("k1", "KO", domain.ActionBuy, 10, 50))
	assert.ErrorIs(t, err, ErrNetwork)

	ack, err := p.PlaceOrder(ctx, order("k1", "KO", domain.ActionBuy, 10, 50))
	require.NoError(t, err)
	assert.Equal(t, int64(10), ack.FilledQty)

	pos, _ := p.GetPositions(ctx)
	require.Len(t, pos, 1)
	assert.Equal(t, int64(10), pos[0].Quantity)
	assert.Equal(t, 2, p.PlaceCalls())
}

func TestPaperSellClosesPosition(t *testing.T) {
	ctx := context.Background()
	p := NewPaper(0)
	p.SetPrice("AAPL", 150)
	p.SetPosition("AAPL", 8, 140)

	ack, err := p.PlaceOrder(ctx, order("s", "AAPL", domain.ActionSell, 8, 150))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, ack.Status)

	pos, _ := p.GetPositions(ctx)
	assert.Empty(t, pos)
	acct, _ := p.GetAccount(ctx)
	assert.Equal(t, 1200.0, acct.TotalEquity)
}
