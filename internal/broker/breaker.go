package broker

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/pkg/errors"
	"github.com/sony/gobreaker"

	"github.com/Rajchodisetti/tradeguard/internal/domain"
	"github.com/Rajchodisetti/tradeguard/internal/observ"
)

// Breaker wraps a Client in a circuit breaker. Only network failures count
// toward tripping; business rejections such as insufficient funds are
// successful round trips. An open breaker surfaces as ErrNetwork so the
// execution agent backs off instead of hammering a dead endpoint.
type Breaker struct {
	next Client
	cb   *gobreaker.CircuitBreaker
}

func NewBreaker(name string, next Client) *Breaker {
	st := gobreaker.Settings{
		Name:     name,
		Interval: 60 * time.Second,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		IsSuccessful: func(err error) bool {
			return err == nil || Classify(err) != ClassNetwork
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			observ.Warn("broker_breaker_state", map[string]any{"breaker": name, "from": from.String(), "to": to.String()})
		},
	}
	return &Breaker{next: next, cb: gobreaker.NewCircuitBreaker(st)}
}

// State exposes the breaker state for health checks.
func (b *Breaker) State() gobreaker.State { return b.cb.State() }

func execute[T any](b *Breaker, op string, fn func() (T, error)) (T, error) {
	out, err := b.cb.Execute(func() (any, error) { return fn() })
	if err != nil {
		var zero T
		if stderrors.Is(err, gobreaker.ErrOpenState) || stderrors.Is(err, gobreaker.ErrTooManyRequests) {
			observ.IncCounter("broker_errors_total", map[string]string{"class": "breaker_open"})
			return zero, errors.Wrapf(ErrNetwork, "%s: breaker %s", op, err)
		}
		if out == nil {
			return zero, err
		}
		return out.(T), err
	}
	return out.(T), nil
}

func (b *Breaker) Authenticate(ctx context.Context, creds Credentials) (bool, error) {
	return b.next.Authenticate(ctx, creds)
}

func (b *Breaker) GetAccount(ctx context.Context) (domain.BrokerAccount, error) {
	return execute(b, "get_account", func() (domain.BrokerAccount, error) { return b.next.GetAccount(ctx) })
}

func (b *Breaker) GetPositions(ctx context.Context) ([]domain.BrokerPosition, error) {
	return execute(b, "get_positions", func() ([]domain.BrokerPosition, error) { return b.next.GetPositions(ctx) })
}

func (b *Breaker) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResponseStatus, error) {
	return execute(b, "place_order", func() (domain.OrderResponseStatus, error) { return b.next.PlaceOrder(ctx, req) })
}

func (b *Breaker) CancelOrder(ctx context.Context, brokerOrderID string) (bool, error) {
	return execute(b, "cancel_order", func() (bool, error) { return b.next.CancelOrder(ctx, brokerOrderID) })
}
