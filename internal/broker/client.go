// Package broker defines the broker boundary and its implementations.
// The broker is the source of truth for positions and fills.
package broker

import (
	"context"
	stderrors "errors"

	"github.com/Rajchodisetti/tradeguard/internal/domain"
)

// Credentials authenticate against a broker environment.
type Credentials struct {
	Key    string
	Secret string
	Env    string // paper | live
}

// Client is everything the safety layer needs from a broker. Every call
// takes a context carrying the caller's timeout.
type Client interface {
	Authenticate(ctx context.Context, creds Credentials) (bool, error)
	GetAccount(ctx context.Context) (domain.BrokerAccount, error)
	GetPositions(ctx context.Context) ([]domain.BrokerPosition, error)
	PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResponseStatus, error)
	CancelOrder(ctx context.Context, brokerOrderID string) (bool, error)
}

// Broker error sentinels. Implementations wrap these so callers can test
// with errors.Is.
var (
	ErrRateLimited       = stderrors.New("broker rate limit")
	ErrNetwork           = stderrors.New("broker network error")
	ErrInsufficientFunds = stderrors.New("insufficient buying power")
	ErrInvalidTicker     = stderrors.New("invalid ticker")
	ErrMarketClosed      = stderrors.New("market closed")
	ErrUnauthorized      = stderrors.New("broker unauthorized")
	ErrLiveNotAllowed    = stderrors.New("live trading endpoint not allowed")
)

// Class tells the execution agent how to react to a broker error.
type Class int

const (
	ClassFatal Class = iota
	ClassRateLimit
	ClassNetwork
)

func (c Class) String() string {
	switch c {
	case ClassRateLimit:
		return "rate_limit"
	case ClassNetwork:
		return "network"
	}
	return "fatal"
}

// Classify maps an error to a retry class. Anything unrecognised is fatal.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassFatal
	case stderrors.Is(err, ErrRateLimited):
		return ClassRateLimit
	case stderrors.Is(err, ErrNetwork),
		stderrors.Is(err, context.DeadlineExceeded):
		return ClassNetwork
	}
	return ClassFatal
}
