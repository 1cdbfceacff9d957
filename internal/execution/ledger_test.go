package execution

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/tradeguard/internal/domain"
	"github.com/Rajchodisetti/tradeguard/internal/outbox"
)

func request(key string) domain.OrderRequest {
	return domain.OrderRequest{
		InternalOrderID: "int-" + key,
		IdempotencyKey:  key,
		Ticker:          "KO",
		Side:            domain.ActionBuy,
		Quantity:        60,
		OrderType:       domain.OrderTypeLimit,
		LimitPrice:      49.75,
		TimeInForce:     domain.TimeInForceDay,
	}
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}

func TestLedgersKeepTheFirstRequest(t *testing.T) {
	j, err := outbox.Open(filepath.Join(t.TempDir(), "journal.jsonl"))
	require.NoError(t, err)

	ledgers := map[string]Ledger{
		"memory":  NewMemoryLedger(time.Hour),
		"journal": NewJournalLedger(j),
	}
	ctx := context.Background()
	for name, l := range ledgers {
		t.Run(name, func(t *testing.T) {
			got, ack, err := l.Reserve(ctx, "d1", request("key-1"))
			require.NoError(t, err)
			assert.Equal(t, "key-1", got.IdempotencyKey)
			assert.Nil(t, ack)

			got, ack, err = l.Reserve(ctx, "d1", request("key-2"))
			require.NoError(t, err)
			assert.Equal(t, "key-1", got.IdempotencyKey)
			assert.Nil(t, ack)

			require.NoError(t, l.Complete(ctx, "d1", domain.OrderResponseStatus{BrokerOrderID: "b1", Status: domain.OrderStatusFilled}))
			_, ack, err = l.Reserve(ctx, "d1", request("key-3"))
			require.NoError(t, err)
			require.NotNil(t, ack)
			assert.Equal(t, "b1", ack.BrokerOrderID)
		})
	}
}

func TestMemoryLedgerExpiresEntries(t *testing.T) {
	l := NewMemoryLedger(time.Minute)
	now := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	_, _, err := l.Reserve(ctx, "d1", request("key-1"))
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	got, _, err := l.Reserve(ctx, "d1", request("key-2"))
	require.NoError(t, err)
	assert.Equal(t, "key-2", got.IdempotencyKey)

	assert.Error(t, l.Complete(ctx, "unknown", domain.OrderResponseStatus{}))
}

func TestRedisLedger(t *testing.T) {
	ctx := context.Background()
	ttl := time.Hour
	req := request("key-1")
	ack := domain.OrderResponseStatus{BrokerOrderID: "b1", IdempotencyKey: "key-1", Status: domain.OrderStatusFilled, FilledQty: 60}

	t.Run("first reservation claims the key", func(t *testing.T) {
		db, mock := redismock.NewClientMock()
		l := NewRedisLedger(db, "tg:", ttl)

		mock.ExpectSetNX("tg:d1", mustJSON(t, req), ttl).SetVal(true)

		got, prior, err := l.Reserve(ctx, "d1", req)
		require.NoError(t, err)
		assert.Equal(t, req, got)
		assert.Nil(t, prior)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("later reservation returns the stored request", func(t *testing.T) {
		db, mock := redismock.NewClientMock()
		l := NewRedisLedger(db, "tg:", ttl)
		second := request("key-2")

		mock.ExpectSetNX("tg:d1", mustJSON(t, second), ttl).SetVal(false)
		mock.ExpectGet("tg:d1").SetVal(mustJSON(t, req))
		mock.ExpectGet("tg:d1:ack").RedisNil()

		got, prior, err := l.Reserve(ctx, "d1", second)
		require.NoError(t, err)
		assert.Equal(t, "key-1", got.IdempotencyKey)
		assert.Nil(t, prior)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("completed reservation returns the ack", func(t *testing.T) {
		db, mock := redismock.NewClientMock()
		l := NewRedisLedger(db, "tg:", ttl)

		mock.ExpectSet("tg:d1:ack", mustJSON(t, ack), ttl).SetVal("OK")
		require.NoError(t, l.Complete(ctx, "d1", ack))

		mock.ExpectSetNX("tg:d1", mustJSON(t, req), ttl).SetVal(false)
		mock.ExpectGet("tg:d1").SetVal(mustJSON(t, req))
		mock.ExpectGet("tg:d1:ack").SetVal(mustJSON(t, ack))

		_, prior, err := l.Reserve(ctx, "d1", req)
		require.NoError(t, err)
		require.NotNil(t, prior)
		assert.Equal(t, "b1", prior.BrokerOrderID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("redis failure is an error", func(t *testing.T) {
		db, mock := redismock.NewClientMock()
		l := NewRedisLedger(db, "tg:", ttl)

		mock.ExpectSetNX("tg:d1", mustJSON(t, req), ttl).SetErr(redis.TxFailedErr)

		_, _, err := l.Reserve(ctx, "d1", req)
		assert.Error(t, err)
	})
}

func TestPendingBookConsumesSameDirectionOnly(t *testing.T) {
	b := NewPendingBook(time.Hour)
	b.Add("aapl", "o1", 5)
	b.Add("AAPL", "o2", 3)
	b.Add("AAPL", "o3", -2)

	assert.Equal(t, int64(6), b.Outstanding("AAPL"))

	assert.Equal(t, int64(7), b.Consume("AAPL", 7))
	assert.Equal(t, int64(-1), b.Outstanding("AAPL"))

	assert.Equal(t, int64(1), b.Consume("AAPL", 4), "only one working buy share left")
	assert.Equal(t, int64(0), b.Consume("AAPL", 4))
	assert.Equal(t, int64(-2), b.Consume("AAPL", -10))
	assert.Zero(t, b.Outstanding("AAPL"))
}

func TestPendingBookExpires(t *testing.T) {
	b := NewPendingBook(time.Hour)
	now := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }

	b.Add("KO", "o1", 10)
	now = now.Add(2 * time.Hour)
	assert.Zero(t, b.Outstanding("KO"))
	assert.Zero(t, b.Consume("KO", 10))
}
