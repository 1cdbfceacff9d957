package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/Rajchodisetti/tradeguard/internal/domain"
	"github.com/Rajchodisetti/tradeguard/internal/outbox"
)

// Ledger binds each approval to exactly one OrderRequest. The first
// Reserve for a decision stores req; every later Reserve returns that same
// request, and the ack once one has been recorded.
type Ledger interface {
	Reserve(ctx context.Context, decisionID string, req domain.OrderRequest) (domain.OrderRequest, *domain.OrderResponseStatus, error)
	Complete(ctx context.Context, decisionID string, ack domain.OrderResponseStatus) error
}

type ledgerEntry struct {
	req domain.OrderRequest
	ack *domain.OrderResponseStatus
	at  time.Time
}

// MemoryLedger keeps entries for ttl in process memory.
type MemoryLedger struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]*ledgerEntry
	now     func() time.Time
}

func NewMemoryLedger(ttl time.Duration) *MemoryLedger {
	return &MemoryLedger{ttl: ttl, entries: map[string]*ledgerEntry{}, now: time.Now}
}

func (m *MemoryLedger) Reserve(ctx context.Context, decisionID string, req domain.OrderRequest) (domain.OrderRequest, *domain.OrderResponseStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for id, e := range m.entries {
		if m.ttl > 0 && now.Sub(e.at) > m.ttl {
			delete(m.entries, id)
		}
	}
	if e, ok := m.entries[decisionID]; ok {
		return e.req, e.ack, nil
	}
	m.entries[decisionID] = &ledgerEntry{req: req, at: now}
	return req, nil, nil
}

func (m *MemoryLedger) Complete(ctx context.Context, decisionID string, ack domain.OrderResponseStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[decisionID]
	if !ok {
		return fmt.Errorf("no reservation for decision %s", decisionID)
	}
	e.ack = &ack
	return nil
}

// RedisLedger shares reservations across processes. The request is
// claimed with SETNX so two workers racing on one decision agree on a
// single idempotency key.
type RedisLedger struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisLedger(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisLedger {
	return &RedisLedger{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisLedger) reqKey(id string) string { return r.prefix + id }
func (r *RedisLedger) ackKey(id string) string { return r.prefix + id + ":ack" }

func (r *RedisLedger) Reserve(ctx context.Context, decisionID string, req domain.OrderRequest) (domain.OrderRequest, *domain.OrderResponseStatus, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return domain.OrderRequest{}, nil, fmt.Errorf("failed to marshal order request: %w", err)
	}
	claimed, err := r.client.SetNX(ctx, r.reqKey(decisionID), string(b), r.ttl).Result()
	if err != nil {
		return domain.OrderRequest{}, nil, fmt.Errorf("failed to reserve %s: %w", decisionID, err)
	}
	if claimed {
		return req, nil, nil
	}

	raw, err := r.client.Get(ctx, r.reqKey(decisionID)).Result()
	if err != nil {
		return domain.OrderRequest{}, nil, fmt.Errorf("failed to load reservation %s: %w", decisionID, err)
	}
	var stored domain.OrderRequest
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return domain.OrderRequest{}, nil, fmt.Errorf("failed to decode reservation %s: %w", decisionID, err)
	}

	rawAck, err := r.client.Get(ctx, r.ackKey(decisionID)).Result()
	if errors.Is(err, redis.Nil) {
		return stored, nil, nil
	}
	if err != nil {
		return domain.OrderRequest{}, nil, fmt.Errorf("failed to load ack %s: %w", decisionID, err)
	}
	var ack domain.OrderResponseStatus
	if err := json.Unmarshal([]byte(rawAck), &ack); err != nil {
		return domain.OrderRequest{}, nil, fmt.Errorf("failed to decode ack %s: %w", decisionID, err)
	}
	return stored, &ack, nil
}

func (r *RedisLedger) Complete(ctx context.Context, decisionID string, ack domain.OrderResponseStatus) error {
	b, err := json.Marshal(ack)
	if err != nil {
		return fmt.Errorf("failed to marshal ack: %w", err)
	}
	if err := r.client.Set(ctx, r.ackKey(decisionID), string(b), r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to record ack %s: %w", decisionID, err)
	}
	return nil
}

// JournalLedger uses the outbox journal as a write-ahead log, so a
// restarted process resubmits an unacknowledged order with its original
// idempotency key.
type JournalLedger struct {
	j *outbox.Journal
}

func NewJournalLedger(j *outbox.Journal) *JournalLedger { return &JournalLedger{j: j} }

func (l *JournalLedger) Reserve(ctx context.Context, decisionID string, req domain.OrderRequest) (domain.OrderRequest, *domain.OrderResponseStatus, error) {
	if stored, ack, ok := l.j.Lookup(decisionID); ok {
		return stored, ack, nil
	}
	stored, err := l.j.WriteOrder(decisionID, req)
	if err != nil {
		return domain.OrderRequest{}, nil, err
	}
	return stored, nil, nil
}

func (l *JournalLedger) Complete(ctx context.Context, decisionID string, ack domain.OrderResponseStatus) error {
	return l.j.WriteAck(decisionID, ack)
}
