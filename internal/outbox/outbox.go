// Package outbox is an append-only JSONL journal. It carries the audit
// trail and a write-ahead record of every order submission, so a restart
// can find orders that were sent but never acknowledged.
package outbox

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Rajchodisetti/tradeguard/internal/domain"
	"github.com/Rajchodisetti/tradeguard/internal/observ"
)

// Entry types.
const (
	TypeAudit = "audit"
	TypeOrder = "order"
	TypeAck   = "ack"
)

// Entry is one journal line.
type Entry struct {
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data"`
	Event time.Time       `json:"event"`
}

// OrderIntent is written before an order leaves the process.
type OrderIntent struct {
	DecisionID string              `json:"decision_id"`
	Request    domain.OrderRequest `json:"request"`
}

// OrderAck closes an OrderIntent.
type OrderAck struct {
	DecisionID string                     `json:"decision_id"`
	Ack        domain.OrderResponseStatus `json:"ack"`
}

type orderRecord struct {
	req domain.OrderRequest
	ack *domain.OrderResponseStatus
}

// Journal appends entries to a single file. Writes are serialised and
// synced before returning.
type Journal struct {
	path   string
	mu     sync.Mutex
	orders map[string]*orderRecord // by decision id
}

// Open creates the directory and replays existing order entries.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	j := &Journal{path: path, orders: map[string]*orderRecord{}}
	if err := j.replay(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) Path() string { return j.path }

// Record appends an audit event.
func (j *Journal) Record(ctx context.Context, ev domain.AuditEvent) error {
	return j.append(TypeAudit, ev)
}

// Lookup returns the order intent for decisionID and its ack, if any.
func (j *Journal) Lookup(decisionID string) (domain.OrderRequest, *domain.OrderResponseStatus, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	rec, ok := j.orders[decisionID]
	if !ok {
		return domain.OrderRequest{}, nil, false
	}
	return rec.req, rec.ack, true
}

// WriteOrder records an intent. A second intent for the same decision is
// ignored and the first request is returned.
func (j *Journal) WriteOrder(decisionID string, req domain.OrderRequest) (domain.OrderRequest, error) {
	j.mu.Lock()
	if rec, ok := j.orders[decisionID]; ok {
		j.mu.Unlock()
		return rec.req, nil
	}
	j.orders[decisionID] = &orderRecord{req: req}
	j.mu.Unlock()

	if err := j.append(TypeOrder, OrderIntent{DecisionID: decisionID, Request: req}); err != nil {
		j.mu.Lock()
		delete(j.orders, decisionID)
		j.mu.Unlock()
		return domain.OrderRequest{}, err
	}
	return req, nil
}

// WriteAck closes the intent for decisionID.
func (j *Journal) WriteAck(decisionID string, ack domain.OrderResponseStatus) error {
	if err := j.append(TypeAck, OrderAck{DecisionID: decisionID, Ack: ack}); err != nil {
		return err
	}
	j.mu.Lock()
	if rec, ok := j.orders[decisionID]; ok {
		a := ack
		rec.ack = &a
	}
	j.mu.Unlock()
	return nil
}

// Unacknowledged lists intents that never received an ack.
func (j *Journal) Unacknowledged() []OrderIntent {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []OrderIntent
	for id, rec := range j.orders {
		if rec.ack == nil {
			out = append(out, OrderIntent{DecisionID: id, Request: rec.req})
		}
	}
	return out
}

// Audit returns the audit events in file order.
func (j *Journal) Audit() ([]domain.AuditEvent, error) {
	var out []domain.AuditEvent
	err := j.scan(func(e Entry) {
		if e.Type != TypeAudit {
			return
		}
		var ev domain.AuditEvent
		if err := json.Unmarshal(e.Data, &ev); err == nil {
			out = append(out, ev)
		}
	})
	return out, err
}

func (j *Journal) append(typ string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s entry: %w", typ, err)
	}
	line, err := json.Marshal(Entry{Type: typ, Data: data, Event: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal journal entry: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write journal: %w", err)
	}
	return f.Sync()
}

func (j *Journal) scan(fn func(Entry)) error {
	f, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			observ.IncCounter("journal_parse_errors_total", nil)
			continue
		}
		fn(e)
	}
	return scanner.Err()
}

func (j *Journal) replay() error {
	return j.scan(func(e Entry) {
		switch e.Type {
		case TypeOrder:
			var in OrderIntent
			if json.Unmarshal(e.Data, &in) == nil {
				if _, ok := j.orders[in.DecisionID]; !ok {
					j.orders[in.DecisionID] = &orderRecord{req: in.Request}
				}
			}
		case TypeAck:
			var a OrderAck
			if json.Unmarshal(e.Data, &a) == nil {
				if rec, ok := j.orders[a.DecisionID]; ok {
					ack := a.Ack
					rec.ack = &ack
				}
			}
		}
	})
}
