package risk

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Rajchodisetti/tradeguard/internal/observ"
)

// Halt event types in the kill switch log.
const (
	EventHaltSet   = "halt_set"
	EventHaltReset = "halt_reset"
)

var ErrOperatorRequired = errors.New("reset requires an operator")

// HaltEvent is one transition of the kill switch. The event log is
// replayed on start so a restart never clears a halt.
type HaltEvent struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Source    string    `json:"source"`
	Reason    string    `json:"reason"`
}

// HaltStatus is a snapshot of the kill switch.
type HaltStatus struct {
	Halted bool      `json:"halted"`
	Source string    `json:"source,omitempty"`
	Reason string    `json:"reason,omitempty"`
	Since  time.Time `json:"since,omitempty"`
	// Unpersisted is set while the halt exists only in memory.
	Unpersisted bool `json:"unpersisted,omitempty"`
}

// KillSwitch is the process-wide halt flag. Halted is a lock-free read
// so the gatekeeper can consult it on every evaluation.
type KillSwitch struct {
	halted atomic.Bool

	mu          sync.Mutex
	status      HaltStatus
	eventLog    string
	lastEventID int64
	unsaved     *HaltEvent
	now         func() time.Time
}

// NewKillSwitch replays eventLog, if any. An empty path keeps the switch
// in memory only.
func NewKillSwitch(eventLog string) (*KillSwitch, error) {
	k := &KillSwitch{eventLog: eventLog, now: time.Now}
	if err := k.replay(); err != nil {
		return nil, err
	}
	observ.SetGauge("halt_active", boolGauge(k.Halted()), nil)
	return k, nil
}

func (k *KillSwitch) Halted() bool { return k.halted.Load() }

func (k *KillSwitch) Status() HaltStatus {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.status
}

// Trip halts trading. It returns true only on the transition from not
// halted to halted, so repeated breaches are reported once. A halt that
// cannot be written to the event log still applies in memory; later
// calls retry the write until it lands.
func (k *KillSwitch) Trip(source, reason string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.halted.Load() {
		k.retryUnsaved()
		return false
	}
	ev := k.nextEvent(EventHaltSet, source, reason)
	err := k.persist(ev)
	k.apply(ev)
	if err != nil {
		k.markUnsaved(ev, err)
	}
	observ.Warn("trading_halted", map[string]any{"source": source, "reason": reason})
	return true
}

func (k *KillSwitch) markUnsaved(ev HaltEvent, err error) {
	k.unsaved = &ev
	k.status.Unpersisted = true
	observ.IncCounter("killswitch_persist_failures_total", nil)
	observ.SetGauge("halt_unpersisted", 1, nil)
	observ.Error("killswitch_persist_failed", err, map[string]any{"type": ev.Type, "id": ev.ID})
}

func (k *KillSwitch) retryUnsaved() {
	if k.unsaved == nil {
		return
	}
	if err := k.persist(*k.unsaved); err != nil {
		observ.IncCounter("killswitch_persist_failures_total", nil)
		return
	}
	observ.Log("killswitch_persisted", map[string]any{"id": k.unsaved.ID})
	k.clearUnsaved()
}

func (k *KillSwitch) clearUnsaved() {
	k.unsaved = nil
	k.status.Unpersisted = false
	observ.SetGauge("halt_unpersisted", 0, nil)
}

// Reset clears the halt. Only an explicit operator action may do this.
func (k *KillSwitch) Reset(operator, reason string) error {
	if strings.TrimSpace(operator) == "" {
		return ErrOperatorRequired
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	if !k.halted.Load() {
		return nil
	}
	ev := k.nextEvent(EventHaltReset, operator, reason)
	if err := k.persist(ev); err != nil {
		return fmt.Errorf("failed to persist halt reset: %w", err)
	}
	k.apply(ev)
	k.clearUnsaved()
	observ.Log("trading_resumed", map[string]any{"operator": operator, "reason": reason})
	return nil
}

func (k *KillSwitch) nextEvent(typ, source, reason string) HaltEvent {
	k.lastEventID++
	return HaltEvent{
		ID:        fmt.Sprintf("ks_%d", k.lastEventID),
		Timestamp: k.now().UTC(),
		Type:      typ,
		Source:    source,
		Reason:    reason,
	}
}

func (k *KillSwitch) apply(ev HaltEvent) {
	switch ev.Type {
	case EventHaltSet:
		k.halted.Store(true)
		k.status = HaltStatus{Halted: true, Source: ev.Source, Reason: ev.Reason, Since: ev.Timestamp}
	case EventHaltReset:
		k.halted.Store(false)
		k.status = HaltStatus{}
	}
	observ.SetGauge("halt_active", boolGauge(k.halted.Load()), nil)
}

func (k *KillSwitch) persist(ev HaltEvent) error {
	if k.eventLog == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(k.eventLog), 0755); err != nil {
		return fmt.Errorf("failed to create event log directory: %w", err)
	}
	f, err := os.OpenFile(k.eventLog, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}
	defer f.Close()

	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%s\n", b); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return f.Sync()
}

func (k *KillSwitch) replay() error {
	if k.eventLog == "" {
		return nil
	}
	f, err := os.Open(k.eventLog)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open event log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev HaltEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			observ.IncCounter("killswitch_parse_errors_total", nil)
			continue
		}
		if id, err := strconv.ParseInt(strings.TrimPrefix(ev.ID, "ks_"), 10, 64); err == nil && id > k.lastEventID {
			k.lastEventID = id
		}
		k.apply(ev)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading event log: %w", err)
	}
	return nil
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
