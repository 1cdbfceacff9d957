package inflight

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerAdmitsOneHolderPerKey(t *testing.T) {
	tr := NewTracker(4)

	release, err := tr.TryAcquire("AAPL")
	require.NoError(t, err)
	assert.True(t, tr.Active("AAPL"))

	_, err = tr.TryAcquire("AAPL")
	assert.ErrorIs(t, err, ErrBusy)

	other, err := tr.TryAcquire("MSFT")
	require.NoError(t, err)
	other()

	release()
	release() // idempotent
	assert.False(t, tr.Active("AAPL"))

	again, err := tr.TryAcquire("AAPL")
	require.NoError(t, err)
	again()
}

func TestTrackerUnderContention(t *testing.T) {
	tr := NewTracker(0)
	var admitted int32
	var attempted, done sync.WaitGroup
	start := make(chan struct{})
	release := make(chan struct{})

	for i := 0; i < 50; i++ {
		attempted.Add(1)
		done.Add(1)
		go func() {
			defer done.Done()
			<-start
			rel, err := tr.TryAcquire("NVDA")
			attempted.Done()
			if err == nil {
				atomic.AddInt32(&admitted, 1)
				<-release
				rel()
			}
		}()
	}
	close(start)
	attempted.Wait()
	close(release)
	done.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&admitted))
}

func TestKeyedMutexSerialisesPerKey(t *testing.T) {
	km := NewKeyedMutex()
	var counter, maxSeen int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("AAPL")
			defer unlock()
			n := atomic.AddInt32(&counter, 1)
			if n > atomic.LoadInt32(&maxSeen) {
				atomic.StoreInt32(&maxSeen, n)
			}
			atomic.AddInt32(&counter, -1)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxSeen)

	km.mu.Lock()
	assert.Empty(t, km.locks)
	km.mu.Unlock()
}
