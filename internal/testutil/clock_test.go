package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStepClock_StartsAtEpoch(t *testing.T) {
	clock := NewStepClock()
	assert.Equal(t, Epoch, clock.Now())
	assert.Equal(t, Epoch.Add(time.Second), clock.Now())
}

func TestStepClock_PeekDoesNotAdvance(t *testing.T) {
	clock := NewStepClockAt(Epoch, time.Minute)
	assert.Equal(t, Epoch, clock.Peek())
	assert.Equal(t, Epoch, clock.Peek())
	clock.Now()
	assert.Equal(t, Epoch.Add(time.Minute), clock.Peek())
}

func TestStepClock_Reset(t *testing.T) {
	clock := NewStepClock()
	clock.Now()
	clock.Now()
	clock.Reset(Epoch)
	assert.Equal(t, Epoch, clock.Now())
}

func TestStepClock_ConcurrentCallsAreDistinct(t *testing.T) {
	clock := NewStepClock()
	const n = 100

	var mu sync.Mutex
	seen := make(map[time.Time]bool, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ts := clock.Now()
			mu.Lock()
			seen[ts] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n)
}

func TestSequentialIDs(t *testing.T) {
	ids := NewSequentialIDs("")
	assert.Equal(t, "evt-0001", ids.Next())
	assert.Equal(t, "evt-0002", ids.Next())

	other := NewSequentialIDs("cmd")
	assert.Equal(t, "cmd-0001", other.Next())
}
