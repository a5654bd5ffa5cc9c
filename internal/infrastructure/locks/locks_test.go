package locks

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryLockIsExclusivePerIntegration(t *testing.T) {
	l := NewIntegrationLocks()

	unlock := l.TryLock("int-1")
	require.NotNil(t, unlock)

	assert.Nil(t, l.TryLock("int-1"), "second holder must be refused, not blocked")
	assert.NotNil(t, l.TryLock("int-2"), "other integrations are unaffected")

	unlock()
	relock := l.TryLock("int-1")
	assert.NotNil(t, relock)
	relock()
}

func TestLockBlocksUntilReleased(t *testing.T) {
	l := NewIntegrationLocks()
	unlock := l.TryLock("int-1")
	require.NotNil(t, unlock)

	acquired := make(chan struct{})
	go func() {
		inner := l.Lock("int-1")
		close(acquired)
		inner()
	}()

	select {
	case <-acquired:
		t.Fatal("Lock returned while the lock was held")
	default:
	}

	unlock()
	<-acquired
}

func TestLockEntriesAreReclaimed(t *testing.T) {
	l := NewIntegrationLocks()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.Lock("int-1")
			unlock()
		}()
	}
	wg.Wait()

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Empty(t, l.locks, "released entries must not leak")
}
