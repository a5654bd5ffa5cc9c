package locks

import "sync"

// IntegrationLocks serializes work per integration id within this process.
// Sync execution and credential refresh share the same lock so two workers
// can never refresh with the same stale refresh token. Cross-process
// duplicate suppression is handled by the repository's BeginSync guard.
type IntegrationLocks struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// NewIntegrationLocks creates an empty lock registry.
func NewIntegrationLocks() *IntegrationLocks {
	return &IntegrationLocks{locks: make(map[string]*lockEntry)}
}

// TryLock acquires the lock for the integration without blocking. It returns
// an unlock func on success, or nil when another worker holds the lock, in
// which case the caller defers the job instead of waiting.
func (l *IntegrationLocks) TryLock(integrationID string) func() {
	l.mu.Lock()
	e, ok := l.locks[integrationID]
	if !ok {
		e = &lockEntry{}
		l.locks[integrationID] = e
	}
	e.refs++
	l.mu.Unlock()

	if !e.mu.TryLock() {
		l.release(integrationID, e)
		return nil
	}
	return func() {
		e.mu.Unlock()
		l.release(integrationID, e)
	}
}

// Lock blocks until the integration lock is held, returning the unlock func.
// Used by the refresh path on the request-driven reconnect flow.
func (l *IntegrationLocks) Lock(integrationID string) func() {
	l.mu.Lock()
	e, ok := l.locks[integrationID]
	if !ok {
		e = &lockEntry{}
		l.locks[integrationID] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.release(integrationID, e)
	}
}

func (l *IntegrationLocks) release(integrationID string, e *lockEntry) {
	l.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, integrationID)
	}
	l.mu.Unlock()
}
