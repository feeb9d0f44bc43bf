package engine

import "sync"

// vaultLocker hands out one mutex per vault ID so that at most one
// sync pass runs against a vault at a time. Callers that arrive while
// a pass is running block until it finishes and then re-check the
// cache instead of starting their own pass.
type vaultLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newVaultLocker() *vaultLocker {
	return &vaultLocker{locks: make(map[string]*sync.Mutex)}
}

func (l *vaultLocker) Lock(vaultID string) func() {
	l.mu.Lock()
	m, ok := l.locks[vaultID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[vaultID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
	}
}
