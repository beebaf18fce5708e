package utils

import (
	"sync"
)

// OptionalRWMutex is a sync.RWMutex that can be switched off for owners that are
// synchronized externally. The zero value does not lock.
type OptionalRWMutex struct {
	Mutex    sync.RWMutex
	UseMutex bool
}

func NewOptionalRWMutex(useMutex bool) *OptionalRWMutex {
	return &OptionalRWMutex{UseMutex: useMutex}
}

func (m *OptionalRWMutex) Lock() {
	if m.UseMutex {
		m.Mutex.Lock()
	}
}

func (m *OptionalRWMutex) Unlock() {
	if m.UseMutex {
		m.Mutex.Unlock()
	}
}

func (m *OptionalRWMutex) RLock() {
	if m.UseMutex {
		m.Mutex.RLock()
	}
}

func (m *OptionalRWMutex) RUnlock() {
	if m.UseMutex {
		m.Mutex.RUnlock()
	}
}

// WithLock runs fn while holding the write lock
func (m *OptionalRWMutex) WithLock(fn func()) {
	m.Lock()
	defer m.Unlock()

	fn()
}

// WithRLock runs fn while holding the read lock
func (m *OptionalRWMutex) WithRLock(fn func()) {
	m.RLock()
	defer m.RUnlock()

	fn()
}
