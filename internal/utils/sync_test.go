package utils

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOptionalRWMutex_Serializes(t *testing.T) {
	mutex := NewOptionalRWMutex(true)

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				mutex.WithLock(func() {
					counter++
				})
			}
		}()
	}
	wg.Wait()

	var observed int
	mutex.WithRLock(func() {
		observed = counter
	})
	require.Equal(t, 16000, observed)
}

func TestOptionalRWMutex_Disabled(t *testing.T) {
	mutex := NewOptionalRWMutex(false)

	// Disabled mutexes are reentrant since they never lock.
	mutex.Lock()
	mutex.Lock()
	mutex.RLock()
	mutex.RUnlock()
	mutex.Unlock()
	mutex.Unlock()

	require.True(t, mutex.Mutex.TryLock())
	mutex.Mutex.Unlock()
}
