package core

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncMap(t *testing.T) {
	t.Run("load or create stores once", func(t *testing.T) {
		m := NewSyncMap[string, int]()
		calls := 0
		var wg sync.WaitGroup
		var mu sync.Mutex
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				m.LoadOrCreate("k", func() int {
					mu.Lock()
					defer mu.Unlock()
					calls++
					return 7
				})
			}()
		}
		wg.Wait()
		v, ok := m.Load("k")
		assert.True(t, ok)
		assert.Equal(t, 7, v)
		assert.Equal(t, 1, calls)
	})

	t.Run("wrange deletes rejected entries", func(t *testing.T) {
		m := NewSyncMap[string, int]()
		for i, k := range []string{"a", "b", "c"} {
			m.LoadAndStore(k, func(int, bool) int { return i })
		}
		m.WRange(func(_ string, v int) bool { return v != 1 })
		assert.Equal(t, 2, m.Len())
		_, ok := m.Load("b")
		assert.False(t, ok)
	})
}

func TestKeyedMutex(t *testing.T) {
	k := NewKeyedMutex()
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("room")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, counter)
	assert.Equal(t, 0, k.Len())
}

func TestKeyedMutex_Eviction(t *testing.T) {
	k := NewKeyedMutex()

	unlockA := k.Lock("a")
	unlockB := k.Lock("b")
	assert.Equal(t, 2, k.Len())

	acquired := make(chan struct{})
	go func() {
		unlock := k.Lock("a")
		close(acquired)
		unlock()
	}()

	unlockB()
	assert.Equal(t, 1, k.Len())

	select {
	case <-acquired:
		t.Fatal("lock acquired while held")
	case <-time.After(20 * time.Millisecond):
	}
	unlockA()
	<-acquired

	require.Eventually(t, func() bool { return k.Len() == 0 }, time.Second, 10*time.Millisecond)

	// a dropped key can be locked again
	k.Lock("a")()
	assert.Equal(t, 0, k.Len())
}
