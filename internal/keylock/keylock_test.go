package keylock

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLockSerializesSameKey(t *testing.T) {
	a := New(4)
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = a.Do("conv-1", func() error {
				n := inside.Add(1)
				for {
					m := maxInside.Load()
					if n <= m || maxInside.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(100 * time.Microsecond)
				inside.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()
	if got := maxInside.Load(); got != 1 {
		t.Errorf("max concurrent holders = %d, want 1", got)
	}
}

func TestLockDifferentKeysDoNotBlock(t *testing.T) {
	a := New(1) // both keys share a shard
	unlock := a.Lock("a")
	defer unlock()

	done := make(chan struct{})
	go func() {
		a.Lock("b")()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("lock on b blocked behind a")
	}
}

func TestEntriesAreReleased(t *testing.T) {
	a := New(0)
	var wg sync.WaitGroup
	for i := range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Lock(string(rune('a' + i%10)))()
		}()
	}
	wg.Wait()
	if n := a.Len(); n != 0 {
		t.Errorf("Len() = %d after all unlocks, want 0", n)
	}
}

func TestDoReturnsError(t *testing.T) {
	a := New(0)
	want := errors.New("boom")
	if err := a.Do("k", func() error { return want }); !errors.Is(err, want) {
		t.Errorf("Do() error = %v, want %v", err, want)
	}
	if a.Len() != 0 {
		t.Error("key still held after Do returned")
	}
}
