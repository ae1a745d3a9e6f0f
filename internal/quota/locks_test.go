package quota

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	k := newKeyedMutex()
	var inside, peak int32
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("same")
			n := atomic.AddInt32(&inside, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()

	if peak != 1 {
		t.Errorf("peak concurrent holders = %d, want 1", peak)
	}
	if k.size() != 0 {
		t.Errorf("size() = %d after release, want 0", k.size())
	}
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	k := newKeyedMutex()
	unlockA := k.Lock("a")

	done := make(chan struct{})
	go func() {
		unlockB := k.Lock("b")
		unlockB()
		close(done)
	}()
	<-done

	if k.size() != 1 {
		t.Errorf("size() = %d, want 1 while a is held", k.size())
	}
	unlockA()
	if k.size() != 0 {
		t.Errorf("size() = %d, want 0", k.size())
	}
}
