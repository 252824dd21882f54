package cutout

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
)

func TestLocalLockerSingleHolder(t *testing.T) {
	l := NewLocalLocker()
	var granted atomic.Int32
	var wg sync.WaitGroup
	unlocks := make(chan func(), 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, ok, err := l.Lock(context.Background(), "abc123")
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			if ok {
				granted.Add(1)
				unlocks <- unlock
			}
		}()
	}
	wg.Wait()
	close(unlocks)
	if got := granted.Load(); got != 1 {
		t.Fatalf("expected exactly one holder, got %d", got)
	}

	for unlock := range unlocks {
		unlock()
		unlock()
	}
	if _, ok, _ := l.Lock(context.Background(), "abc123"); !ok {
		t.Fatalf("expected lock to be free after unlock")
	}
	if _, ok, _ := l.Lock(context.Background(), "other"); !ok {
		t.Fatalf("expected independent ids not to contend")
	}
}
