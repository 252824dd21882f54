package cutout

import (
	"context"
	"sync"
)

// Locker grants exclusive processing of one upload id. ok is false when
// another holder has it; unlock must be called exactly once after a grant.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), ok bool, err error)
}

// LocalLocker is an in-process Locker. It does not wait: a held id is
// reported as busy straight away.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

func (l *LocalLocker) Lock(_ context.Context, key string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[key]; busy {
		return nil, false, nil
	}
	l.held[key] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, true, nil
}
