package credit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// KeyedLocker serializes work per key (employee ID). Different keys never
// contend. Acquisition gives up after the timeout with ErrBusy instead of
// blocking forever.
type KeyedLocker struct {
	timeout time.Duration

	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

// NewKeyedLocker returns a locker. timeout <= 0 waits until ctx is done.
func NewKeyedLocker(timeout time.Duration) *KeyedLocker {
	return &KeyedLocker{timeout: timeout, locks: make(map[string]*keyLock)}
}

// Lock acquires the lock for key. The returned func releases it and is safe
// to call more than once.
func (l *KeyedLocker) Lock(ctx context.Context, key string) (func(), error) {
	kl := l.acquireRef(key)

	var expired <-chan time.Time
	if l.timeout > 0 {
		timer := time.NewTimer(l.timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case kl.sem <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-kl.sem
				l.releaseRef(key, kl)
			})
		}, nil
	case <-expired:
		l.releaseRef(key, kl)
		return nil, fmt.Errorf("lock %s not acquired within %s: %w", key, l.timeout, ErrBusy)
	case <-ctx.Done():
		l.releaseRef(key, kl)
		return nil, ctx.Err()
	}
}

func (l *KeyedLocker) acquireRef(key string) *keyLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{sem: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	return kl
}

func (l *KeyedLocker) releaseRef(key string, kl *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}

// held reports how many keys currently have waiters or holders.
func (l *KeyedLocker) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
