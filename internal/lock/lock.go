// Package lock provides per-key mutual exclusion for operations that must not
// run twice at once, such as closing a cycle. The Redis implementation spans
// processes; the memory implementation serves a single process and tests.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrHeld is returned by TryLock when another holder owns the key.
var ErrHeld = errors.New("lock: already held")

// Locker acquires a key without waiting. The returned release func is safe
// to call more than once and only frees the lock if this holder still owns it.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// CycleKey is the lock key guarding a cycle's close.
func CycleKey(cycleID string) string { return "lock:cycle:" + cycleID }

// MemoryLocker implements Locker in-process. Expired holders are replaced.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]holder
	now  func() time.Time
}

type holder struct {
	token   string
	expires time.Time
}

// NewMemoryLocker creates an in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]holder), now: time.Now}
}

func (l *MemoryLocker) TryLock(_ context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if h, ok := l.held[key]; ok && now.Before(h.expires) {
		return nil, ErrHeld
	}
	token := uuid.NewString()
	l.held[key] = holder{token: token, expires: now.Add(ttl)}

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if h, ok := l.held[key]; ok && h.token == token {
			delete(l.held, key)
		}
	}, nil
}
