package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrLockTimeout is returned when acquiring a session lock times out.
	ErrLockTimeout = errors.New("session: lock acquisition timeout")
)

// sessionLock is a one-slot token channel. Holding the token means holding
// the lock, so waiters can select on the channel against timers and
// context cancellation.
type sessionLock struct {
	slot     chan struct{}
	mu       sync.Mutex // guards holder and acquired
	holder   string
	acquired time.Time
}

func newSessionLock() *sessionLock {
	return &sessionLock{slot: make(chan struct{}, 1)}
}

func (s *sessionLock) held() bool {
	return len(s.slot) == 1
}

// Locker serializes control-plane operations per session id. Connect,
// rebind and teardown for the same session must not interleave; turn
// execution itself is guarded by the bridge's own lock.
//
// Thread Safety:
// Locker is safe for concurrent use.
type Locker struct {
	locks      map[string]*sessionLock
	mu         sync.RWMutex
	defaultTTL time.Duration
}

// NewLocker creates a session locker. A background sweep drops entries
// for sessions that have been idle for a while.
func NewLocker(defaultTTL time.Duration) *Locker {
	if defaultTTL <= 0 {
		defaultTTL = 30 * time.Second
	}

	l := &Locker{
		locks:      make(map[string]*sessionLock),
		defaultTTL: defaultTTL,
	}

	go l.cleanupLoop()

	return l
}

// Acquire takes the lock for sessionID, waiting up to timeout. The
// returned release function must be called when done.
func (l *Locker) Acquire(ctx context.Context, sessionID, holder string, timeout time.Duration) (func(), error) {
	if timeout <= 0 {
		timeout = l.defaultTTL
	}

	lock := l.lockFor(sessionID)

	select {
	case lock.slot <- struct{}{}:
	default:
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case lock.slot <- struct{}{}:
		case <-timer.C:
			return nil, ErrLockTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return lock.grant(holder), nil
}

// TryAcquire takes the lock without waiting. Returns false if held.
func (l *Locker) TryAcquire(sessionID, holder string) (func(), bool) {
	lock := l.lockFor(sessionID)

	select {
	case lock.slot <- struct{}{}:
		return lock.grant(holder), true
	default:
		return nil, false
	}
}

// grant records the holder and returns the release function. Release is
// idempotent so a double call cannot steal a later holder's token.
func (s *sessionLock) grant(holder string) func() {
	s.mu.Lock()
	s.holder = holder
	s.acquired = time.Now()
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.holder = ""
			s.mu.Unlock()
			<-s.slot
		})
	}
}

// IsLocked reports whether the session's control-plane lock is held.
func (l *Locker) IsLocked(sessionID string) bool {
	l.mu.RLock()
	lock, ok := l.locks[sessionID]
	l.mu.RUnlock()

	return ok && lock.held()
}

// WithSession runs fn while holding the session's lock.
func (l *Locker) WithSession(ctx context.Context, sessionID, holder string, fn func() error) error {
	release, err := l.Acquire(ctx, sessionID, holder, 0)
	if err != nil {
		return err
	}
	defer release()

	return fn()
}

func (l *Locker) lockFor(sessionID string) *sessionLock {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock, ok := l.locks[sessionID]
	if !ok {
		lock = newSessionLock()
		l.locks[sessionID] = lock
	}
	return lock
}

func (l *Locker) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		l.cleanup()
	}
}

func (l *Locker) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-10 * time.Minute)

	for id, lock := range l.locks {
		lock.mu.Lock()
		idle := !lock.held() && lock.acquired.Before(cutoff)
		lock.mu.Unlock()
		if idle {
			delete(l.locks, id)
		}
	}
}
