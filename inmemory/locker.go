package inmemory

import (
	"context"
	"sync"
	"time"

	"github.com/sharedcode/dtx"
)

type lease struct {
	owner   dtx.UUID
	expires time.Time
}

// Locker is an in-process dtx.Locker with expiring leases.
type Locker struct {
	mux   sync.Mutex
	locks map[string]lease
}

// NewLocker returns a Locker with no leases.
func NewLocker() *Locker {
	return &Locker{locks: make(map[string]lease)}
}

func (l *Locker) CreateLockKeys(keys []string) []*dtx.LockKey {
	lockKeys := make([]*dtx.LockKey, len(keys))
	for i, k := range keys {
		lockKeys[i] = &dtx.LockKey{
			Key:    "L" + k,
			LockID: dtx.NewUUID(),
		}
	}
	return lockKeys
}

// held returns the live lease of key, expired ones are dropped.
func (l *Locker) held(key string, now time.Time) (lease, bool) {
	ls, ok := l.locks[key]
	if ok && now.After(ls.expires) {
		delete(l.locks, key)
		return lease{}, false
	}
	return ls, ok
}

func (l *Locker) Lock(ctx context.Context, duration time.Duration, lockKeys []*dtx.LockKey) (bool, dtx.UUID, error) {
	l.mux.Lock()
	defer l.mux.Unlock()
	now := time.Now()
	for _, lk := range lockKeys {
		if ls, ok := l.held(lk.Key, now); ok && ls.owner != lk.LockID {
			return false, ls.owner, nil
		}
	}
	for _, lk := range lockKeys {
		l.locks[lk.Key] = lease{owner: lk.LockID, expires: now.Add(duration)}
		lk.IsLockOwner = true
	}
	return true, dtx.NilUUID, nil
}

func (l *Locker) IsLocked(ctx context.Context, lockKeys []*dtx.LockKey) (bool, error) {
	l.mux.Lock()
	defer l.mux.Unlock()
	now := time.Now()
	for _, lk := range lockKeys {
		ls, ok := l.held(lk.Key, now)
		if !ok || ls.owner != lk.LockID {
			return false, nil
		}
	}
	return true, nil
}

func (l *Locker) Unlock(ctx context.Context, lockKeys []*dtx.LockKey) error {
	l.mux.Lock()
	defer l.mux.Unlock()
	for _, lk := range lockKeys {
		if !lk.IsLockOwner {
			continue
		}
		if ls, ok := l.locks[lk.Key]; ok && ls.owner == lk.LockID {
			delete(l.locks, lk.Key)
		}
		lk.IsLockOwner = false
	}
	return nil
}
