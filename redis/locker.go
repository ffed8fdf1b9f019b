package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sharedcode/dtx"
)

// Locker is a dtx.Locker keeping leases as Redis keys with a TTL.
type Locker struct {
	conn *Connection
}

// NewLocker returns a Locker on conn.
func NewLocker(conn *Connection) *Locker {
	return &Locker{conn: conn}
}

// Only deletes the key if it still holds the caller's lock id.
var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0`)

// Lock attempts to acquire locks for all provided keys using the given TTL duration.
// If any key is already locked by another owner, it returns false and that owner's UUID.
func (l *Locker) Lock(ctx context.Context, duration time.Duration, lockKeys []*dtx.LockKey) (bool, dtx.UUID, error) {
	if l.conn == nil || l.conn.Client == nil {
		return false, dtx.NilUUID, errNotOpen
	}
	for _, lk := range lockKeys {
		ok, err := l.conn.Client.SetNX(ctx, lk.Key, lk.LockID.String(), duration).Result()
		if err != nil {
			return false, dtx.NilUUID, storageError(err)
		}
		if ok {
			lk.IsLockOwner = true
			continue
		}
		owner, err := l.conn.Client.Get(ctx, lk.Key).Result()
		if err != nil && !keyNotFound(err) {
			return false, dtx.NilUUID, storageError(err)
		}
		// Ours from an earlier call.
		if owner == lk.LockID.String() {
			lk.IsLockOwner = true
			continue
		}
		id, _ := dtx.ParseUUID(owner)
		return false, id, nil
	}
	return true, dtx.NilUUID, nil
}

// IsLocked reports whether all provided lock keys are currently owned by the caller.
func (l *Locker) IsLocked(ctx context.Context, lockKeys []*dtx.LockKey) (bool, error) {
	r := true
	var lastErr error
	for _, lk := range lockKeys {
		owner, err := l.conn.Client.Get(ctx, lk.Key).Result()
		if err != nil {
			lk.IsLockOwner = false
			r = false
			if !keyNotFound(err) {
				lastErr = storageError(err)
			}
			continue
		}
		// Key holds another lock id, someone else took it after our lease expired.
		if owner != lk.LockID.String() {
			lk.IsLockOwner = false
			r = false
			continue
		}
		lk.IsLockOwner = true
	}
	return r, lastErr
}

// Refresh extends the TTL of the keys the caller owns.
func (l *Locker) Refresh(ctx context.Context, duration time.Duration, lockKeys []*dtx.LockKey) (bool, error) {
	if ok, err := l.IsLocked(ctx, lockKeys); !ok || err != nil {
		return false, err
	}
	for _, lk := range lockKeys {
		if err := l.conn.Client.Expire(ctx, lk.Key, duration).Err(); err != nil {
			return false, storageError(err)
		}
	}
	return true, nil
}

// Unlock releases the provided lock keys, deleting only those owned by the caller.
func (l *Locker) Unlock(ctx context.Context, lockKeys []*dtx.LockKey) error {
	var lastErr error
	for _, lk := range lockKeys {
		if !lk.IsLockOwner {
			continue
		}
		if err := unlockScript.Run(ctx, l.conn.Client, []string{lk.Key}, lk.LockID.String()).Err(); err != nil && !keyNotFound(err) {
			lastErr = storageError(err)
			continue
		}
		lk.IsLockOwner = false
	}
	return lastErr
}

// CreateLockKeys creates lock keys using newly generated lock IDs for each provided key name.
func (l *Locker) CreateLockKeys(keys []string) []*dtx.LockKey {
	lockKeys := make([]*dtx.LockKey, len(keys))
	for i := range keys {
		lockKeys[i] = &dtx.LockKey{
			// Prefix key with "L" to increase uniqueness.
			Key:    l.conn.key("L" + keys[i]),
			LockID: dtx.NewUUID(),
		}
	}
	return lockKeys
}
