// Package locks serializes draw execution per (user, campaign) with
// bbolt-backed leases. Every lease carries an owner token and a TTL so a
// crashed holder cannot wedge a user; live holders renew via heartbeat.
package locks

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"fortuna/core/types"
)

var (
	bucketLeases = []byte("leases")

	// ErrNotHeld is returned when a heartbeat or release presents an owner
	// token that no longer holds the lease.
	ErrNotHeld = errors.New("lease not held by owner")
)

// acquirePollInterval paces retry attempts while another holder has the
// lease.
const acquirePollInterval = 20 * time.Millisecond

type lease struct {
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Service hands out draw leases.
type Service struct {
	db    *bolt.DB
	clock func() time.Time
}

// Open initialises the bbolt-backed lease store.
func Open(path string) (*Service, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketLeases)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Service{db: db, clock: time.Now}, nil
}

// Close releases the underlying database handle.
func (s *Service) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SetClock overrides the time source for tests.
func (s *Service) SetClock(clock func() time.Time) {
	if clock != nil {
		s.clock = clock
	}
}

// Key builds the lease key for one user's draws on one campaign.
func Key(campaignID uuid.UUID, userID string) string {
	return "draw/" + campaignID.String() + "/" + userID
}

// Acquire blocks until the lease is granted or the timeout elapses, polling
// while another holder is live. Expired leases are claimed in place. The
// returned owner token must accompany every heartbeat and the release.
func (s *Service) Acquire(ctx context.Context, key string, ttl, timeout time.Duration) (string, error) {
	owner := uuid.NewString()
	deadline := s.clock().Add(timeout)
	for {
		granted, err := s.tryAcquire(key, owner, ttl)
		if err != nil {
			return "", types.WrapError(types.CodeTransientStore, err, "acquire lease %s", key)
		}
		if granted {
			return owner, nil
		}
		if !s.clock().Before(deadline) {
			return "", types.NewError(types.CodeLockTimeout, "lease %s busy after %s", key, timeout)
		}
		select {
		case <-ctx.Done():
			return "", types.WrapError(types.CodeTimeout, ctx.Err(), "acquire lease %s", key)
		case <-time.After(acquirePollInterval):
		}
	}
}

func (s *Service) tryAcquire(key, owner string, ttl time.Duration) (bool, error) {
	granted := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketLeases)
		now := s.clock().UTC()
		if raw := bucket.Get([]byte(key)); raw != nil {
			var current lease
			if err := json.Unmarshal(raw, &current); err == nil && now.Before(current.ExpiresAt) {
				return nil
			}
		}
		encoded, err := json.Marshal(lease{Owner: owner, ExpiresAt: now.Add(ttl)})
		if err != nil {
			return err
		}
		if err := bucket.Put([]byte(key), encoded); err != nil {
			return err
		}
		granted = true
		return nil
	})
	return granted, err
}

// Heartbeat extends the lease while the holder is still working. ErrNotHeld
// means the lease expired and was claimed by someone else; the holder must
// abort.
func (s *Service) Heartbeat(key, owner string, ttl time.Duration) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketLeases)
		raw := bucket.Get([]byte(key))
		if raw == nil {
			return ErrNotHeld
		}
		var current lease
		if err := json.Unmarshal(raw, &current); err != nil {
			return err
		}
		if current.Owner != owner {
			return ErrNotHeld
		}
		encoded, err := json.Marshal(lease{Owner: owner, ExpiresAt: s.clock().UTC().Add(ttl)})
		if err != nil {
			return err
		}
		return bucket.Put([]byte(key), encoded)
	})
}

// Release drops the lease when the presented owner still holds it. Releasing
// a lease someone else claimed is a no-op so expired holders exit cleanly.
func (s *Service) Release(key, owner string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketLeases)
		raw := bucket.Get([]byte(key))
		if raw == nil {
			return nil
		}
		var current lease
		if err := json.Unmarshal(raw, &current); err != nil {
			return err
		}
		if current.Owner != owner {
			return nil
		}
		return bucket.Delete([]byte(key))
	})
}
