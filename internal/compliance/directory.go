package compliance

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"coin_ledger/internal/store"
	"coin_ledger/internal/utils"
)

// Identity is the KYC view of a user.
type Identity struct {
	UserID       uint   `json:"user_id"`
	Jurisdiction string `json:"jurisdiction"`
	Sanctioned   bool   `json:"sanctioned"`
	KYCVerified  bool   `json:"kyc_verified"`
}

// Directory resolves identities. Unknown users return an error wrapping
// domain.ErrNotFound.
type Directory interface {
	Identity(ctx context.Context, userID uint) (Identity, error)
}

// StoreDirectory reads identities from the users table.
type StoreDirectory struct {
	store store.Store
}

// NewStoreDirectory returns a directory over s.
func NewStoreDirectory(s store.Store) *StoreDirectory {
	return &StoreDirectory{store: s}
}

func (d *StoreDirectory) Identity(ctx context.Context, userID uint) (Identity, error) {
	var id Identity
	err := d.store.View(ctx, func(tx store.Tx) error {
		user, err := tx.User(userID)
		if err != nil {
			return err
		}
		id = Identity{
			UserID:       user.ID,
			Jurisdiction: user.Jurisdiction,
			Sanctioned:   user.Sanctioned,
			KYCVerified:  user.KYCVerified,
		}
		return nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("identity %d: %w", userID, err)
	}
	return id, nil
}

// CachedDirectory fronts another Directory with a cache. Cache failures are
// logged and fall through to the wrapped directory.
type CachedDirectory struct {
	next  Directory
	cache utils.Cache
	ttl   time.Duration
	log   logrus.FieldLogger
}

// NewCachedDirectory caches identities from next for ttl.
func NewCachedDirectory(next Directory, cache utils.Cache, ttl time.Duration, log logrus.FieldLogger) *CachedDirectory {
	return &CachedDirectory{next: next, cache: cache, ttl: ttl, log: log.WithField("component", "identity_cache")}
}

func (d *CachedDirectory) Identity(ctx context.Context, userID uint) (Identity, error) {
	key := utils.IdentityKey(userID)
	var id Identity
	found, err := d.cache.Get(ctx, key, &id)
	if err != nil {
		d.log.WithError(err).WithField("user_id", userID).Warn("identity cache read failed")
	} else if found {
		return id, nil
	}
	id, err = d.next.Identity(ctx, userID)
	if err != nil {
		return Identity{}, err
	}
	if err := d.cache.Set(ctx, key, id, d.ttl); err != nil {
		d.log.WithError(err).WithField("user_id", userID).Warn("identity cache write failed")
	}
	return id, nil
}

// Invalidate drops the cached identity of userID.
func (d *CachedDirectory) Invalidate(ctx context.Context, userID uint) error {
	return d.cache.Delete(ctx, utils.IdentityKey(userID))
}
