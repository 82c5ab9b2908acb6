package userdirectory

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/obgateway/internal/cache"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

const profileTTL = 5 * time.Minute

// Directory resolves users by id. Profiles are cached briefly; lookups
// for the same id in flight are collapsed into one query.
type Directory struct {
	db    *gorm.DB
	log   *zap.Logger
	cache cache.Cache[*User]
	sf    singleflight.Group
}

func New(db *gorm.DB, log *zap.Logger) *Directory {
	return &Directory{
		db:    db,
		log:   log.Named("userdirectory"),
		cache: cache.NewTTLCache[*User](profileTTL),
	}
}

// Lookup returns an active user or ErrNotFound.
func (d *Directory) Lookup(ctx context.Context, id snowflake.ID) (*User, error) {
	if id == 0 {
		return nil, ErrNotFound
	}
	key := id.String()
	if user, ok := d.cache.Get(key); ok {
		return user, nil
	}

	result, err, _ := d.sf.Do(key, func() (any, error) {
		var user User
		err := d.db.WithContext(ctx).Where("id = ?", id).First(&user).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		if user.Status != UserStatusActive {
			return nil, ErrNotFound
		}
		d.cache.Set(key, &user, 0)
		return &user, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*User), nil
}

// Exists reports whether id belongs to an active user.
func (d *Directory) Exists(ctx context.Context, id snowflake.ID) (bool, error) {
	_, err := d.Lookup(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (d *Directory) Invalidate(id snowflake.ID) {
	d.cache.Delete(id.String())
}
