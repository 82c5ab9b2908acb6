package ratelimit

import (
	"context"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/obgateway/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// NewRedisClient returns nil when the log backend is selected.
func NewRedisClient(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (*redis.Client, error) {
	limitCfg := cfg.RateLimit
	if limitCfg.Backend != config.RateLimitBackendRedis {
		return nil, nil
	}
	if limitCfg.RedisAddr == "" {
		return nil, errors.New("rate limit redis addr is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     limitCfg.RedisAddr,
		Password: limitCfg.RedisPassword,
		DB:       limitCfg.RedisDB,
	})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := client.Ping(ctx).Err(); err != nil {
				return err
			}
			log.Info("rate limit redis connected", zap.String("addr", limitCfg.RedisAddr))
			return nil
		},
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client, nil
}

func NewCounter(client *redis.Client, db *gorm.DB) Counter {
	if client == nil {
		return NewLogCounter(db)
	}
	return NewRedisCounter(client)
}

// TokenThrottle limits token endpoint calls per caller address. It is nil
// without Redis.
type TokenThrottle struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

func NewTokenThrottle(client *redis.Client, cfg config.Config) *TokenThrottle {
	if client == nil || cfg.RateLimit.TokenEndpointRate <= 0 || cfg.RateLimit.TokenEndpointBurst <= 0 {
		return nil
	}
	return &TokenThrottle{
		bucket: NewTokenBucket(client),
		rate:   cfg.RateLimit.TokenEndpointRate,
		burst:  cfg.RateLimit.TokenEndpointBurst,
	}
}

func (t *TokenThrottle) Allow(ctx context.Context, clientIP string) (BucketResult, error) {
	if t == nil {
		return BucketResult{Allowed: true}, nil
	}
	return t.bucket.Allow(ctx, "obgw:token:ip:"+clientIP, t.rate, t.burst)
}
