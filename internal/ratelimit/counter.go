package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Usage is the number of requests an app made in the current minute and
// day windows, with upper bounds on when each window frees capacity.
type Usage struct {
	Minute        int64
	Day           int64
	MinuteResetIn time.Duration
	DayResetIn    time.Duration
}

// Counter backs CheckLimit. Record is called for every logged request.
type Counter interface {
	Record(ctx context.Context, appID snowflake.ID, at time.Time) error
	Count(ctx context.Context, appID snowflake.ID, now time.Time) (Usage, error)
}

// LogCounter counts trailing windows directly over api_request_logs. The
// log row itself is the record, so Record is a no-op.
type LogCounter struct {
	db *gorm.DB
}

func NewLogCounter(db *gorm.DB) *LogCounter {
	return &LogCounter{db: db}
}

func (c *LogCounter) Record(context.Context, snowflake.ID, time.Time) error {
	return nil
}

func (c *LogCounter) Count(ctx context.Context, appID snowflake.ID, now time.Time) (Usage, error) {
	var usage Usage
	if err := c.countSince(ctx, appID, now.Add(-time.Minute), &usage.Minute); err != nil {
		return Usage{}, err
	}
	if err := c.countSince(ctx, appID, now.Add(-24*time.Hour), &usage.Day); err != nil {
		return Usage{}, err
	}
	usage.MinuteResetIn = time.Minute
	usage.DayResetIn = 24 * time.Hour
	return usage, nil
}

func (c *LogCounter) countSince(ctx context.Context, appID snowflake.ID, since time.Time, out *int64) error {
	return c.db.WithContext(ctx).
		Model(&RequestLog{}).
		Where("app_id = ? AND requested_at >= ?", appID, since).
		Count(out).Error
}

const (
	keyMinuteWindow = "obgw:rl:%s:m:%d"
	keyDayWindow    = "obgw:rl:%s:d:%s"
)

// RedisCounter keeps fixed minute and day windows per app. Keys expire
// shortly after their window closes.
type RedisCounter struct {
	client *redis.Client
}

func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client}
}

func (c *RedisCounter) Record(ctx context.Context, appID snowflake.ID, at time.Time) error {
	minuteKey, dayKey := windowKeys(appID, at)

	pipe := c.client.TxPipeline()
	pipe.Incr(ctx, minuteKey)
	pipe.Expire(ctx, minuteKey, 2*time.Minute)
	pipe.Incr(ctx, dayKey)
	pipe.Expire(ctx, dayKey, 25*time.Hour)
	_, err := pipe.Exec(ctx)
	return err
}

func (c *RedisCounter) Count(ctx context.Context, appID snowflake.ID, now time.Time) (Usage, error) {
	minuteKey, dayKey := windowKeys(appID, now)

	values, err := c.client.MGet(ctx, minuteKey, dayKey).Result()
	if err != nil {
		return Usage{}, err
	}

	now = now.UTC()
	return Usage{
		Minute:        parseCount(values[0]),
		Day:           parseCount(values[1]),
		MinuteResetIn: now.Truncate(time.Minute).Add(time.Minute).Sub(now),
		DayResetIn:    now.Truncate(24 * time.Hour).Add(24 * time.Hour).Sub(now),
	}, nil
}

func windowKeys(appID snowflake.ID, at time.Time) (string, string) {
	at = at.UTC()
	return fmt.Sprintf(keyMinuteWindow, appID.String(), at.Unix()/60),
		fmt.Sprintf(keyDayWindow, appID.String(), at.Format("20060102"))
}

func parseCount(v any) int64 {
	switch val := v.(type) {
	case string:
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return 0
		}
		return n
	case int64:
		return val
	default:
		return 0
	}
}
