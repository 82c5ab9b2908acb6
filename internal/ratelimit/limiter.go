package ratelimit

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/obgateway/internal/clock"
	"github.com/smallbiznis/obgateway/internal/observability/logger"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type LimiterParams struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Counter Counter
}

// Limiter enforces per-app request quotas. Checking and logging are
// separate steps; concurrent requests may overshoot a limit slightly.
type Limiter struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	counter Counter
}

func NewLimiter(p LimiterParams) *Limiter {
	return &Limiter{
		db:      p.DB,
		log:     p.Log.Named("ratelimit"),
		genID:   p.GenID,
		clock:   p.Clock,
		counter: p.Counter,
	}
}

// LogRequest appends an audit row for a completed request.
func (l *Limiter) LogRequest(ctx context.Context, entry Entry) error {
	now := l.clock.Now()

	var clientIP *string
	if ip := strings.TrimSpace(entry.ClientIP); ip != "" {
		clientIP = &ip
	}
	row := &RequestLog{
		ID:             l.genID.Generate(),
		AppID:          entry.AppID,
		UserID:         entry.UserID,
		Endpoint:       entry.Endpoint,
		Method:         strings.ToUpper(entry.Method),
		StatusCode:     entry.StatusCode,
		ResponseTimeMs: entry.Latency.Milliseconds(),
		ClientIP:       clientIP,
		RequestedAt:    now,
	}
	if err := l.db.WithContext(ctx).Create(row).Error; err != nil {
		return err
	}

	if err := l.counter.Record(ctx, entry.AppID, now); err != nil {
		logger.WithContext(ctx, l.log).Warn("rate limit counter update failed",
			zap.String("app_id", entry.AppID.String()),
			zap.Error(err),
		)
	}
	return nil
}

// CheckLimit reports whether the app may make another request. It does
// not count the request itself.
func (l *Limiter) CheckLimit(ctx context.Context, appID snowflake.ID, perMinute, perDay int) (Decision, error) {
	usage, err := l.counter.Count(ctx, appID, l.clock.Now())
	if err != nil {
		return Decision{}, err
	}

	decision := Decision{
		LimitMinute:     perMinute,
		LimitDay:        perDay,
		RemainingMinute: remaining(perMinute, usage.Minute),
		RemainingDay:    remaining(perDay, usage.Day),
	}
	minuteOK := usage.Minute < int64(perMinute)
	dayOK := usage.Day < int64(perDay)
	decision.Allowed = minuteOK && dayOK

	switch {
	case !dayOK:
		decision.Reason = ReasonDay
		decision.RetryAfter = usage.DayResetIn
	case !minuteOK:
		decision.Reason = ReasonMinute
		decision.RetryAfter = usage.MinuteResetIn
	}
	return decision, nil
}

func remaining(limit int, used int64) int {
	left := int64(limit) - used
	if left < 0 {
		return 0
	}
	return int(left)
}

// PruneLogs deletes up to limit request log rows older than retention.
// Retention shorter than a day would undercount the daily window, so it is
// raised to one day.
func (l *Limiter) PruneLogs(ctx context.Context, retention time.Duration, limit int) (int64, error) {
	if retention < 24*time.Hour {
		retention = 24 * time.Hour
	}
	cutoff := l.clock.Now().Add(-retention)

	var ids []snowflake.ID
	stmt := l.db.WithContext(ctx).
		Model(&RequestLog{}).
		Where("requested_at < ?", cutoff).
		Order("id asc")
	if limit > 0 {
		stmt = stmt.Limit(limit)
	}
	if err := stmt.Pluck("id", &ids).Error; err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	res := l.db.WithContext(ctx).Where("id IN ?", ids).Delete(&RequestLog{})
	if res.Error != nil {
		return 0, res.Error
	}
	logger.WithContext(ctx, l.log).Info("request logs pruned",
		zap.Int64("count", res.RowsAffected),
		zap.Time("cutoff", cutoff),
	)
	return res.RowsAffected, nil
}
