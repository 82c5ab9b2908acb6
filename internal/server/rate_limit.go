package server

import (
	"context"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	credentialdomain "github.com/smallbiznis/obgateway/internal/credential/domain"
	"github.com/smallbiznis/obgateway/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/obgateway/internal/observability/metrics"
	"github.com/smallbiznis/obgateway/internal/ratelimit"
	"go.uber.org/zap"
)

const rateLimitReasonTokenEndpoint = "token-endpoint-rate"

// AppRateLimit enforces the per-app minute and day quotas for requests
// already admitted by BearerRequired. Only admitted requests are logged, so
// a rejected call never consumes quota.
func (s *Server) AppRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		record := tokenFromContext(c)
		if record == nil {
			writeBearerError(c)
			return
		}

		ctx := c.Request.Context()
		app, err := s.credentials.GetByID(ctx, record.AppID)
		if err != nil {
			if errors.Is(err, credentialdomain.ErrNotFound) {
				writeBearerError(c)
				return
			}
			AbortWithError(c, err)
			return
		}
		if !app.Status.CanAuthenticate() {
			writeBearerError(c)
			return
		}

		endpoint := normalizeRateLimitEndpoint(c)
		decision, err := s.limiter.CheckLimit(ctx, app.ID, app.RateLimitPerMinute, app.RateLimitPerDay)
		if err != nil {
			logger.FromContext(ctx).Warn("app rate limit check failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}

		writeRateLimitHeaders(c, decision)
		if !decision.Allowed {
			denyRateLimit(c, endpoint, decision.Reason, decision.RetryAfter, s.obsMetrics)
			return
		}
		recordRateLimitAllowed(ctx, endpoint, s.obsMetrics)

		started := time.Now()
		c.Next()

		userID := record.UserID
		entry := ratelimit.Entry{
			AppID:      app.ID,
			UserID:     &userID,
			Endpoint:   c.Request.URL.Path,
			Method:     c.Request.Method,
			StatusCode: c.Writer.Status(),
			Latency:    time.Since(started),
			ClientIP:   c.ClientIP(),
		}
		if err := s.limiter.LogRequest(context.WithoutCancel(ctx), entry); err != nil {
			logger.FromContext(ctx).Warn("request log write failed", zap.Error(err))
		}
	}
}

// TokenEndpointThrottle guards the token endpoint against credential
// stuffing per caller address. It is a no-op without Redis.
func (s *Server) TokenEndpointThrottle() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.tokenThrottle == nil {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		endpoint := normalizeRateLimitEndpoint(c)
		result, err := s.tokenThrottle.Allow(ctx, c.ClientIP())
		if err != nil {
			logger.FromContext(ctx).Warn("token endpoint throttle check failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if !result.Allowed {
			denyRateLimit(c, endpoint, rateLimitReasonTokenEndpoint, result.RetryAfter, s.obsMetrics)
			return
		}

		recordRateLimitAllowed(ctx, endpoint, s.obsMetrics)
		c.Next()
	}
}

func writeRateLimitHeaders(c *gin.Context, decision ratelimit.Decision) {
	remainingMinute := decision.RemainingMinute
	remainingDay := decision.RemainingDay
	if decision.Allowed {
		// the current request counts against both windows
		remainingMinute = max(remainingMinute-1, 0)
		remainingDay = max(remainingDay-1, 0)
	}
	c.Header("X-RateLimit-Limit-Minute", strconv.Itoa(decision.LimitMinute))
	c.Header("X-RateLimit-Remaining-Minute", strconv.Itoa(remainingMinute))
	c.Header("X-RateLimit-Limit-Day", strconv.Itoa(decision.LimitDay))
	c.Header("X-RateLimit-Remaining-Day", strconv.Itoa(remainingDay))
}

func denyRateLimit(c *gin.Context, endpoint, reason string, retryAfter time.Duration, metrics *obsmetrics.Metrics) {
	ctx := c.Request.Context()
	logger.FromContext(ctx).Warn("rate limit exceeded",
		zap.String("reason", reason),
		zap.String("endpoint", endpoint),
	)
	recordRateLimitDenied(ctx, endpoint, reason, metrics)

	c.Header("Retry-After", strconv.Itoa(retryAfterSeconds(retryAfter)))
	c.Header("X-Rate-Limited-Reason", reason)
	AbortWithError(c, ErrRateLimited)
}

func retryAfterSeconds(d time.Duration) int {
	seconds := int(math.Ceil(d.Seconds()))
	if seconds < 1 {
		return 1
	}
	return seconds
}

func recordRateLimitAllowed(ctx context.Context, endpoint string, metrics *obsmetrics.Metrics) {
	if metrics == nil {
		return
	}
	metrics.RecordRateLimitAllowed(ctx, endpoint)
}

func recordRateLimitDenied(ctx context.Context, endpoint, reason string, metrics *obsmetrics.Metrics) {
	if metrics == nil {
		return
	}
	metrics.RecordRateLimitDenied(ctx, endpoint, reason)
}

func normalizeRateLimitEndpoint(c *gin.Context) string {
	if c == nil {
		return "unknown"
	}
	endpoint := strings.TrimSpace(c.FullPath())
	if endpoint == "" {
		endpoint = strings.TrimSpace(c.Request.URL.Path)
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	return endpoint
}
