package ratelimit

import "go.uber.org/fx"

var Module = fx.Module("rate.limit",
	fx.Provide(NewRedisClient),
	fx.Provide(NewCounter),
	fx.Provide(NewLimiter),
	fx.Provide(NewTokenThrottle),
)
