package ratelimit

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// RequestLog is an append-only record of a third-party API call. Rows are
// written once and never updated.
type RequestLog struct {
	ID             snowflake.ID  `gorm:"primaryKey"`
	AppID          snowflake.ID  `gorm:"column:app_id;not null;index:idx_api_request_logs_app_time,priority:1"`
	UserID         *snowflake.ID `gorm:"column:user_id"`
	Endpoint       string        `gorm:"type:text;not null"`
	Method         string        `gorm:"type:text;not null"`
	StatusCode     int           `gorm:"not null"`
	ResponseTimeMs int64         `gorm:"column:response_time_ms"`
	ClientIP       *string       `gorm:"column:client_ip;type:text"`
	RequestedAt    time.Time     `gorm:"not null;index:idx_api_request_logs_app_time,priority:2"`
}

func (RequestLog) TableName() string { return "api_request_logs" }

type Entry struct {
	AppID      snowflake.ID
	UserID     *snowflake.ID
	Endpoint   string
	Method     string
	StatusCode int
	Latency    time.Duration
	ClientIP   string
}

// Decision is the outcome of CheckLimit. Remaining counts never go below
// zero.
type Decision struct {
	Allowed         bool
	LimitMinute     int
	LimitDay        int
	RemainingMinute int
	RemainingDay    int
	RetryAfter      time.Duration
	Reason          string
}

const (
	ReasonMinute = "minute_limit"
	ReasonDay    = "day_limit"
)
