package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type ActorType string

const (
	ActorTypeSystem    ActorType = "system"
	ActorTypeAdmin     ActorType = "admin"
	ActorTypeDeveloper ActorType = "developer"
	ActorTypeUser      ActorType = "user"
	ActorTypeClient    ActorType = "client"
)

const (
	TargetApp     = "third_party_app"
	TargetConsent = "consent"
	TargetToken   = "oauth_token"
)

// AuditLog is an append-only record of a state change on an app, consent
// or token.
type AuditLog struct {
	ID         snowflake.ID      `gorm:"primaryKey"`
	ActorType  ActorType         `gorm:"type:text;not null"`
	ActorID    *string           `gorm:"type:text"`
	Action     string            `gorm:"type:text;not null;index"`
	TargetType string            `gorm:"type:text;not null;index:idx_audit_logs_target,priority:1"`
	TargetID   *string           `gorm:"type:text;index:idx_audit_logs_target,priority:2"`
	Metadata   datatypes.JSONMap `gorm:"type:json"`
	IPAddress  *string           `gorm:"type:text"`
	RequestID  *string           `gorm:"type:text"`
	CreatedAt  time.Time         `gorm:"not null"`
}

func (AuditLog) TableName() string { return "audit_logs" }
