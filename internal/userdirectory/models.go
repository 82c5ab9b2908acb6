// Package userdirectory is a read-only view of bank account holders.
// The users table is owned by the core banking system.
package userdirectory

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

var ErrNotFound = errors.New("user_not_found")

type UserStatus string

const (
	UserStatusActive   UserStatus = "ACTIVE"
	UserStatusDisabled UserStatus = "DISABLED"
)

type User struct {
	ID            snowflake.ID `gorm:"primaryKey"`
	ExternalID    string       `gorm:"column:external_id;type:text;not null;uniqueIndex"`
	FullName      string       `gorm:"column:full_name;type:text"`
	Email         string       `gorm:"type:text;not null"`
	EmailVerified bool         `gorm:"not null;default:false"`
	Status        UserStatus   `gorm:"type:text;not null"`
	CreatedAt     time.Time    `gorm:"not null"`
}

func (User) TableName() string { return "users" }
