package model

import "time"

type UserStatus string

const (
	UserActive   UserStatus = "ACTIVE"
	UserInactive UserStatus = "INACTIVE"
)

// User carries the minimum identity surface the ledger needs: an alias
// (phone number) for counter-party resolution and an active flag. Account
// management itself lives outside this service.
type User struct {
	ID        uint64     `gorm:"primaryKey"`
	Name      string     `gorm:"size:128;not null"`
	Phone     string     `gorm:"size:32;uniqueIndex;not null"`
	Status    UserStatus `gorm:"size:16;not null;default:'ACTIVE'"`
	CreatedAt time.Time  `gorm:"autoCreateTime"`
	UpdatedAt time.Time  `gorm:"autoUpdateTime"`
}

func (User) TableName() string { return "app_user" }
