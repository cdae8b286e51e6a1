package users

import (
	"strings"
	"time"
)

// User is the persistent account record. The push token is mutated only by
// explicit registration calls; accounts are never deleted by this service.
type User struct {
	ID           string    `gorm:"column:id;primaryKey;size:64;not null"`
	Name         string    `gorm:"column:name;size:320;not null"`
	Username     string    `gorm:"column:username;size:190;not null;uniqueIndex"`
	Email        string    `gorm:"column:email;size:320"`
	PasswordHash string    `gorm:"column:password_hash;size:128"`
	GoogleID     string    `gorm:"column:google_id;size:190;uniqueIndex:idx_users_google_id,where:google_id <> ''"`
	AvatarURL    string    `gorm:"column:avatar_url;size:512"`
	PushToken    string    `gorm:"column:push_token;size:256"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user accounts.
func (User) TableName() string {
	return "users"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
