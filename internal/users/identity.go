package users

import (
	"strings"
	"time"
)

// Identity maps a provider-specific login to a canonical user id and the
// username the editor works under.
type Identity struct {
	Provider    string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject     string    `gorm:"column:subject;primaryKey;size:190;not null"`
	UserID      string    `gorm:"column:user_id;size:190;not null;index"`
	Username    string    `gorm:"column:username;size:150;not null;default:'';index"`
	Email       string    `gorm:"column:user_email;size:320"`
	DisplayName string    `gorm:"column:user_display_name;size:320"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at;autoUpdateTime"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user identities.
func (Identity) TableName() string {
	return "user_identities"
}

// Principal is the requesting editor. The zero value is anonymous.
type Principal struct {
	UserID      string
	Username    string
	DisplayName string
}

// IsAuthenticated reports whether the principal names a user.
func (p Principal) IsAuthenticated() bool {
	return normalize(p.UserID) != "" && normalize(p.Username) != ""
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
