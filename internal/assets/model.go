package assets

import (
	"strings"
	"time"
)

// Asset is an uploaded image. A nil OwnerUserID marks an unclaimed asset.
type Asset struct {
	ID            uint64    `gorm:"column:id;primaryKey;autoIncrement"`
	Title         string    `gorm:"column:title;size:255;not null"`
	FileKey       string    `gorm:"column:file_key;size:255;not null"`
	ContentType   string    `gorm:"column:content_type;size:100;not null;default:''"`
	FileSize      int64     `gorm:"column:file_size;not null;default:0"`
	Width         int       `gorm:"column:width;not null;default:0"`
	Height        int       `gorm:"column:height;not null;default:0"`
	OwnerUserID   *string   `gorm:"column:owner_user_id;size:190;index"`
	OwnerUsername string    `gorm:"column:owner_username;size:150;not null;default:''"`
	CollectionID  uint64    `gorm:"column:collection_id;not null;index"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time `gorm:"column:updated_at;autoUpdateTime"`

	// URL is derived from FileKey by the media store and never persisted.
	URL string `gorm:"-"`
}

// TableName keeps the asset table name stable.
func (Asset) TableName() string {
	return "assets"
}

// HasOwner reports whether the asset has been claimed by a user.
func (a Asset) HasOwner() bool {
	return a.OwnerUserID != nil && strings.TrimSpace(*a.OwnerUserID) != ""
}

// OwnedBy reports whether userID is the asset's owner.
func (a Asset) OwnedBy(userID string) bool {
	return a.HasOwner() && *a.OwnerUserID == userID
}
