package model

import "github.com/cyclopcam/dbh"

// BaseModel is our base class for a GORM model.
// The default GORM Model uses int, but we prefer int64
type BaseModel struct {
	ID int64 `gorm:"primaryKey" json:"id"`
}

type AuthUser struct {
	BaseModel
	Email           string      `json:"email"`
	Password        string      `json:"-"`
	CreatedAt       dbh.IntTime `json:"createdAt"`
	SitePermissions string      `json:"sitePermissions"`
}

type AuthSession struct {
	Key        string `gorm:"primaryKey"`
	AuthUserID int64
	CreatedAt  dbh.IntTime
	ExpiresAt  dbh.IntTime // zero means no expiry
}
