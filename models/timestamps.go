package models

import (
	"time"

	"gorm.io/gorm"
)

// Timestamps adds GORM auto-times
type Timestamps struct {
	CreatedAt time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`
}

// Identity is the verified caller as supplied by the access gate.
type Identity struct {
	UserID  string `json:"user_id"`
	IsAdmin bool   `json:"is_admin"`
}
