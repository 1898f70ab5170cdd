package models

import "time"

// Identity is a player as the rating subsystem sees it.
// Created on first sighting (game, ban action, moderation sync) and never deleted,
// so every participant row keeps a valid reference.
type Identity struct {
	ID            uint    `gorm:"primaryKey" json:"id"`
	PlatformID    string  `gorm:"uniqueIndex;not null" json:"platform_id"`     // chat platform account, e.g. discord user id
	GameAccountID *string `gorm:"uniqueIndex" json:"game_account_id,omitempty"` // in-game account, optional until linked
	DisplayName   string  `json:"display_name"`

	IsBanned bool `json:"is_banned" gorm:"default:false;index"`

	// Denormalized current rating; the ledger is the source of truth.
	Rating  int   `json:"rating" gorm:"not null"`
	Version int64 `json:"version" gorm:"not null;default:0"` // bumped on every rating write

	LastActiveAt *time.Time `json:"last_active_at,omitempty" gorm:"index"`

	Timestamps
}

// IdentityRef is how callers name an identity they may not have seen before.
type IdentityRef struct {
	PlatformID    string  `json:"platform_id"`
	GameAccountID *string `json:"game_account_id,omitempty"`
	DisplayName   string  `json:"display_name,omitempty"`
}
