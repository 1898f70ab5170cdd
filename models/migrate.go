package models

import "gorm.io/gorm"

// Migrate creates or updates every table the ledger needs.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Identity{},
		&Game{},
		&GameTeam{},
		&Participant{},
		&RecalculationRun{},
	)
}
