package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	RecalcStatusCompleted = "completed"
	RecalcStatusFailed    = "failed"
	RecalcStatusCancelled = "cancelled"
)

// RecalculationRun is the audit row written for every full replay.
type RecalculationRun struct {
	ID     uint   `gorm:"primaryKey" json:"id"`
	Status string `json:"status" gorm:"type:varchar(16);check:status IN ('completed','failed','cancelled')"`

	GamesProcessed int    `json:"games_processed"`
	GamesSkipped   int    `json:"games_skipped"`
	LastSequence   uint   `json:"last_sequence"` // last game applied before commit or failure
	ElapsedMs      int64  `json:"elapsed_ms"`
	Error          string `json:"error,omitempty"`

	// Per-identity before/after, see services.RatingChange.
	Changes datatypes.JSON `json:"changes"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}
