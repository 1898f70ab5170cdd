package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"game-rating-ledger/models"
	"game-rating-ledger/rating"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// RatingChange is one identity's rating before and after a recalculation.
type RatingChange struct {
	IdentityID uint   `json:"identity_id"`
	PlatformID string `json:"platform_id"`
	Before     int    `json:"before"`
	After      int    `json:"after"`
}

type RecalculationReport struct {
	RunID          uint           `json:"run_id"`
	Status         string         `json:"status"`
	GamesProcessed int            `json:"games_processed"`
	GamesSkipped   int            `json:"games_skipped"` // every participant ineligible
	LastSequence   uint           `json:"last_sequence"`
	Elapsed        time.Duration  `json:"-"`
	ElapsedMs      int64          `json:"elapsed_ms"`
	Changes        []RatingChange `json:"changes"`
	Error          string         `json:"error,omitempty"`
}

type Recalculator struct {
	DB        *gorm.DB
	Engine    *rating.Engine
	Policy    EligibilityPolicy
	Gate      *RatingGate
	Mirror    LeaderboardMirror // optional
	BatchSize int
	Now       func() time.Time
}

func NewRecalculator(db *gorm.DB, engine *rating.Engine, policy EligibilityPolicy, gate *RatingGate) *Recalculator {
	return &Recalculator{
		DB:        db,
		Engine:    engine,
		Policy:    policy,
		Gate:      gate,
		BatchSize: 500,
		Now:       time.Now,
	}
}

// RecalculateAll rebuilds every rating by replaying the ranked, non-voided ledger from the
// baseline, judging eligibility by present ban state. It holds the rating gate for the
// whole run and does all of its work in one transaction: on error or cancellation nothing
// is committed except the failed run's audit row.
func (s *Recalculator) RecalculateAll(ctx context.Context) (*RecalculationReport, error) {
	start := time.Now()
	report := &RecalculationReport{}
	var final []models.Identity

	err := s.Gate.Recalculate(func() error {
		log.Println("[RECALC] 🔄 Starting full recalculation")
		// ctx is only consulted between games, never mid-statement
		err := s.DB.WithContext(context.WithoutCancel(ctx)).Transaction(func(tx *gorm.DB) error {
			var err error
			final, err = s.replay(ctx, tx, report)
			if err != nil {
				return err
			}
			report.Status = models.RecalcStatusCompleted
			report.Elapsed = time.Since(start)
			report.ElapsedMs = report.Elapsed.Milliseconds()
			run, err := s.runRow(report, start)
			if err != nil {
				return err
			}
			if err := tx.Create(run).Error; err != nil {
				return storageErr("record run", err)
			}
			report.RunID = run.ID
			return nil
		})
		if err != nil {
			return err
		}
		// rebuilt before settlements resume so none of their publishes is overwritten
		if s.Mirror != nil {
			if err := s.Mirror.Rebuild(ctx, final); err != nil {
				log.Printf("[RECALC] ⚠️ Leaderboard mirror rebuild failed: %v", err)
			}
		}
		return nil
	})
	if errors.Is(err, ErrRecalculationInProgress) {
		return nil, err
	}

	report.Elapsed = time.Since(start)
	report.ElapsedMs = report.Elapsed.Milliseconds()
	if err != nil {
		report.Status = models.RecalcStatusFailed
		if errors.Is(err, ErrRecalculationCancelled) {
			report.Status = models.RecalcStatusCancelled
		}
		report.Error = err.Error()
		report.Changes = nil
		if run, rerr := s.runRow(report, start); rerr == nil {
			// the caller's context may already be cancelled
			if cerr := s.DB.WithContext(context.WithoutCancel(ctx)).Create(run).Error; cerr != nil {
				log.Printf("[RECALC] ⚠️ Failed to record %s run: %v", report.Status, cerr)
			} else {
				report.RunID = run.ID
			}
		}
		log.Printf("[RECALC] ❌ Recalculation %s after %d games, rolled back: %v", report.Status, report.GamesProcessed, err)
		return report, err
	}

	log.Printf("[RECALC] ✅ Recalculated %d games (%d skipped) in %v, %d ratings changed",
		report.GamesProcessed, report.GamesSkipped, report.Elapsed, len(report.Changes))

	return report, nil
}

func (s *Recalculator) replay(ctx context.Context, tx *gorm.DB, report *RecalculationReport) ([]models.Identity, error) {
	baseline := s.Engine.Baseline()

	var idents []models.Identity
	if err := tx.Order("id ASC").Find(&idents).Error; err != nil {
		return nil, storageErr("load identities", err)
	}
	byID := make(map[uint]models.Identity, len(idents))
	current := make(map[uint]int, len(idents))
	for _, ident := range idents {
		byID[ident.ID] = ident
		current[ident.ID] = baseline
	}

	if err := tx.Model(&models.Identity{}).Where("1 = 1").Updates(map[string]any{
		"rating":  baseline,
		"version": gorm.Expr("version + 1"),
	}).Error; err != nil {
		return nil, storageErr("reset ratings", err)
	}

	now := s.Now().UTC()
	batch := s.BatchSize
	if batch <= 0 {
		batch = 500
	}
	var lastAt time.Time
	var lastID uint
	first := true
	for {
		q := tx.Where("is_ranked = ? AND is_voided = ?", true, false)
		if !first {
			q = q.Where("(completed_at > ? OR (completed_at = ? AND id > ?))", lastAt, lastAt, lastID)
		}
		var games []models.Game
		if err := q.Preload("Teams").Preload("Participants", byInsertion).
			Order("completed_at ASC").Order("id ASC").
			Limit(batch).Find(&games).Error; err != nil {
			return nil, storageErr("load games", err)
		}
		if len(games) == 0 {
			break
		}
		first = false

		for i := range games {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("%w at seq %d: %v", ErrRecalculationCancelled, report.LastSequence, err)
			}
			if err := s.replayGame(tx, &games[i], byID, current, now, report); err != nil {
				return nil, err
			}
			lastAt, lastID = games[i].CompletedAt, games[i].ID
		}
	}

	final := make([]models.Identity, 0, len(idents))
	for _, ident := range idents {
		after := current[ident.ID]
		if after != baseline {
			if err := tx.Model(&models.Identity{}).Where("id = ?", ident.ID).Updates(map[string]any{
				"rating":  after,
				"version": gorm.Expr("version + 1"),
			}).Error; err != nil {
				return nil, storageErr("write rating", err)
			}
		}
		if after != ident.Rating {
			report.Changes = append(report.Changes, RatingChange{
				IdentityID: ident.ID,
				PlatformID: ident.PlatformID,
				Before:     ident.Rating,
				After:      after,
			})
		}
		ident.Rating = after
		final = append(final, ident)
	}
	sort.Slice(report.Changes, func(i, j int) bool {
		return report.Changes[i].IdentityID < report.Changes[j].IdentityID
	})
	return final, nil
}

func (s *Recalculator) replayGame(tx *gorm.DB, game *models.Game, byID map[uint]models.Identity, current map[uint]int, now time.Time, report *RecalculationReport) error {
	outcome, err := game.Outcome()
	if err != nil {
		return inconsistent("game %s (seq=%d): %v", game.UUID, game.ID, err)
	}
	if len(game.Participants) == 0 {
		return inconsistent("game %s (seq=%d) has no participants", game.UUID, game.ID)
	}

	anyEligible := false
	for i := range game.Participants {
		p := &game.Participants[i]
		ident, ok := byID[p.IdentityID]
		if !ok {
			return inconsistent("game %s references unknown identity %d", game.UUID, p.IdentityID)
		}
		if p.TeamSlot < 0 || p.TeamSlot >= len(game.Teams) {
			return inconsistent("game %s has a participant in missing team %d", game.UUID, p.TeamSlot)
		}
		p.PreGameRating = current[p.IdentityID]
		p.IsEligible = s.Policy.IsEligible(ident, game.CompletedAt)
		p.RatingDelta = 0
		anyEligible = anyEligible || p.IsEligible
	}

	excluded := !anyEligible
	if excluded {
		report.GamesSkipped++
	} else {
		teams := game.EngineTeams(
			func(p models.Participant) int { return p.PreGameRating },
			func(p models.Participant) bool { return p.IsEligible },
		)
		res := s.Engine.ComputeDeltas(teams, outcome)
		if res.Sum() != 0 {
			return inconsistent("game %s deltas sum to %d", game.UUID, res.Sum())
		}
		for i := range game.Participants {
			p := &game.Participants[i]
			p.RatingDelta = res.Deltas[p.IdentityID]
			current[p.IdentityID] += p.RatingDelta
		}
		report.GamesProcessed++
	}

	for _, p := range game.Participants {
		if err := tx.Model(&models.Participant{}).Where("id = ?", p.ID).Updates(map[string]any{
			"pre_game_rating": p.PreGameRating,
			"rating_delta":    p.RatingDelta,
			"is_eligible":     p.IsEligible,
		}).Error; err != nil {
			return storageErr("rewrite participant", err)
		}
	}

	flags := map[string]any{
		"is_settled":           true,
		"is_excluded_from_elo": excluded,
	}
	if game.SettledAt == nil {
		flags["settled_at"] = now
	}
	if err := tx.Model(&models.Game{}).Where("id = ?", game.ID).Updates(flags).Error; err != nil {
		return storageErr("rewrite game", err)
	}
	report.LastSequence = game.ID
	return nil
}

func (s *Recalculator) runRow(report *RecalculationReport, start time.Time) (*models.RecalculationRun, error) {
	changes := report.Changes
	if changes == nil {
		changes = []RatingChange{}
	}
	blob, err := json.Marshal(changes)
	if err != nil {
		return nil, fmt.Errorf("encode rating changes: %w", err)
	}
	return &models.RecalculationRun{
		Status:         report.Status,
		GamesProcessed: report.GamesProcessed,
		GamesSkipped:   report.GamesSkipped,
		LastSequence:   report.LastSequence,
		ElapsedMs:      report.ElapsedMs,
		Error:          report.Error,
		Changes:        datatypes.JSON(blob),
		StartedAt:      start.UTC(),
		FinishedAt:     start.Add(report.Elapsed).UTC(),
	}, nil
}

// LastRun returns the most recent recalculation audit row, or nil if none has run.
func (s *Recalculator) LastRun(ctx context.Context) (*models.RecalculationRun, error) {
	var run models.RecalculationRun
	err := s.DB.WithContext(ctx).Order("id DESC").First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("last run", err)
	}
	return &run, nil
}
