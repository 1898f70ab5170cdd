package services

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"game-rating-ledger/models"
	"game-rating-ledger/rating"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TeamInput is one side of a game as reported by the caller.
type TeamInput struct {
	Name    string               `json:"name,omitempty"`
	Members []models.IdentityRef `json:"members"`
}

// GameInput is a completed game about to enter the ledger. Teams are addressed by their
// index (slot) in Teams, both here and in Outcome.
type GameInput struct {
	GuildID     string           `json:"guild_id"`
	Name        string           `json:"name"`
	Teams       []TeamInput      `json:"teams"`
	Outcome     rating.Outcome   `json:"outcome"`
	IsRanked    bool             `json:"is_ranked"`
	CompletedAt time.Time        `json:"completed_at"`
	Rules       models.GameRules `json:"-"`
}

type LedgerService struct {
	DB         *gorm.DB
	Engine     *rating.Engine
	Identities *IdentityService
	Policy     EligibilityPolicy
	Gate       *RatingGate
	Mirror     LeaderboardMirror // optional
	Now        func() time.Time
}

func NewLedgerService(db *gorm.DB, engine *rating.Engine, identities *IdentityService, policy EligibilityPolicy, gate *RatingGate) *LedgerService {
	return &LedgerService{
		DB:         db,
		Engine:     engine,
		Identities: identities,
		Policy:     policy,
		Gate:       gate,
		Now:        time.Now,
	}
}

// ValidateGame checks a game against the ledger invariants and the guild rules.
func ValidateGame(in GameInput) error {
	if len(in.Teams) < 2 {
		return invalid("teams", "a game needs at least 2 teams, got %d", len(in.Teams))
	}
	seenPlatform := make(map[string]bool)
	seenAccount := make(map[string]bool)
	size := len(in.Teams[0].Members)
	for slot, team := range in.Teams {
		n := len(team.Members)
		switch {
		case n == 0:
			return invalid("teams", "team %d has no members", slot)
		case n > 1 && !in.Rules.AllowTeams:
			return invalid("teams", "team games are not allowed here")
		case in.Rules.MaxTeamSize > 0 && n > in.Rules.MaxTeamSize:
			return invalid("teams", "team %d has %d members, the limit is %d", slot, n, in.Rules.MaxTeamSize)
		case n != size && !in.Rules.AllowUnevenTeams:
			return invalid("teams", "uneven teams are not allowed here")
		case in.Rules.RequireTeams && strings.TrimSpace(team.Name) == "":
			return invalid("teams", "team %d must be named", slot)
		}
		for _, m := range team.Members {
			pid := strings.TrimSpace(m.PlatformID)
			if pid == "" {
				return invalid("members", "team %d has a member without a platform id", slot)
			}
			if seenPlatform[pid] {
				return invalid("members", "player %s appears more than once", pid)
			}
			seenPlatform[pid] = true
			if m.GameAccountID != nil && *m.GameAccountID != "" {
				if seenAccount[*m.GameAccountID] {
					return invalid("members", "game account %s appears more than once", *m.GameAccountID)
				}
				seenAccount[*m.GameAccountID] = true
			}
		}
	}
	if err := in.Outcome.Validate(len(in.Teams)); err != nil {
		return invalid("outcome", "%v", err)
	}
	return nil
}

// RecordGame appends a completed game and settles it.
// The game is committed before settlement starts, so when settlement fails the returned
// game is still non-nil and the caller can retry SettleGame with its ID.
func (s *LedgerService) RecordGame(ctx context.Context, in GameInput) (*models.Game, error) {
	if err := ValidateGame(in); err != nil {
		return nil, err
	}

	game, err := s.appendGame(ctx, in)
	if err != nil {
		return nil, err
	}
	log.Printf("[LEDGER] 📝 Recorded game %s (seq=%d, teams=%d, ranked=%t)", game.UUID, game.ID, len(game.Teams), game.IsRanked)

	if err := s.SettleGame(ctx, game.ID); err != nil {
		return game, err
	}
	return s.GetGame(ctx, game.ID)
}

func (s *LedgerService) appendGame(ctx context.Context, in GameInput) (*models.Game, error) {
	completedAt := in.CompletedAt
	if completedAt.IsZero() {
		completedAt = s.Now()
	}
	game := models.Game{
		UUID:        uuid.NewString(),
		GuildID:     in.GuildID,
		Name:        in.Name,
		OutcomeKind: in.Outcome.Kind,
		IsRanked:    in.IsRanked,
		CompletedAt: completedAt.UTC(),
	}

	// appends wait out a running recalculation like settlements do
	err := s.Gate.Settle(func() error {
		return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return s.insertGame(ctx, tx, in, &game)
		})
	})
	if err != nil {
		return nil, err
	}
	return &game, nil
}

func (s *LedgerService) insertGame(ctx context.Context, tx *gorm.DB, in GameInput, game *models.Game) error {
	seen := make(map[uint]bool)
	for slot, team := range in.Teams {
		game.Teams = append(game.Teams, models.GameTeam{
			Slot: slot,
			Name: team.Name,
			Rank: in.Outcome.Rank(slot),
		})
		for _, ref := range team.Members {
			ident, err := s.Identities.EnsureIdentity(ctx, tx, ref)
			if err != nil {
				return err
			}
			if seen[ident.ID] {
				return invalid("members", "player %s appears more than once", ident.PlatformID)
			}
			seen[ident.ID] = true
			game.Participants = append(game.Participants, models.Participant{
				IdentityID:    ident.ID,
				TeamSlot:      slot,
				PreGameRating: ident.Rating,
				IsEligible:    true,
			})
		}
	}
	if err := tx.Create(game).Error; err != nil {
		return storageErr("append game", err)
	}
	return nil
}

// SettleGame applies a recorded game's deltas in one transaction. Calling it on a game
// that is already settled does nothing. Voided games are never settled.
func (s *LedgerService) SettleGame(ctx context.Context, gameID uint) error {
	var touched []models.Identity
	var settled bool

	err := s.Gate.Settle(func() error {
		err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var game models.Game
			err := tx.Preload("Teams").Preload("Participants", byInsertion).First(&game, gameID).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrGameNotFound
			}
			if err != nil {
				return storageErr("load game", err)
			}
			if game.IsSettled {
				return nil
			}
			if game.IsVoided {
				return invalid("game", "game %s is voided and cannot be settled", game.UUID)
			}

			outcome, err := game.Outcome()
			if err != nil {
				return inconsistent("game %s: %v", game.UUID, err)
			}

			ids := make([]uint, 0, len(game.Participants))
			for _, p := range game.Participants {
				ids = append(ids, p.IdentityID)
			}
			var idents []models.Identity
			if err := tx.Where("id IN ?", ids).Find(&idents).Error; err != nil {
				return storageErr("load participants", err)
			}
			if len(idents) != len(ids) {
				return inconsistent("game %s references %d identities, found %d", game.UUID, len(ids), len(idents))
			}
			byID := make(map[uint]models.Identity, len(idents))
			for _, ident := range idents {
				byID[ident.ID] = ident
			}

			now := s.Now().UTC()
			anyEligible := false
			for i := range game.Participants {
				p := &game.Participants[i]
				p.PreGameRating = byID[p.IdentityID].Rating
				p.IsEligible = s.Policy.IsEligible(byID[p.IdentityID], now)
				p.RatingDelta = 0
				anyEligible = anyEligible || p.IsEligible
			}
			excluded := !anyEligible

			var res rating.Result
			if game.IsRanked && !excluded {
				teams := game.EngineTeams(
					func(p models.Participant) int { return p.PreGameRating },
					func(p models.Participant) bool { return p.IsEligible },
				)
				res = s.Engine.ComputeDeltas(teams, outcome)
				if res.Sum() != 0 {
					return inconsistent("game %s deltas sum to %d", game.UUID, res.Sum())
				}
			}

			for _, p := range game.Participants {
				p.RatingDelta = res.Deltas[p.IdentityID]
				if err := tx.Model(&models.Participant{}).Where("id = ?", p.ID).Updates(map[string]any{
					"pre_game_rating": p.PreGameRating,
					"rating_delta":    p.RatingDelta,
					"is_eligible":     p.IsEligible,
				}).Error; err != nil {
					return storageErr("snapshot participant", err)
				}

				ident := byID[p.IdentityID]
				if game.IsRanked && !excluded && p.IsEligible {
					// the snapshot is only valid if nobody wrote this rating since we read it
					upd := tx.Model(&models.Identity{}).
						Where("id = ? AND version = ?", ident.ID, ident.Version).
						Updates(map[string]any{
							"rating":  p.PreGameRating + p.RatingDelta,
							"version": gorm.Expr("version + 1"),
						})
					if upd.Error != nil {
						return storageErr("apply delta", upd.Error)
					}
					if upd.RowsAffected == 0 {
						return ErrConcurrency
					}
					ident.Rating = p.PreGameRating + p.RatingDelta
					ident.Version++
				}
				touched = append(touched, ident)
			}

			if err := tx.Model(&models.Identity{}).
				Where("id IN ? AND (last_active_at IS NULL OR last_active_at < ?)", ids, game.CompletedAt).
				Update("last_active_at", game.CompletedAt).Error; err != nil {
				return storageErr("touch participants", err)
			}

			flag := tx.Model(&models.Game{}).
				Where("id = ? AND is_settled = ?", game.ID, false).
				Updates(map[string]any{
					"is_settled":           true,
					"settled_at":           now,
					"is_excluded_from_elo": excluded,
				})
			if flag.Error != nil {
				return storageErr("flag settled", flag.Error)
			}
			if flag.RowsAffected == 0 {
				return ErrConcurrency
			}

			settled = true
			log.Printf("[LEDGER] ⚖️ Settled game %s (seq=%d, ranked=%t, excluded=%t, active teams=%d)",
				game.UUID, game.ID, game.IsRanked, excluded, res.Active)
			return nil
		})
		if err != nil {
			return err
		}
		// still under the gate, so a recalculation cannot rebuild the mirror in between
		if settled && s.Mirror != nil {
			if err := s.Mirror.Publish(ctx, touched); err != nil {
				log.Printf("[LEDGER] ⚠️ Leaderboard mirror update failed: %v", err)
			}
		}
		return nil
	})
	return err
}

// SettleWithRetry retries SettleGame on ErrConcurrency, re-reading ratings each time.
func (s *LedgerService) SettleWithRetry(ctx context.Context, gameID uint, attempts int) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		err = s.SettleGame(ctx, gameID)
		if !errors.Is(err, ErrConcurrency) {
			return err
		}
		log.Printf("[LEDGER] 🔁 Settlement of seq=%d lost a rating race (attempt %d/%d)", gameID, i+1, attempts)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(i+1) * 25 * time.Millisecond):
		}
	}
	return err
}

// VoidGame removes a game from rating history. Ratings are not touched here; the next
// recalculation replays without it.
func (s *LedgerService) VoidGame(ctx context.Context, gameID uint, reason string) (*models.Game, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, invalid("reason", "a void reason is required")
	}
	err := s.Gate.Settle(func() error {
		return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var game models.Game
			err := tx.First(&game, gameID).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrGameNotFound
			}
			if err != nil {
				return storageErr("load game", err)
			}
			if game.IsVoided {
				return nil
			}
			if err := tx.Model(&game).Updates(map[string]any{
				"is_voided":            true,
				"void_reason":          reason,
				"is_excluded_from_elo": true,
			}).Error; err != nil {
				return storageErr("void game", err)
			}
			log.Printf("[LEDGER] 🚫 Voided game %s: %s", game.UUID, reason)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return s.GetGame(ctx, gameID)
}

func (s *LedgerService) GetGame(ctx context.Context, gameID uint) (*models.Game, error) {
	return s.findGame(ctx, s.DB.WithContext(ctx).Where("id = ?", gameID))
}

func (s *LedgerService) GetGameByUUID(ctx context.Context, id string) (*models.Game, error) {
	return s.findGame(ctx, s.DB.WithContext(ctx).Where("uuid = ?", id))
}

// byInsertion orders participants as they were reported, which fixes who receives a
// rounding residual.
func byInsertion(db *gorm.DB) *gorm.DB {
	return db.Order("id ASC")
}

func (s *LedgerService) findGame(_ context.Context, q *gorm.DB) (*models.Game, error) {
	var game models.Game
	err := q.
		Preload("Teams", func(db *gorm.DB) *gorm.DB { return db.Order("slot ASC") }).
		Preload("Participants", func(db *gorm.DB) *gorm.DB { return db.Order("team_slot ASC, id ASC") }).
		Preload("Participants.Identity").
		First(&game).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrGameNotFound
	}
	if err != nil {
		return nil, storageErr("get game", err)
	}
	return &game, nil
}

// PendingSettlements lists recorded games that never settled, in ledger order.
func (s *LedgerService) PendingSettlements(ctx context.Context) ([]models.Game, error) {
	var games []models.Game
	err := s.DB.WithContext(ctx).
		Where("is_settled = ? AND is_voided = ?", false, false).
		Order("completed_at ASC").Order("id ASC").
		Find(&games).Error
	if err != nil {
		return nil, storageErr("pending settlements", err)
	}
	return games, nil
}
