package models

import (
	"sort"
	"time"

	"game-rating-ledger/rating"
)

// Game is one completed match in the ledger. ID doubles as the insertion sequence used to
// break completed_at ties during replay.
type Game struct {
	ID      uint   `json:"sequence" gorm:"primaryKey;autoIncrement"`
	UUID    string `json:"id" gorm:"type:varchar(36);uniqueIndex;not null"`
	GuildID string `json:"guild_id" gorm:"index"`
	Name    string `json:"name"`

	OutcomeKind rating.OutcomeKind `json:"outcome_kind" gorm:"type:varchar(16);not null"`
	IsRanked    bool               `json:"is_ranked" gorm:"not null"`

	// 🚫 Exclusion
	IsVoided          bool   `json:"is_voided" gorm:"default:false"`
	VoidReason        string `json:"void_reason,omitempty"`
	IsExcludedFromElo bool   `json:"is_excluded_from_elo" gorm:"default:false"`

	// ⚖️ Settlement
	IsSettled bool       `json:"is_settled" gorm:"default:false;index"`
	SettledAt *time.Time `json:"settled_at,omitempty"`

	CompletedAt time.Time `json:"completed_at" gorm:"index;not null"`

	Teams        []GameTeam    `json:"teams" gorm:"foreignKey:GameID;constraint:OnDelete:RESTRICT"`
	Participants []Participant `json:"participants" gorm:"foreignKey:GameID;constraint:OnDelete:RESTRICT"`

	Timestamps
}

// GameTeam is a team scoped to a single game. Slot is its position in the game's team
// order and is what outcomes refer to.
type GameTeam struct {
	ID     uint   `json:"-" gorm:"primaryKey"`
	GameID uint   `json:"-" gorm:"uniqueIndex:idx_game_team_slot;not null"`
	Slot   int    `json:"slot" gorm:"uniqueIndex:idx_game_team_slot;not null"`
	Name   string `json:"name,omitempty"`
	Rank   int    `json:"rank" gorm:"not null"` // 1 = best, ties share a rank
}

type Participant struct {
	ID         uint      `json:"-" gorm:"primaryKey"`
	GameID     uint      `json:"-" gorm:"uniqueIndex:idx_game_identity;not null"`
	IdentityID uint      `json:"identity_id" gorm:"uniqueIndex:idx_game_identity;index;not null"`
	Identity   *Identity `json:"identity,omitempty" gorm:"foreignKey:IdentityID"`
	TeamSlot   int       `json:"team_slot" gorm:"not null"`

	// Snapshot taken at settlement (or rewritten by recalculation).
	PreGameRating int  `json:"pre_game_rating"`
	RatingDelta   int  `json:"rating_delta"`
	IsEligible    bool `json:"is_eligible" gorm:"not null"`
}

// Outcome rebuilds the declared result from the stored team ranks.
func (g *Game) Outcome() (rating.Outcome, error) {
	ranks := make([]int, len(g.Teams))
	seen := make([]bool, len(g.Teams))
	for _, t := range g.Teams {
		if t.Slot < 0 || t.Slot >= len(g.Teams) || seen[t.Slot] {
			return rating.Outcome{}, rating.ErrInvalidOutcome
		}
		seen[t.Slot] = true
		ranks[t.Slot] = t.Rank
	}
	return rating.OutcomeFromRanks(g.OutcomeKind, ranks)
}

// EngineTeams groups participants by team slot in slot order. Members keep the order they
// were recorded in (participant id), whatever order the rows were loaded in.
func (g *Game) EngineTeams(ratingOf func(Participant) int, eligible func(Participant) bool) []rating.Team {
	teams := make([]rating.Team, len(g.Teams))
	for i := range teams {
		teams[i].Slot = i
	}
	ordered := append([]Participant(nil), g.Participants...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })
	for _, p := range ordered {
		if p.TeamSlot < 0 || p.TeamSlot >= len(teams) {
			continue
		}
		teams[p.TeamSlot].Members = append(teams[p.TeamSlot].Members, rating.Member{
			IdentityID: p.IdentityID,
			Rating:     ratingOf(p),
			Eligible:   eligible(p),
		})
	}
	return teams
}
