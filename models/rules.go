package models

// GameRules is the per-guild policy a game is validated against when it is recorded.
// Callers look it up; the ledger never reads guild configuration itself.
type GameRules struct {
	AllowTeams       bool `json:"allow_teams" env:"ALLOW_TEAMS" envDefault:"true"`
	AllowUnevenTeams bool `json:"allow_uneven_teams" env:"ALLOW_UNEVEN_TEAMS" envDefault:"true"`
	MaxTeamSize      int  `json:"max_team_size" env:"MAX_TEAM_SIZE" envDefault:"0"` // 0 = unlimited
	RequireTeams     bool `json:"require_teams" env:"REQUIRE_TEAMS" envDefault:"false"`
}
