// Package config loads the service configuration from the environment.
package config

import (
	"fmt"
	"log"
	"time"

	"game-rating-ledger/models"
	"game-rating-ledger/rating"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// EloConfig mirrors rating.Config with env bindings.
// Changing any of these rewrites history at the next recalculation.
type EloConfig struct {
	KFactor  int `env:"K_FACTOR" envDefault:"32"`
	Base     int `env:"BASE" envDefault:"10"`
	Divisor  int `env:"DIVISOR" envDefault:"400"`
	Baseline int `env:"BASELINE" envDefault:"1000"`
}

func (c EloConfig) Rating() rating.Config {
	return rating.Config{KFactor: c.KFactor, Base: c.Base, Divisor: c.Divisor, Baseline: c.Baseline}
}

type R2Config struct {
	AccountID       string `env:"CLOUDFLARE_ACCOUNT_ID"`
	AccessKeyID     string `env:"R2_ACCESS_KEY_ID"`
	AccessKeySecret string `env:"R2_ACCESS_KEY_SECRET"`
	Bucket          string `env:"R2_BUCKET_NAME"`
	CDNBaseURL      string `env:"CDN_BASE_URL"`
}

// Enabled reports whether exports can be published.
func (c R2Config) Enabled() bool {
	return c.AccountID != "" && c.Bucket != ""
}

type RedisConfig struct {
	Addr           string `env:"REDIS_ADDR"`
	Password       string `env:"REDIS_PASSWORD"`
	DB             int    `env:"REDIS_DB" envDefault:"0"`
	LeaderboardKey string `env:"REDIS_LEADERBOARD_KEY" envDefault:"elo:leaderboard"`
}

type Config struct {
	Port           string   `env:"PORT" envDefault:"5200"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000"`
	ServiceToken   string   `env:"GAME_SERVICE_TOKEN"`

	// Postgres when set, otherwise SQLite at SQLitePath.
	DatabaseURL string `env:"DATABASE_URL"`
	SQLitePath  string `env:"SQLITE_PATH" envDefault:"ratings.db"`
	SQLDebug    bool   `env:"SQL_DEBUG" envDefault:"false"`

	Elo   EloConfig        `envPrefix:"ELO_"`
	Rules models.GameRules `envPrefix:"RULES_"`

	// Applied at boot by ApplyBanList; every other ban is cleared.
	BannedPlatformIDs  []string `env:"BANNED_PLATFORM_IDS" envSeparator:","`
	BannedGameAccounts []string `env:"BANNED_GAME_ACCOUNTS" envSeparator:","`
	ApplyBansOnBoot    bool     `env:"APPLY_BANS_ON_BOOT" envDefault:"false"`

	LeaderboardCutoff time.Duration `env:"LEADERBOARD_CUTOFF" envDefault:"2160h"` // 90 days
	SettleRetries     int           `env:"SETTLE_RETRIES" envDefault:"3"`

	// SkipTasks keeps the scheduler and the moderation sync worker from starting.
	SkipTasks      bool          `env:"SKIP_TASKS" envDefault:"false"`
	SweepInterval  time.Duration `env:"SETTLE_SWEEP_INTERVAL" envDefault:"1m"`
	ExportInterval time.Duration `env:"EXPORT_INTERVAL"` // 0 disables scheduled exports
	RecalcCron     string        `env:"RECALC_CRON"`     // empty disables scheduled recalculation

	ModerationSyncURL  string        `env:"MODERATION_SYNC_URL"`
	ModerationSyncPath string        `env:"MODERATION_SYNC_PATH" envDefault:"/api/v1/public/identities"`
	SyncInterval       time.Duration `env:"MODERATION_SYNC_INTERVAL" envDefault:"1m"`

	Redis RedisConfig
	R2    R2Config
}

// Load reads an optional .env file and parses the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found, reading environment variables directly")
	}
	return Parse()
}

// Parse reads the process environment only.
func Parse() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.SettleRetries < 1 {
		return fmt.Errorf("SETTLE_RETRIES must be at least 1, got %d", c.SettleRetries)
	}
	if c.Rules.MaxTeamSize < 0 {
		return fmt.Errorf("RULES_MAX_TEAM_SIZE must not be negative, got %d", c.Rules.MaxTeamSize)
	}
	if _, err := rating.New(c.Elo.Rating()); err != nil {
		return err
	}
	return nil
}
