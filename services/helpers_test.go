package services

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"game-rating-ledger/models"
	"game-rating-ledger/rating"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// one connection keeps the shared in-memory database alive and serializes writers
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := models.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

type fixture struct {
	db         *gorm.DB
	engine     *rating.Engine
	gate       *RatingGate
	identities *IdentityService
	ledger     *LedgerService
	recalc     *Recalculator
	next       int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := newTestDB(t)
	engine, err := rating.New(rating.DefaultConfig)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	gate := NewRatingGate()
	identities := NewIdentityService(db, engine.Baseline(), 90*24*time.Hour)
	ledger := NewLedgerService(db, engine, identities, CurrentBanPolicy{}, gate)
	recalc := NewRecalculator(db, engine, CurrentBanPolicy{}, gate)
	recalc.BatchSize = 2 // force several pages in every replay
	return &fixture{db: db, engine: engine, gate: gate, identities: identities, ledger: ledger, recalc: recalc}
}

var openRules = models.GameRules{AllowTeams: true, AllowUnevenTeams: true}

// input builds a game from teams of platform ids; each call completes one minute later.
func (f *fixture) input(outcome rating.Outcome, ranked bool, teams ...[]string) GameInput {
	f.next++
	in := GameInput{
		GuildID:     "main",
		Name:        fmt.Sprintf("game %d", f.next),
		Outcome:     outcome,
		IsRanked:    ranked,
		CompletedAt: epoch.Add(time.Duration(f.next) * time.Minute),
		Rules:       openRules,
	}
	for i, members := range teams {
		team := TeamInput{Name: fmt.Sprintf("team %d", i)}
		for _, m := range members {
			team.Members = append(team.Members, models.IdentityRef{PlatformID: m})
		}
		in.Teams = append(in.Teams, team)
	}
	return in
}

func (f *fixture) record(t *testing.T, outcome rating.Outcome, teams ...[]string) *models.Game {
	t.Helper()
	g, err := f.ledger.RecordGame(context.Background(), f.input(outcome, true, teams...))
	if err != nil {
		t.Fatalf("record game: %v", err)
	}
	return g
}

func (f *fixture) ratings(t *testing.T) map[string]int {
	t.Helper()
	var idents []models.Identity
	if err := f.db.Find(&idents).Error; err != nil {
		t.Fatalf("load identities: %v", err)
	}
	out := make(map[string]int, len(idents))
	for _, i := range idents {
		out[i.PlatformID] = i.Rating
	}
	return out
}

func (f *fixture) rating(t *testing.T, platformID string) int {
	t.Helper()
	r, err := f.identities.GetRating(context.Background(), platformID)
	if err != nil {
		t.Fatalf("get rating %s: %v", platformID, err)
	}
	return r
}

func (f *fixture) ban(t *testing.T, platformID string, banned bool) {
	t.Helper()
	if _, err := f.identities.SetBanned(context.Background(), platformID, banned); err != nil {
		t.Fatalf("set banned %s: %v", platformID, err)
	}
}

type participantState struct {
	Pre, Delta int
	Eligible   bool
}

func (f *fixture) participants(t *testing.T) map[string]participantState {
	t.Helper()
	var rows []models.Participant
	if err := f.db.Order("id ASC").Find(&rows).Error; err != nil {
		t.Fatalf("load participants: %v", err)
	}
	out := make(map[string]participantState, len(rows))
	for _, p := range rows {
		out[fmt.Sprintf("%d/%d", p.GameID, p.IdentityID)] = participantState{p.PreGameRating, p.RatingDelta, p.IsEligible}
	}
	return out
}

func count(t *testing.T, db *gorm.DB, model any) int64 {
	t.Helper()
	var n int64
	if err := db.Model(model).Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}
