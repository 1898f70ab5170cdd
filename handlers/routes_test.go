package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"game-rating-ledger/models"
	"game-rating-ledger/rating"
	"game-rating-ledger/services"

	"github.com/gofiber/fiber/v2"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type testApp struct {
	app      *fiber.App
	ledger   *services.LedgerService
	recalc   *services.Recalculator
	exporter *services.ExportService
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:h_%s?mode=memory&cache=shared", name)),
		&gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := models.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	engine, err := rating.New(rating.DefaultConfig)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	gate := services.NewRatingGate()
	identities := services.NewIdentityService(db, engine.Baseline(), 90*24*time.Hour)
	ledger := services.NewLedgerService(db, engine, identities, services.CurrentBanPolicy{}, gate)
	recalc := services.NewRecalculator(db, engine, services.CurrentBanPolicy{}, gate)
	exporter := services.NewExportService(db, engine, nil)

	app := fiber.New()
	SetupRatingRoutes(app, identities)
	SetupGameRoutes(app, ledger, models.GameRules{AllowTeams: true, AllowUnevenTeams: true}, 3)
	SetupAdminRoutes(app, AdminDeps{
		Identities:  identities,
		Ledger:      ledger,
		Recalc:      recalc,
		Exporter:    exporter,
		ExportLabel: "test",
	})
	return &testApp{app: app, ledger: ledger, recalc: recalc, exporter: exporter}
}

func (a *testApp) do(t *testing.T, method, path string, body any, roles string) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "user-1")
	if roles != "" {
		req.Header.Set("X-User-Roles", roles)
	}
	resp, err := a.app.Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, out
}

func decode[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return v
}

func duel(winner, loser string) fiber.Map {
	return fiber.Map{
		"guild_id": "main",
		"name":     winner + " vs " + loser,
		"teams": []fiber.Map{
			{"members": []fiber.Map{{"platform_id": winner}}},
			{"members": []fiber.Map{{"platform_id": loser}}},
		},
		"outcome": fiber.Map{"kind": "win", "winner": 0},
	}
}

func TestRecordGameSettlesAndShowsRatings(t *testing.T) {
	a := newTestApp(t)

	status, body := a.do(t, http.MethodPost, "/games", duel("alice", "bob"), "")
	if status != fiber.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", status, body)
	}
	game := decode[models.Game](t, body)
	if !game.IsSettled || !game.IsRanked {
		t.Fatalf("expected a settled ranked game, got %+v", game)
	}
	if len(game.Participants) != 2 || game.Participants[0].RatingDelta != 16 || game.Participants[1].RatingDelta != -16 {
		t.Fatalf("unexpected participants %+v", game.Participants)
	}

	status, body = a.do(t, http.MethodGet, "/games/"+game.UUID, nil, "")
	if status != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if got := decode[models.Game](t, body); got.ID != game.ID {
		t.Fatalf("fetched game %d, want %d", got.ID, game.ID)
	}

	_, body = a.do(t, http.MethodGet, "/ratings/alice", nil, "")
	if r := decode[ratingResponse](t, body); !r.Known || r.Rating != 1016 {
		t.Fatalf("alice rating %+v", r)
	}
	_, body = a.do(t, http.MethodGet, "/ratings/nobody", nil, "")
	if r := decode[ratingResponse](t, body); r.Known || r.Rating != 1000 {
		t.Fatalf("unknown player should sit at the baseline, got %+v", r)
	}

	_, body = a.do(t, http.MethodGet, "/leaderboard?limit=10", nil, "")
	board := decode[[]models.Identity](t, body)
	if len(board) != 2 || board[0].PlatformID != "alice" || board[1].PlatformID != "bob" {
		t.Fatalf("unexpected leaderboard %+v", board)
	}
}

func TestRecordGameRejectsInvalidInput(t *testing.T) {
	a := newTestApp(t)

	bad := duel("alice", "alice")
	status, body := a.do(t, http.MethodPost, "/games", bad, "")
	if status != fiber.StatusBadRequest {
		t.Fatalf("duplicate player: expected 400, got %d: %s", status, body)
	}
	resp := decode[map[string]string](t, body)
	if resp["error"] == "" || resp["cause"] == "" {
		t.Fatalf("expected error and cause, got %v", resp)
	}

	bad = duel("alice", "bob")
	bad["outcome"] = fiber.Map{"kind": "win", "winner": 5}
	if status, _ := a.do(t, http.MethodPost, "/games", bad, ""); status != fiber.StatusBadRequest {
		t.Fatalf("bad winner: expected 400, got %d", status)
	}

	if status, _ := a.do(t, http.MethodGet, "/games/does-not-exist", nil, ""); status != fiber.StatusNotFound {
		t.Fatalf("missing game: expected 404, got %d", status)
	}
}

func TestUnrankedGameLeavesRatings(t *testing.T) {
	a := newTestApp(t)
	payload := duel("alice", "bob")
	payload["is_ranked"] = false

	status, body := a.do(t, http.MethodPost, "/games", payload, "")
	if status != fiber.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", status, body)
	}
	_, body = a.do(t, http.MethodGet, "/ratings/alice", nil, "")
	if r := decode[ratingResponse](t, body); r.Rating != 1000 {
		t.Fatalf("unranked game moved alice to %d", r.Rating)
	}
}

func TestAdminRoutesRequireModerator(t *testing.T) {
	a := newTestApp(t)

	if status, _ := a.do(t, http.MethodGet, "/s/admin/recalculate/last", nil, ""); status != fiber.StatusForbidden {
		t.Fatalf("expected 403 without role, got %d", status)
	}
	if status, _ := a.do(t, http.MethodGet, "/s/admin/recalculate/last", nil, "player"); status != fiber.StatusForbidden {
		t.Fatalf("expected 403 for a player, got %d", status)
	}
	if status, _ := a.do(t, http.MethodGet, "/s/admin/recalculate/last", nil, "Player, MOD"); status != fiber.StatusNotFound {
		t.Fatalf("expected 404 before any run, got %d", status)
	}
}

func TestBanVoidAndRecalculate(t *testing.T) {
	a := newTestApp(t)

	_, body := a.do(t, http.MethodPost, "/games", duel("alice", "bob"), "")
	first := decode[models.Game](t, body)
	a.do(t, http.MethodPost, "/games", duel("carol", "bob"), "")

	status, body := a.do(t, http.MethodPost, "/s/admin/games/"+first.UUID+"/void", fiber.Map{}, "mod")
	if status != fiber.StatusBadRequest {
		t.Fatalf("void without reason: expected 400, got %d: %s", status, body)
	}
	status, body = a.do(t, http.MethodPost, "/s/admin/games/"+first.UUID+"/void", fiber.Map{"reason": "wrong result"}, "mod")
	if status != fiber.StatusOK {
		t.Fatalf("void: expected 200, got %d: %s", status, body)
	}
	if g := decode[models.Game](t, body); !g.IsVoided || !g.IsExcludedFromElo || g.VoidReason != "wrong result" {
		t.Fatalf("unexpected voided game %+v", g)
	}

	status, body = a.do(t, http.MethodPut, "/s/admin/identities/carol/ban", fiber.Map{"banned": true}, "mod")
	if status != fiber.StatusOK {
		t.Fatalf("ban: expected 200, got %d: %s", status, body)
	}
	if ident := decode[models.Identity](t, body); !ident.IsBanned {
		t.Fatalf("carol should be banned, got %+v", ident)
	}

	status, body = a.do(t, http.MethodPost, "/s/admin/recalculate", nil, "mod")
	if status != fiber.StatusOK {
		t.Fatalf("recalculate: expected 200, got %d: %s", status, body)
	}
	report := decode[services.RecalculationReport](t, body)
	if report.Status != models.RecalcStatusCompleted {
		t.Fatalf("unexpected report %+v", report)
	}

	// the void and the ban together leave no rated game behind
	for _, key := range []string{"alice", "bob", "carol"} {
		_, body = a.do(t, http.MethodGet, "/ratings/"+key, nil, "")
		if r := decode[ratingResponse](t, body); r.Rating != 1000 {
			t.Fatalf("%s: expected 1000 after recalculation, got %d", key, r.Rating)
		}
	}

	status, body = a.do(t, http.MethodGet, "/s/admin/recalculate/last", nil, "mod")
	if status != fiber.StatusOK {
		t.Fatalf("last run: expected 200, got %d", status)
	}
	if run := decode[models.RecalculationRun](t, body); run.Status != models.RecalcStatusCompleted || run.GamesProcessed != 1 {
		t.Fatalf("unexpected last run %+v", run)
	}
}

func TestExportRoutes(t *testing.T) {
	a := newTestApp(t)
	a.do(t, http.MethodPost, "/games", duel("alice", "bob"), "")

	status, body := a.do(t, http.MethodGet, "/s/admin/export", nil, "mod")
	if status != fiber.StatusOK {
		t.Fatalf("export: expected 200, got %d", status)
	}
	snap, err := services.DecodeLedgerExport(bytes.NewReader(body))
	if err != nil {
		t.Fatalf("decode export: %v", err)
	}
	if len(snap.Games) != 1 || len(snap.Identities) != 2 {
		t.Fatalf("unexpected export %+v", snap)
	}

	if status, _ := a.do(t, http.MethodPost, "/s/admin/export/publish", nil, "mod"); status != fiber.StatusServiceUnavailable {
		t.Fatalf("publish without storage: expected 503, got %d", status)
	}

	up := &stubUploader{}
	a.exporter.Uploader = up
	status, body = a.do(t, http.MethodPost, "/s/admin/export/publish", fiber.Map{"label": "Season One"}, "mod")
	if status != fiber.StatusCreated {
		t.Fatalf("publish: expected 201, got %d: %s", status, body)
	}
	resp := decode[map[string]string](t, body)
	if !strings.HasPrefix(resp["key"], "exports/season-one/") || resp["url"] != "mem://"+resp["key"] || up.key != resp["key"] {
		t.Fatalf("unexpected publish response %v (uploaded %q)", resp, up.key)
	}
}

type stubUploader struct{ key string }

func (u *stubUploader) Upload(_ context.Context, key string, _ []byte, _ string) (string, error) {
	u.key = key
	return "mem://" + key, nil
}

func TestRecalculationStatus(t *testing.T) {
	a := newTestApp(t)

	status, body := a.do(t, http.MethodGet, "/s/admin/recalculate/status", nil, "mod")
	if status != fiber.StatusOK {
		t.Fatalf("status: expected 200, got %d: %s", status, body)
	}
	resp := decode[map[string]any](t, body)
	if resp["running"] != false || resp["last_run"] != nil {
		t.Fatalf("expected an idle gate and no runs, got %v", resp)
	}

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- a.recalc.Gate.Recalculate(func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	_, body = a.do(t, http.MethodGet, "/s/admin/recalculate/status", nil, "mod")
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("hold gate: %v", err)
	}
	if resp := decode[map[string]any](t, body); resp["running"] != true {
		t.Fatalf("expected running while the gate is held, got %v", resp)
	}

	if status, _ := a.do(t, http.MethodPost, "/s/admin/recalculate", nil, "mod"); status != fiber.StatusOK {
		t.Fatalf("recalculate: expected 200, got %d", status)
	}
	_, body = a.do(t, http.MethodGet, "/s/admin/recalculate/status", nil, "mod")
	resp = decode[map[string]any](t, body)
	if resp["running"] != false || resp["last_run"] == nil {
		t.Fatalf("expected an idle gate and a recorded run, got %v", resp)
	}
}

func TestGameUserContextStaysOnGameRoutes(t *testing.T) {
	a := newTestApp(t)
	a.app.Get("/other", func(c *fiber.Ctx) error {
		_, set := c.Locals("user_roles").([]string)
		return c.JSON(fiber.Map{"user_context": set})
	})

	status, body := a.do(t, http.MethodGet, "/other", nil, "mod")
	if status != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if resp := decode[map[string]bool](t, body); resp["user_context"] {
		t.Fatal("user context middleware ran on a route outside /games")
	}
}
