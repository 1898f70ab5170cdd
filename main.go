package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"game-rating-ledger/config"
	"game-rating-ledger/database"
	"game-rating-ledger/handlers"
	"game-rating-ledger/middleware"
	"game-rating-ledger/rating"
	"game-rating-ledger/services"
	"game-rating-ledger/utils"
	"game-rating-ledger/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
)

func main() {
	recalcOnly := flag.Bool("recalc", false, "recalculate every rating from the ledger and exit")
	exportPath := flag.String("export", "", "write a ledger export to this file (- for stdout) and exit")
	applyBans := flag.Bool("apply-bans", false, "apply BANNED_PLATFORM_IDS / BANNED_GAME_ACCOUNTS and exit")
	skipTasks := flag.Bool("skip-tasks", false, "serve requests without the scheduler or the moderation sync worker")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("invalid configuration: ", err)
	}
	if *skipTasks {
		cfg.SkipTasks = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(cfg)
	if err != nil {
		log.Fatal("failed to open database: ", err)
	}

	engine, err := rating.New(cfg.Elo.Rating())
	if err != nil {
		log.Fatal("invalid rating configuration: ", err)
	}
	gate := services.NewRatingGate()
	policy := services.CurrentBanPolicy{}
	identities := services.NewIdentityService(db, engine.Baseline(), cfg.LeaderboardCutoff)
	ledger := services.NewLedgerService(db, engine, identities, policy, gate)
	recalc := services.NewRecalculator(db, engine, policy, gate)
	exporter := services.NewExportService(db, engine, nil)

	redisClient, err := utils.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Printf("⚠️  Redis unavailable, live leaderboard mirror disabled: %v", err)
	}
	if redisClient != nil {
		mirror := services.NewRedisLeaderboard(redisClient, cfg.Redis.LeaderboardKey)
		ledger.Mirror = mirror
		recalc.Mirror = mirror
		defer redisClient.Close()
	}

	if cfg.R2.Enabled() {
		uploader, err := utils.NewR2Uploader(ctx, cfg.R2.AccountID, cfg.R2.AccessKeyID, cfg.R2.AccessKeySecret, cfg.R2.Bucket, cfg.R2.CDNBaseURL)
		if err != nil {
			log.Fatal("failed to initialize R2 client: ", err)
		}
		exporter.Uploader = uploader
	}

	if *applyBans || cfg.ApplyBansOnBoot {
		n, err := identities.ApplyBanList(ctx, cfg.BannedPlatformIDs, cfg.BannedGameAccounts)
		if err != nil {
			log.Fatal("failed to apply ban list: ", err)
		}
		log.Printf("🔨 Ban list applied, %d identities changed", n)
		if *applyBans {
			return
		}
	}

	if *recalcOnly {
		report, err := recalc.RecalculateAll(ctx)
		if err != nil {
			log.Fatal("recalculation failed: ", err)
		}
		for _, c := range report.Changes {
			fmt.Printf("%s\t%d -> %d\n", c.PlatformID, c.Before, c.After)
		}
		return
	}

	if *exportPath != "" {
		if err := writeExport(ctx, exporter, *exportPath); err != nil {
			log.Fatal("export failed: ", err)
		}
		return
	}

	if cfg.SkipTasks {
		log.Println("⏸️  Background tasks skipped: no scheduler, no moderation sync")
	} else {
		startBackgroundTasks(ctx, cfg, ledger, recalc, exporter, identities)
	}

	app := fiber.New(fiber.Config{
		BodyLimit: 1 * 1024 * 1024,
	})

	// 🔐❗ GLOBAL: only Gateway requests are allowed
	app.Use(middleware.GatewayAuthMiddleware(cfg.ServiceToken))

	allowedOrigins := strings.Join(cfg.AllowedOrigins, ",")
	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS,PATCH,HEAD",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID, X-User-ID, X-User-Roles",
		ExposeHeaders:    "Content-Length, Content-Type, Content-Disposition, X-Request-ID",
		AllowCredentials: true,
		MaxAge:           86400, // 24 hours
	}))

	handlers.SetupRatingRoutes(app, identities)
	handlers.SetupGameRoutes(app, ledger, cfg.Rules, cfg.SettleRetries)
	handlers.SetupAdminRoutes(app, handlers.AdminDeps{
		Identities:  identities,
		Ledger:      ledger,
		Recalc:      recalc,
		Exporter:    exporter,
		ExportLabel: "manual",
	})

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			log.Printf("Server error: %v", err)
		}
	}()

	log.Printf("✅ Server running on http://localhost:%s", cfg.Port)
	log.Printf("✅ ELO engine: K=%d base=%d divisor=%d baseline=%d", cfg.Elo.KFactor, cfg.Elo.Base, cfg.Elo.Divisor, cfg.Elo.Baseline)
	log.Println("✅ GatewayAuthMiddleware enforced globally")
	log.Printf("✅ CORS configured for origins: %s", allowedOrigins)

	<-ctx.Done()
	log.Println("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
}

func writeExport(ctx context.Context, exporter *services.ExportService, path string) error {
	if path == "-" {
		return exporter.ExportLedger(ctx, os.Stdout)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := exporter.ExportLedger(ctx, f); err != nil {
		f.Close()
		return err
	}
	log.Printf("📦 Ledger exported to %s", path)
	return f.Close()
}

// startBackgroundTasks runs the scheduled jobs and the moderation sync worker until ctx is
// cancelled.
func startBackgroundTasks(ctx context.Context, cfg *config.Config, ledger *services.LedgerService, recalc *services.Recalculator, exporter *services.ExportService, identities *services.IdentityService) {
	// the scheduler shuts itself down when ctx is cancelled
	if _, err := services.StartScheduler(ctx, ledger, recalc, exporter, services.SchedulerConfig{
		SweepInterval:  cfg.SweepInterval,
		SettleRetries:  cfg.SettleRetries,
		ExportInterval: cfg.ExportInterval,
		ExportLabel:    "scheduled",
		RecalcCron:     cfg.RecalcCron,
	}); err != nil {
		log.Fatal("failed to start scheduler: ", err)
	}

	if cfg.ModerationSyncURL != "" {
		syncWorker := workers.NewModerationSyncWorker(identities, cfg.ModerationSyncURL, cfg.ModerationSyncPath, cfg.ServiceToken, cfg.SyncInterval)
		syncWorker.Start(ctx)
	}
}
