package handlers

import (
	"log"
	"strconv"

	"game-rating-ledger/middleware"
	"game-rating-ledger/services"

	"github.com/gofiber/fiber/v2"
)

// AdminDeps groups the services the moderation API drives.
type AdminDeps struct {
	Identities  *services.IdentityService
	Ledger      *services.LedgerService
	Recalc      *services.Recalculator
	Exporter    *services.ExportService
	ExportLabel string
}

func SetupAdminRoutes(app *fiber.App, deps AdminDeps) {
	admin := app.Group("/s/admin", middleware.UserContextMiddleware(), middleware.RequireRole("mod", "admin"))

	admin.Put("/identities/:key/ban", func(c *fiber.Ctx) error {
		var req struct {
			Banned *bool `json:"banned"`
		}
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid ban payload", err)
		}
		banned := true
		if req.Banned != nil {
			banned = *req.Banned
		}
		ident, err := deps.Identities.SetBanned(c.UserContext(), c.Params("key"), banned)
		if err != nil {
			return respondError(c, "failed to update ban", err)
		}
		log.Printf("[ADMIN] 🔨 %v set banned=%t on %s", c.Locals("user_id"), banned, ident.PlatformID)
		return c.JSON(ident)
	})

	admin.Post("/games/:id/void", func(c *fiber.Ctx) error {
		var req struct {
			Reason string `json:"reason"`
		}
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid void payload", err)
		}
		ctx := c.UserContext()
		game, err := deps.Ledger.GetGameByUUID(ctx, c.Params("id"))
		if err != nil {
			return respondError(c, "failed to load game", err)
		}
		game, err = deps.Ledger.VoidGame(ctx, game.ID, req.Reason)
		if err != nil {
			return respondError(c, "failed to void game", err)
		}
		return c.JSON(game)
	})

	admin.Post("/recalculate", func(c *fiber.Ctx) error {
		log.Printf("[ADMIN] 🔄 Recalculation requested by %v", c.Locals("user_id"))
		report, err := deps.Recalc.RecalculateAll(c.UserContext())
		if err != nil {
			if report != nil {
				return c.Status(statusFor(err)).JSON(fiber.Map{
					"error":  "recalculation failed",
					"cause":  err.Error(),
					"report": report,
				})
			}
			return respondError(c, "recalculation failed", err)
		}
		return c.JSON(report)
	})

	admin.Get("/recalculate/status", func(c *fiber.Ctx) error {
		run, err := deps.Recalc.LastRun(c.UserContext())
		if err != nil {
			return respondError(c, "failed to load last run", err)
		}
		return c.JSON(fiber.Map{
			"running":  deps.Recalc.Gate.Recalculating(),
			"last_run": run,
		})
	})

	admin.Get("/recalculate/last", func(c *fiber.Ctx) error {
		run, err := deps.Recalc.LastRun(c.UserContext())
		if err != nil {
			return respondError(c, "failed to load last run", err)
		}
		if run == nil {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no recalculation has run yet"})
		}
		return c.JSON(run)
	})

	admin.Get("/export", func(c *fiber.Ctx) error {
		snap, err := deps.Exporter.Snapshot(c.UserContext())
		if err != nil {
			return respondError(c, "failed to export ledger", err)
		}
		c.Set(fiber.HeaderContentDisposition, `attachment; filename="ledger-`+strconv.FormatInt(snap.ExportedAt.Unix(), 10)+`.json"`)
		return c.JSON(snap)
	})

	admin.Post("/export/publish", func(c *fiber.Ctx) error {
		if deps.Exporter.Uploader == nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "export storage is not configured"})
		}
		var req struct {
			Label string `json:"label"`
		}
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&req); err != nil {
				return badRequest(c, "invalid publish payload", err)
			}
		}
		label := req.Label
		if label == "" {
			label = deps.ExportLabel
		}
		key, url, err := deps.Exporter.Publish(c.UserContext(), label)
		if err != nil {
			return respondError(c, "failed to publish export", err)
		}
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"key": key, "url": url})
	})
}
