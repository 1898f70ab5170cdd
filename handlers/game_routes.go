package handlers

import (
	"errors"
	"time"

	"game-rating-ledger/middleware"
	"game-rating-ledger/models"
	"game-rating-ledger/rating"
	"game-rating-ledger/services"

	"github.com/gofiber/fiber/v2"
)

type recordGameRequest struct {
	GuildID     string               `json:"guild_id"`
	Name        string               `json:"name"`
	Teams       []services.TeamInput `json:"teams"`
	Outcome     rating.Outcome       `json:"outcome"`
	IsRanked    *bool                `json:"is_ranked"` // defaults to true
	CompletedAt *time.Time           `json:"completed_at"`
}

func (r recordGameRequest) input(rules models.GameRules) services.GameInput {
	in := services.GameInput{
		GuildID:  r.GuildID,
		Name:     r.Name,
		Teams:    r.Teams,
		Outcome:  r.Outcome,
		IsRanked: true,
		Rules:    rules,
	}
	if r.IsRanked != nil {
		in.IsRanked = *r.IsRanked
	}
	if r.CompletedAt != nil {
		in.CompletedAt = *r.CompletedAt
	}
	return in
}

func SetupGameRoutes(app *fiber.App, ledger *services.LedgerService, rules models.GameRules, settleRetries int) {
	// Games are reported by bots acting for a user, so these need user context
	userCtx := middleware.UserContextMiddleware()

	app.Post("/games", userCtx, func(c *fiber.Ctx) error {
		var req recordGameRequest
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid game payload", err)
		}
		ctx := c.UserContext()

		game, err := ledger.RecordGame(ctx, req.input(rules))
		if errors.Is(err, services.ErrConcurrency) && game != nil {
			// recorded but lost the rating race; settle again on fresh ratings
			if err = ledger.SettleWithRetry(ctx, game.ID, settleRetries); err == nil {
				game, err = ledger.GetGame(ctx, game.ID)
			}
		}
		if err != nil {
			if game != nil {
				return c.Status(statusFor(err)).JSON(fiber.Map{
					"error": "game recorded but not settled",
					"cause": err.Error(),
					"game":  game,
				})
			}
			return respondError(c, "failed to record game", err)
		}
		return c.Status(fiber.StatusCreated).JSON(game)
	})

	app.Get("/games/:id", userCtx, func(c *fiber.Ctx) error {
		game, err := ledger.GetGameByUUID(c.UserContext(), c.Params("id"))
		if err != nil {
			return respondError(c, "failed to load game", err)
		}
		return c.JSON(game)
	})

	app.Post("/games/:id/settle", userCtx, func(c *fiber.Ctx) error {
		ctx := c.UserContext()
		game, err := ledger.GetGameByUUID(ctx, c.Params("id"))
		if err != nil {
			return respondError(c, "failed to load game", err)
		}
		if err := ledger.SettleWithRetry(ctx, game.ID, settleRetries); err != nil {
			return respondError(c, "failed to settle game", err)
		}
		game, err = ledger.GetGame(ctx, game.ID)
		if err != nil {
			return respondError(c, "failed to load game", err)
		}
		return c.JSON(game)
	})
}
