package handlers

import (
	"errors"

	"game-rating-ledger/models"
	"game-rating-ledger/services"

	"github.com/gofiber/fiber/v2"
)

type ratingResponse struct {
	Key      string           `json:"key"`
	Rating   int              `json:"rating"`
	Known    bool             `json:"known"`
	Identity *models.Identity `json:"identity,omitempty"`
}

func SetupRatingRoutes(app *fiber.App, identities *services.IdentityService) {
	app.Get("/ratings/:key", func(c *fiber.Ctx) error {
		ctx := c.UserContext()
		key := c.Params("key")
		// unseen players rate at the baseline
		r, err := identities.GetRating(ctx, key)
		if err != nil {
			return respondError(c, "failed to load rating", err)
		}
		resp := ratingResponse{Key: key, Rating: r}
		ident, err := identities.GetIdentity(ctx, key)
		switch {
		case errors.Is(err, services.ErrIdentityNotFound):
		case err != nil:
			return respondError(c, "failed to load identity", err)
		default:
			resp.Known = true
			resp.Identity = ident
		}
		return c.JSON(resp)
	})

	app.Get("/leaderboard", func(c *fiber.Ctx) error {
		board, err := identities.Leaderboard(c.UserContext(), queryLimit(c, 25, 100))
		if err != nil {
			return respondError(c, "failed to load leaderboard", err)
		}
		return c.JSON(board)
	})
}
