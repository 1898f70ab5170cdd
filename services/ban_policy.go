package services

import (
	"time"

	"game-rating-ledger/models"
)

// EligibilityPolicy decides whether an identity's games count toward ratings.
type EligibilityPolicy interface {
	IsEligible(identity models.Identity, at time.Time) bool
}

// CurrentBanPolicy judges by the identity's present ban flag whatever the time asked about.
//
// Live settlement asks at settlement time, so a ban only affects games settled after it.
// Recalculation asks the same question for every past game, so after a ban the replay
// drops that player's whole history. The two paths disagree on purpose until a
// recalculation is run.
type CurrentBanPolicy struct{}

func (CurrentBanPolicy) IsEligible(identity models.Identity, _ time.Time) bool {
	return !identity.IsBanned
}
