package rating

import (
	"errors"
	"fmt"
)

// OutcomeKind is how a game's result was declared.
type OutcomeKind string

const (
	OutcomeWin     OutcomeKind = "win"     // one winning team, every other team loses
	OutcomeRanking OutcomeKind = "ranking" // full placement, ties share a rank
	OutcomeDraw    OutcomeKind = "draw"    // no winner
)

var ErrInvalidOutcome = errors.New("invalid outcome")

// Outcome references teams by their slot within the game (0-based, in team order).
type Outcome struct {
	Kind   OutcomeKind `json:"kind"`
	Winner int         `json:"winner,omitempty"`
	Ranks  []int       `json:"ranks,omitempty"`
}

func Win(slot int) Outcome {
	return Outcome{Kind: OutcomeWin, Winner: slot}
}

func Draw() Outcome {
	return Outcome{Kind: OutcomeDraw}
}

// Ranking builds a placement outcome; ranks[i] is the rank of the team in slot i.
func Ranking(ranks ...int) Outcome {
	return Outcome{Kind: OutcomeRanking, Ranks: append([]int(nil), ranks...)}
}

// Rank returns the placement of the team in slot (1 is best).
func (o Outcome) Rank(slot int) int {
	switch o.Kind {
	case OutcomeWin:
		if slot == o.Winner {
			return 1
		}
		return 2
	case OutcomeRanking:
		if slot >= 0 && slot < len(o.Ranks) {
			return o.Ranks[slot]
		}
		return 0
	default:
		return 1
	}
}

// Validate checks the outcome against a game with teamCount teams.
// Ranks must form the contiguous set 1..m, ties sharing a rank.
func (o Outcome) Validate(teamCount int) error {
	if teamCount < 2 {
		return fmt.Errorf("%w: a game needs at least 2 teams, got %d", ErrInvalidOutcome, teamCount)
	}
	switch o.Kind {
	case OutcomeWin:
		if o.Winner < 0 || o.Winner >= teamCount {
			return fmt.Errorf("%w: winner slot %d is not a team in this game", ErrInvalidOutcome, o.Winner)
		}
	case OutcomeDraw:
	case OutcomeRanking:
		if len(o.Ranks) != teamCount {
			return fmt.Errorf("%w: %d ranks for %d teams", ErrInvalidOutcome, len(o.Ranks), teamCount)
		}
		seen := make(map[int]bool, teamCount)
		top := 0
		for _, r := range o.Ranks {
			if r < 1 {
				return fmt.Errorf("%w: rank %d below 1", ErrInvalidOutcome, r)
			}
			seen[r] = true
			if r > top {
				top = r
			}
		}
		for r := 1; r <= top; r++ {
			if !seen[r] {
				return fmt.Errorf("%w: ranks skip %d", ErrInvalidOutcome, r)
			}
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidOutcome, o.Kind)
	}
	return nil
}

// RanksBySlot expands the outcome into one rank per team slot.
func (o Outcome) RanksBySlot(teamCount int) []int {
	ranks := make([]int, teamCount)
	for i := range ranks {
		ranks[i] = o.Rank(i)
	}
	return ranks
}

// OutcomeFromRanks rebuilds an outcome of the given kind from stored per-slot ranks.
func OutcomeFromRanks(kind OutcomeKind, ranks []int) (Outcome, error) {
	var o Outcome
	switch kind {
	case OutcomeDraw:
		o = Draw()
		for slot, r := range ranks {
			if r != 1 {
				return Outcome{}, fmt.Errorf("%w: draw with slot %d ranked %d", ErrInvalidOutcome, slot, r)
			}
		}
	case OutcomeWin:
		winner := -1
		for slot, r := range ranks {
			switch {
			case r == 1 && winner == -1:
				winner = slot
			case r == 1:
				return Outcome{}, fmt.Errorf("%w: win with two rank-1 teams", ErrInvalidOutcome)
			case r != 2:
				return Outcome{}, fmt.Errorf("%w: win with slot %d ranked %d", ErrInvalidOutcome, slot, r)
			}
		}
		if winner == -1 {
			return Outcome{}, fmt.Errorf("%w: win without a winner", ErrInvalidOutcome)
		}
		o = Win(winner)
	case OutcomeRanking:
		o = Ranking(ranks...)
	default:
		return Outcome{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidOutcome, kind)
	}
	if err := o.Validate(len(ranks)); err != nil {
		return Outcome{}, err
	}
	return o, nil
}
