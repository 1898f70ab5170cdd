// Package rating computes ELO rating changes for N-team games.
//
// Team rating is the arithmetic mean of its eligible members. Every unordered pair of
// teams is scored as a classic ELO game (a higher placement beats a lower one, equal
// placement is a draw) and the pair results are summed per team. Each pair is weighted by
// K*(nA+nB)/2, which is plain K for 1v1. A team's total is split equally across its
// eligible members, rounded half away from zero, and the leftover integer residual is
// handed out by largest remainder so every game sums to exactly zero.
//
// All arithmetic is fixed-point decimal. The package never touches float64, so replays
// produce the same integers as the original settlement on any machine.
package rating

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// Config holds the tunable constants. They are part of history: settled games were
// computed with them and a recalculation with different values rewrites every rating.
type Config struct {
	KFactor  int `json:"k_factor"`
	Base     int `json:"base"`
	Divisor  int `json:"divisor"`
	Baseline int `json:"baseline"`
}

var DefaultConfig = Config{KFactor: 32, Base: 10, Divisor: 400, Baseline: 1000}

type Engine struct {
	cfg     Config
	k       decimal.Decimal
	divisor decimal.Decimal
	lnBase  decimal.Decimal
}

// Member is a participant's rating snapshot as seen by the engine.
type Member struct {
	IdentityID uint
	Rating     int
	Eligible   bool
}

// Team is a game-scoped group of members sharing one result.
type Team struct {
	Slot    int
	Members []Member
}

// Result maps every member of the input to its signed delta.
// Active is the number of teams that took part in scoring.
type Result struct {
	Deltas map[uint]int
	Active int
}

// Sum returns the total of all deltas; it is zero for every result the engine produces.
func (r Result) Sum() int {
	total := 0
	for _, d := range r.Deltas {
		total += d
	}
	return total
}

func New(cfg Config) (*Engine, error) {
	if cfg.KFactor <= 0 {
		return nil, fmt.Errorf("rating: k-factor must be positive, got %d", cfg.KFactor)
	}
	if cfg.Base < 2 {
		return nil, fmt.Errorf("rating: base must be at least 2, got %d", cfg.Base)
	}
	if cfg.Divisor <= 0 {
		return nil, fmt.Errorf("rating: divisor must be positive, got %d", cfg.Divisor)
	}
	return &Engine{
		cfg:     cfg,
		k:       decimal.NewFromInt(int64(cfg.KFactor)),
		divisor: decimal.NewFromInt(int64(cfg.Divisor)),
		lnBase:  ln(decimal.NewFromInt(int64(cfg.Base))),
	}, nil
}

func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) Baseline() int { return e.cfg.Baseline }

// Expected returns the expected score of a rating ra against rb.
// Expected(a, b) + Expected(b, a) is exactly 1.
func (e *Engine) Expected(ra, rb decimal.Decimal) decimal.Decimal {
	x := rb.Sub(ra).DivRound(e.divisor, work)
	if x.IsZero() {
		return half
	}
	q := exp(x.Abs().Mul(e.lnBase).Round(work))
	low := one.DivRound(one.Add(q), precision)
	if x.Sign() > 0 {
		return low
	}
	return one.Sub(low)
}

type scoredTeam struct {
	slot     int
	rank     int
	mean     decimal.Decimal
	eligible []Member
	total    decimal.Decimal
}

// teamTotals returns the exact (unrounded) delta of every team that has at least one
// eligible member, in input order.
func (e *Engine) teamTotals(teams []Team, outcome Outcome) []*scoredTeam {
	var active []*scoredTeam
	for _, t := range teams {
		st := &scoredTeam{slot: t.Slot, rank: outcome.Rank(t.Slot), total: decimal.Zero}
		sum := decimal.Zero
		for _, m := range t.Members {
			if !m.Eligible {
				continue
			}
			st.eligible = append(st.eligible, m)
			sum = sum.Add(decimal.NewFromInt(int64(m.Rating)))
		}
		if len(st.eligible) == 0 {
			continue
		}
		st.mean = sum.DivRound(decimal.NewFromInt(int64(len(st.eligible))), precision)
		active = append(active, st)
	}
	if len(active) < 2 {
		return active
	}

	for i := 0; i < len(active); i++ {
		for j := i + 1; j < len(active); j++ {
			a, b := active[i], active[j]
			expectedA := e.Expected(a.mean, b.mean)
			actualA := actualScore(a.rank, b.rank)
			weight := e.k.Mul(decimal.NewFromInt(int64(len(a.eligible) + len(b.eligible)))).DivRound(two, precision)
			d := weight.Mul(actualA.Sub(expectedA)).Round(precision)
			a.total = a.total.Add(d)
			b.total = b.total.Sub(d)
		}
	}
	return active
}

func actualScore(rankA, rankB int) decimal.Decimal {
	switch {
	case rankA < rankB:
		return one
	case rankA > rankB:
		return decimal.Zero
	default:
		return half
	}
}

type share struct {
	id      uint
	rounded int64
	err     decimal.Decimal // rounded - exact
}

// ComputeDeltas returns the rating change of every member of teams.
// Ineligible members, and members of teams without eligible members, get 0.
// The input must satisfy outcome.Validate(len(teams)); the engine does not re-check it.
func (e *Engine) ComputeDeltas(teams []Team, outcome Outcome) Result {
	res := Result{Deltas: make(map[uint]int)}
	for _, t := range teams {
		for _, m := range t.Members {
			res.Deltas[m.IdentityID] = 0
		}
	}

	active := e.teamTotals(teams, outcome)
	if len(active) < 2 {
		return res
	}
	res.Active = len(active)

	var shares []share
	residual := int64(0)
	for _, st := range active {
		exact := st.total.DivRound(decimal.NewFromInt(int64(len(st.eligible))), precision)
		rounded := exact.Round(0)
		for _, m := range st.eligible {
			s := share{
				id:      m.IdentityID,
				rounded: rounded.IntPart(),
				err:     rounded.Sub(exact),
			}
			shares = append(shares, s)
			residual -= s.rounded
		}
	}

	// Largest remainder: hand the residual to the members rounded furthest the other way.
	if residual != 0 {
		idx := make([]int, len(shares))
		for i := range idx {
			idx[i] = i
		}
		sort.SliceStable(idx, func(a, b int) bool {
			ea, eb := shares[idx[a]].err, shares[idx[b]].err
			if residual > 0 {
				return ea.Cmp(eb) < 0
			}
			return ea.Cmp(eb) > 0
		})
		step := int64(1)
		if residual < 0 {
			step = -1
		}
		for i := 0; residual != 0; i = (i + 1) % len(idx) {
			shares[idx[i]].rounded += step
			residual -= step
		}
	}

	for _, s := range shares {
		res.Deltas[s.id] = int(s.rounded)
	}
	return res
}
