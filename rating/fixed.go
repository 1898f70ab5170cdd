package rating

import "github.com/shopspring/decimal"

// precision is the number of fractional digits every intermediate value is rounded to.
// Changing it changes settled history, so it is fixed.
const precision int32 = 20

// work is the scratch precision used inside series expansions.
const work = precision + 6

var (
	one  = decimal.NewFromInt(1)
	two  = decimal.NewFromInt(2)
	half = decimal.New(5, -1)
)

// exp returns e^y for y >= 0.
// Plain Taylor series on decimals: no float64, so the result is identical on every platform.
func exp(y decimal.Decimal) decimal.Decimal {
	if y.IsZero() {
		return one
	}
	epsilon := decimal.New(1, -(precision + 4))
	sum := one
	term := one
	for i := int64(1); ; i++ {
		term = term.Mul(y).DivRound(decimal.NewFromInt(i), work)
		sum = sum.Add(term)
		if term.Abs().Cmp(epsilon) < 0 {
			break
		}
	}
	return sum.Round(precision)
}

// ln returns the natural logarithm of x (x > 0).
// x is reduced to [1, 2) by powers of two first so the atanh series converges quickly.
func ln(x decimal.Decimal) decimal.Decimal {
	k := int64(0)
	for x.Cmp(two) >= 0 {
		x = x.DivRound(two, work)
		k++
	}
	for x.Cmp(one) < 0 {
		x = x.Mul(two)
		k--
	}
	ln2 := lnSeries(two)
	return lnSeries(x).Add(ln2.Mul(decimal.NewFromInt(k))).Round(precision)
}

// lnSeries computes ln(x) = 2*atanh((x-1)/(x+1)), valid for x in [1, 2].
func lnSeries(x decimal.Decimal) decimal.Decimal {
	z := x.Sub(one).DivRound(x.Add(one), work)
	if z.IsZero() {
		return decimal.Zero
	}
	z2 := z.Mul(z).Round(work)
	epsilon := decimal.New(1, -(precision + 4))
	sum := decimal.Zero
	power := z
	for n := int64(1); ; n += 2 {
		term := power.DivRound(decimal.NewFromInt(n), work)
		sum = sum.Add(term)
		if term.Abs().Cmp(epsilon) < 0 {
			break
		}
		power = power.Mul(z2).Round(work)
	}
	return sum.Mul(two)
}
