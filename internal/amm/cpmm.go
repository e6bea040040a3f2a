// Package amm prices YES/NO outcome tokens with a constant-product market
// maker over complete sets. One unit of collateral always mints one YES and
// one NO token, so a pool of reserves (yes, no) prices YES at no/(yes+no).
//
// All functions are pure and operate on 18-decimal fixed-point *big.Int
// amounts. Every division rounds in favour of the pool.
package amm

import (
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/oraclemarket/internal/domain"
)

// BasisPoints is the denominator of fee and price ratios.
const BasisPoints = 10_000

// Pool is a snapshot of the two outcome-token reserves.
type Pool struct {
	Yes *big.Int
	No  *big.Int
}

// K returns the constant product yes*no.
func (p Pool) K() *big.Int {
	return new(big.Int).Mul(p.Yes, p.No)
}

func (p Pool) sides(s domain.Side) (bought, other *big.Int) {
	if s == domain.SideYes {
		return p.Yes, p.No
	}
	return p.No, p.Yes
}

func poolFrom(s domain.Side, sideReserve, otherReserve *big.Int) Pool {
	if s == domain.SideYes {
		return Pool{Yes: sideReserve, No: otherReserve}
	}
	return Pool{Yes: otherReserve, No: sideReserve}
}

// Quote is the outcome of a trade computation. Pool holds the post-trade
// reserves; Out is the shares issued by a buy or the collateral returned by
// a sell.
type Quote struct {
	Pool Pool
	Out  *big.Int
}

// Fee returns floor(amount * bps / 10000).
func Fee(amount *big.Int, bps int64) *big.Int {
	fee := new(big.Int).Mul(amount, big.NewInt(bps))
	return fee.Quo(fee, big.NewInt(BasisPoints))
}

// Buy spends net collateral (already net of fees) on side s. The net amount
// mints complete sets into both reserves, then bought tokens are removed from
// the s reserve until the product is restored. The remaining reserve is
// rounded up so the product never decreases.
func Buy(p Pool, s domain.Side, net, floor *big.Int) (Quote, error) {
	if !domain.IsPositive(net) {
		return Quote{}, domain.ErrInvalidAmount
	}
	k := p.K()
	bought, other := p.sides(s)

	newOther := new(big.Int).Add(other, net)
	newBought := ceilDiv(k, newOther)

	shares := new(big.Int).Add(bought, net)
	shares.Sub(shares, newBought)
	if shares.Sign() <= 0 {
		return Quote{}, domain.ErrZeroOutput
	}
	if floor != nil && newBought.Cmp(floor) < 0 {
		return Quote{}, domain.ErrPoolLiquidity
	}
	return Quote{Pool: poolFrom(s, newBought, newOther), Out: shares}, nil
}

// Sell returns shares of side s to the pool. The tokens join the s reserve
// and the largest number of complete sets a is burned such that
// (sold+shares-a)*(other-a) >= k; a is the collateral paid out.
func Sell(p Pool, s domain.Side, shares, floor *big.Int) (Quote, error) {
	if !domain.IsPositive(shares) {
		return Quote{}, domain.ErrInvalidAmount
	}
	k := p.K()
	sold, other := p.sides(s)
	S := new(big.Int).Add(sold, shares)
	O := new(big.Int).Set(other)

	// a = ((S+O) - sqrt((S-O)^2 + 4k)) / 2, with the root rounded up.
	diff := new(big.Int).Sub(S, O)
	disc := new(big.Int).Mul(diff, diff)
	disc.Add(disc, new(big.Int).Lsh(k, 2))
	root := ceilSqrt(disc)

	a := new(big.Int).Add(S, O)
	a.Sub(a, root)
	if a.Sign() < 0 {
		a.SetInt64(0)
	}
	a.Rsh(a, 1)
	if a.Cmp(O) > 0 {
		a.Set(O)
	}
	for a.Sign() > 0 && productAfter(S, O, a).Cmp(k) < 0 {
		a.Sub(a, big.NewInt(1))
	}
	if a.Sign() == 0 {
		return Quote{}, domain.ErrZeroOutput
	}

	newSold := new(big.Int).Sub(S, a)
	newOther := new(big.Int).Sub(O, a)
	if floor != nil && (newSold.Cmp(floor) < 0 || newOther.Cmp(floor) < 0) {
		return Quote{}, domain.ErrPoolLiquidity
	}
	if newSold.Sign() <= 0 || newOther.Sign() <= 0 {
		return Quote{}, domain.ErrPoolLiquidity
	}
	return Quote{Pool: poolFrom(s, newSold, newOther), Out: a}, nil
}

// PriceBps returns the implied probability of side s in basis points,
// floored. An empty pool prices both sides at 50%.
func PriceBps(p Pool, s domain.Side) int64 {
	total := new(big.Int).Add(p.Yes, p.No)
	if total.Sign() == 0 {
		return BasisPoints / 2
	}
	_, other := p.sides(s)
	n := new(big.Int).Mul(other, big.NewInt(BasisPoints))
	return n.Quo(n, total).Int64()
}

// Price returns the implied probability of side s as a decimal in [0, 1].
func Price(p Pool, s domain.Side) decimal.Decimal {
	total := new(big.Int).Add(p.Yes, p.No)
	if total.Sign() == 0 {
		return decimal.NewFromFloat(0.5)
	}
	_, other := p.sides(s)
	return decimal.NewFromBigInt(other, 0).DivRound(decimal.NewFromBigInt(total, 0), 18)
}

// Value prices a token holding at the current pool ratio:
// floor((yesShares*no + noShares*yes) / (yes+no)).
func Value(p Pool, yesShares, noShares *big.Int) *big.Int {
	total := new(big.Int).Add(p.Yes, p.No)
	if total.Sign() == 0 {
		return new(big.Int)
	}
	v := new(big.Int).Mul(yesShares, p.No)
	v.Add(v, new(big.Int).Mul(noShares, p.Yes))
	return v.Quo(v, total)
}

func productAfter(S, O, a *big.Int) *big.Int {
	l := new(big.Int).Sub(S, a)
	r := new(big.Int).Sub(O, a)
	return l.Mul(l, r)
}

func ceilDiv(n, d *big.Int) *big.Int {
	q, m := new(big.Int).QuoRem(n, d, new(big.Int))
	if m.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

func ceilSqrt(n *big.Int) *big.Int {
	r := new(big.Int).Sqrt(n)
	if new(big.Int).Mul(r, r).Cmp(n) < 0 {
		r.Add(r, big.NewInt(1))
	}
	return r
}
