package amm

import (
	"math/big"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/oraclemarket/internal/domain"
)

func pool(yes, no int64) Pool {
	return Pool{Yes: domain.Units(yes), No: domain.Units(no)}
}

func TestFee(t *testing.T) {
	tests := []struct {
		name   string
		amount *big.Int
		bps    int64
		want   *big.Int
	}{
		{"two percent of 100 units", domain.Units(100), 200, domain.Units(2)},
		{"floors dust", big.NewInt(49), 200, big.NewInt(0)},
		{"zero fee", domain.Units(7), 0, big.NewInt(0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, 0, Fee(tt.amount, tt.bps).Cmp(tt.want))
		})
	}
}

func TestBuyMatchesConstantProduct(t *testing.T) {
	p := pool(1000, 1000)
	net := domain.Units(98)

	q, err := Buy(p, domain.SideYes, net, domain.Unit())
	require.NoError(t, err)

	newNo := new(big.Int).Add(p.No, net)
	wantYes := ceilDiv(p.K(), newNo)
	wantShares := new(big.Int).Add(p.Yes, net)
	wantShares.Sub(wantShares, wantYes)

	assert.Equal(t, 0, q.Pool.No.Cmp(newNo))
	assert.Equal(t, 0, q.Pool.Yes.Cmp(wantYes))
	assert.Equal(t, 0, q.Out.Cmp(wantShares))
	assert.True(t, q.Pool.K().Cmp(p.K()) >= 0, "product must not decrease")

	// 98 units at a 50% starting price buys more than 98 shares but fewer
	// than 196.
	assert.True(t, q.Out.Cmp(domain.Units(98)) > 0)
	assert.True(t, q.Out.Cmp(domain.Units(196)) < 0)
	assert.Greater(t, PriceBps(q.Pool, domain.SideYes), int64(5000))
}

func TestBuyEdgeCases(t *testing.T) {
	t.Run("zero amount", func(t *testing.T) {
		_, err := Buy(pool(10, 10), domain.SideNo, big.NewInt(0), nil)
		assert.ErrorIs(t, err, domain.ErrInvalidAmount)
	})
	t.Run("one wei still buys at least one share", func(t *testing.T) {
		p := Pool{Yes: big.NewInt(1), No: big.NewInt(1_000_000)}
		q, err := Buy(p, domain.SideYes, big.NewInt(1), nil)
		require.NoError(t, err)
		assert.Equal(t, int64(1), q.Out.Int64())
	})
	t.Run("huge buy breaches floor", func(t *testing.T) {
		_, err := Buy(pool(10, 10), domain.SideYes, domain.Units(1_000_000), domain.Unit())
		assert.ErrorIs(t, err, domain.ErrPoolLiquidity)
	})
}

func TestSellInvertsBuy(t *testing.T) {
	p := pool(1000, 1000)
	bought, err := Buy(p, domain.SideNo, domain.Units(50), domain.Unit())
	require.NoError(t, err)

	sold, err := Sell(bought.Pool, domain.SideNo, bought.Out, domain.Unit())
	require.NoError(t, err)

	// Rounding favours the pool: the round trip returns at most what went in.
	assert.True(t, sold.Out.Cmp(domain.Units(50)) <= 0)
	diff := new(big.Int).Sub(domain.Units(50), sold.Out)
	assert.True(t, diff.Cmp(big.NewInt(2)) <= 0, "round trip lost %s wei", diff)
	assert.True(t, sold.Pool.K().Cmp(bought.Pool.K()) >= 0)
}

func TestSellEdgeCases(t *testing.T) {
	t.Run("zero shares", func(t *testing.T) {
		_, err := Sell(pool(10, 10), domain.SideYes, new(big.Int), nil)
		assert.ErrorIs(t, err, domain.ErrInvalidAmount)
	})
	t.Run("one wei rounds to zero", func(t *testing.T) {
		_, err := Sell(pool(10, 10), domain.SideYes, big.NewInt(1), nil)
		assert.ErrorIs(t, err, domain.ErrZeroOutput)
	})
	t.Run("drains other reserve below floor", func(t *testing.T) {
		_, err := Sell(pool(10, 10), domain.SideYes, domain.Units(1_000_000), domain.Units(5))
		assert.ErrorIs(t, err, domain.ErrPoolLiquidity)
	})
}

func TestPrices(t *testing.T) {
	p := pool(300, 100)
	assert.Equal(t, int64(2500), PriceBps(p, domain.SideYes))
	assert.Equal(t, int64(7500), PriceBps(p, domain.SideNo))
	assert.Equal(t, "0.25", Price(p, domain.SideYes).String())
	assert.Equal(t, int64(5000), PriceBps(Pool{Yes: new(big.Int), No: new(big.Int)}, domain.SideYes))
}

func TestValueOfAllTokensEqualsCollateral(t *testing.T) {
	// A market seeded with 1000 and one 98-unit buy holds 1098 collateral and
	// 1098 of each token across pool and traders.
	p := pool(1000, 1000)
	q, err := Buy(p, domain.SideYes, domain.Units(98), nil)
	require.NoError(t, err)

	trader := Value(q.Pool, q.Out, new(big.Int))
	lp := Value(q.Pool, q.Pool.Yes, q.Pool.No)
	total := new(big.Int).Add(trader, lp)

	collateral := domain.Units(1098)
	assert.True(t, total.Cmp(collateral) <= 0)
	assert.True(t, new(big.Int).Sub(collateral, total).Cmp(big.NewInt(2)) <= 0)
}

func TestRandomTradesPreserveInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	floor := domain.Unit()

	for run := 0; run < 50; run++ {
		p := pool(100+rng.Int63n(10_000), 0)
		p.No = new(big.Int).Set(p.Yes)
		held := map[domain.Side]*big.Int{domain.SideYes: new(big.Int), domain.SideNo: new(big.Int)}

		for step := 0; step < 40; step++ {
			side := domain.SideYes
			if rng.Intn(2) == 0 {
				side = domain.SideNo
			}
			before := p.K()

			if rng.Intn(3) > 0 || held[side].Sign() == 0 {
				amt := new(big.Int).Mul(big.NewInt(rng.Int63n(500)+1), big.NewInt(1e16))
				q, err := Buy(p, side, amt, floor)
				if err != nil {
					require.ErrorIs(t, err, domain.ErrPoolLiquidity)
					continue
				}
				held[side].Add(held[side], q.Out)
				p = q.Pool
			} else {
				shares := new(big.Int).Quo(held[side], big.NewInt(rng.Int63n(3)+1))
				q, err := Sell(p, side, shares, floor)
				if err != nil {
					continue
				}
				held[side].Sub(held[side], shares)
				p = q.Pool
			}

			require.True(t, p.K().Cmp(before) >= 0, "run %d step %d: product decreased", run, step)
			require.True(t, p.Yes.Cmp(floor) >= 0 && p.No.Cmp(floor) >= 0)
			require.True(t, held[side].Sign() >= 0)
		}
	}
}
