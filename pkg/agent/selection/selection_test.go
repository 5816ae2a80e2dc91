package selection

import (
	"testing"

	"github.com/adamzr2000/blockchain-mec-federation/pkg/federation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func bids(prices ...uint64) []*federation.Bid {
	out := make([]*federation.Bid, len(prices))
	for i, p := range prices {
		out[i] = &federation.Bid{ServiceId: "svc-1", Price: p, Index: uint64(i)}
	}
	return out
}

func Test_MinPricePolicy(t *testing.T) {
	policy := NewMinPricePolicy()

	t.Run("lowest price wins", func(t *testing.T) {
		winner, err := policy.Select(bids(30, 12, 18))
		require.NoError(t, err)
		assert.Equal(t, uint64(1), winner.Index)
	})
	t.Run("ties go to the lowest index", func(t *testing.T) {
		winner, err := policy.Select(bids(20, 20))
		require.NoError(t, err)
		assert.Equal(t, uint64(0), winner.Index)
	})
	t.Run("order of the slice does not matter", func(t *testing.T) {
		b := bids(20, 20, 5, 5)
		b[0], b[3] = b[3], b[0]
		winner, err := policy.Select(b)
		require.NoError(t, err)
		assert.Equal(t, uint64(2), winner.Index)
	})
	t.Run("no bids", func(t *testing.T) {
		_, err := policy.Select(nil)
		assert.ErrorIs(t, err, ErrNoBids)
	})
}

func Test_MinPricePolicyProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		prices := rapid.SliceOfN(rapid.Uint64Range(1, 50), 1, 20).Draw(t, "prices")
		winner, err := NewMinPricePolicy().Select(bids(prices...))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		for i, p := range prices {
			if p < winner.Price {
				t.Fatalf("bid %d has price %d below the winner's %d", i, p, winner.Price)
			}
			if p == winner.Price && uint64(i) < winner.Index {
				t.Fatalf("bid %d ties the winner but has a lower index", i)
			}
		}
	})
}

func Test_MatchingPricePolicy(t *testing.T) {
	policy := NewMatchingPricePolicy(18)

	winner, err := policy.Select(bids(30, 18, 18))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), winner.Index)

	_, err = policy.Select(bids(30, 12))
	assert.ErrorIs(t, err, ErrNoMatchingBid)
}

func Test_NewPolicy(t *testing.T) {
	p, err := NewPolicy("", 0)
	require.NoError(t, err)
	assert.Equal(t, "min-price", p.Name())

	p, err = NewPolicy("matching-price", 7)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), p.(*MatchingPricePolicy).TargetPrice)

	_, err = NewPolicy("random", 0)
	assert.Error(t, err)
}
