package calc

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToBaseFromBaseRoundTrip(t *testing.T) {
	cases := []struct {
		d   string
		exp uint32
	}{
		{"65000.00", 8},
		{"0", 6},
		{"1.23456789", 8},
		{"999999.999999", 6},
	}

	for _, c := range cases {
		d := decimal.RequireFromString(c.d)
		base, err := ToBase(d, c.exp)
		require.NoError(t, err)

		back := FromBase(base, c.exp)
		truncated := d.Truncate(int32(c.exp))
		assert.True(t, back.Equal(truncated), "case %s exp %d: got %s want %s", c.d, c.exp, back, truncated)
	}
}

func TestToBaseRejectsNegative(t *testing.T) {
	_, err := ToBase(decimal.NewFromFloat(-1), 8)
	require.Error(t, err)
}

func TestBidAskLevelsMonotoneAndSpread(t *testing.T) {
	midBase, err := ToBase(decimal.RequireFromString("65000.00"), 8)
	require.NoError(t, err)

	bids, err := BidLevelsUSD(midBase, 10, 5, 2, 8)
	require.NoError(t, err)
	asks, err := AskLevelsUSD(midBase, 10, 5, 2, 8)
	require.NoError(t, err)

	require.Len(t, bids, 2)
	require.Len(t, asks, 2)

	expectedBid0, _ := ToBase(decimal.RequireFromString("64995.00"), 8)
	expectedBid1, _ := ToBase(decimal.RequireFromString("64990.00"), 8)
	expectedAsk0, _ := ToBase(decimal.RequireFromString("65005.00"), 8)
	expectedAsk1, _ := ToBase(decimal.RequireFromString("65010.00"), 8)

	assert.Equal(t, expectedBid0, bids[0])
	assert.Equal(t, expectedBid1, bids[1])
	assert.Equal(t, expectedAsk0, asks[0])
	assert.Equal(t, expectedAsk1, asks[1])

	assert.Less(t, bids[1], bids[0])
	assert.Greater(t, asks[1], asks[0])
	assert.Greater(t, asks[0], bids[0])
}

func TestMargin(t *testing.T) {
	priceBase, _ := ToBase(decimal.RequireFromString("65000"), 8)
	qtyBase, _ := ToBase(decimal.RequireFromString("1"), 8)

	m, err := Margin(priceBase, qtyBase, 200_000, 8, 6)
	require.NoError(t, err)

	want, _ := ToBase(decimal.RequireFromString("13000"), 6)
	assert.Equal(t, want, m)
}
