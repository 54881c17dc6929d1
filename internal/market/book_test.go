package market

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GiorgiUbiria/notary_ledger/internal/models"
)

func mk(id string, bid bool, price, seq, qty int64) *models.Offer {
	return &models.Offer{
		ID: id, IsBid: bid, Price: price, Seq: seq, Quantity: qty,
		Scale: 1, MinIncrement: 1, State: models.OfferActive,
		ExpiresAt: time.Now().Add(time.Hour),
	}
}

func ids(offers []*models.Offer) []string {
	out := make([]string, 0, len(offers))
	for _, o := range offers {
		out = append(out, o.ID)
	}
	return out
}

func TestBookOrdering(t *testing.T) {
	b := &book{}
	b.insert(mk("b1", true, 10, 1, 1))
	b.insert(mk("b2", true, 12, 2, 1))
	b.insert(mk("b3", true, 10, 3, 1))
	b.insert(mk("a1", false, 15, 4, 1))
	b.insert(mk("a2", false, 13, 5, 1))
	b.insert(mk("a3", false, 15, 6, 1))

	assert.Equal(t, []string{"b2", "b1", "b3"}, ids(b.bids))
	assert.Equal(t, []string{"a2", "a1", "a3"}, ids(b.asks))

	b.remove(b.find("b1"))
	assert.Equal(t, []string{"b2", "b3"}, ids(b.bids))
	assert.Nil(t, b.find("b1"))
}

func TestBookExpiry(t *testing.T) {
	b := &book{}
	old := mk("old", true, 10, 1, 1)
	old.ExpiresAt = time.Now().Add(-time.Minute)
	b.insert(old)
	b.insert(mk("fresh", false, 11, 2, 1))

	gone := b.expired(time.Now())
	require.Len(t, gone, 1)
	assert.Equal(t, "old", gone[0].ID)
	assert.Empty(t, b.bids)
	assert.Len(t, b.asks, 1)
}

func TestStopTrigger(t *testing.T) {
	b := &book{}
	below := mk("below", false, 10, 1, 1)
	below.State, below.StopSign, below.ActivationPrice = models.OfferPendingStop, "<", 20
	above := mk("above", true, 30, 2, 1)
	above.State, above.StopSign, above.ActivationPrice = models.OfferPendingStop, ">", 25
	b.insert(below)
	b.insert(above)
	require.Len(t, b.stops, 2)

	// nothing fires before the first trade
	assert.Empty(t, b.triggered())

	b.record(1, 19, 19, time.Now())
	fired := b.triggered()
	assert.Equal(t, []string{"below"}, ids(fired))
	assert.Equal(t, models.OfferActive, below.State)
	assert.Equal(t, []string{"below"}, ids(b.asks))

	b.record(1, 26, 26, time.Now())
	assert.Equal(t, []string{"above"}, ids(b.triggered()))
	assert.Empty(t, b.stops)
}

func TestCostAndAffordable(t *testing.T) {
	c, ok := cost(3, 27, 1)
	require.True(t, ok)
	assert.Equal(t, int64(81), c)

	c, ok = cost(1500, 7, 1000)
	require.True(t, ok)
	assert.Equal(t, int64(10), c)

	_, ok = cost(math.MaxInt64, 2, 1)
	assert.False(t, ok)

	assert.Equal(t, int64(3), affordable(100, 27, 1))
	assert.Equal(t, int64(0), affordable(19, 27, 1))
	assert.Equal(t, int64(0), affordable(-5, 27, 1))
	assert.Equal(t, int64(math.MaxInt64), affordable(math.MaxInt64, 1, 10))
}

func TestLCM(t *testing.T) {
	assert.Equal(t, int64(12), lcm(4, 6))
	assert.Equal(t, int64(5), lcm(5, 5))
	assert.Equal(t, int64(7), lcm(1, 7))
}

func TestPlan(t *testing.T) {
	t.Run("funds limit the fill", func(t *testing.T) {
		v, f := plan(mk("b", true, 27, 2, 10), mk("a", false, 27, 1, 10), 27, 1, 100, 100)
		assert.Equal(t, trade, v)
		assert.Equal(t, fill{qty: 3, cost: 81}, f)
	})
	t.Run("bidder cannot afford an increment", func(t *testing.T) {
		v, _ := plan(mk("b", true, 27, 2, 7), mk("a", false, 27, 1, 7), 27, 1, 19, 100)
		assert.Equal(t, bidUnderfunded, v)
	})
	t.Run("asker holds nothing", func(t *testing.T) {
		v, _ := plan(mk("b", true, 27, 2, 7), mk("a", false, 27, 1, 7), 27, 1, 1000, 0)
		assert.Equal(t, askUnderfunded, v)
	})
	t.Run("both short", func(t *testing.T) {
		v, _ := plan(mk("b", true, 27, 2, 7), mk("a", false, 27, 1, 7), 27, 1, 0, 0)
		assert.Equal(t, bothUnderfunded, v)
	})
	t.Run("increments round the fill down", func(t *testing.T) {
		bid := mk("b", true, 1, 2, 12)
		bid.MinIncrement = 4
		ask := mk("a", false, 1, 1, 12)
		ask.MinIncrement = 6
		v, f := plan(bid, ask, 1, 1, 100, 100)
		assert.Equal(t, trade, v)
		assert.Equal(t, int64(12), f.qty)

		v, f = plan(bid, ask, 1, 1, 3, 100)
		assert.Equal(t, bidUnderfunded, v)
		assert.Zero(t, f.qty)
	})
	t.Run("funded bid outside the common step rests", func(t *testing.T) {
		bid := mk("b", true, 1, 2, 12)
		bid.MinIncrement = 4
		ask := mk("a", false, 1, 1, 12)
		ask.MinIncrement = 6

		// 11 covers the bid's own increment of 4 but not the pair step of 12
		v, f := plan(bid, ask, 1, 1, 11, 100)
		assert.Equal(t, skip, v)
		assert.Zero(t, f.qty)

		small := mk("a2", false, 1, 3, 12)
		small.MinIncrement = 4
		v, f = plan(bid, small, 1, 1, 11, 100)
		assert.Equal(t, trade, v)
		assert.Equal(t, int64(8), f.qty)
	})
	t.Run("remainder below the common step rests", func(t *testing.T) {
		bid := mk("b", true, 1, 2, 4)
		bid.MinIncrement = 4
		ask := mk("a", false, 1, 1, 12)
		ask.MinIncrement = 6

		v, _ := plan(bid, ask, 1, 1, 100, 100)
		assert.Equal(t, skip, v)
	})
	t.Run("all or none waits for a full fill", func(t *testing.T) {
		ask := mk("a", false, 5, 1, 10)
		ask.AllOrNone = true
		v, _ := plan(mk("b", true, 5, 2, 5), ask, 5, 1, 1000, 1000)
		assert.Equal(t, skip, v)

		v, f := plan(mk("b", true, 5, 2, 10), ask, 5, 1, 1000, 1000)
		assert.Equal(t, trade, v)
		assert.Equal(t, int64(10), f.qty)
	})
	t.Run("all or none bidder must fund everything", func(t *testing.T) {
		bid := mk("b", true, 5, 2, 10)
		bid.AllOrNone = true
		v, _ := plan(bid, mk("a", false, 5, 1, 10), 5, 1, 49, 1000)
		assert.Equal(t, bidUnderfunded, v)
	})
}

func TestMarketIDStable(t *testing.T) {
	a := MarketID("srv", "silver", "btc", 1)
	assert.Equal(t, a, MarketID("srv", "silver", "btc", 1))
	assert.NotEqual(t, a, MarketID("srv", "btc", "silver", 1))
	assert.NotEqual(t, a, MarketID("srv", "silver", "btc", 10))
}
