package market

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/GiorgiUbiria/notary_ledger/internal/apperr"
	"github.com/GiorgiUbiria/notary_ledger/internal/contracts"
	"github.com/GiorgiUbiria/notary_ledger/internal/identity"
	"github.com/GiorgiUbiria/notary_ledger/internal/ledger"
	"github.com/GiorgiUbiria/notary_ledger/internal/models"
	"github.com/GiorgiUbiria/notary_ledger/internal/testutil"
)

type wallet struct {
	nym      string
	asset    string
	currency string
}

type fixture struct {
	db     *gorm.DB
	ids    *identity.Registry
	ledger *ledger.Ledger
	server string

	assetIssuer    string
	currencyIssuer string
	alice, bob     wallet
}

type clock struct{ offset atomic.Int64 }

func (c *clock) now() time.Time {
	return time.Now().Add(time.Duration(c.offset.Load()))
}

func (c *clock) advance(d time.Duration) { c.offset.Add(int64(d)) }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db := testutil.NewDB(t)
	ids := identity.NewRegistry(db, []string{"Transactions.com"})
	f := &fixture{db: db, ids: ids, ledger: ledger.New(db, ids, time.Second), server: ids.FirstServerID()}

	issuer := f.nym(t)
	reg := contracts.NewRegistry(db, ids)
	silver, err := reg.Issue(ctx, contracts.IssueRequest{NymID: issuer, ServerID: f.server, Body: testutil.SilverContract})
	require.NoError(t, err)
	btc, err := reg.Issue(ctx, contracts.IssueRequest{NymID: issuer, ServerID: f.server, Body: testutil.BTCContract})
	require.NoError(t, err)
	f.assetIssuer, f.currencyIssuer = silver.IssuerAccountID, btc.IssuerAccountID

	f.alice = f.wallet(t, silver.ID, btc.ID)
	f.bob = f.wallet(t, silver.ID, btc.ID)
	return f
}

func (f *fixture) nym(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	n, err := f.ids.CreateNym(ctx, identity.CreateNymRequest{KeyBits: 1024})
	require.NoError(t, err)
	_, err = f.ids.RegisterNym(ctx, f.server, n.ID)
	require.NoError(t, err)
	return n.ID
}

func (f *fixture) wallet(t *testing.T, assetContract, currencyContract string) wallet {
	t.Helper()
	ctx := context.Background()
	w := wallet{nym: f.nym(t)}
	a, err := f.ledger.CreateAccount(ctx, w.nym, assetContract, f.server)
	require.NoError(t, err)
	c, err := f.ledger.CreateAccount(ctx, w.nym, currencyContract, f.server)
	require.NoError(t, err)
	w.asset, w.currency = a.ID, c.ID
	f.fund(t, f.assetIssuer, w.asset, 100)
	f.fund(t, f.currencyIssuer, w.currency, 100)
	return w
}

func (f *fixture) fund(t *testing.T, from, to string, amount int64) {
	t.Helper()
	_, err := f.ledger.Apply(context.Background(), ledger.Posting{
		Type: ledger.TypeTransfer,
		Legs: []ledger.Leg{{AccountID: from, Delta: -amount}, {AccountID: to, Delta: amount}},
	})
	require.NoError(t, err)
}

func (f *fixture) balances(t *testing.T, w wallet) (int64, int64) {
	t.Helper()
	ctx := context.Background()
	a, err := f.ledger.Balance(ctx, w.asset)
	require.NoError(t, err)
	c, err := f.ledger.Balance(ctx, w.currency)
	require.NoError(t, err)
	return a, c
}

func (f *fixture) assertWallet(t *testing.T, w wallet, asset, currency int64) {
	t.Helper()
	a, c := f.balances(t, w)
	assert.Equal(t, asset, a, "asset")
	assert.Equal(t, currency, c, "currency")
}

// engine starts a market engine that only cycles on demand unless interval is set.
func (f *fixture) engine(t *testing.T, interval time.Duration, clk *clock) *Engine {
	t.Helper()
	if interval == 0 {
		interval = time.Hour
	}
	e := NewEngine(f.db, f.ledger, f.ids, Options{CronInterval: interval, TradeHistory: 10})
	if clk != nil {
		e.SetNowFunc(clk.now)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return e
}

func offer(w wallet, qty, price int64, bid bool) OfferRequest {
	return OfferRequest{
		NymID:             w.nym,
		AssetAccountID:    w.asset,
		CurrencyAccountID: w.currency,
		Scale:             1,
		MinIncrement:      1,
		Quantity:          qty,
		Price:             price,
		IsBid:             bid,
		Lifetime:          time.Hour,
	}
}

func (f *fixture) place(t *testing.T, e *Engine, req OfferRequest) Offer {
	t.Helper()
	o, err := e.PlaceOffer(context.Background(), req)
	require.NoError(t, err)
	return o
}

func (f *fixture) offerState(t *testing.T, id string) string {
	t.Helper()
	var rec models.Offer
	require.NoError(t, f.db.Where("id = ?", id).First(&rec).Error)
	return rec.State
}

func TestFundsLimitFillAndUnderfundedBidLeaves(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t, 0, nil)
	ctx := context.Background()

	ask := f.place(t, e, offer(f.alice, 10, 27, false))
	bid := f.place(t, e, offer(f.bob, 10, 27, true))
	require.NoError(t, e.CycleNow(ctx))

	f.assertWallet(t, f.alice, 97, 181)
	f.assertWallet(t, f.bob, 103, 19)
	assert.Equal(t, models.OfferUnderfunded, f.offerState(t, bid.ID))
	assert.Equal(t, models.OfferActive, f.offerState(t, ask.ID))

	markets := e.Markets(f.server)
	require.Len(t, markets, 1)
	m := markets[0]
	assert.Equal(t, ask.MarketID, m.ID)
	assert.Equal(t, int64(27), m.LastSalePrice)
	assert.Equal(t, int64(1), m.VolumeTrades)
	assert.Equal(t, int64(3), m.VolumeAssets)
	assert.Equal(t, int64(81), m.VolumeCurrency)
	assert.Equal(t, 0, m.NumberBids)
	assert.Equal(t, 1, m.NumberAsks)
	assert.Equal(t, int64(27), m.CurrentAsk)
	assert.Equal(t, int64(7), m.TotalAssets)

	bids, asks, err := e.Offers(m.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, bids)
	require.Len(t, asks, 1)
	assert.Equal(t, int64(3), asks[0].Filled)

	trades, err := e.Trades(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, int64(3), trades[0].Quantity)
	assert.Equal(t, int64(81), trades[0].Currency)
}

func TestCronTickerMatches(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t, 20*time.Millisecond, nil)

	f.place(t, e, offer(f.alice, 2, 10, false))
	f.place(t, e, offer(f.bob, 2, 10, true))

	require.Eventually(t, func() bool {
		a, err := f.ledger.Balance(context.Background(), f.bob.asset)
		return err == nil && a == 102
	}, 5*time.Second, 20*time.Millisecond)
	f.assertWallet(t, f.alice, 98, 120)
	f.assertWallet(t, f.bob, 102, 80)
}

func TestPriceTimePriority(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t, 0, nil)
	carol := f.wallet(t, mustAccount(t, f, f.alice.asset).ContractID, mustAccount(t, f, f.alice.currency).ContractID)

	f.place(t, e, offer(f.alice, 2, 30, false))
	cheap := f.place(t, e, offer(carol, 2, 25, false))
	// the bid arrives last, so it trades at the resting ask's price
	f.place(t, e, offer(f.bob, 2, 30, true))
	require.NoError(t, e.CycleNow(context.Background()))

	f.assertWallet(t, carol, 98, 150)
	f.assertWallet(t, f.bob, 102, 50)
	f.assertWallet(t, f.alice, 100, 100)
	assert.Equal(t, models.OfferFilled, f.offerState(t, cheap.ID))
}

func TestOlderBidSetsPrice(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t, 0, nil)

	f.place(t, e, offer(f.bob, 2, 30, true))
	f.place(t, e, offer(f.alice, 2, 25, false))
	require.NoError(t, e.CycleNow(context.Background()))

	f.assertWallet(t, f.bob, 102, 40)
	f.assertWallet(t, f.alice, 98, 160)
}

func TestNoCrossNoTrade(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t, 0, nil)

	f.place(t, e, offer(f.alice, 2, 30, false))
	f.place(t, e, offer(f.bob, 2, 29, true))
	require.NoError(t, e.CycleNow(context.Background()))

	f.assertWallet(t, f.alice, 100, 100)
	f.assertWallet(t, f.bob, 100, 100)
	m := e.Markets("")
	require.Len(t, m, 1)
	assert.Equal(t, int64(29), m[0].CurrentBid)
	assert.Equal(t, int64(30), m[0].CurrentAsk)
}

func TestAllOrNone(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t, 0, nil)

	req := offer(f.alice, 10, 5, false)
	req.AllOrNone = true
	ask := f.place(t, e, req)
	bid := f.place(t, e, offer(f.bob, 5, 5, true))
	require.NoError(t, e.CycleNow(context.Background()))

	f.assertWallet(t, f.alice, 100, 100)
	assert.Equal(t, models.OfferActive, f.offerState(t, ask.ID))
	assert.Equal(t, models.OfferActive, f.offerState(t, bid.ID))

	// a single counter offer large enough fills it
	f.place(t, e, offer(f.bob, 10, 5, true))
	require.NoError(t, e.CycleNow(context.Background()))
	f.assertWallet(t, f.alice, 90, 150)
	f.assertWallet(t, f.bob, 110, 50)
	assert.Equal(t, models.OfferFilled, f.offerState(t, ask.ID))
}

func TestStopOfferWaitsForTrigger(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t, 0, nil)
	ctx := context.Background()
	f.fund(t, f.currencyIssuer, f.bob.currency, 100)

	f.place(t, e, offer(f.alice, 10, 27, false))
	stop := offer(f.bob, 2, 27, true)
	stop.StopSign = ">"
	stop.ActivationPrice = 26
	stopped := f.place(t, e, stop)
	assert.Equal(t, models.OfferPendingStop, stopped.State)

	f.place(t, e, offer(f.bob, 3, 27, true))
	require.NoError(t, e.CycleNow(ctx))
	f.assertWallet(t, f.bob, 103, 119)
	assert.Equal(t, models.OfferPendingStop, f.offerState(t, stopped.ID))

	require.NoError(t, e.CycleNow(ctx))
	f.assertWallet(t, f.bob, 105, 65)
	assert.Equal(t, models.OfferFilled, f.offerState(t, stopped.ID))
}

func TestOfferExpires(t *testing.T) {
	f := newFixture(t)
	clk := &clock{}
	e := f.engine(t, 0, clk)
	ctx := context.Background()

	req := offer(f.alice, 2, 30, false)
	req.Lifetime = time.Minute
	o := f.place(t, e, req)

	clk.advance(2 * time.Minute)
	require.NoError(t, e.CycleNow(ctx))
	assert.Equal(t, models.OfferExpired, f.offerState(t, o.ID))

	f.place(t, e, offer(f.bob, 2, 30, true))
	require.NoError(t, e.CycleNow(ctx))
	f.assertWallet(t, f.alice, 100, 100)
}

func TestCancelOffer(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t, 0, nil)
	ctx := context.Background()
	o := f.place(t, e, offer(f.alice, 2, 30, false))

	assert.True(t, apperr.Is(e.CancelOffer(ctx, f.bob.nym, o.ID), apperr.OwnershipMismatch))
	require.NoError(t, e.CancelOffer(ctx, f.alice.nym, o.ID))
	assert.Equal(t, models.OfferCanceled, f.offerState(t, o.ID))
	assert.True(t, apperr.Is(e.CancelOffer(ctx, f.alice.nym, o.ID), apperr.AlreadySettled))
	assert.True(t, apperr.Is(e.CancelOffer(ctx, f.alice.nym, "missing"), apperr.NotFound))
	assert.True(t, apperr.Is(e.CancelOffer(ctx, f.alice.nym, ""), apperr.NotFound))

	_, asks, err := e.Offers(o.MarketID, 0)
	require.NoError(t, err)
	assert.Empty(t, asks)
}

func TestPlaceOfferValidation(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t, 0, nil)
	ctx := context.Background()

	cases := map[string]struct {
		mutate func(*OfferRequest)
		kind   apperr.Kind
	}{
		"zero quantity":      {func(r *OfferRequest) { r.Quantity = 0 }, apperr.InvalidArgument},
		"negative price":     {func(r *OfferRequest) { r.Price = -1 }, apperr.InvalidArgument},
		"odd quantity":       {func(r *OfferRequest) { r.MinIncrement = 3 }, apperr.InvalidArgument},
		"increment vs scale": {func(r *OfferRequest) { r.Scale = 4; r.MinIncrement = 2 }, apperr.InvalidArgument},
		"bad stop sign":      {func(r *OfferRequest) { r.StopSign = "=" }, apperr.InvalidArgument},
		"stop without price": {func(r *OfferRequest) { r.StopSign = "<" }, apperr.InvalidArgument},
		"negative lifetime":  {func(r *OfferRequest) { r.Lifetime = -time.Second }, apperr.InvalidArgument},
		"foreign currency":   {func(r *OfferRequest) { r.CurrencyAccountID = f.bob.currency }, apperr.OwnershipMismatch},
		"not owner":          {func(r *OfferRequest) { r.NymID = f.bob.nym }, apperr.OwnershipMismatch},
		"unknown account":    {func(r *OfferRequest) { r.AssetAccountID = "missing" }, apperr.NotFound},
		"one account twice":  {func(r *OfferRequest) { r.CurrencyAccountID = r.AssetAccountID }, apperr.AssetMismatch},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			req := offer(f.alice, 10, 5, false)
			tc.mutate(&req)
			_, err := e.PlaceOffer(ctx, req)
			assert.True(t, apperr.Is(err, tc.kind), "got %v", err)
		})
	}
	assert.Empty(t, e.Markets(""))
}

func TestSubscribeReceivesTrades(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t, 0, nil)
	events := e.Subscribe(16)

	f.place(t, e, offer(f.alice, 2, 10, false))
	f.place(t, e, offer(f.bob, 2, 10, true))
	require.NoError(t, e.CycleNow(context.Background()))

	var trade *Event
	require.Eventually(t, func() bool {
		select {
		case ev := <-events:
			if ev.Type == EventTrade {
				trade = &ev
				return true
			}
		default:
		}
		return false
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(2), trade.Quantity)
	assert.Equal(t, int64(20), trade.Currency)
}

func TestReloadRestoresBook(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := NewEngine(f.db, f.ledger, f.ids, Options{CronInterval: time.Hour})
	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- first.Run(runCtx) }()

	ask, err := first.PlaceOffer(ctx, offer(f.alice, 10, 27, false))
	require.NoError(t, err)
	_, err = first.PlaceOffer(ctx, offer(f.bob, 10, 27, true))
	require.NoError(t, err)
	require.NoError(t, first.CycleNow(ctx))
	stop()
	require.NoError(t, <-done)

	_, err = first.PlaceOffer(ctx, offer(f.alice, 1, 27, false))
	assert.True(t, apperr.Is(err, apperr.Busy))

	second := f.engine(t, 0, nil)
	require.NoError(t, second.CycleNow(ctx))
	markets := second.Markets(f.server)
	require.Len(t, markets, 1)
	assert.Equal(t, int64(1), markets[0].VolumeTrades)
	assert.Equal(t, int64(27), markets[0].LastSalePrice)

	_, asks, err := second.Offers(ask.MarketID, 0)
	require.NoError(t, err)
	require.Len(t, asks, 1)
	assert.Equal(t, ask.ID, asks[0].ID)
	assert.Equal(t, int64(3), asks[0].Filled)
}

func TestRunTwice(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t, 0, nil)
	require.NoError(t, e.CycleNow(context.Background()))
	assert.Error(t, e.Run(context.Background()))
}

func mustAccount(t *testing.T, f *fixture, id string) ledger.Account {
	t.Helper()
	a, err := f.ledger.Get(context.Background(), id)
	require.NoError(t, err)
	return a
}
