package market

import (
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/GiorgiUbiria/notary_ledger/internal/models"
)

// book is one market's resting offers. It is owned by the engine goroutine.
type book struct {
	id                 string
	serverID           string
	assetContractID    string
	currencyContractID string
	scale              int64

	bids  []*models.Offer // price desc, then seq
	asks  []*models.Offer // price asc, then seq
	stops []*models.Offer

	lastPrice      int64
	lastSale       time.Time
	volumeTrades   int64
	volumeAssets   int64
	volumeCurrency int64
}

func remaining(o *models.Offer) int64 { return o.Quantity - o.Filled }

// before reports whether a has priority over b on the same side.
func before(a, b *models.Offer) bool {
	if a.Price != b.Price {
		if a.IsBid {
			return a.Price > b.Price
		}
		return a.Price < b.Price
	}
	return a.Seq < b.Seq
}

func (b *book) side(o *models.Offer) *[]*models.Offer {
	if o.IsBid {
		return &b.bids
	}
	return &b.asks
}

func (b *book) insert(o *models.Offer) {
	if o.State == models.OfferPendingStop {
		b.stops = append(b.stops, o)
		return
	}
	s := b.side(o)
	i := sort.Search(len(*s), func(i int) bool { return before(o, (*s)[i]) })
	*s = append(*s, nil)
	copy((*s)[i+1:], (*s)[i:])
	(*s)[i] = o
}

func (b *book) remove(o *models.Offer) {
	for _, s := range []*[]*models.Offer{&b.bids, &b.asks, &b.stops} {
		for i, cur := range *s {
			if cur.ID == o.ID {
				*s = append((*s)[:i], (*s)[i+1:]...)
				return
			}
		}
	}
}

func (b *book) find(id string) *models.Offer {
	for _, s := range [][]*models.Offer{b.bids, b.asks, b.stops} {
		for _, o := range s {
			if o.ID == id {
				return o
			}
		}
	}
	return nil
}

// expired removes and returns every offer whose lifetime ended by now.
func (b *book) expired(now time.Time) []*models.Offer {
	var out []*models.Offer
	for _, s := range [][]*models.Offer{b.bids, b.asks, b.stops} {
		for _, o := range s {
			if !now.Before(o.ExpiresAt) {
				out = append(out, o)
			}
		}
	}
	for _, o := range out {
		b.remove(o)
	}
	return out
}

// triggered moves stop offers whose condition holds against the last sale
// price onto the book and returns them.
func (b *book) triggered() []*models.Offer {
	if b.volumeTrades == 0 {
		return nil
	}
	var fired, waiting []*models.Offer
	for _, o := range b.stops {
		if stopHolds(o.StopSign, o.ActivationPrice, b.lastPrice) {
			fired = append(fired, o)
		} else {
			waiting = append(waiting, o)
		}
	}
	b.stops = waiting
	for _, o := range fired {
		o.State = models.OfferActive
		b.insert(o)
	}
	return fired
}

func stopHolds(sign string, activation, last int64) bool {
	switch sign {
	case "<":
		return last < activation
	case ">":
		return last > activation
	default:
		return true
	}
}

func (b *book) record(qty, price, currency int64, at time.Time) {
	b.lastPrice = price
	b.lastSale = at
	b.volumeTrades++
	b.volumeAssets += qty
	b.volumeCurrency += currency
}

// fill is the quantity and currency cost of one match.
type fill struct {
	qty, cost int64
}

// cost is qty*price/scale truncated to whole currency units.
func cost(qty, price, scale int64) (int64, bool) {
	c := decimal.NewFromInt(qty).Mul(decimal.NewFromInt(price)).Div(decimal.NewFromInt(scale)).Truncate(0)
	if !c.BigInt().IsInt64() {
		return 0, false
	}
	return c.IntPart(), true
}

// affordable is the largest quantity whose cost at price fits within funds.
func affordable(funds, price, scale int64) int64 {
	if funds <= 0 {
		return 0
	}
	q := decimal.NewFromInt(funds).Mul(decimal.NewFromInt(scale)).Div(decimal.NewFromInt(price)).Truncate(0)
	if !q.BigInt().IsInt64() {
		return math.MaxInt64
	}
	return q.IntPart()
}

func gcd(a, b int64) int64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func lcm(a, b int64) int64 {
	return a / gcd(a, b) * b
}

// verdict is what the matcher decided for one bid/ask pair.
type verdict int

const (
	// skip leaves both offers resting; try the next counter offer.
	skip verdict = iota
	trade
	bidUnderfunded
	askUnderfunded
	bothUnderfunded
)

// plan decides how much of bid and ask can cross at price given the bidder's
// currency and the asker's asset balances. An offer is underfunded only when it
// cannot cover its own next increment; a pair whose common step exceeds what
// either side can fill is skipped and both offers keep resting.
func plan(bid, ask *models.Offer, price, scale, currency, assets int64) (verdict, fill) {
	step := lcm(bid.MinIncrement, ask.MinIncrement)
	want := min(remaining(bid), remaining(ask))

	bidCan := affordable(currency, price, scale)
	askCan := assets
	bidShort := bidCan < min(bid.MinIncrement, remaining(bid))
	askShort := askCan < min(ask.MinIncrement, remaining(ask))
	if bid.AllOrNone {
		bidShort = bidCan < remaining(bid)
	}
	if ask.AllOrNone {
		askShort = askCan < remaining(ask)
	}
	switch {
	case bidShort && askShort:
		return bothUnderfunded, fill{}
	case bidShort:
		return bidUnderfunded, fill{}
	case askShort:
		return askUnderfunded, fill{}
	}

	qty := min(want, bidCan, askCan)
	qty -= qty % step
	if qty <= 0 {
		return skip, fill{}
	}
	if bid.AllOrNone && qty != remaining(bid) {
		return skip, fill{}
	}
	if ask.AllOrNone && qty != remaining(ask) {
		return skip, fill{}
	}
	c, ok := cost(qty, price, scale)
	if !ok {
		return skip, fill{}
	}
	return trade, fill{qty: qty, cost: c}
}
