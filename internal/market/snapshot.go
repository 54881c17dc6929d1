package market

import (
	"context"
	"sort"
	"time"

	"github.com/GiorgiUbiria/notary_ledger/internal/apperr"
	"github.com/GiorgiUbiria/notary_ledger/internal/models"
)

// Event types.
const (
	EventOfferPlaced = "offer_placed"
	EventOfferClosed = "offer_closed"
	EventTrade       = "trade"
)

type Event struct {
	Type       string    `json:"type"`
	MarketID   string    `json:"market_id"`
	OfferID    string    `json:"offer_id,omitempty"`
	State      string    `json:"state,omitempty"`
	BidOfferID string    `json:"bid_offer_id,omitempty"`
	AskOfferID string    `json:"ask_offer_id,omitempty"`
	Quantity   int64     `json:"quantity,omitempty"`
	Price      int64     `json:"price,omitempty"`
	Currency   int64     `json:"currency,omitempty"`
	At         time.Time `json:"at"`
}

type Offer struct {
	ID                string    `json:"id"`
	MarketID          string    `json:"market_id"`
	NymID             string    `json:"nym_id"`
	AssetAccountID    string    `json:"asset_account_id"`
	CurrencyAccountID string    `json:"currency_account_id"`
	Scale             int64     `json:"scale"`
	MinIncrement      int64     `json:"min_increment"`
	Quantity          int64     `json:"quantity"`
	Filled            int64     `json:"filled"`
	Price             int64     `json:"price"`
	IsBid             bool      `json:"is_bid"`
	AllOrNone         bool      `json:"all_or_none,omitempty"`
	StopSign          string    `json:"stop_sign,omitempty"`
	ActivationPrice   int64     `json:"activation_price,omitempty"`
	State             string    `json:"state"`
	ExpiresAt         time.Time `json:"expires_at"`
}

func toOffer(o models.Offer) Offer {
	return Offer{
		ID:                o.ID,
		MarketID:          o.MarketID,
		NymID:             o.NymID,
		AssetAccountID:    o.AssetAccountID,
		CurrencyAccountID: o.CurrencyAccountID,
		Scale:             o.Scale,
		MinIncrement:      o.MinIncrement,
		Quantity:          o.Quantity,
		Filled:            o.Filled,
		Price:             o.Price,
		IsBid:             o.IsBid,
		AllOrNone:         o.AllOrNone,
		StopSign:          o.StopSign,
		ActivationPrice:   o.ActivationPrice,
		State:             o.State,
		ExpiresAt:         o.ExpiresAt,
	}
}

// MarketData summarizes one market as of the last cycle.
type MarketData struct {
	ID                 string    `json:"id"`
	ServerID           string    `json:"server_id"`
	AssetContractID    string    `json:"asset_contract_id"`
	CurrencyContractID string    `json:"currency_contract_id"`
	Scale              int64     `json:"scale"`
	NumberBids         int       `json:"number_bids"`
	NumberAsks         int       `json:"number_asks"`
	CurrentBid         int64     `json:"current_bid"`
	CurrentAsk         int64     `json:"current_ask"`
	LastSalePrice      int64     `json:"last_sale_price"`
	LastSaleDate       time.Time `json:"last_sale_date,omitempty"`
	VolumeTrades       int64     `json:"volume_trades"`
	VolumeAssets       int64     `json:"volume_assets"`
	VolumeCurrency     int64     `json:"volume_currency"`
	// TotalAssets is the unfilled quantity offered for sale.
	TotalAssets int64 `json:"total_assets"`
}

type Trade struct {
	ID         uint      `json:"id"`
	MarketID   string    `json:"market_id"`
	BidOfferID string    `json:"bid_offer_id"`
	AskOfferID string    `json:"ask_offer_id"`
	Quantity   int64     `json:"quantity"`
	Price      int64     `json:"price"`
	Currency   int64     `json:"currency"`
	At         time.Time `json:"at"`
}

type snapshot struct {
	data MarketData
	bids []Offer
	asks []Offer
}

func views(offers []*models.Offer) []Offer {
	out := make([]Offer, 0, len(offers))
	for _, o := range offers {
		out = append(out, toOffer(*o))
	}
	return out
}

// publishSnapshot copies b for readers. Called from the engine goroutine.
func (e *Engine) publishSnapshot(b *book) {
	data := MarketData{
		ID:                 b.id,
		ServerID:           b.serverID,
		AssetContractID:    b.assetContractID,
		CurrencyContractID: b.currencyContractID,
		Scale:              b.scale,
		NumberBids:         len(b.bids),
		NumberAsks:         len(b.asks),
		LastSalePrice:      b.lastPrice,
		LastSaleDate:       b.lastSale,
		VolumeTrades:       b.volumeTrades,
		VolumeAssets:       b.volumeAssets,
		VolumeCurrency:     b.volumeCurrency,
	}
	if len(b.bids) > 0 {
		data.CurrentBid = b.bids[0].Price
	}
	if len(b.asks) > 0 {
		data.CurrentAsk = b.asks[0].Price
	}
	for _, o := range b.asks {
		data.TotalAssets += remaining(o)
	}

	snap := snapshot{data: data, bids: views(b.bids), asks: views(b.asks)}
	e.snapMu.Lock()
	e.snapshots[b.id] = snap
	e.snapMu.Unlock()
}

// Markets lists the markets on serverID, every server when empty.
func (e *Engine) Markets(serverID string) []MarketData {
	e.snapMu.RLock()
	defer e.snapMu.RUnlock()
	out := make([]MarketData, 0, len(e.snapshots))
	for _, s := range e.snapshots {
		if serverID == "" || s.data.ServerID == serverID {
			out = append(out, s.data)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Offers returns up to depth of the best bids and asks; depth <= 0 means all.
func (e *Engine) Offers(marketID string, depth int) (bids, asks []Offer, err error) {
	e.snapMu.RLock()
	s, ok := e.snapshots[marketID]
	e.snapMu.RUnlock()
	if !ok {
		return nil, nil, apperr.E(apperr.NotFound, "market.offers", "market %q not found", marketID)
	}
	return truncate(s.bids, depth), truncate(s.asks, depth), nil
}

func truncate(offers []Offer, depth int) []Offer {
	if depth > 0 && len(offers) > depth {
		offers = offers[:depth]
	}
	out := make([]Offer, len(offers))
	copy(out, offers)
	return out
}

// Trades lists the most recent trades of a market, newest first.
func (e *Engine) Trades(ctx context.Context, marketID string) ([]Trade, error) {
	const op = "market.trades"
	e.snapMu.RLock()
	_, ok := e.snapshots[marketID]
	e.snapMu.RUnlock()
	if !ok {
		return nil, apperr.E(apperr.NotFound, op, "market %q not found", marketID)
	}
	var recs []models.Trade
	err := e.db.WithContext(ctx).Where("market_id = ?", marketID).
		Order("id DESC").Limit(e.opts.TradeHistory).Find(&recs).Error
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, op, err)
	}
	out := make([]Trade, 0, len(recs))
	for _, r := range recs {
		out = append(out, Trade{
			ID:         r.ID,
			MarketID:   r.MarketID,
			BidOfferID: r.BidOfferID,
			AskOfferID: r.AskOfferID,
			Quantity:   r.Quantity,
			Price:      r.Price,
			Currency:   r.Currency,
			At:         r.CreatedAt,
		})
	}
	return out, nil
}
