// Package market matches bid and ask offers between two asset contracts hosted
// on the same notary and settles every match through the ledger.
//
// All book state is owned by a single goroutine (Run). Offer placement,
// cancellation and forced cycles reach it through a request channel; readers
// see snapshots published after every change.
package market

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcutil/base58"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"lukechampine.com/blake3"

	"github.com/GiorgiUbiria/notary_ledger/internal/apperr"
	"github.com/GiorgiUbiria/notary_ledger/internal/ledger"
	"github.com/GiorgiUbiria/notary_ledger/internal/logger"
	"github.com/GiorgiUbiria/notary_ledger/internal/metrics"
	"github.com/GiorgiUbiria/notary_ledger/internal/models"
)

// DefaultLifetime applies to offers placed without a lifetime.
const DefaultLifetime = 24 * time.Hour

// Accounts is the ledger surface the market settles through.
type Accounts interface {
	Get(ctx context.Context, id string) (ledger.Account, error)
	Balance(ctx context.Context, id string) (int64, error)
	Apply(ctx context.Context, p ledger.Posting) (ledger.Receipt, error)
}

type Registrar interface {
	RequireRegistered(ctx context.Context, serverID, nymID string) error
}

type OfferRequest struct {
	NymID             string
	AssetAccountID    string
	CurrencyAccountID string
	Scale             int64
	MinIncrement      int64
	Quantity          int64
	Price             int64
	IsBid             bool
	Lifetime          time.Duration
	// StopSign is "", "<" or ">". A stop offer waits off the book until the
	// last sale price is below (<) or above (>) ActivationPrice.
	StopSign        string
	ActivationPrice int64
	AllOrNone       bool
}

type Options struct {
	CronInterval time.Duration
	TradeHistory int
}

type opKind int

const (
	opPlace opKind = iota
	opCancel
	opCycle
)

type request struct {
	kind   opKind
	offer  *models.Offer
	nymID  string
	id     string
	placed *Offer
	result chan error
}

type Engine struct {
	db       *gorm.DB
	accounts Accounts
	ids      Registrar
	opts     Options
	nowFn    func() time.Time

	requests chan request
	stopped  chan struct{}
	running  atomic.Bool

	// owned by the Run goroutine
	books   map[string]*book
	nextSeq int64

	snapMu    sync.RWMutex
	snapshots map[string]snapshot

	subMu sync.Mutex
	subs  []chan Event
}

func NewEngine(db *gorm.DB, accounts Accounts, ids Registrar, opts Options) *Engine {
	if opts.CronInterval <= 0 {
		opts.CronInterval = 10 * time.Second
	}
	if opts.TradeHistory <= 0 {
		opts.TradeHistory = 100
	}
	return &Engine{
		db:        db,
		accounts:  accounts,
		ids:       ids,
		opts:      opts,
		nowFn:     time.Now,
		requests:  make(chan request, 16),
		stopped:   make(chan struct{}),
		books:     make(map[string]*book),
		snapshots: make(map[string]snapshot),
	}
}

// SetNowFunc overrides the time source. It must be called before Run.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	e.nowFn = now
}

func (e *Engine) now() time.Time { return e.nowFn().UTC() }

// MarketID derives the id of the market trading assetContractID against
// currencyContractID at scale on serverID.
func MarketID(serverID, assetContractID, currencyContractID string, scale int64) string {
	h := blake3.New(32, nil)
	for _, part := range []string{serverID, assetContractID, currencyContractID} {
		h.Write([]byte(part))
		h.Write([]byte{'|'})
	}
	var buf [8]byte
	for i := range buf {
		buf[i] = byte(scale >> (8 * (7 - i)))
	}
	h.Write(buf[:])
	return base58.Encode(h.Sum(nil))
}

// Subscribe returns a channel of settlement and book events. Events are
// dropped for a subscriber whose buffer is full. The channel is closed when
// Run returns.
func (e *Engine) Subscribe(buffer int) <-chan Event {
	ch := make(chan Event, max(buffer, 1))
	e.subMu.Lock()
	defer e.subMu.Unlock()
	select {
	case <-e.stopped:
		close(ch)
	default:
		e.subs = append(e.subs, ch)
	}
	return ch
}

func (e *Engine) publish(ev Event) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
			logger.Log.Warn("dropping market event for slow subscriber", zap.String("market", ev.MarketID))
		}
	}
}

// Run owns the books until ctx is done. It reloads resting offers, then runs a
// cron cycle every CronInterval and serves requests in between.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("market: engine already running")
	}
	defer func() {
		e.subMu.Lock()
		close(e.stopped)
		for _, ch := range e.subs {
			close(ch)
		}
		e.subs = nil
		e.subMu.Unlock()
	}()

	if err := e.reload(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	logger.Log.Info("market engine started",
		zap.Int("markets", len(e.books)),
		zap.Duration("interval", e.opts.CronInterval))

	ticker := time.NewTicker(e.opts.CronInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Log.Info("market engine stopped")
			return nil
		case <-ticker.C:
			e.cycle(ctx)
		case req := <-e.requests:
			req.result <- e.handle(ctx, req)
		}
	}
}

func (e *Engine) submit(ctx context.Context, op string, req request) error {
	req.result = make(chan error, 1)
	select {
	case <-e.stopped:
		return apperr.E(apperr.Busy, op, "market engine is not running")
	default:
	}
	select {
	case e.requests <- req:
	case <-e.stopped:
		return apperr.E(apperr.Busy, op, "market engine is not running")
	case <-ctx.Done():
		return apperr.Wrap(apperr.Busy, op, ctx.Err())
	}
	select {
	case err := <-req.result:
		return err
	case <-e.stopped:
		return apperr.E(apperr.Busy, op, "market engine stopped")
	case <-ctx.Done():
		return apperr.Wrap(apperr.Busy, op, ctx.Err())
	}
}

func (e *Engine) handle(ctx context.Context, req request) error {
	switch req.kind {
	case opPlace:
		if err := e.place(ctx, req.offer); err != nil {
			return err
		}
		*req.placed = toOffer(*req.offer)
		return nil
	case opCancel:
		return e.cancel(ctx, req.nymID, req.id)
	default:
		e.cycle(ctx)
		return nil
	}
}

// PlaceOffer validates an offer and hands it to the engine. The offer rests on
// the book (or waits for its stop price) until the next cycle matches it.
func (e *Engine) PlaceOffer(ctx context.Context, req OfferRequest) (Offer, error) {
	const op = "market.place"
	rec, err := e.validate(ctx, req)
	if err != nil {
		return Offer{}, err
	}
	var placed Offer
	if err := e.submit(ctx, op, request{kind: opPlace, offer: rec, placed: &placed}); err != nil {
		return Offer{}, err
	}
	return placed, nil
}

func (e *Engine) validate(ctx context.Context, req OfferRequest) (*models.Offer, error) {
	const op = "market.place"
	switch {
	case req.Scale <= 0, req.MinIncrement <= 0, req.Quantity <= 0, req.Price <= 0:
		return nil, apperr.E(apperr.InvalidArgument, op, "scale, min increment, quantity and price must be positive")
	case req.MinIncrement%req.Scale != 0:
		return nil, apperr.E(apperr.InvalidArgument, op, "min increment %d is not a multiple of scale %d", req.MinIncrement, req.Scale)
	case req.Quantity%req.MinIncrement != 0:
		return nil, apperr.E(apperr.InvalidArgument, op, "quantity %d is not a multiple of min increment %d", req.Quantity, req.MinIncrement)
	case req.Lifetime < 0:
		return nil, apperr.E(apperr.InvalidArgument, op, "negative lifetime")
	}
	switch req.StopSign {
	case "":
	case "<", ">":
		if req.ActivationPrice <= 0 {
			return nil, apperr.E(apperr.InvalidArgument, op, "stop offer needs a positive activation price")
		}
	default:
		return nil, apperr.E(apperr.InvalidArgument, op, "invalid stop sign %q", req.StopSign)
	}

	asset, err := e.accounts.Get(ctx, req.AssetAccountID)
	if err != nil {
		return nil, err
	}
	currency, err := e.accounts.Get(ctx, req.CurrencyAccountID)
	if err != nil {
		return nil, err
	}
	if asset.NymID != req.NymID || currency.NymID != req.NymID {
		return nil, apperr.E(apperr.OwnershipMismatch, op, "nym %s must own both accounts", req.NymID)
	}
	if asset.ServerID != currency.ServerID {
		return nil, apperr.E(apperr.AssetMismatch, op, "accounts are on different servers")
	}
	if asset.ContractID == currency.ContractID {
		return nil, apperr.E(apperr.AssetMismatch, op, "asset and currency accounts hold the same contract")
	}
	if err := e.ids.RequireRegistered(ctx, asset.ServerID, req.NymID); err != nil {
		return nil, err
	}

	lifetime := req.Lifetime
	if lifetime == 0 {
		lifetime = DefaultLifetime
	}
	state := models.OfferActive
	if req.StopSign != "" {
		state = models.OfferPendingStop
	}
	return &models.Offer{
		ID:                uuid.NewString(),
		MarketID:          MarketID(asset.ServerID, asset.ContractID, currency.ContractID, req.Scale),
		ServerID:          asset.ServerID,
		NymID:             req.NymID,
		AssetAccountID:    asset.ID,
		CurrencyAccountID: currency.ID,
		Scale:             req.Scale,
		MinIncrement:      req.MinIncrement,
		Quantity:          req.Quantity,
		Price:             req.Price,
		IsBid:             req.IsBid,
		AllOrNone:         req.AllOrNone,
		StopSign:          req.StopSign,
		ActivationPrice:   req.ActivationPrice,
		State:             state,
		ExpiresAt:         e.now().Add(lifetime),
	}, nil
}

func (e *Engine) place(ctx context.Context, rec *models.Offer) error {
	b, err := e.bookFor(ctx, rec)
	if err != nil {
		return err
	}
	e.nextSeq++
	rec.Seq = e.nextSeq
	if err := e.db.WithContext(ctx).Create(rec).Error; err != nil {
		return apperr.Wrap(apperr.Internal, "market.place", err)
	}
	b.insert(rec)
	e.publishSnapshot(b)
	e.publish(Event{Type: EventOfferPlaced, MarketID: b.id, OfferID: rec.ID, State: rec.State, At: e.now()})
	logger.Log.Info("offer placed",
		zap.String("offer", rec.ID),
		zap.String("market", b.id),
		zap.Bool("bid", rec.IsBid),
		zap.Int64("quantity", rec.Quantity),
		zap.Int64("price", rec.Price))
	return nil
}

func (e *Engine) bookFor(ctx context.Context, rec *models.Offer) (*book, error) {
	if b, ok := e.books[rec.MarketID]; ok {
		return b, nil
	}
	asset, err := e.accounts.Get(ctx, rec.AssetAccountID)
	if err != nil {
		return nil, err
	}
	currency, err := e.accounts.Get(ctx, rec.CurrencyAccountID)
	if err != nil {
		return nil, err
	}
	b := &book{
		id:                 rec.MarketID,
		serverID:           rec.ServerID,
		assetContractID:    asset.ContractID,
		currencyContractID: currency.ContractID,
		scale:              rec.Scale,
	}
	e.books[b.id] = b
	return b, nil
}

// CancelOffer withdraws a resting offer on behalf of its owner.
func (e *Engine) CancelOffer(ctx context.Context, nymID, offerID string) error {
	const op = "market.cancel"
	if offerID == "" {
		return apperr.E(apperr.NotFound, op, "empty offer id")
	}
	return e.submit(ctx, op, request{kind: opCancel, nymID: nymID, id: offerID})
}

func (e *Engine) cancel(ctx context.Context, nymID, id string) error {
	const op = "market.cancel"
	for _, b := range e.books {
		o := b.find(id)
		if o == nil {
			continue
		}
		if o.NymID != nymID {
			return apperr.E(apperr.OwnershipMismatch, op, "offer %s belongs to another nym", id)
		}
		e.retire(ctx, b, o, models.OfferCanceled)
		e.publishSnapshot(b)
		return nil
	}

	var rec models.Offer
	err := e.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.E(apperr.NotFound, op, "offer %s not found", id)
	}
	if err != nil {
		return apperr.Wrap(apperr.Internal, op, err)
	}
	return apperr.E(apperr.AlreadySettled, op, "offer %s is %s", id, rec.State)
}

// retire takes o off the book for good.
func (e *Engine) retire(ctx context.Context, b *book, o *models.Offer, state string) {
	b.remove(o)
	o.State = state
	if err := e.saveOffer(ctx, o); err != nil {
		logger.Log.Error("failed to persist offer state", zap.String("offer", o.ID), zap.Error(err))
	}
	e.publish(Event{Type: EventOfferClosed, MarketID: b.id, OfferID: o.ID, State: state, At: e.now()})
	logger.Log.Info("offer closed", zap.String("offer", o.ID), zap.String("state", state))
}

func (e *Engine) saveOffer(ctx context.Context, o *models.Offer) error {
	return e.db.WithContext(ctx).Model(&models.Offer{}).Where("id = ?", o.ID).
		Updates(map[string]any{"filled": o.Filled, "state": o.State}).Error
}

// CycleNow runs one cron cycle on the engine goroutine and waits for it.
func (e *Engine) CycleNow(ctx context.Context) error {
	return e.submit(ctx, "market.cycle", request{kind: opCycle})
}

func (e *Engine) cycle(ctx context.Context) {
	start := time.Now()
	now := e.now()
	for _, b := range e.books {
		for _, o := range b.expired(now) {
			o.State = models.OfferExpired
			if err := e.saveOffer(ctx, o); err != nil {
				logger.Log.Error("failed to persist offer state", zap.String("offer", o.ID), zap.Error(err))
			}
			e.publish(Event{Type: EventOfferClosed, MarketID: b.id, OfferID: o.ID, State: o.State, At: now})
		}
		for _, o := range b.triggered() {
			if err := e.saveOffer(ctx, o); err != nil {
				logger.Log.Error("failed to persist offer state", zap.String("offer", o.ID), zap.Error(err))
			}
			logger.Log.Info("stop offer activated", zap.String("offer", o.ID), zap.Int64("last_price", b.lastPrice))
		}
		e.match(ctx, b)
		e.publishSnapshot(b)
	}
	metrics.Cycle(time.Since(start))
}

// match crosses the book until no bid meets an ask it can trade with.
func (e *Engine) match(ctx context.Context, b *book) {
	for bi := 0; bi < len(b.bids); {
		bid := b.bids[bi]
		bidGone := false
		for ai := 0; ai < len(b.asks) && !bidGone; {
			ask := b.asks[ai]
			if ask.Price > bid.Price {
				break
			}
			switch e.cross(ctx, b, bid, ask) {
			case bidUnderfunded:
				bidGone = true
			case askUnderfunded:
			case bothUnderfunded:
				bidGone = true
			case trade:
				// a filled ask has left the book; otherwise retry the same pair
				bidGone = remaining(bid) == 0
			default:
				ai++
			}
		}
		if !bidGone {
			bi++
		}
	}
}

// cross settles at most one fill between bid and ask and takes any offer that
// is filled or underfunded off the book.
func (e *Engine) cross(ctx context.Context, b *book, bid, ask *models.Offer) verdict {
	price := ask.Price
	if bid.Seq < ask.Seq {
		price = bid.Price
	}
	currency, err := e.accounts.Balance(ctx, bid.CurrencyAccountID)
	if err != nil {
		logger.Log.Error("failed to read bidder balance", zap.String("offer", bid.ID), zap.Error(err))
		return skip
	}
	assets, err := e.accounts.Balance(ctx, ask.AssetAccountID)
	if err != nil {
		logger.Log.Error("failed to read asker balance", zap.String("offer", ask.ID), zap.Error(err))
		return skip
	}

	v, f := plan(bid, ask, price, b.scale, currency, assets)
	switch v {
	case bidUnderfunded:
		e.retire(ctx, b, bid, models.OfferUnderfunded)
		return v
	case askUnderfunded:
		e.retire(ctx, b, ask, models.OfferUnderfunded)
		return v
	case bothUnderfunded:
		e.retire(ctx, b, bid, models.OfferUnderfunded)
		e.retire(ctx, b, ask, models.OfferUnderfunded)
		return v
	case skip:
		return skip
	}

	now := e.now()
	trd := models.Trade{
		MarketID:   b.id,
		BidOfferID: bid.ID,
		AskOfferID: ask.ID,
		Quantity:   f.qty,
		Price:      price,
		Currency:   f.cost,
	}
	bid.Filled += f.qty
	ask.Filled += f.qty
	_, err = e.accounts.Apply(ctx, ledger.Posting{
		Type:      ledger.TypeMarketTrade,
		Reference: b.id,
		Legs: []ledger.Leg{
			{AccountID: ask.AssetAccountID, Delta: -f.qty},
			{AccountID: bid.AssetAccountID, Delta: f.qty},
			{AccountID: bid.CurrencyAccountID, Delta: -f.cost},
			{AccountID: ask.CurrencyAccountID, Delta: f.cost},
		},
		Within: func(tx *gorm.DB) error {
			if err := tx.Create(&trd).Error; err != nil {
				return err
			}
			for _, o := range []*models.Offer{bid, ask} {
				state := models.OfferActive
				if remaining(o) == 0 {
					state = models.OfferFilled
				}
				if err := tx.Model(&models.Offer{}).Where("id = ?", o.ID).
					Updates(map[string]any{"filled": o.Filled, "state": state}).Error; err != nil {
					return err
				}
			}
			return nil
		},
	})
	if err != nil {
		bid.Filled -= f.qty
		ask.Filled -= f.qty
		logger.Log.Warn("trade settlement failed",
			zap.String("market", b.id),
			zap.String("bid", bid.ID),
			zap.String("ask", ask.ID),
			zap.Error(err))
		return skip
	}

	b.record(f.qty, price, f.cost, now)
	metrics.Trade(b.id)
	e.publish(Event{
		Type:       EventTrade,
		MarketID:   b.id,
		BidOfferID: bid.ID,
		AskOfferID: ask.ID,
		Quantity:   f.qty,
		Price:      price,
		Currency:   f.cost,
		At:         now,
	})
	logger.Log.Info("trade settled",
		zap.String("market", b.id),
		zap.Int64("quantity", f.qty),
		zap.Int64("price", price),
		zap.Int64("currency", f.cost))

	for _, o := range []*models.Offer{bid, ask} {
		if remaining(o) == 0 {
			b.remove(o)
			o.State = models.OfferFilled
			e.publish(Event{Type: EventOfferClosed, MarketID: b.id, OfferID: o.ID, State: o.State, At: now})
		}
	}
	return trade
}

// reload rebuilds the books from resting offers and past trades.
func (e *Engine) reload(ctx context.Context) error {
	const op = "market.reload"
	var offers []models.Offer
	err := e.db.WithContext(ctx).
		Where("state IN ?", []string{models.OfferActive, models.OfferPendingStop}).
		Order("seq").Find(&offers).Error
	if err != nil {
		return apperr.Wrap(apperr.Internal, op, err)
	}
	if err := e.db.WithContext(ctx).Model(&models.Offer{}).Select("COALESCE(MAX(seq), 0)").Scan(&e.nextSeq).Error; err != nil {
		return apperr.Wrap(apperr.Internal, op, err)
	}
	for i := range offers {
		o := &offers[i]
		b, err := e.bookFor(ctx, o)
		if err != nil {
			logger.Log.Warn("dropping offer with unknown accounts", zap.String("offer", o.ID), zap.Error(err))
			continue
		}
		b.insert(o)
	}

	var trades []models.Trade
	if err := e.db.WithContext(ctx).Order("id").Find(&trades).Error; err != nil {
		return apperr.Wrap(apperr.Internal, op, err)
	}
	for _, t := range trades {
		b, ok := e.books[t.MarketID]
		if !ok {
			var o models.Offer
			if err := e.db.WithContext(ctx).Where("id = ?", t.BidOfferID).First(&o).Error; err != nil {
				logger.Log.Warn("trade references unknown offer", zap.String("offer", t.BidOfferID), zap.Error(err))
				continue
			}
			if b, err = e.bookFor(ctx, &o); err != nil {
				continue
			}
		}
		b.record(t.Quantity, t.Price, t.Currency, t.CreatedAt)
	}
	for _, b := range e.books {
		e.publishSnapshot(b)
	}
	return nil
}
