package instrument

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/GiorgiUbiria/notary_ledger/internal/apperr"
	"github.com/GiorgiUbiria/notary_ledger/internal/ledger"
	"github.com/GiorgiUbiria/notary_ledger/internal/locks"
	"github.com/GiorgiUbiria/notary_ledger/internal/logger"
	"github.com/GiorgiUbiria/notary_ledger/internal/metrics"
	"github.com/GiorgiUbiria/notary_ledger/internal/models"
)

const (
	opWrite   = "write"
	opDeposit = "deposit"
	opCancel  = "cancel"
)

// Identities is the part of the identity registry the engine needs.
type Identities interface {
	RequireRegistered(ctx context.Context, serverID, nymID string) error
	Sign(ctx context.Context, nymID string, payload []byte) ([]byte, error)
	Verify(ctx context.Context, nymID string, payload, sig []byte) error
}

type ChequeRequest struct {
	ServerID        string
	Amount          int64
	ValidFrom       time.Time
	ValidTo         time.Time
	SourceAccountID string
	DrawerNymID     string
	Memo            string
	// RecipientNymID may be empty for a bearer cheque.
	RecipientNymID string
}

type VoucherRequest struct {
	ServerID        string
	Amount          int64
	SourceAccountID string
	DrawerNymID     string
	Memo            string
	RecipientNymID  string
}

type TransferRequest struct {
	ServerID      string
	NymID         string
	FromAccountID string
	ToAccountID   string
	Amount        int64
	Memo          string
}

// Status is the notary's view of an instrument.
type Status struct {
	Header
	State          string `json:"state"`
	DepositAccount string `json:"deposit_account,omitempty"`
}

type Engine struct {
	db          *gorm.DB
	ids         Identities
	ledger      *ledger.Ledger
	locks       *locks.Set
	lockTimeout time.Duration
	nowFn       func() time.Time
}

func NewEngine(db *gorm.DB, ids Identities, l *ledger.Ledger, lockTimeout time.Duration) *Engine {
	return &Engine{
		db:          db,
		ids:         ids,
		ledger:      l,
		locks:       locks.NewSet(),
		lockTimeout: lockTimeout,
		nowFn:       time.Now,
	}
}

// SetNowFunc overrides the time source, primarily used in tests.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	e.nowFn = now
}

func (e *Engine) now() time.Time { return e.nowFn().UTC() }

// NewCheque drafts a cheque; nothing is stored until Write.
func NewCheque(req ChequeRequest) *Cheque {
	return &Cheque{h: Header{
		ID:              uuid.NewString(),
		Kind:            KindCheque,
		ServerID:        req.ServerID,
		SourceAccountID: req.SourceAccountID,
		DrawerNymID:     req.DrawerNymID,
		RecipientNymID:  req.RecipientNymID,
		Amount:          req.Amount,
		Memo:            req.Memo,
		ValidFrom:       req.ValidFrom.UTC().Truncate(time.Second),
		ValidTo:         req.ValidTo.UTC().Truncate(time.Second),
	}}
}

func NewVoucher(req VoucherRequest) *Voucher {
	return &Voucher{h: Header{
		ID:              uuid.NewString(),
		Kind:            KindVoucher,
		ServerID:        req.ServerID,
		SourceAccountID: req.SourceAccountID,
		DrawerNymID:     req.DrawerNymID,
		RecipientNymID:  req.RecipientNymID,
		Amount:          req.Amount,
		Memo:            req.Memo,
	}}
}

func (e *Engine) WriteCheque(ctx context.Context, req ChequeRequest) (Envelope, error) {
	return e.Write(ctx, NewCheque(req))
}

func (e *Engine) WriteVoucher(ctx context.Context, req VoucherRequest) (Envelope, error) {
	return e.Write(ctx, NewVoucher(req))
}

// Write validates a drafted instrument, signs it with the drawer's key and
// records it as written. Vouchers are funded here.
func (e *Engine) Write(ctx context.Context, inst Instrument) (Envelope, error) {
	env, err := e.write(ctx, inst)
	metrics.Instrument(string(inst.Header().Kind), opWrite, string(apperr.KindOf(err)))
	return env, err
}

func (e *Engine) write(ctx context.Context, inst Instrument) (Envelope, error) {
	const op = "instrument.write"
	h := inst.header()
	if h.Kind == KindTransfer {
		return Envelope{}, apperr.E(apperr.InvalidArgument, op, "transfers are written with DirectTransfer")
	}
	if err := inst.check(); err != nil {
		return Envelope{}, err
	}
	src, err := e.drawerAccount(ctx, op, h.ServerID, h.DrawerNymID, h.SourceAccountID)
	if err != nil {
		return Envelope{}, err
	}
	h.ContractID = src.ContractID
	h.IssuedAt = e.now().Truncate(time.Second)

	env, rec, err := e.seal(ctx, *h, models.StateWritten)
	if err != nil {
		return Envelope{}, err
	}

	legs := inst.writeLegs(ledger.VoucherAccountID(h.ContractID))
	if len(legs) == 0 {
		if err := e.db.WithContext(ctx).Create(&rec).Error; err != nil {
			return Envelope{}, apperr.Wrap(apperr.Internal, op, err)
		}
	} else {
		_, err := e.ledger.Apply(ctx, ledger.Posting{
			Type:      inst.postingType(opWrite),
			Reference: h.ID,
			Memo:      h.Memo,
			Legs:      legs,
			Within:    func(tx *gorm.DB) error { return tx.Create(&rec).Error },
		})
		if err != nil {
			return Envelope{}, err
		}
	}

	logger.Log.Info("instrument written",
		zap.String("instrument", h.ID),
		zap.String("kind", string(h.Kind)),
		zap.String("drawer", h.DrawerNymID),
		zap.Int64("amount", h.Amount))
	return env, nil
}

// drawerAccount loads the source account and checks that nymID is registered
// on the server and owns it.
func (e *Engine) drawerAccount(ctx context.Context, op, serverID, nymID, accountID string) (ledger.Account, error) {
	if err := e.ids.RequireRegistered(ctx, serverID, nymID); err != nil {
		return ledger.Account{}, err
	}
	acct, err := e.ledger.Get(ctx, accountID)
	if err != nil {
		return ledger.Account{}, err
	}
	if acct.ServerID != serverID {
		return ledger.Account{}, apperr.E(apperr.NotFound, op, "account %s is not on server %s", accountID, serverID)
	}
	if acct.NymID != nymID {
		return ledger.Account{}, apperr.E(apperr.OwnershipMismatch, op, "nym %s does not own account %s", nymID, accountID)
	}
	return acct, nil
}

func (e *Engine) seal(ctx context.Context, h Header, state string) (Envelope, models.Instrument, error) {
	body, err := payload(h)
	if err != nil {
		return Envelope{}, models.Instrument{}, err
	}
	sig, err := e.ids.Sign(ctx, h.DrawerNymID, body)
	if err != nil {
		return Envelope{}, models.Instrument{}, err
	}
	rec := models.Instrument{
		ID:              h.ID,
		Kind:            string(h.Kind),
		ServerID:        h.ServerID,
		ContractID:      h.ContractID,
		SourceAccountID: h.SourceAccountID,
		DrawerNymID:     h.DrawerNymID,
		RecipientNymID:  h.RecipientNymID,
		Amount:          h.Amount,
		Memo:            h.Memo,
		ValidFrom:       h.ValidFrom,
		ValidTo:         h.ValidTo,
		State:           state,
		Payload:         body,
	}
	return Envelope{Instrument: h, Signature: sig}, rec, nil
}

func (e *Engine) load(ctx context.Context, op, id string) (models.Instrument, error) {
	var rec models.Instrument
	err := e.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return rec, apperr.E(apperr.NotFound, op, "instrument %s not found", id)
	}
	if err != nil {
		return rec, apperr.Wrap(apperr.Internal, op, err)
	}
	return rec, nil
}

func settledError(op string, rec models.Instrument) error {
	switch rec.State {
	case models.StateWritten:
		return nil
	case models.StateExpired:
		return apperr.E(apperr.Expired, op, "instrument %s has expired", rec.ID)
	default:
		return apperr.E(apperr.AlreadySettled, op, "instrument %s is %s", rec.ID, rec.State)
	}
}

// transition moves an instrument out of written inside tx. Zero affected rows
// means a concurrent settlement won.
func transition(tx *gorm.DB, id, to, depositAccount string) error {
	updates := map[string]any{"state": to}
	if depositAccount != "" {
		updates["deposit_account"] = depositAccount
	}
	res := tx.Model(&models.Instrument{}).Where("id = ? AND state = ?", id, models.StateWritten).Updates(updates)
	if res.Error != nil {
		return apperr.Wrap(apperr.Internal, "instrument.transition", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.E(apperr.AlreadySettled, "instrument.transition", "instrument %s is no longer outstanding", id)
	}
	return nil
}

// Deposit settles a written instrument into recipientAccountID, owned by
// recipientNymID. data is the envelope returned by Write.
func (e *Engine) Deposit(ctx context.Context, data []byte, recipientNymID, recipientAccountID string) (ledger.Receipt, error) {
	env, err := Decode(data)
	kind := string(env.Instrument.Kind)
	if err != nil {
		metrics.Instrument(kind, opDeposit, string(apperr.KindOf(err)))
		return ledger.Receipt{}, err
	}
	rcpt, err := e.deposit(ctx, env, recipientNymID, recipientAccountID)
	metrics.Instrument(kind, opDeposit, string(apperr.KindOf(err)))
	if err != nil {
		logger.Log.Info("deposit rejected",
			zap.String("instrument", env.Instrument.ID),
			zap.String("recipient", recipientNymID),
			zap.Error(err))
	}
	return rcpt, err
}

func (e *Engine) deposit(ctx context.Context, env Envelope, recipientNymID, recipientAccountID string) (ledger.Receipt, error) {
	const op = "instrument.deposit"
	h := env.Instrument

	release, err := e.locks.Acquire(ctx, e.lockTimeout, h.ID)
	if err != nil {
		return ledger.Receipt{}, err
	}
	defer release()

	rec, err := e.load(ctx, op, h.ID)
	if err != nil {
		return ledger.Receipt{}, err
	}
	body, err := payload(h)
	if err != nil {
		return ledger.Receipt{}, err
	}
	if !bytes.Equal(body, rec.Payload) {
		return ledger.Receipt{}, apperr.E(apperr.InvalidArgument, op, "instrument %s does not match the notary's record", h.ID)
	}
	if err := e.ids.Verify(ctx, h.DrawerNymID, body, env.Signature); err != nil {
		return ledger.Receipt{}, err
	}
	if err := settledError(op, rec); err != nil {
		return ledger.Receipt{}, err
	}

	inst, err := FromHeader(h)
	if err != nil {
		return ledger.Receipt{}, err
	}
	if err := inst.Validate(e.now()); err != nil {
		if apperr.Is(err, apperr.Expired) {
			if terr := transition(e.db.WithContext(ctx), h.ID, models.StateExpired, ""); terr != nil {
				logger.Log.Warn("failed to mark instrument expired", zap.String("instrument", h.ID), zap.Error(terr))
			}
		}
		return ledger.Receipt{}, err
	}

	if err := e.ids.RequireRegistered(ctx, h.ServerID, recipientNymID); err != nil {
		return ledger.Receipt{}, err
	}
	acct, err := e.ledger.Get(ctx, recipientAccountID)
	if err != nil {
		return ledger.Receipt{}, err
	}
	if acct.ServerID != h.ServerID || acct.ContractID != h.ContractID {
		return ledger.Receipt{}, apperr.E(apperr.AssetMismatch, op, "account %s holds %s, instrument pays %s", acct.ID, acct.ContractID, h.ContractID)
	}
	if acct.NymID != recipientNymID {
		return ledger.Receipt{}, apperr.E(apperr.OwnershipMismatch, op, "nym %s does not own account %s", recipientNymID, acct.ID)
	}
	if h.RecipientNymID != "" && h.RecipientNymID != recipientNymID {
		return ledger.Receipt{}, apperr.E(apperr.OwnershipMismatch, op, "instrument %s is payable to %s", h.ID, h.RecipientNymID)
	}

	rcpt, err := e.ledger.Apply(ctx, ledger.Posting{
		Type:      inst.postingType(opDeposit),
		Reference: h.ID,
		Memo:      h.Memo,
		Legs:      inst.depositLegs(ledger.VoucherAccountID(h.ContractID), acct.ID),
		Within:    func(tx *gorm.DB) error { return transition(tx, h.ID, models.StateDeposited, acct.ID) },
	})
	if err != nil {
		return ledger.Receipt{}, err
	}
	logger.Log.Info("instrument deposited",
		zap.String("instrument", h.ID),
		zap.String("kind", string(h.Kind)),
		zap.String("account", acct.ID))
	return rcpt, nil
}

// Cancel voids a written instrument on behalf of its drawer. A voucher's escrow
// returns to the source account. Cancel refuses to wait for an in-flight
// settlement of the same instrument.
func (e *Engine) Cancel(ctx context.Context, nymID, instrumentID string) error {
	err := e.cancel(ctx, nymID, instrumentID)
	kind := ""
	if rec, lerr := e.load(ctx, "instrument.cancel", instrumentID); lerr == nil {
		kind = rec.Kind
	}
	metrics.Instrument(kind, opCancel, string(apperr.KindOf(err)))
	return err
}

func (e *Engine) cancel(ctx context.Context, nymID, instrumentID string) error {
	const op = "instrument.cancel"
	release, ok := e.locks.TryAcquire(instrumentID)
	if !ok {
		return apperr.E(apperr.Busy, op, "instrument %s is being settled", instrumentID)
	}
	defer release()

	rec, err := e.load(ctx, op, instrumentID)
	if err != nil {
		return err
	}
	if rec.DrawerNymID != nymID {
		return apperr.E(apperr.OwnershipMismatch, op, "only the drawer may cancel instrument %s", instrumentID)
	}
	if err := settledError(op, rec); err != nil {
		return err
	}
	var h Header
	if err := json.Unmarshal(rec.Payload, &h); err != nil {
		return apperr.Wrap(apperr.Internal, op, err)
	}
	inst, err := FromHeader(h)
	if err != nil {
		return err
	}

	legs := inst.cancelLegs(ledger.VoucherAccountID(h.ContractID))
	if len(legs) == 0 {
		err = transition(e.db.WithContext(ctx), h.ID, models.StateCanceled, "")
	} else {
		_, err = e.ledger.Apply(ctx, ledger.Posting{
			Type:      inst.postingType(opCancel),
			Reference: h.ID,
			Legs:      legs,
			Within:    func(tx *gorm.DB) error { return transition(tx, h.ID, models.StateCanceled, "") },
		})
	}
	if err != nil {
		return err
	}
	logger.Log.Info("instrument canceled", zap.String("instrument", h.ID), zap.String("kind", string(h.Kind)))
	return nil
}

// DirectTransfer moves a positive amount between two accounts of the same
// contract at once. The result is recorded as a deposited transfer instrument.
func (e *Engine) DirectTransfer(ctx context.Context, req TransferRequest) (Envelope, error) {
	env, err := e.directTransfer(ctx, req)
	metrics.Instrument(string(KindTransfer), opDeposit, string(apperr.KindOf(err)))
	return env, err
}

func (e *Engine) directTransfer(ctx context.Context, req TransferRequest) (Envelope, error) {
	const op = "instrument.transfer"
	inst := &Transfer{h: Header{
		ID:              uuid.NewString(),
		Kind:            KindTransfer,
		ServerID:        req.ServerID,
		SourceAccountID: req.FromAccountID,
		DrawerNymID:     req.NymID,
		Amount:          req.Amount,
		Memo:            req.Memo,
	}}
	if err := inst.check(); err != nil {
		return Envelope{}, err
	}
	src, err := e.drawerAccount(ctx, op, req.ServerID, req.NymID, req.FromAccountID)
	if err != nil {
		return Envelope{}, err
	}
	dst, err := e.ledger.Get(ctx, req.ToAccountID)
	if err != nil {
		return Envelope{}, err
	}
	if dst.ServerID != src.ServerID || dst.ContractID != src.ContractID {
		return Envelope{}, apperr.E(apperr.AssetMismatch, op, "account %s holds %s, not %s", dst.ID, dst.ContractID, src.ContractID)
	}
	if dst.Kind == models.AccountVoucher {
		return Envelope{}, apperr.E(apperr.InvalidArgument, op, "account %s is the notary's voucher escrow", dst.ID)
	}
	inst.h.ContractID = src.ContractID
	inst.h.RecipientNymID = dst.NymID
	inst.h.IssuedAt = e.now().Truncate(time.Second)

	env, rec, err := e.seal(ctx, inst.h, models.StateDeposited)
	if err != nil {
		return Envelope{}, err
	}
	rec.DepositAccount = dst.ID
	_, err = e.ledger.Apply(ctx, ledger.Posting{
		Type:      inst.postingType(opDeposit),
		Reference: inst.h.ID,
		Memo:      inst.h.Memo,
		Legs:      inst.depositLegs("", dst.ID),
		Within:    func(tx *gorm.DB) error { return tx.Create(&rec).Error },
	})
	if err != nil {
		return Envelope{}, err
	}
	logger.Log.Info("direct transfer settled",
		zap.String("instrument", inst.h.ID),
		zap.String("from", src.ID),
		zap.String("to", dst.ID),
		zap.Int64("amount", inst.h.Amount))
	return env, nil
}

// Get reports the stored state of an instrument.
func (e *Engine) Get(ctx context.Context, id string) (Status, error) {
	const op = "instrument.get"
	if id == "" {
		return Status{}, apperr.E(apperr.NotFound, op, "empty instrument id")
	}
	rec, err := e.load(ctx, op, id)
	if err != nil {
		return Status{}, err
	}
	var h Header
	if err := json.Unmarshal(rec.Payload, &h); err != nil {
		return Status{}, apperr.Wrap(apperr.Internal, op, err)
	}
	return Status{Header: h, State: rec.State, DepositAccount: rec.DepositAccount}, nil
}
