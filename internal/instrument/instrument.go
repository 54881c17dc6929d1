// Package instrument writes, deposits and cancels transfer instruments.
//
// Every kind (cheque, voucher, direct transfer) satisfies the same Instrument
// capability set, so the engine drives one state machine for all of them:
//
//	drafted -> written -> deposited | canceled | expired
//
// deposited and canceled are terminal. A deposit that fails for any other
// reason (insufficient funds, not yet valid, wrong account) leaves the
// instrument written and depositable later.
package instrument

import (
	"encoding/json"
	"math"
	"time"

	"github.com/GiorgiUbiria/notary_ledger/internal/apperr"
	"github.com/GiorgiUbiria/notary_ledger/internal/ledger"
)

type Kind string

const (
	KindCheque   Kind = "cheque"
	KindVoucher  Kind = "voucher"
	KindTransfer Kind = "transfer"
)

// Header is the signed, self-contained body of an instrument.
type Header struct {
	ID              string    `json:"id"`
	Kind            Kind      `json:"kind"`
	ServerID        string    `json:"server_id"`
	ContractID      string    `json:"contract_id"`
	SourceAccountID string    `json:"source_account_id"`
	DrawerNymID     string    `json:"drawer_nym_id"`
	RecipientNymID  string    `json:"recipient_nym_id,omitempty"`
	Amount          int64     `json:"amount"`
	Memo            string    `json:"memo,omitempty"`
	ValidFrom       time.Time `json:"valid_from"`
	ValidTo         time.Time `json:"valid_to"`
	IssuedAt        time.Time `json:"issued_at"`
}

// Instrument is the capability set every kind implements.
type Instrument interface {
	Header() Header
	// Validate checks the instrument as of now, the moment of deposit.
	Validate(now time.Time) error

	header() *Header
	check() error
	writeLegs(escrow string) []ledger.Leg
	depositLegs(escrow, recipientAccount string) []ledger.Leg
	cancelLegs(escrow string) []ledger.Leg
	postingType(op string) string
}

// Envelope is the transferable form: the header plus the drawer's signature.
type Envelope struct {
	Instrument Header `json:"instrument"`
	Signature  []byte `json:"signature"`
}

func (e Envelope) Marshal() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidArgument, "instrument.marshal", err)
	}
	return b, nil
}

// Decode parses an envelope produced by Marshal.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, apperr.Wrap(apperr.InvalidArgument, "instrument.decode", err)
	}
	if env.Instrument.ID == "" {
		return env, apperr.E(apperr.NotFound, "instrument.decode", "instrument has no id")
	}
	return env, nil
}

func payload(h Header) ([]byte, error) {
	b, err := json.Marshal(h)
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidArgument, "instrument.payload", err)
	}
	return b, nil
}

// FromHeader rebuilds the typed instrument for a decoded header.
func FromHeader(h Header) (Instrument, error) {
	switch h.Kind {
	case KindCheque:
		return &Cheque{h: h}, nil
	case KindVoucher:
		return &Voucher{h: h}, nil
	case KindTransfer:
		return &Transfer{h: h}, nil
	default:
		return nil, apperr.E(apperr.InvalidArgument, "instrument.from_header", "unknown instrument kind %q", h.Kind)
	}
}

// Cheque is a time-bounded promise to pay from the source account. A negative
// amount is an invoice: on deposit the depositor pays the drawer.
type Cheque struct{ h Header }

func (c *Cheque) Header() Header  { return c.h }
func (c *Cheque) header() *Header { return &c.h }

func (c *Cheque) check() error {
	const op = "instrument.cheque"
	if err := checkAmount(op, c.h.Amount); err != nil {
		return err
	}
	if !c.h.ValidFrom.Before(c.h.ValidTo) {
		return apperr.E(apperr.MalformedValidityWindow, op, "valid from %s is not before valid to %s",
			c.h.ValidFrom.Format(time.RFC3339), c.h.ValidTo.Format(time.RFC3339))
	}
	return nil
}

func (c *Cheque) Validate(now time.Time) error {
	const op = "instrument.cheque"
	if err := c.check(); err != nil {
		return err
	}
	if now.Before(c.h.ValidFrom) {
		return apperr.E(apperr.NotYetValid, op, "cheque %s valid from %s", c.h.ID, c.h.ValidFrom.Format(time.RFC3339))
	}
	if !now.Before(c.h.ValidTo) {
		return apperr.E(apperr.Expired, op, "cheque %s expired at %s", c.h.ID, c.h.ValidTo.Format(time.RFC3339))
	}
	return nil
}

func (c *Cheque) writeLegs(string) []ledger.Leg { return nil }

func (c *Cheque) depositLegs(_, recipient string) []ledger.Leg {
	return []ledger.Leg{
		{AccountID: c.h.SourceAccountID, Delta: -c.h.Amount},
		{AccountID: recipient, Delta: c.h.Amount},
	}
}

func (c *Cheque) cancelLegs(string) []ledger.Leg { return nil }

func (c *Cheque) postingType(string) string { return ledger.TypeCheque }

// Voucher is funded when written: the amount moves from the source account
// into the server's voucher escrow and leaves it on deposit or cancel.
type Voucher struct{ h Header }

func (v *Voucher) Header() Header  { return v.h }
func (v *Voucher) header() *Header { return &v.h }

func (v *Voucher) check() error {
	const op = "instrument.voucher"
	if v.h.Amount <= 0 {
		return apperr.E(apperr.InvalidArgument, op, "voucher amount must be positive, got %d", v.h.Amount)
	}
	return nil
}

func (v *Voucher) Validate(time.Time) error { return v.check() }

func (v *Voucher) writeLegs(escrow string) []ledger.Leg {
	return []ledger.Leg{
		{AccountID: v.h.SourceAccountID, Delta: -v.h.Amount},
		{AccountID: escrow, Delta: v.h.Amount},
	}
}

func (v *Voucher) depositLegs(escrow, recipient string) []ledger.Leg {
	return []ledger.Leg{
		{AccountID: escrow, Delta: -v.h.Amount},
		{AccountID: recipient, Delta: v.h.Amount},
	}
}

func (v *Voucher) cancelLegs(escrow string) []ledger.Leg {
	return []ledger.Leg{
		{AccountID: escrow, Delta: -v.h.Amount},
		{AccountID: v.h.SourceAccountID, Delta: v.h.Amount},
	}
}

func (v *Voucher) postingType(op string) string {
	switch op {
	case opWrite:
		return ledger.TypeVoucherWithdraw
	case opCancel:
		return ledger.TypeVoucherRefund
	default:
		return ledger.TypeVoucherDeposit
	}
}

// Transfer moves funds between two accounts immediately. It is written and
// deposited in one step, so it can never be canceled.
type Transfer struct{ h Header }

func (t *Transfer) Header() Header  { return t.h }
func (t *Transfer) header() *Header { return &t.h }

func (t *Transfer) check() error {
	if t.h.Amount <= 0 {
		return apperr.E(apperr.InvalidArgument, "instrument.transfer", "transfer amount must be positive, got %d", t.h.Amount)
	}
	return nil
}

func (t *Transfer) Validate(time.Time) error { return t.check() }

func (t *Transfer) writeLegs(string) []ledger.Leg { return nil }

func (t *Transfer) depositLegs(_, recipient string) []ledger.Leg {
	return []ledger.Leg{
		{AccountID: t.h.SourceAccountID, Delta: -t.h.Amount},
		{AccountID: recipient, Delta: t.h.Amount},
	}
}

func (t *Transfer) cancelLegs(string) []ledger.Leg { return nil }

func (t *Transfer) postingType(string) string { return ledger.TypeTransfer }

func checkAmount(op string, amount int64) error {
	if amount == 0 {
		return apperr.E(apperr.InvalidArgument, op, "amount must not be zero")
	}
	// the negation of MinInt64 is not representable
	if amount == math.MinInt64 {
		return apperr.E(apperr.Overflow, op, "amount %d cannot be negated", amount)
	}
	return nil
}
