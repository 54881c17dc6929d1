// Package ledger holds account balances as signed 64-bit atomic units and
// applies multi-account postings atomically.
//
// Every posting locks its accounts through a per-account lock set with a
// bounded wait, then commits all legs in one database transaction. A leg that
// would leave int64 range fails with Overflow; a leg that would take an
// ordinary account below zero fails with InsufficientFunds. Issuer accounts
// have no floor other than math.MinInt64. On any failure no balance changes.
package ledger

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/GiorgiUbiria/notary_ledger/internal/apperr"
	"github.com/GiorgiUbiria/notary_ledger/internal/locks"
	"github.com/GiorgiUbiria/notary_ledger/internal/logger"
	"github.com/GiorgiUbiria/notary_ledger/internal/metrics"
	"github.com/GiorgiUbiria/notary_ledger/internal/models"
)

// Posting types recorded on each Transaction row.
const (
	TypeTransfer        = "transfer"
	TypeCheque          = "cheque"
	TypeVoucherWithdraw = "voucher_withdraw"
	TypeVoucherDeposit  = "voucher_deposit"
	TypeVoucherRefund   = "voucher_refund"
	TypeMarketTrade     = "market_trade"
	TypeAdjustment      = "adjustment"
)

// Registrar answers whether a nym may act on a server.
type Registrar interface {
	RequireRegistered(ctx context.Context, serverID, nymID string) error
}

type Account struct {
	ID         string `json:"id"`
	NymID      string `json:"nym_id"`
	ContractID string `json:"contract_id"`
	ServerID   string `json:"server_id"`
	Kind       string `json:"kind"`
	Label      string `json:"label,omitempty"`
	Balance    int64  `json:"balance"`
}

type Entry struct {
	TxID         uint64    `json:"tx_id"`
	Type         string    `json:"type"`
	Reference    string    `json:"reference,omitempty"`
	Amount       int64     `json:"amount"`
	BalanceAfter int64     `json:"balance_after"`
	CreatedAt    time.Time `json:"created_at"`
}

// Leg moves Delta units into (positive) or out of (negative) one account.
type Leg struct {
	AccountID string
	Delta     int64
}

// Posting is one atomic ledger mutation. Within, when set, runs inside the
// same database transaction before balances are written; returning an error
// from it aborts the whole posting.
type Posting struct {
	Type      string
	Reference string
	Memo      string
	Legs      []Leg
	Within    func(tx *gorm.DB) error
}

type Receipt struct {
	TxID     uint             `json:"tx_id"`
	Balances map[string]int64 `json:"balances"`
}

type Ledger struct {
	db          *gorm.DB
	ids         Registrar
	locks       *locks.Set
	lockTimeout time.Duration
}

func New(db *gorm.DB, ids Registrar, lockTimeout time.Duration) *Ledger {
	return &Ledger{db: db, ids: ids, locks: locks.NewSet(), lockTimeout: lockTimeout}
}

// VoucherAccountID is the server-held account that carries escrow for
// outstanding vouchers of one contract.
func VoucherAccountID(contractID string) string {
	return "voucher:" + contractID
}

// InsertAccount stores a new zero-balance account using tx. Callers are
// responsible for the ownership preconditions.
func InsertAccount(tx *gorm.DB, id, nymID, contractID, serverID, kind string) (models.Account, error) {
	if id == "" {
		id = uuid.NewString()
	}
	rec := models.Account{
		ID:         id,
		NymID:      nymID,
		ContractID: contractID,
		ServerID:   serverID,
		Kind:       kind,
	}
	if err := tx.Create(&rec).Error; err != nil {
		return models.Account{}, apperr.Wrap(apperr.Internal, "ledger.insert_account", err)
	}
	return rec, nil
}

// CreateAccount opens an ordinary account for nymID. The nym must be registered
// on serverID and the contract must exist on that server.
func (l *Ledger) CreateAccount(ctx context.Context, nymID, contractID, serverID string) (Account, error) {
	const op = "ledger.create_account"
	if err := l.ids.RequireRegistered(ctx, serverID, nymID); err != nil {
		return Account{}, err
	}
	var contract models.AssetContract
	err := l.db.WithContext(ctx).Where("id = ? AND server_id = ?", contractID, serverID).First(&contract).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, apperr.E(apperr.NotFound, op, "asset contract %q not found on server %s", contractID, serverID)
	}
	if err != nil {
		return Account{}, apperr.Wrap(apperr.Internal, op, err)
	}

	rec, err := InsertAccount(l.db.WithContext(ctx), "", nymID, contractID, serverID, models.AccountSimple)
	if err != nil {
		return Account{}, err
	}
	logger.Log.Info("account created",
		zap.String("account", rec.ID),
		zap.String("nym", nymID),
		zap.String("contract", contractID))
	return toAccount(rec), nil
}

func toAccount(rec models.Account) Account {
	return Account{
		ID:         rec.ID,
		NymID:      rec.NymID,
		ContractID: rec.ContractID,
		ServerID:   rec.ServerID,
		Kind:       rec.Kind,
		Label:      rec.Label,
		Balance:    rec.Balance,
	}
}

func (l *Ledger) Get(ctx context.Context, id string) (Account, error) {
	const op = "ledger.get"
	if id == "" {
		return Account{}, apperr.E(apperr.NotFound, op, "empty account id")
	}
	var rec models.Account
	err := l.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, apperr.E(apperr.NotFound, op, "account %q not found", id)
	}
	if err != nil {
		return Account{}, apperr.Wrap(apperr.Internal, op, err)
	}
	return toAccount(rec), nil
}

func (l *Ledger) Balance(ctx context.Context, id string) (int64, error) {
	acct, err := l.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

// ListAccountIDs lists every nym-owned account; voucher escrow accounts are internal.
func (l *Ledger) ListAccountIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := l.db.WithContext(ctx).Model(&models.Account{}).
		Where("kind <> ?", models.AccountVoucher).
		Order("created_at, id").Pluck("id", &ids).Error
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "ledger.list_ids", err)
	}
	return ids, nil
}

func (l *Ledger) ListByNym(ctx context.Context, nymID string) ([]Account, error) {
	var recs []models.Account
	err := l.db.WithContext(ctx).Where("nym_id = ? AND kind <> ?", nymID, models.AccountVoucher).
		Order("created_at, id").Find(&recs).Error
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "ledger.list_by_nym", err)
	}
	out := make([]Account, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toAccount(rec))
	}
	return out, nil
}

// Entries returns the account's ledger history, oldest first.
func (l *Ledger) Entries(ctx context.Context, accountID string) ([]Entry, error) {
	if _, err := l.Get(ctx, accountID); err != nil {
		return nil, err
	}
	var out []Entry
	err := l.db.WithContext(ctx).Table("ledger_entries AS e").
		Select("e.tx_id, t.type, t.reference, e.amount, e.balance_after, e.created_at").
		Joins("JOIN transactions t ON t.id = e.tx_id").
		Where("e.account_id = ? AND e.deleted_at IS NULL", accountID).
		Order("e.id").Scan(&out).Error
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "ledger.entries", err)
	}
	return out, nil
}

// ApplyDelta adjusts a single account. It is the raw primitive behind
// postings and does not keep the books balanced; use Apply for transfers.
func (l *Ledger) ApplyDelta(ctx context.Context, accountID string, delta int64) (Receipt, error) {
	return l.Apply(ctx, Posting{
		Type: TypeAdjustment,
		Legs: []Leg{{AccountID: accountID, Delta: delta}},
	})
}

// Apply commits every leg of p or none of them.
func (l *Ledger) Apply(ctx context.Context, p Posting) (Receipt, error) {
	rcpt, err := l.apply(ctx, p)
	metrics.Posting(p.Type, string(apperr.KindOf(err)))
	if err != nil {
		logger.Log.Debug("posting rejected",
			zap.String("type", p.Type),
			zap.String("reference", p.Reference),
			zap.Error(err))
	}
	return rcpt, err
}

func (l *Ledger) apply(ctx context.Context, p Posting) (Receipt, error) {
	const op = "ledger.apply"
	deltas, ids, err := merge(p.Legs)
	if err != nil {
		return Receipt{}, err
	}
	if len(ids) == 0 && p.Within == nil {
		return Receipt{}, apperr.E(apperr.InvalidArgument, op, "posting has no legs")
	}

	release, err := l.locks.Acquire(ctx, l.lockTimeout, ids...)
	if err != nil {
		return Receipt{}, err
	}
	defer release()

	rcpt := Receipt{Balances: make(map[string]int64, len(ids))}
	err = l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if p.Within != nil {
			if err := p.Within(tx); err != nil {
				return err
			}
		}
		if len(ids) == 0 {
			return nil
		}

		var accts []models.Account
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id IN ?", ids).Order("id").Find(&accts).Error; err != nil {
			return apperr.Wrap(apperr.Internal, op, err)
		}
		if len(accts) != len(ids) {
			return apperr.E(apperr.NotFound, op, "posting references %s", missing(ids, accts))
		}
		if p.Type != TypeAdjustment {
			if err := balanced(accts, deltas); err != nil {
				return err
			}
		}

		next := make(map[string]int64, len(accts))
		for _, a := range accts {
			nb, ok := addChecked(a.Balance, deltas[a.ID])
			if !ok {
				return apperr.E(apperr.Overflow, op, "account %s balance %d%+d leaves 64-bit range", a.ID, a.Balance, deltas[a.ID])
			}
			if nb < 0 && deltas[a.ID] < 0 && a.Kind != models.AccountIssuer {
				return apperr.E(apperr.InsufficientFunds, op, "account %s holds %d, needs %d", a.ID, a.Balance, -deltas[a.ID])
			}
			next[a.ID] = nb
		}

		txn := models.Transaction{Type: p.Type, Status: "completed", Reference: p.Reference, Memo: p.Memo}
		if err := tx.Create(&txn).Error; err != nil {
			return apperr.Wrap(apperr.Internal, op, err)
		}
		for _, id := range ids {
			if err := tx.Model(&models.Account{}).Where("id = ?", id).Update("balance", next[id]).Error; err != nil {
				return apperr.Wrap(apperr.Internal, op, err)
			}
			entry := models.LedgerEntry{TxID: uint64(txn.ID), AccountID: id, Amount: deltas[id], BalanceAfter: next[id]}
			if err := tx.Create(&entry).Error; err != nil {
				return apperr.Wrap(apperr.Internal, op, err)
			}
			rcpt.Balances[id] = next[id]
		}
		rcpt.TxID = txn.ID
		return nil
	})
	if err != nil {
		return Receipt{}, apperr.Wrap(apperr.Internal, op, err)
	}
	return rcpt, nil
}

// merge folds legs per account and drops accounts whose net delta is zero.
func merge(legs []Leg) (map[string]int64, []string, error) {
	const op = "ledger.merge"
	deltas := make(map[string]int64, len(legs))
	for _, leg := range legs {
		if leg.AccountID == "" {
			return nil, nil, apperr.E(apperr.NotFound, op, "empty account id")
		}
		sum, ok := addChecked(deltas[leg.AccountID], leg.Delta)
		if !ok {
			return nil, nil, apperr.E(apperr.Overflow, op, "legs for %s overflow", leg.AccountID)
		}
		deltas[leg.AccountID] = sum
	}
	ids := make([]string, 0, len(deltas))
	for id, d := range deltas {
		if d == 0 {
			delete(deltas, id)
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return deltas, ids, nil
}

// balanced checks that deltas net to zero per contract, which keeps every
// asset conserved across the books.
func balanced(accts []models.Account, deltas map[string]int64) error {
	net := make(map[string]int64)
	for _, a := range accts {
		sum, ok := addChecked(net[a.ContractID], deltas[a.ID])
		if !ok {
			return apperr.E(apperr.Overflow, "ledger.balanced", "net delta for contract %s overflows", a.ContractID)
		}
		net[a.ContractID] = sum
	}
	for contract, sum := range net {
		if sum != 0 {
			return apperr.E(apperr.AssetMismatch, "ledger.balanced", "posting does not balance for contract %s (net %d)", contract, sum)
		}
	}
	return nil
}

func missing(ids []string, accts []models.Account) string {
	found := make(map[string]bool, len(accts))
	for _, a := range accts {
		found[a.ID] = true
	}
	for _, id := range ids {
		if !found[id] {
			return "unknown account " + id
		}
	}
	return "unknown account"
}

func addChecked(a, b int64) (int64, bool) {
	c := a + b
	if (b > 0 && c < a) || (b < 0 && c > a) {
		return 0, false
	}
	return c, true
}
