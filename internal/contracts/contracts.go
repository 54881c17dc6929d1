// Package contracts issues asset contracts. Every issuance gets a fresh
// contract id and a fresh issuer account, even for byte-identical bodies.
package contracts

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"

	"github.com/GiorgiUbiria/notary_ledger/internal/amount"
	"github.com/GiorgiUbiria/notary_ledger/internal/apperr"
	"github.com/GiorgiUbiria/notary_ledger/internal/ledger"
	"github.com/GiorgiUbiria/notary_ledger/internal/logger"
	"github.com/GiorgiUbiria/notary_ledger/internal/models"
)

// Definition is the YAML body of an asset contract.
type Definition struct {
	Name   string `yaml:"name"`
	Symbol string `yaml:"symbol"`
	Scale  int32  `yaml:"scale"`
	Terms  string `yaml:"terms"`
}

// ParseDefinition decodes and checks a contract body.
func ParseDefinition(body []byte) (Definition, error) {
	const op = "contracts.parse"
	var def Definition
	if err := yaml.Unmarshal(body, &def); err != nil {
		return def, apperr.Wrap(apperr.InvalidArgument, op, err)
	}
	def.Name = strings.TrimSpace(def.Name)
	def.Symbol = strings.TrimSpace(def.Symbol)
	if def.Name == "" {
		return def, apperr.E(apperr.InvalidArgument, op, "contract name is required")
	}
	if def.Scale < 0 || def.Scale > amount.MaxScale {
		return def, apperr.E(apperr.InvalidArgument, op, "scale %d out of range [0,%d]", def.Scale, amount.MaxScale)
	}
	if len(def.Symbol) > 16 || strings.ContainsAny(def.Symbol, " -") {
		return def, apperr.E(apperr.InvalidArgument, op, "invalid symbol %q", def.Symbol)
	}
	return def, nil
}

type Registrar interface {
	RequireRegistered(ctx context.Context, serverID, nymID string) error
}

type IssueRequest struct {
	NymID    string
	ServerID string
	Body     []byte
	// IssueForNymID owns the issuer account; defaults to NymID.
	IssueForNymID string
}

type Contract struct {
	ID              string `json:"id"`
	ServerID        string `json:"server_id"`
	IssuerNymID     string `json:"issuer_nym_id"`
	OwnerNymID      string `json:"owner_nym_id"`
	Name            string `json:"name"`
	Symbol          string `json:"symbol"`
	Scale           int32  `json:"scale"`
	IssuerAccountID string `json:"issuer_account_id"`
}

type Registry struct {
	db  *gorm.DB
	ids Registrar
}

func NewRegistry(db *gorm.DB, ids Registrar) *Registry {
	return &Registry{db: db, ids: ids}
}

// Issue registers a new asset contract together with its issuer account and
// the server's voucher escrow account for it.
func (r *Registry) Issue(ctx context.Context, req IssueRequest) (Contract, error) {
	const op = "contracts.issue"
	owner := req.IssueForNymID
	if owner == "" {
		owner = req.NymID
	}
	if err := r.ids.RequireRegistered(ctx, req.ServerID, req.NymID); err != nil {
		return Contract{}, err
	}
	if owner != req.NymID {
		if err := r.ids.RequireRegistered(ctx, req.ServerID, owner); err != nil {
			return Contract{}, err
		}
	}
	def, err := ParseDefinition(req.Body)
	if err != nil {
		return Contract{}, err
	}

	rec := models.AssetContract{
		ID:          uuid.NewString(),
		ServerID:    req.ServerID,
		IssuerNymID: req.NymID,
		OwnerNymID:  owner,
		Name:        def.Name,
		Symbol:      def.Symbol,
		Scale:       def.Scale,
		Body:        string(req.Body),
	}
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&rec).Error; err != nil {
			return apperr.Wrap(apperr.Internal, op, err)
		}
		issuer, err := ledger.InsertAccount(tx, "", owner, rec.ID, rec.ServerID, models.AccountIssuer)
		if err != nil {
			return err
		}
		if _, err := ledger.InsertAccount(tx, ledger.VoucherAccountID(rec.ID), rec.ServerID, rec.ID, rec.ServerID, models.AccountVoucher); err != nil {
			return err
		}
		rec.IssuerAccountID = issuer.ID
		return tx.Model(&rec).Update("issuer_account_id", issuer.ID).Error
	})
	if err != nil {
		return Contract{}, apperr.Wrap(apperr.Internal, op, err)
	}

	logger.Log.Info("asset contract issued",
		zap.String("contract", rec.ID),
		zap.String("issuer", req.NymID),
		zap.String("owner", owner),
		zap.String("symbol", rec.Symbol))
	return toContract(rec), nil
}

func toContract(rec models.AssetContract) Contract {
	return Contract{
		ID:              rec.ID,
		ServerID:        rec.ServerID,
		IssuerNymID:     rec.IssuerNymID,
		OwnerNymID:      rec.OwnerNymID,
		Name:            rec.Name,
		Symbol:          rec.Symbol,
		Scale:           rec.Scale,
		IssuerAccountID: rec.IssuerAccountID,
	}
}

func (r *Registry) Get(ctx context.Context, id string) (Contract, error) {
	const op = "contracts.get"
	if id == "" {
		return Contract{}, apperr.E(apperr.NotFound, op, "empty contract id")
	}
	var rec models.AssetContract
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Contract{}, apperr.E(apperr.NotFound, op, "asset contract %q not found", id)
	}
	if err != nil {
		return Contract{}, apperr.Wrap(apperr.Internal, op, err)
	}
	return toContract(rec), nil
}

// List returns the contracts issued on serverID, every server when empty.
func (r *Registry) List(ctx context.Context, serverID string) ([]Contract, error) {
	q := r.db.WithContext(ctx).Order("created_at, id")
	if serverID != "" {
		q = q.Where("server_id = ?", serverID)
	}
	var recs []models.AssetContract
	if err := q.Find(&recs).Error; err != nil {
		return nil, apperr.Wrap(apperr.Internal, "contracts.list", err)
	}
	out := make([]Contract, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toContract(rec))
	}
	return out, nil
}

// StringToAmount parses text at the contract's scale.
func (r *Registry) StringToAmount(ctx context.Context, contractID, text string) (int64, error) {
	c, err := r.Get(ctx, contractID)
	if err != nil {
		return 0, err
	}
	return amount.Parse(c.Scale, text)
}

// FormatAmount renders units at the contract's scale, optionally with its symbol.
func (r *Registry) FormatAmount(ctx context.Context, contractID string, units int64, withSymbol bool) (string, error) {
	c, err := r.Get(ctx, contractID)
	if err != nil {
		return "", err
	}
	if withSymbol {
		return amount.FormatWithSymbol(c.Scale, c.Symbol, units), nil
	}
	return amount.Format(c.Scale, units), nil
}
