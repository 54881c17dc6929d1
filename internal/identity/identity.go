// Package identity keeps nyms (participant identities), their signing keys and
// their registration on the notaries hosted by this process.
package identity

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/base58"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"lukechampine.com/blake3"

	"github.com/GiorgiUbiria/notary_ledger/internal/apperr"
	"github.com/GiorgiUbiria/notary_ledger/internal/logger"
	"github.com/GiorgiUbiria/notary_ledger/internal/models"
)

// SupportedKeyBits are the RSA sizes a nym key may be generated with.
var SupportedKeyBits = []int{1024, 2048, 4096, 8192}

// Server is a notary hosted by this process.
type Server struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type CreateNymRequest struct {
	KeyBits     int
	Source      string
	AltLocation string
	Name        string
	Passphrase  string
}

type Nym struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Source      string `json:"source,omitempty"`
	AltLocation string `json:"alt_location,omitempty"`
	KeyBits     int    `json:"key_bits"`
}

type RegistrationResult struct {
	ServerID          string `json:"server_id"`
	NymID             string `json:"nym_id"`
	AlreadyRegistered bool   `json:"already_registered"`
}

type Registry struct {
	db      *gorm.DB
	servers []Server
	byID    map[string]Server
}

func NewRegistry(db *gorm.DB, serverNames []string) *Registry {
	r := &Registry{db: db, byID: make(map[string]Server, len(serverNames))}
	for _, name := range serverNames {
		s := Server{ID: ServerID(name), Name: name}
		r.servers = append(r.servers, s)
		r.byID[s.ID] = s
	}
	return r
}

// ServerID derives a notary id from its name.
func ServerID(name string) string {
	sum := blake3.Sum256([]byte("notary:" + name))
	return base58.Encode(sum[:])
}

func nymID(publicKey []byte) string {
	sum := blake3.Sum256(publicKey)
	return base58.Encode(sum[:])
}

func (r *Registry) ListServers() []Server {
	out := make([]Server, len(r.servers))
	copy(out, r.servers)
	return out
}

// FirstServerID returns the first configured notary, "" when none is configured.
func (r *Registry) FirstServerID() string {
	if len(r.servers) == 0 {
		return ""
	}
	return r.servers[0].ID
}

func (r *Registry) Server(id string) (Server, error) {
	s, ok := r.byID[id]
	if !ok {
		return Server{}, apperr.E(apperr.NotFound, "identity.server", "unknown server %q", id)
	}
	return s, nil
}

func supported(bits int) bool {
	for _, b := range SupportedKeyBits {
		if b == bits {
			return true
		}
	}
	return false
}

// CreateNym generates a key pair and stores the new nym. The nym id is derived
// from the public key, so two nyms never share an id.
func (r *Registry) CreateNym(ctx context.Context, req CreateNymRequest) (Nym, error) {
	const op = "identity.create_nym"
	if !supported(req.KeyBits) {
		return Nym{}, apperr.E(apperr.InvalidArgument, op, "key generation failed: unsupported key size %d", req.KeyBits)
	}

	key, err := rsa.GenerateKey(rand.Reader, req.KeyBits)
	if err != nil {
		return Nym{}, apperr.Wrap(apperr.InvalidArgument, op, fmt.Errorf("key generation failed: %w", err))
	}
	pub, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return Nym{}, apperr.Wrap(apperr.Internal, op, err)
	}
	priv, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return Nym{}, apperr.Wrap(apperr.Internal, op, err)
	}

	rec := models.Nym{
		ID:          nymID(pub),
		Name:        strings.TrimSpace(req.Name),
		Source:      req.Source,
		AltLocation: req.AltLocation,
		KeyBits:     req.KeyBits,
		PublicKey:   pub,
		PrivateKey:  priv,
	}
	if req.Passphrase != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(req.Passphrase), bcrypt.DefaultCost)
		if err != nil {
			return Nym{}, apperr.Wrap(apperr.InvalidArgument, op, err)
		}
		rec.PassphraseHash = string(hash)
	}
	if err := r.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return Nym{}, apperr.Wrap(apperr.Internal, op, err)
	}

	logger.Log.Info("nym created", zap.String("nym", rec.ID), zap.Int("key_bits", rec.KeyBits))
	return toNym(rec), nil
}

func toNym(rec models.Nym) Nym {
	return Nym{ID: rec.ID, Name: rec.Name, Source: rec.Source, AltLocation: rec.AltLocation, KeyBits: rec.KeyBits}
}

func (r *Registry) load(ctx context.Context, op, id string) (models.Nym, error) {
	var rec models.Nym
	if id == "" {
		return rec, apperr.E(apperr.NotFound, op, "empty nym id")
	}
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return rec, apperr.E(apperr.NotFound, op, "nym %s not found", id)
	}
	if err != nil {
		return rec, apperr.Wrap(apperr.Internal, op, err)
	}
	return rec, nil
}

func (r *Registry) Get(ctx context.Context, id string) (Nym, error) {
	rec, err := r.load(ctx, "identity.get", id)
	if err != nil {
		return Nym{}, err
	}
	return toNym(rec), nil
}

// NymName returns the nym's name. An empty name is a valid answer; a missing
// nym is a NotFound error.
func (r *Registry) NymName(ctx context.Context, id string) (string, error) {
	rec, err := r.load(ctx, "identity.name", id)
	if err != nil {
		return "", err
	}
	return rec.Name, nil
}

func (r *Registry) ListNyms(ctx context.Context) ([]Nym, error) {
	var recs []models.Nym
	if err := r.db.WithContext(ctx).Order("created_at, id").Find(&recs).Error; err != nil {
		return nil, apperr.Wrap(apperr.Internal, "identity.list", err)
	}
	out := make([]Nym, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toNym(rec))
	}
	return out, nil
}

// RegisterNym registers a nym on a server. Registering twice succeeds and
// reports AlreadyRegistered.
func (r *Registry) RegisterNym(ctx context.Context, serverID, id string) (RegistrationResult, error) {
	const op = "identity.register"
	res := RegistrationResult{ServerID: serverID, NymID: id}
	if _, err := r.Server(serverID); err != nil {
		return res, err
	}
	if _, err := r.load(ctx, op, id); err != nil {
		return res, err
	}

	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.Registration{ServerID: serverID, NymID: id})
	if tx.Error != nil {
		return res, apperr.Wrap(apperr.Internal, op, tx.Error)
	}
	res.AlreadyRegistered = tx.RowsAffected == 0
	if !res.AlreadyRegistered {
		logger.Log.Info("nym registered", zap.String("nym", id), zap.String("server", serverID))
	}
	return res, nil
}

func (r *Registry) IsRegistered(ctx context.Context, serverID, id string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Registration{}).
		Where("server_id = ? AND nym_id = ?", serverID, id).Count(&count).Error
	if err != nil {
		return false, apperr.Wrap(apperr.Internal, "identity.is_registered", err)
	}
	return count > 0, nil
}

// RequireRegistered fails with NotFound for an unknown server or nym and with
// NotRegistered when the nym exists but is not registered on the server.
func (r *Registry) RequireRegistered(ctx context.Context, serverID, id string) error {
	const op = "identity.require_registered"
	if _, err := r.Server(serverID); err != nil {
		return err
	}
	if _, err := r.load(ctx, op, id); err != nil {
		return err
	}
	ok, err := r.IsRegistered(ctx, serverID, id)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.E(apperr.NotRegistered, op, "nym %s is not registered on server %s", id, serverID)
	}
	return nil
}

// NymStats summarizes a nym for display.
func (r *Registry) NymStats(ctx context.Context, id string) (string, error) {
	const op = "identity.stats"
	rec, err := r.load(ctx, op, id)
	if err != nil {
		return "", err
	}
	var regs []models.Registration
	if err := r.db.WithContext(ctx).Where("nym_id = ?", id).Order("server_id").Find(&regs).Error; err != nil {
		return "", apperr.Wrap(apperr.Internal, op, err)
	}
	var accounts int64
	if err := r.db.WithContext(ctx).Model(&models.Account{}).Where("nym_id = ?", id).Count(&accounts).Error; err != nil {
		return "", apperr.Wrap(apperr.Internal, op, err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Nym ID: %s\nName: %s\nKey bits: %d\nAccounts: %d\nRegistered servers: %d\n",
		rec.ID, rec.Name, rec.KeyBits, accounts, len(regs))
	for _, reg := range regs {
		name := ""
		if s, ok := r.byID[reg.ServerID]; ok {
			name = s.Name
		}
		fmt.Fprintf(&b, "  %s %s\n", reg.ServerID, name)
	}
	return b.String(), nil
}

// Authenticate checks a nym's passphrase. Nyms created without one cannot log in.
func (r *Registry) Authenticate(ctx context.Context, id, passphrase string) error {
	const op = "identity.authenticate"
	rec, err := r.load(ctx, op, id)
	if err != nil {
		return err
	}
	if rec.PassphraseHash == "" {
		return apperr.E(apperr.OwnershipMismatch, op, "nym %s has no passphrase", id)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(rec.PassphraseHash), []byte(passphrase)); err != nil {
		return apperr.E(apperr.OwnershipMismatch, op, "invalid credentials")
	}
	return nil
}

// Sign signs payload with the nym's private key (RSA-PSS over SHA-256).
func (r *Registry) Sign(ctx context.Context, id string, payload []byte) ([]byte, error) {
	const op = "identity.sign"
	rec, err := r.load(ctx, op, id)
	if err != nil {
		return nil, err
	}
	parsed, err := x509.ParsePKCS8PrivateKey(rec.PrivateKey)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, op, err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, apperr.E(apperr.Internal, op, "nym %s holds a non-RSA key", id)
	}
	digest := sha256.Sum256(payload)
	sig, err := rsa.SignPSS(rand.Reader, key, crypto.SHA256, digest[:], nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, op, err)
	}
	return sig, nil
}

// Verify checks a signature produced by Sign.
func (r *Registry) Verify(ctx context.Context, id string, payload, sig []byte) error {
	const op = "identity.verify"
	rec, err := r.load(ctx, op, id)
	if err != nil {
		return err
	}
	parsed, err := x509.ParsePKIXPublicKey(rec.PublicKey)
	if err != nil {
		return apperr.Wrap(apperr.Internal, op, err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return apperr.E(apperr.Internal, op, "nym %s holds a non-RSA key", id)
	}
	digest := sha256.Sum256(payload)
	if err := rsa.VerifyPSS(key, crypto.SHA256, digest[:], sig, nil); err != nil {
		return apperr.E(apperr.InvalidArgument, op, "signature does not match nym %s", id)
	}
	return nil
}
