package seed

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/GiorgiUbiria/notary_ledger/internal/contracts"
	"github.com/GiorgiUbiria/notary_ledger/internal/identity"
	"github.com/GiorgiUbiria/notary_ledger/internal/instrument"
	"github.com/GiorgiUbiria/notary_ledger/internal/logger"
	"github.com/GiorgiUbiria/notary_ledger/internal/notary"
)

const (
	seedPassword   = "password123"
	seedKeyBits    = 2048
	openingBalance = "1000"
	issuerName     = "Issuer"
)

var holders = []string{"Alice", "Bob"}

// Result describes what Run created.
type Result struct {
	Skipped   bool
	Nyms      map[string]string
	Contracts []string
}

// Run creates an issuer and demo holders, issues every contract file on the
// first server and funds each holder from the issuer account. It does nothing
// when the demo nyms already exist.
func Run(ctx context.Context, svc *notary.Service, contractFiles []string) (Result, error) {
	res := Result{Nyms: make(map[string]string)}

	existing, err := svc.Identities.ListNyms(ctx)
	if err != nil {
		return res, err
	}
	names := make(map[string]bool, len(existing))
	for _, n := range existing {
		names[n.Name] = true
	}
	if names[issuerName] {
		logger.Log.Info("seed already applied, skipping")
		res.Skipped = true
		return res, nil
	}

	bodies := make([][]byte, 0, len(contractFiles))
	for _, path := range contractFiles {
		body, err := os.ReadFile(path)
		if err != nil {
			return res, fmt.Errorf("seed: read contract: %w", err)
		}
		bodies = append(bodies, body)
	}

	for _, name := range append([]string{issuerName}, holders...) {
		nym, err := svc.Identities.CreateNym(ctx, identity.CreateNymRequest{
			KeyBits:    seedKeyBits,
			Name:       name,
			Passphrase: seedPassword,
		})
		if err != nil {
			return res, err
		}
		for _, s := range svc.Identities.ListServers() {
			if _, err := svc.Identities.RegisterNym(ctx, s.ID, nym.ID); err != nil {
				return res, err
			}
		}
		res.Nyms[name] = nym.ID
	}

	server := svc.Identities.FirstServerID()
	issuer := res.Nyms[issuerName]
	for _, body := range bodies {
		c, err := svc.Contracts.Issue(ctx, contracts.IssueRequest{NymID: issuer, ServerID: server, Body: body})
		if err != nil {
			return res, err
		}
		units, err := svc.Contracts.StringToAmount(ctx, c.ID, openingBalance)
		if err != nil {
			return res, err
		}
		for _, name := range holders {
			acct, err := svc.Ledger.CreateAccount(ctx, res.Nyms[name], c.ID, server)
			if err != nil {
				return res, err
			}
			_, err = svc.Instruments.DirectTransfer(ctx, instrument.TransferRequest{
				ServerID:      server,
				NymID:         issuer,
				FromAccountID: c.IssuerAccountID,
				ToAccountID:   acct.ID,
				Amount:        units,
				Memo:          "opening balance",
			})
			if err != nil {
				return res, err
			}
		}
		res.Contracts = append(res.Contracts, c.ID)
		logger.Log.Info("seeded contract", zap.String("contract", c.ID), zap.String("symbol", c.Symbol))
	}

	logger.Log.Info("seeded demo nyms",
		zap.Int("nyms", len(res.Nyms)),
		zap.Int("contracts", len(res.Contracts)),
		zap.String("password", seedPassword))
	return res, nil
}
