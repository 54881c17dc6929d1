// Package notary wires the registries, the ledger and the engines of one
// process into a Service with an explicit lifecycle: Open, Start, Close.
package notary

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/GiorgiUbiria/notary_ledger/configs"
	"github.com/GiorgiUbiria/notary_ledger/internal/contracts"
	"github.com/GiorgiUbiria/notary_ledger/internal/identity"
	"github.com/GiorgiUbiria/notary_ledger/internal/instrument"
	"github.com/GiorgiUbiria/notary_ledger/internal/ledger"
	"github.com/GiorgiUbiria/notary_ledger/internal/logger"
	"github.com/GiorgiUbiria/notary_ledger/internal/market"
	"github.com/GiorgiUbiria/notary_ledger/internal/store"
)

type Service struct {
	DB          *gorm.DB
	Identities  *identity.Registry
	Contracts   *contracts.Registry
	Ledger      *ledger.Ledger
	Instruments *instrument.Engine
	Market      *market.Engine

	ownsDB bool
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan error
}

// Open connects to the configured database, migrates it and builds a Service.
func Open(cfg *configs.Config) (*Service, error) {
	db, err := store.Open(cfg.DB.Driver, cfg.DB.DSN)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(db); err != nil {
		_ = store.Close(db)
		return nil, err
	}
	s := New(db, cfg)
	s.ownsDB = true
	return s, nil
}

// New builds a Service on an already migrated database. Close leaves db open.
func New(db *gorm.DB, cfg *configs.Config) *Service {
	ids := identity.NewRegistry(db, cfg.ServerNames())
	l := ledger.New(db, ids, cfg.Ledger.LockTimeout)
	return &Service{
		DB:          db,
		Identities:  ids,
		Contracts:   contracts.NewRegistry(db, ids),
		Ledger:      l,
		Instruments: instrument.NewEngine(db, ids, l, cfg.Ledger.LockTimeout),
		Market: market.NewEngine(db, l, ids, market.Options{
			CronInterval: cfg.Market.CronInterval,
			TradeHistory: cfg.Market.TradeHistory,
		}),
	}
}

// Start runs the market engine in the background until Close or ctx ends.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan error, 1)
	go func() {
		err := s.Market.Run(ctx)
		if err != nil {
			logger.Log.Error("market engine exited", zap.Error(err))
		}
		s.done <- err
	}()
}

// Close stops the market engine and releases the database when Open created it.
func (s *Service) Close() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	var errs []error
	if cancel != nil {
		cancel()
		errs = append(errs, <-done)
	}
	if s.ownsDB {
		errs = append(errs, store.Close(s.DB))
		logger.Log.Info("db closed")
	}
	return errors.Join(errs...)
}
