package models

import (
	"time"

	"gorm.io/gorm"
)

// Account kinds.
const (
	AccountSimple  = "simple"
	AccountIssuer  = "issuer"
	AccountVoucher = "voucher"
)

// Instrument states.
const (
	StateDrafted   = "drafted"
	StateWritten   = "written"
	StateDeposited = "deposited"
	StateCanceled  = "canceled"
	StateExpired   = "expired"
)

// Offer states.
const (
	OfferActive      = "active"
	OfferPendingStop = "pending_stop"
	OfferFilled      = "filled"
	OfferCanceled    = "canceled"
	OfferExpired     = "expired"
	OfferUnderfunded = "underfunded"
)

type Nym struct {
	ID             string `gorm:"primaryKey;size:64"`
	Name           string `gorm:"size:100"`
	Source         string `gorm:"size:255"`
	AltLocation    string `gorm:"size:255"`
	KeyBits        int    `gorm:"not null"`
	PublicKey      []byte `gorm:"not null"`
	PrivateKey     []byte `gorm:"not null"`
	PassphraseHash string `gorm:"size:255"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Registration struct {
	ServerID  string `gorm:"primaryKey;size:64"`
	NymID     string `gorm:"primaryKey;size:64"`
	CreatedAt time.Time
}

type AssetContract struct {
	ID              string `gorm:"primaryKey;size:64"`
	ServerID        string `gorm:"index;size:64;not null"`
	IssuerNymID     string `gorm:"index;size:64;not null"`
	OwnerNymID      string `gorm:"index;size:64;not null"`
	Name            string `gorm:"size:100"`
	Symbol          string `gorm:"size:16"`
	Scale           int32  `gorm:"not null"`
	Body            string
	IssuerAccountID string `gorm:"size:64"`
	CreatedAt       time.Time
}

type Account struct {
	ID         string `gorm:"primaryKey;size:64"`
	NymID      string `gorm:"index;size:64;not null"`
	ContractID string `gorm:"index;size:64;not null"`
	ServerID   string `gorm:"index;size:64;not null"`
	Kind       string `gorm:"size:16;not null"`
	Label      string `gorm:"size:100"`
	Balance    int64  `gorm:"not null"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type Transaction struct {
	gorm.Model
	Type      string `gorm:"size:32;index"` // transfer | cheque | voucher_withdraw | voucher_deposit | voucher_refund | market_trade
	Status    string `gorm:"size:16"`       // completed
	Reference string `gorm:"size:64;index"`
	Memo      string `gorm:"size:255"`
}

type LedgerEntry struct {
	gorm.Model
	TxID         uint64 `gorm:"index"`
	AccountID    string `gorm:"index;size:64"`
	Amount       int64
	BalanceAfter int64
}

type Instrument struct {
	ID              string `gorm:"primaryKey;size:64"`
	Kind            string `gorm:"size:16;index;not null"`
	ServerID        string `gorm:"size:64;not null"`
	ContractID      string `gorm:"size:64;not null"`
	SourceAccountID string `gorm:"size:64;index;not null"`
	DrawerNymID     string `gorm:"size:64;index;not null"`
	RecipientNymID  string `gorm:"size:64"`
	Amount          int64
	Memo            string `gorm:"size:255"`
	ValidFrom       time.Time
	ValidTo         time.Time
	State           string `gorm:"size:16;index;not null"`
	Payload         []byte
	DepositAccount  string `gorm:"size:64"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type Offer struct {
	ID                string `gorm:"primaryKey;size:64"`
	MarketID          string `gorm:"size:64;index;not null"`
	ServerID          string `gorm:"size:64;not null"`
	NymID             string `gorm:"size:64;index;not null"`
	AssetAccountID    string `gorm:"size:64;not null"`
	CurrencyAccountID string `gorm:"size:64;not null"`
	Scale             int64  `gorm:"not null"`
	MinIncrement      int64  `gorm:"not null"`
	Quantity          int64  `gorm:"not null"`
	Filled            int64  `gorm:"not null"`
	Price             int64  `gorm:"not null"`
	IsBid             bool
	AllOrNone         bool
	StopSign          string `gorm:"size:1"`
	ActivationPrice   int64
	Seq               int64 `gorm:"index"`
	State             string `gorm:"size:16;index;not null"`
	ExpiresAt         time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type Trade struct {
	gorm.Model
	MarketID   string `gorm:"size:64;index"`
	BidOfferID string `gorm:"size:64"`
	AskOfferID string `gorm:"size:64"`
	Quantity   int64
	Price      int64
	Currency   int64
}

// AutoMigrate creates or updates every table the ledger uses.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Nym{},
		&Registration{},
		&AssetContract{},
		&Account{},
		&Transaction{},
		&LedgerEntry{},
		&Instrument{},
		&Offer{},
		&Trade{},
	)
}
