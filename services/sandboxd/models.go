package sandboxd

import (
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Order is a persisted sandbox escrow order.
type Order struct {
	ID                    string          `gorm:"primaryKey;size:64"`
	Status                string          `gorm:"size:32;index"`
	USDCExpected          decimal.Decimal `gorm:"type:varchar(64)"`
	BIFTarget             decimal.Decimal `gorm:"type:varchar(64)"`
	DepositAddress        string          `gorm:"size:42"`
	Network               string          `gorm:"size:32"`
	TxHash                *string         `gorm:"size:66"`
	Confirmations         int
	RequiredConfirmations int
	SandboxScenario       string `gorm:"size:64"`
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Trade is a persisted sandbox P2P trade.
type Trade struct {
	ID                string          `gorm:"primaryKey;size:64"`
	Status            string          `gorm:"size:32;index"`
	BranchedFrom      string          `gorm:"size:32"`
	Token             string          `gorm:"size:16"`
	Amount            decimal.Decimal `gorm:"type:varchar(64)"`
	Price             decimal.Decimal `gorm:"type:varchar(64)"`
	FiatCurrency      string          `gorm:"size:8"`
	EscrowDepositAddr string          `gorm:"size:42"`
	EscrowTxHash      *string         `gorm:"size:66"`
	ProofURL          string
	Note              string
	DisputeReason     string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// FiatAmount is amount times price rounded to cents.
func (t Trade) FiatAmount() decimal.Decimal {
	return t.Amount.Mul(t.Price).Round(2)
}

// Transition is one entry of the per-resource status log.
type Transition struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	Kind       string `gorm:"size:16;index:idx_transition_resource"`
	ResourceID string `gorm:"size:64;index:idx_transition_resource"`
	FromStatus string `gorm:"size:32"`
	ToStatus   string `gorm:"size:32"`
	Action     string `gorm:"size:32"`
	Actor      string `gorm:"size:128"`
	CreatedAt  time.Time
}

// AutoMigrate creates or updates the sandbox tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Order{}, &Trade{}, &Transition{})
}

// OpenDB opens the database named by dsn. postgres:// and postgresql:// URLs
// use the Postgres driver; anything else is treated as a SQLite DSN.
func OpenDB(dsn string) (*gorm.DB, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("database url required")
	}
	var dialector gorm.Dialector
	lower := strings.ToLower(dsn)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}
