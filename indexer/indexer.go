package indexer

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"chainflow/core/events"
)

// LoanEvent is the persisted form of a loan lifecycle event. Big integer
// amounts are stored as decimal strings so no precision is lost.
type LoanEvent struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Type       string    `gorm:"size:64;index"`
	LoanID     uint64    `gorm:"index"`
	Borrower   string    `gorm:"size:40;index"`
	Liquidator string    `gorm:"size:40"`
	Collateral string    `gorm:"size:80"`
	Debt       string    `gorm:"size:80"`
	Closed     bool
	CreatedAt  time.Time
}

// AutoMigrate creates or updates the indexer schema.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&LoanEvent{})
}

// OpenPostgres connects to a PostgreSQL database and migrates the schema.
func OpenPostgres(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("indexer: open postgres: %w", err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("indexer: migrate: %w", err)
	}
	return db, nil
}

// OpenSQLite connects to a SQLite database and migrates the schema. It backs
// tests and single-node deployments that do not run PostgreSQL.
func OpenSQLite(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("indexer: open sqlite: %w", err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("indexer: migrate: %w", err)
	}
	return db, nil
}

// Indexer persists loan lifecycle events for offline queries. It satisfies
// the event emitter interface so it can sit behind a fanout next to the
// metrics recorder.
type Indexer struct {
	db  *gorm.DB
	log *slog.Logger
}

// New constructs an indexer over an opened database handle.
func New(db *gorm.DB, log *slog.Logger) *Indexer {
	if log == nil {
		log = slog.Default()
	}
	return &Indexer{db: db, log: log}
}

// Emit implements the event emitter interface. Persistence failures are
// logged rather than propagated because emission sits on the ledger's hot
// path and must not abort state transitions.
func (ix *Indexer) Emit(evt events.Event) {
	if ix == nil || ix.db == nil || evt == nil {
		return
	}
	row := ix.rowFor(evt)
	if row == nil {
		return
	}
	if err := ix.db.Create(row).Error; err != nil {
		ix.log.Error("index loan event", "type", evt.EventType(), "error", err)
	}
}

func (ix *Indexer) rowFor(evt events.Event) *LoanEvent {
	row := &LoanEvent{ID: uuid.New(), Type: evt.EventType(), CreatedAt: time.Now().UTC()}
	switch payload := evt.(type) {
	case events.LoanOpened:
		row.LoanID = payload.LoanID
		row.Borrower = hex.EncodeToString(payload.Borrower[:])
		row.Collateral = bigString(payload.CollateralAmount)
		row.Debt = bigString(payload.DebtAmount)
	case events.LoanRepaid:
		row.LoanID = payload.LoanID
		row.Borrower = hex.EncodeToString(payload.Borrower[:])
		row.Debt = bigString(payload.RemainingDebt)
		row.Closed = payload.Closed
	case events.LoanLiquidated:
		row.LoanID = payload.LoanID
		row.Borrower = hex.EncodeToString(payload.Borrower[:])
		row.Liquidator = hex.EncodeToString(payload.Liquidator[:])
		row.Collateral = bigString(payload.SeizedCollateral)
		row.Debt = bigString(payload.RepaidDebt)
		row.Closed = payload.Closed
	default:
		// Parameter and credit events carry no loan identity and are
		// served by the metrics recorder instead.
		return nil
	}
	return row
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// LoanHistory returns all persisted events for a loan in insertion order.
func (ix *Indexer) LoanHistory(loanID uint64) ([]LoanEvent, error) {
	if ix == nil || ix.db == nil {
		return nil, fmt.Errorf("indexer: not configured")
	}
	var rows []LoanEvent
	err := ix.db.Where("loan_id = ?", loanID).Order("created_at asc").Find(&rows).Error
	return rows, err
}

// BorrowerHistory returns all persisted events for a borrower address.
func (ix *Indexer) BorrowerHistory(borrower [20]byte) ([]LoanEvent, error) {
	if ix == nil || ix.db == nil {
		return nil, fmt.Errorf("indexer: not configured")
	}
	var rows []LoanEvent
	err := ix.db.Where("borrower = ?", hex.EncodeToString(borrower[:])).Order("created_at asc").Find(&rows).Error
	return rows, err
}

// Recent returns up to limit most recently indexed events.
func (ix *Indexer) Recent(limit int) ([]LoanEvent, error) {
	if ix == nil || ix.db == nil {
		return nil, fmt.Errorf("indexer: not configured")
	}
	if limit <= 0 {
		limit = 50
	}
	var rows []LoanEvent
	err := ix.db.Order("created_at desc").Limit(limit).Find(&rows).Error
	return rows, err
}
