package events

import "math/big"

const (
	// TypeLoanOpened is emitted when a borrower successfully originates a
	// loan against posted collateral.
	TypeLoanOpened = "lending.loan.opened"
	// TypeLoanRepaid is emitted for every repayment, partial or closing.
	TypeLoanRepaid = "lending.loan.repaid"
	// TypeLoanLiquidated is emitted when a liquidator seizes collateral from
	// an under-collateralised loan.
	TypeLoanLiquidated = "lending.loan.liquidated"
	// TypeTierParamsUpdated is emitted when the administrator retunes a
	// credit tier's LTV cap or APR.
	TypeTierParamsUpdated = "lending.params.tier.updated"
	// TypeLiquidationParamsUpdated is emitted when the administrator changes
	// the liquidation threshold or bonus.
	TypeLiquidationParamsUpdated = "lending.params.liquidation.updated"
)

// LoanOpened captures the origination facts of a new loan.
type LoanOpened struct {
	LoanID           uint64
	Borrower         [20]byte
	CollateralAmount *big.Int
	DebtAmount       *big.Int
	InterestRateBps  uint64
	Tier             uint8
}

// EventType implements the events.Event interface.
func (LoanOpened) EventType() string { return TypeLoanOpened }

// LoanRepaid records a repayment and the debt left behind.
type LoanRepaid struct {
	LoanID        uint64
	Borrower      [20]byte
	Amount        *big.Int
	RemainingDebt *big.Int
	Closed        bool
}

// EventType implements the events.Event interface.
func (LoanRepaid) EventType() string { return TypeLoanRepaid }

// LoanLiquidated records a liquidation and the collateral routed to the
// liquidator.
type LoanLiquidated struct {
	LoanID           uint64
	Borrower         [20]byte
	Liquidator       [20]byte
	RepaidDebt       *big.Int
	SeizedCollateral *big.Int
	Closed           bool
}

// EventType implements the events.Event interface.
func (LoanLiquidated) EventType() string { return TypeLoanLiquidated }

// TierParamsUpdated reports an administrative change to a tier's risk limits.
type TierParamsUpdated struct {
	Tier   uint8
	LTVBps uint64
	APRBps uint64
}

// EventType implements the events.Event interface.
func (TierParamsUpdated) EventType() string { return TypeTierParamsUpdated }

// LiquidationParamsUpdated reports an administrative change to the
// liquidation configuration.
type LiquidationParamsUpdated struct {
	ThresholdBps uint64
	BonusBps     uint64
}

// EventType implements the events.Event interface.
func (LiquidationParamsUpdated) EventType() string { return TypeLiquidationParamsUpdated }
