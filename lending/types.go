package lending

import (
	"math/big"

	"chainflow/crypto"
)

// Tier is a borrower risk class. Higher values are better risk: TierA
// borrowers receive the highest LTV cap and the lowest rate.
type Tier uint8

const (
	TierC Tier = 0
	TierB Tier = 1
	TierA Tier = 2
)

// Valid reports whether the tier is one of the configured risk classes.
func (t Tier) Valid() bool { return t <= TierA }

// String renders the conventional letter form of the tier.
func (t Tier) String() string {
	switch t {
	case TierA:
		return "A"
	case TierB:
		return "B"
	case TierC:
		return "C"
	default:
		return "?"
	}
}

// TierParams groups the risk limits applied to a credit tier.
type TierParams struct {
	// LTVBps is the maximum loan-to-value ratio permitted at origination,
	// expressed in basis points.
	LTVBps uint64
	// APRBps is the annual interest rate charged to the tier, expressed in
	// basis points. Fixed into the loan at origination.
	APRBps uint64
}

// LiquidationParams groups the process-wide liquidation configuration.
type LiquidationParams struct {
	// ThresholdBps is stored and administratively settable but not consulted
	// by the liquidation gate, which checks strictly against a health factor
	// of 1.0. Kept for parity with the deployed configuration surface.
	ThresholdBps uint64
	// BonusBps is the liquidator premium applied to seized collateral.
	BonusBps uint64
}

// Loan is the authoritative record for a single borrowing position. Only the
// money-account fields (DebtAmount, CollateralAmount, LastAccruedAt, Active)
// change after creation; ID, Borrower, InterestRateBps and CreatedAt are
// write-once.
type Loan struct {
	// ID is unique, monotonically assigned and never reused.
	ID uint64
	// Borrower is the account that opened the loan.
	Borrower crypto.Address
	// CollateralAmount is the posted collateral in the asset's smallest unit
	// (18-decimal convention). Only ever decreases after origination.
	CollateralAmount *big.Int
	// DebtAmount is the outstanding debt in the debt asset's smallest unit
	// (6-decimal convention), including accrued-but-unpaid interest.
	DebtAmount *big.Int
	// InterestRateBps is the annual rate fixed at origination.
	InterestRateBps uint64
	// CreatedAt is the origination timestamp (unix seconds).
	CreatedAt int64
	// LastAccruedAt is the timestamp through which interest has been
	// compounded into DebtAmount.
	LastAccruedAt int64
	// Active is false once DebtAmount reaches exactly zero.
	Active bool
}

// Clone returns a deep copy of the loan record.
func (l *Loan) Clone() *Loan {
	if l == nil {
		return nil
	}
	clone := &Loan{
		ID:              l.ID,
		Borrower:        l.Borrower,
		InterestRateBps: l.InterestRateBps,
		CreatedAt:       l.CreatedAt,
		LastAccruedAt:   l.LastAccruedAt,
		Active:          l.Active,
	}
	if l.CollateralAmount != nil {
		clone.CollateralAmount = new(big.Int).Set(l.CollateralAmount)
	}
	if l.DebtAmount != nil {
		clone.DebtAmount = new(big.Int).Set(l.DebtAmount)
	}
	return clone
}

// PriceOracle supplies the current collateral price on an 18-decimal fixed
// point basis (1e18 == 1.0). Implementations must fail rather than return a
// stale or non-positive price.
type PriceOracle interface {
	GetPrice() (*big.Int, error)
}

// CreditTierSource resolves a borrower's credit tier. The second return value
// is false when the borrower has no recorded tier.
type CreditTierSource interface {
	Tier(borrower crypto.Address) (Tier, bool, error)
}

// CollateralCustody holds posted collateral on behalf of borrowers. The
// ledger never touches tokens directly; it only issues custody instructions.
type CollateralCustody interface {
	// Hold locks amount of the owner's free collateral.
	Hold(owner crypto.Address, amount *big.Int) error
	// Release moves amount of the owner's held collateral to the recipient
	// and returns the amount actually transferred.
	Release(owner, to crypto.Address, amount *big.Int) (*big.Int, error)
}

// LiquidityPool is the debt-asset treasury the ledger disburses from and
// collects into.
type LiquidityPool interface {
	Balance() *big.Int
	Disburse(to crypto.Address, amount *big.Int) error
	Collect(from crypto.Address, amount *big.Int) error
}
