package lending

import "errors"

var (
	// ErrNilState marks a ledger that has not been wired to persistence.
	ErrNilState = errors.New("loan ledger: state not configured")
	// ErrInvalidAmount rejects zero or negative amounts at the call boundary.
	ErrInvalidAmount = errors.New("loan ledger: amount must be positive")
	// ErrNoCreditScore rejects borrowers without a recorded credit tier.
	ErrNoCreditScore = errors.New("loan ledger: borrower has no credit tier")
	// ErrConfiguration marks a tier or parameter outside the configured range.
	ErrConfiguration = errors.New("loan ledger: invalid tier or parameter configuration")
	// ErrExceedsLTV rejects origination requests above the tier's LTV cap.
	ErrExceedsLTV = errors.New("loan ledger: requested debt exceeds tier loan-to-value cap")
	// ErrInsufficientLiquidity rejects origination when the pool cannot cover
	// the requested debt.
	ErrInsufficientLiquidity = errors.New("loan ledger: insufficient pool liquidity")
	// ErrLoanNotFound marks lookups for an unknown loan id.
	ErrLoanNotFound = errors.New("loan ledger: loan not found")
	// ErrLoanNotActive rejects operations against closed loans.
	ErrLoanNotActive = errors.New("loan ledger: loan not active")
	// ErrNotBorrower rejects repayments from anyone but the loan's borrower.
	ErrNotBorrower = errors.New("loan ledger: caller is not the borrower")
	// ErrRepayExceedsDebt rejects repayments above the accrued debt. Callers
	// should query PreviewDebt first; overpayment is not absorbed.
	ErrRepayExceedsDebt = errors.New("loan ledger: repayment exceeds outstanding debt")
	// ErrHealthFactorOk rejects liquidation of positions at or above a health
	// factor of 1.0.
	ErrHealthFactorOk = errors.New("loan ledger: health factor at or above 1.0")
	// ErrSeizureExceedsCollateral rejects liquidations that would seize more
	// collateral than the loan has posted.
	ErrSeizureExceedsCollateral = errors.New("loan ledger: seizure exceeds posted collateral")
	// ErrOracle marks any operation aborted because a fresh positive price
	// was unavailable. There is no stale-price fallback.
	ErrOracle = errors.New("loan ledger: oracle price unavailable")
	// ErrNotAdmin rejects administrative updates from non-admin callers.
	ErrNotAdmin = errors.New("loan ledger: caller lacks admin capability")
	// ErrCustody marks a custody instruction the collaborator could not carry
	// out; the enclosing operation aborts with no ledger mutation.
	ErrCustody = errors.New("loan ledger: custody instruction failed")
)
