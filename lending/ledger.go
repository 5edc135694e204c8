package lending

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"chainflow/core/events"
	"chainflow/crypto"
)

// Ledger owns the authoritative set of loan records and drives the lending
// state machine: origination with LTV gating, interest accrual, repayment and
// liquidation. Each mutating operation runs under a per-loan lock so no two
// operations interleave their read-modify-write of one loan's balances;
// operations on different loans proceed independently.
type Ledger struct {
	state   LedgerState
	policy  *TierPolicy
	oracle  PriceOracle
	tiers   CreditTierSource
	custody CollateralCustody
	pool    LiquidityPool
	emitter events.Emitter
	admin   crypto.Address
	nowFn   func() int64

	liqMu sync.RWMutex
	liq   LiquidationParams

	locksMu sync.Mutex
	locks   map[uint64]*sync.Mutex
}

// NewLedger constructs a ledger with the designated admin identity and the
// initial liquidation configuration. Collaborators are wired through setters,
// mirroring how the engine is assembled at process start.
func NewLedger(admin crypto.Address, liq LiquidationParams) *Ledger {
	return &Ledger{
		policy:  NewTierPolicy(),
		emitter: events.NoopEmitter{},
		admin:   admin,
		nowFn:   func() int64 { return time.Now().Unix() },
		liq:     liq,
		locks:   make(map[uint64]*sync.Mutex),
	}
}

// SetState wires the ledger to its persistence layer.
func (l *Ledger) SetState(state LedgerState) { l.state = state }

// SetOracle wires the collateral price feed.
func (l *Ledger) SetOracle(oracle PriceOracle) { l.oracle = oracle }

// SetTierSource wires the borrower credit tier collaborator.
func (l *Ledger) SetTierSource(tiers CreditTierSource) { l.tiers = tiers }

// SetCustody wires the collateral custody collaborator.
func (l *Ledger) SetCustody(custody CollateralCustody) { l.custody = custody }

// SetLiquidityPool wires the debt-asset treasury.
func (l *Ledger) SetLiquidityPool(pool LiquidityPool) { l.pool = pool }

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (l *Ledger) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		l.emitter = events.NoopEmitter{}
		return
	}
	l.emitter = emitter
}

// SetNowFunc overrides the time source. Primarily intended for tests to
// provide deterministic timestamps.
func (l *Ledger) SetNowFunc(now func() int64) {
	if now == nil {
		l.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	l.nowFn = now
}

// Policy exposes the tier table for reads; mutation goes through
// SetTierParams so the admin capability check applies.
func (l *Ledger) Policy() *TierPolicy { return l.policy }

// SetTierParams updates a tier's risk limits. Only the admin identity may
// call it.
func (l *Ledger) SetTierParams(caller crypto.Address, tier Tier, params TierParams) error {
	if !caller.Equal(l.admin) {
		return ErrNotAdmin
	}
	if err := l.policy.Set(tier, params); err != nil {
		return err
	}
	l.emitter.Emit(events.TierParamsUpdated{
		Tier:   uint8(tier),
		LTVBps: params.LTVBps,
		APRBps: params.APRBps,
	})
	return nil
}

// SetLiquidationParams updates the liquidation configuration. Only the admin
// identity may call it. ThresholdBps is stored but not consulted by the
// liquidation gate; see LiquidationParams.
func (l *Ledger) SetLiquidationParams(caller crypto.Address, params LiquidationParams) error {
	if !caller.Equal(l.admin) {
		return ErrNotAdmin
	}
	if params.ThresholdBps > 10_000 || params.BonusBps > 10_000 {
		return fmt.Errorf("%w: liquidation params exceed 100%%", ErrConfiguration)
	}
	l.liqMu.Lock()
	l.liq = params
	l.liqMu.Unlock()
	l.emitter.Emit(events.LiquidationParamsUpdated{
		ThresholdBps: params.ThresholdBps,
		BonusBps:     params.BonusBps,
	})
	return nil
}

// LiquidationParams returns the current liquidation configuration.
func (l *Ledger) LiquidationParams() LiquidationParams {
	l.liqMu.RLock()
	defer l.liqMu.RUnlock()
	return l.liq
}

// OpenLoan originates a loan: the borrower posts collateral and receives
// desiredDebt from the pool, subject to the tier's LTV cap at the current
// oracle price. The operation is all-or-nothing: liquidity is verified before
// the custody hold, and the hold is released again if disbursement fails, so
// no partial state survives a collaborator failure.
func (l *Ledger) OpenLoan(borrower crypto.Address, collateralAmount, desiredDebt *big.Int) (uint64, error) {
	if l == nil || l.state == nil {
		return 0, ErrNilState
	}
	if collateralAmount == nil || collateralAmount.Sign() <= 0 {
		return 0, ErrInvalidAmount
	}
	if desiredDebt == nil || desiredDebt.Sign() <= 0 {
		return 0, ErrInvalidAmount
	}
	if l.tiers == nil {
		return 0, fmt.Errorf("%w: credit tier source not configured", ErrNilState)
	}
	if l.custody == nil || l.pool == nil {
		return 0, fmt.Errorf("%w: custody or liquidity pool not configured", ErrNilState)
	}

	tier, ok, err := l.tiers.Tier(borrower)
	if err != nil {
		return 0, fmt.Errorf("loan ledger: resolve credit tier: %w", err)
	}
	if !ok {
		return 0, ErrNoCreditScore
	}
	params, err := l.policy.Get(tier)
	if err != nil {
		return 0, err
	}

	price, err := l.fetchPrice()
	if err != nil {
		return 0, err
	}

	value := collateralValue(collateralAmount, price)
	if debtValue(desiredDebt).Cmp(maxDebtFor(value, params.LTVBps)) > 0 {
		return 0, ErrExceedsLTV
	}

	if l.pool.Balance().Cmp(desiredDebt) < 0 {
		return 0, ErrInsufficientLiquidity
	}

	id, err := l.state.NextLoanID()
	if err != nil {
		return 0, err
	}

	if err := l.custody.Hold(borrower, collateralAmount); err != nil {
		return 0, fmt.Errorf("%w: hold collateral: %v", ErrCustody, err)
	}
	if err := l.pool.Disburse(borrower, desiredDebt); err != nil {
		// Unwind the hold so the failed origination leaves no partial lock.
		if _, releaseErr := l.custody.Release(borrower, borrower, collateralAmount); releaseErr != nil {
			return 0, fmt.Errorf("loan ledger: disburse failed (%v) and hold release failed: %w", err, releaseErr)
		}
		return 0, fmt.Errorf("loan ledger: disburse debt: %w", err)
	}

	now := l.nowFn()
	loan := &Loan{
		ID:               id,
		Borrower:         borrower,
		CollateralAmount: new(big.Int).Set(collateralAmount),
		DebtAmount:       new(big.Int).Set(desiredDebt),
		InterestRateBps:  params.APRBps,
		CreatedAt:        now,
		LastAccruedAt:    now,
		Active:           true,
	}
	if err := l.state.PutLoan(loan); err != nil {
		return 0, err
	}

	l.emitter.Emit(events.LoanOpened{
		LoanID:           id,
		Borrower:         addressKey(borrower),
		CollateralAmount: new(big.Int).Set(collateralAmount),
		DebtAmount:       new(big.Int).Set(desiredDebt),
		InterestRateBps:  params.APRBps,
		Tier:             uint8(tier),
	})
	return id, nil
}

// Repay collects repayAmount from the borrower and reduces the loan's debt,
// accruing interest first. Repaying the full accrued debt closes the loan and
// releases the collateral back to the borrower. Returns the remaining debt.
func (l *Ledger) Repay(loanID uint64, caller crypto.Address, repayAmount *big.Int) (*big.Int, error) {
	if l == nil || l.state == nil {
		return nil, ErrNilState
	}
	if repayAmount == nil || repayAmount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if l.custody == nil || l.pool == nil {
		return nil, fmt.Errorf("%w: custody or liquidity pool not configured", ErrNilState)
	}

	unlock := l.lockLoan(loanID)
	defer unlock()

	loan, err := l.loadLoan(loanID)
	if err != nil {
		return nil, err
	}
	if !loan.Active {
		return nil, ErrLoanNotActive
	}
	if !caller.Equal(loan.Borrower) {
		return nil, ErrNotBorrower
	}

	l.accrue(loan, l.nowFn())

	if repayAmount.Cmp(loan.DebtAmount) > 0 {
		return nil, ErrRepayExceedsDebt
	}

	if err := l.pool.Collect(loan.Borrower, repayAmount); err != nil {
		return nil, fmt.Errorf("loan ledger: collect repayment: %w", err)
	}

	remaining := new(big.Int).Sub(loan.DebtAmount, repayAmount)
	closed := remaining.Sign() == 0
	if closed {
		released := new(big.Int).Set(loan.CollateralAmount)
		if _, err := l.custody.Release(loan.Borrower, loan.Borrower, released); err != nil {
			// Hand the repayment back; the loan stays open and untouched.
			if refundErr := l.pool.Disburse(loan.Borrower, repayAmount); refundErr != nil {
				return nil, fmt.Errorf("%w: release collateral failed (%v) and refund failed: %v", ErrCustody, err, refundErr)
			}
			return nil, fmt.Errorf("%w: release collateral: %v", ErrCustody, err)
		}
		loan.Active = false
		loan.CollateralAmount = big.NewInt(0)
	}
	loan.DebtAmount = remaining

	if err := l.state.PutLoan(loan); err != nil {
		return nil, err
	}

	l.emitter.Emit(events.LoanRepaid{
		LoanID:        loanID,
		Borrower:      addressKey(loan.Borrower),
		Amount:        new(big.Int).Set(repayAmount),
		RemainingDebt: new(big.Int).Set(remaining),
		Closed:        closed,
	})
	return remaining, nil
}

// Liquidate lets a third party repay up to maxRepay of an under-collateralised
// loan's debt in exchange for the equivalent collateral plus the liquidation
// bonus. Liquidation is permitted only while the health factor is strictly
// below 1.0. Returns the collateral seized.
func (l *Ledger) Liquidate(loanID uint64, liquidator crypto.Address, maxRepay *big.Int) (*big.Int, error) {
	if l == nil || l.state == nil {
		return nil, ErrNilState
	}
	if maxRepay == nil || maxRepay.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if l.custody == nil || l.pool == nil {
		return nil, fmt.Errorf("%w: custody or liquidity pool not configured", ErrNilState)
	}

	unlock := l.lockLoan(loanID)
	defer unlock()

	loan, err := l.loadLoan(loanID)
	if err != nil {
		return nil, err
	}
	if !loan.Active {
		return nil, ErrLoanNotActive
	}

	price, err := l.fetchPrice()
	if err != nil {
		return nil, err
	}

	now := l.nowFn()
	l.accrue(loan, now)

	hf := healthFactor(collateralValue(loan.CollateralAmount, price), debtValue(loan.DebtAmount))
	if hf.Cmp(wad) >= 0 {
		return nil, ErrHealthFactorOk
	}

	repayAmount := new(big.Int).Set(maxRepay)
	if repayAmount.Cmp(loan.DebtAmount) > 0 {
		repayAmount.Set(loan.DebtAmount)
	}

	seized := seizedCollateral(repayAmount, l.LiquidationParams().BonusBps, price)
	if seized.Cmp(loan.CollateralAmount) > 0 {
		return nil, ErrSeizureExceedsCollateral
	}

	if err := l.pool.Collect(liquidator, repayAmount); err != nil {
		return nil, fmt.Errorf("loan ledger: collect liquidation repayment: %w", err)
	}
	if _, err := l.custody.Release(loan.Borrower, liquidator, seized); err != nil {
		if refundErr := l.pool.Disburse(liquidator, repayAmount); refundErr != nil {
			return nil, fmt.Errorf("%w: release seizure failed (%v) and refund failed: %v", ErrCustody, err, refundErr)
		}
		return nil, fmt.Errorf("%w: release seizure: %v", ErrCustody, err)
	}

	loan.DebtAmount = new(big.Int).Sub(loan.DebtAmount, repayAmount)
	loan.CollateralAmount = new(big.Int).Sub(loan.CollateralAmount, seized)
	closed := loan.DebtAmount.Sign() == 0
	if closed {
		// A fully repaid loan releases whatever collateral the seizure left
		// behind back to the borrower, keeping the custody balance at its
		// pre-loan level once the loan is closed.
		if loan.CollateralAmount.Sign() > 0 {
			if _, err := l.custody.Release(loan.Borrower, loan.Borrower, loan.CollateralAmount); err != nil {
				return nil, fmt.Errorf("%w: release remainder: %v", ErrCustody, err)
			}
			loan.CollateralAmount = big.NewInt(0)
		}
		loan.Active = false
	}

	if err := l.state.PutLoan(loan); err != nil {
		return nil, err
	}

	l.emitter.Emit(events.LoanLiquidated{
		LoanID:           loanID,
		Borrower:         addressKey(loan.Borrower),
		Liquidator:       addressKey(liquidator),
		RepaidDebt:       new(big.Int).Set(repayAmount),
		SeizedCollateral: new(big.Int).Set(seized),
		Closed:           closed,
	})
	return seized, nil
}

// HealthFactor reports the loan's current health as an 18-decimal fixed point
// value (1e18 == 1.0), computed against interest accrued up to now without
// persisting the accrual. Debt-free loans report MaxHealthFactor.
func (l *Ledger) HealthFactor(loanID uint64) (*big.Int, error) {
	if l == nil || l.state == nil {
		return nil, ErrNilState
	}
	loan, err := l.loadLoan(loanID)
	if err != nil {
		return nil, err
	}
	if !loan.Active {
		return nil, ErrLoanNotActive
	}
	price, err := l.fetchPrice()
	if err != nil {
		return nil, err
	}
	l.accrue(loan, l.nowFn())
	return healthFactor(collateralValue(loan.CollateralAmount, price), debtValue(loan.DebtAmount)), nil
}

// PreviewDebt reports the debt the borrower would owe if interest were
// accrued to now, without mutating stored state. Closed loans report zero.
func (l *Ledger) PreviewDebt(loanID uint64) (*big.Int, error) {
	if l == nil || l.state == nil {
		return nil, ErrNilState
	}
	loan, err := l.loadLoan(loanID)
	if err != nil {
		return nil, err
	}
	l.accrue(loan, l.nowFn())
	return new(big.Int).Set(loan.DebtAmount), nil
}

// GetLoan returns a copy of the loan record for inspection.
func (l *Ledger) GetLoan(loanID uint64) (*Loan, error) {
	if l == nil || l.state == nil {
		return nil, ErrNilState
	}
	return l.loadLoan(loanID)
}

// LoanIDs lists all known loan ids in ascending order.
func (l *Ledger) LoanIDs() ([]uint64, error) {
	if l == nil || l.state == nil {
		return nil, ErrNilState
	}
	return l.state.LoanIDs()
}

// accrue folds simple interest for the elapsed seconds into the loan's debt
// balance. It is idempotent within a single timestamp and a no-op on
// debt-free loans, and never moves LastAccruedAt backwards.
func (l *Ledger) accrue(loan *Loan, now int64) {
	if loan.DebtAmount == nil || loan.DebtAmount.Sign() == 0 {
		return
	}
	elapsed := now - loan.LastAccruedAt
	if elapsed <= 0 {
		return
	}
	interest := accruedInterest(loan.DebtAmount, loan.InterestRateBps, elapsed)
	loan.DebtAmount = new(big.Int).Add(loan.DebtAmount, interest)
	loan.LastAccruedAt = now
}

func (l *Ledger) loadLoan(loanID uint64) (*Loan, error) {
	loan, err := l.state.GetLoan(loanID)
	if err != nil {
		return nil, err
	}
	if loan == nil {
		return nil, ErrLoanNotFound
	}
	if loan.CollateralAmount == nil {
		loan.CollateralAmount = big.NewInt(0)
	}
	if loan.DebtAmount == nil {
		loan.DebtAmount = big.NewInt(0)
	}
	return loan, nil
}

func (l *Ledger) fetchPrice() (*big.Int, error) {
	if l.oracle == nil {
		return nil, fmt.Errorf("%w: oracle not configured", ErrOracle)
	}
	price, err := l.oracle.GetPrice()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOracle, err)
	}
	if price == nil || price.Sign() <= 0 {
		return nil, fmt.Errorf("%w: non-positive price", ErrOracle)
	}
	return price, nil
}

// lockLoan acquires the mutex guarding loanID and returns its release
// function. Locks are created lazily and retained for the process lifetime;
// closed loans reject mutation on the active-state check instead.
func (l *Ledger) lockLoan(loanID uint64) func() {
	l.locksMu.Lock()
	mu, ok := l.locks[loanID]
	if !ok {
		mu = &sync.Mutex{}
		l.locks[loanID] = mu
	}
	l.locksMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

func addressKey(addr crypto.Address) [20]byte {
	var key [20]byte
	copy(key[:], addr.Bytes())
	return key
}
