package lending

import "math/big"

var (
	basisPoints = big.NewInt(10_000)
	// wad is the 18-decimal fixed point unit shared by the collateral asset
	// and the oracle price. A health factor of wad is exactly 1.0.
	wad = big.NewInt(1_000_000_000_000_000_000)
	// debtScale bridges the 6-decimal debt asset onto the 18-decimal basis.
	debtScale = big.NewInt(1_000_000_000_000)
	// accrualDenominator folds the seconds-per-year and basis-point divisors
	// of the simple interest formula into one truncating division.
	accrualDenominator = new(big.Int).Mul(big.NewInt(secondsPerYear), basisPoints)
	// maxUint256 caps the health factor for debt-free loans, matching the
	// unsigned 256-bit convention of the contract runtime this ledger mirrors.
	maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
)

const secondsPerYear = 365 * 86_400

// MaxHealthFactor returns the health factor reported for debt-free loans.
func MaxHealthFactor() *big.Int { return new(big.Int).Set(maxUint256) }

// accruedInterest computes simple interest on debt for the elapsed seconds,
// truncating toward zero. Compounding happens across calls because the caller
// folds the result back into the running debt balance.
func accruedInterest(debt *big.Int, rateBps uint64, elapsed int64) *big.Int {
	if debt == nil || debt.Sign() == 0 || rateBps == 0 || elapsed <= 0 {
		return big.NewInt(0)
	}
	interest := new(big.Int).Mul(debt, new(big.Int).SetUint64(rateBps))
	interest.Mul(interest, big.NewInt(elapsed))
	return interest.Quo(interest, accrualDenominator)
}

// collateralValue converts a collateral amount to its 18-decimal value at the
// given 18-decimal price.
func collateralValue(amount, price *big.Int) *big.Int {
	if amount == nil || price == nil {
		return big.NewInt(0)
	}
	value := new(big.Int).Mul(amount, price)
	return value.Quo(value, wad)
}

// debtValue normalises a 6-decimal debt amount onto the 18-decimal basis.
func debtValue(debt *big.Int) *big.Int {
	if debt == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Mul(debt, debtScale)
}

// maxDebtFor applies the tier LTV cap to a collateral value.
func maxDebtFor(collateralValue *big.Int, ltvBps uint64) *big.Int {
	if collateralValue == nil {
		return big.NewInt(0)
	}
	limit := new(big.Int).Mul(collateralValue, new(big.Int).SetUint64(ltvBps))
	return limit.Quo(limit, basisPoints)
}

// healthFactor computes collateralValue / debtValue scaled so wad == 1.0.
// Debt-free positions are infinitely healthy and report the maximum value.
func healthFactor(collateralValue, debtValue *big.Int) *big.Int {
	if debtValue == nil || debtValue.Sign() == 0 {
		return MaxHealthFactor()
	}
	hf := new(big.Int).Mul(collateralValue, wad)
	return hf.Quo(hf, debtValue)
}

// seizedCollateral converts a repaid debt amount plus the liquidation bonus
// into collateral units at the current price. The 6-to-18 decimal bridge is
// applied before dividing by the price so precision is not lost.
func seizedCollateral(repayAmount *big.Int, bonusBps uint64, price *big.Int) *big.Int {
	if repayAmount == nil || price == nil || price.Sign() <= 0 {
		return big.NewInt(0)
	}
	bonus := new(big.Int).Mul(repayAmount, new(big.Int).SetUint64(bonusBps))
	bonus.Quo(bonus, basisPoints)
	seized := new(big.Int).Add(repayAmount, bonus)
	seized.Mul(seized, debtScale)
	seized.Mul(seized, wad)
	return seized.Quo(seized, price)
}
