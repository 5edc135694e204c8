package custody

import (
	"fmt"
	"math/big"
	"sync"

	"chainflow/crypto"
)

// Treasury tracks the debt asset liquidity backing loan disbursements.
// Disburse pays out of the reserve into a recipient account and Collect pulls
// repayments back in, so the reserve plus all account balances is constant.
type Treasury struct {
	mu       sync.Mutex
	reserve  *big.Int
	accounts map[[20]byte]*big.Int
}

// NewTreasury constructs a treasury with an empty reserve.
func NewTreasury() *Treasury {
	return &Treasury{reserve: new(big.Int), accounts: make(map[[20]byte]*big.Int)}
}

// Fund credits the reserve. Funding is how operators seed lending liquidity.
func (t *Treasury) Fund(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	t.mu.Lock()
	t.reserve.Add(t.reserve, amount)
	t.mu.Unlock()
	return nil
}

// Balance returns a copy of the current reserve.
func (t *Treasury) Balance() *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return new(big.Int).Set(t.reserve)
}

// AccountBalance returns a copy of the balance held by an account.
func (t *Treasury) AccountBalance(addr crypto.Address) *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return new(big.Int).Set(t.account(addr))
}

// Credit adds funds to an account without touching the reserve. It models an
// external deposit of the debt asset, for example a borrower acquiring funds
// to repay with.
func (t *Treasury) Credit(addr crypto.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	acct := t.account(addr)
	acct.Add(acct, amount)
	return nil
}

// Disburse moves funds from the reserve to the recipient account.
func (t *Treasury) Disburse(to crypto.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.reserve.Cmp(amount) < 0 {
		return fmt.Errorf("%w: reserve %s, requested %s", ErrInsufficientBalance, t.reserve, amount)
	}
	t.reserve.Sub(t.reserve, amount)
	acct := t.account(to)
	acct.Add(acct, amount)
	return nil
}

// Collect moves funds from the payer account back into the reserve.
func (t *Treasury) Collect(from crypto.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	acct := t.account(from)
	if acct.Cmp(amount) < 0 {
		return fmt.Errorf("%w: account %s, requested %s", ErrInsufficientBalance, acct, amount)
	}
	acct.Sub(acct, amount)
	t.reserve.Add(t.reserve, amount)
	return nil
}

func (t *Treasury) account(addr crypto.Address) *big.Int {
	key := addressKey(addr)
	acct, ok := t.accounts[key]
	if !ok {
		acct = new(big.Int)
		t.accounts[key] = acct
	}
	return acct
}
