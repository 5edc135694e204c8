package custody

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"chainflow/crypto"
)

var (
	// ErrInvalidAmount is returned for nil or non-positive amounts.
	ErrInvalidAmount = errors.New("custody: amount must be positive")
	// ErrInsufficientBalance is returned when an account cannot cover the
	// requested movement.
	ErrInsufficientBalance = errors.New("custody: insufficient balance")
)

type balance struct {
	free *big.Int
	held *big.Int
}

func newBalance() *balance {
	return &balance{free: new(big.Int), held: new(big.Int)}
}

// Vault tracks collateral deposits per owner. Deposited funds sit in the free
// balance until a hold moves them into escrow. Held funds can only leave the
// vault through Release, which pays out to an arbitrary recipient's free
// balance so seizures route directly to the liquidator.
type Vault struct {
	mu       sync.Mutex
	accounts map[[20]byte]*balance
}

// NewVault constructs an empty vault.
func NewVault() *Vault {
	return &Vault{accounts: make(map[[20]byte]*balance)}
}

func (v *Vault) account(owner crypto.Address) *balance {
	key := addressKey(owner)
	acct, ok := v.accounts[key]
	if !ok {
		acct = newBalance()
		v.accounts[key] = acct
	}
	return acct
}

// Deposit credits the owner's free balance.
func (v *Vault) Deposit(owner crypto.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	acct := v.account(owner)
	acct.free.Add(acct.free, amount)
	return nil
}

// Withdraw debits the owner's free balance. Held funds cannot be withdrawn.
func (v *Vault) Withdraw(owner crypto.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	acct := v.account(owner)
	if acct.free.Cmp(amount) < 0 {
		return fmt.Errorf("%w: free %s, requested %s", ErrInsufficientBalance, acct.free, amount)
	}
	acct.free.Sub(acct.free, amount)
	return nil
}

// Hold moves funds from the owner's free balance into escrow.
func (v *Vault) Hold(owner crypto.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	acct := v.account(owner)
	if acct.free.Cmp(amount) < 0 {
		return fmt.Errorf("%w: free %s, requested hold %s", ErrInsufficientBalance, acct.free, amount)
	}
	acct.free.Sub(acct.free, amount)
	acct.held.Add(acct.held, amount)
	return nil
}

// Release moves funds out of the owner's escrow into the recipient's free
// balance and returns the released amount.
func (v *Vault) Release(owner, to crypto.Address, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	acct := v.account(owner)
	if acct.held.Cmp(amount) < 0 {
		return nil, fmt.Errorf("%w: held %s, requested release %s", ErrInsufficientBalance, acct.held, amount)
	}
	acct.held.Sub(acct.held, amount)
	recipient := v.account(to)
	recipient.free.Add(recipient.free, amount)
	return new(big.Int).Set(amount), nil
}

// FreeBalance returns a copy of the owner's free balance.
func (v *Vault) FreeBalance(owner crypto.Address) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return new(big.Int).Set(v.account(owner).free)
}

// HeldBalance returns a copy of the owner's escrowed balance.
func (v *Vault) HeldBalance(owner crypto.Address) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return new(big.Int).Set(v.account(owner).held)
}

func addressKey(addr crypto.Address) [20]byte {
	var key [20]byte
	copy(key[:], addr.Bytes())
	return key
}
