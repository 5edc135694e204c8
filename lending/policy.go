package lending

import (
	"fmt"
	"sync"
)

// TierPolicy is the static table mapping a credit tier to its LTV cap and
// annual rate. Lookups are pure; mutation happens only through Set, which the
// ledger gates behind its admin capability.
type TierPolicy struct {
	mu     sync.RWMutex
	params map[Tier]TierParams
}

// NewTierPolicy constructs an empty policy table.
func NewTierPolicy() *TierPolicy {
	return &TierPolicy{params: make(map[Tier]TierParams)}
}

// Set validates and stores the parameters for a tier. Tier codes outside
// {0,1,2} and LTV caps above 100% are rejected.
func (p *TierPolicy) Set(tier Tier, params TierParams) error {
	if !tier.Valid() {
		return fmt.Errorf("%w: unknown tier code %d", ErrConfiguration, tier)
	}
	if params.LTVBps > 10_000 {
		return fmt.Errorf("%w: ltv %d bps exceeds 100%%", ErrConfiguration, params.LTVBps)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.params[tier] = params
	return nil
}

// Get returns the parameters configured for a tier. A tier outside the valid
// range, or one that was never configured, is a configuration error distinct
// from a borrower missing a tier entirely.
func (p *TierPolicy) Get(tier Tier) (TierParams, error) {
	if !tier.Valid() {
		return TierParams{}, fmt.Errorf("%w: unknown tier code %d", ErrConfiguration, tier)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	params, ok := p.params[tier]
	if !ok {
		return TierParams{}, fmt.Errorf("%w: tier %s not configured", ErrConfiguration, tier)
	}
	return params, nil
}
