package events

const (
	// TypeCreditTierUpdated is emitted when an issuer assigns or refreshes a
	// borrower's credit tier.
	TypeCreditTierUpdated = "credit.tier.updated"
	// TypeCreditScoreCommitted is emitted when a score commitment digest is
	// recorded for a borrower.
	TypeCreditScoreCommitted = "credit.score.committed"
)

// CreditTierUpdated reports a borrower tier assignment.
type CreditTierUpdated struct {
	Subject [20]byte
	Tier    uint8
	Issuer  [20]byte
}

// EventType implements the events.Event interface.
func (CreditTierUpdated) EventType() string { return TypeCreditTierUpdated }

// CreditScoreCommitted reports the digest committed for a borrower's score.
type CreditScoreCommitted struct {
	Subject [20]byte
	Digest  [32]byte
	Issuer  [20]byte
}

// EventType implements the events.Event interface.
func (CreditScoreCommitted) EventType() string { return TypeCreditScoreCommitted }
