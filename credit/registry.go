package credit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"chainflow/core/events"
	"chainflow/crypto"
	"chainflow/lending"
)

var (
	// ErrNotIssuer is returned when a caller without the issuer capability
	// attempts to mutate registry state.
	ErrNotIssuer = errors.New("credit: caller is not an authorised issuer")
	// ErrRecordNotFound is returned when no record exists for a borrower.
	ErrRecordNotFound = errors.New("credit: record not found")
	// ErrInvalidTier is returned when an issuer submits an unknown tier.
	ErrInvalidTier = errors.New("credit: invalid tier")
	// ErrCommitmentMismatch is returned when a revealed score does not hash
	// to the stored commitment.
	ErrCommitmentMismatch = errors.New("credit: score does not match commitment")
)

// Record captures the tier assignment and optional score commitment held for
// a borrower. Commitment is the keccak256 digest of score||salt so the raw
// score never touches persistent storage.
type Record struct {
	Borrower   [20]byte
	Tier       lending.Tier
	Commitment [32]byte
	HasDigest  bool
	Issuer     [20]byte
	UpdatedAt  int64
}

// Clone returns a copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := *r
	return &clone
}

// Store abstracts the persistence layer used by the registry.
type Store interface {
	GetRecord(borrower [20]byte) (*Record, error)
	PutRecord(record *Record) error
}

// Registry tracks borrower credit tiers and score commitments. Mutations are
// restricted to addresses granted the issuer capability by the admin.
type Registry struct {
	mu      sync.RWMutex
	store   Store
	issuers map[[20]byte]struct{}
	admin   crypto.Address
	emitter events.Emitter
	nowFn   func() int64
}

// NewRegistry constructs a registry backed by the supplied store. The admin
// address controls the issuer set and is itself an issuer.
func NewRegistry(store Store, admin crypto.Address) *Registry {
	r := &Registry{
		store:   store,
		issuers: make(map[[20]byte]struct{}),
		admin:   admin,
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
	r.issuers[addressKey(admin)] = struct{}{}
	return r
}

// SetEmitter overrides the event emitter used for registry mutations.
func (r *Registry) SetEmitter(emitter events.Emitter) {
	if r == nil || emitter == nil {
		return
	}
	r.mu.Lock()
	r.emitter = emitter
	r.mu.Unlock()
}

// SetNowFunc overrides the wall clock used for record timestamps.
func (r *Registry) SetNowFunc(now func() int64) {
	if r == nil || now == nil {
		return
	}
	r.mu.Lock()
	r.nowFn = now
	r.mu.Unlock()
}

// AddIssuer grants the issuer capability. Only the admin may grow the set.
func (r *Registry) AddIssuer(caller, issuer crypto.Address) error {
	if r == nil {
		return ErrRecordNotFound
	}
	if !caller.Equal(r.admin) {
		return ErrNotIssuer
	}
	r.mu.Lock()
	r.issuers[addressKey(issuer)] = struct{}{}
	r.mu.Unlock()
	return nil
}

// RemoveIssuer revokes the issuer capability. The admin cannot be removed.
func (r *Registry) RemoveIssuer(caller, issuer crypto.Address) error {
	if r == nil {
		return ErrRecordNotFound
	}
	if !caller.Equal(r.admin) {
		return ErrNotIssuer
	}
	if issuer.Equal(r.admin) {
		return fmt.Errorf("credit: admin issuer cannot be removed")
	}
	r.mu.Lock()
	delete(r.issuers, addressKey(issuer))
	r.mu.Unlock()
	return nil
}

func (r *Registry) isIssuer(caller crypto.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.issuers[addressKey(caller)]
	return ok
}

// SetTier assigns or refreshes the borrower's credit tier.
func (r *Registry) SetTier(caller, borrower crypto.Address, tier lending.Tier) error {
	if r == nil || r.store == nil {
		return ErrRecordNotFound
	}
	if !r.isIssuer(caller) {
		return ErrNotIssuer
	}
	if !tier.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidTier, tier)
	}
	record, err := r.store.GetRecord(addressKey(borrower))
	if err != nil && !errors.Is(err, ErrRecordNotFound) {
		return err
	}
	if record == nil {
		record = &Record{Borrower: addressKey(borrower)}
	}
	record.Tier = tier
	record.Issuer = addressKey(caller)
	record.UpdatedAt = r.now()
	if err := r.store.PutRecord(record); err != nil {
		return err
	}
	r.emit(events.CreditTierUpdated{
		Subject: addressKey(borrower),
		Tier:    uint8(tier),
		Issuer:  addressKey(caller),
	})
	return nil
}

// CommitScore records the keccak256 digest of the borrower's raw score and a
// caller-chosen salt. The digest can later be checked with VerifyScore.
func (r *Registry) CommitScore(caller, borrower crypto.Address, score uint64, salt []byte) ([32]byte, error) {
	if r == nil || r.store == nil {
		return [32]byte{}, ErrRecordNotFound
	}
	if !r.isIssuer(caller) {
		return [32]byte{}, ErrNotIssuer
	}
	digest := ScoreDigest(score, salt)
	record, err := r.store.GetRecord(addressKey(borrower))
	if err != nil && !errors.Is(err, ErrRecordNotFound) {
		return [32]byte{}, err
	}
	if record == nil {
		return [32]byte{}, fmt.Errorf("%w: commit requires an existing tier record", ErrRecordNotFound)
	}
	record.Commitment = digest
	record.HasDigest = true
	record.Issuer = addressKey(caller)
	record.UpdatedAt = r.now()
	if err := r.store.PutRecord(record); err != nil {
		return [32]byte{}, err
	}
	r.emit(events.CreditScoreCommitted{
		Subject: addressKey(borrower),
		Digest:  digest,
		Issuer:  addressKey(caller),
	})
	return digest, nil
}

// VerifyScore reports whether the revealed score and salt hash to the stored
// commitment for the borrower.
func (r *Registry) VerifyScore(borrower crypto.Address, score uint64, salt []byte) error {
	if r == nil || r.store == nil {
		return ErrRecordNotFound
	}
	record, err := r.store.GetRecord(addressKey(borrower))
	if err != nil {
		return err
	}
	if record == nil || !record.HasDigest {
		return ErrRecordNotFound
	}
	if ScoreDigest(score, salt) != record.Commitment {
		return ErrCommitmentMismatch
	}
	return nil
}

// Tier implements the tier source consumed by the loan ledger. The second
// return value reports whether a record exists for the borrower.
func (r *Registry) Tier(borrower crypto.Address) (lending.Tier, bool, error) {
	if r == nil || r.store == nil {
		return 0, false, ErrRecordNotFound
	}
	record, err := r.store.GetRecord(addressKey(borrower))
	if errors.Is(err, ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if record == nil {
		return 0, false, nil
	}
	return record.Tier, true, nil
}

// ScoreDigest computes the commitment digest for a raw score and salt.
func ScoreDigest(score uint64, salt []byte) [32]byte {
	buf := make([]byte, 8, 8+len(salt))
	for i := 0; i < 8; i++ {
		buf[i] = byte(score >> (56 - 8*i))
	}
	buf = append(buf, salt...)
	var digest [32]byte
	copy(digest[:], ethcrypto.Keccak256(buf))
	return digest
}

func (r *Registry) emit(evt events.Event) {
	r.mu.RLock()
	emitter := r.emitter
	r.mu.RUnlock()
	if emitter != nil {
		emitter.Emit(evt)
	}
}

func (r *Registry) now() int64 {
	r.mu.RLock()
	now := r.nowFn
	r.mu.RUnlock()
	if now != nil {
		return now()
	}
	return 0
}

func addressKey(addr crypto.Address) [20]byte {
	var key [20]byte
	copy(key[:], addr.Bytes())
	return key
}
