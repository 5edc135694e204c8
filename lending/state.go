package lending

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"chainflow/crypto"
	"chainflow/storage"
)

// LedgerState is the persistence boundary for loan records. Implementations
// must return nil (not an error) for unknown loan ids and must never hand out
// aliased records: the ledger mutates what it receives.
type LedgerState interface {
	GetLoan(id uint64) (*Loan, error)
	PutLoan(loan *Loan) error
	// NextLoanID returns the next sequential id and advances the counter.
	// Ids start at 1 and are never reused, even when the enclosing operation
	// later aborts.
	NextLoanID() (uint64, error)
	// LoanIDs lists all known loan ids in ascending order.
	LoanIDs() ([]uint64, error)
}

// --- In-memory state ---

// MemoryState keeps loans in a map. Suitable for tests and single-process
// deployments that snapshot elsewhere.
type MemoryState struct {
	mu    sync.RWMutex
	loans map[uint64]*Loan
	next  uint64
}

// NewMemoryState constructs an empty in-memory loan table.
func NewMemoryState() *MemoryState {
	return &MemoryState{loans: make(map[uint64]*Loan)}
}

// GetLoan returns a deep copy of the stored record, or nil when unknown.
func (s *MemoryState) GetLoan(id uint64) (*Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loans[id].Clone(), nil
}

// PutLoan stores a deep copy of the record.
func (s *MemoryState) PutLoan(loan *Loan) error {
	if loan == nil {
		return errors.New("loan ledger: cannot store nil loan")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loans[loan.ID] = loan.Clone()
	return nil
}

// NextLoanID advances and returns the sequential id counter.
func (s *MemoryState) NextLoanID() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return s.next, nil
}

// LoanIDs lists all known loan ids in ascending order.
func (s *MemoryState) LoanIDs() ([]uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]uint64, 0, len(s.loans))
	for id := range s.loans {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// --- KV-backed state ---

var (
	loanKeyPrefix  = []byte("lending/loan/")
	loanCounterKey = []byte("lending/loan-counter")
	loanIndexKey   = []byte("lending/loan-index")
)

// storedLoan is the JSON wire form of a loan record.
type storedLoan struct {
	ID              uint64   `json:"id"`
	BorrowerPrefix  string   `json:"borrowerPrefix"`
	Borrower        []byte   `json:"borrower"`
	Collateral      *big.Int `json:"collateral"`
	Debt            *big.Int `json:"debt"`
	InterestRateBps uint64   `json:"interestRateBps"`
	CreatedAt       int64    `json:"createdAt"`
	LastAccruedAt   int64    `json:"lastAccruedAt"`
	Active          bool     `json:"active"`
}

// KVState persists loans as JSON documents in a storage.Database, with a
// big-endian counter key for id assignment and a flat id index for listing.
type KVState struct {
	mu sync.Mutex
	db storage.Database
}

// NewKVState wraps the provided database.
func NewKVState(db storage.Database) *KVState {
	return &KVState{db: db}
}

func loanKey(id uint64) []byte {
	key := make([]byte, len(loanKeyPrefix)+8)
	copy(key, loanKeyPrefix)
	binary.BigEndian.PutUint64(key[len(loanKeyPrefix):], id)
	return key
}

// GetLoan returns the stored record, or nil when unknown.
func (s *KVState) GetLoan(id uint64) (*Loan, error) {
	raw, err := s.db.Get(loanKey(id))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loan ledger: load loan %d: %w", id, err)
	}
	var rec storedLoan
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("loan ledger: decode loan %d: %w", id, err)
	}
	borrower, err := crypto.NewAddress(crypto.AddressPrefix(rec.BorrowerPrefix), rec.Borrower)
	if err != nil {
		return nil, fmt.Errorf("loan ledger: decode loan %d borrower: %w", id, err)
	}
	loan := &Loan{
		ID:               rec.ID,
		Borrower:         borrower,
		CollateralAmount: rec.Collateral,
		DebtAmount:       rec.Debt,
		InterestRateBps:  rec.InterestRateBps,
		CreatedAt:        rec.CreatedAt,
		LastAccruedAt:    rec.LastAccruedAt,
		Active:           rec.Active,
	}
	if loan.CollateralAmount == nil {
		loan.CollateralAmount = big.NewInt(0)
	}
	if loan.DebtAmount == nil {
		loan.DebtAmount = big.NewInt(0)
	}
	return loan, nil
}

// PutLoan stores the record and maintains the id index.
func (s *KVState) PutLoan(loan *Loan) error {
	if loan == nil {
		return errors.New("loan ledger: cannot store nil loan")
	}
	rec := storedLoan{
		ID:              loan.ID,
		BorrowerPrefix:  string(loan.Borrower.Prefix()),
		Borrower:        loan.Borrower.Bytes(),
		Collateral:      loan.CollateralAmount,
		Debt:            loan.DebtAmount,
		InterestRateBps: loan.InterestRateBps,
		CreatedAt:       loan.CreatedAt,
		LastAccruedAt:   loan.LastAccruedAt,
		Active:          loan.Active,
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("loan ledger: encode loan %d: %w", loan.ID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Put(loanKey(loan.ID), raw); err != nil {
		return fmt.Errorf("loan ledger: store loan %d: %w", loan.ID, err)
	}
	return s.indexLoanLocked(loan.ID)
}

// NextLoanID advances and returns the persistent id counter.
func (s *KVState) NextLoanID() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var current uint64
	raw, err := s.db.Get(loanCounterKey)
	switch {
	case errors.Is(err, storage.ErrKeyNotFound):
	case err != nil:
		return 0, fmt.Errorf("loan ledger: load id counter: %w", err)
	case len(raw) == 8:
		current = binary.BigEndian.Uint64(raw)
	}
	next := current + 1
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, next)
	if err := s.db.Put(loanCounterKey, buf); err != nil {
		return 0, fmt.Errorf("loan ledger: store id counter: %w", err)
	}
	return next, nil
}

// LoanIDs lists all known loan ids in ascending order.
func (s *KVState) LoanIDs() ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loanIDsLocked()
}

func (s *KVState) loanIDsLocked() ([]uint64, error) {
	raw, err := s.db.Get(loanIndexKey)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loan ledger: load loan index: %w", err)
	}
	var ids []uint64
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, fmt.Errorf("loan ledger: decode loan index: %w", err)
	}
	return ids, nil
}

func (s *KVState) indexLoanLocked(id uint64) error {
	ids, err := s.loanIDsLocked()
	if err != nil {
		return err
	}
	pos := sort.Search(len(ids), func(i int) bool { return ids[i] >= id })
	if pos < len(ids) && ids[pos] == id {
		return nil
	}
	ids = append(ids, 0)
	copy(ids[pos+1:], ids[pos:])
	ids[pos] = id
	raw, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("loan ledger: encode loan index: %w", err)
	}
	if err := s.db.Put(loanIndexKey, raw); err != nil {
		return fmt.Errorf("loan ledger: store loan index: %w", err)
	}
	return nil
}
