package credit

import (
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"chainflow/lending"
)

// MemoryStore keeps records in process memory. It is the default backend for
// tests and single-node development networks.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[[20]byte]*Record
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[[20]byte]*Record)}
}

// GetRecord returns the record for the borrower or ErrRecordNotFound.
func (s *MemoryStore) GetRecord(borrower [20]byte) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[borrower]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return record.Clone(), nil
}

// PutRecord stores a copy of the record keyed by borrower.
func (s *MemoryStore) PutRecord(record *Record) error {
	if record == nil {
		return ErrRecordNotFound
	}
	s.mu.Lock()
	s.records[record.Borrower] = record.Clone()
	s.mu.Unlock()
	return nil
}

var bucketRecords = []byte("credit_records")

// storedRecord mirrors Record with JSON-friendly field encodings.
type storedRecord struct {
	Borrower   string `json:"borrower"`
	Tier       uint8  `json:"tier"`
	Commitment string `json:"commitment,omitempty"`
	HasDigest  bool   `json:"hasDigest"`
	Issuer     string `json:"issuer"`
	UpdatedAt  int64  `json:"updatedAt"`
}

// BoltStore persists records in a BoltDB file.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore initialises (and migrates) the BoltDB-backed store.
func NewBoltStore(path string, options *bolt.Options) (*BoltStore, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRecords)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

// Close releases the underlying Bolt database handle.
func (s *BoltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// GetRecord returns the record for the borrower or ErrRecordNotFound.
func (s *BoltStore) GetRecord(borrower [20]byte) (*Record, error) {
	if s == nil || s.db == nil {
		return nil, ErrRecordNotFound
	}
	var stored *storedRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketRecords).Get(borrower[:])
		if raw == nil {
			return ErrRecordNotFound
		}
		stored = new(storedRecord)
		return json.Unmarshal(raw, stored)
	})
	if err != nil {
		return nil, err
	}
	return stored.toRecord()
}

// PutRecord stores the record keyed by borrower.
func (s *BoltStore) PutRecord(record *Record) error {
	if s == nil || s.db == nil || record == nil {
		return ErrRecordNotFound
	}
	raw, err := json.Marshal(newStoredRecord(record))
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecords).Put(record.Borrower[:], raw)
	})
}

func newStoredRecord(record *Record) *storedRecord {
	stored := &storedRecord{
		Borrower:  hex.EncodeToString(record.Borrower[:]),
		Tier:      uint8(record.Tier),
		HasDigest: record.HasDigest,
		Issuer:    hex.EncodeToString(record.Issuer[:]),
		UpdatedAt: record.UpdatedAt,
	}
	if record.HasDigest {
		stored.Commitment = hex.EncodeToString(record.Commitment[:])
	}
	return stored
}

func (s *storedRecord) toRecord() (*Record, error) {
	record := &Record{
		HasDigest: s.HasDigest,
		UpdatedAt: s.UpdatedAt,
	}
	record.Tier = lending.Tier(s.Tier)
	borrower, err := hex.DecodeString(s.Borrower)
	if err != nil {
		return nil, err
	}
	copy(record.Borrower[:], borrower)
	issuer, err := hex.DecodeString(s.Issuer)
	if err != nil {
		return nil, err
	}
	copy(record.Issuer[:], issuer)
	if s.HasDigest {
		commitment, err := hex.DecodeString(s.Commitment)
		if err != nil {
			return nil, err
		}
		copy(record.Commitment[:], commitment)
	}
	return record, nil
}
