package receipt

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

const (
	bucketName      = "receipts"
	indexBucketName = "receipt_index"
)

// DB defines the interface for catalog storage
type DB interface {
	// InsertReceipt saves a new receipt unless one of its uniqueness keys is
	// already taken by the same owner, in which case a *DuplicateError is returned
	InsertReceipt(receipt *Receipt) error

	// GetReceipt retrieves a receipt by ID
	GetReceipt(id string) (*Receipt, error)

	// ListReceipts returns the owner's receipts, newest first
	ListReceipts(ownerID string) ([]*Receipt, error)

	// FindDuplicate returns the ID of the owner's receipt holding a uniqueness
	// key, or "" when the key is free
	FindDuplicate(ownerID string, kind DuplicateKind, value string) (string, error)

	// DeleteReceipt removes a receipt and frees its uniqueness keys
	DeleteReceipt(id string) error

	// Close closes the database connection
	Close() error
}

// BoltDB implements the DB interface using BoltDB
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(bucketName)); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(indexBucketName)); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

type indexEntry struct {
	kind  DuplicateKind
	value string
}

// indexEntries lists the uniqueness keys of a receipt in check order. The job
// comes first so recording a job twice reports the job, not its file hash.
func indexEntries(r *Receipt) []indexEntry {
	var entries []indexEntry
	if r.JobID != "" {
		entries = append(entries, indexEntry{DuplicateJob, r.JobID})
	}
	entries = append(entries, indexEntry{DuplicateFileHash, r.FileHash})
	if r.ReceiptKey != "" {
		entries = append(entries, indexEntry{DuplicateReceiptKey, r.ReceiptKey})
	}
	if r.MatchKey != "" {
		entries = append(entries, indexEntry{DuplicateMatchKey, r.MatchKey})
	}
	return entries
}

func indexKey(ownerID string, e indexEntry) []byte {
	return []byte(ownerID + "\x00" + string(e.kind) + "\x00" + e.value)
}

// InsertReceipt checks every uniqueness key and writes the receipt in one transaction
func (b *BoltDB) InsertReceipt(receipt *Receipt) error {
	if receipt.FileHash == "" {
		return fmt.Errorf("receipt %s has no file hash", receipt.ID)
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		index := tx.Bucket([]byte(indexBucketName))

		if bucket.Get([]byte(receipt.ID)) != nil {
			return fmt.Errorf("receipt %s already exists", receipt.ID)
		}

		entries := indexEntries(receipt)
		for _, e := range entries {
			if existing := index.Get(indexKey(receipt.OwnerID, e)); existing != nil {
				return &DuplicateError{Kind: e.kind, ExistingID: string(existing)}
			}
		}

		data, err := json.Marshal(receipt)
		if err != nil {
			return fmt.Errorf("marshaling receipt: %w", err)
		}
		if err := bucket.Put([]byte(receipt.ID), data); err != nil {
			return err
		}
		for _, e := range entries {
			if err := index.Put(indexKey(receipt.OwnerID, e), []byte(receipt.ID)); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetReceipt retrieves a receipt by ID
func (b *BoltDB) GetReceipt(id string) (*Receipt, error) {
	var receipt *Receipt
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		data := bucket.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return json.Unmarshal(data, &receipt)
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// FindDuplicate looks up a single uniqueness key
func (b *BoltDB) FindDuplicate(ownerID string, kind DuplicateKind, value string) (string, error) {
	var id string
	err := b.db.View(func(tx *bbolt.Tx) error {
		index := tx.Bucket([]byte(indexBucketName))
		id = string(index.Get(indexKey(ownerID, indexEntry{kind, value})))
		return nil
	})
	return id, err
}

// ListReceipts returns the owner's receipts, newest first
func (b *BoltDB) ListReceipts(ownerID string) ([]*Receipt, error) {
	receipts := make([]*Receipt, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		return bucket.ForEach(func(k, v []byte) error {
			var receipt Receipt
			if err := json.Unmarshal(v, &receipt); err != nil {
				return fmt.Errorf("unmarshaling receipt: %w", err)
			}
			if receipt.OwnerID == ownerID {
				receipts = append(receipts, &receipt)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(receipts, func(i, j int) bool {
		if receipts[i].CreatedAt.Equal(receipts[j].CreatedAt) {
			return receipts[i].ID > receipts[j].ID
		}
		return receipts[i].CreatedAt.After(receipts[j].CreatedAt)
	})
	return receipts, nil
}

// DeleteReceipt removes a receipt and its index entries
func (b *BoltDB) DeleteReceipt(id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		index := tx.Bucket([]byte(indexBucketName))

		data := bucket.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		var receipt Receipt
		if err := json.Unmarshal(data, &receipt); err != nil {
			return fmt.Errorf("unmarshaling receipt: %w", err)
		}

		for _, e := range indexEntries(&receipt) {
			key := indexKey(receipt.OwnerID, e)
			// Only drop entries that still point at this receipt.
			if string(index.Get(key)) == id {
				if err := index.Delete(key); err != nil {
					return err
				}
			}
		}
		return bucket.Delete([]byte(id))
	})
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}
