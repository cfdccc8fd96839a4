package persistence

import (
	"ab-paper-bot-go/internal/models"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/dgraph-io/badger/v3"
)

const (
	ledgerPrefix    = "ledger/"
	historyPrefix   = "ab_history/"
	historySeqKey   = "seq/ab_history"
	riskLevelKey    = "risk_level"
	historySeqLease = 16
)

// badgerRepository is the BadgerDB implementation of the StateRepository.
type badgerRepository struct {
	db         *badger.DB
	historySeq *badger.Sequence
}

// NewBadgerRepository creates and returns a new repository instance connected to a BadgerDB database.
func NewBadgerRepository(dbPath string) (StateRepository, error) {
	opts := badger.DefaultOptions(dbPath)
	// Every write is a ledger or history mutation that must survive a crash.
	opts.SyncWrites = true
	return openBadger(opts)
}

// NewInMemoryRepository returns a repository backed by an in-memory BadgerDB, used by tests and dry runs.
func NewInMemoryRepository() (StateRepository, error) {
	return openBadger(badger.DefaultOptions("").WithInMemory(true))
}

func openBadger(opts badger.Options) (*badgerRepository, error) {
	// For this use case, we can disable Badger's own logging to keep our app's logs clean.
	// Errors will still be returned from DB operations.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	seq, err := db.GetSequence([]byte(historySeqKey), historySeqLease)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to acquire history sequence: %w", err)
	}

	return &badgerRepository{db: db, historySeq: seq}, nil
}

func ledgerKey(slot string) []byte {
	return []byte(ledgerPrefix + slot)
}

// historyKey zero-pads the sequence so lexical key order equals append order.
func historyKey(n uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", historyPrefix, n))
}

func (r *badgerRepository) setJSON(key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

// getJSON decodes the value under key into v. It returns badger.ErrKeyNotFound unchanged.
func (r *badgerRepository) getJSON(key []byte, v interface{}) error {
	return r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) == 0 {
				return fmt.Errorf("value for %s is empty in database", key)
			}
			return json.Unmarshal(val, v)
		})
	})
}

// SaveLedger marshals the ledger record into JSON and saves it under the slot key.
func (r *badgerRepository) SaveLedger(slot string, rec *models.LedgerRecord) error {
	if rec == nil {
		return errors.New("nil ledger record")
	}
	return r.setJSON(ledgerKey(slot), rec)
}

// LoadLedger loads a ledger from storage.
// If the slot key is not found, it returns (nil, nil) to indicate no ledger is present.
func (r *badgerRepository) LoadLedger(slot string) (*models.LedgerRecord, error) {
	var rec models.LedgerRecord
	err := r.getJSON(ledgerKey(slot), &rec)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if rec.Positions == nil {
		rec.Positions = make(map[string]*models.Position)
	}
	return &rec, nil
}

// AppendHistory writes the entry under the next history sequence number.
func (r *badgerRepository) AppendHistory(entry models.ABHistoryEntry) error {
	n, err := r.historySeq.Next()
	if err != nil {
		return fmt.Errorf("failed to allocate history sequence: %w", err)
	}
	return r.setJSON(historyKey(n), entry)
}

// LoadHistory iterates the history prefix in key order.
func (r *badgerRepository) LoadHistory() ([]models.ABHistoryEntry, error) {
	var entries []models.ABHistoryEntry
	err := r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(historyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				var e models.ABHistoryEntry
				if err := json.Unmarshal(val, &e); err != nil {
					return fmt.Errorf("corrupt history entry %s: %w", item.Key(), err)
				}
				entries = append(entries, e)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return entries, err
}

// SaveRiskLevel stores the level as a decimal string.
func (r *badgerRepository) SaveRiskLevel(level int) error {
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(riskLevelKey), []byte(strconv.Itoa(level)))
	})
}

// LoadRiskLevel returns (0, false, nil) when no level was stored yet.
func (r *badgerRepository) LoadRiskLevel() (int, bool, error) {
	var level int
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(riskLevelKey))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var convErr error
			level, convErr = strconv.Atoi(string(val))
			return convErr
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return level, true, nil
}

// Close releases the unused sequence lease and closes the database.
func (r *badgerRepository) Close() error {
	seqErr := r.historySeq.Release()
	if err := r.db.Close(); err != nil {
		return err
	}
	return seqErr
}
